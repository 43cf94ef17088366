// Package payment records processor payment intents and reconciles them from
// signed processor webhooks.
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-escrow/internal/audit"
	"github.com/ksred/klear-escrow/internal/config"
	"github.com/ksred/klear-escrow/internal/events"
	"github.com/ksred/klear-escrow/internal/metrics"
	"github.com/ksred/klear-escrow/internal/trading"
	"github.com/ksred/klear-escrow/pkg/apperr"
	"github.com/ksred/klear-escrow/pkg/response"
	reqvalidator "github.com/ksred/klear-escrow/pkg/validator"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	maxWebhookBytes = 1 << 20
	auditSource     = "payment-service"
	entityType      = "payment"
)

// TradeLookup resolves the trade a payment belongs to.
type TradeLookup interface {
	GetTrade(ctx context.Context, tradeID string) (*trading.Trade, error)
}

type Service struct {
	db        *Database
	trades    TradeLookup
	ledger    EventLedger
	publisher events.Publisher
	auditLog  audit.Recorder
	cfg       config.Payments
	metrics   *metrics.Registry
	now       func() time.Time
}

func NewService(gormDB *gorm.DB, trades TradeLookup, ledger EventLedger, publisher events.Publisher, auditLog audit.Recorder, cfg config.Payments) *Service {
	return &Service{
		db:        NewDatabase(gormDB),
		trades:    trades,
		ledger:    ledger,
		publisher: publisher,
		auditLog:  auditLog,
		cfg:       cfg,
		metrics:   metrics.Escrow(),
		now:       time.Now,
	}
}

// RegisterPayment records the processor payment intent created for a trade.
// Registering the same intent again returns the stored payment.
func (s *Service) RegisterPayment(ctx context.Context, req RegisterRequest) (*Payment, bool, error) {
	trade, err := s.trades.GetTrade(ctx, req.TradeID)
	if err != nil {
		return nil, false, err
	}

	amount := req.AmountCents
	if amount == 0 {
		amount = trade.TotalUSD.Shift(2).Round(0).IntPart()
	}
	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = s.cfg.Currency
	}
	status := StatusPending
	if req.ProcessorStatus != "" {
		status = MapProcessorStatus(req.ProcessorStatus)
	}

	payment, created, err := s.db.CreateIfAbsent(ctx, &Payment{
		PaymentID:       uuid.New().String(),
		PaymentIntentID: req.PaymentIntentID,
		TradeID:         trade.TradeID,
		BuyerID:         trade.BuyerID,
		SellerID:        trade.SellerID,
		AmountCents:     amount,
		Currency:        currency,
		Status:          status,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to register payment: %w", err)
	}
	if payment.TradeID != req.TradeID {
		return nil, false, apperr.Conflict("payment intent %s is registered to another trade", req.PaymentIntentID)
	}

	if !created {
		return payment, false, nil
	}

	log.Info().
		Str("trade_id", payment.TradeID).
		Str("payment_intent_id", payment.PaymentIntentID).
		Int64("amount_cents", payment.AmountCents).
		Msg("payment registered")

	if _, err := s.auditLog.Record(ctx, audit.Entry{
		EventType:   "payment.registered",
		Description: "Payment intent registered for trade",
		Source:      auditSource,
		EntityType:  entityType,
		EntityID:    payment.PaymentID,
		Metadata: map[string]interface{}{
			"payment_intent_id": payment.PaymentIntentID,
			"trade_id":          payment.TradeID,
			"amount_cents":      payment.AmountCents,
			"currency":          payment.Currency,
			"status":            string(payment.Status),
		},
	}); err != nil {
		return nil, false, err
	}
	return payment, true, nil
}

// GetPaymentForTrade returns the latest payment registered for a trade.
func (s *Service) GetPaymentForTrade(ctx context.Context, tradeID string) (*Payment, error) {
	payment, err := s.db.GetLatestForTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, apperr.NotFound("payment not found for trade %s", tradeID)
	}
	return payment, nil
}

// HandleWebhook verifies and applies one processor event. Unknown payments
// and unhandled event types are acknowledged without effect. An event is
// only remembered as processed once its payment event was published, so a
// failed publish is retried on redelivery.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookOutcome, error) {
	if err := VerifySignature(payload, signature, s.cfg.WebhookSecret, s.cfg.SignatureTolerance, s.now()); err != nil {
		s.metrics.Webhook("unknown", "invalid_signature")
		return "", err
	}

	var event WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil || event.ID == "" || event.Type == "" {
		s.metrics.Webhook("unknown", "malformed")
		return "", apperr.Validation("malformed webhook payload")
	}
	logger := log.With().Str("event_id", event.ID).Str("event_type", event.Type).Str("service", "payments").Logger()

	status, handled := eventStatuses[event.Type]
	if !handled {
		logger.Debug().Msg("unhandled webhook event type")
		s.metrics.Webhook(event.Type, string(OutcomeIgnored))
		return OutcomeIgnored, nil
	}

	intentID := event.Data.Object.PaymentIntentID()
	if intentID == "" {
		s.metrics.Webhook(event.Type, "malformed")
		return "", apperr.Validation("webhook event has no payment intent")
	}
	logger = logger.With().Str("payment_intent_id", intentID).Logger()

	payment, err := s.db.GetByIntentID(ctx, intentID)
	if err != nil {
		return "", err
	}
	if payment == nil {
		logger.Warn().Msg("payment not found for webhook event")
		s.metrics.Webhook(event.Type, string(OutcomeUnknownPayment))
		return OutcomeUnknownPayment, nil
	}

	seen, err := s.ledger.Seen(ctx, event.ID)
	if err != nil {
		return "", err
	}
	if seen {
		logger.Debug().Msg("webhook event already processed")
		s.metrics.Webhook(event.Type, string(OutcomeDuplicate))
		return OutcomeDuplicate, nil
	}

	changed, err := s.db.AdvanceStatus(ctx, intentID, status)
	if err != nil {
		return "", fmt.Errorf("failed to update payment status: %w", err)
	}
	if changed {
		if err := s.recordStatusChange(ctx, event, payment, status); err != nil {
			logger.Error().Err(err).Msg("failed to audit payment status change")
			return "", err
		}
	}

	occurredAt := s.now().UTC()
	if event.Created > 0 {
		occurredAt = time.Unix(event.Created, 0).UTC()
	}
	if err := s.publisher.Publish(ctx, events.PaymentEvent{
		EventID:         event.ID,
		Type:            event.Type,
		PaymentIntentID: intentID,
		TradeID:         payment.TradeID,
		Status:          string(status),
		AmountCents:     payment.AmountCents,
		Currency:        payment.Currency,
		OccurredAt:      occurredAt,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to dispatch payment event")
		s.metrics.Webhook(event.Type, "dispatch_failed")
		return "", fmt.Errorf("failed to dispatch payment event: %w", err)
	}

	if err := s.ledger.Mark(ctx, event.ID, event.Type, intentID); err != nil {
		logger.Error().Err(err).Msg("failed to record processed webhook event")
	}

	logger.Info().
		Str("trade_id", payment.TradeID).
		Str("status", string(status)).
		Bool("status_changed", changed).
		Msg("payment webhook processed")
	s.metrics.Webhook(event.Type, string(OutcomeProcessed))
	return OutcomeProcessed, nil
}

func (s *Service) recordStatusChange(ctx context.Context, event WebhookEvent, payment *Payment, status Status) error {
	severity := audit.SeverityInfo
	if status == StatusFailed {
		severity = audit.SeverityWarning
	}
	_, err := s.auditLog.Record(ctx, audit.Entry{
		EventType:   "payment.status_changed",
		Description: fmt.Sprintf("Payment status changed from %s to %s", payment.Status, status),
		Severity:    severity,
		ActorType:   audit.ActorIntegration,
		ActorID:     event.ID,
		ActorLabel:  "Payment Processor",
		Source:      auditSource,
		EntityType:  entityType,
		EntityID:    payment.PaymentID,
		Metadata: map[string]interface{}{
			"event_id":          event.ID,
			"event_type":        event.Type,
			"payment_intent_id": payment.PaymentIntentID,
			"trade_id":          payment.TradeID,
			"from_status":       string(payment.Status),
			"to_status":         string(status),
		},
	})
	return err
}

// GinHandlers contains HTTP handlers for payment endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for payment endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// WebhookHandler handles signed processor webhooks. The raw body is verified
// before anything is parsed.
func (h *GinHandlers) WebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBytes)
		payload, err := c.GetRawData()
		if err != nil {
			response.BadRequest(c, "Unable to read webhook body")
			return
		}

		if _, err := h.service.HandleWebhook(c.Request.Context(), payload, c.GetHeader(SignatureHeader)); err != nil {
			response.Handle(c, nil, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}

// RegisterPaymentHandler handles POST requests registering a payment intent
func (h *GinHandlers) RegisterPaymentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationFailed(c, reqvalidator.Describe(err))
			return
		}

		payment, created, err := h.service.RegisterPayment(c.Request.Context(), req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if created {
			response.Created(c, payment)
			return
		}
		response.Success(c, payment)
	}
}

// GetPaymentHandler handles GET requests for a trade's payment
func (h *GinHandlers) GetPaymentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		payment, err := h.service.GetPaymentForTrade(c.Request.Context(), c.Param("tradeId"))
		response.Handle(c, payment, err)
	}
}
