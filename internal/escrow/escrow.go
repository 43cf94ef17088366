// Package escrow orchestrates the escrow lifecycle of a trade: initiation,
// milestone completion, compensating closes and the compliance follow-up of
// each transition.
package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/ksred/klear-escrow/internal/audit"
	"github.com/ksred/klear-escrow/internal/auth"
	"github.com/ksred/klear-escrow/internal/compliance"
	"github.com/ksred/klear-escrow/internal/events"
	"github.com/ksred/klear-escrow/internal/metrics"
	"github.com/ksred/klear-escrow/internal/trading"
	"github.com/ksred/klear-escrow/pkg/apperr"
	"github.com/ksred/klear-escrow/pkg/response"
	reqvalidator "github.com/ksred/klear-escrow/pkg/validator"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	auditSource = "escrow-service"
	entityType  = "escrow"

	// initiationSync marks a compliance sync owed for escrow creation rather
	// than for a milestone.
	initiationSync = ""
)

var amountTolerance = decimal.RequireFromString("0.50")

// statusMilestone is the compliance milestone an escrow status implies.
var statusMilestone = map[Status]string{
	StatusFundsCaptured:  string(MilestoneFundsCaptured),
	StatusAssetsReceived: string(MilestoneAssetsDeposited),
	StatusSettled:        string(MilestoneSettlementCompleted),
	StatusRefunded:       compliance.MilestoneRefunded,
}

var tradeStatusForMilestone = map[MilestoneName]trading.Status{
	MilestoneFundsCaptured:       trading.StatusPaymentCaptured,
	MilestoneAssetsDeposited:     trading.StatusAssetsInEscrow,
	MilestoneSettlementCompleted: trading.StatusSettled,
}

// Trades is the upstream trade collaborator.
type Trades interface {
	GetTrade(ctx context.Context, tradeID string) (*trading.Trade, error)
	AdvanceStatus(ctx context.Context, tradeID string, status trading.Status) (bool, error)
}

// AuditLog is the append-only audit sink plus the escrow trail reader.
type AuditLog interface {
	audit.Recorder
	ListForEntity(ctx context.Context, entityType, entityID string) ([]audit.Event, error)
}

// Compliance is the compliance synchronisation collaborator.
type Compliance interface {
	EnsureVerification(ctx context.Context, escrowID string, exp compliance.Exposure) (*compliance.Verification, error)
	SyncForMilestone(ctx context.Context, escrowID, milestone string, exp compliance.Exposure) error
	RecordFailure(ctx context.Context, escrowID, tradeID, milestone string, cause error) error
	RecordSuccess(ctx context.Context, escrowID, tradeID, milestone string) error
}

type Service struct {
	db         *Database
	trades     Trades
	compliance Compliance
	audit      AuditLog
	metrics    *metrics.Registry
	now        func() time.Time
}

func NewService(gormDB *gorm.DB, trades Trades, syncer Compliance, auditLog AuditLog) *Service {
	return &Service{
		db:         NewDatabase(gormDB),
		trades:     trades,
		compliance: syncer,
		audit:      auditLog,
		metrics:    metrics.Escrow(),
		now:        time.Now,
	}
}

func (s *Service) logger(tradeID string) zerolog.Logger {
	return log.With().Str("trade_id", tradeID).Str("service", "escrow").Logger()
}

// InitiateEscrow creates the escrow for a trade. An existing escrow is returned
// unchanged without re-validating the request; created reports which case
// applied.
func (s *Service) InitiateEscrow(ctx context.Context, req InitiateRequest) (*Escrow, bool, error) {
	logger := s.logger(req.TradeID)

	existing, err := s.db.FindByTradeID(ctx, req.TradeID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		logger.Debug().Str("escrow_id", existing.ID).Msg("escrow already initiated")
		return existing, false, nil
	}

	trade, err := s.trades.GetTrade(ctx, req.TradeID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, false, apperr.NotFound("trade not found for escrow initiation")
		}
		return nil, false, err
	}
	if trade.BuyerID != req.BuyerID || trade.SellerID != req.SellerID {
		return nil, false, apperr.Validation("buyer or seller mismatch for escrow initiation")
	}
	if !req.TotalAmountUSD.IsPositive() {
		return nil, false, apperr.Validation("escrow amount must be positive")
	}
	if trade.TotalUSD.Sub(req.TotalAmountUSD).Abs().GreaterThan(amountTolerance) {
		return nil, false, apperr.Validation("escrow amount does not match trade total")
	}

	now := s.now().UTC()
	escrow, created, err := s.db.CreateIfAbsent(ctx, &Escrow{
		ID:             uuid.New().String(),
		TradeID:        req.TradeID,
		BuyerID:        req.BuyerID,
		SellerID:       req.SellerID,
		TotalAmountUSD: req.TotalAmountUSD,
		Status:         StatusInitiated,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		logger.Debug().Str("escrow_id", escrow.ID).Msg("escrow initiated concurrently")
		return escrow, false, nil
	}

	if _, err := s.audit.Record(ctx, audit.Entry{
		EventType:   "escrow.initiated",
		Description: fmt.Sprintf("Escrow initiated for trade %s", escrow.TradeID),
		Source:      auditSource,
		EntityType:  entityType,
		EntityID:    escrow.ID,
		Metadata: map[string]interface{}{
			"trade_id":         escrow.TradeID,
			"buyer_user_id":    escrow.BuyerID,
			"seller_user_id":   escrow.SellerID,
			"total_amount_usd": escrow.TotalAmountUSD.StringFixed(2),
			"status":           string(escrow.Status),
		},
	}); err != nil {
		return nil, false, fmt.Errorf("escrow %s initiated but audit failed: %w", escrow.ID, err)
	}
	s.metrics.Transition("Initiated", string(escrow.Status))

	logger.Info().
		Str("escrow_id", escrow.ID).
		Str("total_amount_usd", escrow.TotalAmountUSD.StringFixed(2)).
		Msg("escrow initiated")

	if _, err := s.compliance.EnsureVerification(ctx, escrow.ID, exposure(escrow)); err != nil {
		s.complianceFailed(ctx, escrow, initiationSync, err)
	} else {
		s.complianceSynced(ctx, escrow, initiationSync)
	}

	return escrow, true, nil
}

// GetStatus returns the escrow for a trade.
func (s *Service) GetStatus(ctx context.Context, tradeID string) (*Escrow, error) {
	escrow, err := s.db.FindByTradeID(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if escrow == nil {
		return nil, apperr.NotFound("escrow record not found")
	}
	return escrow, nil
}

// MarkMilestone completes a milestone. Completing an already completed
// milestone returns the escrow unchanged. Compliance failures after the
// commit are audited and never undo the milestone.
func (s *Service) MarkMilestone(ctx context.Context, tradeID, milestoneName string) (*Escrow, error) {
	name, ok := ParseMilestone(milestoneName)
	if !ok {
		return nil, apperr.Validation("milestone %q is not part of the escrow workflow", milestoneName)
	}
	logger := s.logger(tradeID).With().Str("milestone", string(name)).Logger()

	escrow, err := s.GetStatus(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if escrow.CompletedAt(name) != nil {
		logger.Debug().Msg("milestone already completed")
		return escrow, nil
	}
	if escrow.Status.Closed() {
		return nil, apperr.Conflict("escrow is %s; milestone %s cannot be completed", escrow.Status, name)
	}
	previous := escrow.Status

	changed, err := s.db.CompleteMilestone(ctx, tradeID, name, s.now().UTC())
	if err != nil {
		return nil, err
	}
	escrow, err = s.GetStatus(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !changed {
		if escrow.CompletedAt(name) != nil {
			logger.Debug().Msg("milestone completed concurrently")
			return escrow, nil
		}
		return nil, apperr.Conflict("escrow is %s; milestone %s cannot be completed", escrow.Status, name)
	}

	if _, err := s.audit.Record(ctx, audit.Entry{
		EventType:   "escrow.milestone_completed",
		Description: fmt.Sprintf("Milestone %s completed for trade %s", name, tradeID),
		Source:      auditSource,
		EntityType:  entityType,
		EntityID:    escrow.ID,
		Metadata: map[string]interface{}{
			"trade_id":        tradeID,
			"milestone":       string(name),
			"previous_status": string(previous),
			"status":          string(escrow.Status),
		},
	}); err != nil {
		return nil, fmt.Errorf("milestone %s committed for trade %s but audit failed: %w", name, tradeID, err)
	}
	s.metrics.Transition(string(name), string(escrow.Status))

	logger.Info().
		Str("escrow_id", escrow.ID).
		Str("status", string(escrow.Status)).
		Msg("escrow milestone completed")

	s.advanceTrade(ctx, tradeID, tradeStatusForMilestone[name])
	s.syncCompliance(ctx, escrow, string(name))

	return escrow, nil
}

// CancelEscrow closes a non-terminal escrow as cancelled.
func (s *Service) CancelEscrow(ctx context.Context, tradeID, reason string) (*Escrow, error) {
	return s.close(ctx, tradeID, StatusCancelled, reason)
}

// RefundEscrow closes a non-terminal escrow as refunded and fails its
// compliance verification.
func (s *Service) RefundEscrow(ctx context.Context, tradeID, reason string) (*Escrow, error) {
	return s.close(ctx, tradeID, StatusRefunded, reason)
}

func (s *Service) close(ctx context.Context, tradeID string, target Status, reason string) (*Escrow, error) {
	logger := s.logger(tradeID).With().Str("target_status", string(target)).Logger()

	escrow, err := s.GetStatus(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if escrow.Status == target {
		return escrow, nil
	}
	if escrow.Status.Terminal() {
		return nil, apperr.Conflict("escrow is already %s", escrow.Status)
	}
	previous := escrow.Status

	changed, err := s.db.Close(ctx, tradeID, target, s.now().UTC())
	if err != nil {
		return nil, err
	}
	escrow, err = s.GetStatus(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !changed {
		if escrow.Status == target {
			return escrow, nil
		}
		return nil, apperr.Conflict("escrow is already %s", escrow.Status)
	}

	if _, err := s.audit.Record(ctx, audit.Entry{
		EventType:   "escrow." + string(target),
		Description: fmt.Sprintf("Escrow %s for trade %s", target, tradeID),
		Severity:    audit.SeverityNotice,
		Source:      auditSource,
		EntityType:  entityType,
		EntityID:    escrow.ID,
		Metadata: map[string]interface{}{
			"trade_id":        tradeID,
			"previous_status": string(previous),
			"status":          string(target),
			"reason":          reason,
		},
	}); err != nil {
		return nil, fmt.Errorf("escrow %s for trade %s but audit failed: %w", target, tradeID, err)
	}
	s.metrics.Transition(string(target), string(target))

	logger.Info().Str("escrow_id", escrow.ID).Str("reason", reason).Msg("escrow closed")

	s.advanceTrade(ctx, tradeID, trading.StatusCancelled)
	if target == StatusRefunded {
		s.syncCompliance(ctx, escrow, compliance.MilestoneRefunded)
	}

	return escrow, nil
}

// HandlePaymentEvent applies a payment status change to the trade's escrow.
// Events for trades without an escrow, or that the escrow's state no longer
// accepts, are logged and dropped.
func (s *Service) HandlePaymentEvent(ctx context.Context, event events.PaymentEvent) error {
	logger := s.logger(event.TradeID).With().
		Str("event_id", event.EventID).
		Str("payment_intent_id", event.PaymentIntentID).
		Str("payment_status", event.Status).
		Logger()

	ctx = audit.WithActor(ctx, audit.Actor{
		Type:  audit.ActorIntegration,
		ID:    event.PaymentIntentID,
		Label: "Payment Processor",
	})

	var err error
	switch event.Status {
	case events.PaymentSucceeded:
		_, err = s.MarkMilestone(ctx, event.TradeID, string(MilestoneFundsCaptured))
	case events.PaymentCancelled:
		_, err = s.CancelEscrow(ctx, event.TradeID, fmt.Sprintf("payment intent %s cancelled", event.PaymentIntentID))
	case events.PaymentRefunded:
		_, err = s.RefundEscrow(ctx, event.TradeID, fmt.Sprintf("payment intent %s refunded", event.PaymentIntentID))
	default:
		logger.Debug().Msg("payment status does not affect escrow")
		return nil
	}

	switch {
	case err == nil:
		return nil
	case apperr.Is(err, apperr.KindNotFound):
		logger.Warn().Msg("no escrow for payment event, dropping")
		return nil
	case apperr.Is(err, apperr.KindConflict):
		logger.Warn().Err(err).Msg("payment event rejected by escrow state, dropping")
		return nil
	default:
		logger.Error().Err(err).Msg("failed to apply payment event")
		return err
	}
}

// ResyncCompliance retries an owed compliance sync.
func (s *Service) ResyncCompliance(ctx context.Context, state compliance.SyncState) error {
	escrow, err := s.db.FindByID(ctx, state.EscrowID)
	if err != nil {
		return err
	}
	if escrow == nil {
		return s.compliance.RecordSuccess(ctx, state.EscrowID, state.TradeID, state.Milestone)
	}

	milestone := state.Milestone
	if superseded(escrow, milestone) {
		milestone = statusMilestone[escrow.Status]
	}

	if milestone == initiationSync {
		_, err = s.compliance.EnsureVerification(ctx, escrow.ID, exposure(escrow))
	} else {
		err = s.compliance.SyncForMilestone(ctx, escrow.ID, milestone, exposure(escrow))
	}
	if err != nil {
		if recordErr := s.compliance.RecordFailure(ctx, escrow.ID, escrow.TradeID, milestone, err); recordErr != nil {
			logger := s.logger(escrow.TradeID)
			logger.Error().Err(recordErr).Msg("failed to record compliance sync failure")
		}
		return err
	}
	return s.compliance.RecordSuccess(ctx, escrow.ID, escrow.TradeID, milestone)
}

// AuditTrail returns the audit events of a trade's escrow, oldest first.
func (s *Service) AuditTrail(ctx context.Context, tradeID string) ([]audit.Event, error) {
	escrow, err := s.GetStatus(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	return s.audit.ListForEntity(ctx, entityType, escrow.ID)
}

func (s *Service) syncCompliance(ctx context.Context, escrow *Escrow, milestone string) {
	if superseded(escrow, milestone) {
		logger := s.logger(escrow.TradeID)
		logger.Debug().
			Str("milestone", milestone).
			Str("escrow_status", string(escrow.Status)).
			Msg("compliance already past milestone, skipping sync")
		return
	}
	if err := s.compliance.SyncForMilestone(ctx, escrow.ID, milestone, exposure(escrow)); err != nil {
		s.complianceFailed(ctx, escrow, milestone, err)
		return
	}
	s.complianceSynced(ctx, escrow, milestone)
}

func (s *Service) complianceSynced(ctx context.Context, escrow *Escrow, milestone string) {
	s.metrics.ComplianceSync("synced")
	if err := s.compliance.RecordSuccess(ctx, escrow.ID, escrow.TradeID, milestone); err != nil {
		logger := s.logger(escrow.TradeID)
		logger.Error().Err(err).Msg("failed to record compliance sync")
	}
}

func (s *Service) complianceFailed(ctx context.Context, escrow *Escrow, milestone string, cause error) {
	logger := s.logger(escrow.TradeID)
	s.metrics.ComplianceSync("failed")
	logger.Warn().Err(cause).Str("milestone", milestone).Msg("compliance sync failed")

	if err := s.compliance.RecordFailure(ctx, escrow.ID, escrow.TradeID, milestone, cause); err != nil {
		logger.Error().Err(err).Msg("failed to record compliance sync failure")
	}

	description := fmt.Sprintf("Compliance verification could not be synced for trade %s", escrow.TradeID)
	if milestone != initiationSync {
		description = fmt.Sprintf("Compliance verification could not be synced for milestone %s on trade %s", milestone, escrow.TradeID)
	}
	if _, err := s.audit.Record(ctx, audit.Entry{
		EventType:   "escrow.compliance_sync_failed",
		Description: description,
		Severity:    audit.SeverityWarning,
		Source:      auditSource,
		EntityType:  entityType,
		EntityID:    escrow.ID,
		Metadata: map[string]interface{}{
			"trade_id":  escrow.TradeID,
			"milestone": milestone,
			"error":     cause.Error(),
		},
	}); err != nil {
		logger.Error().Err(err).Msg("failed to audit compliance sync failure")
	}
}

func (s *Service) advanceTrade(ctx context.Context, tradeID string, status trading.Status) {
	if status == "" {
		return
	}
	if _, err := s.trades.AdvanceStatus(ctx, tradeID, status); err != nil {
		logger := s.logger(tradeID)
		logger.Error().Err(err).Str("trade_status", string(status)).Msg("failed to advance trade status")
	}
}

// superseded reports whether pushing milestone would move the compliance
// verification behind the status the escrow has already reached.
func superseded(escrow *Escrow, milestone string) bool {
	if milestone == initiationSync {
		return false
	}
	current, ok := statusMilestone[escrow.Status]
	if !ok {
		return false
	}
	return compliance.MilestoneRank(milestone) < compliance.MilestoneRank(current)
}

func exposure(escrow *Escrow) compliance.Exposure {
	return compliance.Exposure{
		TradeID:     escrow.TradeID,
		BuyerID:     escrow.BuyerID,
		SellerID:    escrow.SellerID,
		TotalAmount: escrow.TotalAmountUSD,
	}
}

var registerOnce sync.Once

func registerValidators() {
	registerOnce.Do(func() {
		err := reqvalidator.Register("milestone", func(fl validator.FieldLevel) bool {
			_, ok := ParseMilestone(fl.Field().String())
			return ok
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to register milestone validator")
		}
	})
}

// GinHandlers contains HTTP handlers for escrow endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for escrow endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	registerValidators()
	return &GinHandlers{
		service: service,
	}
}

// requestContext forwards the caller's Authorization header to compliance
// calls and attributes audit events to the authenticated client.
func requestContext(c *gin.Context) context.Context {
	ctx := compliance.WithAuthorization(c.Request.Context(), c.GetHeader("Authorization"))
	if claims, exists := c.Get("claims"); exists {
		if clientID := auth.GetClientID(claims); clientID != "" {
			ctx = audit.WithActor(ctx, audit.Actor{Type: audit.ActorUser, ID: clientID})
		}
	}
	return ctx
}

// InitiateEscrowHandler handles POST requests to open an escrow for a trade.
// Responds 201 when the escrow is created and 200 when it already existed.
func (h *GinHandlers) InitiateEscrowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req InitiateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationFailed(c, reqvalidator.Describe(err))
			return
		}

		escrow, created, err := h.service.InitiateEscrow(requestContext(c), req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if created {
			response.Created(c, escrow.View())
			return
		}
		response.Success(c, escrow.View())
	}
}

// GetEscrowHandler handles GET requests for a trade's escrow
// URL parameter: tradeId
func (h *GinHandlers) GetEscrowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		escrow, err := h.service.GetStatus(c.Request.Context(), c.Param("tradeId"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, escrow.View())
	}
}

// MarkMilestoneHandler handles POST requests completing a milestone
// URL parameter: tradeId
func (h *GinHandlers) MarkMilestoneHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req MilestoneRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationFailed(c, reqvalidator.Describe(err))
			return
		}

		escrow, err := h.service.MarkMilestone(requestContext(c), c.Param("tradeId"), req.MilestoneName)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, escrow.View())
	}
}

// CancelEscrowHandler handles POST requests cancelling an escrow
func (h *GinHandlers) CancelEscrowHandler() gin.HandlerFunc {
	return h.closeHandler(h.service.CancelEscrow)
}

// RefundEscrowHandler handles POST requests refunding an escrow
func (h *GinHandlers) RefundEscrowHandler() gin.HandlerFunc {
	return h.closeHandler(h.service.RefundEscrow)
}

func (h *GinHandlers) closeHandler(closeFn func(context.Context, string, string) (*Escrow, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CloseRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				response.ValidationFailed(c, reqvalidator.Describe(err))
				return
			}
		}

		escrow, err := closeFn(requestContext(c), c.Param("tradeId"), req.Reason)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, escrow.View())
	}
}

// AuditTrailHandler handles GET requests for an escrow's audit trail
func (h *GinHandlers) AuditTrailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trail, err := h.service.AuditTrail(c.Request.Context(), c.Param("tradeId"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if trail == nil {
			trail = []audit.Event{}
		}
		response.Success(c, trail)
	}
}
