package trading

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-escrow/internal/audit"
	"github.com/ksred/klear-escrow/pkg/apperr"
	"github.com/ksred/klear-escrow/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var statusRank = map[Status]int{
	StatusDraft:             0,
	StatusAwaitingPayment:   1,
	StatusUnderReview:       2,
	StatusPaymentCaptured:   3,
	StatusSettlementPending: 4,
	StatusAssetsInEscrow:    5,
	StatusSettled:           6,
}

const (
	auditSource = "trading-service"
	entityType  = "trade"
)

// Service owns the trades that escrows settle
type Service struct {
	db       *Database
	auditLog audit.Recorder
}

// NewService creates a new trading service with the given database connection
func NewService(gormDB *gorm.DB, auditLog audit.Recorder) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		auditLog: auditLog,
	}
}

// CreateTrade seeds a trade awaiting payment. The subtotal is the sum of the
// asset prices and the total adds the platform fee and taxes.
func (s *Service) CreateTrade(ctx context.Context, req CreateTradeRequest) (*Trade, error) {
	if req.BuyerID == req.SellerID {
		return nil, apperr.Validation("buyer and seller must differ")
	}
	if req.PlatformFeeUSD.IsNegative() || req.TaxesUSD.IsNegative() {
		return nil, apperr.Validation("fees and taxes must be non-negative")
	}

	subtotal := decimal.Zero
	for _, asset := range req.Assets {
		if asset.PriceUSD.IsNegative() {
			return nil, apperr.Validation("asset %s has a negative price", asset.AssetID)
		}
		subtotal = subtotal.Add(asset.PriceUSD)
	}

	tradeID := req.TradeID
	if tradeID == "" {
		tradeID = uuid.New().String()
	}
	tradeType := req.Type
	if tradeType == "" {
		tradeType = TypeBuy
	}

	now := time.Now().UTC()
	trade := &Trade{
		TradeID:        tradeID,
		BuyerID:        req.BuyerID,
		SellerID:       req.SellerID,
		Assets:         req.Assets,
		SubtotalUSD:    subtotal,
		PlatformFeeUSD: req.PlatformFeeUSD,
		TaxesUSD:       req.TaxesUSD,
		TotalUSD:       subtotal.Add(req.PlatformFeeUSD).Add(req.TaxesUSD),
		Type:           tradeType,
		Status:         StatusAwaitingPayment,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.CreateTrade(ctx, trade); err != nil {
		return nil, err
	}
	if _, err := s.auditLog.Record(ctx, audit.Entry{
		EventType:   "trade.created",
		Description: "Trade created awaiting payment",
		Source:      auditSource,
		EntityType:  entityType,
		EntityID:    trade.TradeID,
		Metadata: map[string]interface{}{
			"buyer_id":  trade.BuyerID,
			"seller_id": trade.SellerID,
			"total_usd": trade.TotalUSD.StringFixed(2),
		},
	}); err != nil {
		return nil, err
	}

	log.Info().
		Str("trade_id", trade.TradeID).
		Str("total_usd", trade.TotalUSD.StringFixed(2)).
		Msg("trade created")
	return trade, nil
}

// GetTrade returns NotFound when the trade does not exist.
func (s *Service) GetTrade(ctx context.Context, tradeID string) (*Trade, error) {
	trade, err := s.db.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade == nil {
		return nil, apperr.NotFound("trade %s not found", tradeID)
	}
	return trade, nil
}

// AdvanceStatus moves a trade forward. Moving to cancelled is allowed from any
// status except settled; other targets never move a trade backwards or out of
// cancelled/disputed.
func (s *Service) AdvanceStatus(ctx context.Context, tradeID string, target Status) (bool, error) {
	var excluded []Status
	switch target {
	case StatusCancelled:
		excluded = []Status{StatusSettled, StatusCancelled}
	case StatusDisputed:
		excluded = []Status{StatusSettled, StatusCancelled, StatusDisputed}
	default:
		rank, ok := statusRank[target]
		if !ok {
			return false, apperr.Validation("unknown trade status %q", target)
		}
		excluded = []Status{StatusCancelled, StatusDisputed}
		for status, r := range statusRank {
			if r >= rank {
				excluded = append(excluded, status)
			}
		}
	}

	current, err := s.db.GetTrade(ctx, tradeID)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, apperr.NotFound("trade %s not found", tradeID)
	}

	changed, err := s.db.UpdateStatus(ctx, tradeID, target, excluded)
	if err != nil || !changed {
		return false, err
	}
	log.Info().Str("trade_id", tradeID).Str("status", string(target)).Msg("trade status advanced")

	if _, err := s.auditLog.Record(ctx, audit.Entry{
		EventType:   "trade.status_changed",
		Description: "Trade status changed to " + string(target),
		Source:      auditSource,
		EntityType:  entityType,
		EntityID:    tradeID,
		Metadata: map[string]interface{}{
			"from_status": string(current.Status),
			"to_status":   string(target),
		},
	}); err != nil {
		return true, err
	}
	return true, nil
}

// GinHandlers contains HTTP handlers for trade endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for trade endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateTradeHandler handles POST requests from upstream services that seed trades
func (h *GinHandlers) CreateTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateTradeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationFailed(c, err.Error())
			return
		}

		trade, err := h.service.CreateTrade(c.Request.Context(), req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Created(c, trade)
	}
}

// GetTradeHandler handles GET requests for a single trade
// URL parameter: tradeId
func (h *GinHandlers) GetTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trade, err := h.service.GetTrade(c.Request.Context(), c.Param("tradeId"))
		response.Handle(c, trade, err)
	}
}
