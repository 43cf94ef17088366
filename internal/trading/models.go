package trading

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusDraft             Status = "draft"
	StatusAwaitingPayment   Status = "awaiting_payment"
	StatusUnderReview       Status = "under_review"
	StatusPaymentCaptured   Status = "payment_captured"
	StatusSettlementPending Status = "settlement_pending"
	StatusAssetsInEscrow    Status = "assets_in_escrow"
	StatusSettled           Status = "settled"
	StatusCancelled         Status = "cancelled"
	StatusDisputed          Status = "disputed"
)

type Type string

const (
	TypeBuy  Type = "buy"
	TypeSell Type = "sell"
)

type Asset struct {
	AssetID  string          `json:"assetId" binding:"required"`
	PriceUSD decimal.Decimal `json:"priceUsd"`
}

type Trade struct {
	ID             uint            `gorm:"primaryKey" json:"-"`
	TradeID        string          `gorm:"uniqueIndex;size:64" json:"id"`
	BuyerID        string          `gorm:"index;size:64" json:"buyerUserId"`
	SellerID       string          `gorm:"index;size:64" json:"sellerUserId"`
	Assets         []Asset         `gorm:"serializer:json" json:"assets"`
	SubtotalUSD    decimal.Decimal `gorm:"type:numeric(18,2)" json:"subtotalUsd"`
	PlatformFeeUSD decimal.Decimal `gorm:"type:numeric(18,2)" json:"platformFeeUsd"`
	TaxesUSD       decimal.Decimal `gorm:"type:numeric(18,2)" json:"taxesUsd"`
	TotalUSD       decimal.Decimal `gorm:"type:numeric(18,2)" json:"totalUsd"`
	Type           Type            `gorm:"size:8" json:"type"`
	Status         Status          `gorm:"size:32" json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// CreateTradeRequest is the upstream payload used to seed a trade.
type CreateTradeRequest struct {
	TradeID        string          `json:"id"`
	BuyerID        string          `json:"buyerUserId" binding:"required"`
	SellerID       string          `json:"sellerUserId" binding:"required"`
	Assets         []Asset         `json:"assets" binding:"required,min=1,dive"`
	PlatformFeeUSD decimal.Decimal `json:"platformFeeUsd"`
	TaxesUSD       decimal.Decimal `json:"taxesUsd"`
	Type           Type            `json:"type" binding:"omitempty,oneof=buy sell"`
}
