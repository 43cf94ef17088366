package escrow

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusInitiated      Status = "initiated"
	StatusFundsCaptured  Status = "funds_captured"
	StatusAssetsReceived Status = "assets_received"
	StatusSettled        Status = "settled"
	StatusRefunded       Status = "refunded"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusRefunded || s == StatusCancelled
}

// Closed reports whether the escrow left the happy path.
func (s Status) Closed() bool {
	return s == StatusRefunded || s == StatusCancelled
}

var progressRank = map[Status]int{
	StatusInitiated:      0,
	StatusFundsCaptured:  1,
	StatusAssetsReceived: 2,
	StatusSettled:        3,
}

type MilestoneName string

const (
	MilestoneFundsCaptured       MilestoneName = "Funds Captured"
	MilestoneAssetsDeposited     MilestoneName = "Assets Deposited"
	MilestoneSettlementCompleted MilestoneName = "Settlement Completed"
)

// MilestoneOrder is the fixed order milestones are presented in.
var MilestoneOrder = []MilestoneName{
	MilestoneFundsCaptured,
	MilestoneAssetsDeposited,
	MilestoneSettlementCompleted,
}

type milestoneSpec struct {
	column string
	status Status
}

var milestoneSpecs = map[MilestoneName]milestoneSpec{
	MilestoneFundsCaptured:       {column: "funds_captured_at", status: StatusFundsCaptured},
	MilestoneAssetsDeposited:     {column: "assets_deposited_at", status: StatusAssetsReceived},
	MilestoneSettlementCompleted: {column: "settlement_completed_at", status: StatusSettled},
}

// ParseMilestone accepts canonical names and their slugs, case-insensitively.
func ParseMilestone(raw string) (MilestoneName, bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.NewReplacer("_", " ", "-", " ").Replace(normalized)
	for _, name := range MilestoneOrder {
		if strings.ToLower(string(name)) == normalized {
			return name, true
		}
	}
	return "", false
}

// TargetStatus is the status a milestone completion advances an escrow to.
func (m MilestoneName) TargetStatus() Status {
	return milestoneSpecs[m].status
}

type Escrow struct {
	ID                    string          `gorm:"primaryKey;size:64"`
	TradeID               string          `gorm:"uniqueIndex;size:64;not null"`
	BuyerID               string          `gorm:"size:64;not null"`
	SellerID              string          `gorm:"size:64;not null"`
	TotalAmountUSD        decimal.Decimal `gorm:"type:numeric(18,2)"`
	Status                Status          `gorm:"size:32;index"`
	FundsCapturedAt       *time.Time
	AssetsDepositedAt     *time.Time
	SettlementCompletedAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (Escrow) TableName() string {
	return "escrows"
}

type Milestone struct {
	Name        MilestoneName `json:"name"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

// Milestones returns the ordered milestone view.
func (e *Escrow) Milestones() []Milestone {
	return []Milestone{
		{Name: MilestoneFundsCaptured, CompletedAt: e.FundsCapturedAt},
		{Name: MilestoneAssetsDeposited, CompletedAt: e.AssetsDepositedAt},
		{Name: MilestoneSettlementCompleted, CompletedAt: e.SettlementCompletedAt},
	}
}

// CompletedAt returns the completion time of name, or nil while pending.
func (e *Escrow) CompletedAt(name MilestoneName) *time.Time {
	for _, m := range e.Milestones() {
		if m.Name == name {
			return m.CompletedAt
		}
	}
	return nil
}

// View is the JSON representation returned by the API.
type View struct {
	ID             string          `json:"id"`
	TradeID        string          `json:"tradeId"`
	BuyerID        string          `json:"buyerUserId"`
	SellerID       string          `json:"sellerUserId"`
	Status         Status          `json:"status"`
	TotalAmountUSD decimal.Decimal `json:"totalAmountUsd"`
	Milestones     []Milestone     `json:"milestones"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

func (e *Escrow) View() View {
	return View{
		ID:             e.ID,
		TradeID:        e.TradeID,
		BuyerID:        e.BuyerID,
		SellerID:       e.SellerID,
		Status:         e.Status,
		TotalAmountUSD: e.TotalAmountUSD,
		Milestones:     e.Milestones(),
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

type InitiateRequest struct {
	TradeID        string          `json:"tradeId" binding:"required"`
	BuyerID        string          `json:"buyerUserId" binding:"required"`
	SellerID       string          `json:"sellerUserId" binding:"required"`
	TotalAmountUSD decimal.Decimal `json:"totalAmountUsd"`
}

type MilestoneRequest struct {
	MilestoneName string `json:"milestoneName" binding:"required,milestone"`
}

type CloseRequest struct {
	Reason string `json:"reason"`
}
