package compliance

import (
	"time"

	"github.com/shopspring/decimal"
)

type VerificationStatus string

const (
	StatusPending  VerificationStatus = "pending"
	StatusInReview VerificationStatus = "in_review"
	StatusPassed   VerificationStatus = "passed"
	StatusFailed   VerificationStatus = "failed"
	StatusExpired  VerificationStatus = "expired"
)

type Scope string

const (
	ScopeKYC                 Scope = "kyc"
	ScopeKYB                 Scope = "kyb"
	ScopeProofOfFunds        Scope = "proof_of_funds"
	ScopePaymentProcessor    Scope = "payment_processor"
	ScopeGovernmentWatchlist Scope = "government_watchlist"
)

// EscrowScopes is the fixed scope set requested for every escrow verification.
var EscrowScopes = []Scope{ScopeProofOfFunds, ScopePaymentProcessor, ScopeGovernmentWatchlist}

const EntityTypeEscrow = "escrow"

// Verification mirrors the compliance service representation.
type Verification struct {
	ID                string             `json:"id"`
	RelatedEntityType string             `json:"relatedEntityType"`
	RelatedEntityID   string             `json:"relatedEntityId"`
	Scope             []Scope            `json:"scope"`
	Status            VerificationStatus `json:"status"`
	Notes             string             `json:"notes,omitempty"`
	InitiatedAt       time.Time          `json:"initiatedAt"`
	CreatedAt         *time.Time         `json:"createdAt,omitempty"`
	CompletedAt       *time.Time         `json:"completedAt,omitempty"`
	LastUpdatedAt     time.Time          `json:"lastUpdatedAt"`
}

// createdAt falls back to initiatedAt for services that do not expose createdAt.
func (v Verification) createdAt() time.Time {
	if v.CreatedAt != nil {
		return *v.CreatedAt
	}
	return v.InitiatedAt
}

type CreateRequest struct {
	RelatedEntityType string  `json:"relatedEntityType"`
	RelatedEntityID   string  `json:"relatedEntityId"`
	Scope             []Scope `json:"scope"`
	Notes             string  `json:"notes,omitempty"`
	InitiatedByLabel  string  `json:"initiatedByLabel,omitempty"`
}

type StatusUpdate struct {
	Status     VerificationStatus `json:"status"`
	Notes      string             `json:"notes,omitempty"`
	ActorLabel string             `json:"actorLabel,omitempty"`
}

// Exposure is the escrow summary used to render verification notes.
type Exposure struct {
	TradeID     string
	BuyerID     string
	SellerID    string
	TotalAmount decimal.Decimal
}

// SyncState remembers, per escrow, whether the last compliance sync is still
// owed to the compliance service.
type SyncState struct {
	EscrowID      string    `gorm:"primaryKey;size:64" json:"escrowId"`
	TradeID       string    `gorm:"size:64" json:"tradeId"`
	Milestone     string    `gorm:"size:64" json:"milestone"`
	Pending       bool      `gorm:"index" json:"pending"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"lastError,omitempty"`
	LastAttemptAt time.Time `json:"lastAttemptAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (SyncState) TableName() string {
	return "compliance_sync_states"
}
