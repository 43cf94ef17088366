package payment

import (
	"time"

	"gorm.io/gorm"
)

type Status string

const (
	StatusPending         Status = "pending"
	StatusRequiresAction  Status = "requires_action"
	StatusRequiresCapture Status = "requires_capture"
	StatusProcessing      Status = "processing"
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
	StatusRefunded        Status = "refunded"
)

// statusRank orders statuses so replays and late deliveries never move a
// payment backwards. Statuses sharing a rank may replace each other.
var statusRank = map[Status]int{
	StatusPending:         0,
	StatusRequiresAction:  1,
	StatusRequiresCapture: 1,
	StatusProcessing:      1,
	StatusFailed:          1,
	StatusSucceeded:       2,
	StatusCancelled:       3,
	StatusRefunded:        3,
}

// replaceable lists the statuses a payment may leave to reach target.
func replaceable(target Status) []Status {
	rank := statusRank[target]
	var from []Status
	for status, r := range statusRank {
		if r < rank || (r == rank && r < 3 && status != target) {
			from = append(from, status)
		}
	}
	return from
}

// Processor webhook event types that change a payment's status.
var eventStatuses = map[string]Status{
	"payment_intent.succeeded":       StatusSucceeded,
	"payment_intent.payment_failed":  StatusFailed,
	"payment_intent.canceled":        StatusCancelled,
	"payment_intent.requires_action": StatusRequiresAction,
	"payment_intent.processing":      StatusProcessing,
	"charge.refunded":                StatusRefunded,
}

// MapProcessorStatus maps a processor payment-intent status to a local one.
func MapProcessorStatus(status string) Status {
	switch status {
	case "requires_payment_method", "requires_confirmation":
		return StatusPending
	case "requires_action":
		return StatusRequiresAction
	case "processing":
		return StatusProcessing
	case "requires_capture":
		return StatusRequiresCapture
	case "canceled":
		return StatusCancelled
	case "succeeded":
		return StatusSucceeded
	default:
		return StatusPending
	}
}

type Payment struct {
	ID              uint      `gorm:"primaryKey" json:"-"`
	PaymentID       string    `gorm:"uniqueIndex;size:64" json:"id"`
	PaymentIntentID string    `gorm:"uniqueIndex;size:128" json:"paymentIntentId"`
	TradeID         string    `gorm:"index;size:64" json:"tradeId"`
	BuyerID         string    `gorm:"size:64" json:"buyerUserId"`
	SellerID        string    `gorm:"size:64" json:"sellerUserId"`
	AmountCents     int64     `json:"amountCents"`
	Currency        string    `gorm:"size:3" json:"currency"`
	Status          Status    `gorm:"size:32" json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// ProcessedEvent records a webhook event whose effects were fully dispatched.
type ProcessedEvent struct {
	gorm.Model
	EventID    string    `gorm:"uniqueIndex;size:128"`
	EventType  string    `gorm:"size:64"`
	ResourceID string    `gorm:"size:128"`
	ExpiresAt  time.Time `gorm:"index"`
}

type RegisterRequest struct {
	TradeID         string `json:"tradeId" binding:"required"`
	PaymentIntentID string `json:"paymentIntentId" binding:"required"`
	AmountCents     int64  `json:"amountCents" binding:"omitempty,gt=0"`
	Currency        string `json:"currency" binding:"omitempty,len=3"`
	ProcessorStatus string `json:"processorStatus"`
}

// WebhookEvent is the subset of the processor's event envelope we read.
type WebhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object EventObject `json:"object"`
	} `json:"data"`
}

// EventObject is a payment intent, or a charge for charge.* events.
type EventObject struct {
	ID            string `json:"id"`
	Object        string `json:"object"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	PaymentIntent string `json:"payment_intent"`
}

// PaymentIntentID returns the payment intent the object refers to.
func (o EventObject) PaymentIntentID() string {
	if o.Object == "charge" {
		return o.PaymentIntent
	}
	return o.ID
}

type WebhookOutcome string

const (
	OutcomeProcessed      WebhookOutcome = "processed"
	OutcomeDuplicate      WebhookOutcome = "duplicate"
	OutcomeIgnored        WebhookOutcome = "ignored"
	OutcomeUnknownPayment WebhookOutcome = "unknown_payment"
)
