// Package events carries payment status changes from the webhook receiver to
// the escrow orchestrator.
package events

import (
	"context"
	"time"
)

const (
	TopicPaymentStatusChanged = "payments.status.changed"
	TopicPaymentStatusDLQ     = "payments.status.changed.dlq"
)

// Local payment statuses carried on PaymentEvent.
const (
	PaymentSucceeded      = "succeeded"
	PaymentFailed         = "failed"
	PaymentCancelled      = "cancelled"
	PaymentRefunded       = "refunded"
	PaymentRequiresAction = "requires_action"
	PaymentProcessing     = "processing"
)

type PaymentEvent struct {
	EventID         string    `json:"eventId"`
	Type            string    `json:"type"`
	PaymentIntentID string    `json:"paymentIntentId"`
	TradeID         string    `json:"tradeId"`
	Status          string    `json:"status"`
	AmountCents     int64     `json:"amountCents"`
	Currency        string    `json:"currency"`
	OccurredAt      time.Time `json:"occurredAt"`
}

type Handler func(ctx context.Context, event PaymentEvent) error

type Publisher interface {
	Publish(ctx context.Context, event PaymentEvent) error
	Close() error
}

type DLQMessage struct {
	OriginalTopic string    `json:"originalTopic"`
	Key           string    `json:"key"`
	Value         string    `json:"value"`
	Error         string    `json:"error"`
	Timestamp     time.Time `json:"timestamp"`
	Attempts      int       `json:"attempts"`
}
