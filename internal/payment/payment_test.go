package payment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-escrow/internal/audit"
	"github.com/ksred/klear-escrow/internal/config"
	"github.com/ksred/klear-escrow/internal/events"
	"github.com/ksred/klear-escrow/internal/trading"
	"github.com/ksred/klear-escrow/pkg/apperr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "whsec_test"

type mockTrades struct {
	mock.Mock
}

func (m *mockTrades) GetTrade(ctx context.Context, tradeID string) (*trading.Trade, error) {
	args := m.Called(ctx, tradeID)
	trade, _ := args.Get(0).(*trading.Trade)
	return trade, args.Error(1)
}

type recordingPublisher struct {
	published []events.PaymentEvent
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, event events.PaymentEvent) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type fixture struct {
	svc       *Service
	publisher *recordingPublisher
	audit     *audit.Service
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Payment{}, &ProcessedEvent{}, &audit.Event{}))

	trades := &mockTrades{}
	trades.On("GetTrade", mock.Anything, "trade-1").Return(&trading.Trade{
		TradeID:  "trade-1",
		BuyerID:  "buyer-1",
		SellerID: "seller-1",
		TotalUSD: decimal.RequireFromString("1050.25"),
	}, nil)
	trades.On("GetTrade", mock.Anything, mock.Anything).Return(nil, apperr.NotFound("trade not found"))
	publisher := &recordingPublisher{}
	cfg := config.Payments{WebhookSecret: testSecret, SignatureTolerance: 5 * time.Minute, Currency: "usd"}
	auditLog := audit.NewService(db)
	svc := NewService(db, trades, NewGormLedger(db, time.Hour), publisher, auditLog, cfg)

	now := time.Now()
	svc.now = func() time.Time { return now }
	return &fixture{svc: svc, publisher: publisher, audit: auditLog, now: now}
}

func (f *fixture) register(t *testing.T) *Payment {
	t.Helper()
	payment, created, err := f.svc.RegisterPayment(context.Background(), RegisterRequest{TradeID: "trade-1", PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	require.True(t, created)
	return payment
}

func (f *fixture) auditTrail(t *testing.T, paymentID string) []audit.Event {
	t.Helper()
	trail, err := f.audit.ListForEntity(context.Background(), "payment", paymentID)
	require.NoError(t, err)
	return trail
}

func webhookPayload(eventID, eventType, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":%q,"created":1700000000,"data":{"object":%s}}`, eventID, eventType, object))
}

func (f *fixture) deliver(payload []byte) (WebhookOutcome, error) {
	return f.svc.HandleWebhook(context.Background(), payload, Sign(payload, testSecret, f.now))
}

func TestRegisterPaymentIsIdempotent(t *testing.T) {
	f := newFixture(t)
	payment := f.register(t)
	assert.Equal(t, int64(105025), payment.AmountCents)
	assert.Equal(t, "usd", payment.Currency)
	assert.Equal(t, StatusPending, payment.Status)
	assert.Equal(t, "buyer-1", payment.BuyerID)

	again, created, err := f.svc.RegisterPayment(context.Background(), RegisterRequest{TradeID: "trade-1", PaymentIntentID: "pi_1", AmountCents: 1})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, payment.PaymentID, again.PaymentID)

	_, _, err = f.svc.RegisterPayment(context.Background(), RegisterRequest{TradeID: "missing", PaymentIntentID: "pi_2"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestWebhookSucceededPublishesAndDeduplicates(t *testing.T) {
	f := newFixture(t)
	f.register(t)

	payload := webhookPayload("evt_1", "payment_intent.succeeded", `{"id":"pi_1","object":"payment_intent","status":"succeeded"}`)
	outcome, err := f.deliver(payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	require.Len(t, f.publisher.published, 1)
	event := f.publisher.published[0]
	assert.Equal(t, "trade-1", event.TradeID)
	assert.Equal(t, events.PaymentSucceeded, event.Status)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), event.OccurredAt)

	payment, err := f.svc.GetPaymentForTrade(context.Background(), "trade-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, payment.Status)

	outcome, err = f.deliver(payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Len(t, f.publisher.published, 1)
}

func TestWebhookStatusChangeIsAuditedOnce(t *testing.T) {
	f := newFixture(t)
	payment := f.register(t)

	trail := f.auditTrail(t, payment.PaymentID)
	require.Len(t, trail, 1)
	assert.Equal(t, "payment.registered", trail[0].EventType)
	assert.Equal(t, "pi_1", trail[0].Metadata["payment_intent_id"])

	payload := webhookPayload("evt_1", "payment_intent.succeeded", `{"id":"pi_1","object":"payment_intent"}`)
	_, err := f.deliver(payload)
	require.NoError(t, err)

	trail = f.auditTrail(t, payment.PaymentID)
	require.Len(t, trail, 2)
	changed := trail[1]
	assert.Equal(t, "payment.status_changed", changed.EventType)
	assert.Equal(t, audit.ActorIntegration, changed.ActorType)
	assert.Equal(t, "evt_1", changed.ActorID)
	assert.Equal(t, "Payment Processor", changed.ActorLabel)
	assert.Equal(t, "evt_1", changed.Metadata["event_id"])
	assert.Equal(t, "pi_1", changed.Metadata["payment_intent_id"])
	assert.Equal(t, "trade-1", changed.Metadata["trade_id"])
	assert.Equal(t, "pending", changed.Metadata["from_status"])
	assert.Equal(t, "succeeded", changed.Metadata["to_status"])

	// A replay and a late event that leaves the status alone add nothing.
	outcome, err := f.deliver(payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	outcome, err = f.deliver(webhookPayload("evt_0", "payment_intent.processing", `{"id":"pi_1","object":"payment_intent"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	assert.Len(t, f.auditTrail(t, payment.PaymentID), 2)
}

func TestWebhookFailedPaymentIsAuditedAsWarning(t *testing.T) {
	f := newFixture(t)
	payment := f.register(t)

	_, err := f.deliver(webhookPayload("evt_1", "payment_intent.payment_failed", `{"id":"pi_1","object":"payment_intent"}`))
	require.NoError(t, err)

	trail := f.auditTrail(t, payment.PaymentID)
	require.Len(t, trail, 2)
	assert.Equal(t, "payment.status_changed", trail[1].EventType)
	assert.Equal(t, audit.SeverityWarning, trail[1].Severity)
	assert.Equal(t, "failed", trail[1].Metadata["to_status"])
}

func TestWebhookLateEventDoesNotRegressStatus(t *testing.T) {
	f := newFixture(t)
	f.register(t)

	_, err := f.deliver(webhookPayload("evt_1", "payment_intent.succeeded", `{"id":"pi_1","object":"payment_intent"}`))
	require.NoError(t, err)
	_, err = f.deliver(webhookPayload("evt_0", "payment_intent.processing", `{"id":"pi_1","object":"payment_intent"}`))
	require.NoError(t, err)

	payment, err := f.svc.GetPaymentForTrade(context.Background(), "trade-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, payment.Status)
}

func TestWebhookRefundUsesChargePaymentIntent(t *testing.T) {
	f := newFixture(t)
	f.register(t)

	_, err := f.deliver(webhookPayload("evt_2", "charge.refunded", `{"id":"ch_1","object":"charge","payment_intent":"pi_1"}`))
	require.NoError(t, err)

	require.Len(t, f.publisher.published, 1)
	assert.Equal(t, events.PaymentRefunded, f.publisher.published[0].Status)
	assert.Equal(t, "pi_1", f.publisher.published[0].PaymentIntentID)
}

func TestWebhookUnknownPaymentAndIgnoredTypes(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.deliver(webhookPayload("evt_3", "payment_intent.succeeded", `{"id":"pi_unknown","object":"payment_intent"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownPayment, outcome)

	outcome, err = f.deliver(webhookPayload("evt_4", "customer.created", `{"id":"cus_1","object":"customer"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Empty(t, f.publisher.published)
}

func TestWebhookRejectsBadSignatureBeforeParsing(t *testing.T) {
	f := newFixture(t)
	f.register(t)

	payload := webhookPayload("evt_1", "payment_intent.succeeded", `{"id":"pi_1","object":"payment_intent"}`)
	_, err := f.svc.HandleWebhook(context.Background(), payload, Sign(payload, "whsec_wrong", f.now))
	assert.True(t, apperr.Is(err, apperr.KindSignature))

	_, err = f.svc.HandleWebhook(context.Background(), []byte("not json"), "")
	assert.True(t, apperr.Is(err, apperr.KindSignature))

	payment, err := f.svc.GetPaymentForTrade(context.Background(), "trade-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, payment.Status)
}

func TestWebhookDispatchFailureIsRetriedOnRedelivery(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	payload := webhookPayload("evt_1", "payment_intent.succeeded", `{"id":"pi_1","object":"payment_intent"}`)

	f.publisher.err = errors.New("escrow unavailable")
	_, err := f.deliver(payload)
	require.Error(t, err)

	f.publisher.err = nil
	outcome, err := f.deliver(payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)
	assert.Len(t, f.publisher.published, 1)
}

func TestWebhookHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	f.register(t)
	router := gin.New()
	router.POST("/webhooks/payments", NewGinHandlers(f.svc).WebhookHandler())

	payload := webhookPayload("evt_1", "payment_intent.succeeded", `{"id":"pi_1","object":"payment_intent"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(payload))
	req.Header.Set(SignatureHeader, Sign(payload, testSecret, time.Now()))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":true}`, w.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(payload))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_SIGNATURE")
}
