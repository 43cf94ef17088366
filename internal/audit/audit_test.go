package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Event{}))
	return NewService(db)
}

func TestRecordAppliesDefaults(t *testing.T) {
	svc := newTestService(t)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	event, err := svc.Record(context.Background(), Entry{
		EventType:   "escrow.initiated",
		Description: "Escrow initiated for trade trade-1",
		Source:      "escrow-service",
		EntityType:  "escrow",
		EntityID:    "escrow-1",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, event.EventID)
	assert.Equal(t, SeverityInfo, event.Severity)
	assert.Equal(t, ActorSystem, event.ActorType)
	assert.Equal(t, fixed, event.OccurredAt)
	assert.NotNil(t, event.Metadata)
}

func TestRecordRequiresEventType(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Record(context.Background(), Entry{Description: "missing type"})
	assert.Error(t, err)
}

func TestListForEntityIsOrderedAndScoped(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, eventType := range []string{"escrow.initiated", "escrow.milestone_completed", "escrow.compliance_sync_failed"} {
		at := base.Add(time.Duration(i) * time.Minute)
		svc.now = func() time.Time { return at }
		_, err := svc.Record(ctx, Entry{
			EventType:  eventType,
			EntityType: "escrow",
			EntityID:   "escrow-1",
			Metadata:   map[string]interface{}{"trade_id": "trade-1"},
		})
		require.NoError(t, err)
	}
	_, err := svc.Record(ctx, Entry{EventType: "escrow.initiated", EntityType: "escrow", EntityID: "escrow-2"})
	require.NoError(t, err)

	events, err := svc.ListForEntity(ctx, "escrow", "escrow-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "escrow.initiated", events[0].EventType)
	assert.Equal(t, "escrow.compliance_sync_failed", events[2].EventType)
	assert.Equal(t, "trade-1", events[1].Metadata["trade_id"])
}

func TestRecordUsesContextActor(t *testing.T) {
	svc := newTestService(t)
	ctx := WithActor(context.Background(), Actor{Type: ActorIntegration, ID: "pi_123", Label: "Payment Processor"})

	event, err := svc.Record(ctx, Entry{EventType: "escrow.milestone_completed", EntityType: "escrow", EntityID: "escrow-1"})
	require.NoError(t, err)
	assert.Equal(t, ActorIntegration, event.ActorType)
	assert.Equal(t, "pi_123", event.ActorID)
	assert.Equal(t, "Payment Processor", event.ActorLabel)

	event, err = svc.Record(ctx, Entry{EventType: "escrow.cancelled", ActorType: ActorUser, ActorID: "ops-1"})
	require.NoError(t, err)
	assert.Equal(t, ActorUser, event.ActorType)
	assert.Equal(t, "ops-1", event.ActorID)
}
