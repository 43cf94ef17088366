package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EventLedger remembers webhook events whose effects were fully dispatched.
type EventLedger interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID, eventType, resourceID string) error
}

// GormLedger stores processed events alongside payments.
type GormLedger struct {
	db  *gorm.DB
	ttl time.Duration
}

func NewGormLedger(db *gorm.DB, ttl time.Duration) *GormLedger {
	return &GormLedger{db: db, ttl: ttl}
}

func (l *GormLedger) Seen(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).
		Model(&ProcessedEvent{}).
		Where("event_id = ? AND expires_at > ?", eventID, time.Now().UTC()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return count > 0, nil
}

func (l *GormLedger) Mark(ctx context.Context, eventID, eventType, resourceID string) error {
	record := ProcessedEvent{
		EventID:    eventID,
		EventType:  eventType,
		ResourceID: resourceID,
		ExpiresAt:  time.Now().UTC().Add(l.ttl),
	}
	err := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"expires_at", "updated_at"}),
		}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("failed to mark processed event: %w", err)
	}
	return nil
}

// RedisLedger keeps processed event ids in Redis with a TTL.
type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, ttl: ttl}
}

func redisEventKey(eventID string) string {
	return "payments:webhook:event:" + eventID
}

func (l *RedisLedger) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, redisEventKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return n > 0, nil
}

func (l *RedisLedger) Mark(ctx context.Context, eventID, eventType, resourceID string) error {
	if err := l.client.SetNX(ctx, redisEventKey(eventID), eventType+":"+resourceID, l.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark processed event: %w", err)
	}
	return nil
}
