package audit

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Append inserts a new audit event.
func (d *Database) Append(ctx context.Context, event *Event) error {
	if err := d.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// ListByEntity returns the events for one entity, oldest first.
func (d *Database) ListByEntity(ctx context.Context, entityType, entityID string) ([]Event, error) {
	var events []Event
	if err := d.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("occurred_at ASC, id ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return events, nil
}
