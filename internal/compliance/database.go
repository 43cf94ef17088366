package compliance

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// MarkPending records a failed sync attempt, bumping the attempt counter.
func (d *Database) MarkPending(ctx context.Context, escrowID, tradeID, milestone string, cause error, at time.Time) error {
	state := SyncState{
		EscrowID:      escrowID,
		TradeID:       tradeID,
		Milestone:     milestone,
		Pending:       true,
		Attempts:      1,
		LastError:     cause.Error(),
		LastAttemptAt: at,
		UpdatedAt:     at,
	}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "escrow_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"milestone":       milestone,
			"pending":         true,
			"attempts":        gorm.Expr("compliance_sync_states.attempts + 1"),
			"last_error":      state.LastError,
			"last_attempt_at": at,
			"updated_at":      at,
		}),
	}).Create(&state).Error
	if err != nil {
		return fmt.Errorf("failed to mark compliance sync pending: %w", err)
	}
	return nil
}

// MarkSynced clears the pending flag after a successful sync.
func (d *Database) MarkSynced(ctx context.Context, escrowID, tradeID, milestone string, at time.Time) error {
	state := SyncState{
		EscrowID:      escrowID,
		TradeID:       tradeID,
		Milestone:     milestone,
		LastAttemptAt: at,
		UpdatedAt:     at,
	}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "escrow_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"milestone":       milestone,
			"pending":         false,
			"last_error":      "",
			"last_attempt_at": at,
			"updated_at":      at,
		}),
	}).Create(&state).Error
	if err != nil {
		return fmt.Errorf("failed to mark compliance sync complete: %w", err)
	}
	return nil
}

// ListPending returns the oldest outstanding syncs first.
func (d *Database) ListPending(ctx context.Context, limit int) ([]SyncState, error) {
	var states []SyncState
	query := d.db.WithContext(ctx).Where("pending = ?", true).Order("last_attempt_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&states).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending compliance syncs: %w", err)
	}
	return states, nil
}

func (d *Database) Get(ctx context.Context, escrowID string) (*SyncState, error) {
	var state SyncState
	if err := d.db.WithContext(ctx).Where("escrow_id = ?", escrowID).First(&state).Error; err != nil {
		return nil, err
	}
	return &state, nil
}
