package escrow

import (
	"context"
	"errors"
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

// FindByTradeID returns nil without error when no escrow exists for the trade.
func (d *Database) FindByTradeID(ctx context.Context, tradeID string) (*Escrow, error) {
	var escrow Escrow
	if err := d.db.WithContext(ctx).Where("trade_id = ?", tradeID).First(&escrow).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load escrow: %w", err)
	}
	return &escrow, nil
}

func (d *Database) FindByID(ctx context.Context, id string) (*Escrow, error) {
	var escrow Escrow
	if err := d.db.WithContext(ctx).Where("id = ?", id).First(&escrow).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load escrow: %w", err)
	}
	return &escrow, nil
}

// CreateIfAbsent inserts escrow unless one already exists for its trade. It
// returns the stored escrow and whether this call created it.
func (d *Database) CreateIfAbsent(ctx context.Context, escrow *Escrow) (*Escrow, bool, error) {
	result := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "trade_id"}}, DoNothing: true}).
		Create(escrow)
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to create escrow: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return escrow, true, nil
	}

	existing, err := d.FindByTradeID(ctx, escrow.TradeID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("escrow for trade %s vanished after conflicting insert", escrow.TradeID)
	}
	return existing, false, nil
}

// CompleteMilestone sets the milestone's completion time if it is still
// pending and the escrow is not closed. Status only moves forward. It reports
// whether a row changed.
func (d *Database) CompleteMilestone(ctx context.Context, tradeID string, name MilestoneName, at time.Time) (bool, error) {
	spec, ok := milestoneSpecs[name]
	if !ok {
		return false, fmt.Errorf("unknown milestone %q", name)
	}

	var behind []Status
	for _, status := range []Status{StatusInitiated, StatusFundsCaptured, StatusAssetsReceived, StatusSettled} {
		if progressRank[status] < progressRank[spec.status] {
			behind = append(behind, status)
		}
	}

	result := d.db.WithContext(ctx).
		Model(&Escrow{}).
		Where("trade_id = ?", tradeID).
		Where(spec.column + " IS NULL").
		Where("status NOT IN ?", []Status{StatusCancelled, StatusRefunded}).
		Updates(map[string]interface{}{
			spec.column:  at,
			"status":     gorm.Expr("CASE WHEN status IN ? THEN ? ELSE status END", behind, spec.status),
			"updated_at": at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to complete milestone: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Close moves a non-terminal escrow to a closed status.
func (d *Database) Close(ctx context.Context, tradeID string, status Status, at time.Time) (bool, error) {
	if !status.Closed() {
		return false, fmt.Errorf("status %q does not close an escrow", status)
	}
	result := d.db.WithContext(ctx).
		Model(&Escrow{}).
		Where("trade_id = ?", tradeID).
		Where("status NOT IN ?", []Status{StatusSettled, StatusRefunded, StatusCancelled}).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to close escrow: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}
