package payment

import (
	"context"
	"errors"
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

// CreateIfAbsent inserts payment unless its intent id is already registered,
// returning the stored row and whether it was created.
func (d *Database) CreateIfAbsent(ctx context.Context, payment *Payment) (*Payment, bool, error) {
	result := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "payment_intent_id"}}, DoNothing: true}).
		Create(payment)
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected == 1 {
		return payment, true, nil
	}
	existing, err := d.GetByIntentID(ctx, payment.PaymentIntentID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, errors.New("payment vanished after conflicting insert")
	}
	return existing, false, nil
}

// GetByIntentID returns nil without error when the intent is unknown.
func (d *Database) GetByIntentID(ctx context.Context, intentID string) (*Payment, error) {
	var payment Payment
	if err := d.db.WithContext(ctx).Where("payment_intent_id = ?", intentID).First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

// GetLatestForTrade returns the most recently registered payment of a trade.
func (d *Database) GetLatestForTrade(ctx context.Context, tradeID string) (*Payment, error) {
	var payment Payment
	if err := d.db.WithContext(ctx).
		Where("trade_id = ?", tradeID).
		Order("created_at DESC, id DESC").
		First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

// AdvanceStatus sets status when the payment's current status may be
// replaced by it. It reports whether a row changed.
func (d *Database) AdvanceStatus(ctx context.Context, intentID string, status Status) (bool, error) {
	result := d.db.WithContext(ctx).
		Model(&Payment{}).
		Where("payment_intent_id = ? AND status IN ?", intentID, replaceable(status)).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
