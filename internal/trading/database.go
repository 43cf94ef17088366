package trading

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateTrade(ctx context.Context, trade *Trade) error {
	return d.db.WithContext(ctx).Create(trade).Error
}

// GetTrade returns nil without error when the trade does not exist.
func (d *Database) GetTrade(ctx context.Context, tradeID string) (*Trade, error) {
	var trade Trade
	if err := d.db.WithContext(ctx).Where("trade_id = ?", tradeID).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trade, nil
}

// UpdateStatus moves a trade to status unless it is already in one of the
// excluded statuses. It reports whether a row changed.
func (d *Database) UpdateStatus(ctx context.Context, tradeID string, status Status, excluded []Status) (bool, error) {
	query := d.db.WithContext(ctx).Model(&Trade{}).Where("trade_id = ?", tradeID)
	if len(excluded) > 0 {
		query = query.Where("status NOT IN ?", excluded)
	}
	result := query.Updates(map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC(),
	})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
