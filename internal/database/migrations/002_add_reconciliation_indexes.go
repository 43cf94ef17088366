package migrations

import (
	"github.com/ksred/klear-escrow/internal/payment"
	"gorm.io/gorm"
)

// AddReconciliationIndexes adds the indexes used by the compliance reconciler
// and the webhook event ledger.
func AddReconciliationIndexes(db *gorm.DB) error {
	if err := db.AutoMigrate(&payment.ProcessedEvent{}); err != nil {
		return err
	}

	indexes := []string{
		// Reconciler batches pick the oldest owed syncs first
		`CREATE INDEX IF NOT EXISTS idx_compliance_sync_states_pending_updated
		 ON compliance_sync_states(pending, updated_at)`,

		// Open escrows by status
		`CREATE INDEX IF NOT EXISTS idx_escrows_status_updated
		 ON escrows(status, updated_at)`,

		// Expired ledger entries
		`CREATE INDEX IF NOT EXISTS idx_processed_events_expires_at
		 ON processed_events(expires_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
