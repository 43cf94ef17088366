package migrations

import (
	"github.com/ksred/klear-escrow/internal/compliance"
	"github.com/ksred/klear-escrow/internal/escrow"
	"gorm.io/gorm"
)

// CreateEscrowTables creates the escrow table and the compliance sync state
// it owes syncs through.
func CreateEscrowTables(db *gorm.DB) error {
	if err := db.AutoMigrate(&escrow.Escrow{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&compliance.SyncState{}); err != nil {
		return err
	}

	return nil
}
