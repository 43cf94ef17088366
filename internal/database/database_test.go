package database

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/ksred/klear-escrow/internal/audit"
	"github.com/ksred/klear-escrow/internal/compliance"
	"github.com/ksred/klear-escrow/internal/config"
	"github.com/ksred/klear-escrow/internal/escrow"
	"github.com/ksred/klear-escrow/internal/payment"
	"github.com/ksred/klear-escrow/internal/trading"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDatabaseMigratesSchema(t *testing.T) {
	db, err := NewDatabase(config.DB{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	require.NoError(t, err)

	for _, model := range []interface{}{
		&escrow.Escrow{},
		&compliance.SyncState{},
		&trading.Trade{},
		&payment.Payment{},
		&payment.ProcessedEvent{},
		&audit.Event{},
	} {
		assert.True(t, db.Migrator().HasTable(model), "%T", model)
	}
	assert.True(t, db.Migrator().HasIndex("escrows", "idx_escrows_status_updated"))

	// Migrations are re-runnable on an existing schema.
	require.NoError(t, Migrate(db))
}

func TestNewDatabaseRejectsUnknownDriver(t *testing.T) {
	_, err := NewDatabase(config.DB{Driver: "oracle", DSN: "x"})
	assert.ErrorContains(t, err, "unsupported database driver")
}
