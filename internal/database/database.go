package database

import (
	"fmt"

	"github.com/ksred/klear-escrow/internal/audit"
	"github.com/ksred/klear-escrow/internal/config"
	"github.com/ksred/klear-escrow/internal/database/migrations"
	"github.com/ksred/klear-escrow/internal/payment"
	"github.com/ksred/klear-escrow/internal/trading"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the configured database and brings its schema up to date.
func NewDatabase(cfg config.DB) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, err
	}

	if cfg.Driver == "sqlite" || cfg.Driver == "" {
		// sqlite allows a single writer.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	if err := migrations.CreateEscrowTables(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddReconciliationIndexes(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err := db.AutoMigrate(
		&trading.Trade{},
		&payment.Payment{},
		&payment.ProcessedEvent{},
		&audit.Event{},
	)
	if err != nil {
		return err
	}
	return nil
}
