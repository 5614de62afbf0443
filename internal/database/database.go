package database

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/ksred/klear-energy-api/internal/database/migrations"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Options selects which schemas are migrated
type Options struct {
	// Simulator migrates the simulated ledger tables
	Simulator bool
	LogLevel  logger.LogLevel
}

// NewDatabase opens the sqlite database at path and runs migrations
func NewDatabase(path string, opts Options) (*gorm.DB, error) {
	db, err := open(path, opts)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; the simulator and journal share the file
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := migrate(db, opts); err != nil {
		return nil, err
	}
	return db, nil
}

// NewMemoryDatabase opens a private in-memory database, used by the load
// simulation and tests
func NewMemoryDatabase(opts Options) (*gorm.DB, error) {
	return NewDatabase("file:"+uuid.NewString()+"?mode=memory&cache=shared", opts)
}

func open(path string, opts Options) (*gorm.DB, error) {
	level := opts.LogLevel
	if level == 0 {
		level = logger.Warn
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	return db, nil
}

func migrate(db *gorm.DB, opts Options) error {
	if err := migrations.AddSettlementJournal(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if opts.Simulator {
		if err := migrations.AddLedgerSimulator(db); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	return nil
}
