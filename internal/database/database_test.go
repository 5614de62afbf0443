package database

import (
	"path/filepath"
	"testing"

	"github.com/ksred/klear-energy-api/internal/journal"
	"github.com/ksred/klear-energy-api/internal/ledger/simulated"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func TestMigratesJournalOnly(t *testing.T) {
	db, err := NewMemoryDatabase(Options{LogLevel: logger.Silent})
	require.NoError(t, err)

	assert.True(t, db.Migrator().HasTable(&journal.SettlementRecord{}))
	assert.True(t, db.Migrator().HasIndex(&journal.SettlementRecord{}, "idx_settlement_records_status_created_at"))
	assert.False(t, db.Migrator().HasTable(&simulated.Escrow{}))
}

func TestMigratesSimulator(t *testing.T) {
	db, err := NewMemoryDatabase(Options{Simulator: true, LogLevel: logger.Silent})
	require.NoError(t, err)

	for _, model := range simulated.Models() {
		assert.True(t, db.Migrator().HasTable(model))
	}
	assert.True(t, db.Migrator().HasIndex(&simulated.Transaction{}, "idx_sim_transactions_escrow_method"))
}

func TestMigrationsAreRepeatable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "klear.db")
	opts := Options{Simulator: true, LogLevel: logger.Silent}

	db, err := NewDatabase(path, opts)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	db, err = NewDatabase(path, opts)
	require.NoError(t, err)
	sqlDB, err = db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
}
