package migrations

import (
	"github.com/ksred/klear-energy-api/internal/ledger/simulated"
	"gorm.io/gorm"
)

// AddLedgerSimulator creates the tables backing the simulated ledger
func AddLedgerSimulator(db *gorm.DB) error {
	if err := db.AutoMigrate(simulated.Models()...); err != nil {
		return err
	}

	// Per-method counts for one escrow
	idx := `CREATE INDEX IF NOT EXISTS idx_sim_transactions_escrow_method
	 ON sim_transactions(escrow, method)`
	return db.Exec(idx).Error
}
