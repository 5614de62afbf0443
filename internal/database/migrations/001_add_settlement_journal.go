package migrations

import (
	"github.com/ksred/klear-energy-api/internal/journal"
	"gorm.io/gorm"
)

// AddSettlementJournal creates the settlement journal table and the indexes
// the reconciler scans with
func AddSettlementJournal(db *gorm.DB) error {
	if err := db.AutoMigrate(&journal.SettlementRecord{}); err != nil {
		return err
	}

	indexes := []string{
		// Reconciler scan: pending records oldest first
		`CREATE INDEX IF NOT EXISTS idx_settlement_records_status_created_at
		 ON settlement_records(status, created_at)`,

		// Confirm outcomes settle every record of one escrow
		`CREATE INDEX IF NOT EXISTS idx_settlement_records_escrow_status
		 ON settlement_records(escrow, status)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
