package journal

import (
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

func (d *Database) CreateRecord(record *SettlementRecord) error {
	return d.db.Create(record).Error
}

func (d *Database) GetRecord(recordID string) (*SettlementRecord, error) {
	var record SettlementRecord
	if err := d.db.Where("record_id = ?", recordID).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (d *Database) GetRecordsByEscrow(escrow string) ([]SettlementRecord, error) {
	var records []SettlementRecord
	if err := d.db.Where("escrow = ?", escrow).Order("created_at ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// GetPendingRecords returns initiate records still waiting for a confirm
func (d *Database) GetPendingRecords() ([]SettlementRecord, error) {
	var records []SettlementRecord
	if err := d.db.Where("status = ?", StatusPending).Order("created_at ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (d *Database) UpdateStatus(recordID, status string) error {
	now := time.Now()
	result := d.db.Model(&SettlementRecord{}).
		Where("record_id = ?", recordID).
		Updates(map[string]interface{}{
			"status":        status,
			"reconciled_at": &now,
			"updated_at":    now,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return errors.New("settlement record not found")
	}

	return nil
}

// SettleEscrow moves every pending record of escrow to status
func (d *Database) SettleEscrow(escrow, status string) error {
	return d.db.Model(&SettlementRecord{}).
		Where("escrow = ? AND status = ?", escrow, StatusPending).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		}).Error
}
