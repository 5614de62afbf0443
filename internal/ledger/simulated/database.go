package simulated

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetMint(tx *gorm.DB, address string) (*Mint, error) {
	var mint Mint
	if err := tx.Where("address = ?", address).First(&mint).Error; err != nil {
		return nil, err
	}
	return &mint, nil
}

func (d *Database) GetTokenAccount(tx *gorm.DB, address string) (*TokenAccount, error) {
	var account TokenAccount
	if err := tx.Where("address = ?", address).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (d *Database) GetEscrow(tx *gorm.DB, address string) (*Escrow, error) {
	var escrow Escrow
	if err := tx.Where("address = ?", address).First(&escrow).Error; err != nil {
		return nil, err
	}
	return &escrow, nil
}

func (d *Database) CreateTokenAccount(tx *gorm.DB, account *TokenAccount) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(account).Error
}

func (d *Database) AdjustAmount(tx *gorm.DB, address string, delta int64) error {
	result := tx.Model(&TokenAccount{}).
		Where("address = ?", address).
		Updates(map[string]interface{}{
			"amount":     gorm.Expr("amount + ?", delta),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.New("token account not found")
	}
	return nil
}

func (d *Database) AdjustSupply(tx *gorm.DB, address string, delta int64) error {
	return tx.Model(&Mint{}).
		Where("address = ?", address).
		Update("supply", gorm.Expr("supply + ?", delta)).Error
}

func (d *Database) SaveEscrow(tx *gorm.DB, escrow *Escrow) error {
	return tx.Save(escrow).Error
}

func (d *Database) RecordTransaction(record *Transaction) error {
	return d.db.Create(record).Error
}

// CountByMethod returns the number of successful transactions per method
func (d *Database) CountByMethod() (map[string]int64, error) {
	var rows []struct {
		Method string
		Count  int64
	}
	err := d.db.Model(&Transaction{}).
		Select("method, count(*) as count").
		Where("status = ?", "SUCCESS").
		Group("method").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Method] = r.Count
	}
	return counts, nil
}

func (d *Database) GetTransactionsByEscrow(escrow string) ([]Transaction, error) {
	var txs []Transaction
	if err := d.db.Where("escrow = ?", escrow).Order("created_at ASC").Find(&txs).Error; err != nil {
		return nil, err
	}
	return txs, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
