package journal

import (
	"time"

	"gorm.io/gorm"
)

const (
	StatusPending   = "PENDING"
	StatusConfirmed = "CONFIRMED"
	StatusRefunded  = "REFUNDED"
	StatusFailed    = "FAILED"
)

// SettlementRecord is one audited settlement call
type SettlementRecord struct {
	gorm.Model    `json:"-"`
	RecordID      string     `gorm:"uniqueIndex" json:"record_id"`
	Method        string     `gorm:"index" json:"method"`
	Escrow        string     `gorm:"index" json:"escrow"`
	Initiator     string     `json:"initiator,omitempty"`
	Seed          string     `json:"seed,omitempty"`
	Kind          string     `json:"kind,omitempty"` // SELL, BUY
	Amount        string     `json:"amount,omitempty"`
	TransactionID string     `json:"transaction_id,omitempty"`
	Status        string     `gorm:"index" json:"status"` // PENDING, CONFIRMED, REFUNDED, FAILED
	ErrorKind     string     `json:"error_kind,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	ReconciledAt  *time.Time `json:"reconciled_at,omitempty"`
}
