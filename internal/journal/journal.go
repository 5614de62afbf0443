// Package journal keeps an audit trail of settlement calls. It is never
// consulted to make settlement decisions; the ledger is the source of truth.
package journal

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Entry describes one finished settlement call
type Entry struct {
	Method        string
	Escrow        string
	Initiator     string
	Seed          uint64
	Kind          string
	Amount        string
	TransactionID string
	Status        string
	ErrorKind     string
	ErrorMessage  string
}

type Journal struct {
	db *Database
}

func New(gormDB *gorm.DB) *Journal {
	return &Journal{db: NewDatabase(gormDB)}
}

func (j *Journal) DB() *Database { return j.db }

// Record appends an entry. Confirm outcomes also settle the escrow's pending
// initiate records. Failures are logged and swallowed.
func (j *Journal) Record(e Entry) {
	if j == nil || j.db == nil {
		return
	}
	logger := log.With().
		Str("method", e.Method).
		Str("escrow", e.Escrow).
		Str("service", "journal").
		Logger()

	record := &SettlementRecord{
		RecordID:      "STL_" + uuid.New().String(),
		Method:        e.Method,
		Escrow:        e.Escrow,
		Initiator:     e.Initiator,
		Seed:          strconv.FormatUint(e.Seed, 10),
		Kind:          e.Kind,
		Amount:        e.Amount,
		TransactionID: e.TransactionID,
		Status:        e.Status,
		ErrorKind:     e.ErrorKind,
		ErrorMessage:  e.ErrorMessage,
	}
	if err := j.db.CreateRecord(record); err != nil {
		logger.Error().Err(err).Msg("failed to write settlement record")
		return
	}

	if e.Escrow != "" && (e.Status == StatusConfirmed || e.Status == StatusRefunded) {
		if err := j.db.SettleEscrow(e.Escrow, e.Status); err != nil {
			logger.Error().Err(err).Msg("failed to settle pending records")
		}
	}
}
