package journal

import (
	"context"
	"time"

	"github.com/ksred/klear-energy-api/internal/ledger"
	"github.com/ksred/klear-energy-api/internal/types"
	"github.com/rs/zerolog/log"
)

// TradeReader reads on-ledger escrow state
type TradeReader interface {
	FetchTrade(ctx context.Context, escrow types.PublicKey) (*ledger.EscrowRecord, error)
}

// Reconciler brings pending journal records in line with the ledger. It
// only reads; it never moves funds.
type Reconciler struct {
	db       *Database
	reader   TradeReader
	interval time.Duration
}

func NewReconciler(j *Journal, reader TradeReader, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		db:       j.db,
		reader:   reader,
		interval: interval,
	}
}

// Start runs the reconcile loop until ctx is cancelled
func (r *Reconciler) Start(ctx context.Context) {
	logger := log.With().Str("component", "journal_reconciler").Logger()
	logger.Info().Dur("interval", r.interval).Msg("starting journal reconciler")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down journal reconciler")
			return
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to reconcile pending records")
			}
		}
	}
}

// Reconcile makes one pass and returns how many records changed
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	logger := log.With().Str("component", "journal_reconciler").Logger()

	records, err := r.db.GetPendingRecords()
	if err != nil {
		return 0, err
	}
	logger.Debug().Int("pending_count", len(records)).Msg("reconciling pending records")

	updated := 0
	for _, record := range records {
		if ctx.Err() != nil {
			return updated, ctx.Err()
		}
		addr, err := types.ParsePublicKey(record.Escrow)
		if err != nil {
			logger.Warn().Str("record_id", record.RecordID).Msg("record has no valid escrow address")
			continue
		}

		status := ""
		trade, err := r.reader.FetchTrade(ctx, addr)
		switch {
		case ledger.IsCode(err, ledger.CodeAccountNotFound):
			status = StatusFailed
		case err != nil:
			logger.Error().Err(err).Str("escrow", record.Escrow).Msg("failed to read escrow")
			continue
		case trade.State == types.StateConfirmed:
			status = StatusConfirmed
		case trade.State == types.StateRefunded:
			status = StatusRefunded
		default:
			continue
		}

		if err := r.db.UpdateStatus(record.RecordID, status); err != nil {
			logger.Error().
				Err(err).
				Str("record_id", record.RecordID).
				Msg("failed to update record status")
			continue
		}
		logger.Info().
			Str("record_id", record.RecordID).
			Str("escrow", record.Escrow).
			Str("status", status).
			Msg("record reconciled")
		updated++
	}
	return updated, nil
}
