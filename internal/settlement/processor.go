package settlement

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ksred/klear-energy-api/internal/fault"
	"github.com/ksred/klear-energy-api/internal/journal"
	"github.com/ksred/klear-energy-api/internal/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentConfirms = 4

// Processor confirms pending trades found in the journal on a schedule.
// Each escrow is confirmed by at most one goroutine at a time; the per-escrow
// lock and state check in the confirm path make repeats harmless.
type Processor struct {
	service      *Service
	db           *journal.Database
	processDelay time.Duration

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewProcessor(service *Service, j *journal.Journal, processDelay time.Duration) *Processor {
	return &Processor{
		service:      service,
		db:           j.DB(),
		processDelay: processDelay,
		inFlight:     make(map[string]struct{}),
	}
}

// Start runs the confirm loop until ctx is cancelled. A non-positive delay
// disables it.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "settlement_processor").Logger()
	if p.processDelay <= 0 {
		logger.Info().Msg("automatic confirmation disabled")
		return
	}
	logger.Info().Dur("interval", p.processDelay).Msg("starting settlement processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down settlement processor")
			return
		case <-ticker.C:
			if _, err := p.ConfirmPending(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to process pending trades")
			}
		}
	}
}

// ConfirmPending makes one pass over pending initiate records and returns how
// many trades it confirmed
func (p *Processor) ConfirmPending(ctx context.Context) (int, error) {
	logger := log.With().Str("component", "settlement_processor").Logger()

	records, err := p.db.GetPendingRecords()
	if err != nil {
		return 0, err
	}
	logger.Debug().Int("pending_count", len(records)).Msg("processing pending trades")

	var confirmed int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentConfirms)
	for _, record := range records {
		if record.Escrow == "" || !p.claim(record.Escrow) {
			continue
		}
		record := record
		g.Go(func() error {
			defer p.release(record.Escrow)
			if p.confirm(gctx, record) {
				atomic.AddInt32(&confirmed, 1)
			}
			return nil
		})
	}
	err = g.Wait()
	return int(confirmed), err
}

func (p *Processor) confirm(ctx context.Context, record journal.SettlementRecord) bool {
	logger := log.With().
		Str("record_id", record.RecordID).
		Str("escrow", record.Escrow).
		Str("kind", record.Kind).
		Str("component", "settlement_processor").
		Logger()

	var err error
	switch types.TradeKind(record.Kind) {
	case types.TradeSell:
		_, err = p.service.ConfirmSelling(ctx, record.Escrow)
	case types.TradeBuy:
		_, err = p.service.ConfirmBuying(ctx, record.Escrow)
	default:
		logger.Warn().Msg("pending record has no trade kind")
		return false
	}

	switch kind := fault.KindOf(err); {
	case err == nil:
		logger.Info().Msg("trade confirmed automatically")
		return true
	case kind == fault.TradeRefunded:
		logger.Warn().Msg("trade refunded during automatic confirmation")
	case kind == fault.AlreadySettled || kind == fault.TradeNotFound:
		logger.Debug().Str("error_kind", kind.String()).Msg("trade no longer confirmable")
	default:
		logger.Error().Err(err).Msg("failed to confirm trade")
	}
	return false
}

func (p *Processor) claim(escrow string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[escrow]; busy {
		return false
	}
	p.inFlight[escrow] = struct{}{}
	return true
}

func (p *Processor) release(escrow string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, escrow)
}
