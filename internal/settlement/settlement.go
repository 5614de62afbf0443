// Package settlement drives energy trades through their two-phase escrow
// lifecycle: initiate, then confirm or refund.
package settlement

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/ksred/klear-energy-api/internal/balance"
	"github.com/ksred/klear-energy-api/internal/escrow"
	"github.com/ksred/klear-energy-api/internal/executor"
	"github.com/ksred/klear-energy-api/internal/fault"
	"github.com/ksred/klear-energy-api/internal/journal"
	"github.com/ksred/klear-energy-api/internal/ledger"
	"github.com/ksred/klear-energy-api/internal/metrics"
	"github.com/ksred/klear-energy-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	MethodSellEnergy     = ledger.MethodSellEnergy
	MethodConfirmSelling = ledger.MethodConfirmSelling
	MethodBuyEnergy      = ledger.MethodBuyEnergy
	MethodConfirmBuying  = ledger.MethodConfirmBuying
)

type Service struct {
	ledger   ledger.Client
	deriver  *escrow.Deriver
	accounts Accounts
	assurer  balance.Assurer
	executor *executor.Executor
	journal  *journal.Journal
	mints    ledger.Mints
	platform types.PublicKey
	locks    *keyedMutex
}

func NewService(deps Deps) *Service {
	assurer := deps.Assurer
	if assurer == nil {
		assurer = balance.Noop{}
	}
	return &Service{
		ledger:   deps.Ledger,
		deriver:  deps.Deriver,
		accounts: deps.Accounts,
		assurer:  assurer,
		executor: deps.Executor,
		journal:  deps.Journal,
		mints:    deps.Mints,
		platform: deps.Executor.Platform(),
		locks:    newKeyedMutex(),
	}
}

// SellEnergy registers a pending sale of usdc worth of energy by the producer
func (s *Service) SellEnergy(ctx context.Context, req SellEnergyRequest) (result *types.SettlementResult, err error) {
	const op = MethodSellEnergy
	start := time.Now()
	entry := journal.Entry{Method: op, Seed: req.Seed, Kind: string(types.TradeSell), Amount: req.USDCAmount.String()}
	defer func() { s.finish(op, start, &entry, err) }()

	producer, err := types.KeypairFromBytes(req.ProducerSecret)
	if err != nil {
		return nil, err
	}
	usdc, err := wholeAmount(op, "usdcAmount", req.USDCAmount)
	if err != nil {
		return nil, err
	}
	escrowAddr, err := s.deriver.Derive(producer.PublicKey(), req.Seed)
	if err != nil {
		return nil, err
	}
	entry.Escrow = escrowAddr.String()
	entry.Initiator = producer.PublicKey().String()

	logger := log.With().
		Str("escrow", escrowAddr.String()).
		Str("producer", producer.PublicKey().String()).
		Uint64("seed", req.Seed).
		Str("service", "settlement").
		Logger()
	logger.Info().Uint64("usdc_amount", usdc).Msg("selling energy")

	var accounts ledger.SellAccounts
	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.resolve(gctx, producer.PublicKey(), s.mints.USDC, false, &accounts.ProducerUSDC))
	g.Go(s.resolve(gctx, s.platform, s.mints.USDC, false, &accounts.PlatformUSDC))
	g.Go(s.resolve(gctx, s.platform, s.mints.Volt, false, &accounts.PlatformVolt))
	if err := g.Wait(); err != nil {
		return nil, err
	}
	accounts.Platform = s.platform
	accounts.Producer = producer.PublicKey()
	accounts.USDCMint = s.mints.USDC
	accounts.VoltMint = s.mints.Volt
	accounts.Escrow = escrowAddr

	if err := s.assurer.Ensure(ctx, s.platform, s.mints.USDC, decimal.NewFromInt(int64(usdc))); err != nil {
		return nil, err
	}

	txID, err := s.executor.InitiateSell(ctx, producer, req.Seed, usdc, accounts)
	if err != nil {
		return nil, classify(op, err)
	}
	entry.TransactionID = txID

	logger.Info().Str("transaction_id", txID).Msg("energy sale registered")
	s.logBalances(ctx, logger, map[string]types.PublicKey{
		"producer_usdc": accounts.ProducerUSDC,
		"platform_usdc": accounts.PlatformUSDC,
	})
	return &types.SettlementResult{TransactionID: txID, EscrowPublicKey: escrowAddr.String()}, nil
}

// ConfirmSelling pays the producer for a pending sale
func (s *Service) ConfirmSelling(ctx context.Context, escrowPublicKey string) (result *types.SettlementResult, err error) {
	const op = MethodConfirmSelling
	start := time.Now()
	entry := journal.Entry{Method: op, Kind: string(types.TradeSell)}
	defer func() { s.finish(op, start, &entry, err) }()

	escrowAddr, err := parseEscrow(op, escrowPublicKey)
	if err != nil {
		return nil, err
	}
	entry.Escrow = escrowAddr.String()

	unlock := s.locks.Lock(escrowAddr)
	defer unlock()

	trade, err := s.pendingTrade(ctx, op, escrowAddr, types.TradeSell)
	if err != nil {
		return nil, err
	}
	entry.Initiator = trade.Maker.String()
	entry.Seed = trade.Seed
	entry.Amount = strconv.FormatUint(trade.USDC, 10)

	logger := log.With().
		Str("escrow", escrowAddr.String()).
		Str("producer", trade.Maker.String()).
		Str("service", "settlement").
		Logger()
	logger.Info().Uint64("usdc_amount", trade.USDC).Msg("confirming energy sale")

	var accounts ledger.ConfirmSellAccounts
	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.resolve(gctx, trade.Maker, s.mints.USDC, false, &accounts.ProducerUSDC))
	g.Go(s.resolve(gctx, s.platform, s.mints.USDC, false, &accounts.PlatformUSDC))
	g.Go(s.resolve(gctx, s.platform, s.mints.Volt, false, &accounts.PlatformVolt))
	if err := g.Wait(); err != nil {
		return nil, err
	}
	accounts.Escrow = escrowAddr
	accounts.Platform = s.platform
	accounts.USDCMint = s.mints.USDC
	accounts.VoltMint = s.mints.Volt

	if err := s.assurer.Ensure(ctx, s.platform, s.mints.USDC, decimal.NewFromInt(int64(trade.USDC))); err != nil {
		return nil, err
	}

	txID, err := s.executor.ConfirmSell(ctx, accounts)
	if err != nil {
		return nil, classify(op, err)
	}
	entry.TransactionID = txID

	logger.Info().Str("transaction_id", txID).Msg("energy sale confirmed")
	s.logBalances(ctx, logger, map[string]types.PublicKey{
		"producer_usdc": accounts.ProducerUSDC,
		"platform_usdc": accounts.PlatformUSDC,
		"platform_volt": accounts.PlatformVolt,
	})
	return &types.SettlementResult{TransactionID: txID, EscrowPublicKey: escrowAddr.String()}, nil
}

// BuyEnergy escrows the consumer's payment for energy units
func (s *Service) BuyEnergy(ctx context.Context, req BuyEnergyRequest) (result *types.SettlementResult, err error) {
	const op = MethodBuyEnergy
	start := time.Now()
	entry := journal.Entry{Method: op, Seed: req.Seed, Kind: string(types.TradeBuy), Amount: req.EnergyAmount.String()}
	defer func() { s.finish(op, start, &entry, err) }()

	consumer, err := types.KeypairFromBytes(req.ConsumerSecret)
	if err != nil {
		return nil, err
	}
	energy, err := wholeAmount(op, "energyAmount", req.EnergyAmount)
	if err != nil {
		return nil, err
	}
	payment := types.USDCForVolts(energy)
	if payment == 0 {
		return nil, fault.Newf(fault.InvalidInput, op, "energyAmount must be at least %d", types.VoltsPerUSDC)
	}
	escrowAddr, err := s.deriver.Derive(consumer.PublicKey(), req.Seed)
	if err != nil {
		return nil, err
	}
	entry.Escrow = escrowAddr.String()
	entry.Initiator = consumer.PublicKey().String()

	logger := log.With().
		Str("escrow", escrowAddr.String()).
		Str("consumer", consumer.PublicKey().String()).
		Uint64("seed", req.Seed).
		Str("service", "settlement").
		Logger()
	logger.Info().Uint64("energy_amount", energy).Uint64("usdc_amount", payment).Msg("buying energy")

	var accounts ledger.BuyAccounts
	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.resolve(gctx, consumer.PublicKey(), s.mints.USDC, false, &accounts.ConsumerUSDC))
	g.Go(s.resolve(gctx, s.platform, s.mints.USDC, false, &accounts.PlatformUSDC))
	g.Go(s.resolve(gctx, s.platform, s.mints.Volt, false, &accounts.PlatformVolt))
	g.Go(s.resolve(gctx, escrowAddr, s.mints.USDC, true, &accounts.EscrowUSDC))
	if err := g.Wait(); err != nil {
		return nil, err
	}
	accounts.Platform = s.platform
	accounts.Consumer = consumer.PublicKey()
	accounts.USDCMint = s.mints.USDC
	accounts.VoltMint = s.mints.Volt
	accounts.Escrow = escrowAddr

	if err := s.assurer.Ensure(ctx, consumer.PublicKey(), s.mints.USDC, decimal.NewFromInt(int64(payment))); err != nil {
		return nil, err
	}

	txID, err := s.executor.InitiateBuy(ctx, consumer, req.Seed, energy, accounts)
	if err != nil {
		return nil, classify(op, err)
	}
	entry.TransactionID = txID

	logger.Info().Str("transaction_id", txID).Msg("energy purchase escrowed")
	s.logBalances(ctx, logger, map[string]types.PublicKey{
		"consumer_usdc": accounts.ConsumerUSDC,
		"escrow_usdc":   accounts.EscrowUSDC,
	})
	return &types.SettlementResult{TransactionID: txID, EscrowPublicKey: escrowAddr.String()}, nil
}

// ConfirmBuying releases an escrowed payment to the platform
func (s *Service) ConfirmBuying(ctx context.Context, escrowPublicKey string) (result *types.SettlementResult, err error) {
	const op = MethodConfirmBuying
	start := time.Now()
	entry := journal.Entry{Method: op, Kind: string(types.TradeBuy)}
	defer func() { s.finish(op, start, &entry, err) }()

	escrowAddr, err := parseEscrow(op, escrowPublicKey)
	if err != nil {
		return nil, err
	}
	entry.Escrow = escrowAddr.String()

	unlock := s.locks.Lock(escrowAddr)
	defer unlock()

	trade, err := s.pendingTrade(ctx, op, escrowAddr, types.TradeBuy)
	if err != nil {
		return nil, err
	}
	entry.Initiator = trade.Maker.String()
	entry.Seed = trade.Seed
	entry.Amount = strconv.FormatUint(trade.Volts, 10)

	logger := log.With().
		Str("escrow", escrowAddr.String()).
		Str("consumer", trade.Maker.String()).
		Str("service", "settlement").
		Logger()
	logger.Info().Uint64("energy_amount", trade.Volts).Msg("confirming energy purchase")

	var accounts ledger.ConfirmBuyAccounts
	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.resolve(gctx, trade.Maker, s.mints.USDC, false, &accounts.ConsumerUSDC))
	g.Go(s.resolve(gctx, s.platform, s.mints.USDC, false, &accounts.PlatformUSDC))
	g.Go(s.resolve(gctx, s.platform, s.mints.Volt, false, &accounts.PlatformVolt))
	g.Go(s.resolve(gctx, escrowAddr, s.mints.USDC, true, &accounts.EscrowUSDC))
	if err := g.Wait(); err != nil {
		return nil, err
	}
	accounts.Escrow = escrowAddr
	accounts.Platform = s.platform
	accounts.USDCMint = s.mints.USDC
	accounts.VoltMint = s.mints.Volt

	if err := s.assurer.Ensure(ctx, s.platform, s.mints.Volt, decimal.NewFromInt(int64(trade.Volts))); err != nil {
		return nil, err
	}

	txID, err := s.executor.ConfirmBuy(ctx, accounts)
	if err != nil {
		return nil, classify(op, err)
	}
	entry.TransactionID = txID

	logger.Info().Str("transaction_id", txID).Msg("energy purchase confirmed")
	s.logBalances(ctx, logger, map[string]types.PublicKey{
		"consumer_usdc": accounts.ConsumerUSDC,
		"platform_usdc": accounts.PlatformUSDC,
		"platform_volt": accounts.PlatformVolt,
	})
	return &types.SettlementResult{TransactionID: txID, EscrowPublicKey: escrowAddr.String()}, nil
}

// pendingTrade is the confirm guard: the trade must exist, be pending and
// be of the expected kind before anything is submitted.
func (s *Service) pendingTrade(ctx context.Context, op string, addr types.PublicKey, kind types.TradeKind) (*ledger.EscrowRecord, error) {
	trade, err := s.executor.FetchTrade(ctx, addr)
	if err != nil {
		if ledger.IsCode(err, ledger.CodeAccountNotFound) {
			return nil, fault.Newf(fault.TradeNotFound, op, "no trade found at escrow %s", addr)
		}
		return nil, classify(op, err)
	}
	if trade.State != types.StatePending {
		return nil, fault.Newf(fault.AlreadySettled, op, "trade at escrow %s is already %s", addr, trade.State)
	}
	if trade.Kind != kind {
		return nil, fault.Newf(fault.InvalidInput, op, "escrow %s holds a %s trade", addr, trade.Kind)
	}
	return trade, nil
}

func (s *Service) resolve(ctx context.Context, owner, mint types.PublicKey, allowOffCurve bool, dst *types.PublicKey) func() error {
	return func() error {
		addr, err := s.accounts.GetOrCreate(ctx, owner, mint, allowOffCurve)
		if err != nil {
			return err
		}
		*dst = addr
		return nil
	}
}

// finish records metrics and the journal entry for a completed call
func (s *Service) finish(op string, start time.Time, entry *journal.Entry, err error) {
	outcome := "ok"
	switch {
	case err != nil:
		kind := fault.KindOf(err)
		outcome = kind.String()
		entry.ErrorKind = kind.String()
		entry.ErrorMessage = err.Error()
		entry.Status = journal.StatusFailed
		if kind == fault.TradeRefunded {
			entry.Status = journal.StatusRefunded
		}
	case op == MethodSellEnergy || op == MethodBuyEnergy:
		entry.Status = journal.StatusPending
	default:
		entry.Status = journal.StatusConfirmed
	}
	metrics.ObserveSettlement(op, outcome, time.Since(start))
	s.journal.Record(*entry)
}

// logBalances writes a debug snapshot of the accounts a trade touched
func (s *Service) logBalances(ctx context.Context, logger zerolog.Logger, accounts map[string]types.PublicKey) {
	if s.ledger == nil {
		return
	}
	event := logger.Debug()
	if !event.Enabled() {
		return
	}
	for name, addr := range accounts {
		bal, err := s.ledger.TokenBalance(ctx, addr)
		if err != nil {
			event = event.Str(name, "unavailable")
			continue
		}
		event = event.Str(name, bal.String())
	}
	event.Msg("balances after trade")
}

func parseEscrow(op, s string) (types.PublicKey, error) {
	if s == "" {
		return types.PublicKey{}, fault.New(fault.InvalidInput, op, "escrowPublicKey is required")
	}
	addr, err := types.ParsePublicKey(s)
	if err != nil {
		return types.PublicKey{}, fault.Newf(fault.InvalidInput, op, "invalid escrowPublicKey %q", s)
	}
	return addr, nil
}

// wholeAmount converts a request amount into whole ledger units
func wholeAmount(op, field string, amount decimal.Decimal) (uint64, error) {
	if !amount.IsPositive() {
		return 0, fault.Newf(fault.InvalidInput, op, "%s must be positive", field)
	}
	if !amount.Equal(amount.Truncate(0)) {
		return 0, fault.Newf(fault.InvalidInput, op, "%s must be a whole number", field)
	}
	if amount.GreaterThan(decimal.NewFromInt(int64(types.MaxTokenAmount))) {
		return 0, fault.Newf(fault.InvalidInput, op, "%s exceeds %d", field, types.MaxTokenAmount)
	}
	return uint64(amount.IntPart()), nil
}

// classify turns ledger failures into the settlement error taxonomy
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}

	switch ledger.CodeOf(err) {
	case ledger.CodeRefunded:
		return fault.Wrap(fault.TradeRefunded, op, err)
	case ledger.CodeInvalidState:
		return fault.Wrap(fault.AlreadySettled, op, err)
	case ledger.CodeAccountInUse:
		if addr, ok := ledger.ConflictingAddress(err); ok {
			return &fault.Error{Kind: fault.LedgerRejected, Op: op, Message: "Account " + addr + " already exists", Err: err}
		}
		return fault.Wrap(fault.LedgerRejected, op, err)
	case "":
		if fault.KindOf(err) == fault.LedgerTimeout {
			return fault.Wrap(fault.LedgerTimeout, op, err)
		}
		return fault.Wrap(fault.InternalError, op, err)
	default:
		return fault.Wrap(fault.LedgerRejected, op, err)
	}
}
