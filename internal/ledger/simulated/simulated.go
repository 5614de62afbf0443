// Package simulated is an in-process ledger backed by gorm. It reproduces
// the escrow program's instruction semantics closely enough to drive the
// settlement service end to end in development and tests.
package simulated

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-energy-api/internal/escrow"
	"github.com/ksred/klear-energy-api/internal/ledger"
	"github.com/ksred/klear-energy-api/internal/types"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	TokenProgramID           = types.MustPublicKey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	AssociatedTokenProgramID = types.MustPublicKey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
)

// Ledger implements ledger.Client
type Ledger struct {
	mu        sync.Mutex
	db        *Database
	programID types.PublicKey
	latency   time.Duration
}

type Option func(*Ledger)

// WithLatency delays every call by d, honouring context cancellation
func WithLatency(d time.Duration) Option {
	return func(l *Ledger) { l.latency = d }
}

func New(db *gorm.DB, programID types.PublicKey, opts ...Option) *Ledger {
	l := &Ledger{
		db:        NewDatabase(db),
		programID: programID,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ ledger.Client = (*Ledger)(nil)

// AssociatedTokenAddress derives the canonical token account of owner for mint
func AssociatedTokenAddress(owner, mint types.PublicKey) (types.PublicKey, error) {
	addr, _, err := escrow.FindProgramAddress(
		[][]byte{owner.Bytes(), TokenProgramID.Bytes(), mint.Bytes()},
		AssociatedTokenProgramID,
	)
	return addr, err
}

// DefaultMint derives a stable mint address for symbol, used when no mint is
// configured so restarts against the same database keep their balances
func DefaultMint(programID types.PublicKey, symbol string) (types.PublicKey, error) {
	addr, _, err := escrow.FindProgramAddress([][]byte{[]byte("mint"), []byte(strings.ToLower(symbol))}, programID)
	return addr, err
}

func (l *Ledger) wait(ctx context.Context) error {
	if l.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(l.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("simulated ledger: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// CreateMint registers a mint with its authority. Registering an existing
// mint is a no-op.
func (l *Ledger) CreateMint(ctx context.Context, address, authority types.PublicKey, decimals int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := l.db.db.WithContext(ctx)
	if _, err := l.db.GetMint(tx, address.String()); err == nil {
		return nil
	} else if !isNotFound(err) {
		return fmt.Errorf("failed to read mint: %w", err)
	}
	mint := &Mint{
		Address:   address.String(),
		Authority: authority.String(),
		Decimals:  decimals,
	}
	if err := tx.Create(mint).Error; err != nil {
		return fmt.Errorf("failed to create mint: %w", err)
	}
	return nil
}

func (l *Ledger) GetOrCreateTokenAccount(ctx context.Context, owner, mint types.PublicKey, allowOwnerOffCurve bool) (types.PublicKey, error) {
	if err := l.wait(ctx); err != nil {
		return types.PublicKey{}, err
	}
	if !allowOwnerOffCurve && !escrow.IsOnCurve(owner.Bytes()) {
		return types.PublicKey{}, ledger.NewError(ledger.CodeInvalidAccount, "token owner is off curve")
	}
	addr, err := AssociatedTokenAddress(owner, mint)
	if err != nil {
		return types.PublicKey{}, ledger.NewError(ledger.CodeInvalidAccount, err.Error())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx := l.db.db.WithContext(ctx)
	if _, err := l.db.GetMint(tx, mint.String()); err != nil {
		if isNotFound(err) {
			return types.PublicKey{}, ledger.NewError(ledger.CodeAccountNotFound, "mint "+mint.String()+" not found")
		}
		return types.PublicKey{}, fmt.Errorf("failed to read mint: %w", err)
	}
	existing, err := l.db.GetTokenAccount(tx, addr.String())
	if err == nil {
		if existing.Owner != owner.String() || existing.Mint != mint.String() {
			return types.PublicKey{}, ledger.NewError(ledger.CodeInvalidAccount, "token account owner or mint mismatch")
		}
		return addr, nil
	}
	if !isNotFound(err) {
		return types.PublicKey{}, fmt.Errorf("failed to read token account: %w", err)
	}
	if err := l.db.CreateTokenAccount(tx, &TokenAccount{
		Address: addr.String(),
		Owner:   owner.String(),
		Mint:    mint.String(),
	}); err != nil {
		return types.PublicKey{}, fmt.Errorf("failed to create token account: %w", err)
	}
	log.Debug().
		Str("account", addr.String()).
		Str("owner", owner.String()).
		Str("mint", mint.String()).
		Msg("simulated ledger created token account")
	return addr, nil
}

func (l *Ledger) TokenBalance(ctx context.Context, account types.PublicKey) (decimal.Decimal, error) {
	if err := l.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	acct, err := l.db.GetTokenAccount(l.db.db.WithContext(ctx), account.String())
	if err != nil {
		if isNotFound(err) {
			return decimal.Zero, ledger.NewError(ledger.CodeAccountNotFound, "token account "+account.String()+" not found")
		}
		return decimal.Zero, fmt.Errorf("failed to read token account: %w", err)
	}
	return types.FromBaseUnits(acct.Amount), nil
}

// Balance returns owner's balance of mint, zero when the account is absent
func (l *Ledger) Balance(ctx context.Context, owner, mint types.PublicKey) (decimal.Decimal, error) {
	addr, err := AssociatedTokenAddress(owner, mint)
	if err != nil {
		return decimal.Zero, err
	}
	bal, err := l.TokenBalance(ctx, addr)
	if ledger.IsCode(err, ledger.CodeAccountNotFound) {
		return decimal.Zero, nil
	}
	return bal, err
}

func (l *Ledger) MintTo(ctx context.Context, mint, destination types.PublicKey, amount uint64) (string, error) {
	if err := l.wait(ctx); err != nil {
		return "", err
	}
	if amount > uint64(maxInt64) {
		return "", ledger.NewError(ledger.CodeRejected, "mint amount overflows")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := l.db.GetMint(tx, mint.String()); err != nil {
			if isNotFound(err) {
				return ledger.NewError(ledger.CodeAccountNotFound, "mint "+mint.String()+" not found")
			}
			return err
		}
		dest, err := l.db.GetTokenAccount(tx, destination.String())
		if err != nil {
			if isNotFound(err) {
				return ledger.NewError(ledger.CodeAccountNotFound, "token account "+destination.String()+" not found")
			}
			return err
		}
		if dest.Mint != mint.String() {
			return ledger.NewError(ledger.CodeInvalidAccount, "destination mint mismatch")
		}
		if err := l.db.AdjustAmount(tx, dest.Address, int64(amount)); err != nil {
			return err
		}
		return l.db.AdjustSupply(tx, mint.String(), int64(amount))
	})
	if err != nil {
		return "", classify(err)
	}

	id, salt := uuid.New(), uuid.New()
	sig := base58.Encode(append(id[:], salt[:]...))
	if err := l.db.RecordTransaction(&Transaction{
		ID:        id.String(),
		Signature: sig,
		Method:    "mint_to",
		Status:    "SUCCESS",
	}); err != nil {
		log.Warn().Err(err).Msg("simulated ledger failed to record mint")
	}
	return sig, nil
}

// Submit checks signatures then executes the instruction atomically. A
// refund outcome commits the refunded state and still reports an error.
func (l *Ledger) Submit(ctx context.Context, ix ledger.Instruction, signers []types.Keypair) (string, error) {
	if err := l.wait(ctx); err != nil {
		return "", err
	}
	msg, err := ledger.SigningMessage(ix)
	if err != nil {
		return "", fmt.Errorf("failed to encode instruction: %w", err)
	}
	sigs, err := sign(msg, ix.RequiredSigners(), signers)
	if err != nil {
		return "", err
	}
	signature := base58.Encode(sigs[0])

	l.mu.Lock()
	defer l.mu.Unlock()

	var outcome error
	exec := &execution{db: l.db, programID: l.programID}
	txErr := l.db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exec.tx = tx
		exec.logs = nil
		err := exec.dispatch(ix)
		if ledger.IsCode(err, ledger.CodeRefunded) {
			outcome = err
			return nil
		}
		return err
	})
	if txErr != nil {
		outcome = classify(txErr)
	}

	record := &Transaction{
		ID:        uuid.New().String(),
		Signature: signature,
		Method:    ix.Method(),
		Escrow:    exec.escrow,
		Status:    "SUCCESS",
		Logs:      strings.Join(exec.logs, "\n"),
	}
	if outcome != nil {
		record.Status = "FAILED"
		record.Error = outcome.Error()
	}
	if err := l.db.RecordTransaction(record); err != nil {
		log.Warn().Err(err).Str("method", ix.Method()).Msg("simulated ledger failed to record transaction")
	}

	if outcome != nil {
		return "", outcome
	}
	return signature, nil
}

func (l *Ledger) FetchEscrow(ctx context.Context, address types.PublicKey) (*ledger.EscrowRecord, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	rec, err := l.db.GetEscrow(l.db.db.WithContext(ctx), address.String())
	if err != nil {
		if isNotFound(err) {
			return nil, ledger.NewError(ledger.CodeAccountNotFound, "escrow "+address.String()+" not found")
		}
		return nil, fmt.Errorf("failed to read escrow: %w", err)
	}
	return toRecord(rec)
}

// Counts returns the number of successful calls per method
func (l *Ledger) Counts() (map[string]int64, error) {
	return l.db.CountByMethod()
}

// Transactions lists every call recorded against an escrow address
func (l *Ledger) Transactions(address types.PublicKey) ([]Transaction, error) {
	return l.db.GetTransactionsByEscrow(address.String())
}

func sign(msg []byte, required []types.PublicKey, signers []types.Keypair) ([][]byte, error) {
	sigs := make([][]byte, 0, len(required))
	for _, pk := range required {
		var sig []byte
		for _, kp := range signers {
			if kp.PublicKey() == pk {
				sig = kp.Sign(msg)
				break
			}
		}
		if sig == nil || !types.Verify(pk, msg, sig) {
			return nil, ledger.NewError(ledger.CodeMissingSigner, "missing signature for "+pk.String())
		}
		sigs = append(sigs, sig)
	}
	if len(sigs) == 0 {
		return nil, ledger.NewError(ledger.CodeMissingSigner, "transaction has no signers")
	}
	return sigs, nil
}

func classify(err error) error {
	if ledger.CodeOf(err) != "" {
		return err
	}
	return fmt.Errorf("simulated ledger: %w", err)
}

func toRecord(e *Escrow) (*ledger.EscrowRecord, error) {
	rec := &ledger.EscrowRecord{
		Seed:  uint64(e.Seed),
		Bump:  e.Bump,
		Volts: e.Volts,
		USDC:  e.USDC,
		Kind:  types.TradeKind(e.Kind),
		State: types.TradeState(e.State),
	}
	fields := []struct {
		dst *types.PublicKey
		src string
	}{
		{&rec.Address, e.Address},
		{&rec.Maker, e.Maker},
		{&rec.Platform, e.Platform},
		{&rec.MakerUSDCAccount, e.MakerUSDC},
		{&rec.PlatformUSDCAccount, e.PlatformUSDC},
		{&rec.PlatformVoltAccount, e.PlatformVolt},
		{&rec.USDCMint, e.USDCMint},
		{&rec.VoltMint, e.VoltMint},
	}
	for _, f := range fields {
		pk, err := types.ParsePublicKey(f.src)
		if err != nil {
			return nil, fmt.Errorf("corrupt escrow record %s: %w", e.Address, err)
		}
		*f.dst = pk
	}
	return rec, nil
}
