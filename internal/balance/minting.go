//go:build !production

package balance

import (
	"context"
	"errors"

	"github.com/ksred/klear-energy-api/internal/fault"
	"github.com/ksred/klear-energy-api/internal/metrics"
	"github.com/ksred/klear-energy-api/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// MintingAvailable reports whether this build can top up by minting
const MintingAvailable = true

// Minting tops up shortfalls by minting the exact difference
type Minting struct {
	deps Deps
}

func NewMinting(deps Deps) (*Minting, error) {
	if deps.Ledger == nil || deps.Accounts == nil {
		return nil, errors.New("minting assurer needs a ledger and an account registry")
	}
	return &Minting{deps: deps}, nil
}

func newMinting(deps Deps) (Assurer, error) {
	return NewMinting(deps)
}

func (m *Minting) Ensure(ctx context.Context, owner, mint types.PublicKey, required decimal.Decimal) error {
	const op = "ensure_balance"
	logger := log.With().
		Str("owner", owner.String()).
		Str("mint", mint.String()).
		Str("service", "balance").
		Logger()

	account, err := m.deps.Accounts.GetOrCreate(ctx, owner, mint, false)
	if err != nil {
		return err
	}
	current, err := m.deps.Ledger.TokenBalance(ctx, account)
	if err != nil {
		return fault.Wrap(fault.BalanceAssuranceFailed, op, err)
	}
	if current.GreaterThanOrEqual(required) {
		logger.Debug().Str("balance", current.String()).Msg("balance sufficient")
		return nil
	}

	shortfall := types.ToBaseUnits(required.Sub(current))
	if !shortfall.IsPositive() {
		return nil
	}
	amount := uint64(shortfall.IntPart())
	logger.Info().
		Str("balance", current.String()).
		Str("required", required.String()).
		Uint64("mint_amount", amount).
		Msg("minting balance shortfall")

	if _, err := m.deps.Ledger.MintTo(ctx, mint, account, amount); err != nil {
		return fault.Wrap(fault.BalanceAssuranceFailed, op, err)
	}
	metrics.TopUp(mint.String())
	return nil
}
