// Package executor submits the four trade instructions with the right
// signers. It does not retry submissions that move funds.
package executor

import (
	"context"

	"github.com/ksred/klear-energy-api/internal/fault"
	"github.com/ksred/klear-energy-api/internal/ledger"
	"github.com/ksred/klear-energy-api/internal/types"
	"github.com/ksred/klear-energy-api/pkg/retry"
	"github.com/rs/zerolog/log"
)

type Executor struct {
	ledger   ledger.Client
	platform types.Keypair
	reads    retry.Policy
}

// New creates an executor signing as platform. reads bounds the retry of
// escrow lookups.
func New(client ledger.Client, platform types.Keypair, reads retry.Policy) *Executor {
	return &Executor{ledger: client, platform: platform, reads: reads}
}

func (e *Executor) Platform() types.PublicKey { return e.platform.PublicKey() }

func (e *Executor) submit(ctx context.Context, ix ledger.Instruction, signers ...types.Keypair) (string, error) {
	logger := log.With().Str("method", ix.Method()).Str("service", "executor").Logger()

	txID, err := e.ledger.Submit(ctx, ix, append(signers, e.platform))
	if err != nil {
		logger.Debug().Err(err).Msg("instruction failed")
		return "", err
	}
	logger.Debug().Str("transaction_id", txID).Msg("instruction confirmed")
	return txID, nil
}

// InitiateSell registers a pending sell of usdc at the escrow address
func (e *Executor) InitiateSell(ctx context.Context, producer types.Keypair, seed, usdc uint64, accounts ledger.SellAccounts) (string, error) {
	return e.submit(ctx, ledger.SellEnergy{Seed: seed, USDCAmount: usdc, Accounts: accounts}, producer)
}

func (e *Executor) ConfirmSell(ctx context.Context, accounts ledger.ConfirmSellAccounts) (string, error) {
	return e.submit(ctx, ledger.ConfirmSelling{Accounts: accounts})
}

// InitiateBuy escrows the consumer's payment for energy units
func (e *Executor) InitiateBuy(ctx context.Context, consumer types.Keypair, seed, energy uint64, accounts ledger.BuyAccounts) (string, error) {
	return e.submit(ctx, ledger.BuyEnergy{Seed: seed, EnergyAmount: energy, Accounts: accounts}, consumer)
}

func (e *Executor) ConfirmBuy(ctx context.Context, accounts ledger.ConfirmBuyAccounts) (string, error) {
	return e.submit(ctx, ledger.ConfirmBuying{Accounts: accounts})
}

// FetchTrade reads the on-ledger escrow record. Timeouts are retried; a
// missing record is returned as is.
func (e *Executor) FetchTrade(ctx context.Context, escrow types.PublicKey) (*ledger.EscrowRecord, error) {
	var rec *ledger.EscrowRecord
	err := retry.Do(ctx, e.reads, func(ctx context.Context) error {
		r, err := e.ledger.FetchEscrow(ctx, escrow)
		if err != nil {
			if ledger.IsCode(err, ledger.CodeUnavailable) {
				return fault.Wrap(fault.LedgerTimeout, "fetch_escrow", err)
			}
			return err
		}
		rec = r
		return nil
	})
	return rec, err
}
