package ledger

import (
	"context"
	"time"

	"github.com/ksred/klear-energy-api/internal/types"
	"github.com/shopspring/decimal"
)

// DefaultCallTimeout bounds a single ledger call
const DefaultCallTimeout = 30 * time.Second

type timeoutClient struct {
	next    Client
	timeout time.Duration
}

// WithTimeout bounds every call to next by d. A deadline hit surfaces as
// context.DeadlineExceeded in the returned error chain.
func WithTimeout(next Client, d time.Duration) Client {
	if d <= 0 {
		d = DefaultCallTimeout
	}
	return &timeoutClient{next: next, timeout: d}
}

func (c *timeoutClient) GetOrCreateTokenAccount(ctx context.Context, owner, mint types.PublicKey, allowOwnerOffCurve bool) (types.PublicKey, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.GetOrCreateTokenAccount(ctx, owner, mint, allowOwnerOffCurve)
}

func (c *timeoutClient) TokenBalance(ctx context.Context, account types.PublicKey) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.TokenBalance(ctx, account)
}

func (c *timeoutClient) MintTo(ctx context.Context, mint, destination types.PublicKey, amount uint64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.MintTo(ctx, mint, destination, amount)
}

func (c *timeoutClient) Submit(ctx context.Context, ix Instruction, signers []types.Keypair) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.Submit(ctx, ix, signers)
}

func (c *timeoutClient) FetchEscrow(ctx context.Context, address types.PublicKey) (*EscrowRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.FetchEscrow(ctx, address)
}
