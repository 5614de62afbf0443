package metrics

import (
	"context"
	"time"

	"github.com/ksred/klear-energy-api/internal/ledger"
	"github.com/ksred/klear-energy-api/internal/types"
	"github.com/shopspring/decimal"
)

type instrumentedLedger struct {
	next ledger.Client
}

// InstrumentLedger counts and times every call made through next
func InstrumentLedger(next ledger.Client) ledger.Client {
	return &instrumentedLedger{next: next}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := ledger.CodeOf(err); code != "" {
		return code
	}
	return "error"
}

func (l *instrumentedLedger) GetOrCreateTokenAccount(ctx context.Context, owner, mint types.PublicKey, allowOwnerOffCurve bool) (types.PublicKey, error) {
	start := time.Now()
	addr, err := l.next.GetOrCreateTokenAccount(ctx, owner, mint, allowOwnerOffCurve)
	ObserveLedgerCall("get_or_create_token_account", outcome(err), time.Since(start))
	return addr, err
}

func (l *instrumentedLedger) TokenBalance(ctx context.Context, account types.PublicKey) (decimal.Decimal, error) {
	start := time.Now()
	bal, err := l.next.TokenBalance(ctx, account)
	ObserveLedgerCall("token_balance", outcome(err), time.Since(start))
	return bal, err
}

func (l *instrumentedLedger) MintTo(ctx context.Context, mint, destination types.PublicKey, amount uint64) (string, error) {
	start := time.Now()
	sig, err := l.next.MintTo(ctx, mint, destination, amount)
	ObserveLedgerCall("mint_to", outcome(err), time.Since(start))
	return sig, err
}

func (l *instrumentedLedger) Submit(ctx context.Context, ix ledger.Instruction, signers []types.Keypair) (string, error) {
	start := time.Now()
	sig, err := l.next.Submit(ctx, ix, signers)
	ObserveLedgerCall(ix.Method(), outcome(err), time.Since(start))
	return sig, err
}

func (l *instrumentedLedger) FetchEscrow(ctx context.Context, address types.PublicKey) (*ledger.EscrowRecord, error) {
	start := time.Now()
	rec, err := l.next.FetchEscrow(ctx, address)
	ObserveLedgerCall("fetch_escrow", outcome(err), time.Since(start))
	return rec, err
}
