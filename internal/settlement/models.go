package settlement

import (
	"context"

	"github.com/ksred/klear-energy-api/internal/balance"
	"github.com/ksred/klear-energy-api/internal/escrow"
	"github.com/ksred/klear-energy-api/internal/executor"
	"github.com/ksred/klear-energy-api/internal/journal"
	"github.com/ksred/klear-energy-api/internal/ledger"
	"github.com/ksred/klear-energy-api/internal/types"
	"github.com/shopspring/decimal"
)

type SellEnergyRequest struct {
	ProducerSecret []byte
	Seed           uint64
	USDCAmount     decimal.Decimal
}

type BuyEnergyRequest struct {
	ConsumerSecret []byte
	Seed           uint64
	EnergyAmount   decimal.Decimal
}

// Accounts resolves token accounts; satisfied by *registry.Registry
type Accounts interface {
	GetOrCreate(ctx context.Context, owner, mint types.PublicKey, allowOffCurve bool) (types.PublicKey, error)
}

// Deps wires the service. Journal may be nil.
type Deps struct {
	Ledger   ledger.Client
	Deriver  *escrow.Deriver
	Accounts Accounts
	Assurer  balance.Assurer
	Executor *executor.Executor
	Journal  *journal.Journal
	Mints    ledger.Mints
}
