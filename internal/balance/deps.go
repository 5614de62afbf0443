package balance

import (
	"context"

	"github.com/ksred/klear-energy-api/internal/ledger"
	"github.com/ksred/klear-energy-api/internal/types"
)

// Accounts resolves token accounts; satisfied by *registry.Registry
type Accounts interface {
	GetOrCreate(ctx context.Context, owner, mint types.PublicKey, allowOffCurve bool) (types.PublicKey, error)
}

type Deps struct {
	Ledger   ledger.Client
	Accounts Accounts
}
