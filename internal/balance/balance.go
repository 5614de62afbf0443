// Package balance tops up token balances ahead of a trade on test networks.
package balance

import (
	"context"
	"fmt"

	"github.com/ksred/klear-energy-api/internal/types"
	"github.com/shopspring/decimal"
)

const (
	ModeDisabled = "disabled"
	ModeMint     = "mint"
)

// Assurer guarantees owner holds at least required units of mint
type Assurer interface {
	Ensure(ctx context.Context, owner, mint types.PublicKey, required decimal.Decimal) error
}

// Noop is the production strategy: balances are the parties' concern
type Noop struct{}

func (Noop) Ensure(context.Context, types.PublicKey, types.PublicKey, decimal.Decimal) error {
	return nil
}

// New builds the assurer for mode. Minting is only available in builds
// without the production tag.
func New(mode string, deps Deps) (Assurer, error) {
	switch mode {
	case "", ModeDisabled:
		return Noop{}, nil
	case ModeMint:
		return newMinting(deps)
	default:
		return nil, fmt.Errorf("unknown balance assurance mode %q", mode)
	}
}
