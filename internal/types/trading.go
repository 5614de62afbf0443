package types

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// TradeKind identifies which leg of the marketplace a trade belongs to
type TradeKind string

const (
	TradeSell TradeKind = "SELL"
	TradeBuy  TradeKind = "BUY"
)

// TradeState is the on-ledger lifecycle state of an escrow
type TradeState string

const (
	StatePending   TradeState = "PENDING"
	StateConfirmed TradeState = "CONFIRMED"
	StateRefunded  TradeState = "REFUNDED"
)

// IsTerminal reports whether no transition leaves the state
func (s TradeState) IsTerminal() bool {
	return s == StateConfirmed || s == StateRefunded
}

// CanTransition reports whether the state machine allows from -> to
func (s TradeState) CanTransition(to TradeState) bool {
	return s == StatePending && to.IsTerminal()
}

// Token amounts are u64 whole units on the ledger, scaled to base units with
// six decimals.
const (
	TokenDecimals     = 6
	BaseUnitsPerToken = 1_000_000
	VoltsPerUSDC      = 100

	// MaxTokenAmount keeps every derived base-unit figure inside int64
	MaxTokenAmount uint64 = math.MaxInt64 / (VoltsPerUSDC * BaseUnitsPerToken)
)

// VoltsForUSDC converts a sell amount into the energy tokens minted on confirm
func VoltsForUSDC(usdc uint64) uint64 { return usdc * VoltsPerUSDC }

// USDCForVolts converts a buy amount into the payment escrowed from the consumer
func USDCForVolts(volts uint64) uint64 { return volts / VoltsPerUSDC }

// ToBaseUnits scales a whole-unit amount to the token's smallest unit
func ToBaseUnits(amount decimal.Decimal) decimal.Decimal {
	return amount.Shift(TokenDecimals).Floor()
}

// FromBaseUnits converts a base-unit amount to whole units
func FromBaseUnits(base uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(base), -TokenDecimals)
}

// Trade is the working state of one trade during a settlement call
type Trade struct {
	Seed         uint64          `json:"seed"`
	Initiator    PublicKey       `json:"initiator"`
	Counterparty PublicKey       `json:"counterparty"`
	Kind         TradeKind       `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	Escrow       PublicKey       `json:"escrow"`
	State        TradeState      `json:"state"`
}
