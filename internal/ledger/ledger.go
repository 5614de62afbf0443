// Package ledger describes the external ledger network the settlement
// service drives: token sub-accounts, balances, test mints, the four trade
// instructions and on-ledger escrow records.
package ledger

import (
	"context"
	"encoding/json"

	"github.com/ksred/klear-energy-api/internal/types"
	"github.com/shopspring/decimal"
)

// Client is the fixed call interface of the ledger collaborator
type Client interface {
	// GetOrCreateTokenAccount returns owner's sub-account for mint, creating
	// it when absent. Creation is idempotent at the ledger level and paid for
	// by the platform.
	GetOrCreateTokenAccount(ctx context.Context, owner, mint types.PublicKey, allowOwnerOffCurve bool) (types.PublicKey, error)

	// TokenBalance returns the balance of a token account in whole units
	TokenBalance(ctx context.Context, account types.PublicKey) (decimal.Decimal, error)

	// MintTo mints base units of mint into destination. Test networks only.
	MintTo(ctx context.Context, mint, destination types.PublicKey, amount uint64) (string, error)

	// Submit signs ix with signers, sends it and waits for confirmation
	Submit(ctx context.Context, ix Instruction, signers []types.Keypair) (string, error)

	// FetchEscrow reads the escrow record at address. A missing record is
	// reported as *Error with CodeAccountNotFound.
	FetchEscrow(ctx context.Context, address types.PublicKey) (*EscrowRecord, error)
}

// Mints are the two tokens the marketplace moves
type Mints struct {
	USDC types.PublicKey
	Volt types.PublicKey
}

// EscrowRecord is the on-ledger trade record
type EscrowRecord struct {
	Address             types.PublicKey  `json:"address"`
	Seed                uint64           `json:"seed"`
	Bump                uint8            `json:"bump"`
	Maker               types.PublicKey  `json:"maker"`
	Platform            types.PublicKey  `json:"platform"`
	MakerUSDCAccount    types.PublicKey  `json:"makerUsdcAccount"`
	PlatformUSDCAccount types.PublicKey  `json:"platformUsdcAccount"`
	PlatformVoltAccount types.PublicKey  `json:"platformVoltAccount"`
	USDCMint            types.PublicKey  `json:"usdcMint"`
	VoltMint            types.PublicKey  `json:"voltMint"`
	Volts               uint64           `json:"volts"`
	USDC                uint64           `json:"usdc"`
	Kind                types.TradeKind  `json:"kind"`
	State               types.TradeState `json:"state"`
}

// Instruction is one of the four trade operations of the ledger program
type Instruction interface {
	Method() string
	// RequiredSigners lists the keys that must sign the transaction
	RequiredSigners() []types.PublicKey
}

const (
	MethodSellEnergy     = "sell_energy"
	MethodConfirmSelling = "confirm_selling"
	MethodBuyEnergy      = "buy_energy"
	MethodConfirmBuying  = "confirm_buying"
)

// SellAccounts is the account set of sell_energy
type SellAccounts struct {
	Platform     types.PublicKey `json:"devolt"`
	Producer     types.PublicKey `json:"producer"`
	USDCMint     types.PublicKey `json:"usdcMint"`
	VoltMint     types.PublicKey `json:"voltMint"`
	ProducerUSDC types.PublicKey `json:"producerUsdcAccount"`
	PlatformUSDC types.PublicKey `json:"devoltUsdcAccount"`
	PlatformVolt types.PublicKey `json:"devoltVoltAccount"`
	Escrow       types.PublicKey `json:"devoltEscrow"`
}

// ConfirmSellAccounts is the account set of confirm_selling
type ConfirmSellAccounts struct {
	Escrow       types.PublicKey `json:"devoltEscrow"`
	Platform     types.PublicKey `json:"devolt"`
	PlatformUSDC types.PublicKey `json:"devoltUsdcAccount"`
	PlatformVolt types.PublicKey `json:"devoltVoltAccount"`
	ProducerUSDC types.PublicKey `json:"producerUsdcAccount"`
	USDCMint     types.PublicKey `json:"usdcMint"`
	VoltMint     types.PublicKey `json:"voltMint"`
}

// BuyAccounts is the account set of buy_energy
type BuyAccounts struct {
	Platform     types.PublicKey `json:"devolt"`
	Consumer     types.PublicKey `json:"consumer"`
	USDCMint     types.PublicKey `json:"usdcMint"`
	VoltMint     types.PublicKey `json:"voltMint"`
	ConsumerUSDC types.PublicKey `json:"consumerUsdcAccount"`
	PlatformUSDC types.PublicKey `json:"devoltUsdcAccount"`
	PlatformVolt types.PublicKey `json:"devoltVoltAccount"`
	Escrow       types.PublicKey `json:"devoltEscrow"`
	EscrowUSDC   types.PublicKey `json:"devoltEscrowUsdcAccount"`
}

// ConfirmBuyAccounts is the account set of confirm_buying
type ConfirmBuyAccounts struct {
	Escrow       types.PublicKey `json:"devoltEscrow"`
	Platform     types.PublicKey `json:"devolt"`
	PlatformUSDC types.PublicKey `json:"devoltUsdcAccount"`
	PlatformVolt types.PublicKey `json:"devoltVoltAccount"`
	ConsumerUSDC types.PublicKey `json:"consumerUsdcAccount"`
	EscrowUSDC   types.PublicKey `json:"devoltEscrowUsdcAccount"`
	USDCMint     types.PublicKey `json:"usdcMint"`
	VoltMint     types.PublicKey `json:"voltMint"`
}

// SellEnergy registers a pending sell at the escrow address
type SellEnergy struct {
	Seed       uint64       `json:"seed"`
	USDCAmount uint64       `json:"usdcAmount"`
	Accounts   SellAccounts `json:"accounts"`
}

func (SellEnergy) Method() string { return MethodSellEnergy }

func (ix SellEnergy) RequiredSigners() []types.PublicKey {
	return []types.PublicKey{ix.Accounts.Producer, ix.Accounts.Platform}
}

// ConfirmSelling releases the platform's USDC to the producer
type ConfirmSelling struct {
	Accounts ConfirmSellAccounts `json:"accounts"`
}

func (ConfirmSelling) Method() string { return MethodConfirmSelling }

func (ix ConfirmSelling) RequiredSigners() []types.PublicKey {
	return []types.PublicKey{ix.Accounts.Platform}
}

// BuyEnergy escrows the consumer's payment
type BuyEnergy struct {
	Seed         uint64      `json:"seed"`
	EnergyAmount uint64      `json:"energyAmount"`
	Accounts     BuyAccounts `json:"accounts"`
}

func (BuyEnergy) Method() string { return MethodBuyEnergy }

func (ix BuyEnergy) RequiredSigners() []types.PublicKey {
	return []types.PublicKey{ix.Accounts.Consumer, ix.Accounts.Platform}
}

// ConfirmBuying moves the escrowed payment to the platform
type ConfirmBuying struct {
	Accounts ConfirmBuyAccounts `json:"accounts"`
}

func (ConfirmBuying) Method() string { return MethodConfirmBuying }

func (ix ConfirmBuying) RequiredSigners() []types.PublicKey {
	return []types.PublicKey{ix.Accounts.Platform}
}

// SigningMessage is the canonical byte string every signer signs
func SigningMessage(ix Instruction) ([]byte, error) {
	return json.Marshal(struct {
		Method      string      `json:"method"`
		Instruction Instruction `json:"instruction"`
	}{
		Method:      ix.Method(),
		Instruction: ix,
	})
}
