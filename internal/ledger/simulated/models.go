package simulated

import (
	"time"
)

type Mint struct {
	Address   string `gorm:"primaryKey"`
	Authority string
	Decimals  int
	Supply    uint64
	CreatedAt time.Time
}

func (Mint) TableName() string { return "sim_mints" }

type TokenAccount struct {
	Address   string `gorm:"primaryKey"`
	Owner     string `gorm:"index:idx_sim_owner_mint,unique"`
	Mint      string `gorm:"index:idx_sim_owner_mint,unique"`
	Amount    uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (TokenAccount) TableName() string { return "sim_token_accounts" }

type Escrow struct {
	Address      string `gorm:"primaryKey"`
	Seed         int64 // bit pattern of the u64 seed
	Bump         uint8
	Maker        string `gorm:"index"`
	Platform     string
	MakerUSDC    string
	PlatformUSDC string // escrow token account for buys
	PlatformVolt string
	USDCMint     string
	VoltMint     string
	Volts        uint64
	USDC         uint64
	Kind         string
	State        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (Escrow) TableName() string { return "sim_escrows" }

// Transaction is one processed call, successful or not
type Transaction struct {
	ID        string `gorm:"primaryKey"`
	Signature string `gorm:"index"`
	Method    string `gorm:"index"`
	Escrow    string `gorm:"index"`
	Status    string // SUCCESS, FAILED
	Error     string
	Logs      string
	CreatedAt time.Time
}

func (Transaction) TableName() string { return "sim_transactions" }

// Models lists the tables the simulator needs migrated
func Models() []interface{} {
	return []interface{}{&Mint{}, &TokenAccount{}, &Escrow{}, &Transaction{}}
}
