// Package config loads server settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/ksred/klear-energy-api/internal/balance"
	"github.com/ksred/klear-energy-api/internal/ledger"
	"github.com/ksred/klear-energy-api/internal/types"
)

const (
	EnvProduction = "production"

	LedgerModeRPC       = "rpc"
	LedgerModeSimulated = "simulated"
)

// Config is the process configuration
type Config struct {
	Env                  string        `env:"ENV,default=development"`
	Debug                bool          `env:"DEBUG,default=false"`
	Port                 string        `env:"PORT,default=3000"`
	MetricsAddr          string        `env:"METRICS_ADDR"`
	DatabasePath         string        `env:"DATABASE_PATH,default=klear-energy.db"`
	PlatformPrivateKey   string        `env:"PLATFORM_PRIVATE_KEY,required"`
	ProgramID            string        `env:"PROGRAM_ID,default=ESuw654Qfojyf1U14TATKTBtTc23vkdyREcD2FNuHJXT"`
	USDCMint             string        `env:"USDC_MINT"`
	VoltMint             string        `env:"VOLT_MINT"`
	LedgerMode           string        `env:"LEDGER_MODE,default=simulated"`
	LedgerRPCURL         string        `env:"LEDGER_RPC_URL"`
	LedgerCallTimeout    time.Duration `env:"LEDGER_CALL_TIMEOUT,default=30s"`
	ProvisionMaxAttempts int           `env:"PROVISION_MAX_ATTEMPTS,default=3"`
	ProvisionRetryDelay  time.Duration `env:"PROVISION_RETRY_DELAY,default=500ms"`
	BalanceAssurance     string        `env:"BALANCE_ASSURANCE"`
	JWTSecret            string        `env:"JWT_SECRET"`
	RateLimitPerMinute   int           `env:"RATE_LIMIT_PER_MINUTE,default=600"`
	ReconcileInterval    time.Duration `env:"RECONCILE_INTERVAL,default=1m"`
	AutoConfirmInterval  time.Duration `env:"AUTO_CONFIRM_INTERVAL"`
}

// Load reads envFiles (default .env) into the environment, then decodes and
// validates the configuration. Missing env files are ignored; variables
// already set in the environment win.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	return FromEnv()
}

// FromEnv decodes and validates the configuration from the process environment
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	c.LedgerMode = strings.ToLower(strings.TrimSpace(c.LedgerMode))
	c.BalanceAssurance = strings.ToLower(strings.TrimSpace(c.BalanceAssurance))
	if c.BalanceAssurance == "" {
		c.BalanceAssurance = balance.ModeMint
		if c.IsProduction() {
			c.BalanceAssurance = balance.ModeDisabled
		}
	}
}

// IsProduction reports whether ENV=production
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if _, err := c.Platform(); err != nil {
		return fmt.Errorf("invalid PLATFORM_PRIVATE_KEY: %w", err)
	}
	if _, err := types.ParsePublicKey(c.ProgramID); err != nil {
		return fmt.Errorf("invalid PROGRAM_ID: %w", err)
	}

	switch c.LedgerMode {
	case LedgerModeRPC:
		if c.LedgerRPCURL == "" {
			return errors.New("LEDGER_RPC_URL is required when LEDGER_MODE=rpc")
		}
		if c.USDCMint == "" || c.VoltMint == "" {
			return errors.New("USDC_MINT and VOLT_MINT are required when LEDGER_MODE=rpc")
		}
	case LedgerModeSimulated:
	default:
		return fmt.Errorf("unknown LEDGER_MODE %q", c.LedgerMode)
	}
	for name, value := range map[string]string{"USDC_MINT": c.USDCMint, "VOLT_MINT": c.VoltMint} {
		if value == "" {
			continue
		}
		if _, err := types.ParsePublicKey(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	switch c.BalanceAssurance {
	case balance.ModeDisabled:
	case balance.ModeMint:
		if c.IsProduction() {
			return errors.New("BALANCE_ASSURANCE=mint is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown BALANCE_ASSURANCE %q", c.BalanceAssurance)
	}

	if c.LedgerCallTimeout <= 0 {
		return errors.New("LEDGER_CALL_TIMEOUT must be positive")
	}
	if c.ProvisionMaxAttempts < 1 {
		return errors.New("PROVISION_MAX_ATTEMPTS must be at least 1")
	}
	if c.ReconcileInterval <= 0 {
		return errors.New("RECONCILE_INTERVAL must be positive")
	}
	if c.AutoConfirmInterval < 0 {
		return errors.New("AUTO_CONFIRM_INTERVAL must not be negative")
	}
	return nil
}

// Platform parses the platform keypair
func (c *Config) Platform() (types.Keypair, error) {
	return types.KeypairFromJSON(c.PlatformPrivateKey)
}

// Program parses the escrow program id
func (c *Config) Program() types.PublicKey {
	return types.MustPublicKey(c.ProgramID)
}

// Mints returns the configured mints. Unset mints are zero and left to
// the simulated ledger to assign.
func (c *Config) Mints() ledger.Mints {
	var m ledger.Mints
	if c.USDCMint != "" {
		m.USDC = types.MustPublicKey(c.USDCMint)
	}
	if c.VoltMint != "" {
		m.Volt = types.MustPublicKey(c.VoltMint)
	}
	return m
}
