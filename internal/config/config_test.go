package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/klear-energy-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keys = []string{
	"ENV", "DEBUG", "PORT", "METRICS_ADDR", "DATABASE_PATH", "PLATFORM_PRIVATE_KEY",
	"PROGRAM_ID", "USDC_MINT", "VOLT_MINT", "LEDGER_MODE", "LEDGER_RPC_URL",
	"LEDGER_CALL_TIMEOUT", "PROVISION_MAX_ATTEMPTS", "PROVISION_RETRY_DELAY",
	"BALANCE_ASSURANCE", "JWT_SECRET", "RATE_LIMIT_PER_MINUTE", "RECONCILE_INTERVAL",
	"AUTO_CONFIRM_INTERVAL",
}

// clearEnv unsets every config variable for the duration of the test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		k := k
		if v, ok := os.LookupEnv(k); ok {
			t.Cleanup(func() { os.Setenv(k, v) })
		} else {
			t.Cleanup(func() { os.Unsetenv(k) })
		}
		require.NoError(t, os.Unsetenv(k))
	}
}

func platformKey(t *testing.T) string {
	t.Helper()
	kp, err := types.GenerateKeypair()
	require.NoError(t, err)
	raw, err := json.Marshal(types.IntsFromBytes(kp.Bytes()))
	require.NoError(t, err)
	return string(raw)
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("PLATFORM_PRIVATE_KEY", platformKey(t))

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Env)
	assert.False(t, cfg.Debug)
	assert.Equal(t, "3000", cfg.Port)
	assert.Equal(t, "klear-energy.db", cfg.DatabasePath)
	assert.Equal(t, LedgerModeSimulated, cfg.LedgerMode)
	assert.Equal(t, 30*time.Second, cfg.LedgerCallTimeout)
	assert.Equal(t, 3, cfg.ProvisionMaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.ProvisionRetryDelay)
	assert.Equal(t, "mint", cfg.BalanceAssurance)
	assert.Equal(t, 600, cfg.RateLimitPerMinute)
	assert.Equal(t, time.Minute, cfg.ReconcileInterval)
	assert.Zero(t, cfg.AutoConfirmInterval)
	assert.Equal(t, "ESuw654Qfojyf1U14TATKTBtTc23vkdyREcD2FNuHJXT", cfg.Program().String())
	assert.True(t, cfg.Mints().USDC.IsZero())
}

func TestProductionDefaultsToNoAssurance(t *testing.T) {
	clearEnv(t)
	t.Setenv("PLATFORM_PRIVATE_KEY", platformKey(t))
	t.Setenv("ENV", "Production")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "disabled", cfg.BalanceAssurance)
}

func TestValidationFailures(t *testing.T) {
	usdc, err := types.GenerateKeypair()
	require.NoError(t, err)

	cases := map[string]map[string]string{
		"missing key":         {},
		"short key":           {"PLATFORM_PRIVATE_KEY": "[1,2,3]"},
		"mint in production":  {"ENV": "production", "BALANCE_ASSURANCE": "mint"},
		"unknown assurance":   {"BALANCE_ASSURANCE": "airdrop"},
		"unknown ledger mode": {"LEDGER_MODE": "devnet"},
		"rpc without url":     {"LEDGER_MODE": "rpc", "USDC_MINT": usdc.PublicKey().String(), "VOLT_MINT": usdc.PublicKey().String()},
		"rpc without mints":   {"LEDGER_MODE": "rpc", "LEDGER_RPC_URL": "http://localhost:8899"},
		"bad mint":            {"USDC_MINT": "not-base58-0OIl"},
		"bad program":         {"PROGRAM_ID": "abc"},
		"zero timeout":        {"LEDGER_CALL_TIMEOUT": "0s"},
		"bad duration":        {"RECONCILE_INTERVAL": "soon"},
		"zero attempts":       {"PROVISION_MAX_ATTEMPTS": "0"},
		"negative interval":   {"AUTO_CONFIRM_INTERVAL": "-30s"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			if name != "missing key" {
				t.Setenv("PLATFORM_PRIVATE_KEY", platformKey(t))
			}
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestRPCMode(t *testing.T) {
	clearEnv(t)
	usdc, err := types.GenerateKeypair()
	require.NoError(t, err)
	volt, err := types.GenerateKeypair()
	require.NoError(t, err)

	t.Setenv("PLATFORM_PRIVATE_KEY", platformKey(t))
	t.Setenv("LEDGER_MODE", "RPC")
	t.Setenv("LEDGER_RPC_URL", "http://localhost:8899")
	t.Setenv("USDC_MINT", usdc.PublicKey().String())
	t.Setenv("VOLT_MINT", volt.PublicKey().String())
	t.Setenv("BALANCE_ASSURANCE", "disabled")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, LedgerModeRPC, cfg.LedgerMode)
	assert.Equal(t, usdc.PublicKey(), cfg.Mints().USDC)
	assert.Equal(t, volt.PublicKey(), cfg.Mints().Volt)

	platform, err := cfg.Platform()
	require.NoError(t, err)
	assert.False(t, platform.IsZero())
}

func TestLoadReadsEnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	content := "PLATFORM_PRIVATE_KEY=" + platformKey(t) + "\nPORT=4100\nDEBUG=true\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "4100", cfg.Port)
	assert.True(t, cfg.Debug)
}

func TestLoadIgnoresMissingEnvFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("PLATFORM_PRIVATE_KEY", platformKey(t))

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}
