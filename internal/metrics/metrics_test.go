package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ksred/klear-energy-api/internal/ledger"
	"github.com/ksred/klear-energy-api/internal/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLedger struct {
	ledger.Client
	err error
}

func (s stubLedger) TokenBalance(context.Context, types.PublicKey) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), s.err
}

func TestInstrumentLedgerLabelsOutcome(t *testing.T) {
	before := testutil.ToFloat64(ledgerCalls.WithLabelValues("token_balance", ledger.CodeAccountNotFound))

	c := InstrumentLedger(stubLedger{err: ledger.NewError(ledger.CodeAccountNotFound, "")})
	_, err := c.TokenBalance(context.Background(), types.PublicKey{})
	require.Error(t, err)

	after := testutil.ToFloat64(ledgerCalls.WithLabelValues("token_balance", ledger.CodeAccountNotFound))
	assert.Equal(t, before+1, after)
	assert.Equal(t, "error", outcome(errors.New("x")))
	assert.Equal(t, "ok", outcome(nil))
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveSettlement("sell_energy", "ok", 10*time.Millisecond)
	RegistryHit()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "klear_energy_settlement_operations_total"))
	assert.True(t, strings.Contains(body, "klear_energy_registry_lookups_total"))
}
