package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ksred/klear-energy-api/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConflictingAddress(t *testing.T) {
	addr := "7Xq9h1fG3m5JpWbRk2sNvYcT8dL4eA6uQz1oPiMnBx3K"
	err := fmt.Errorf("submit: %w", NewError(CodeAccountInUse, "in use",
		"Program log: Instruction: SellEnergy",
		AllocateInUseLog(addr),
	))

	got, ok := ConflictingAddress(err)
	require.True(t, ok)
	assert.Equal(t, addr, got)
	assert.Equal(t, CodeAccountInUse, CodeOf(err))

	_, ok = ConflictingAddress(NewError(CodeRejected, "no logs"))
	assert.False(t, ok)
	_, ok = ConflictingAddress(errors.New("plain"))
	assert.False(t, ok)
}

func TestSigningMessageIsStable(t *testing.T) {
	kp, err := types.GenerateKeypair()
	require.NoError(t, err)
	ix := ConfirmBuying{Accounts: ConfirmBuyAccounts{Platform: kp.PublicKey()}}

	first, err := SigningMessage(ix)
	require.NoError(t, err)
	second, err := SigningMessage(ix)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Contains(t, string(first), `"method":"confirm_buying"`)
	assert.Equal(t, []types.PublicKey{kp.PublicKey()}, ix.RequiredSigners())
}

type slowClient struct {
	Client
}

func (slowClient) TokenBalance(ctx context.Context, _ types.PublicKey) (decimal.Decimal, error) {
	<-ctx.Done()
	return decimal.Zero, ctx.Err()
}

func TestWithTimeoutBoundsCalls(t *testing.T) {
	c := WithTimeout(slowClient{}, 10*time.Millisecond)

	start := time.Now()
	_, err := c.TokenBalance(context.Background(), types.PublicKey{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
