package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ksred/klear-energy-api/internal/fault"
	"github.com/stretchr/testify/assert"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fault.New(fault.ProvisioningFailed, "create", "busy")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		return fault.New(fault.InvalidInput, "create", "bad owner")
	})
	assert.Equal(t, fault.InvalidInput, fault.KindOf(err))
	assert.Equal(t, 1, calls)
}

func TestDoRespectsAttemptBudget(t *testing.T) {
	calls := 0
	var retried []int
	p := fastPolicy(4)
	p.OnRetry = func(attempt int, err error, delay time.Duration) { retried = append(retried, attempt) }
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return fault.New(fault.LedgerTimeout, "create", "slow")
	})
	assert.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []int{1, 2, 3}, retried)
}

func TestDoStopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := Policy{MaxAttempts: 10, BaseDelay: time.Hour}
	err := Do(ctx, p, func(ctx context.Context) error {
		calls++
		cancel()
		return fault.New(fault.ProvisioningFailed, "create", "busy")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCustomShouldRetry(t *testing.T) {
	sentinel := errors.New("again")
	calls := 0
	p := fastPolicy(2)
	p.ShouldRetry = func(err error) bool { return errors.Is(err, sentinel) }
	_ = Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return sentinel
	})
	assert.Equal(t, 2, calls)
}

func TestDelayIsCapped(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	assert.Equal(t, time.Second, p.delay(1))
	assert.Equal(t, 2*time.Second, p.delay(2))
	assert.Equal(t, 3*time.Second, p.delay(3))
	assert.Equal(t, 3*time.Second, p.delay(8))
}
