package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ksred/klear-energy-api/internal/fault"
	"github.com/ksred/klear-energy-api/internal/ledger"
	"github.com/ksred/klear-energy-api/internal/types"
	"github.com/ksred/klear-energy-api/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockLedger struct {
	ledger.Client
	mock.Mock
}

func (m *mockLedger) GetOrCreateTokenAccount(ctx context.Context, owner, mint types.PublicKey, allowOwnerOffCurve bool) (types.PublicKey, error) {
	args := m.Called(owner, mint, allowOwnerOffCurve)
	return args.Get(0).(types.PublicKey), args.Error(1)
}

// countingLedger creates accounts slowly so concurrent callers overlap
type countingLedger struct {
	ledger.Client
	calls int32
	delay time.Duration
}

func (c *countingLedger) GetOrCreateTokenAccount(ctx context.Context, owner, mint types.PublicKey, _ bool) (types.PublicKey, error) {
	atomic.AddInt32(&c.calls, 1)
	time.Sleep(c.delay)
	var addr types.PublicKey
	copy(addr[:16], owner[:16])
	copy(addr[16:], mint[:16])
	return addr, nil
}

// gatedLedger holds every creation until release is closed
type gatedLedger struct {
	ledger.Client
	calls   int32
	started chan struct{}
	release chan struct{}
}

func (g *gatedLedger) GetOrCreateTokenAccount(ctx context.Context, owner, _ types.PublicKey, _ bool) (types.PublicKey, error) {
	if atomic.AddInt32(&g.calls, 1) == 1 {
		close(g.started)
	}
	select {
	case <-ctx.Done():
		return types.PublicKey{}, ctx.Err()
	case <-g.release:
		return owner, nil
	}
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func key(t *testing.T) types.PublicKey {
	t.Helper()
	kp, err := types.GenerateKeypair()
	require.NoError(t, err)
	return kp.PublicKey()
}

func TestConcurrentFirstUseCreatesOnce(t *testing.T) {
	l := &countingLedger{delay: 50 * time.Millisecond}
	r := New(l, testPolicy())
	owner, mint := key(t), key(t)

	const n = 20
	results := make([]types.PublicKey, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr, err := r.GetOrCreate(context.Background(), owner, mint, false)
			assert.NoError(t, err)
			results[i] = addr
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&l.calls))
	for _, addr := range results {
		assert.Equal(t, results[0], addr)
	}
	assert.Equal(t, 1, r.Len())
}

func TestCancelledCallerDoesNotFailSharedCreation(t *testing.T) {
	l := &gatedLedger{started: make(chan struct{}), release: make(chan struct{})}
	r := New(l, testPolicy())
	owner, mint := key(t), key(t)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := r.GetOrCreate(leaderCtx, owner, mint, false)
		leaderErr <- err
	}()
	<-l.started

	type result struct {
		addr types.PublicKey
		err  error
	}
	follower := make(chan result, 1)
	go func() {
		addr, err := r.GetOrCreate(context.Background(), owner, mint, false)
		follower <- result{addr, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	err := <-leaderErr
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, fault.Is(err, fault.ProvisioningFailed))

	close(l.release)
	got := <-follower
	require.NoError(t, got.err)
	assert.Equal(t, owner, got.addr)
	assert.Equal(t, int32(1), atomic.LoadInt32(&l.calls))
	assert.Equal(t, 1, r.Len())
}

func TestDifferentKeysProceedIndependently(t *testing.T) {
	l := &countingLedger{}
	r := New(l, testPolicy())
	mint := key(t)

	a, err := r.GetOrCreate(context.Background(), key(t), mint, false)
	require.NoError(t, err)
	b, err := r.GetOrCreate(context.Background(), key(t), mint, false)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, int32(2), atomic.LoadInt32(&l.calls))
	assert.Equal(t, 2, r.Len())
}

func TestCacheHitSkipsLedger(t *testing.T) {
	m := &mockLedger{}
	owner, mint, addr := key(t), key(t), key(t)
	m.On("GetOrCreateTokenAccount", owner, mint, false).Return(addr, nil).Once()

	r := New(m, testPolicy())
	for i := 0; i < 3; i++ {
		got, err := r.GetOrCreate(context.Background(), owner, mint, false)
		require.NoError(t, err)
		assert.Equal(t, addr, got)
	}
	m.AssertNumberOfCalls(t, "GetOrCreateTokenAccount", 1)
}

func TestPrimeSeedsCache(t *testing.T) {
	m := &mockLedger{}
	owner, mint, addr := key(t), key(t), key(t)

	r := New(m, testPolicy())
	r.Prime(owner, mint, addr)

	got, err := r.GetOrCreate(context.Background(), owner, mint, false)
	require.NoError(t, err)
	assert.Equal(t, addr, got)
	m.AssertNotCalled(t, "GetOrCreateTokenAccount", owner, mint, false)
}

func TestTransientFailureIsRetried(t *testing.T) {
	m := &mockLedger{}
	owner, mint, addr := key(t), key(t), key(t)
	m.On("GetOrCreateTokenAccount", owner, mint, true).
		Return(types.PublicKey{}, ledger.NewError(ledger.CodeUnavailable, "busy")).Once()
	m.On("GetOrCreateTokenAccount", owner, mint, true).Return(addr, nil).Once()

	got, err := New(m, testPolicy()).GetOrCreate(context.Background(), owner, mint, true)
	require.NoError(t, err)
	assert.Equal(t, addr, got)
	m.AssertExpectations(t)
}

func TestFailureLeavesCacheUntouched(t *testing.T) {
	m := &mockLedger{}
	owner, mint := key(t), key(t)
	m.On("GetOrCreateTokenAccount", owner, mint, false).
		Return(types.PublicKey{}, errors.New("rejected"))

	r := New(m, testPolicy())
	_, err := r.GetOrCreate(context.Background(), owner, mint, false)
	require.Error(t, err)
	assert.Equal(t, fault.ProvisioningFailed, fault.KindOf(err))
	assert.Equal(t, 0, r.Len())
	m.AssertNumberOfCalls(t, "GetOrCreateTokenAccount", 3)
}

func TestTimeoutIsClassified(t *testing.T) {
	m := &mockLedger{}
	owner, mint := key(t), key(t)
	m.On("GetOrCreateTokenAccount", owner, mint, false).
		Return(types.PublicKey{}, context.DeadlineExceeded)

	_, err := New(m, retry.Policy{MaxAttempts: 1}).GetOrCreate(context.Background(), owner, mint, false)
	assert.Equal(t, fault.LedgerTimeout, fault.KindOf(err))
}
