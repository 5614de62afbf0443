// Package registry resolves and caches the token sub-accounts parties need
// for each mint.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/ksred/klear-energy-api/internal/fault"
	"github.com/ksred/klear-energy-api/internal/ledger"
	"github.com/ksred/klear-energy-api/internal/metrics"
	"github.com/ksred/klear-energy-api/internal/types"
	"github.com/ksred/klear-energy-api/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Key identifies a token account by owner and mint
type Key struct {
	Owner types.PublicKey
	Mint  types.PublicKey
}

func (k Key) String() string { return k.Owner.String() + ":" + k.Mint.String() }

// Registry caches token account addresses for the life of the process.
// Concurrent first uses of a key share a single creation call.
type Registry struct {
	ledger ledger.Client
	policy retry.Policy

	mu    sync.RWMutex
	cache map[Key]types.PublicKey
	group singleflight.Group
}

func New(client ledger.Client, policy retry.Policy) *Registry {
	return &Registry{
		ledger: client,
		policy: policy,
		cache:  make(map[Key]types.PublicKey),
	}
}

// Prime seeds a known account, typically the platform's own
func (r *Registry) Prime(owner, mint, address types.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[Key{Owner: owner, Mint: mint}] = address
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func (r *Registry) lookup(k Key) (types.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.cache[k]
	return addr, ok
}

// GetOrCreate returns owner's account for mint, creating it on the ledger
// on first use. Failures leave the cache untouched. The shared creation is
// detached from any one caller's cancellation; each caller stops waiting when
// its own ctx is done.
func (r *Registry) GetOrCreate(ctx context.Context, owner, mint types.PublicKey, allowOffCurve bool) (types.PublicKey, error) {
	k := Key{Owner: owner, Mint: mint}
	if addr, ok := r.lookup(k); ok {
		metrics.RegistryHit()
		return addr, nil
	}
	metrics.RegistryMiss()

	flight := context.WithoutCancel(ctx)
	ch := r.group.DoChan(k.String(), func() (interface{}, error) {
		if addr, ok := r.lookup(k); ok {
			return addr, nil
		}
		logger := log.With().
			Str("owner", owner.String()).
			Str("mint", mint.String()).
			Str("service", "registry").
			Logger()

		var addr types.PublicKey
		err := retry.Do(flight, r.withLogging(logger), func(ctx context.Context) error {
			created, err := r.ledger.GetOrCreateTokenAccount(ctx, owner, mint, allowOffCurve)
			if err != nil {
				return fault.Wrap(fault.ProvisioningFailed, "get_or_create_token_account", err)
			}
			addr = created
			return nil
		})
		if err != nil {
			logger.Error().Err(err).Msg("failed to provision token account")
			return nil, err
		}

		r.mu.Lock()
		r.cache[k] = addr
		r.mu.Unlock()

		logger.Debug().Str("account", addr.String()).Msg("token account provisioned")
		return addr, nil
	})

	select {
	case <-ctx.Done():
		return types.PublicKey{}, fault.Wrap(fault.ProvisioningFailed, "get_or_create_token_account", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return types.PublicKey{}, res.Err
		}
		if res.Shared {
			log.Debug().Str("key", k.String()).Msg("shared in-flight token account creation")
		}
		return res.Val.(types.PublicKey), nil
	}
}

func (r *Registry) withLogging(logger zerolog.Logger) retry.Policy {
	policy := r.policy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("token account provisioning failed, retrying")
	}
	return policy
}
