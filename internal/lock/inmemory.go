package lock

import (
	"context"
	"sync"
	"time"

	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/types"
	goCache "github.com/patrickmn/go-cache"
)

// InMemoryManager implements Manager on a TTL cache. Add is set-if-absent,
// which gives the single-process mutual exclusion the guard needs; a
// multi-node deployment swaps in the postgres-backed manager.
type InMemoryManager struct {
	mu     sync.Mutex
	leases *goCache.Cache
	logger *logger.Logger
}

// NewInMemoryManager creates a new in-process lease manager
func NewInMemoryManager(log *logger.Logger) *InMemoryManager {
	return &InMemoryManager{
		leases: goCache.New(goCache.NoExpiration, time.Minute),
		logger: log,
	}
}

func (m *InMemoryManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease := &Lease{
		Key:        key,
		OwnerToken: types.GenerateUUIDWithPrefix(types.UUIDPrefixGuardLease),
		ExpiresAt:  time.Now().UTC().Add(ttl),
	}

	if err := m.leases.Add(key, lease, ttl); err != nil {
		m.logger.Debugw("guard busy", "key", key)
		return nil, ErrBusyForKey(key)
	}

	return lease, nil
}

func (m *InMemoryManager) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, found := m.leases.Get(lease.Key)
	if !found {
		return ErrLeaseLost(lease.Key)
	}
	held, ok := current.(*Lease)
	if !ok || held.OwnerToken != lease.OwnerToken {
		return ErrLeaseLost(lease.Key)
	}

	lease.ExpiresAt = time.Now().UTC().Add(ttl)
	m.leases.Set(lease.Key, lease, ttl)
	return nil
}

func (m *InMemoryManager) Release(ctx context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, found := m.leases.Get(lease.Key)
	if !found {
		// Already expired, nothing to do
		return nil
	}
	held, ok := current.(*Lease)
	if !ok || held.OwnerToken != lease.OwnerToken {
		// Taken over by another owner after expiry
		return nil
	}

	m.leases.Delete(lease.Key)
	return nil
}
