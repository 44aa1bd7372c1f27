package lock

import (
	"context"
	"fmt"
	"time"

	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/types"
)

// Lease is a held guard. Holders may crash, so a lease is only valid until
// ExpiresAt; Release after expiry is a no-op, not an error.
type Lease struct {
	Key        string
	OwnerToken string
	ExpiresAt  time.Time
}

// Expired reports whether the lease TTL has passed.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Manager is a leased, TTL-based mutual exclusion primitive. Acquire on a
// held key returns ErrBusy; callers treat that as "already being handled
// elsewhere" and return success without action.
type Manager interface {
	// Acquire takes the lease for key, or fails with ErrBusy if it is held
	// by a live owner.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)

	// Renew extends a held lease's TTL. Fails with ErrNotFound if the lease
	// expired or the key was taken over by another owner.
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) error

	// Release gives the lease up. Releasing an expired or stolen lease is a
	// no-op.
	Release(ctx context.Context, lease *Lease) error
}

// Key builds a guard key scoped by tenant, environment and the contended
// resource, e.g. a customer's feature or product.
func Key(ctx context.Context, parts ...string) string {
	key := fmt.Sprintf("guard:%s:%s", types.GetTenantID(ctx), types.GetEnvironmentID(ctx))
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// ErrBusyForKey builds the benign busy error for a key.
func ErrBusyForKey(key string) error {
	return ierr.NewError("guard held for key").
		WithHint("The operation is already being handled by another request").
		WithReportableDetails(map[string]any{
			"key": key,
		}).
		Mark(ierr.ErrBusy)
}
