package lock

import (
	"context"
	"time"

	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/postgres"
	"github.com/meterline/meterline/internal/types"
)

// ErrLeaseLost builds the error returned when a renewed lease expired or was
// taken over by another owner.
func ErrLeaseLost(key string) error {
	return ierr.NewError("lease lost").
		WithHint("The guard lease expired or was taken over").
		WithReportableDetails(map[string]any{
			"key": key,
		}).
		Mark(ierr.ErrNotFound)
}

// PostgresManager implements Manager on a guard_leases table so the guard
// holds across processes. The upsert only steals a row whose lease already
// expired, making acquisition a single atomic statement.
type PostgresManager struct {
	db     postgres.IClient
	logger *logger.Logger
}

// NewPostgresManager creates a new database-backed lease manager
func NewPostgresManager(db postgres.IClient, log *logger.Logger) *PostgresManager {
	return &PostgresManager{db: db, logger: log}
}

const acquireQuery = `
INSERT INTO guard_leases (key, owner_token, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE
SET owner_token = EXCLUDED.owner_token, expires_at = EXCLUDED.expires_at
WHERE guard_leases.expires_at <= NOW()
RETURNING owner_token`

func (m *PostgresManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	lease := &Lease{
		Key:        key,
		OwnerToken: types.GenerateUUIDWithPrefix(types.UUIDPrefixGuardLease),
		ExpiresAt:  time.Now().UTC().Add(ttl),
	}

	var owner string
	rows, err := m.db.Querier(ctx).QueryxContext(ctx, acquireQuery, lease.Key, lease.OwnerToken, lease.ExpiresAt)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to acquire guard lease").
			Mark(ierr.ErrDatabase)
	}
	defer rows.Close()

	if !rows.Next() {
		// Conflict against a live lease
		return nil, ErrBusyForKey(key)
	}
	if err := rows.Scan(&owner); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to read acquired guard lease").
			Mark(ierr.ErrDatabase)
	}

	return lease, nil
}

const renewQuery = `
UPDATE guard_leases
SET expires_at = $3
WHERE key = $1 AND owner_token = $2 AND expires_at > NOW()`

func (m *PostgresManager) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	expiresAt := time.Now().UTC().Add(ttl)
	res, err := m.db.Querier(ctx).ExecContext(ctx, renewQuery, lease.Key, lease.OwnerToken, expiresAt)
	if err != nil {
		return ierr.WithError(err).
			WithHint("Failed to renew guard lease").
			Mark(ierr.ErrDatabase)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	if affected == 0 {
		return ErrLeaseLost(lease.Key)
	}
	lease.ExpiresAt = expiresAt
	return nil
}

const releaseQuery = `
DELETE FROM guard_leases
WHERE key = $1 AND owner_token = $2`

func (m *PostgresManager) Release(ctx context.Context, lease *Lease) error {
	// Deleting an expired or stolen lease matches zero rows, which is fine
	_, err := m.db.Querier(ctx).ExecContext(ctx, releaseQuery, lease.Key, lease.OwnerToken)
	if err != nil {
		return ierr.WithError(err).
			WithHint("Failed to release guard lease").
			Mark(ierr.ErrDatabase)
	}
	return nil
}
