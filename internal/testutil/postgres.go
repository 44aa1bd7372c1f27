package testutil

import (
	"context"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/meterline/meterline/internal/postgres"
	"github.com/meterline/meterline/internal/types"
)

var _ postgres.IClient = (*MockPostgresClient)(nil)

// txJournal collects compensations for mutations made inside a fake
// transaction so a failed transaction can be rolled back. Compensations are
// applied in reverse order.
type txJournal struct {
	mu    sync.Mutex
	undos []func()
}

func (j *txJournal) add(undo func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.undos = append(j.undos, undo)
}

func (j *txJournal) rollback() {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := len(j.undos) - 1; i >= 0; i-- {
		j.undos[i]()
	}
	j.undos = nil
}

type journalKey struct{}

// registerUndo records an undo step when a transaction is active; outside a
// transaction mutations are immediate and final.
func registerUndo(ctx context.Context, undo func()) {
	if j, ok := ctx.Value(journalKey{}).(*txJournal); ok {
		j.add(undo)
	}
}

// MockPostgresClient implements postgres.IClient for service tests. WithTx
// gives real rollback semantics over the in-memory stores via per-mutation
// compensations, which stays correct when transactions run concurrently.
type MockPostgresClient struct{}

// NewMockPostgresClient creates a new mock postgres client
func NewMockPostgresClient() postgres.IClient {
	return &MockPostgresClient{}
}

// WithTx executes the given function within a fake transaction
func (c *MockPostgresClient) WithTx(ctx context.Context, fn func(context.Context) error) error {
	// Nested calls join the outer transaction
	if _, ok := ctx.Value(journalKey{}).(*txJournal); ok {
		return fn(ctx)
	}

	j := &txJournal{}
	txCtx := context.WithValue(ctx, journalKey{}, j)
	if err := fn(txCtx); err != nil {
		j.rollback()
		return err
	}
	return nil
}

// Querier is never used by the in-memory stores
func (c *MockPostgresClient) Querier(ctx context.Context) sqlx.ExtContext {
	return nil
}

// SetupContext builds a context carrying the default tenant, user and
// environment, the way the API boundary would.
func SetupContext() context.Context {
	ctx := context.Background()
	ctx = context.WithValue(ctx, types.CtxTenantID, types.DefaultTenantID)
	ctx = context.WithValue(ctx, types.CtxUserID, types.DefaultUserID)
	ctx = context.WithValue(ctx, types.CtxRequestID, types.GenerateUUID())
	ctx = context.WithValue(ctx, types.CtxEnvironmentID, "env_test")
	return ctx
}
