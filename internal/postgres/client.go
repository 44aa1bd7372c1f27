package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/types"
)

// IClient is the transactional database surface the repositories depend on
type IClient interface {
	// WithTx wraps the given function in a transaction. Nested calls reuse
	// the transaction already carried by the context.
	WithTx(ctx context.Context, fn func(context.Context) error) error

	// Querier returns the current transaction if in a transaction, or the
	// regular connection otherwise
	Querier(ctx context.Context) sqlx.ExtContext
}

// DB wraps sqlx.DB to provide transaction management
type DB struct {
	*sqlx.DB
	logger *logger.Logger
}

// New opens a postgres connection pool from config
func New(cfg config.PostgresConfig, log *logger.Logger) (*DB, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &DB{DB: db, logger: log}, nil
}

// TxKey is the context key type for storing the active transaction
type TxKey struct{}

// Tx wraps sqlx.Tx with a tracing id
type Tx struct {
	*sqlx.Tx
	ID string
}

// GetTx retrieves a transaction from the context if it exists
func GetTx(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(TxKey{}).(*Tx)
	return tx, ok
}

// WithTx runs fn inside a transaction. If the context already carries a
// transaction, fn joins it and the outermost caller owns commit/rollback.
func (db *DB) WithTx(ctx context.Context, fn func(context.Context) error) error {
	if _, ok := GetTx(ctx); ok {
		return fn(ctx)
	}

	sqlxTx, err := db.BeginTxx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx := &Tx{Tx: sqlxTx, ID: types.GenerateUUID()}
	db.logger.Debugw("starting transaction", "tx_id", tx.ID)

	txCtx := context.WithValue(ctx, TxKey{}, tx)

	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.Errorw("failed to rollback transaction",
				"tx_id", tx.ID,
				"error", rbErr,
			)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	db.logger.Debugw("committed transaction", "tx_id", tx.ID)
	return nil
}

// Querier returns the transaction from context if present, else the pool
func (db *DB) Querier(ctx context.Context) sqlx.ExtContext {
	if tx, ok := GetTx(ctx); ok {
		return tx.Tx
	}
	return db.DB
}
