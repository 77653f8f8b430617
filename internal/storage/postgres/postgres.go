// Package postgres implements the engine store on PostgreSQL. Every engine
// operation runs in one READ COMMITTED transaction; the rows that guard an
// invariant (the open cart, a (product, unit) reservation, a (customer,
// code) coupon usage) are locked with SELECT ... FOR UPDATE.
package postgres

import (
	"context"
	"fmt"
	"net"

	"github.com/go-faster/errors"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-engine/db"
	"github.com/xenking/kart-engine/internal/engine"
)

// NewPool creates a pgxpool.Pool configured with shopspring/decimal support
// for NUMERIC columns.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	return pool, nil
}

// RunMigrations executes the embedded DDL schema against the pool.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, db.Schema)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

var _ engine.Store = (*Store)(nil)

// Store is the PostgreSQL engine.Store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore returns a Store that uses the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Tx runs fn in a READ COMMITTED transaction. The transaction is rolled
// back when fn fails.
func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context, tx engine.Tx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return unavailable(fmt.Errorf("beginning transaction: %w", err))
	}
	defer func() {
		// No-op once committed.
		_ = pgTx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(ctx, &tx{tx: pgTx}); err != nil {
		return unavailable(err)
	}
	if err := pgTx.Commit(ctx); err != nil {
		return unavailable(fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

// unavailableError marks connectivity, timeout and contention failures as
// engine.ErrUnavailable while keeping the driver error in the chain.
type unavailableError struct {
	err error
}

func (e *unavailableError) Error() string {
	return e.err.Error()
}

func (e *unavailableError) Unwrap() error {
	return e.err
}

func (e *unavailableError) Is(target error) bool {
	return target == engine.ErrUnavailable
}

func unavailable(err error) error {
	if err == nil || !transient(err) {
		return err
	}
	return &unavailableError{err: err}
}

func transient(err error) bool {
	var (
		pgErr   *pgconn.PgError
		connErr *pgconn.ConnectError
		netErr  net.Error
	)
	switch {
	case errors.As(err, &pgErr):
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57014", "57P01", "53300":
			// serialization_failure, deadlock_detected, lock_not_available,
			// query_canceled, admin_shutdown, too_many_connections
			return true
		}
		return false
	case errors.As(err, &connErr), errors.As(err, &netErr):
		return true
	default:
		return pgconn.Timeout(err) || pgconn.SafeToRetry(err)
	}
}

func isViolation(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

const (
	foreignKeyViolation = "23503"
	uniqueViolation     = "23505"
)

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
