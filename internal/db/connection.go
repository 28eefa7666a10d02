package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
)

// Options tunes a connection pool.
type Options struct {
	MaxOpenConns int
	PingTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 20
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 5 * time.Second
	}
	return o
}

// NewConnection opens a lib/pq pool for dsn and verifies it with a ping.
func NewConnection(ctx context.Context, dsn string, opts Options) (*sql.DB, error) {
	opts = opts.withDefaults()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns / 2)

	return db, nil
}

// NewPool creates a pgx connection pool for dsn.
func NewPool(ctx context.Context, dsn string, opts Options) (*pgxpool.Pool, error) {
	opts = opts.withDefaults()

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database url: %w", err)
	}
	config.MaxConns = int32(opts.MaxOpenConns)

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// RowQuerier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type RowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const extensionQuery = `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = $1)`

// HasExtension reports whether the named extension is installed.
func HasExtension(ctx context.Context, db RowQuerier, name string) (bool, error) {
	var ok bool
	if err := db.QueryRowContext(ctx, extensionQuery, name).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to check extension %s: %w", name, err)
	}
	return ok, nil
}

// HasExtensionPool is HasExtension for a pgx pool.
func HasExtensionPool(ctx context.Context, pool *pgxpool.Pool, name string) (bool, error) {
	var ok bool
	if err := pool.QueryRow(ctx, extensionQuery, name).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to check extension %s: %w", name, err)
	}
	return ok, nil
}
