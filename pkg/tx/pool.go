package tx

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// BeginOptions parameterize one attempt. Extras carries the adjustments
// accumulated from RetryWith fixes; it is owned by a single call's retry loop
// and never shared across calls.
type BeginOptions struct {
	UserID    int64
	ReadOnly  bool
	Context   Context
	Timestamp map[string]time.Time
	Extras    map[string]any
	Timeout   time.Duration
}

// Beginner opens one Transaction per attempt.
type Beginner interface {
	Begin(ctx context.Context, opts BeginOptions) (*Transaction, error)
}

// Pool wraps the database handle for one tenant database. It supports both
// Postgres (lib/pq) and the embedded sqlite backend used in development.
type Pool struct {
	Database string

	db       *sql.DB
	postgres bool
	logger   *slog.Logger
}

// Open connects to databaseURL. postgres:// URLs use the Postgres driver;
// sqlite: or file: URLs use the embedded backend.
func Open(database, databaseURL string) (*Pool, error) {
	driver := "postgres"
	dsn := databaseURL
	switch {
	case strings.HasPrefix(databaseURL, "sqlite:"):
		driver = "sqlite"
		dsn = strings.TrimPrefix(databaseURL, "sqlite:")
	case strings.HasPrefix(databaseURL, "file:"):
		driver = "sqlite"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", database, err)
	}
	return &Pool{
		Database: database,
		db:       db,
		postgres: driver == "postgres",
		logger:   slog.Default().With("component", "tx", "database", database),
	}, nil
}

// NewPool wraps an existing handle; used by tests with sqlmock.
func NewPool(database string, db *sql.DB, postgres bool) *Pool {
	return &Pool{
		Database: database,
		db:       db,
		postgres: postgres,
		logger:   slog.Default().With("component", "tx", "database", database),
	}
}

// Begin opens a new Transaction for one attempt. Read-only calls open a
// read-only storage transaction; a per-call timeout is enforced by the
// storage layer (statement_timeout on Postgres) and surfaces as TimeoutError.
func (p *Pool) Begin(ctx context.Context, opts BeginOptions) (*Transaction, error) {
	stx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: opts.ReadOnly && p.postgres})
	if err != nil {
		return nil, Classify(err)
	}
	if opts.Timeout > 0 && p.postgres {
		if _, err := stx.ExecContext(ctx,
			fmt.Sprintf("SET LOCAL statement_timeout = %d", opts.Timeout.Milliseconds())); err != nil {
			_ = stx.Rollback()
			return nil, Classify(err)
		}
	}
	t := &Transaction{
		UserID:    opts.UserID,
		Database:  p.Database,
		ReadOnly:  opts.ReadOnly,
		Context:   opts.Context,
		Timestamp: opts.Timestamp,
		Extras:    opts.Extras,
		stx:       stx,
	}
	return t, nil
}

// Close releases the pool.
func (p *Pool) Close() error {
	return p.db.Close()
}

// DB exposes the raw handle for collaborators that must run outside any call
// transaction (the session subsystem, the task queue).
func (p *Pool) DB() *sql.DB {
	return p.db
}
