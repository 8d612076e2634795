// Package tx provides the transactional unit of work for dispatched calls:
// one Transaction per retry attempt, opened against the storage pool, carrying
// the caller's execution context and the queue of deferred tasks.
package tx

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Context is the execution context threaded through a call: caller language,
// active record ids, transport metadata. Keys starting with "_" are reserved
// for the dispatcher.
type Context map[string]any

// Language returns the caller language, defaulting to "en".
func (c Context) Language() string {
	if lang, ok := c["language"].(string); ok && lang != "" {
		return lang
	}
	return "en"
}

// Transaction is one attempt at executing a call. It is exclusively owned by
// that attempt and never reused: on retry the dispatcher opens a fresh one.
type Transaction struct {
	UserID    int64
	Database  string
	ReadOnly  bool
	Context   Context
	Timestamp map[string]time.Time
	Extras    map[string]any

	stx    *sql.Tx
	tasks  []string
	closed bool
}

// ErrClosed is returned when a Transaction is used after commit or rollback.
var ErrClosed = errors.New("transaction already closed")

// QueueTask appends a task id to the deferred queue. The task runs only if
// this transaction commits, strictly after the commit is durable.
func (t *Transaction) QueueTask(id string) {
	t.tasks = append(t.tasks, id)
}

// Tasks returns the queued task ids in FIFO order.
func (t *Transaction) Tasks() []string {
	return t.tasks
}

// Exec runs a statement inside the transaction, classifying driver errors.
func (t *Transaction) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if t.closed {
		return nil, ErrClosed
	}
	res, err := t.stx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, Classify(err)
	}
	return res, nil
}

// Query runs a query inside the transaction, classifying driver errors.
func (t *Transaction) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if t.closed {
		return nil, ErrClosed
	}
	rows, err := t.stx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Classify(err)
	}
	return rows, nil
}

// QueryRow runs a single-row query inside the transaction.
func (t *Transaction) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.stx.QueryRowContext(ctx, query, args...)
}

// Commit makes the attempt's writes durable. A failed commit leaves the
// transaction closed with its task queue cleared; the returned error is
// classified so the retry loop can decide (commit-time serialization failures
// are the common operational-retry case).
func (t *Transaction) Commit() error {
	if t.closed {
		return ErrClosed
	}
	t.closed = true
	if err := t.stx.Commit(); err != nil {
		t.tasks = nil
		return Classify(err)
	}
	return nil
}

// Rollback discards the attempt. The task queue is cleared: a task scheduled
// during a rolled-back transaction must never execute.
func (t *Transaction) Rollback() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.tasks = nil
	if err := t.stx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return Classify(err)
	}
	return nil
}
