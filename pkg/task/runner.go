// Package task runs the background work queued during a call's transaction.
// A task queued on a transaction that rolls back never runs; a task queued on
// a transaction that commits runs exactly once, after the commit is durable
// and outside any enclosing transaction.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Runner executes one task by id.
type Runner interface {
	Run(ctx context.Context, database, taskID string) error
}

// Func is a registered task implementation.
type Func func(ctx context.Context, database string, payload []byte) error

// FuncRunner dispatches task ids of the form "name:payload-key" to registered
// functions, loading the payload from a Store when one is configured.
type FuncRunner struct {
	mu     sync.RWMutex
	funcs  map[string]Func
	store  *SQLQueue
	logger *slog.Logger
}

// NewFuncRunner creates a runner; store may be nil when every task is
// self-contained in its id.
func NewFuncRunner(store *SQLQueue) *FuncRunner {
	return &FuncRunner{
		funcs:  make(map[string]Func),
		store:  store,
		logger: slog.Default().With("component", "task"),
	}
}

// Register binds a task name to its implementation.
func (r *FuncRunner) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

// Run executes the task. Task ids are "name" or "name:id"; with a store, the
// payload is loaded by id and the record marked done after a clean run.
func (r *FuncRunner) Run(ctx context.Context, database, taskID string) error {
	name := taskID
	var recordID string
	for i := 0; i < len(taskID); i++ {
		if taskID[i] == ':' {
			name, recordID = taskID[:i], taskID[i+1:]
			break
		}
	}

	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("task %q not registered", name)
	}

	var payload []byte
	if recordID != "" && r.store != nil {
		record, err := r.store.Get(ctx, recordID)
		if err != nil {
			return fmt.Errorf("task %s: %w", taskID, err)
		}
		payload = record.Payload
	}
	if err := fn(ctx, database, payload); err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}
	if recordID != "" && r.store != nil {
		if err := r.store.MarkDone(ctx, recordID); err != nil {
			r.logger.ErrorContext(ctx, "task done-mark failed", "task", taskID, "error", err)
		}
	}
	return nil
}
