// Package dispatch resolves inbound calls against the method registry and
// executes them under the transactional retry loop: one transaction per
// attempt, automatic recovery from fixable conditions and transient storage
// contention, deferred tasks drained only after a durable commit.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/meridianworks/herald/pkg/auth"
	"github.com/meridianworks/herald/pkg/cache"
	"github.com/meridianworks/herald/pkg/observability"
	"github.com/meridianworks/herald/pkg/registry"
	"github.com/meridianworks/herald/pkg/task"
	"github.com/meridianworks/herald/pkg/tx"
)

// Config holds the process-wide dispatch tunables, read once at startup.
type Config struct {
	// RetryLimit bounds operational-error retries on read-write calls.
	RetryLimit int
	// BackoffUnit scales the decreasing linear backoff between retries.
	BackoffUnit time.Duration
	// DefaultTimeout applies when a method's descriptor declares none.
	DefaultTimeout time.Duration
	// SessionWindow is the freshness window for FreshSession methods.
	SessionWindow time.Duration
	// MaxFixRetries is a soft cap on fix-and-retry loops. Fixes are
	// unbounded by contract; the cap only catches a non-converging fix.
	MaxFixRetries int
}

// DefaultConfig mirrors the tunables' production defaults.
func DefaultConfig() Config {
	return Config{
		RetryLimit:     5,
		BackoffUnit:    20 * time.Millisecond,
		DefaultTimeout: 0,
		SessionWindow:  5 * time.Minute,
		MaxFixRetries:  1000,
	}
}

// Call is one inbound request after transport decoding.
type Call struct {
	// Name is the dotted target: kind.object.method.
	Name     string
	Args     []any
	Kwargs   map[string]any
	Context  map[string]any
	Database string
	Auth     auth.Authorization

	// transport metadata merged into the execution context
	Remote    string
	Scheme    string
	RequestID string
}

// Result is a successful call outcome.
type Result struct {
	Value any
	// CacheControl is set for readonly cacheable calls.
	CacheControl string
	Elapsed      time.Duration
}

// DrainError reports a deferred task failure. The business transaction has
// already committed; the effect is durable even though the caller sees an
// error.
type DrainError struct {
	TaskID string
	Err    error
}

func (e *DrainError) Error() string {
	return fmt.Sprintf("task %s failed after commit: %v", e.TaskID, e.Err)
}

func (e *DrainError) Unwrap() error { return e.Err }

// ErrSessionNotFresh rejects privileged methods when the caller's session is
// older than the configured freshness window.
var ErrSessionNotFresh = errors.New("fresh session required")

// Dispatcher executes calls. It is safe for concurrent use: the registry is
// frozen, and every call owns its transaction, extras map and retry state.
type Dispatcher struct {
	registry *registry.Registry
	store    tx.Beginner
	sessions auth.Manager
	bearer   *auth.BearerValidator
	runner   task.Runner
	cache    *cache.Cache
	obs      *observability.Provider
	cfg      Config
	logger   *slog.Logger

	// sleep is swapped by tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires a Dispatcher. runner, cache and obs may be nil; store, registry
// and sessions are required.
func New(reg *registry.Registry, store tx.Beginner, sessions auth.Manager, cfg Config) *Dispatcher {
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = DefaultConfig().RetryLimit
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = DefaultConfig().BackoffUnit
	}
	if cfg.SessionWindow <= 0 {
		cfg.SessionWindow = DefaultConfig().SessionWindow
	}
	return &Dispatcher{
		registry: reg,
		store:    store,
		sessions: sessions,
		cfg:      cfg,
		logger:   slog.Default().With("component", "dispatch"),
		sleep:    sleepContext,
	}
}

// WithBearer accepts bearer-scheme credentials.
func (d *Dispatcher) WithBearer(v *auth.BearerValidator) *Dispatcher {
	d.bearer = v
	return d
}

// WithTasks sets the deferred task runner.
func (d *Dispatcher) WithTasks(r task.Runner) *Dispatcher {
	d.runner = r
	return d
}

// WithCache enables cache-token validation and cache-control metadata.
func (d *Dispatcher) WithCache(c *cache.Cache) *Dispatcher {
	d.cache = c
	return d
}

// WithObservability records spans and RED metrics per call.
func (d *Dispatcher) WithObservability(p *observability.Provider) *Dispatcher {
	d.obs = p
	return d
}

// Dispatch runs one call end to end and assembles the response: it logs one
// line per call, at info for successes and recognized business errors (no
// stack detail) and at error with full detail for everything else.
func (d *Dispatcher) Dispatch(ctx context.Context, call *Call) (*Result, error) {
	start := time.Now()
	attrs := []attribute.KeyValue{
		attribute.String("herald.call", call.Name),
		attribute.String("herald.database", call.Database),
	}
	ctx, span := d.obs.StartSpan(ctx, "dispatch "+call.Name,
		trace.WithAttributes(attrs...))
	defer span.End()
	d.obs.RecordCall(ctx, attrs...)

	result, err := d.dispatch(ctx, call)
	elapsed := time.Since(start)
	d.obs.RecordDuration(ctx, elapsed, attrs...)

	log := d.logger.With(
		"call", call.Name,
		"database", call.Database,
		"request_id", call.RequestID,
		"duration", elapsed,
	)
	switch {
	case err == nil:
		result.Elapsed = elapsed
		log.InfoContext(ctx, "call ok")
		return result, nil
	case tx.IsBusiness(err), isTimeout(err), errors.Is(err, auth.ErrUnauthenticated),
		errors.Is(err, ErrSessionNotFresh), errors.Is(err, registry.ErrForbidden),
		errors.Is(err, registry.ErrNotFound):
		d.obs.RecordError(ctx, err, attrs...)
		log.InfoContext(ctx, "call rejected", "error", err.Error())
		return nil, err
	default:
		d.obs.RecordError(ctx, err, attrs...)
		log.ErrorContext(ctx, "call failed", "error", err)
		return nil, err
	}
}

func isTimeout(err error) bool {
	var te *tx.TimeoutError
	return errors.As(err, &te)
}

func (d *Dispatcher) dispatch(ctx context.Context, call *Call) (*Result, error) {
	m, err := d.registry.Lookup(call.Name)
	if err != nil {
		return nil, err
	}

	userID, err := call.Auth.Resolve(ctx, call.Database, d.sessions, d.bearer)
	if err != nil {
		return nil, err
	}

	// Checked once, before the first attempt; not re-validated mid-retry.
	if m.Desc.FreshSession {
		if !d.sessions.CheckTimeout(ctx, call.Database, userID, call.Auth.SessionToken(), d.cfg.SessionWindow) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFresh, call.Name)
		}
	}

	conv, err := convert(call, m)
	if err != nil {
		return nil, err
	}

	timeout := m.Desc.Timeout
	if timeout == 0 {
		timeout = d.cfg.DefaultTimeout
	}

	value, tasks, err := d.run(ctx, call, m, conv, userID, timeout)
	if err != nil {
		return nil, err
	}

	// Strictly after the durable commit, outside any transaction, FIFO.
	for _, taskID := range tasks {
		if d.runner == nil {
			return nil, &DrainError{TaskID: taskID, Err: errors.New("no task runner configured")}
		}
		if err := d.runner.Run(ctx, call.Database, taskID); err != nil {
			return nil, &DrainError{TaskID: taskID, Err: err}
		}
	}

	if m.Desc.ResultTransform != nil {
		value = m.Desc.ResultTransform(value)
	}
	result := &Result{Value: value}
	if m.Desc.ReadOnly && m.Desc.Cache != nil {
		result.CacheControl = cache.Control(m.Desc.Cache.MaxAge, m.Desc.Cache.Public)
	}
	return result, nil
}

// run is the retry loop. Each iteration opens a fresh Transaction; terminal
// outcomes return, fix and backoff branches loop. On success it returns the
// task ids queued on the committed transaction.
func (d *Dispatcher) run(ctx context.Context, call *Call, m *registry.Method, conv *converted, userID int64, timeout time.Duration) (any, []string, error) {
	extras := make(map[string]any)
	attempts := 0
	fixes := 0

	for {
		t, err := d.store.Begin(ctx, tx.BeginOptions{
			UserID:    userID,
			ReadOnly:  m.Desc.ReadOnly,
			Context:   attemptContext(conv.execCtx, extras),
			Timestamp: conv.timestamp,
			Extras:    extras,
			Timeout:   timeout,
		})
		if err != nil {
			return nil, nil, err
		}

		value, err := d.attempt(ctx, call, m, conv, t)
		if err == nil {
			if d.cache != nil && !m.Desc.ReadOnly {
				if rerr := d.cache.Rotate(ctx, call.Database); rerr != nil {
					d.logger.WarnContext(ctx, "cache rotate failed", "database", call.Database, "error", rerr)
				}
			}
			return value, t.Tasks(), nil
		}

		var rw *tx.RetryWith
		var oe *tx.OperationalError
		switch {
		case errors.As(err, &rw):
			// Unbounded by contract: each fix narrows the problem space.
			// The cap only exists to fail a non-converging fix loudly.
			fixes++
			if d.cfg.MaxFixRetries > 0 && fixes > d.cfg.MaxFixRetries {
				return nil, nil, fmt.Errorf("fix did not converge after %d attempts: %w", fixes, err)
			}
			for k, v := range rw.Params {
				extras[k] = v
			}
			d.obs.RecordRetry(ctx, "fix")
			d.logger.DebugContext(ctx, "fix and retry",
				"call", call.Name, "reason", rw.Reason, "fixes", fixes)
			continue

		case isTimeout(err):
			return nil, nil, err

		case errors.As(err, &oe):
			// Readonly calls fail fast: nothing to redo safely.
			if m.Desc.ReadOnly || attempts >= d.cfg.RetryLimit {
				return nil, nil, err
			}
			attempts++
			delay := backoffDelay(backoffParams{
				Database:  call.Database,
				CallName:  call.Name,
				RequestID: call.RequestID,
				Attempt:   attempts,
			}, d.cfg.RetryLimit, d.cfg.BackoffUnit)
			d.obs.RecordRetry(ctx, "operational")
			d.logger.InfoContext(ctx, "operational retry",
				"call", call.Name, "attempt", attempts, "delay", delay)
			if serr := d.sleep(ctx, delay); serr != nil {
				return nil, nil, serr
			}
			continue

		default:
			return nil, nil, err
		}
	}
}

// attempt executes the method inside t and commits. On any error the
// transaction is closed (rolled back or failed at commit) with its task queue
// cleared before the error is returned.
func (d *Dispatcher) attempt(ctx context.Context, call *Call, m *registry.Method, conv *converted, t *tx.Transaction) (any, error) {
	if d.cache != nil && m.Desc.ReadOnly && m.Desc.Cache != nil {
		if err := d.cache.Validate(ctx, call.Database, t.Context); err != nil {
			_ = t.Rollback()
			return nil, err
		}
	}
	value, err := d.invoke(ctx, m, conv, t)
	if err != nil {
		_ = t.Rollback()
		return nil, err
	}
	if err := t.Commit(); err != nil {
		return nil, err
	}
	return value, nil
}

// invoke picks the calling convention the method declares: plain, batch, or
// per-instance with results collected in input order.
func (d *Dispatcher) invoke(ctx context.Context, m *registry.Method, conv *converted, t *tx.Transaction) (any, error) {
	if m.Desc.Instantiate == nil {
		return m.Call(ctx, t, conv.args, conv.kwargs)
	}
	switch {
	case !conv.scalar && m.Batch != nil:
		results, err := m.Batch(ctx, t, conv.ids, conv.args, conv.kwargs)
		if err != nil {
			return nil, err
		}
		return results, nil
	case conv.scalar && m.Scalar != nil:
		return m.Scalar(ctx, t, conv.ids[0], conv.args, conv.kwargs)
	case conv.scalar:
		results, err := m.Batch(ctx, t, conv.ids, conv.args, conv.kwargs)
		if err != nil {
			return nil, err
		}
		if len(results) == 0 {
			return nil, nil
		}
		return results[0], nil
	default:
		results := make([]any, 0, len(conv.ids))
		for _, id := range conv.ids {
			r, err := m.Scalar(ctx, t, id, conv.args, conv.kwargs)
			if err != nil {
				return nil, err
			}
			results = append(results, r)
		}
		return results, nil
	}
}

// attemptContext overlays the fix-accumulated extras on the resolved
// execution context for one attempt.
func attemptContext(execCtx tx.Context, extras map[string]any) tx.Context {
	merged := make(tx.Context, len(execCtx)+len(extras))
	for k, v := range execCtx {
		merged[k] = v
	}
	for k, v := range extras {
		merged[k] = v
	}
	return merged
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
