package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianworks/herald/pkg/auth"
	"github.com/meridianworks/herald/pkg/cache"
	"github.com/meridianworks/herald/pkg/registry"
	"github.com/meridianworks/herald/pkg/tx"
)

// stubSessions satisfies auth.Manager for dispatch tests; every session
// check passes unless fresh is false.
type stubSessions struct {
	fresh bool
}

func (s *stubSessions) Login(ctx context.Context, database, username string, params map[string]any) (int64, error) {
	return 0, &tx.LoginError{Reason: "not supported in tests"}
}

func (s *stubSessions) Logout(ctx context.Context, database string, userID int64, token string) error {
	return nil
}

func (s *stubSessions) Check(ctx context.Context, database string, userID int64, token string) (bool, error) {
	return true, nil
}

func (s *stubSessions) Reset(ctx context.Context, database, token string) error { return nil }

func (s *stubSessions) CheckTimeout(ctx context.Context, database string, userID int64, token string, window time.Duration) bool {
	return s.fresh
}

// recordingRunner remembers drained task ids in order.
type recordingRunner struct {
	ran  []string
	fail map[string]error
}

func (r *recordingRunner) Run(ctx context.Context, database, taskID string) error {
	if err, ok := r.fail[taskID]; ok {
		return err
	}
	r.ran = append(r.ran, taskID)
	return nil
}

type testEnv struct {
	d      *Dispatcher
	mock   sqlmock.Sqlmock
	runner *recordingRunner
	sleeps []time.Duration
}

func newTestEnv(t *testing.T, reg *registry.Registry, cfg Config) *testEnv {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	env := &testEnv{mock: mock, runner: &recordingRunner{}}
	reg.Freeze()
	env.d = New(reg, tx.NewPool("test", db, true), &stubSessions{fresh: true}, cfg).
		WithTasks(env.runner)
	env.d.sleep = func(ctx context.Context, d time.Duration) error {
		env.sleeps = append(env.sleeps, d)
		return nil
	}
	return env
}

func sessionCall(name string) *Call {
	raw := base64.StdEncoding.EncodeToString([]byte("admin:7:tok"))
	return &Call{
		Name:      name,
		Database:  "test",
		Auth:      auth.Parse("Session " + raw),
		RequestID: "req-1",
	}
}

func plainMethod(object, name string, readonly bool, fn registry.Handler) *registry.Method {
	return &registry.Method{
		Kind:   registry.KindModel,
		Object: object,
		Name:   name,
		Desc:   registry.Descriptor{ReadOnly: readonly},
		Call:   fn,
	}
}

// A readonly call hitting an operational error aborts on the first
// occurrence, with no retry and no backoff sleep.
func TestReadonlyOperationalErrorIsNotRetried(t *testing.T) {
	reg := registry.New()
	calls := 0
	require.NoError(t, reg.Register(plainMethod("test.object", "search", true,
		func(ctx context.Context, tr *tx.Transaction, args []any, kwargs map[string]any) (any, error) {
			calls++
			return nil, &tx.OperationalError{Err: errors.New("could not serialize access")}
		})))
	env := newTestEnv(t, reg, Config{RetryLimit: 3})

	env.mock.ExpectBegin()
	env.mock.ExpectRollback()

	_, err := env.d.Dispatch(context.Background(), sessionCall("model.test.object.search"))
	var oe *tx.OperationalError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, 1, calls)
	assert.Empty(t, env.sleeps)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

// A read-write call failing twice with operational errors succeeds on the
// third attempt after exactly two backoff sleeps.
func TestReadWriteOperationalErrorRetriesWithBackoff(t *testing.T) {
	reg := registry.New()
	calls := 0
	require.NoError(t, reg.Register(plainMethod("test.object", "create", false,
		func(ctx context.Context, tr *tx.Transaction, args []any, kwargs map[string]any) (any, error) {
			calls++
			if calls <= 2 {
				return nil, &tx.OperationalError{Err: errors.New("deadlock detected")}
			}
			return int64(101), nil
		})))
	env := newTestEnv(t, reg, Config{RetryLimit: 3, BackoffUnit: time.Millisecond})

	env.mock.ExpectBegin()
	env.mock.ExpectRollback()
	env.mock.ExpectBegin()
	env.mock.ExpectRollback()
	env.mock.ExpectBegin()
	env.mock.ExpectCommit()

	result, err := env.d.Dispatch(context.Background(), sessionCall("model.test.object.create"))
	require.NoError(t, err)
	assert.Equal(t, int64(101), result.Value)
	assert.Equal(t, 3, calls)
	assert.Len(t, env.sleeps, 2)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

// The operational retry count never exceeds the configured limit.
func TestOperationalRetryLimitExhausted(t *testing.T) {
	reg := registry.New()
	calls := 0
	require.NoError(t, reg.Register(plainMethod("test.object", "create", false,
		func(ctx context.Context, tr *tx.Transaction, args []any, kwargs map[string]any) (any, error) {
			calls++
			return nil, &tx.OperationalError{Err: errors.New("contention")}
		})))
	env := newTestEnv(t, reg, Config{RetryLimit: 2, BackoffUnit: time.Millisecond})

	for i := 0; i < 3; i++ {
		env.mock.ExpectBegin()
		env.mock.ExpectRollback()
	}

	_, err := env.d.Dispatch(context.Background(), sessionCall("model.test.object.create"))
	var oe *tx.OperationalError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, 3, calls) // initial attempt + 2 retries
	assert.Len(t, env.sleeps, 2)
}

// Commit-time serialization failures take the same operational-retry branch
// as in-flight ones.
func TestCommitSerializationFailureRetried(t *testing.T) {
	reg := registry.New()
	calls := 0
	require.NoError(t, reg.Register(plainMethod("test.object", "create", false,
		func(ctx context.Context, tr *tx.Transaction, args []any, kwargs map[string]any) (any, error) {
			calls++
			return "ok", nil
		})))
	env := newTestEnv(t, reg, Config{RetryLimit: 3, BackoffUnit: time.Millisecond})

	env.mock.ExpectBegin()
	env.mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001"})
	env.mock.ExpectBegin()
	env.mock.ExpectCommit()

	result, err := env.d.Dispatch(context.Background(), sessionCall("model.test.object.create"))
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Value)
	assert.Equal(t, 2, calls)
	assert.Len(t, env.sleeps, 1)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

// A storage timeout aborts immediately, regardless of the retry limit.
func TestTimeoutIsNeverRetried(t *testing.T) {
	reg := registry.New()
	calls := 0
	require.NoError(t, reg.Register(plainMethod("test.object", "create", false,
		func(ctx context.Context, tr *tx.Transaction, args []any, kwargs map[string]any) (any, error) {
			calls++
			return nil, &tx.TimeoutError{Err: errors.New("statement timeout")}
		})))
	env := newTestEnv(t, reg, Config{RetryLimit: 5})

	env.mock.ExpectBegin()
	env.mock.ExpectRollback()

	_, err := env.d.Dispatch(context.Background(), sessionCall("model.test.object.create"))
	var te *tx.TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 1, calls)
	assert.Empty(t, env.sleeps)
}

// Fix-and-retry is transparent. Two distinct adjustments are requested,
// the third attempt succeeds; the caller sees only the final result, and each
// attempt observes the extras accumulated so far.
func TestFixAndRetryIsCallerTransparent(t *testing.T) {
	reg := registry.New()
	calls := 0
	require.NoError(t, reg.Register(plainMethod("test.object", "search", false,
		func(ctx context.Context, tr *tx.Transaction, args []any, kwargs map[string]any) (any, error) {
			calls++
			switch calls {
			case 1:
				return nil, &tx.RetryWith{Params: map[string]any{"window": "wide"}, Reason: "narrow window"}
			case 2:
				assert.Equal(t, "wide", tr.Context["window"])
				return nil, &tx.RetryWith{Params: map[string]any{"snapshot": "fresh"}, Reason: "stale snapshot"}
			default:
				assert.Equal(t, "wide", tr.Context["window"])
				assert.Equal(t, "fresh", tr.Context["snapshot"])
				return []any{"row"}, nil
			}
		})))
	env := newTestEnv(t, reg, Config{RetryLimit: 1})

	env.mock.ExpectBegin()
	env.mock.ExpectRollback()
	env.mock.ExpectBegin()
	env.mock.ExpectRollback()
	env.mock.ExpectBegin()
	env.mock.ExpectCommit()

	result, err := env.d.Dispatch(context.Background(), sessionCall("model.test.object.search"))
	require.NoError(t, err)
	assert.Equal(t, []any{"row"}, result.Value)
	assert.Equal(t, 3, calls)
	assert.Empty(t, env.sleeps) // fix retries never back off
}

// A fix that never converges hits the soft cap instead of looping forever.
func TestFixRetrySoftCap(t *testing.T) {
	reg := registry.New()
	calls := 0
	require.NoError(t, reg.Register(plainMethod("test.object", "search", false,
		func(ctx context.Context, tr *tx.Transaction, args []any, kwargs map[string]any) (any, error) {
			calls++
			return nil, &tx.RetryWith{Params: map[string]any{"attempt": calls}, Reason: "never converges"}
		})))
	env := newTestEnv(t, reg, Config{RetryLimit: 1, MaxFixRetries: 3})

	for i := 0; i < 4; i++ {
		env.mock.ExpectBegin()
		env.mock.ExpectRollback()
	}

	_, err := env.d.Dispatch(context.Background(), sessionCall("model.test.object.search"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not converge")
	assert.Equal(t, 4, calls)
}

// Tasks queued on a committed transaction run exactly once, FIFO, after
// the commit.
func TestTasksDrainAfterCommit(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(plainMethod("test.object", "create", false,
		func(ctx context.Context, tr *tx.Transaction, args []any, kwargs map[string]any) (any, error) {
			tr.QueueTask("send-mail:1")
			tr.QueueTask("reindex:2")
			return int64(5), nil
		})))
	env := newTestEnv(t, reg, Config{})

	env.mock.ExpectBegin()
	env.mock.ExpectCommit()

	result, err := env.d.Dispatch(context.Background(), sessionCall("model.test.object.create"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.Value)
	assert.Equal(t, []string{"send-mail:1", "reindex:2"}, env.runner.ran)
}

// A failed commit must not leak queued tasks.
func TestTasksNotRunWhenCommitFails(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(plainMethod("test.object", "create", false,
		func(ctx context.Context, tr *tx.Transaction, args []any, kwargs map[string]any) (any, error) {
			tr.QueueTask("send-mail:1")
			tr.QueueTask("reindex:2")
			return int64(5), nil
		})))
	env := newTestEnv(t, reg, Config{})

	env.mock.ExpectBegin()
	env.mock.ExpectCommit().WillReturnError(errors.New("disk full"))

	_, err := env.d.Dispatch(context.Background(), sessionCall("model.test.object.create"))
	require.Error(t, err)
	assert.Empty(t, env.runner.ran)
}

// Tasks queued before a rollback never run.
func TestTasksNotRunAfterRollback(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(plainMethod("test.object", "create", false,
		func(ctx context.Context, tr *tx.Transaction, args []any, kwargs map[string]any) (any, error) {
			tr.QueueTask("send-mail:1")
			return nil, &tx.UserError{Message: "validation failed"}
		})))
	env := newTestEnv(t, reg, Config{})

	env.mock.ExpectBegin()
	env.mock.ExpectRollback()

	_, err := env.d.Dispatch(context.Background(), sessionCall("model.test.object.create"))
	var ue *tx.UserError
	require.True(t, errors.As(err, &ue))
	assert.Empty(t, env.runner.ran)
}

// A task failure surfaces after the commit; the business effect stays.
func TestDrainErrorSurfacesAfterCommit(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(plainMethod("test.object", "create", false,
		func(ctx context.Context, tr *tx.Transaction, args []any, kwargs map[string]any) (any, error) {
			tr.QueueTask("send-mail:1")
			tr.QueueTask("reindex:2")
			return int64(5), nil
		})))
	env := newTestEnv(t, reg, Config{})
	env.runner.fail = map[string]error{"send-mail:1": errors.New("smtp down")}

	env.mock.ExpectBegin()
	env.mock.ExpectCommit()

	_, err := env.d.Dispatch(context.Background(), sessionCall("model.test.object.create"))
	var de *DrainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "send-mail:1", de.TaskID)
	// The failed task stops the drain; later tasks did not run.
	assert.Empty(t, env.runner.ran)
}

// Business errors abort on first occurrence with a rollback.
func TestBusinessErrorAbortsWithoutRetry(t *testing.T) {
	reg := registry.New()
	calls := 0
	require.NoError(t, reg.Register(plainMethod("test.object", "create", false,
		func(ctx context.Context, tr *tx.Transaction, args []any, kwargs map[string]any) (any, error) {
			calls++
			return nil, &tx.ConcurrencyError{Model: "test.object", ID: 9}
		})))
	env := newTestEnv(t, reg, Config{RetryLimit: 5})

	env.mock.ExpectBegin()
	env.mock.ExpectRollback()

	_, err := env.d.Dispatch(context.Background(), sessionCall("model.test.object.create"))
	var ce *tx.ConcurrencyError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 1, calls)
}

func TestForbiddenAndNotFound(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(plainMethod("test.object", "search", true,
		func(ctx context.Context, tr *tx.Transaction, args []any, kwargs map[string]any) (any, error) {
			return nil, nil
		})))
	env := newTestEnv(t, reg, Config{})

	_, err := env.d.Dispatch(context.Background(), sessionCall("model.test.object.drop"))
	assert.ErrorIs(t, err, registry.ErrForbidden)

	_, err = env.d.Dispatch(context.Background(), sessionCall("model.nope.search"))
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestFreshSessionRequired(t *testing.T) {
	reg := registry.New()
	m := plainMethod("res.user", "set_password", false,
		func(ctx context.Context, tr *tx.Transaction, args []any, kwargs map[string]any) (any, error) {
			return true, nil
		})
	m.Desc.FreshSession = true
	require.NoError(t, reg.Register(m))

	env := newTestEnv(t, reg, Config{})
	stale := &stubSessions{fresh: false}
	env.d.sessions = stale

	_, err := env.d.Dispatch(context.Background(), sessionCall("model.res.user.set_password"))
	assert.ErrorIs(t, err, ErrSessionNotFresh)
}

// Instantiate with a 3-element list and a scalar-only method
// yields three invocations with results in input order.
func TestInstantiateScalarFanout(t *testing.T) {
	reg := registry.New()
	idx := 0
	var seen []int64
	require.NoError(t, reg.Register(&registry.Method{
		Kind: registry.KindModel, Object: "test.object", Name: "name",
		Desc: registry.Descriptor{ReadOnly: true, Instantiate: &idx},
		Scalar: func(ctx context.Context, tr *tx.Transaction, id int64, args []any, kwargs map[string]any) (any, error) {
			seen = append(seen, id)
			return fmt.Sprintf("record-%d", id), nil
		},
	}))
	env := newTestEnv(t, reg, Config{})

	env.mock.ExpectBegin()
	env.mock.ExpectCommit()

	call := sessionCall("model.test.object.name")
	call.Args = []any{[]any{float64(3), float64(1), float64(2)}}
	result, err := env.d.Dispatch(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1, 2}, seen)
	assert.Equal(t, []any{"record-3", "record-1", "record-2"}, result.Value)
}

// A batch-capable method receives the whole list in one invocation.
func TestInstantiateBatchPassthrough(t *testing.T) {
	reg := registry.New()
	idx := 0
	batchCalls := 0
	require.NoError(t, reg.Register(&registry.Method{
		Kind: registry.KindModel, Object: "test.object", Name: "name",
		Desc: registry.Descriptor{ReadOnly: true, Instantiate: &idx},
		Batch: func(ctx context.Context, tr *tx.Transaction, ids []int64, args []any, kwargs map[string]any) ([]any, error) {
			batchCalls++
			out := make([]any, len(ids))
			for i, id := range ids {
				out[i] = id * 10
			}
			return out, nil
		},
	}))
	env := newTestEnv(t, reg, Config{})

	env.mock.ExpectBegin()
	env.mock.ExpectCommit()

	call := sessionCall("model.test.object.name")
	call.Args = []any{[]any{float64(1), float64(2)}}
	result, err := env.d.Dispatch(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, 1, batchCalls)
	assert.Equal(t, []any{int64(10), int64(20)}, result.Value)
}

// A scalar id against a batch-only method is wrapped and unwrapped.
func TestInstantiateScalarAgainstBatchOnly(t *testing.T) {
	reg := registry.New()
	idx := 0
	require.NoError(t, reg.Register(&registry.Method{
		Kind: registry.KindModel, Object: "test.object", Name: "name",
		Desc: registry.Descriptor{ReadOnly: true, Instantiate: &idx},
		Batch: func(ctx context.Context, tr *tx.Transaction, ids []int64, args []any, kwargs map[string]any) ([]any, error) {
			require.Equal(t, []int64{4}, ids)
			return []any{"record-4"}, nil
		},
	}))
	env := newTestEnv(t, reg, Config{})

	env.mock.ExpectBegin()
	env.mock.ExpectCommit()

	call := sessionCall("model.test.object.name")
	call.Args = []any{float64(4)}
	result, err := env.d.Dispatch(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, "record-4", result.Value)
}

// Readonly cacheable calls carry cache-control metadata; a stale cache token
// in the caller's context is fixed transparently via retry.
func TestCacheTokenFixAndCacheControl(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(&registry.Method{
		Kind: registry.KindModel, Object: "test.object", Name: "search",
		Desc: registry.Descriptor{
			ReadOnly: true,
			Cache:    &registry.CachePolicy{MaxAge: time.Minute, Public: true},
		},
		Call: func(ctx context.Context, tr *tx.Transaction, args []any, kwargs map[string]any) (any, error) {
			return []any{"row"}, nil
		},
	}))
	env := newTestEnv(t, reg, Config{})
	env.d.WithCache(cache.New(nil))

	env.mock.ExpectBegin()
	env.mock.ExpectRollback()
	env.mock.ExpectBegin()
	env.mock.ExpectCommit()

	call := sessionCall("model.test.object.search")
	call.Context = map[string]any{cache.ContextKey: "stale-token"}
	result, err := env.d.Dispatch(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, []any{"row"}, result.Value)
	assert.Equal(t, "public, max-age=60", result.CacheControl)
}

func TestResultTransform(t *testing.T) {
	reg := registry.New()
	m := plainMethod("test.object", "search", true,
		func(ctx context.Context, tr *tx.Transaction, args []any, kwargs map[string]any) (any, error) {
			return int64(2), nil
		})
	m.Desc.ResultTransform = func(v any) any { return v.(int64) * 100 }
	require.NoError(t, reg.Register(m))
	env := newTestEnv(t, reg, Config{})

	env.mock.ExpectBegin()
	env.mock.ExpectCommit()

	result, err := env.d.Dispatch(context.Background(), sessionCall("model.test.object.search"))
	require.NoError(t, err)
	assert.Equal(t, int64(200), result.Value)
}

func TestUnauthenticatedCall(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(plainMethod("test.object", "search", true,
		func(ctx context.Context, tr *tx.Transaction, args []any, kwargs map[string]any) (any, error) {
			return nil, nil
		})))
	env := newTestEnv(t, reg, Config{})

	call := sessionCall("model.test.object.search")
	call.Auth = auth.Parse("") // no credentials
	_, err := env.d.Dispatch(context.Background(), call)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}
