package registry

import (
	"context"
	"time"

	"github.com/meridianworks/herald/pkg/tx"
)

// Kind partitions the callable surface.
type Kind string

const (
	KindModel  Kind = "model"
	KindWizard Kind = "wizard"
	KindReport Kind = "report"
)

// CachePolicy marks a readonly method's result as cacheable by the transport.
type CachePolicy struct {
	MaxAge time.Duration
	Public bool
}

// Descriptor is the static metadata registered per callable method. It is
// immutable after registration and shared across all workers without locking.
type Descriptor struct {
	// ReadOnly methods open read-only storage transactions and are never
	// retried on operational errors.
	ReadOnly bool
	// Timeout overrides the process-wide per-call default when positive.
	Timeout time.Duration
	// Instantiate, when non-nil, names the positional argument holding a
	// record id or list of ids to expand into instances before invocation.
	Instantiate *int
	// FreshSession requires the caller's session to be younger than the
	// configured freshness window. Checked once, before the first attempt.
	FreshSession bool
	// ResultTransform, when set, rewrites the method result before it is
	// serialized into the response envelope.
	ResultTransform func(any) any
	// Cache attaches cache-control metadata to successful readonly responses.
	Cache *CachePolicy
}

// Handler is a plain method: invoked once per call, inside the attempt's
// transaction.
type Handler func(ctx context.Context, t *tx.Transaction, args []any, kwargs map[string]any) (any, error)

// ScalarHandler is the per-instance variant of an instantiate-mode method.
type ScalarHandler func(ctx context.Context, t *tx.Transaction, id int64, args []any, kwargs map[string]any) (any, error)

// BatchHandler is the batch-capable variant: one invocation for the whole id
// list, returning one result per id in input order.
type BatchHandler func(ctx context.Context, t *tx.Transaction, ids []int64, args []any, kwargs map[string]any) ([]any, error)

// Method binds a callable to its Descriptor. Instantiate-mode methods declare
// Scalar, Batch, or both; the dispatcher picks the variant the method
// declares instead of probing.
type Method struct {
	Kind   Kind
	Object string
	Name   string
	Desc   Descriptor

	Call   Handler
	Scalar ScalarHandler
	Batch  BatchHandler
}
