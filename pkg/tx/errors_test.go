package tx

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestClassifySerializationFailure(t *testing.T) {
	err := Classify(&pq.Error{Code: "40001", Message: "could not serialize access"})
	var oe *OperationalError
	assert.True(t, errors.As(err, &oe))
}

func TestClassifyDeadlock(t *testing.T) {
	err := Classify(&pq.Error{Code: "40P01", Message: "deadlock detected"})
	var oe *OperationalError
	assert.True(t, errors.As(err, &oe))
}

func TestClassifyStatementTimeout(t *testing.T) {
	err := Classify(&pq.Error{Code: "57014", Message: "canceling statement due to statement timeout"})
	var te *TimeoutError
	assert.True(t, errors.As(err, &te))
}

func TestClassifyDeadlineExceeded(t *testing.T) {
	err := Classify(fmt.Errorf("query: %w", context.DeadlineExceeded))
	var te *TimeoutError
	assert.True(t, errors.As(err, &te))
}

func TestClassifyOtherPqErrorPassesThrough(t *testing.T) {
	in := &pq.Error{Code: "23505", Message: "duplicate key"}
	out := Classify(in)
	var oe *OperationalError
	var te *TimeoutError
	assert.False(t, errors.As(out, &oe))
	assert.False(t, errors.As(out, &te))
	assert.ErrorIs(t, out, error(in))
}

func TestClassifyTaxonomyPassesThrough(t *testing.T) {
	for _, err := range []error{
		&RetryWith{Reason: "stale token"},
		&OperationalError{Err: errors.New("x")},
		&TimeoutError{Err: errors.New("x")},
		&UserError{Message: "bad value"},
		&LoginError{Reason: "nope"},
	} {
		assert.Equal(t, err, Classify(err))
	}
}

func TestClassifyNil(t *testing.T) {
	assert.NoError(t, Classify(nil))
}

func TestIsBusiness(t *testing.T) {
	assert.True(t, IsBusiness(&UserError{Message: "m"}))
	assert.True(t, IsBusiness(&UserWarning{Name: "w", Message: "m"}))
	assert.True(t, IsBusiness(&ConcurrencyError{Model: "res.user", ID: 1}))
	assert.True(t, IsBusiness(&LoginError{Reason: "r"}))
	assert.True(t, IsBusiness(&RateLimitError{}))
	assert.False(t, IsBusiness(&OperationalError{Err: errors.New("x")}))
	assert.False(t, IsBusiness(errors.New("boom")))
}

func TestContextLanguage(t *testing.T) {
	assert.Equal(t, "en", Context{}.Language())
	assert.Equal(t, "de", Context{"language": "de"}.Language())
	assert.Equal(t, "en", Context{"language": ""}.Language())
}
