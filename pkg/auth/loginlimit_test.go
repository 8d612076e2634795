package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoginLimiterBurstThenThrottle(t *testing.T) {
	l := NewLoginLimiter(0.01, 2)

	_, ok := l.Allow("admin")
	assert.True(t, ok)
	_, ok = l.Allow("admin")
	assert.True(t, ok)

	retryAfter, ok := l.Allow("admin")
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestLoginLimiterPerUsername(t *testing.T) {
	l := NewLoginLimiter(0.01, 1)

	_, ok := l.Allow("alice")
	assert.True(t, ok)
	_, ok = l.Allow("alice")
	assert.False(t, ok)

	// A different account is unaffected.
	_, ok = l.Allow("bob")
	assert.True(t, ok)
}

func TestLoginLimiterSucceedRestoresBudget(t *testing.T) {
	l := NewLoginLimiter(0.01, 1)

	_, ok := l.Allow("admin")
	assert.True(t, ok)
	l.Succeed("admin")

	_, ok = l.Allow("admin")
	assert.True(t, ok)
}
