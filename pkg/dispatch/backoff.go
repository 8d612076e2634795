package dispatch

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// backoffParams seed the deterministic jitter so concurrent retries of
// different calls never sleep for identical intervals.
type backoffParams struct {
	Database  string
	CallName  string
	RequestID string
	Attempt   int
}

// backoffDelay computes the sleep before operational-error retry n of limit.
// The base schedule is decreasing linear: unit * (limit - attempt), tuned so
// early retries wait longest while contention drains. Jitter of up to half a
// unit is added from a PRF over the call identity to break herds.
func backoffDelay(params backoffParams, limit int, unit time.Duration) time.Duration {
	remaining := limit - params.Attempt
	if remaining < 0 {
		remaining = 0
	}
	base := time.Duration(remaining) * unit
	return base + jitter(params, unit/2)
}

func jitter(params backoffParams, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%s:%d",
		params.Database, params.CallName, params.RequestID, params.Attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(max))
}
