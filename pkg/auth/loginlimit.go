package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LoginLimiter throttles authentication attempts per username so credential
// stuffing cannot grind the bcrypt path. Entries are dropped once idle.
type LoginLimiter struct {
	mu       sync.Mutex
	attempts map[string]*loginAttempts
	rps      rate.Limit
	burst    int
}

type loginAttempts struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLoginLimiter allows burst immediate attempts per username, refilled at
// rps. A background sweep evicts usernames idle for more than ten minutes.
func NewLoginLimiter(rps float64, burst int) *LoginLimiter {
	l := &LoginLimiter{
		attempts: make(map[string]*loginAttempts),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go l.sweep()
	return l
}

// Allow reports whether another attempt for username may proceed. When
// denied, the returned duration is a suggestion for Retry-After.
func (l *LoginLimiter) Allow(username string) (time.Duration, bool) {
	l.mu.Lock()
	a, ok := l.attempts[username]
	if !ok {
		a = &loginAttempts{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.attempts[username] = a
	}
	a.lastSeen = time.Now()
	l.mu.Unlock()

	if a.limiter.Allow() {
		return 0, true
	}
	retryAfter := time.Duration(float64(time.Second) / float64(l.rps))
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return retryAfter, false
}

// Succeed clears the throttle state for username after a successful login.
func (l *LoginLimiter) Succeed(username string) {
	l.mu.Lock()
	delete(l.attempts, username)
	l.mu.Unlock()
}

func (l *LoginLimiter) sweep() {
	for {
		time.Sleep(time.Minute)
		l.mu.Lock()
		for username, a := range l.attempts {
			if time.Since(a.lastSeen) > 10*time.Minute {
				delete(l.attempts, username)
			}
		}
		l.mu.Unlock()
	}
}
