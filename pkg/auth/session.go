package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/meridianworks/herald/pkg/tx"
)

// Manager is the session subsystem contract the dispatcher depends on.
type Manager interface {
	// Login authenticates a credential and opens a session, returning the
	// user id. Failed attempts raise tx.LoginError; throttled attempts raise
	// tx.RateLimitError. A failure is never mapped to an anonymous identity.
	Login(ctx context.Context, database, username string, params map[string]any) (int64, error)
	// Logout deletes the session identified by token.
	Logout(ctx context.Context, database string, userID int64, token string) error
	// Check validates a (user, token) pair, sliding the session's last-use
	// timestamp forward when the renewal threshold has passed.
	Check(ctx context.Context, database string, userID int64, token string) (bool, error)
	// Reset renews the session's last-use timestamp unconditionally.
	Reset(ctx context.Context, database, token string) error
	// CheckTimeout reports whether the session is younger than window.
	// Methods requiring a fresh session call this before the first attempt.
	CheckTimeout(ctx context.Context, database string, userID int64, token string, window time.Duration) bool
}

// SQLSessions is the SQL-backed session subsystem. Sessions live outside call
// transactions: renewing one must survive a rolled-back business call.
type SQLSessions struct {
	db      *sql.DB
	limiter *LoginLimiter
	logger  *slog.Logger

	// Lifetime bounds validity; renewal slides last_used forward once more
	// than renewInterval has passed, bounding write traffic on hot sessions.
	Lifetime      time.Duration
	renewInterval time.Duration
}

// NewSQLSessions creates the session subsystem over the given handle.
func NewSQLSessions(db *sql.DB, lifetime time.Duration, limiter *LoginLimiter) *SQLSessions {
	if lifetime <= 0 {
		lifetime = 10 * time.Minute
	}
	return &SQLSessions{
		db:            db,
		limiter:       limiter,
		logger:        slog.Default().With("component", "session"),
		Lifetime:      lifetime,
		renewInterval: lifetime / 10,
	}
}

// Login verifies the password with bcrypt and inserts a session row. The
// per-username limiter is consulted first so that brute-force attempts are
// throttled before any database work.
func (s *SQLSessions) Login(ctx context.Context, database, username string, params map[string]any) (int64, error) {
	if username == "" {
		return 0, &tx.LoginError{Reason: "missing login"}
	}
	if s.limiter != nil {
		if retryAfter, ok := s.limiter.Allow(username); !ok {
			return 0, &tx.RateLimitError{RetryAfter: retryAfter}
		}
	}
	password, _ := params["password"].(string)
	if password == "" {
		return 0, &tx.LoginError{Reason: "unsupported credential scheme"}
	}

	var userID int64
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, password_hash FROM res_user WHERE login = $1 AND active`,
		username,
	).Scan(&userID, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &tx.LoginError{Reason: "unknown login"}
	}
	if err != nil {
		return 0, fmt.Errorf("login lookup: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		s.logger.InfoContext(ctx, "login rejected", "database", database, "login", username)
		return 0, &tx.LoginError{Reason: "invalid password"}
	}

	token := uuid.NewString()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO session (token, user_id, created_at, last_used) VALUES ($1, $2, NOW(), NOW())`,
		token, userID,
	); err != nil {
		return 0, fmt.Errorf("open session: %w", err)
	}
	if s.limiter != nil {
		s.limiter.Succeed(username)
	}
	s.logger.InfoContext(ctx, "login", "database", database, "login", username, "user", userID)
	return userID, nil
}

func (s *SQLSessions) Logout(ctx context.Context, database string, userID int64, token string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session WHERE token = $1 AND user_id = $2`, token, userID)
	return err
}

func (s *SQLSessions) Check(ctx context.Context, database string, userID int64, token string) (bool, error) {
	var lastUsed time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT last_used FROM session WHERE token = $1 AND user_id = $2`,
		token, userID,
	).Scan(&lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session check: %w", err)
	}
	age := time.Since(lastUsed)
	if age > s.Lifetime {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM session WHERE token = $1`, token)
		return false, nil
	}
	if age > s.renewInterval {
		if err := s.Reset(ctx, database, token); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *SQLSessions) Reset(ctx context.Context, database, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE session SET last_used = NOW() WHERE token = $1`, token)
	return err
}

// CheckTimeout reports whether the session was created within window. Errors
// and missing sessions count as stale: privileged methods fail closed.
func (s *SQLSessions) CheckTimeout(ctx context.Context, database string, userID int64, token string, window time.Duration) bool {
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM session WHERE token = $1 AND user_id = $2`,
		token, userID,
	).Scan(&createdAt)
	if err != nil {
		return false
	}
	return time.Since(createdAt) <= window
}
