// Package cache tracks a per-database cache token that readonly cacheable
// responses are keyed on. Writes rotate the token; a caller presenting a
// stale token gets a transparent fix-and-retry instead of stale data.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/meridianworks/herald/pkg/tx"
)

// ContextKey is the execution-context key carrying the caller's cache token.
const ContextKey = "_cache_token"

const tokenTTL = 24 * time.Hour

// Cache resolves and rotates per-database cache tokens. Redis is the shared
// backend in multi-process deployments; without one, a process-local map
// serves single-node setups.
type Cache struct {
	rdb *redis.Client

	mu    sync.Mutex
	local map[string]string
}

// New creates a Cache. client may be nil for the in-process fallback.
func New(client *redis.Client) *Cache {
	return &Cache{rdb: client, local: make(map[string]string)}
}

func key(database string) string {
	return "herald:cache:" + database
}

// Token returns the current cache token for database, minting one on first
// use.
func (c *Cache) Token(ctx context.Context, database string) (string, error) {
	if c.rdb == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		token, ok := c.local[database]
		if !ok {
			token = uuid.NewString()
			c.local[database] = token
		}
		return token, nil
	}
	token, err := c.rdb.Get(ctx, key(database)).Result()
	if errors.Is(err, redis.Nil) {
		token = uuid.NewString()
		if err := c.rdb.Set(ctx, key(database), token, tokenTTL).Err(); err != nil {
			return "", fmt.Errorf("cache token set: %w", err)
		}
		return token, nil
	}
	if err != nil {
		return "", fmt.Errorf("cache token get: %w", err)
	}
	return token, nil
}

// Rotate invalidates all cached responses for database by minting a new
// token. Called after a read-write call commits.
func (c *Cache) Rotate(ctx context.Context, database string) error {
	token := uuid.NewString()
	if c.rdb == nil {
		c.mu.Lock()
		c.local[database] = token
		c.mu.Unlock()
		return nil
	}
	return c.rdb.Set(ctx, key(database), token, tokenTTL).Err()
}

// Validate checks the token the caller presented in its execution context
// against the current one. A mismatch returns tx.RetryWith carrying the fresh
// token, so the dispatcher reopens the attempt with corrected parameters and
// the caller never sees an error.
func (c *Cache) Validate(ctx context.Context, database string, execCtx tx.Context) error {
	presented, ok := execCtx[ContextKey].(string)
	if !ok || presented == "" {
		return nil
	}
	current, err := c.Token(ctx, database)
	if err != nil {
		return err
	}
	if presented != current {
		return &tx.RetryWith{
			Params: map[string]any{ContextKey: current},
			Reason: "stale cache token",
		}
	}
	return nil
}

// Control renders the Cache-Control header value for a cacheable response.
func Control(maxAge time.Duration, public bool) string {
	visibility := "private"
	if public {
		visibility = "public"
	}
	return fmt.Sprintf("%s, max-age=%d", visibility, int(maxAge.Seconds()))
}
