package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eleven-am/voicenotes-core/internal/shared"
)

// RefreshFunc exchanges a refresh token for a rotated credential pair.
// The response always carries a new refresh token that replaces the old
// one, so the call must never be made twice with the same token.
type RefreshFunc func(ctx context.Context, refreshToken string) (CredentialPair, error)

type refreshResult struct {
	token string
	err   error
}

// Coordinator owns the credential pair and serializes refresh calls.
// When multiple callers hit an expired token concurrently, exactly one
// refresh RPC runs; the rest queue up and are settled with its outcome.
type Coordinator struct {
	refresh RefreshFunc
	store   Store
	log     *slog.Logger

	mu         sync.Mutex
	pair       *CredentialPair
	refreshing bool
	waiters    []chan refreshResult
	closed     bool
}

type CoordinatorConfig struct {
	Refresh RefreshFunc
	Store   Store
	Log     *slog.Logger
}

func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Refresh == nil {
		return nil, fmt.Errorf("auth: refresh func is required")
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	pair, err := cfg.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	return &Coordinator{
		refresh: cfg.Refresh,
		store:   cfg.Store,
		log:     cfg.Log,
		pair:    pair,
	}, nil
}

// Credentials returns a snapshot of the stored pair, or nil when signed out.
func (c *Coordinator) Credentials() *CredentialPair {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pair == nil {
		return nil
	}
	p := *c.pair
	return &p
}

// SetCredentials installs a fresh pair, e.g. after login. The pair is
// persisted before the in-memory swap so a crash cannot leave the store
// holding a token newer than the one in memory.
func (c *Coordinator) SetCredentials(pair CredentialPair) error {
	if err := c.store.Save(pair); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	c.mu.Lock()
	c.pair = &pair
	c.mu.Unlock()
	return nil
}

// AwaitValidToken returns an access token that was valid at the moment
// the refresh RPC settled. The first caller while idle starts the RPC;
// callers arriving while it is in flight queue up and share its outcome.
// On refresh failure every queued caller receives the same error, the
// stored pair is cleared, and the coordinator returns to idle.
func (c *Coordinator) AwaitValidToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", shared.ErrSessionClosed
	}

	if c.refreshing {
		ch := make(chan refreshResult, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()

		select {
		case res := <-ch:
			return res.token, res.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if c.pair == nil || c.pair.RefreshToken == "" {
		c.pair = nil
		c.mu.Unlock()
		return "", shared.ErrNoRefreshToken
	}

	refreshToken := c.pair.RefreshToken
	c.refreshing = true
	c.mu.Unlock()

	pair, err := c.refresh(ctx, refreshToken)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// The caller walked away mid-refresh. That says nothing
			// about the refresh token, so the pair stays.
			c.settleCancelled(ctxErr)
			return "", ctxErr
		}
		err = fmt.Errorf("%w: %v", shared.ErrRefreshRejected, err)
		c.settle(refreshResult{err: err}, nil)
		return "", err
	}

	c.settle(refreshResult{token: pair.AccessToken}, &pair)
	return pair.AccessToken, nil
}

// settle swaps or clears the pair, drains the waiter queue exactly once,
// and returns the coordinator to idle.
func (c *Coordinator) settle(res refreshResult, pair *CredentialPair) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.refreshing = false

	persist := !c.closed
	if persist {
		c.pair = pair
	}
	c.mu.Unlock()

	if persist {
		if pair != nil {
			if err := c.store.Save(*pair); err != nil {
				c.log.Warn("failed to persist refreshed credentials", "error", err)
			}
		} else {
			if err := c.store.Clear(); err != nil {
				c.log.Warn("failed to clear credentials", "error", err)
			}
		}
	}

	for _, ch := range waiters {
		ch <- res
	}
}

// settleCancelled releases the waiter queue and returns to idle without
// touching the stored pair or the store.
func (c *Coordinator) settleCancelled(err error) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.refreshing = false
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- refreshResult{err: err}
	}
}

// Logout clears the pair from memory and durable storage.
func (c *Coordinator) Logout() error {
	c.mu.Lock()
	c.pair = nil
	c.mu.Unlock()
	return c.store.Clear()
}

// Close tears the coordinator down. Queued waiters are rejected rather
// than left pending; an in-flight refresh settles into the void.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- refreshResult{err: shared.ErrSessionClosed}
	}
}
