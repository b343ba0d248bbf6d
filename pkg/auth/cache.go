package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultFetchTimeout = 15 * time.Second

// Cache serves one credential to any number of concurrent callers. While the
// credential is missing or near expiry, callers share a single refresh and
// every one of them observes its outcome.
type Cache struct {
	source       Source
	fetchTimeout time.Duration
	now          func() time.Time
	log          *slog.Logger

	mu      sync.RWMutex
	current Credential

	flight singleflight.Group
}

func NewCache(source Source, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}

	return &Cache{
		source:       source,
		fetchTimeout: defaultFetchTimeout,
		now:          time.Now,
		log:          log.With("component", "auth.cache"),
	}
}

// Get returns a credential valid for at least RefreshMargin. Cancelling ctx
// abandons this caller's wait only; a refresh already in flight completes for
// the other waiters.
func (c *Cache) Get(ctx context.Context) (Credential, error) {
	return c.get(ctx, 0)
}

// Prewarm refreshes the credential if it would stop being served within
// ahead. It lets a scheduled job keep the token fresh off the dispatch path.
func (c *Cache) Prewarm(ctx context.Context, ahead time.Duration) error {
	_, err := c.get(ctx, ahead)
	return err
}

// Invalidate drops the current credential so the next Get refreshes.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.current = Credential{}
	c.mu.Unlock()
}

func (c *Cache) get(ctx context.Context, ahead time.Duration) (Credential, error) {
	if cred, ok := c.fresh(ahead); ok {
		return cred, nil
	}

	ch := c.flight.DoChan("token", func() (any, error) {
		// Another flight may have finished between the check above and now.
		if cred, ok := c.fresh(ahead); ok {
			return cred, nil
		}
		return c.refresh(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	}
}

func (c *Cache) fresh(ahead time.Duration) (Credential, bool) {
	c.mu.RLock()
	cred := c.current
	c.mu.RUnlock()

	return cred, cred.ValidAt(c.now().Add(ahead))
}

func (c *Cache) refresh(ctx context.Context) (Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	cred, err := c.source.Fetch(ctx)
	if err != nil {
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			err = &AuthError{Err: err}
		}
		c.log.Error("Access token refresh failed", "error", err)
		return Credential{}, err
	}

	if !cred.ValidAt(c.now()) {
		err := &AuthError{Message: "credential expires within the refresh margin"}
		c.log.Error("Access token refresh failed", "error", err, "expires_at", cred.ExpiresAt)
		return Credential{}, err
	}

	c.mu.Lock()
	c.current = cred
	c.mu.Unlock()

	c.log.Info("Access token refreshed", "expires_at", cred.ExpiresAt.UTC().Format(time.RFC3339))
	return cred, nil
}
