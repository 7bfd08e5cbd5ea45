// Package tracked holds the set of identities whose activity is recorded.
package tracked

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/galois26/xwiki-consumer/internal/normalize"
)

// Set is an immutable collection of normalized identities.
type Set struct {
	m map[string]struct{}
}

func NewSet(names []string) Set {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		// stored values should already be normalized; do it again so matching stays exact
		if k := normalize.Actor(n); k != "" {
			m[k] = struct{}{}
		}
	}
	return Set{m: m}
}

// Has reports membership of an already normalized identity. The empty
// string is never a member.
func (s Set) Has(normalized string) bool {
	if normalized == "" {
		return false
	}
	_, ok := s.m[normalized]
	return ok
}

func (s Set) Len() int { return len(s.m) }

// Loader reads the current tracked identities from the backing store.
type Loader interface {
	LoadTracked(ctx context.Context) ([]string, error)
}

// RefreshError is reported when a periodic reload fails. The previous set
// stays in force.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string { return "refresh tracked set: " + e.Err.Error() }
func (e *RefreshError) Unwrap() error { return e.Err }

type snapshot struct {
	set Set
	at  time.Time
}

// Cache serves the current Set and reloads it when the interval elapses.
// A reload replaces the whole Set; readers never see a partial update.
type Cache struct {
	loader   Loader
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
	cur      atomic.Pointer[snapshot]
	// advanced on failure too; the next attempt waits a full interval
	lastAttempt time.Time

	// OnRefresh, when set, observes every reload attempt.
	OnRefresh func(size int, err error)
}

func NewCache(loader Loader, interval, timeout time.Duration, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	c := &Cache{loader: loader, interval: interval, timeout: timeout, log: log}
	c.cur.Store(&snapshot{set: NewSet(nil)})
	return c
}

// Load performs the initial, mandatory load.
func (c *Cache) Load(ctx context.Context, now time.Time) error {
	set, err := c.fetch(ctx)
	c.lastAttempt = now
	c.observe(set, err)
	if err != nil {
		return err
	}
	c.cur.Store(&snapshot{set: set, at: now})
	return nil
}

// Current returns the active Set.
func (c *Cache) Current() Set { return c.cur.Load().set }

// LoadedAt is the time of the last successful load.
func (c *Cache) LoadedAt() time.Time { return c.cur.Load().at }

// MaybeRefresh reloads when the interval has elapsed since the last attempt.
// Failures are logged and swallowed; it reports whether a new set was installed.
func (c *Cache) MaybeRefresh(ctx context.Context, now time.Time) bool {
	if now.Sub(c.lastAttempt) < c.interval {
		return false
	}
	c.lastAttempt = now
	set, err := c.fetch(ctx)
	c.observe(set, err)
	if err != nil {
		c.log.Warn("tracked set refresh failed, keeping previous set",
			"err", &RefreshError{Err: err}, "size", c.Current().Len(), "loaded_at", c.LoadedAt())
		return false
	}
	prev := c.Current().Len()
	c.cur.Store(&snapshot{set: set, at: now})
	c.log.Debug("tracked set refreshed", "size", set.Len(), "previous", prev)
	return true
}

func (c *Cache) fetch(ctx context.Context) (Set, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	names, err := c.loader.LoadTracked(ctx)
	if err != nil {
		return Set{}, fmt.Errorf("load tracked users: %w", err)
	}
	return NewSet(names), nil
}

func (c *Cache) observe(set Set, err error) {
	if c.OnRefresh != nil {
		c.OnRefresh(set.Len(), err)
	}
}
