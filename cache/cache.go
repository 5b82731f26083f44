// Package cache provides the per-user attached-data cache: one
// application-defined object per actively-sessioned user on this node,
// materialized through declared lifecycle hooks and kept in lock-step with
// the session lifecycle. A Cache registers itself as a session dependency
// and its load/evict paths are the session protocol's side effects.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/CrashCraftNetwork/SessionManager/metrics"
	"github.com/CrashCraftNetwork/SessionManager/serial"
)

// Factory constructs a fresh data object for a user before any load hook
// has run.
type Factory[T any] func(user string) T

type Cache[T any] struct {
	name    string
	factory Factory[T]
	hooks   *HookSet[T]
	exec    *serial.Executor
	log     *zap.Logger
	clock   clockwork.Clock

	mu       sync.RWMutex
	entries  map[string]T
	loading  map[string]chan struct{} // closed when a key's in-flight load has joined
	evicting map[string]struct{}

	group singleflight.Group
	sem   chan struct{} // bounds concurrent off-path hook execution

	saveInterval time.Duration
}

// Option configures a Cache.
type Option[T any] func(*Cache[T])

// WithWorkerCount bounds the worker pool running off-path hooks.
func WithWorkerCount[T any](n int) Option[T] {
	return func(c *Cache[T]) {
		if n > 0 {
			c.sem = make(chan struct{}, n)
		}
	}
}

// WithSaveInterval enables the periodic save sweep (see RunSaver).
func WithSaveInterval[T any](d time.Duration) Option[T] {
	return func(c *Cache[T]) { c.saveInterval = d }
}

// New builds a cache for one data-object type. The name is used for logging
// and metrics and should be unique per process.
func New[T any](name string, factory Factory[T], hooks *HookSet[T], exec *serial.Executor, log *zap.Logger, clock clockwork.Clock, opts ...Option[T]) *Cache[T] {
	c := &Cache[T]{
		name:     name,
		factory:  factory,
		hooks:    hooks,
		exec:     exec,
		log:      log.Named("cache").With(zap.String("cache", name)),
		clock:    clock,
		entries:  make(map[string]T),
		loading:  make(map[string]chan struct{}),
		evicting: make(map[string]struct{}),
		sem:      make(chan struct{}, 4),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the cache's registered name.
func (c *Cache[T]) Name() string {
	return c.name
}

// Get returns the cached entry for user, loading it on miss. The load runs
// every declared load hook, on-path and off-path, before the entry becomes
// visible. Concurrent calls for the same key share one load.
//
// Calling Get from the on-path context itself means the caller skipped the
// prefetch protocol: the load would stall the primary loop. That is surfaced
// as a diagnostic and the load proceeds anyway.
func (c *Cache[T]) Get(ctx context.Context, user string) (T, error) {
	if serial.OnLoop(ctx) {
		c.log.Error("cache miss load invoked from the on-path context; caller bypassed prefetch",
			zap.String("user", user))
	}

	c.mu.RLock()
	if entry, ok := c.entries[user]; ok {
		c.mu.RUnlock()
		return entry, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do(user, func() (any, error) {
		return c.load(ctx, user)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Prefetch warms the cache for user without blocking the caller: hooks for
// both lanes run concurrently and the entry is inserted only after both
// complete. Prefetching an already-live entry is a caller bug, reported as a
// diagnostic no-op.
func (c *Cache[T]) Prefetch(ctx context.Context, user string) {
	c.mu.RLock()
	_, present := c.entries[user]
	c.mu.RUnlock()
	if present {
		c.log.Error("prefetch for a user already in the cache", zap.String("user", user))
		return
	}

	go func() {
		if _, err, _ := c.group.Do(user, func() (any, error) {
			return c.load(ctx, user)
		}); err != nil {
			c.log.Error("prefetch load failed", zap.String("user", user), zap.Error(err))
		}
	}()
}

// load constructs the data object and runs both load lanes to completion
// before inserting. The entry is invisible to readers until the join. The
// load is registered in c.loading for its whole duration so an eviction
// arriving mid-load can wait for the join instead of missing the entry.
func (c *Cache[T]) load(ctx context.Context, user string) (T, error) {
	inflight := make(chan struct{})
	c.mu.Lock()
	c.loading[user] = inflight
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.loading, user)
		c.mu.Unlock()
		close(inflight)
	}()

	data := c.factory(user)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.exec.Do(gctx, func(loopCtx context.Context) {
			c.runHooks(loopCtx, PhaseLoad, OnPath, user, data)
		})
	})
	g.Go(func() error {
		c.offPath(func() {
			c.runHooks(gctx, PhaseLoad, OffPath, user, data)
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		var zero T
		return zero, err
	}

	c.mu.Lock()
	c.entries[user] = data
	c.mu.Unlock()

	metrics.CacheLoadsTotal.WithLabelValues(c.name).Inc()
	metrics.CacheEntries.WithLabelValues(c.name).Inc()
	return data, nil
}

// Evict flushes and removes the entry for user. Save hooks (if declared) run
// first, then unload hooks, split between lanes as declared. The entry
// leaves the cache once the on-path group finishes; the returned channel
// closes when the off-path group has finished too, so callers can order row
// deletion after the full flush. Evicting an absent key is legal (the
// session closed before the cache warmed) but surfaced as a diagnostic.
func (c *Cache[T]) Evict(ctx context.Context, user string) <-chan struct{} {
	done := make(chan struct{})

	c.mu.Lock()
	data, ok := c.entries[user]
	for !ok {
		inflight, loading := c.loading[user]
		if !loading {
			c.mu.Unlock()
			c.log.Error("evict requested but no cache data is available", zap.String("user", user))
			close(done)
			return done
		}
		// A load for this user is mid-flight. The entry must not outlive
		// the session row, so wait for the join and evict what it inserted.
		c.mu.Unlock()
		<-inflight
		c.mu.Lock()
		data, ok = c.entries[user]
	}
	c.evicting[user] = struct{}{}
	c.mu.Unlock()

	// Off-path flush runs on a worker.
	offDone := make(chan struct{})
	go func() {
		defer close(offDone)
		c.offPath(func() {
			c.runHooks(ctx, PhaseSave, OffPath, user, data)
			c.runHooks(ctx, PhaseUnload, OffPath, user, data)
		})
	}()

	// On-path flush completes before Evict returns; the entry is removed
	// from the cache the moment this lane finishes.
	c.exec.Do(ctx, func(loopCtx context.Context) {
		c.runHooks(loopCtx, PhaseSave, OnPath, user, data)
		c.runHooks(loopCtx, PhaseUnload, OnPath, user, data)
		c.mu.Lock()
		delete(c.entries, user)
		c.mu.Unlock()
	})

	// The eviction mark holds until both lanes have finished, so the save
	// sweep can never overlap a close-path flush for the same key.
	go func() {
		<-offDone
		c.mu.Lock()
		delete(c.evicting, user)
		c.mu.Unlock()
		close(done)
	}()

	metrics.CacheEvictionsTotal.WithLabelValues(c.name).Inc()
	metrics.CacheEntries.WithLabelValues(c.name).Dec()
	return done
}

// NotifyLogin runs the login-phase hooks for an already-cached user, called
// by the connection front end once the user's connection is established.
func (c *Cache[T]) NotifyLogin(ctx context.Context, user string) {
	c.mu.RLock()
	data, ok := c.entries[user]
	c.mu.RUnlock()
	if !ok {
		c.log.Warn("login hooks skipped, user not cached", zap.String("user", user))
		return
	}

	go c.offPath(func() {
		c.runHooks(ctx, PhaseLogin, OffPath, user, data)
	})
	c.exec.Do(ctx, func(loopCtx context.Context) {
		c.runHooks(loopCtx, PhaseLogin, OnPath, user, data)
	})
}

// Contains reports whether user currently has a visible entry.
func (c *Cache[T]) Contains(user string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[user]
	return ok
}

// Len returns the number of visible entries.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// OnSessionCreate implements session.Dependency: session creation warms the
// cache.
func (c *Cache[T]) OnSessionCreate(ctx context.Context, user string) {
	c.Prefetch(ctx, user)
}

// OnSessionClose implements session.Dependency. The flush happens through
// the completion variant so the coordinator can await it.
func (c *Cache[T]) OnSessionClose(ctx context.Context, user string) {}

// OnSessionCloseWithCompletion implements session.CloseCompleter: session
// close evicts the entry and hands the off-path flush signal back to the
// coordinator.
func (c *Cache[T]) OnSessionCloseWithCompletion(ctx context.Context, user string) <-chan struct{} {
	return c.Evict(ctx, user)
}

// runHooks executes one (phase, lane) bucket in declaration order. A failing
// hook is logged with its name and never stops the remaining hooks.
func (c *Cache[T]) runHooks(ctx context.Context, phase Phase, lane Lane, user string, data T) {
	for _, h := range c.hooks.hooks(phase, lane) {
		if err := h.fn(ctx, data); err != nil {
			c.log.Error("cache hook failed",
				zap.String("hook", h.name),
				zap.Stringer("phase", phase),
				zap.Stringer("lane", lane),
				zap.String("user", user),
				zap.Error(err))
		}
	}
}

// offPath runs fn on the bounded off-path worker budget.
func (c *Cache[T]) offPath(fn func()) {
	c.sem <- struct{}{}
	defer func() { <-c.sem }()
	fn()
}
