package cache

import (
	"context"

	"go.uber.org/zap"
)

// RunSaver drives the periodic save sweep: at every save interval, save
// hooks run for every cached entry without evicting anything. This is a
// durability safety net independent of session close; entries with an
// eviction in flight are skipped so the close-path save never doubles up.
// Blocks until ctx is cancelled. A zero save interval disables the sweep and
// RunSaver returns immediately.
func (c *Cache[T]) RunSaver(ctx context.Context) {
	if c.saveInterval <= 0 {
		return
	}

	ticker := c.clock.NewTicker(c.saveInterval)
	defer ticker.Stop()

	c.log.Info("periodic save sweep started", zap.Duration("interval", c.saveInterval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.saveAll(ctx)
		}
	}
}

func (c *Cache[T]) saveAll(ctx context.Context) {
	type pair struct {
		user string
		data T
	}

	c.mu.RLock()
	snapshot := make([]pair, 0, len(c.entries))
	for user, data := range c.entries {
		if _, busy := c.evicting[user]; busy {
			continue
		}
		snapshot = append(snapshot, pair{user: user, data: data})
	}
	c.mu.RUnlock()

	for _, p := range snapshot {
		// Re-check right before the hooks run: an eviction that started
		// after the snapshot already owns this key's save.
		c.mu.RLock()
		_, busy := c.evicting[p.user]
		_, present := c.entries[p.user]
		c.mu.RUnlock()
		if busy || !present {
			continue
		}
		c.exec.Do(ctx, func(loopCtx context.Context) {
			c.runHooks(loopCtx, PhaseSave, OnPath, p.user, p.data)
		})
		c.offPath(func() {
			c.runHooks(ctx, PhaseSave, OffPath, p.user, p.data)
		})
	}
}
