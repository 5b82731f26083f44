package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/CrashCraftNetwork/SessionManager/metrics"
)

// Run drives the background reconciliation loop: every sweep interval it
// discovers local sessions flagged closing and finalizes them. Blocks until
// ctx is cancelled; an in-flight pass is allowed to finish.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	c.log.Info("reconciliation loop started", zap.Duration("interval", c.cfg.SweepInterval))
	for {
		select {
		case <-ctx.Done():
			c.log.Info("reconciliation loop stopped")
			return
		case <-ticker.Chan():
			c.sweep(ctx)
		}
	}
}

// sweep runs one reconciliation pass. Errors on one user never abort the
// pass for the rest.
func (c *Coordinator) sweep(ctx context.Context) {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	c.pass(ctx, "sweep")
}

func (c *Coordinator) pass(ctx context.Context, trigger string) {
	rows, err := c.store.ClosingSessions(ctx, c.nodeID)
	if err != nil {
		c.log.Error("reconciliation: listing closing sessions failed", zap.Error(err))
		return
	}

	for _, row := range rows {
		if err := c.finalizeSession(ctx, row.UserID, row.ExternalID); err != nil {
			if errors.Is(err, errFinalizeInFlight) {
				continue
			}
			c.log.Error("reconciliation: finalize failed, will retry next sweep",
				zap.String("user", row.ExternalID), zap.Error(err))
			continue
		}
		metrics.SessionsClosedTotal.WithLabelValues(trigger).Inc()
	}
}

// Shutdown drains the node: admissions stop, the in-flight sweep is given up
// to timeout to quiesce, every local session is flagged closing, and one
// final full pass finalizes them. A timeout expiry is logged and shutdown
// proceeds regardless; hanging process exit is worse than a stale row the
// crash-recovery purge will clear on next boot.
func (c *Coordinator) Shutdown(ctx context.Context, timeout time.Duration) {
	c.accepting.Store(false)

	deadline := c.clock.Now().Add(timeout)
	acquired := false
	for {
		if c.sweepMu.TryLock() {
			acquired = true
			break
		}
		if !c.clock.Now().Before(deadline) {
			c.log.Error("reconciliation pass has not finished before shutdown timeout, proceeding",
				zap.Duration("timeout", timeout))
			break
		}
		c.clock.Sleep(100 * time.Millisecond)
	}
	if acquired {
		defer c.sweepMu.Unlock()
	}

	if err := c.store.MarkAllClosing(ctx, c.nodeID); err != nil {
		c.log.Error("shutdown: marking sessions closing failed", zap.Error(err))
		return
	}

	c.pass(ctx, "shutdown")
	c.log.Info("closed all sessions")
}
