package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/CrashCraftNetwork/SessionManager/events"
	"github.com/CrashCraftNetwork/SessionManager/metrics"
	"github.com/CrashCraftNetwork/SessionManager/serial"
	"github.com/CrashCraftNetwork/SessionManager/store"
)

// ExternalIdentity is a connecting user as seen at the admission boundary.
type ExternalIdentity struct {
	ID          string
	DisplayName string
}

// Admission is the result of a successful Admit call.
type Admission struct {
	UserID int64
	// Resumed reports that a non-closing session already existed on this
	// node; the row was kept and no creation hooks were re-run.
	Resumed bool
}

// Disconnector force-closes a user's live connection on this node. The
// gateway registers itself as the implementation.
type Disconnector interface {
	DisconnectUser(user string, reason string)
}

// Config carries the coordinator's timing knobs and node identity.
type Config struct {
	NodeName string
	// PollInterval is the delay between cross-node closing-flag checks
	// during admission.
	PollInterval time.Duration
	// AdmitTimeout bounds one whole Admit call, poll included. Keep it
	// below the gateway's response write timeout so a denial still reaches
	// the client. Zero disables the bound.
	AdmitTimeout time.Duration
	// SweepInterval is the period of the reconciliation loop.
	SweepInterval time.Duration
	// CloseHookTimeout bounds the wait on dependency close completions. On
	// expiry the session row is left for the next sweep to retry.
	CloseHookTimeout time.Duration
}

// Coordinator drives the session lifecycle: admission with cross-node close
// signaling, polling-based close resolution, the reconciliation sweep, and
// shutdown drain. Cross-node coordination happens exclusively through the
// shared store; nodes never talk to each other.
type Coordinator struct {
	cfg   Config
	store store.Store
	reg   *Registry
	exec  *serial.Executor
	pub   events.Publisher
	log   *zap.Logger
	clock clockwork.Clock

	nodeID int64

	accepting atomic.Bool
	sweepMu   sync.Mutex // held for the duration of one reconciliation pass

	finMu      sync.Mutex
	finalizing map[int64]struct{} // per-user exclusion for finalizeSession

	discMu sync.RWMutex
	disc   Disconnector
}

var (
	errStillClosing     = errors.New("a closing session still exists")
	errFinalizeInFlight = errors.New("session finalize already in flight")
)

const publishTimeout = 10 * time.Second

// New resolves this node's identity against the store and purges any session
// rows left over from an improper shutdown. An unresolvable node name is a
// fatal configuration error: the process must not join the fleet under an
// unknown identity.
func New(ctx context.Context, cfg Config, st store.Store, reg *Registry, exec *serial.Executor, pub events.Publisher, log *zap.Logger, clock clockwork.Clock) (*Coordinator, error) {
	nodeID, err := st.NodeIDByName(ctx, cfg.NodeName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if nodeID == 0 {
		return nil, fmt.Errorf("%w: node %q is not provisioned in the store", ErrConfiguration, cfg.NodeName)
	}

	if err := st.DeleteAllSessions(ctx, nodeID); err != nil {
		return nil, fmt.Errorf("%w: purging stale sessions: %v", ErrStoreUnavailable, err)
	}

	c := &Coordinator{
		cfg:        cfg,
		store:      st,
		reg:        reg,
		exec:       exec,
		pub:        pub,
		log:        log.Named("coordinator").With(zap.String("node", cfg.NodeName)),
		clock:      clock,
		nodeID:     nodeID,
		finalizing: make(map[int64]struct{}),
	}
	c.accepting.Store(true)
	return c, nil
}

// NodeID returns this node's resolved store identity.
func (c *Coordinator) NodeID() int64 {
	return c.nodeID
}

// SetDisconnector registers the connection front end used for forced
// disconnects. Sessions finalize without one; the kick is simply skipped.
func (c *Coordinator) SetDisconnector(d Disconnector) {
	c.discMu.Lock()
	c.disc = d
	c.discMu.Unlock()
}

// Admit runs the admission protocol for a connecting user. It must be called
// off the on-path executor: it blocks on a bounded-interval poll while remote
// nodes flush the user's previous session.
//
// Close-then-create ordering: the local row is created only after no closing
// session for the user remains anywhere in the fleet, so at no instant do two
// nodes both hold a non-closing row for the same user.
func (c *Coordinator) Admit(ctx context.Context, identity ExternalIdentity) (*Admission, error) {
	if c.cfg.AdmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.AdmitTimeout)
		defer cancel()
	}

	if !c.accepting.Load() {
		metrics.AdmissionsTotal.WithLabelValues("denied").Inc()
		return nil, deny(CodeDraining, "node is shutting down", nil)
	}

	if err := c.store.UpsertUser(ctx, identity.ID, identity.DisplayName); err != nil {
		c.log.Error("admission: user upsert failed", zap.String("user", identity.ID), zap.Error(err))
		metrics.AdmissionsTotal.WithLabelValues("denied").Inc()
		return nil, deny(CodeStoreUnavailable, "unable to start session, store unavailable", err)
	}

	userID, err := c.store.UserIDByExternalID(ctx, identity.ID)
	if err != nil {
		c.log.Error("admission: user lookup failed", zap.String("user", identity.ID), zap.Error(err))
		metrics.AdmissionsTotal.WithLabelValues("denied").Inc()
		return nil, deny(CodeStoreUnavailable, "unable to start session, store unavailable", err)
	}
	if userID == 0 {
		// The row should exist immediately after the upsert. Do not guess.
		c.log.Error("admission: no user id after upsert", zap.String("user", identity.ID))
		metrics.AdmissionsTotal.WithLabelValues("denied").Inc()
		return nil, deny(CodeIdentityResolution, "unable to start session, no identity found", ErrIdentityResolution)
	}

	// One-way cross-node close signal. The remote node discovers the flag
	// through its own reconciliation sweep.
	if err := c.store.MarkClosingExcept(ctx, c.nodeID, userID); err != nil {
		c.log.Error("admission: marking remote sessions closing failed", zap.String("user", identity.ID), zap.Error(err))
		metrics.AdmissionsTotal.WithLabelValues("denied").Inc()
		return nil, deny(CodeStoreUnavailable, "unable to start session, store unavailable", err)
	}

	if err := c.waitForRemoteClose(ctx, userID); err != nil {
		metrics.AdmissionsTotal.WithLabelValues("denied").Inc()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, deny(CodeTimeout, "timed out waiting for previous session to close", err)
		}
		return nil, deny(CodeStoreUnavailable, "unable to start session, store unavailable", err)
	}

	// Resume case: a non-closing session already open here means the data is
	// current. Keep the row and do not re-run creation hooks.
	open, err := c.store.HasOpenSession(ctx, userID, c.nodeID)
	if err != nil {
		metrics.AdmissionsTotal.WithLabelValues("denied").Inc()
		return nil, deny(CodeStoreUnavailable, "unable to start session, store unavailable", err)
	}
	if open {
		c.log.Info("admission: resuming open session", zap.String("user", identity.ID))
		metrics.AdmissionsTotal.WithLabelValues("resumed").Inc()
		return &Admission{UserID: userID, Resumed: true}, nil
	}

	if err := c.store.InsertSession(ctx, userID, c.nodeID); err != nil {
		metrics.AdmissionsTotal.WithLabelValues("denied").Inc()
		return nil, deny(CodeStoreUnavailable, "unable to start session, store unavailable", err)
	}

	metrics.SessionsOpen.Inc()
	metrics.AdmissionsTotal.WithLabelValues("admitted").Inc()
	c.publish(events.TypeSessionOpened, identity.ID)

	c.reg.NotifyCreate(ctx, identity.ID)

	return &Admission{UserID: userID}, nil
}

// waitForRemoteClose polls until no closing session for the user remains
// anywhere. The interval is bounded and the wait is cancellable through ctx;
// store errors abort immediately.
func (c *Coordinator) waitForRemoteClose(ctx context.Context, userID int64) error {
	check := func() error {
		closing, err := c.store.HasClosingSessionAnywhere(ctx, userID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if closing {
			return errStillClosing
		}
		return nil
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(c.cfg.PollInterval), ctx)
	return backoff.Retry(check, policy)
}

// NotifyDisconnect handles the end of a user's connection to this node. If a
// closing row already exists here, another path is finalizing the session and
// this is a no-op. Otherwise the local row is flagged and driven to
// completion synchronously, so a clean disconnect does not wait for the next
// sweep.
func (c *Coordinator) NotifyDisconnect(ctx context.Context, user string) error {
	userID, err := c.store.UserIDByExternalID(ctx, user)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if userID == 0 {
		c.log.Warn("disconnect for unknown user", zap.String("user", user))
		return nil
	}

	closing, err := c.store.HasClosingSession(ctx, userID, c.nodeID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if closing {
		// Already being finalized; flushing again would push stale cache
		// state over data another node may already own.
		c.log.Debug("disconnect ignored, session already closing", zap.String("user", user))
		return nil
	}

	if err := c.store.MarkClosing(ctx, c.nodeID, userID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// The mark only lands on an existing open row. If none did, there is no
	// session here to close and running the hooks would flush data for a
	// session that no longer exists.
	marked, err := c.store.HasClosingSession(ctx, userID, c.nodeID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !marked {
		c.log.Debug("disconnect with no local session", zap.String("user", user))
		return nil
	}

	if err := c.finalizeSession(ctx, userID, user); err != nil {
		if errors.Is(err, errFinalizeInFlight) {
			// Another path (sweep, remote handover) is already closing it.
			c.log.Debug("disconnect overlapped an in-flight finalize", zap.String("user", user))
			return nil
		}
		return err
	}
	metrics.SessionsClosedTotal.WithLabelValues("disconnect").Inc()
	return nil
}

// finalizeSession completes a closing session: dependency close hooks run and
// their completions are awaited strictly before the row is deleted. Never
// runs twice concurrently for the same user on this node; an overlapping call
// gets errFinalizeInFlight so it is not mistaken for a completed close.
func (c *Coordinator) finalizeSession(ctx context.Context, userID int64, user string) error {
	c.finMu.Lock()
	if _, busy := c.finalizing[userID]; busy {
		c.finMu.Unlock()
		return errFinalizeInFlight
	}
	c.finalizing[userID] = struct{}{}
	c.finMu.Unlock()
	defer func() {
		c.finMu.Lock()
		delete(c.finalizing, userID)
		c.finMu.Unlock()
	}()

	pending := c.reg.NotifyClose(ctx, user)
	if err := c.awaitCompletions(ctx, user, pending); err != nil {
		// The row stays; the next reconciliation sweep retries.
		return err
	}

	c.kick(ctx, user)

	if err := c.store.DeleteSession(ctx, userID, c.nodeID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	metrics.SessionsOpen.Dec()
	c.publish(events.TypeSessionClosed, user)
	return nil
}

// awaitCompletions joins the dependency completion signals within the
// configured bound.
func (c *Coordinator) awaitCompletions(ctx context.Context, user string, pending []completion) error {
	if len(pending) == 0 {
		return nil
	}

	timeout := c.clock.After(c.cfg.CloseHookTimeout)
	for _, p := range pending {
		select {
		case <-p.done:
		case <-timeout:
			metrics.CloseHookTimeouts.Inc()
			c.log.Error("close hook join timed out, deferring to next sweep",
				zap.String("dependency", p.name),
				zap.String("user", user),
				zap.Duration("timeout", c.cfg.CloseHookTimeout))
			return fmt.Errorf("dependency %s close did not complete within %s", p.name, c.cfg.CloseHookTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// kick force-disconnects a locally connected user. Closing is authoritative:
// the live session is about to be, or already is, elsewhere. Runs on the
// on-path executor because it mutates state the primary loop observes.
func (c *Coordinator) kick(ctx context.Context, user string) {
	c.discMu.RLock()
	disc := c.disc
	c.discMu.RUnlock()
	if disc == nil {
		return
	}
	c.exec.Do(ctx, func(context.Context) {
		disc.DisconnectUser(user, "Session closed: this account is now active on another server")
	})
}

// publish sends a lifecycle record on its own goroutine with its own bounded
// context: the protocol never waits on the event stream, and the record still
// goes out after the triggering request ends.
func (c *Coordinator) publish(typ events.Type, user string) {
	ev := events.Event{Type: typ, User: user, Node: c.cfg.NodeName, Time: c.clock.Now()}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := c.pub.Publish(ctx, ev); err != nil {
			c.log.Warn("lifecycle event publish failed", zap.String("type", string(typ)), zap.Error(err))
		}
	}()
}
