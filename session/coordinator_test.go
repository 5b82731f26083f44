package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/CrashCraftNetwork/SessionManager/events"
	"github.com/CrashCraftNetwork/SessionManager/serial"
)

// recorderDep records hook invocations and optionally returns a manual
// completion signal from the close hook.
type recorderDep struct {
	mu      sync.Mutex
	created []string
	closed  []string

	completion chan struct{} // returned from the completer when non-nil
}

func (d *recorderDep) OnSessionCreate(_ context.Context, user string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.created = append(d.created, user)
}

func (d *recorderDep) OnSessionClose(_ context.Context, user string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = append(d.closed, user)
}

func (d *recorderDep) OnSessionCloseWithCompletion(_ context.Context, _ string) <-chan struct{} {
	return d.completion
}

func (d *recorderDep) createdUsers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.created...)
}

func (d *recorderDep) closedUsers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.closed...)
}

type testNode struct {
	coord *Coordinator
	exec  *serial.Executor
	reg   *Registry
}

func newTestNode(t *testing.T, st *fakeStore, name string, clock clockwork.Clock) *testNode {
	t.Helper()
	logger := zaptest.NewLogger(t)
	exec := serial.NewExecutor(64)
	t.Cleanup(exec.Stop)
	reg := NewRegistry(logger)

	coord, err := New(context.Background(), Config{
		NodeName:         name,
		PollInterval:     5 * time.Millisecond,
		SweepInterval:    10 * time.Millisecond,
		AdmitTimeout:     5 * time.Second,
		CloseHookTimeout: 2 * time.Second,
	}, st, reg, exec, events.NopPublisher{}, logger, clock)
	require.NoError(t, err)
	return &testNode{coord: coord, exec: exec, reg: reg}
}

func TestNew_UnknownNodeIsFatal(t *testing.T) {
	st := newFakeStore("alpha")
	logger := zaptest.NewLogger(t)
	exec := serial.NewExecutor(16)
	defer exec.Stop()

	_, err := New(context.Background(), Config{
		NodeName:         "ghost",
		PollInterval:     time.Millisecond,
		SweepInterval:    time.Millisecond,
		CloseHookTimeout: time.Second,
	}, st, NewRegistry(logger), exec, events.NopPublisher{}, logger, clockwork.NewRealClock())

	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestAdmit_CreatesSessionAndFiresCreateHooks(t *testing.T) {
	st := newFakeStore("alpha")
	node := newTestNode(t, st, "alpha", clockwork.NewRealClock())
	dep := &recorderDep{}
	node.reg.Register(dep, "recorder")

	adm, err := node.coord.Admit(context.Background(), ExternalIdentity{ID: "u1", DisplayName: "User One"})
	require.NoError(t, err)
	assert.False(t, adm.Resumed)

	open, closing := st.rowCount("u1")
	assert.Equal(t, 1, open)
	assert.Equal(t, 0, closing)
	assert.Equal(t, []string{"u1"}, dep.createdUsers())
}

func TestAdmit_ResumeDoesNotRecreateOrRerunHooks(t *testing.T) {
	st := newFakeStore("alpha")
	node := newTestNode(t, st, "alpha", clockwork.NewRealClock())
	dep := &recorderDep{}
	node.reg.Register(dep, "recorder")

	_, err := node.coord.Admit(context.Background(), ExternalIdentity{ID: "u1", DisplayName: "One"})
	require.NoError(t, err)

	adm, err := node.coord.Admit(context.Background(), ExternalIdentity{ID: "u1", DisplayName: "One"})
	require.NoError(t, err)
	assert.True(t, adm.Resumed)

	open, _ := st.rowCount("u1")
	assert.Equal(t, 1, open)
	assert.Equal(t, []string{"u1"}, dep.createdUsers(), "create hooks must run once")
}

func TestAdmit_DenialCodes(t *testing.T) {
	testCases := []struct {
		name     string
		prepare  func(st *fakeStore)
		expected DenialCode
	}{
		{
			name:     "store down on upsert",
			prepare:  func(st *fakeStore) { st.fail("UpsertUser", errors.New("connection refused")) },
			expected: CodeStoreUnavailable,
		},
		{
			name:     "identity missing after upsert",
			prepare:  func(st *fakeStore) { st.dropUsers = true },
			expected: CodeIdentityResolution,
		},
		{
			name:     "store down marking remote sessions",
			prepare:  func(st *fakeStore) { st.fail("MarkClosingExcept", errors.New("connection refused")) },
			expected: CodeStoreUnavailable,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			st := newFakeStore("alpha")
			node := newTestNode(t, st, "alpha", clockwork.NewRealClock())
			tc.prepare(st)

			_, err := node.coord.Admit(context.Background(), ExternalIdentity{ID: "u1", DisplayName: "One"})
			var denial *AdmissionError
			require.ErrorAs(t, err, &denial)
			assert.Equal(t, tc.expected, denial.Code)
			assert.NotEmpty(t, denial.Reason)

			open, _ := st.rowCount("u1")
			assert.Zero(t, open, "a denied admission must not leave a session row")
		})
	}
}

func TestAdmit_RejectedWhileDraining(t *testing.T) {
	st := newFakeStore("alpha")
	node := newTestNode(t, st, "alpha", clockwork.NewRealClock())

	node.coord.Shutdown(context.Background(), 100*time.Millisecond)

	_, err := node.coord.Admit(context.Background(), ExternalIdentity{ID: "u1", DisplayName: "One"})
	var denial *AdmissionError
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, CodeDraining, denial.Code)
}

func TestAdmit_TimesOutWhileRemoteNeverFinishesClosing(t *testing.T) {
	st := newFakeStore("alpha", "beta")
	logger := zaptest.NewLogger(t)
	exec := serial.NewExecutor(64)
	t.Cleanup(exec.Stop)

	coord, err := New(context.Background(), Config{
		NodeName:         "alpha",
		PollInterval:     5 * time.Millisecond,
		SweepInterval:    10 * time.Millisecond,
		AdmitTimeout:     50 * time.Millisecond,
		CloseHookTimeout: time.Second,
	}, st, NewRegistry(logger), exec, events.NopPublisher{}, logger, clockwork.NewRealClock())
	require.NoError(t, err)

	// A closing row on beta that nothing ever finalizes.
	require.NoError(t, st.UpsertUser(context.Background(), "u1", "One"))
	require.NoError(t, st.InsertSession(context.Background(), 1, 2))
	require.NoError(t, st.MarkClosing(context.Background(), 2, 1))

	start := time.Now()
	_, err = coord.Admit(context.Background(), ExternalIdentity{ID: "u1", DisplayName: "One"})
	var denial *AdmissionError
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, CodeTimeout, denial.Code)
	assert.Less(t, time.Since(start), 2*time.Second, "admission must give up at its own bound")
}

type stallPublisher struct {
	release chan struct{}
	events  chan events.Event
}

func (p *stallPublisher) Publish(_ context.Context, ev events.Event) error {
	<-p.release
	p.events <- ev
	return nil
}

func (p *stallPublisher) Close() error { return nil }

func TestAdmit_DoesNotWaitOnEventPublish(t *testing.T) {
	st := newFakeStore("alpha")
	logger := zaptest.NewLogger(t)
	exec := serial.NewExecutor(64)
	t.Cleanup(exec.Stop)
	pub := &stallPublisher{release: make(chan struct{}), events: make(chan events.Event, 1)}

	coord, err := New(context.Background(), Config{
		NodeName:         "alpha",
		PollInterval:     5 * time.Millisecond,
		SweepInterval:    10 * time.Millisecond,
		AdmitTimeout:     5 * time.Second,
		CloseHookTimeout: time.Second,
	}, st, NewRegistry(logger), exec, pub, logger, clockwork.NewRealClock())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := coord.Admit(context.Background(), ExternalIdentity{ID: "u1", DisplayName: "One"})
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("admission waited on the event publisher")
	}

	close(pub.release)
	select {
	case ev := <-pub.events:
		assert.Equal(t, events.TypeSessionOpened, ev.Type)
		assert.Equal(t, "u1", ev.User)
	case <-time.After(2 * time.Second):
		t.Fatal("the event was never published once the publisher recovered")
	}
}

func TestCrossNodeHandover(t *testing.T) {
	st := newFakeStore("alpha", "beta")
	nodeA := newTestNode(t, st, "alpha", clockwork.NewRealClock())
	nodeB := newTestNode(t, st, "beta", clockwork.NewRealClock())

	depA := &recorderDep{}
	nodeA.reg.Register(depA, "recorderA")
	depB := &recorderDep{}
	nodeB.reg.Register(depB, "recorderB")

	_, err := nodeA.coord.Admit(context.Background(), ExternalIdentity{ID: "u1", DisplayName: "One"})
	require.NoError(t, err)

	// A's reconciliation loop discovers the closing flag B is about to set.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go nodeA.coord.Run(ctx)

	// B admits the same user: it must block until A has flushed and deleted
	// its row, then own the only session.
	admitCtx, admitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer admitCancel()
	adm, err := nodeB.coord.Admit(admitCtx, ExternalIdentity{ID: "u1", DisplayName: "One"})
	require.NoError(t, err)
	assert.False(t, adm.Resumed)

	assert.Equal(t, []string{"u1"}, depA.closedUsers(), "A must run close hooks before B admits")
	assert.False(t, st.hasRow("u1", nodeA.coord.NodeID()), "A's row must be deleted")

	open, closing := st.rowCount("u1")
	assert.Equal(t, 1, open, "exactly one non-closing session across the fleet")
	assert.Equal(t, 0, closing)
	assert.True(t, st.hasRow("u1", nodeB.coord.NodeID()))
}

func TestFinalize_DeletesRowOnlyAfterAllCompletions(t *testing.T) {
	st := newFakeStore("alpha")
	node := newTestNode(t, st, "alpha", clockwork.NewRealClock())

	immediate := &recorderDep{}
	node.reg.Register(immediate, "immediate")

	delayed := &recorderDep{completion: make(chan struct{})}
	node.reg.Register(delayed, "delayed")

	_, err := node.coord.Admit(context.Background(), ExternalIdentity{ID: "u1", DisplayName: "One"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- node.coord.NotifyDisconnect(context.Background(), "u1")
	}()

	// Close hooks have fired but the delayed completion is pending: the row
	// must still exist.
	require.Eventually(t, func() bool {
		return len(delayed.closedUsers()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, st.hasRow("u1", node.coord.NodeID()), "row must survive until every completion resolves")

	close(delayed.completion)
	require.NoError(t, <-done)
	assert.False(t, st.hasRow("u1", node.coord.NodeID()))
}

func TestSweep_OverlappingInFlightFinalizeRunsCloseOnce(t *testing.T) {
	st := newFakeStore("alpha")
	node := newTestNode(t, st, "alpha", clockwork.NewRealClock())

	delayed := &recorderDep{completion: make(chan struct{})}
	node.reg.Register(delayed, "delayed")

	_, err := node.coord.Admit(context.Background(), ExternalIdentity{ID: "u1", DisplayName: "One"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- node.coord.NotifyDisconnect(context.Background(), "u1")
	}()
	require.Eventually(t, func() bool {
		return len(delayed.closedUsers()) == 1
	}, time.Second, 5*time.Millisecond)

	// A reconciliation pass firing while the disconnect's finalize is still
	// awaiting its completion must skip the row, not close it again.
	node.coord.pass(context.Background(), "sweep")
	assert.Equal(t, []string{"u1"}, delayed.closedUsers(), "close hooks must not re-run for an in-flight finalize")

	close(delayed.completion)
	require.NoError(t, <-done)
	assert.False(t, st.hasRow("u1", node.coord.NodeID()))
}

func TestNotifyDisconnect_Idempotent(t *testing.T) {
	st := newFakeStore("alpha")
	node := newTestNode(t, st, "alpha", clockwork.NewRealClock())
	dep := &recorderDep{}
	node.reg.Register(dep, "recorder")

	_, err := node.coord.Admit(context.Background(), ExternalIdentity{ID: "u1", DisplayName: "One"})
	require.NoError(t, err)

	require.NoError(t, node.coord.NotifyDisconnect(context.Background(), "u1"))
	require.NoError(t, node.coord.NotifyDisconnect(context.Background(), "u1"))

	assert.Equal(t, []string{"u1"}, dep.closedUsers(), "close side effects must run at most once")
}

func TestNotifyDisconnect_UnknownUserIsLoggedNotFatal(t *testing.T) {
	st := newFakeStore("alpha")
	node := newTestNode(t, st, "alpha", clockwork.NewRealClock())

	assert.NoError(t, node.coord.NotifyDisconnect(context.Background(), "nobody"))
}

type disconnectRecorder struct {
	mu      sync.Mutex
	kicked  []string
	reasons []string
}

func (d *disconnectRecorder) DisconnectUser(user, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kicked = append(d.kicked, user)
	d.reasons = append(d.reasons, reason)
}

func TestFinalize_ForceDisconnectsConnectedUser(t *testing.T) {
	st := newFakeStore("alpha")
	node := newTestNode(t, st, "alpha", clockwork.NewRealClock())
	disc := &disconnectRecorder{}
	node.coord.SetDisconnector(disc)

	_, err := node.coord.Admit(context.Background(), ExternalIdentity{ID: "u1", DisplayName: "One"})
	require.NoError(t, err)
	require.NoError(t, node.coord.NotifyDisconnect(context.Background(), "u1"))

	disc.mu.Lock()
	defer disc.mu.Unlock()
	require.Equal(t, []string{"u1"}, disc.kicked)
	assert.Contains(t, disc.reasons[0], "another server")
}

func TestShutdown_DrainsAllLocalSessions(t *testing.T) {
	st := newFakeStore("alpha")
	node := newTestNode(t, st, "alpha", clockwork.NewRealClock())
	dep := &recorderDep{}
	node.reg.Register(dep, "recorder")

	for _, u := range []string{"u1", "u2", "u3"} {
		_, err := node.coord.Admit(context.Background(), ExternalIdentity{ID: u, DisplayName: u})
		require.NoError(t, err)
	}

	node.coord.Shutdown(context.Background(), time.Second)

	for _, u := range []string{"u1", "u2", "u3"} {
		open, closing := st.rowCount(u)
		assert.Zero(t, open+closing, "no rows may remain for this node after drain")
	}
	assert.ElementsMatch(t, []string{"u1", "u2", "u3"}, dep.closedUsers())
}

type hangingDep struct {
	never chan struct{}
}

func (d *hangingDep) OnSessionCreate(context.Context, string) {}
func (d *hangingDep) OnSessionClose(context.Context, string)  {}
func (d *hangingDep) OnSessionCloseWithCompletion(context.Context, string) <-chan struct{} {
	return d.never
}

func TestShutdown_HangingDependencyDoesNotBlockExit(t *testing.T) {
	st := newFakeStore("alpha")
	logger := zaptest.NewLogger(t)
	exec := serial.NewExecutor(64)
	t.Cleanup(exec.Stop)
	reg := NewRegistry(logger)

	coord, err := New(context.Background(), Config{
		NodeName:         "alpha",
		PollInterval:     5 * time.Millisecond,
		SweepInterval:    10 * time.Millisecond,
		CloseHookTimeout: 50 * time.Millisecond, // short so the hang trips it
	}, st, reg, exec, events.NopPublisher{}, logger, clockwork.NewRealClock())
	require.NoError(t, err)

	reg.Register(&hangingDep{never: make(chan struct{})}, "hanging")

	_, err = coord.Admit(context.Background(), ExternalIdentity{ID: "u1", DisplayName: "One"})
	require.NoError(t, err)

	finished := make(chan struct{})
	go func() {
		coord.Shutdown(context.Background(), 200*time.Millisecond)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown hung on a slow dependency")
	}

	// The row stays behind for the next boot's crash-recovery purge.
	_, closing := st.rowCount("u1")
	assert.Equal(t, 1, closing)
}

func TestReconciliation_FinishesRemotelyClosedSession(t *testing.T) {
	st := newFakeStore("alpha", "beta")
	nodeA := newTestNode(t, st, "alpha", clockwork.NewRealClock())
	dep := &recorderDep{}
	nodeA.reg.Register(dep, "recorder")

	_, err := nodeA.coord.Admit(context.Background(), ExternalIdentity{ID: "u1", DisplayName: "One"})
	require.NoError(t, err)

	// Another node flags the session closing through the shared store.
	require.NoError(t, st.MarkClosingExcept(context.Background(), 2, 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go nodeA.coord.Run(ctx)

	require.Eventually(t, func() bool {
		open, closing := st.rowCount("u1")
		return open == 0 && closing == 0
	}, 2*time.Second, 10*time.Millisecond, "sweep must finalize the closing session")
	assert.Equal(t, []string{"u1"}, dep.closedUsers())
}
