package session

import (
	"context"
	"sync"

	"github.com/CrashCraftNetwork/SessionManager/store"
)

type sessKey struct {
	user int64
	node int64
}

// fakeStore is an in-memory store shared by every coordinator in a test,
// standing in for the relational database the fleet coordinates through.
type fakeStore struct {
	mu           sync.Mutex
	nextUserID   int64
	users        map[string]int64
	externals    map[int64]string
	displayNames map[int64]string
	nodes        map[string]int64
	sessions     map[sessKey]bool // value is the closing flag

	failing map[string]error // operation name -> injected error
	// dropUsers makes UserIDByExternalID always miss, simulating the
	// row-vanished-after-upsert consistency fault.
	dropUsers bool
}

func newFakeStore(nodeNames ...string) *fakeStore {
	nodes := make(map[string]int64, len(nodeNames))
	for i, name := range nodeNames {
		nodes[name] = int64(i + 1)
	}
	return &fakeStore{
		users:        make(map[string]int64),
		externals:    make(map[int64]string),
		displayNames: make(map[int64]string),
		nodes:        nodes,
		sessions:     make(map[sessKey]bool),
		failing:      make(map[string]error),
	}
}

func (f *fakeStore) fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[op] = err
}

func (f *fakeStore) injected(op string) error {
	return f.failing[op]
}

func (f *fakeStore) UpsertUser(_ context.Context, externalID, displayName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("UpsertUser"); err != nil {
		return err
	}
	id, ok := f.users[externalID]
	if !ok {
		f.nextUserID++
		id = f.nextUserID
		f.users[externalID] = id
		f.externals[id] = externalID
	}
	f.displayNames[id] = displayName
	return nil
}

func (f *fakeStore) UserIDByExternalID(_ context.Context, externalID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("UserIDByExternalID"); err != nil {
		return 0, err
	}
	if f.dropUsers {
		return 0, nil
	}
	return f.users[externalID], nil
}

func (f *fakeStore) NodeIDByName(_ context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[name], nil
}

func (f *fakeStore) InsertSession(_ context.Context, userID, nodeID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("InsertSession"); err != nil {
		return err
	}
	key := sessKey{user: userID, node: nodeID}
	if _, exists := f.sessions[key]; !exists {
		f.sessions[key] = false
	}
	return nil
}

func (f *fakeStore) DeleteSession(_ context.Context, userID, nodeID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("DeleteSession"); err != nil {
		return err
	}
	delete(f.sessions, sessKey{user: userID, node: nodeID})
	return nil
}

func (f *fakeStore) DeleteAllSessions(_ context.Context, nodeID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.sessions {
		if key.node == nodeID {
			delete(f.sessions, key)
		}
	}
	return nil
}

func (f *fakeStore) MarkClosingExcept(_ context.Context, nodeID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("MarkClosingExcept"); err != nil {
		return err
	}
	for key := range f.sessions {
		if key.user == userID && key.node != nodeID {
			f.sessions[key] = true
		}
	}
	return nil
}

func (f *fakeStore) MarkClosing(_ context.Context, nodeID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sessKey{user: userID, node: nodeID}
	if _, exists := f.sessions[key]; exists {
		f.sessions[key] = true
	}
	return nil
}

func (f *fakeStore) MarkAllClosing(_ context.Context, nodeID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.sessions {
		if key.node == nodeID {
			f.sessions[key] = true
		}
	}
	return nil
}

func (f *fakeStore) HasOpenSession(_ context.Context, userID, nodeID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	closing, exists := f.sessions[sessKey{user: userID, node: nodeID}]
	return exists && !closing, nil
}

func (f *fakeStore) HasClosingSessionAnywhere(_ context.Context, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("HasClosingSessionAnywhere"); err != nil {
		return false, err
	}
	for key, closing := range f.sessions {
		if key.user == userID && closing {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) HasClosingSession(_ context.Context, userID, nodeID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	closing, exists := f.sessions[sessKey{user: userID, node: nodeID}]
	return exists && closing, nil
}

func (f *fakeStore) ClosingSessions(_ context.Context, nodeID int64) ([]store.ClosingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("ClosingSessions"); err != nil {
		return nil, err
	}
	var out []store.ClosingSession
	for key, closing := range f.sessions {
		if key.node == nodeID && closing {
			out = append(out, store.ClosingSession{UserID: key.user, ExternalID: f.externals[key.user]})
		}
	}
	return out, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) Close() error               { return nil }

// test inspection helpers

func (f *fakeStore) rowCount(user string) (open, closing int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.users[user]
	for key, isClosing := range f.sessions {
		if key.user != id {
			continue
		}
		if isClosing {
			closing++
		} else {
			open++
		}
	}
	return open, closing
}

func (f *fakeStore) hasRow(user string, nodeID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, exists := f.sessions[sessKey{user: f.users[user], node: nodeID}]
	return exists
}
