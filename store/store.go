package store

import (
	"context"
)

// ClosingSession is one session row flagged for termination on this node,
// joined with the owning user's external identity so callers can drive
// dependency hooks without a second lookup.
type ClosingSession struct {
	UserID     int64  `db:"user_id"`
	ExternalID string `db:"external_id"`
}

// Store is the persistent session store boundary. It is the single source of
// truth for where a user's session is open or closing across the fleet; all
// cross-node coordination happens through these statements and nothing else.
//
// Mutations use update-where semantics so that concurrent nodes racing on the
// same row rely only on the store's own statement atomicity.
type Store interface {
	// UpsertUser creates the user record or refreshes its display name.
	UpsertUser(ctx context.Context, externalID, displayName string) error
	// UserIDByExternalID resolves the internal key. Returns 0 with a nil
	// error when no such user exists; callers decide how fatal that is.
	UserIDByExternalID(ctx context.Context, externalID string) (int64, error)
	// NodeIDByName resolves a configured node name against the provisioned
	// nodes table. Returns 0 with a nil error when absent.
	NodeIDByName(ctx context.Context, name string) (int64, error)

	// InsertSession creates the (user, node) row with closing = false.
	// Inserting an already-present row is a no-op.
	InsertSession(ctx context.Context, userID, nodeID int64) error
	DeleteSession(ctx context.Context, userID, nodeID int64) error
	// DeleteAllSessions purges every row owned by nodeID. Run at startup:
	// any leftover rows are residue from an improper shutdown.
	DeleteAllSessions(ctx context.Context, nodeID int64) error

	// MarkClosingExcept flags the user's sessions on every node other than
	// nodeID. This is the one-way cross-node close signal; remote nodes
	// discover it only through their own reconciliation sweep.
	MarkClosingExcept(ctx context.Context, nodeID, userID int64) error
	// MarkClosing flags the user's session on nodeID itself (local
	// disconnect path).
	MarkClosing(ctx context.Context, nodeID, userID int64) error
	// MarkAllClosing flags every session owned by nodeID (shutdown drain).
	MarkAllClosing(ctx context.Context, nodeID int64) error

	HasOpenSession(ctx context.Context, userID, nodeID int64) (bool, error)
	// HasClosingSessionAnywhere reports whether any node still holds a
	// closing row for the user. This is the admission poll predicate: the
	// fleet-wide form, not the per-node one, so admission never proceeds
	// while a third node is still flushing.
	HasClosingSessionAnywhere(ctx context.Context, userID int64) (bool, error)
	HasClosingSession(ctx context.Context, userID, nodeID int64) (bool, error)

	// ClosingSessions lists the rows the reconciliation sweep must finish.
	ClosingSessions(ctx context.Context, nodeID int64) ([]ClosingSession, error)

	Ping(ctx context.Context) error
	Close() error
}
