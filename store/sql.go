package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// SQLStore implements Store over a shared relational database.
type SQLStore struct {
	db *sqlx.DB
}

// Options configures the connection pool and the startup ping retry.
type Options struct {
	DSN            string
	MaxOpenConns   int
	MaxIdleConns   int
	ConnectTimeout time.Duration
	ConnectRetries int
}

// Open connects to the store and verifies the connection with a retried
// ping. A node that cannot reach the store must not start, so the caller is
// expected to treat an error here as fatal.
func Open(ctx context.Context, opts Options) (*SQLStore, error) {
	db, err := sqlx.Open("pgx", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
		return db.PingContext(pingCtx)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), uint64(opts.ConnectRetries)),
		ctx,
	)
	if err := backoff.Retry(ping, policy); err != nil {
		db.Close()
		return nil, fmt.Errorf("session store unreachable: %w", err)
	}

	return &SQLStore{db: db}, nil
}

// NewSQLStore wraps an existing handle. Used by tests and by callers that
// manage the pool themselves.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) UpsertUser(ctx context.Context, externalID, displayName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (external_id, display_name) VALUES ($1, $2)
		 ON CONFLICT (external_id) DO UPDATE SET display_name = EXCLUDED.display_name`,
		externalID, displayName)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", externalID, err)
	}
	return nil
}

func (s *SQLStore) UserIDByExternalID(ctx context.Context, externalID string) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `SELECT id FROM users WHERE external_id = $1`, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolve user %s: %w", externalID, err)
	}
	return id, nil
}

func (s *SQLStore) NodeIDByName(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `SELECT id FROM nodes WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolve node %s: %w", name, err)
	}
	return id, nil
}

func (s *SQLStore) InsertSession(ctx context.Context, userID, nodeID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, node_id, closing) VALUES ($1, $2, FALSE)
		 ON CONFLICT (user_id, node_id) DO NOTHING`,
		userID, nodeID)
	if err != nil {
		return fmt.Errorf("insert session (%d,%d): %w", userID, nodeID, err)
	}
	return nil
}

func (s *SQLStore) DeleteSession(ctx context.Context, userID, nodeID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE node_id = $1 AND user_id = $2`, nodeID, userID)
	if err != nil {
		return fmt.Errorf("delete session (%d,%d): %w", userID, nodeID, err)
	}
	return nil
}

func (s *SQLStore) DeleteAllSessions(ctx context.Context, nodeID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE node_id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("purge sessions for node %d: %w", nodeID, err)
	}
	return nil
}

func (s *SQLStore) MarkClosingExcept(ctx context.Context, nodeID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET closing = TRUE WHERE node_id <> $1 AND user_id = $2`,
		nodeID, userID)
	if err != nil {
		return fmt.Errorf("mark remote sessions closing for user %d: %w", userID, err)
	}
	return nil
}

func (s *SQLStore) MarkClosing(ctx context.Context, nodeID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET closing = TRUE WHERE node_id = $1 AND user_id = $2 AND closing = FALSE`,
		nodeID, userID)
	if err != nil {
		return fmt.Errorf("mark session closing (%d,%d): %w", userID, nodeID, err)
	}
	return nil
}

func (s *SQLStore) MarkAllClosing(ctx context.Context, nodeID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET closing = TRUE WHERE node_id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("mark all sessions closing for node %d: %w", nodeID, err)
	}
	return nil
}

func (s *SQLStore) HasOpenSession(ctx context.Context, userID, nodeID int64) (bool, error) {
	return s.exists(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE closing = FALSE AND user_id = $1 AND node_id = $2)`,
		userID, nodeID)
}

func (s *SQLStore) HasClosingSessionAnywhere(ctx context.Context, userID int64) (bool, error) {
	return s.exists(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE closing = TRUE AND user_id = $1)`,
		userID)
}

func (s *SQLStore) HasClosingSession(ctx context.Context, userID, nodeID int64) (bool, error) {
	return s.exists(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE closing = TRUE AND user_id = $1 AND node_id = $2)`,
		userID, nodeID)
}

func (s *SQLStore) ClosingSessions(ctx context.Context, nodeID int64) ([]ClosingSession, error) {
	var rows []ClosingSession
	err := s.db.SelectContext(ctx, &rows,
		`SELECT s.user_id, u.external_id
		 FROM sessions s JOIN users u ON u.id = s.user_id
		 WHERE s.node_id = $1 AND s.closing = TRUE`,
		nodeID)
	if err != nil {
		return nil, fmt.Errorf("list closing sessions for node %d: %w", nodeID, err)
	}
	return rows, nil
}

func (s *SQLStore) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var found bool
	if err := s.db.GetContext(ctx, &found, query, args...); err != nil {
		return false, fmt.Errorf("session existence query: %w", err)
	}
	return found, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
