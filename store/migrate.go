package store

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		external_id TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS nodes (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		user_id BIGINT NOT NULL REFERENCES users (id),
		node_id BIGINT NOT NULL REFERENCES nodes (id),
		closing BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (user_id, node_id)
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_node_closing ON sessions (node_id) WHERE closing`,
}

// Migrate creates the store schema. Nodes are provisioned out of band; this
// only guarantees the tables exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate session store: %w", err)
		}
	}
	return nil
}
