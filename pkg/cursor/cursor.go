// Package cursor implements the stream cursor (C9): the durable
// "last object" per north stream, flushed periodically and recovered
// at startup so a restarted north service never re-sends an id it
// already forwarded successfully (§8 scenario 8).
package cursor

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Store persists streams(id, description, last_object).
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store { return &Store{db: db} }

// EnsureSchema creates the streams table if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS streams (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	description TEXT NOT NULL UNIQUE,
	last_object BIGINT NOT NULL DEFAULT 0
)`)
	return err
}

// Create atomically selects the next stream id for description, or
// returns the existing one if description was already registered.
func (s *Store) Create(ctx context.Context, description string) (uint32, error) {
	var id uint32
	err := s.db.GetContext(ctx, &id,
		`INSERT INTO streams (description, last_object) VALUES ($1, 0)
		 ON CONFLICT (description) DO UPDATE SET description = EXCLUDED.description
		 RETURNING id`, description)
	if err != nil {
		return 0, fmt.Errorf("cursor: create stream %q: %w", description, err)
	}
	return id, nil
}

// Load returns the persisted last_object for streamID. ok is false if no
// such stream row exists yet.
func (s *Store) Load(ctx context.Context, streamID uint32) (uint64, bool, error) {
	var lastObject uint64
	err := s.db.GetContext(ctx, &lastObject, `SELECT last_object FROM streams WHERE id = $1`, streamID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return lastObject, true, nil
}

// Flush updates the persisted cursor. It is idempotent and must never
// decrease last_object (cursors are monotonic, per §3 invariants).
func (s *Store) Flush(ctx context.Context, streamID uint32, lastObject uint64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE streams SET last_object = $1 WHERE id = $2 AND last_object < $1`,
		lastObject, streamID)
	return err
}
