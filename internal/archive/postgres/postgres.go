// Package postgres implements [archive.Writer] on PostgreSQL via pgx.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/echomeet/internal/archive"
)

// Schema creates the transcripts table. Rows are keyed per session so that
// clients sharing a database, or rejoining a room code, never collide.
const Schema = `
CREATE TABLE IF NOT EXISTS transcripts (
    session_id   TEXT             NOT NULL,
    room_code    TEXT             NOT NULL,
    seq          INTEGER          NOT NULL,
    user_id      TEXT             NOT NULL DEFAULT '',
    text         TEXT             NOT NULL,
    translation  TEXT             NOT NULL DEFAULT '',
    spoken_at    TEXT             NOT NULL DEFAULT '',
    confidence   DOUBLE PRECISION,
    recorded_at  TIMESTAMPTZ      NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS transcripts_room_code_idx ON transcripts (room_code);
`

// DB is satisfied by *pgxpool.Pool and *pgx.Conn.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store archives transcripts in the transcripts table.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

var _ archive.Writer = (*Store)(nil)

// New wraps an existing connection or pool. Call [Store.Migrate] before use.
func New(db DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn, verifies the connection and applies [Schema].
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	s := &Store{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool opened by [Open]. It is a no-op for stores built
// with [New].
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies [Schema].
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

// Upsert implements [archive.Writer].
func (s *Store) Upsert(ctx context.Context, e archive.Entry) error {
	const q = `
		INSERT INTO transcripts (session_id, room_code, seq, user_id, text, translation, spoken_at, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, seq) DO UPDATE SET
		    text        = EXCLUDED.text,
		    translation = EXCLUDED.translation,
		    spoken_at   = EXCLUDED.spoken_at,
		    confidence  = EXCLUDED.confidence`

	_, err := s.db.Exec(ctx, q,
		e.SessionID, e.RoomCode, e.Seq, e.UserID, e.Text, e.Translation, e.Timestamp, e.Confidence,
	)
	if err != nil {
		return fmt.Errorf("archive: upsert %s/%s/%d: %w", e.RoomCode, e.SessionID, e.Seq, err)
	}
	return nil
}

// List returns a room's archived transcripts. Sessions appear in the order
// they were first recorded, each in sequence order.
func (s *Store) List(ctx context.Context, roomCode string) ([]archive.Entry, error) {
	const q = `
		SELECT session_id, room_code, seq, user_id, text, translation, spoken_at, confidence
		FROM   transcripts
		WHERE  room_code = $1
		ORDER  BY min(recorded_at) OVER (PARTITION BY session_id), session_id, seq`

	rows, err := s.db.Query(ctx, q, roomCode)
	if err != nil {
		return nil, fmt.Errorf("archive: list %s: %w", roomCode, err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (archive.Entry, error) {
		var e archive.Entry
		err := row.Scan(&e.SessionID, &e.RoomCode, &e.Seq, &e.UserID, &e.Text, &e.Translation, &e.Timestamp, &e.Confidence)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan %s: %w", roomCode, err)
	}
	return entries, nil
}
