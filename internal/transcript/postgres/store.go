package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/livecore/internal/transcript"
)

var _ transcript.Sink = (*SessionSink)(nil)

// SessionEntry is a stored entry together with the session it belongs to.
type SessionEntry struct {
	SessionID string
	transcript.Entry
}

// Store is a PostgreSQL-backed transcript archive. All operations are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and
// runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("transcript store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Append stores e under sessionID. Appending the same sequence twice is a
// no-op.
func (s *Store) Append(ctx context.Context, sessionID string, e transcript.Entry) error {
	const q = `
		INSERT INTO transcript_entries (session_id, sequence, role, text, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, sequence) DO NOTHING`

	if _, err := s.pool.Exec(ctx, q, sessionID, int64(e.Sequence), string(e.Role), e.Text, e.Timestamp); err != nil {
		return fmt.Errorf("transcript store: append: %w", err)
	}
	return nil
}

// List returns all entries of sessionID in sequence order.
func (s *Store) List(ctx context.Context, sessionID string) ([]transcript.Entry, error) {
	const q = `
		SELECT sequence, role, text, timestamp
		FROM   transcript_entries
		WHERE  session_id = $1
		ORDER  BY sequence`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript store: list: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var (
			e    transcript.Entry
			seq  int64
			role string
		)
		if err := row.Scan(&seq, &role, &e.Text, &e.Timestamp); err != nil {
			return e, err
		}
		e.Sequence = uint64(seq)
		e.Role = transcript.Role(role)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: list: %w", err)
	}
	return entries, nil
}

// Search runs a full-text query over all stored entries, newest first.
// since, when non-zero, excludes older entries. limit <= 0 means 50.
func (s *Store) Search(ctx context.Context, query string, since time.Time, limit int) ([]SessionEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT session_id, sequence, role, text, timestamp
		FROM   transcript_entries
		WHERE  to_tsvector('english', text) @@ plainto_tsquery('english', $1)
		  AND  ($2::timestamptz IS NULL OR timestamp >= $2)
		ORDER  BY timestamp DESC
		LIMIT  $3`

	var sinceArg any
	if !since.IsZero() {
		sinceArg = since
	}
	rows, err := s.pool.Query(ctx, q, query, sinceArg, limit)
	if err != nil {
		return nil, fmt.Errorf("transcript store: search: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SessionEntry, error) {
		var (
			se   SessionEntry
			seq  int64
			role string
		)
		if err := row.Scan(&se.SessionID, &seq, &role, &se.Text, &se.Timestamp); err != nil {
			return se, err
		}
		se.Sequence = uint64(seq)
		se.Role = transcript.Role(role)
		return se, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: search: %w", err)
	}
	return out, nil
}

// Sink returns a [transcript.Sink] that appends to sessionID.
func (s *Store) Sink(sessionID string) *SessionSink {
	return &SessionSink{store: s, sessionID: sessionID}
}

// SessionSink binds a [Store] to one session.
type SessionSink struct {
	store     *Store
	sessionID string
}

// Write implements [transcript.Sink].
func (k *SessionSink) Write(ctx context.Context, e transcript.Entry) error {
	return k.store.Append(ctx, k.sessionID, e)
}
