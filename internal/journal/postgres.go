package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the dialog_turns table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS dialog_turns (
    turn_id        TEXT PRIMARY KEY,
    session_id     TEXT NOT NULL DEFAULT '',
    transport      TEXT NOT NULL,
    epoch          BIGINT NOT NULL DEFAULT 0,
    speech_ms      INTEGER NOT NULL DEFAULT 0,
    forced         BOOLEAN NOT NULL DEFAULT false,
    transcript     TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL,
    reason         TEXT NOT NULL DEFAULT '',
    reply_bytes    INTEGER NOT NULL DEFAULT 0,
    first_audio_ms INTEGER NOT NULL DEFAULT 0,
    duration_ms    INTEGER NOT NULL DEFAULT 0,
    started_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dialog_turns_started ON dialog_turns(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_dialog_turns_session ON dialog_turns(session_id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db    DB
	close func()
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] on top of an existing connection
// or pool. The caller owns db and is responsible for calling
// [PostgresStore.Migrate].
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Open connects a pool to dsn, verifies the connection and migrates the
// schema. Close releases the pool.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	s := &PostgresStore{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// Record implements [Recorder]. Re-recording a turn ID overwrites the row.
func (s *PostgresStore) Record(ctx context.Context, e Entry) error {
	const query = `
		INSERT INTO dialog_turns (
			turn_id, session_id, transport, epoch, speech_ms, forced,
			transcript, status, reason, reply_bytes, first_audio_ms,
			duration_ms, started_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (turn_id) DO UPDATE SET
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			transcript = EXCLUDED.transcript,
			reply_bytes = EXCLUDED.reply_bytes,
			first_audio_ms = EXCLUDED.first_audio_ms,
			duration_ms = EXCLUDED.duration_ms`

	_, err := s.db.Exec(ctx, query,
		e.TurnID, e.SessionID, e.Transport, int64(e.Epoch), e.SpeechMs, e.Forced,
		e.Transcript, string(e.Status), e.Reason, e.ReplyBytes,
		e.FirstAudio.Milliseconds(), e.Duration.Milliseconds(), e.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("journal: record %q: %w", e.TurnID, err)
	}
	return nil
}

// Recent implements [Store].
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultMemoryCapacity
	}
	const query = `
		SELECT turn_id, session_id, transport, epoch, speech_ms, forced,
		       transcript, status, reason, reply_bytes, first_audio_ms,
		       duration_ms, started_at
		FROM dialog_turns
		ORDER BY started_at DESC
		LIMIT $1`

	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                        Entry
			epoch                    int64
			status                   string
			firstAudioMs, durationMs int64
		)
		if err := rows.Scan(
			&e.TurnID, &e.SessionID, &e.Transport, &epoch, &e.SpeechMs, &e.Forced,
			&e.Transcript, &status, &e.Reason, &e.ReplyBytes, &firstAudioMs,
			&durationMs, &e.StartedAt,
		); err != nil {
			return nil, fmt.Errorf("journal: recent scan: %w", err)
		}
		e.Epoch = uint64(epoch)
		e.Status = Status(status)
		e.FirstAudio = time.Duration(firstAudioMs) * time.Millisecond
		e.Duration = time.Duration(durationMs) * time.Millisecond
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	return entries, nil
}

// Close releases the pool opened by [Open]. It is a no-op for stores built
// with [NewPostgresStore].
func (s *PostgresStore) Close() {
	if s.close != nil {
		s.close()
	}
}
