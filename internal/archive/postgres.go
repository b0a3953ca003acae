package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxcap/pkg/whisperapi"
)

// Schema is the DDL for the transcripts table. [PostgresSink.Migrate] applies
// it; it is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS transcripts (
    job_id          TEXT         PRIMARY KEY,
    remote_job_id   TEXT         NOT NULL DEFAULT '',
    server_url      TEXT         NOT NULL DEFAULT '',
    audio_path      TEXT         NOT NULL DEFAULT '',
    language        TEXT         NOT NULL DEFAULT '',
    text            TEXT         NOT NULL,
    duration_s      DOUBLE PRECISION NOT NULL DEFAULT 0,
    processing_s    DOUBLE PRECISION NOT NULL DEFAULT 0,
    segments        JSONB        NOT NULL DEFAULT '[]',
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcripts_created_at ON transcripts (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_transcripts_server_url ON transcripts (server_url);
`

// DB is the subset of pgx used by [PostgresSink]. *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink archives transcripts into PostgreSQL.
type PostgresSink struct {
	db   DB
	pool *pgxpool.Pool
}

var (
	_ Sink   = (*PostgresSink)(nil)
	_ Lister = (*PostgresSink)(nil)
)

// NewPostgresSink wraps an existing connection or pool. The caller owns db and
// must run [PostgresSink.Migrate] before storing.
func NewPostgresSink(db DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// OpenPostgres connects to dsn, verifies the connection and applies [Schema].
// Close releases the pool.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	s := &PostgresSink{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the transcripts table and its indexes if missing.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

// Store inserts t, replacing an earlier row for the same job ID.
func (s *PostgresSink) Store(ctx context.Context, t Transcript) error {
	segments := t.Segments
	if segments == nil {
		segments = []whisperapi.Segment{}
	}
	segJSON, err := json.Marshal(segments)
	if err != nil {
		return fmt.Errorf("archive: marshal segments: %w", err)
	}

	const query = `
		INSERT INTO transcripts (
			job_id, remote_job_id, server_url, audio_path, language,
			text, duration_s, processing_s, segments, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (job_id) DO UPDATE SET
			remote_job_id = EXCLUDED.remote_job_id,
			server_url    = EXCLUDED.server_url,
			text          = EXCLUDED.text,
			duration_s    = EXCLUDED.duration_s,
			processing_s  = EXCLUDED.processing_s,
			segments      = EXCLUDED.segments`

	_, err = s.db.Exec(ctx, query,
		t.JobID, t.RemoteJobID, t.ServerURL, t.AudioPath, t.Language,
		t.Text, t.Duration, t.ProcessingTime, segJSON, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("archive: store %s: %w", t.JobID, err)
	}
	return nil
}

// Recent returns up to limit transcripts, newest first.
func (s *PostgresSink) Recent(ctx context.Context, limit int) ([]Transcript, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT job_id, remote_job_id, server_url, audio_path, language,
		       text, duration_s, processing_s, segments, created_at
		FROM transcripts
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query recent: %w", err)
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var t Transcript
		var segJSON []byte
		if err := rows.Scan(
			&t.JobID, &t.RemoteJobID, &t.ServerURL, &t.AudioPath, &t.Language,
			&t.Text, &t.Duration, &t.ProcessingTime, &segJSON, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("archive: scan transcript: %w", err)
		}
		if err := json.Unmarshal(segJSON, &t.Segments); err != nil {
			return nil, fmt.Errorf("archive: unmarshal segments for %s: %w", t.JobID, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate transcripts: %w", err)
	}
	return out, nil
}

// Ping checks the connection. Sinks built with [NewPostgresSink] run a
// trivial query instead.
func (s *PostgresSink) Ping(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	_, err := s.db.Exec(ctx, "SELECT 1")
	return err
}

// Close releases the pool opened by [OpenPostgres]. It is a no-op for sinks
// built with [NewPostgresSink].
func (s *PostgresSink) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
