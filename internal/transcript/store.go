// Package transcript persists finalized transcript segments, the relay's
// only durable write path (spec §4.4).
package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Segment is one finalized transcript segment as persisted.
type Segment struct {
	MeetingID   string
	SegmentNo   uint64
	Source      string
	StartMS     int64
	EndMS       int64
	Speaker     string
	Text        string
	Confidence  float64
	CreatedAt   time.Time
	ProviderRaw string // opaque provider JSON, for debugging
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS final_segments (
		meeting_id     TEXT    NOT NULL,
		segment_no     INTEGER NOT NULL,
		source         TEXT    NOT NULL,
		start_ms       INTEGER NOT NULL,
		end_ms         INTEGER NOT NULL,
		speaker        TEXT    NOT NULL DEFAULT '',
		text           TEXT    NOT NULL,
		confidence     REAL    NOT NULL DEFAULT 0,
		created_at_unix_ms INTEGER NOT NULL,
		provider_raw   TEXT    NOT NULL DEFAULT '',
		PRIMARY KEY (meeting_id, segment_no)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_final_segments_meeting ON final_segments(meeting_id, segment_no)`,
}

// Store wraps a SQLite database holding finalized segments.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies pending
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("transcript store path is required")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create transcript store directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open transcript store: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		slog.Warn("transcript store: WAL mode unavailable", "err", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("transcript store: busy_timeout unavailable", "err", err)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("transcript store opened", "path", path)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("transcript store migration %d: %w", i+1, err)
		}
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendFinal persists one final segment. (meeting_id, segment_no) is
// unique; a duplicate append is a silent no-op, satisfying the idempotence
// invariant in spec §4.4/§8 with a single statement.
func (s *Store) AppendFinal(ctx context.Context, seg Segment) error {
	if seg.MeetingID == "" {
		return fmt.Errorf("meeting id is required")
	}
	if seg.SegmentNo == 0 {
		return fmt.Errorf("segment_no must be >= 1")
	}
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = time.Now().UTC()
	}

	const q = `
INSERT INTO final_segments (
	meeting_id, segment_no, source, start_ms, end_ms, speaker, text,
	confidence, created_at_unix_ms, provider_raw
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(meeting_id, segment_no) DO NOTHING
`
	_, err := s.db.ExecContext(ctx, q,
		seg.MeetingID, seg.SegmentNo, seg.Source, seg.StartMS, seg.EndMS,
		seg.Speaker, seg.Text, seg.Confidence, seg.CreatedAt.UnixMilli(), seg.ProviderRaw,
	)
	if err != nil {
		return fmt.Errorf("append final segment: %w", err)
	}
	return nil
}

// ListFinals returns every persisted segment for a meeting, ordered by
// segment_no ascending. Intended for tests and the CLI's "stats" command.
func (s *Store) ListFinals(ctx context.Context, meetingID string) ([]Segment, error) {
	const q = `
SELECT meeting_id, segment_no, source, start_ms, end_ms, speaker, text,
       confidence, created_at_unix_ms, provider_raw
FROM final_segments
WHERE meeting_id = ?
ORDER BY segment_no ASC
`
	rows, err := s.db.QueryContext(ctx, q, meetingID)
	if err != nil {
		return nil, fmt.Errorf("query final segments: %w", err)
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		var seg Segment
		var createdMS int64
		if err := rows.Scan(&seg.MeetingID, &seg.SegmentNo, &seg.Source, &seg.StartMS, &seg.EndMS,
			&seg.Speaker, &seg.Text, &seg.Confidence, &createdMS, &seg.ProviderRaw); err != nil {
			return nil, fmt.Errorf("scan final segment: %w", err)
		}
		seg.CreatedAt = time.UnixMilli(createdMS).UTC()
		out = append(out, seg)
	}
	return out, rows.Err()
}

// Ping reports whether the underlying database is reachable, for the
// relay's /api/v1/health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
