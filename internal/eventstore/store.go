package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/tutorspeech/internal/config"
	"github.com/loqalabs/tutorspeech/internal/protocol"
	_ "modernc.org/sqlite"
)

const defaultListLimit = 50

// Store is a SQLite journal of synthesis requests.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config. In ephemeral mode no
// database is opened and every method is a no-op.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS requests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    voice TEXT,
    model TEXT,
    sample_rate INTEGER,
    text_chars INTEGER,
    chunks INTEGER,
    audio_bytes INTEGER,
    ttfb_ms INTEGER,
    total_ms INTEGER,
    llm_ms INTEGER,
    cached INTEGER NOT NULL DEFAULT 0,
    outcome TEXT NOT NULL,
    error TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Record appends one request summary.
func (s *Store) Record(ctx context.Context, evt protocol.SynthesisEvent) error {
	if s.disabled() {
		return nil
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests(request_id, kind, voice, model, sample_rate, text_chars, chunks, audio_bytes,
		    ttfb_ms, total_ms, llm_ms, cached, outcome, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.RequestID, evt.Kind, evt.Voice, evt.Model, evt.SampleRate, evt.Chars, evt.Chunks, evt.AudioBytes,
		evt.TTFBMS, evt.TotalMS, evt.LLMMS, evt.Cached, evt.Outcome, evt.Error, evt.Timestamp.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// ListRecent returns up to limit requests, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]protocol.SynthesisEvent, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, kind, voice, model, sample_rate, text_chars, chunks, audio_bytes,
		    ttfb_ms, total_ms, llm_ms, cached, outcome, error, created_at
		 FROM requests ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []protocol.SynthesisEvent
	for rows.Next() {
		var e protocol.SynthesisEvent
		var errText sql.NullString
		var created int64
		if err := rows.Scan(&e.RequestID, &e.Kind, &e.Voice, &e.Model, &e.SampleRate, &e.Chars, &e.Chunks, &e.AudioBytes,
			&e.TTFBMS, &e.TotalMS, &e.LLMMS, &e.Cached, &e.Outcome, &errText, &created); err != nil {
			return nil, err
		}
		e.Error = errText.String
		e.Timestamp = time.UnixMilli(created).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE created_at < ?`, cutoff.UTC().UnixMilli()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRecords > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE id IN (
			SELECT id FROM requests ORDER BY id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRecords)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
