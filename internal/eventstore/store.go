package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voicegate/internal/config"
	_ "modernc.org/sqlite"
)

// Dispatch outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeValidation  = "validation"
	OutcomeUnavailable = "unavailable"
	OutcomeUpstream    = "upstream"
	OutcomeTranscode   = "transcode"
)

// Dispatch is one audited synthesis request.
type Dispatch struct {
	ID             string    `json:"id"`
	Engine         string    `json:"engine"`
	RequestedStyle int       `json:"requested_style"`
	ServedStyle    int       `json:"served_style"`
	EngineURL      string    `json:"engine_url,omitempty"`
	Attempts       int       `json:"attempts"`
	Outcome        string    `json:"outcome"`
	StatusCode     int       `json:"status_code"`
	LatencyMS      int64     `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store wraps a SQLite-backed dispatch audit log.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
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
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS dispatches (
    id TEXT PRIMARY KEY,
    engine TEXT NOT NULL,
    requested_style INTEGER NOT NULL,
    served_style INTEGER NOT NULL,
    engine_url TEXT,
    attempts INTEGER NOT NULL,
    outcome TEXT NOT NULL,
    status_code INTEGER NOT NULL,
    latency_ms INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatches_engine_created ON dispatches(engine, created_at);
CREATE INDEX IF NOT EXISTS idx_dispatches_created ON dispatches(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enabled reports whether records are persisted.
func (s *Store) Enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// RecordDispatch writes one dispatch row.
func (s *Store) RecordDispatch(ctx context.Context, d Dispatch) error {
	if !s.Enabled() {
		return nil
	}
	if d.ID == "" {
		return errors.New("dispatch id is required")
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatches(id, engine, requested_style, served_style, engine_url, attempts, outcome, status_code, latency_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Engine, d.RequestedStyle, d.ServedStyle, d.EngineURL, d.Attempts, d.Outcome, d.StatusCode, d.LatencyMS, d.CreatedAt.UnixMilli())
	return err
}

// ListDispatches returns up to limit records, newest first. An empty engine
// matches every engine.
func (s *Store) ListDispatches(ctx context.Context, engine string, limit int) ([]Dispatch, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, engine, requested_style, served_style, engine_url, attempts, outcome, status_code, latency_ms, created_at
		 FROM dispatches`
	args := []any{}
	if engine != "" {
		query += ` WHERE engine = ?`
		args = append(args, engine)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Dispatch
	for rows.Next() {
		var d Dispatch
		var engineURL sql.NullString
		var created int64
		if err := rows.Scan(&d.ID, &d.Engine, &d.RequestedStyle, &d.ServedStyle, &engineURL, &d.Attempts, &d.Outcome, &d.StatusCode, &d.LatencyMS, &created); err != nil {
			return nil, err
		}
		d.EngineURL = engineURL.String
		d.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM dispatches WHERE created_at < ?`, cutoff.UnixMilli()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRecords > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM dispatches WHERE id IN (
			SELECT id FROM dispatches ORDER BY created_at DESC, rowid DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRecords)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
