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

	"github.com/loqalabs/loqa-grammar/internal/config"
	_ "modernc.org/sqlite"
)

// Request is one scoring request and its final outcome.
type Request struct {
	ID          string
	Filename    string
	Status      string
	Score       sql.NullFloat64
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Event is a recorded pipeline stage transition.
type Event struct {
	ID         int64
	RequestID  string
	TraceID    string
	Stage      string
	State      string
	Detail     string
	DurationMS int64
	CreatedAt  time.Time
}

// Store wraps a SQLite-backed request timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
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

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
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
CREATE TABLE IF NOT EXISTS requests (
    request_id TEXT PRIMARY KEY,
    filename TEXT,
    status TEXT NOT NULL,
    score REAL,
    created_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS stage_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    trace_id TEXT,
    stage TEXT NOT NULL,
    state TEXT NOT NULL,
    detail TEXT,
    duration_ms INTEGER,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(request_id) REFERENCES requests(request_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_stage_events_request ON stage_events(request_id, id);
CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at);
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

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// BeginRequest records a newly received request.
func (s *Store) BeginRequest(ctx context.Context, requestID, filename string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests(request_id, filename, status, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET filename=excluded.filename`,
		requestID, filename, "received", s.clock().UTC())
	return err
}

// CompleteRequest stores the terminal status and, when scoring succeeded,
// the score.
func (s *Store) CompleteRequest(ctx context.Context, requestID, status string, score *float64) error {
	if s.disabled() {
		return nil
	}
	var scoreVal sql.NullFloat64
	if score != nil {
		scoreVal = sql.NullFloat64{Float64: *score, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, score = ?, completed_at = ? WHERE request_id = ?`,
		status, scoreVal, s.clock().UTC(), requestID)
	return err
}

// AppendEvent writes a stage event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_events(request_id, trace_id, stage, state, detail, duration_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evt.RequestID, evt.TraceID, evt.Stage, evt.State, evt.Detail, evt.DurationMS, evt.CreatedAt)
	return err
}

// GetRequest returns the request row, or sql.ErrNoRows.
func (s *Store) GetRequest(ctx context.Context, requestID string) (Request, error) {
	if s.disabled() {
		return Request{}, sql.ErrNoRows
	}
	var (
		r         Request
		created   string
		completed sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT request_id, filename, status, score, created_at, completed_at
		 FROM requests WHERE request_id = ?`, requestID).
		Scan(&r.ID, &r.Filename, &r.Status, &r.Score, &created, &completed)
	if err != nil {
		return Request{}, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		r.CreatedAt = ts
	}
	if completed.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, completed.String); err == nil {
			r.CompletedAt = ts
		}
	}
	return r, nil
}

// ListRequestEvents retrieves up to limit events for a request in insertion order.
func (s *Store) ListRequestEvents(ctx context.Context, requestID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, trace_id, stage, state, detail, duration_ms, created_at
		 FROM stage_events WHERE request_id = ? ORDER BY id ASC LIMIT ?`, requestID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			trace   sql.NullString
			detail  sql.NullString
			dur     sql.NullInt64
			created string
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &trace, &e.Stage, &e.State, &detail, &dur, &created); err != nil {
			return nil, err
		}
		e.TraceID, e.Detail, e.DurationMS = trace.String, detail.String, dur.Int64
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
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
		if _, err = tx.ExecContext(ctx, `DELETE FROM stage_events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRequests > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE request_id IN (
			SELECT request_id FROM requests ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRequests)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
