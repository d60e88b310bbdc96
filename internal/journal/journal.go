// Package journal keeps an append-only SQLite record of terminal task
// outcomes for operator visibility (the /history endpoint).
//
// The journal is write-behind and advisory: it is fed from bus events and
// is never read back into the queue's registry, so the engine's
// no-persistence contract holds — a crash still loses all pending and
// in-flight work.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"taskq/internal/eventbus"
	"taskq/internal/task/queue"
	logx "taskq/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id     TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	started_at  TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	attempts    INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_recorded_at ON runs (recorded_at);
CREATE INDEX IF NOT EXISTS idx_runs_task_id ON runs (task_id);
`

const defaultMaxRows = 10000

type Config struct {
	Path        string
	MaxRows     int
	BusyTimeout time.Duration
}

// Entry is one journaled task outcome.
type Entry struct {
	TaskID      string        `json:"task_id"`
	Description string        `json:"description"`
	Status      string        `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    queue.Seconds `json:"duration"`
	Attempts    int           `json:"attempts"`
	Error       string        `json:"error,omitempty"`
	RecordedAt  time.Time     `json:"recorded_at"`
}

type Journal struct {
	db      *sql.DB
	log     logx.Logger
	maxRows int

	// Prune piggybacks on writes every pruneEvery appends instead of
	// needing its own timer.
	opCount    atomic.Uint64
	pruneEvery uint64
}

func Open(cfg Config, log logx.Logger) (*Journal, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("journal path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal migrate: %w", err)
	}

	maxRows := cfg.MaxRows
	if maxRows <= 0 {
		maxRows = defaultMaxRows
	}
	return &Journal{db: db, log: log, maxRows: maxRows, pruneEvery: 500}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) Append(ctx context.Context, e Entry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO runs (task_id, description, status, started_at, duration_ms, attempts, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.TaskID, e.Description, e.Status, nullableTime(e.StartedAt),
		e.Duration.Duration().Milliseconds(), e.Attempts, e.Error,
		e.RecordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("journal append: %w", err)
	}

	if n := j.opCount.Add(1); n%j.pruneEvery == 0 {
		if _, err := j.Prune(ctx); err != nil && !j.log.IsZero() {
			j.log.Warn("journal prune failed", logx.Err(err))
		}
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT task_id, description, status, started_at, duration_ms, attempts, error, recorded_at
		FROM runs
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			started    sql.NullString
			durationMS int64
			recorded   string
		)
		if err := rows.Scan(&e.TaskID, &e.Description, &e.Status, &started,
			&durationMS, &e.Attempts, &e.Error, &recorded); err != nil {
			return nil, err
		}
		e.Duration = queue.Seconds(time.Duration(durationMS) * time.Millisecond)
		if started.Valid {
			e.StartedAt, _ = time.Parse(time.RFC3339Nano, started.String)
		}
		e.RecordedAt, _ = time.Parse(time.RFC3339Nano, recorded)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes everything but the newest MaxRows entries and returns the
// number of rows removed.
func (j *Journal) Prune(ctx context.Context) (int64, error) {
	res, err := j.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE id NOT IN (SELECT id FROM runs ORDER BY id DESC LIMIT ?)
	`, j.maxRows)
	if err != nil {
		return 0, fmt.Errorf("journal prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Run consumes terminal task events from the bus until ctx is done.
// Intended to run under a supervisor.
func (j *Journal) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			status := ""
			switch ev.Type {
			case eventbus.TypeTaskCompleted:
				status = string(queue.StatusCompleted)
			case eventbus.TypeTaskFailed:
				status = string(queue.StatusFailed)
			case eventbus.TypeTaskCancelled:
				status = string(queue.StatusCancelled)
			default:
				continue
			}
			te, ok := ev.Data.(queue.TaskEvent)
			if !ok {
				continue
			}
			e := Entry{
				TaskID:      te.ID,
				Description: te.Description,
				Status:      status,
				StartedAt:   te.Started,
				Duration:    te.Duration,
				Attempts:    te.Attempts,
				Error:       te.Error,
				RecordedAt:  ev.Time,
			}
			if err := j.Append(ctx, e); err != nil && !j.log.IsZero() {
				j.log.Warn("journal append failed", logx.String("task", te.ID), logx.Err(err))
			}
		}
	}
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
