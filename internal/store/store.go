package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/queuectl/queuectl/internal/observability"
	"modernc.org/sqlite"
)

// Store is the sole arbiter of persistent queue state. Every worker and the
// dashboard coordinate exclusively through this single SQLite file; nothing is
// cached across the claim boundary.
type Store struct {
	db   *sql.DB
	prom *observability.Prom
	log  *slog.Logger
}

// Open opens (and creates, if absent) the queue database. WAL keeps readers
// off the write lock; the 30s busy timeout makes transient write contention
// retry instead of fail.
func Open(path string, prom *observability.Prom, log *slog.Logger) (*Store, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}

	return &Store{db: db, prom: prom, log: log}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) observe(op string, fn func() error) error {
	if s.prom != nil {
		return s.prom.ObserveDB(op, fn)
	}
	return fn()
}

func IsUniqueViolation(err error) bool {
	var se *sqlite.Error

	if errors.As(err, &se) && (se.Code() == 1555 || se.Code() == 2067) {
		return true
	}
	return false
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	command TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	priority INTEGER NOT NULL DEFAULT 0,
	timeout INTEGER,
	created_at TEXT,
	updated_at TEXT,
	next_run_at INTEGER DEFAULT 0,
	last_error TEXT,
	last_stdout TEXT,
	last_stderr TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(state, next_run_at, priority);

CREATE TABLE IF NOT EXISTS config (
	key TEXT PRIMARY KEY,
	value TEXT
);

CREATE TABLE IF NOT EXISTS job_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	message TEXT,
	created_at TEXT
);
`

// Init ensures the schema and the default config keys exist. Safe to call
// any number of times, including against a pre-migrated database.
func (s *Store) Init(ctx context.Context) error {
	return s.observe("store.init", func() error {
		if _, err := s.db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}

		defaults := map[string]string{
			"backoff_base":        "2",
			"default_max_retries": "3",
		}

		for k, v := range defaults {
			if _, err := s.db.ExecContext(ctx,
				`INSERT OR IGNORE INTO config(key, value) VALUES (?, ?)`, k, v); err != nil {
				return fmt.Errorf("seed config %s: %w", k, err)
			}
		}

		return nil
	})
}

// GetConfig returns the configured value, or "" when the key is unset.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.observe("config.get", func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	})

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}

	return value, nil
}

// GetConfigInt reads a numeric config key, falling back when unset or garbage.
func (s *Store) GetConfigInt(ctx context.Context, key string, fallback int) int {
	raw, err := s.GetConfig(ctx, key)
	if err != nil || raw == "" {
		return fallback
	}

	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	return s.observe("config.set", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO config(key, value) VALUES (?, ?)`, key, value)
		return err
	})
}

// StatsSummary maps each state to its job count, plus "total".
func (s *Store) StatsSummary(ctx context.Context) (map[string]int, error) {
	out := map[string]int{}

	err := s.observe("jobs.stats", func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT state, COUNT(*) FROM jobs GROUP BY state`)
		if err != nil {
			return err
		}
		defer rows.Close()

		total := 0
		for rows.Next() {
			var state string
			var n int
			if err := rows.Scan(&state, &n); err != nil {
				return err
			}
			out[state] = n
			total += n
		}
		out["total"] = total
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}
	return out, nil
}
