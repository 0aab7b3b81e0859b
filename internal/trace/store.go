package trace

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
	_ "github.com/mattn/go-sqlite3"    // registers "sqlite3" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// maxSessions bounds how many gateway sessions are retained.
const maxSessions = 100

// ErrNotFound is returned when a session or run does not exist.
var ErrNotFound = errors.New("trace: not found")

// drivers maps accepted driver names to registered database/sql drivers.
var drivers = map[string]string{
	"pgx":      "pgx",
	"postgres": "pgx",
	"sqlite":   "sqlite3",
	"sqlite3":  "sqlite3",
}

const (
	runColumns  = `r.id, r.session_id, r.started_at, r.duration_ms, r.filename, r.job_id, r.labels, r.status, r.message`
	spanColumns = `id, run_id, name, started_at, duration_ms, input, output, status, error_msg`
)

// Store persists analysis traces to PostgreSQL or SQLite.
type Store struct {
	db *sql.DB
}

// Open connects to the trace database at dsn using driver ("postgres" or
// "sqlite") and applies pending migrations.
func Open(driver, dsn string) (*Store, error) {
	name, ok := drivers[strings.ToLower(driver)]
	if !ok {
		return nil, fmt.Errorf("trace driver %q not supported", driver)
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("trace open: %w", err)
	}
	if name == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace ping: %w", err)
	}
	if err = migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// migrate applies embedded migrations newer than the recorded version,
// each in its own transaction.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}
	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), -1) FROM schema_version`).Scan(&current); err != nil {
		return err
	}
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for version := current + 1; version < len(entries); version++ {
		data, err := migrationFS.ReadFile("migrations/" + entries[version].Name())
		if err != nil {
			return fmt.Errorf("read migration %d: %w", version, err)
		}
		err = inTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, version)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", entries[version].Name(), err)
		}
	}
	return nil
}

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession records a gateway session and drops the oldest sessions
// beyond maxSessions along with their runs and spans.
func (s *Store) CreateSession(ctx context.Context, id, metadata string) error {
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, metadata, started_at) VALUES ($1, $2, $3)`,
			id, metadata, time.Now().UTC(),
		); err != nil {
			return err
		}
		// Cascades are spelled out because SQLite ignores them without a pragma.
		for _, q := range []string{
			`DELETE FROM sessions WHERE id NOT IN (SELECT id FROM sessions ORDER BY started_at DESC LIMIT $1)`,
			`DELETE FROM runs WHERE session_id NOT IN (SELECT id FROM sessions)`,
			`DELETE FROM spans WHERE run_id NOT IN (SELECT id FROM runs)`,
		} {
			args := []any{}
			if strings.Contains(q, "$1") {
				args = append(args, maxSessions)
			}
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return fmt.Errorf("prune: %w", err)
			}
		}
		return nil
	})
}

// EndSession stamps ended_at on the session.
func (s *Store) EndSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	return err
}

// CreateRun inserts a run in the running state.
func (s *Store) CreateRun(r Run) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, session_id, started_at, filename, status) VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.SessionID, r.StartedAt.UTC(), r.Filename, StatusRunning,
	)
	return err
}

// UpdateRun records how a run finished.
func (s *Store) UpdateRun(r Run) error {
	_, err := s.db.Exec(
		`UPDATE runs SET duration_ms = $1, job_id = $2, labels = $3, status = $4, message = $5 WHERE id = $6`,
		r.DurationMs, r.JobID, r.Labels, r.Status, r.Message, r.ID,
	)
	return err
}

// CreateSpan inserts one job stage.
func (s *Store) CreateSpan(sp Span) error {
	_, err := s.db.Exec(
		`INSERT INTO spans (`+spanColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sp.ID, sp.RunID, sp.Name, sp.StartedAt.UTC(),
		sp.DurationMs, sp.Input, sp.Output, sp.Status, sp.Error,
	)
	return err
}

// ListSessions returns sessions newest first with their run counts, and
// the total number of stored sessions.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]Session, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.metadata, s.started_at, s.ended_at, COUNT(r.id)
		FROM sessions s
		LEFT JOIN runs r ON r.session_id = s.id
		GROUP BY s.id, s.metadata, s.started_at, s.ended_at
		ORDER BY s.started_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	sessions, err := collect(rows, func(sc scanner) (Session, error) {
		var sess Session
		var ended sql.NullTime
		err := sc.Scan(&sess.ID, &sess.Metadata, &sess.StartedAt, &ended, &sess.RunCount)
		sess.EndedAt = nullTime(ended)
		return sess, err
	})
	return sessions, total, err
}

// GetSession returns one session and its runs, oldest first.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, []Run, error) {
	var sess Session
	var ended sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, metadata, started_at, ended_at FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.Metadata, &sess.StartedAt, &ended)
	if err != nil {
		return nil, nil, notFound(err)
	}
	sess.EndedAt = nullTime(ended)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`, COUNT(sp.id)
		FROM runs r
		LEFT JOIN spans sp ON sp.run_id = r.id
		WHERE r.session_id = $1
		GROUP BY `+runColumns+`
		ORDER BY r.started_at ASC`, id)
	if err != nil {
		return nil, nil, err
	}
	runs, err := collect(rows, func(sc scanner) (Run, error) {
		var r Run
		err := sc.Scan(append(r.fields(), &r.SpanCount)...)
		return r, err
	})
	sess.RunCount = len(runs)
	return &sess, runs, err
}

// GetRun returns one run of a session and its spans in start order.
func (s *Store) GetRun(ctx context.Context, sessionID, runID string) (*Run, []Span, error) {
	var r Run
	err := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs r WHERE r.id = $1 AND r.session_id = $2`,
		runID, sessionID,
	).Scan(r.fields()...)
	if err != nil {
		return nil, nil, notFound(err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+spanColumns+` FROM spans WHERE run_id = $1 ORDER BY started_at ASC`, runID)
	if err != nil {
		return nil, nil, err
	}
	spans, err := collect(rows, func(sc scanner) (Span, error) {
		var sp Span
		err := sc.Scan(&sp.ID, &sp.RunID, &sp.Name, &sp.StartedAt, &sp.DurationMs, &sp.Input, &sp.Output, &sp.Status, &sp.Error)
		return sp, err
	})
	r.SpanCount = len(spans)
	return &r, spans, err
}

type scanner interface {
	Scan(dest ...any) error
}

// collect scans every row with fn and closes rows.
func collect[T any](rows *sql.Rows, fn func(scanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := fn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *Run) fields() []any {
	return []any{&r.ID, &r.SessionID, &r.StartedAt, &r.DurationMs, &r.Filename, &r.JobID, &r.Labels, &r.Status, &r.Message}
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
