package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the client's SQLite database: saved preferences and the ledger of
// ingest tasks submitted from this machine.
type Store struct {
	db *sql.DB
}

// Open opens dgpt.db under dataDir, creating both when missing, and brings the
// schema up to date. ":memory:" opens a private in-memory database.
func Open(dataDir string) (*Store, error) {
	dsn := ":memory:"
	if dataDir != ":memory:" {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		// The pragmas are applied by the driver on every new connection.
		dsn = filepath.Join(dataDir, "dgpt.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer; an in-memory database also lives only as long as its connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Preferences ---

// SetPreference upserts a preference value.
func (s *Store) SetPreference(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetPreference returns ErrNotFound when key has never been set.
func (s *Store) GetPreference(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM preferences WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

func (s *Store) DeletePreference(key string) error {
	_, err := s.db.Exec("DELETE FROM preferences WHERE key = ?", key)
	return err
}

// --- Ingest task ledger ---

// RecordTask inserts or updates the ledger row for r.TaskID. CreatedAt is kept
// from the first insert.
func (s *Store) RecordTask(r TaskRecord) error {
	if r.TaskID == "" {
		return fmt.Errorf("recording task: empty task id")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	limited := 0
	if r.TokenLimited {
		limited = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO ingest_tasks (task_id, name, kind, ingestor, phase, percentage, token_limited, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			ingestor = excluded.ingestor,
			phase = excluded.phase,
			percentage = excluded.percentage,
			token_limited = excluded.token_limited,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		r.TaskID, r.Name, r.Kind, r.Ingestor, r.Phase, r.Percentage, limited, r.LastError, now, now,
	)
	return err
}

const taskColumns = `task_id, name, kind, ingestor, phase, percentage, token_limited, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (TaskRecord, error) {
	var r TaskRecord
	var limited int
	var createdAt, updatedAt string
	if err := row.Scan(&r.TaskID, &r.Name, &r.Kind, &r.Ingestor, &r.Phase, &r.Percentage, &limited, &r.LastError, &createdAt, &updatedAt); err != nil {
		return TaskRecord{}, err
	}
	r.TokenLimited = limited != 0
	var err error
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return TaskRecord{}, fmt.Errorf("parsing created_at for task %s: %w", r.TaskID, err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return TaskRecord{}, fmt.Errorf("parsing updated_at for task %s: %w", r.TaskID, err)
	}
	return r, nil
}

func (s *Store) GetTask(taskID string) (TaskRecord, error) {
	r, err := scanTask(s.db.QueryRow(`SELECT `+taskColumns+` FROM ingest_tasks WHERE task_id = ?`, taskID))
	if err == sql.ErrNoRows {
		return TaskRecord{}, ErrNotFound
	}
	return r, err
}

// ListTasks returns the most recently updated tasks first. When activeOnly is
// set, terminal tasks are skipped.
func (s *Store) ListTasks(limit int, activeOnly bool) ([]TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM ingest_tasks`
	if activeOnly {
		query += ` WHERE phase NOT IN ('succeeded', 'failed', 'upload_failed')`
	}
	query += ` ORDER BY updated_at DESC, created_at DESC LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []TaskRecord
	for rows.Next() {
		r, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// PruneTasks deletes terminal tasks last updated before cutoff and returns the
// number of rows removed.
func (s *Store) PruneTasks(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM ingest_tasks
		WHERE phase IN ('succeeded', 'failed', 'upload_failed') AND updated_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
