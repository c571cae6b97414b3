package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pavelanni/examlink/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would get its own empty in-memory database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stash (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		assignment_id TEXT NOT NULL DEFAULT '',
		student_name TEXT NOT NULL,
		score TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		recorded_at DATETIME NOT NULL,
		UNIQUE (assignment_id, student_name, score, detail)
	);

	CREATE INDEX IF NOT EXISTS idx_results_assignment ON results(assignment_id);

	CREATE TABLE IF NOT EXISTS app_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordResult stores a gradebook entry. Re-recording an identical result
// (the same tag pasted twice) is a no-op; the returned bool reports whether a
// row was added.
func (s *Store) RecordResult(e model.GradebookEntry) (bool, error) {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(
		`INSERT INTO results (assignment_id, student_name, score, detail, source, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (assignment_id, student_name, score, detail) DO NOTHING`,
		e.AssignmentID, e.StudentName, e.Score, e.Detail, e.Source, e.RecordedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListResults returns results in recording order. An empty assignment id
// lists everything.
func (s *Store) ListResults(assignmentID string) ([]model.GradebookEntry, error) {
	query := `SELECT id, assignment_id, student_name, score, detail, source, recorded_at FROM results`
	var args []any
	if assignmentID != "" {
		query += ` WHERE assignment_id = ?`
		args = append(args, assignmentID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []model.GradebookEntry
	for rows.Next() {
		var e model.GradebookEntry
		if err := rows.Scan(&e.ID, &e.AssignmentID, &e.StudentName, &e.Score, &e.Detail, &e.Source, &e.RecordedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ResultCount returns the number of stored results.
func (s *Store) ResultCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM results`).Scan(&n)
	return n, err
}
