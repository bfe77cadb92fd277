// Job history persistence backed by SQLite
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package history

import (
	"context"
	"database/sql"
	_ "embed"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"printhost/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema
// changes; old databases must be cleared by hand.
const schemaVersion = 1

// Job is one finished job record.
type Job struct {
	ID            int64
	JobID         string
	FileName      string
	State         string
	Message       string
	TotalDuration float64
	PrintDuration float64
	FilamentUsed  float64
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Store manages the job history database.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the history database.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.IOFailure("create history directory", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.IOFailure("open history database", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, errors.IOFailure(fmt.Sprintf("apply pragma %q", pragma), execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return errors.IOFailure("check schema version table", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx,
		"SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return errors.IOFailure("read schema version", err)
	}
	if version != schemaVersion {
		return errors.Newf(errors.ErrIOFailure,
			"history database has schema version %d, expected %d (delete %s to rebuild)",
			version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.IOFailure("begin schema tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return errors.IOFailure("create schema", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return errors.IOFailure("record schema version", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.IOFailure("commit schema", err)
	}
	return nil
}

// RecordJob inserts one finished job.
func (s *Store) RecordJob(ctx context.Context, job Job) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
            job_id, file_name, state, message,
            total_duration, print_duration, filament_used,
            started_at, finished_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID,
		job.FileName,
		job.State,
		nullableString(job.Message),
		job.TotalDuration,
		job.PrintDuration,
		job.FilamentUsed,
		job.StartedAt.UTC().Format(time.RFC3339Nano),
		job.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.IOFailure("insert job", err)
	}
	return nil
}

const jobColumns = "id, job_id, file_name, state, message, total_duration, print_duration, filament_used, started_at, finished_at"

// ListJobs returns the most recently finished jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.IOFailure("list jobs", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.IOFailure("scan job", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Stats returns a count of jobs grouped by final state.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(1) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, errors.IOFailure("history stats", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, errors.IOFailure("scan stats", err)
		}
		stats[state] = count
	}
	return stats, rows.Err()
}

// Clear removes all job records.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs`)
	if err != nil {
		return 0, errors.IOFailure("clear history", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (Job, error) {
	var (
		job        Job
		message    sql.NullString
		startedRaw string
		finishRaw  string
	)
	if err := scanner.Scan(
		&job.ID,
		&job.JobID,
		&job.FileName,
		&job.State,
		&message,
		&job.TotalDuration,
		&job.PrintDuration,
		&job.FilamentUsed,
		&startedRaw,
		&finishRaw,
	); err != nil {
		return Job{}, err
	}
	job.Message = message.String
	if t, err := parseTimeString(startedRaw); err == nil {
		job.StartedAt = t
	}
	if t, err := parseTimeString(finishRaw); err == nil {
		job.FinishedAt = t
	}
	return job, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, stderrors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}
