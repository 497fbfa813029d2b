// Package store persists scan jobs and their violations in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CZERTAINLY/Inspector/internal/model"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	family TEXT NOT NULL,
	name TEXT NOT NULL,
	submitted INTEGER NOT NULL,
	ruleset TEXT NOT NULL DEFAULT '',
	archive_path TEXT NOT NULL DEFAULT '',
	repository TEXT NOT NULL DEFAULT '',
	number INTEGER NOT NULL DEFAULT 0,
	branch TEXT NOT NULL DEFAULT '',
	head_sha TEXT NOT NULL DEFAULT '',
	clone_url TEXT NOT NULL DEFAULT '',
	image_ref TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	started INTEGER DEFAULT NULL,
	finished INTEGER DEFAULT NULL
);
CREATE INDEX IF NOT EXISTS jobs_family_status ON jobs (family, status);
CREATE INDEX IF NOT EXISTS jobs_pull_request ON jobs (family, repository, number);
CREATE TABLE IF NOT EXISTS violations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(id),
	rule_id TEXT NOT NULL,
	file TEXT NOT NULL,
	line INTEGER NOT NULL,
	severity TEXT NOT NULL,
	message TEXT NOT NULL,
	reference TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS violations_job ON violations (job_id);
CREATE TABLE IF NOT EXISTS scan_errors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(id),
	message TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS scan_errors_job ON scan_errors (job_id);
`

const jobColumns = `id, family, name, submitted, ruleset, archive_path, repository, number,
	branch, head_sha, clone_url, image_ref, status, message, started, finished`

// Store is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. Use ":memory:" for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer, serialize access in the pool
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Create persists a new job as NOT_STARTED.
func (s *Store) Create(ctx context.Context, job model.ScanJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, family, name, submitted, ruleset, archive_path, repository, number,
			branch, head_sha, clone_url, image_ref, status)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?);`,
		job.ID, job.Family, job.Name, job.Submitted.UnixNano(), job.RuleSetName, job.ArchivePath,
		job.Repository, job.Number, job.Branch, job.HeadSHA, job.CloneURL, job.ImageRef,
		model.StatusNotStarted,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

// MarkInProgress moves a job to IN_PROGRESS. A job already in progress, for
// example re-run after a restart, is accepted. Finished jobs return
// ErrAlreadyFinished.
func (s *Store) MarkInProgress(ctx context.Context, id string) error {
	return s.transition(ctx, id, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, started = ? WHERE id = ?;`,
			model.StatusInProgress, time.Now().UnixNano(), id,
		)
		return err
	})
}

// MarkFailed finishes a job with FAILED status and message.
func (s *Store) MarkFailed(ctx context.Context, id, message string) error {
	return s.transition(ctx, id, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, message = ?, finished = ? WHERE id = ?;`,
			model.StatusFailed, message, time.Now().UnixNano(), id,
		)
		return err
	})
}

// SaveFinalResult finishes a job with DONE status and stores its violations
// and the errors recorded during the scan. No violations means a clean
// result, the errors are counted in the job message.
func (s *Store) SaveFinalResult(ctx context.Context, id string, violations []model.Violation, errs []string) error {
	return s.transition(ctx, id, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO violations (job_id, rule_id, file, line, severity, message, reference)
			VALUES (?,?,?,?,?,?,?);`,
		)
		if err != nil {
			return err
		}
		defer func() {
			_ = stmt.Close()
		}()
		for _, v := range violations {
			if _, err := stmt.ExecContext(ctx, id, v.RuleID, v.File, v.Line, v.Severity, v.Message, v.Reference); err != nil {
				return err
			}
		}
		for _, e := range errs {
			if _, err := tx.ExecContext(ctx, `INSERT INTO scan_errors (job_id, message) VALUES (?,?);`, id, e); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, message = ?, finished = ? WHERE id = ?;`,
			model.StatusDone, resultMessage(len(violations), len(errs)), time.Now().UnixNano(), id,
		)
		return err
	})
}

func resultMessage(violations, errs int) string {
	if errs == 0 {
		return fmt.Sprintf("%d violations", violations)
	}
	return fmt.Sprintf("%d violations, %d errors", violations, errs)
}

// transition runs update in a transaction if the job exists and is not
// finished yet.
func (s *Store) transition(ctx context.Context, id string, update func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func(ctx context.Context, id string) {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("job_id", id))
		}
	}(ctx, id)

	var status model.JobStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	case status.Terminal():
		return fmt.Errorf("job %s: %w", id, ErrAlreadyFinished)
	}

	if err := update(tx); err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Get returns a job, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (model.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	rec, err := scanJob(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.JobRecord{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	case err != nil:
		return model.JobRecord{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return rec, nil
}

// FindIncomplete returns jobs of a family in one of statuses, oldest first.
// Without statuses NOT_STARTED and IN_PROGRESS are used.
func (s *Store) FindIncomplete(ctx context.Context, family model.Family, statuses ...model.JobStatus) ([]model.JobRecord, error) {
	if len(statuses) == 0 {
		statuses = []model.JobStatus{model.StatusNotStarted, model.StatusInProgress}
	}
	args := []any{family}
	for _, st := range statuses {
		args = append(args, st)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE family = ? AND status IN (`+placeholders+`) ORDER BY submitted, id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []model.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		ret = append(ret, rec)
	}
	return ret, rows.Err()
}

// LastReviewed returns the most recently finished DONE job of a pull request,
// or ErrNotFound when it was never reviewed.
func (s *Store) LastReviewed(ctx context.Context, repository string, number int) (model.JobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		WHERE family = ? AND repository = ? AND number = ? AND status = ?
		ORDER BY finished DESC LIMIT 1`,
		model.FamilyPullRequest, repository, number, model.StatusDone,
	)
	rec, err := scanJob(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.JobRecord{}, fmt.Errorf("%s#%d: %w", repository, number, ErrNotFound)
	case err != nil:
		return model.JobRecord{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return rec, nil
}

// Violations returns violations stored for a job.
func (s *Store) Violations(ctx context.Context, id string) ([]model.Violation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rule_id, file, line, severity, message, reference FROM violations WHERE job_id = ? ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []model.Violation
	for rows.Next() {
		var v model.Violation
		if err := rows.Scan(&v.RuleID, &v.File, &v.Line, &v.Severity, &v.Message, &v.Reference); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		ret = append(ret, v)
	}
	return ret, rows.Err()
}

// Errors returns errors recorded while scanning a job.
func (s *Store) Errors(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT message FROM scan_errors WHERE job_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []string
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		ret = append(ret, msg)
	}
	return ret, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (model.JobRecord, error) {
	var rec model.JobRecord
	var submitted int64
	var started, finished sql.NullInt64
	err := row.Scan(
		&rec.ID,
		&rec.Family,
		&rec.Name,
		&submitted,
		&rec.RuleSetName,
		&rec.ArchivePath,
		&rec.Repository,
		&rec.Number,
		&rec.Branch,
		&rec.HeadSHA,
		&rec.CloneURL,
		&rec.ImageRef,
		&rec.Status,
		&rec.Message,
		&started,
		&finished,
	)
	if err != nil {
		return model.JobRecord{}, err
	}
	rec.Submitted = time.Unix(0, submitted)
	if started.Valid {
		rec.Started = time.Unix(0, started.Int64)
	}
	if finished.Valid {
		rec.Finished = time.Unix(0, finished.Int64)
	}
	return rec, nil
}
