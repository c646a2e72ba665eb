package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists jobs in SQLite. Claim uses a transaction so two
// workers sharing the database never run the same job.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLiteStore) WithClock(clock func() time.Time) *SQLiteStore {
	s.clock = clock
	return s
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS jobs (
		request_id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		scheduled_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, scheduled_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Enqueue(ctx context.Context, requestID string) error {
	now := s.clock().UTC().Format(time.RFC3339Nano)
	query := `
		INSERT INTO jobs (request_id, status, scheduled_at, updated_at)
		VALUES (?, 'pending', ?, ?)
		ON CONFLICT (request_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, requestID, now, now); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", requestID, err)
	}
	return nil
}

func (s *SQLiteStore) Claim(ctx context.Context, limit int) ([]*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT request_id, status, attempts, scheduled_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending'
		ORDER BY scheduled_at ASC, request_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}

	var claimed []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		claimed = append(claimed, job)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	now := s.clock().UTC()
	for _, job := range claimed {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'running', attempts = attempts + 1, updated_at = ?
			WHERE request_id = ? AND status = 'pending'
		`, now.Format(time.RFC3339Nano), job.RequestID)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("job %s claimed concurrently", job.RequestID)
		}
		job.Status = StatusRunning
		job.Attempts++
		job.UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *SQLiteStore) MarkDone(ctx context.Context, requestID string) error {
	return s.setStatus(ctx, requestID, StatusDone, "")
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, requestID, reason string) error {
	return s.setStatus(ctx, requestID, StatusFailed, reason)
}

func (s *SQLiteStore) setStatus(ctx context.Context, requestID, status, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, last_error = ?, updated_at = ?
		WHERE request_id = ?
	`, status, reason, s.clock().UTC().Format(time.RFC3339Nano), requestID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns one job row.
func (s *SQLiteStore) Get(ctx context.Context, requestID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, status, attempts, scheduled_at, updated_at, last_error
		FROM jobs
		WHERE request_id = ?
	`, requestID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return job, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                    Job
		scheduledAt, updatedAt string
	)
	err := row.Scan(&job.RequestID, &job.Status, &job.Attempts, &scheduledAt, &updatedAt, &job.LastError)
	if err != nil {
		return nil, err
	}
	if job.ScheduledAt, err = time.Parse(time.RFC3339Nano, scheduledAt); err != nil {
		return nil, fmt.Errorf("corrupt scheduled_at %q: %w", scheduledAt, err)
	}
	if job.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("corrupt updated_at %q: %w", updatedAt, err)
	}
	return &job, nil
}
