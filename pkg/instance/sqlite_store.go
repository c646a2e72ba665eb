package instance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opencall-labs/opencall/pkg/envelope"
)

// SQLiteStore persists operation instances in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS instances (
		request_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		op TEXT NOT NULL,
		args JSON NOT NULL,
		principal TEXT NOT NULL,
		state TEXT NOT NULL,
		result_location TEXT NOT NULL DEFAULT '',
		result_data BLOB,
		result_mime TEXT NOT NULL DEFAULT '',
		error JSON,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		expires_at INTEGER NOT NULL,
		last_polled_at INTEGER NOT NULL DEFAULT 0
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const instanceColumns = `request_id, session_id, op, args, principal, state,
	result_location, result_data, result_mime, error,
	created_at, updated_at, expires_at, last_polled_at`

func (s *SQLiteStore) Insert(ctx context.Context, inst *Instance) error {
	argsJSON, _ := json.Marshal(inst.Args)
	var errJSON any
	if inst.Error != nil {
		b, _ := json.Marshal(inst.Error)
		errJSON = string(b)
	}
	query := `INSERT INTO instances (` + instanceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		inst.RequestID, inst.SessionID, inst.Op, string(argsJSON), inst.Principal, string(inst.State),
		inst.ResultLocation, inst.ResultData, inst.ResultMime, errJSON,
		inst.CreatedAt.UTC().Format(time.RFC3339Nano),
		inst.UpdatedAt.UTC().Format(time.RFC3339Nano),
		inst.ExpiresAt.UnixMilli(),
		inst.LastPolledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert instance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, requestID string) (*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE request_id = ?`
	row := s.db.QueryRowContext(ctx, query, requestID)
	return scanInstance(row)
}

func (s *SQLiteStore) Apply(ctx context.Context, requestID string, tr Transition) error {
	var errJSON any
	if tr.Error != nil {
		b, _ := json.Marshal(tr.Error)
		errJSON = string(b)
	}
	query := `
		UPDATE instances
		SET state = ?, result_location = ?, result_data = ?, result_mime = ?, error = ?, updated_at = ?
		WHERE request_id = ? AND state = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		string(tr.To), tr.ResultLocation, tr.ResultData, tr.ResultMime, errJSON,
		time.Now().UTC().Format(time.RFC3339Nano),
		requestID, string(tr.From),
	)
	if err != nil {
		return fmt.Errorf("failed to apply transition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, requestID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStore) StampPoll(ctx context.Context, requestID string, now time.Time, window time.Duration) (*Instance, time.Duration, error) {
	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()

	// Reject before recording: the stamp lands only when the window has
	// passed and the row has not expired.
	query := `
		UPDATE instances
		SET last_polled_at = ?
		WHERE request_id = ? AND last_polled_at <= ? AND expires_at > ?
	`
	res, err := s.db.ExecContext(ctx, query,
		nowMs, requestID, cutoff, nowMs)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to stamp poll: %w", err)
	}
	n, _ := res.RowsAffected()

	inst, err := s.Get(ctx, requestID)
	if err != nil {
		return nil, 0, err
	}
	if inst.Expired(now) {
		return nil, 0, ErrNotFound
	}
	if n == 0 {
		remaining := time.Duration(inst.LastPolledAt-cutoff) * time.Millisecond
		if remaining < 0 {
			remaining = 0
		}
		return nil, remaining, ErrRateLimited
	}
	return inst, 0, nil
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM instances WHERE expires_at <= ?`,
		now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var (
		inst                 Instance
		state, argsJSON      string
		errJSON              sql.NullString
		createdAt, updatedAt string
		expiresAtMs          int64
		resultData           []byte
	)
	err := row.Scan(
		&inst.RequestID, &inst.SessionID, &inst.Op, &argsJSON, &inst.Principal, &state,
		&inst.ResultLocation, &resultData, &inst.ResultMime, &errJSON,
		&createdAt, &updatedAt, &expiresAtMs, &inst.LastPolledAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	inst.State = envelope.State(state)
	inst.ResultData = resultData
	if err := json.Unmarshal([]byte(argsJSON), &inst.Args); err != nil {
		return nil, fmt.Errorf("corrupt args JSON for instance %s: %w", inst.RequestID, err)
	}
	if errJSON.Valid && errJSON.String != "" {
		var e envelope.Error
		if err := json.Unmarshal([]byte(errJSON.String), &e); err != nil {
			return nil, fmt.Errorf("corrupt error JSON for instance %s: %w", inst.RequestID, err)
		}
		inst.Error = &e
	}
	if inst.CreatedAt, err = parseStoredTime(createdAt); err != nil {
		return nil, err
	}
	if inst.UpdatedAt, err = parseStoredTime(updatedAt); err != nil {
		return nil, err
	}
	inst.ExpiresAt = time.UnixMilli(expiresAtMs).UTC()
	return &inst, nil
}

func parseStoredTime(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", v, err)
	}
	return ts, nil
}
