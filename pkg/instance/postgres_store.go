package instance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opencall-labs/opencall/pkg/envelope"
)

// PostgresStore persists operation instances in Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS instances (
		request_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		op TEXT NOT NULL,
		args JSONB NOT NULL,
		principal TEXT NOT NULL,
		state TEXT NOT NULL,
		result_location TEXT NOT NULL DEFAULT '',
		result_data BYTEA,
		result_mime TEXT NOT NULL DEFAULT '',
		error JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		expires_at_ms BIGINT NOT NULL,
		last_polled_at BIGINT NOT NULL DEFAULT 0
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const pgInstanceColumns = `request_id, session_id, op, args, principal, state,
	result_location, result_data, result_mime, error,
	created_at, updated_at, expires_at_ms, last_polled_at`

func (s *PostgresStore) Insert(ctx context.Context, inst *Instance) error {
	argsJSON, _ := json.Marshal(inst.Args)
	var errJSON any
	if inst.Error != nil {
		b, _ := json.Marshal(inst.Error)
		errJSON = b
	}
	query := `INSERT INTO instances (` + pgInstanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := s.db.ExecContext(ctx, query,
		inst.RequestID, inst.SessionID, inst.Op, argsJSON, inst.Principal, string(inst.State),
		inst.ResultLocation, inst.ResultData, inst.ResultMime, errJSON,
		inst.CreatedAt, inst.UpdatedAt, inst.ExpiresAt.UnixMilli(), inst.LastPolledAt)
	if err != nil {
		return fmt.Errorf("failed to insert instance: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, requestID string) (*Instance, error) {
	query := `SELECT ` + pgInstanceColumns + ` FROM instances WHERE request_id = $1`
	row := s.db.QueryRowContext(ctx, query, requestID)
	return scanPgInstance(row)
}

func (s *PostgresStore) Apply(ctx context.Context, requestID string, tr Transition) error {
	var errJSON any
	if tr.Error != nil {
		b, _ := json.Marshal(tr.Error)
		errJSON = b
	}
	query := `
		UPDATE instances
		SET state = $1, result_location = $2, result_data = $3, result_mime = $4, error = $5, updated_at = $6
		WHERE request_id = $7 AND state = $8
	`
	res, err := s.db.ExecContext(ctx, query,
		string(tr.To), tr.ResultLocation, tr.ResultData, tr.ResultMime, errJSON,
		time.Now().UTC(), requestID, string(tr.From))
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

func (s *PostgresStore) StampPoll(ctx context.Context, requestID string, now time.Time, window time.Duration) (*Instance, time.Duration, error) {
	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()

	query := `
		UPDATE instances
		SET last_polled_at = $1
		WHERE request_id = $2 AND last_polled_at <= $3 AND expires_at_ms > $4
	`
	res, err := s.db.ExecContext(ctx, query, nowMs, requestID, cutoff, nowMs)
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

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM instances WHERE expires_at_ms <= $1`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanPgInstance(row rowScanner) (*Instance, error) {
	var (
		inst        Instance
		state       string
		argsJSON    []byte
		errJSON     []byte
		expiresAtMs int64
	)
	err := row.Scan(
		&inst.RequestID, &inst.SessionID, &inst.Op, &argsJSON, &inst.Principal, &state,
		&inst.ResultLocation, &inst.ResultData, &inst.ResultMime, &errJSON,
		&inst.CreatedAt, &inst.UpdatedAt, &expiresAtMs, &inst.LastPolledAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	inst.State = envelope.State(state)
	if err := json.Unmarshal(argsJSON, &inst.Args); err != nil {
		return nil, fmt.Errorf("corrupt args JSON for instance %s: %w", inst.RequestID, err)
	}
	if len(errJSON) > 0 {
		var e envelope.Error
		if err := json.Unmarshal(errJSON, &e); err != nil {
			return nil, fmt.Errorf("corrupt error JSON for instance %s: %w", inst.RequestID, err)
		}
		inst.Error = &e
	}
	inst.ExpiresAt = time.UnixMilli(expiresAtMs).UTC()
	return &inst, nil
}
