package token

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists tokens in SQLite.
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
	CREATE TABLE IF NOT EXISTS tokens (
		token TEXT PRIMARY KEY,
		class TEXT NOT NULL,
		principal TEXT NOT NULL,
		scopes JSON NOT NULL,
		expires_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		analytics_ref TEXT NOT NULL DEFAULT ''
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Lookup(ctx context.Context, tok string) (*Token, error) {
	query := `
		SELECT token, class, principal, scopes, expires_at, created_at, analytics_ref
		FROM tokens
		WHERE token = ?
	`
	row := s.db.QueryRowContext(ctx, query, tok)
	return scanToken(row)
}

func (s *SQLiteStore) Insert(ctx context.Context, t *Token) error {
	scopesJSON, _ := json.Marshal(t.Scopes)
	query := `INSERT INTO tokens (token, class, principal, scopes, expires_at, created_at, analytics_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		t.Token, string(t.Class), t.Principal, string(scopesJSON),
		t.ExpiresAt.UTC().Format(time.RFC3339Nano),
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
		t.AnalyticsRef,
	)
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, tok string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE token = ?`, tok)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Token, error) {
	query := `
		SELECT token, class, principal, scopes, expires_at, created_at, analytics_ref
		FROM tokens
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tokens []*Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*Token, error) {
	var (
		tok, class, principal, scopesJSON string
		expiresAt, createdAt              string
		analyticsRef                      sql.NullString
	)
	err := row.Scan(&tok, &class, &principal, &scopesJSON, &expiresAt, &createdAt, &analyticsRef)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var scopes []string
	if err := json.Unmarshal([]byte(scopesJSON), &scopes); err != nil {
		return nil, fmt.Errorf("corrupt scopes JSON for token: %w", err)
	}
	t := &Token{
		Token:        tok,
		Class:        Class(class),
		Principal:    principal,
		Scopes:       scopes,
		AnalyticsRef: analyticsRef.String,
	}
	if t.ExpiresAt, err = parseStoredTime(expiresAt); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseStoredTime(createdAt); err != nil {
		return nil, err
	}
	return t, nil
}

func parseStoredTime(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", v, err)
	}
	return ts, nil
}
