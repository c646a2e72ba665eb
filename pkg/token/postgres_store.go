package token

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists tokens in Postgres. Schema mirrors the SQLite
// store; timestamps use native timestamptz columns.
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
	CREATE TABLE IF NOT EXISTS tokens (
		token TEXT PRIMARY KEY,
		class TEXT NOT NULL,
		principal TEXT NOT NULL,
		scopes JSONB NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		analytics_ref TEXT NOT NULL DEFAULT ''
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) Lookup(ctx context.Context, tok string) (*Token, error) {
	query := `
		SELECT token, class, principal, scopes, expires_at, created_at, analytics_ref
		FROM tokens
		WHERE token = $1
	`
	row := s.db.QueryRowContext(ctx, query, tok)

	var (
		t          Token
		class      string
		scopesJSON []byte
	)
	err := row.Scan(&t.Token, &class, &t.Principal, &scopesJSON, &t.ExpiresAt, &t.CreatedAt, &t.AnalyticsRef)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Class = Class(class)
	if err := json.Unmarshal(scopesJSON, &t.Scopes); err != nil {
		return nil, fmt.Errorf("corrupt scopes JSON for token: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) Insert(ctx context.Context, t *Token) error {
	scopesJSON, _ := json.Marshal(t.Scopes)
	query := `INSERT INTO tokens (token, class, principal, scopes, expires_at, created_at, analytics_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, query,
		t.Token, string(t.Class), t.Principal, scopesJSON, t.ExpiresAt, t.CreatedAt, t.AnalyticsRef)
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, tok string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE token = $1`, tok)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*Token, error) {
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
		var (
			t          Token
			class      string
			scopesJSON []byte
		)
		if err := rows.Scan(&t.Token, &class, &t.Principal, &scopesJSON, &t.ExpiresAt, &t.CreatedAt, &t.AnalyticsRef); err != nil {
			return nil, err
		}
		t.Class = Class(class)
		if err := json.Unmarshal(scopesJSON, &t.Scopes); err != nil {
			return nil, fmt.Errorf("corrupt scopes JSON for token: %w", err)
		}
		tokens = append(tokens, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}
