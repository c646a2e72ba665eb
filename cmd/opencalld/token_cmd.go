package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/opencall-labs/opencall/pkg/config"
	"github.com/opencall-labs/opencall/pkg/token"
)

// runTokenCmd is the operator surface for bearer tokens. Tokens never transit
// the protocol itself, so issuance and revocation live in the CLI.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: opencalld token <issue|revoke|list> [flags]")
		return 2
	}

	cfg := config.Load()
	store, cleanup, err := openTokenStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "failed to open token store: %v\n", err)
		return 1
	}
	defer cleanup()

	ctx := context.Background()
	switch args[0] {
	case "issue":
		return tokenIssue(ctx, args[1:], store, stdout, stderr)
	case "revoke":
		return tokenRevoke(ctx, args[1:], store, stdout, stderr)
	case "list":
		return tokenList(ctx, store, stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown token command: %s\n", args[0])
		return 2
	}
}

func tokenIssue(ctx context.Context, args []string, store token.Store, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token issue", flag.ContinueOnError)
	fs.SetOutput(stderr)
	class := fs.String("class", "humanIssued", "token class: humanIssued or agentIssued")
	principal := fs.String("principal", "", "principal the token acts for (required)")
	scopes := fs.String("scopes", "", "comma-separated scope list (required)")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	analyticsRef := fs.String("analytics-ref", "", "opaque analytics reference")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *principal == "" || *scopes == "" {
		_, _ = fmt.Fprintln(stderr, "token issue requires -principal and -scopes")
		return 2
	}

	var cls token.Class
	switch *class {
	case "humanIssued":
		cls = token.ClassHumanIssued
	case "agentIssued":
		cls = token.ClassAgentIssued
	default:
		_, _ = fmt.Fprintf(stderr, "unknown token class %q\n", *class)
		return 2
	}

	now := time.Now().UTC()
	tok := &token.Token{
		Token:        token.Mint(cls),
		Class:        cls,
		Principal:    *principal,
		Scopes:       splitScopes(*scopes),
		ExpiresAt:    now.Add(*ttl),
		CreatedAt:    now,
		AnalyticsRef: *analyticsRef,
	}
	if err := store.Insert(ctx, tok); err != nil {
		_, _ = fmt.Fprintf(stderr, "failed to store token: %v\n", err)
		return 1
	}
	return printJSON(stdout, stderr, tok)
}

func tokenRevoke(ctx context.Context, args []string, store token.Store, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: opencalld token revoke <token>")
		return 2
	}
	if err := store.Delete(ctx, args[0]); err != nil {
		_, _ = fmt.Fprintf(stderr, "failed to revoke token: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "revoked")
	return 0
}

func tokenList(ctx context.Context, store token.Store, stdout, stderr io.Writer) int {
	tokens, err := store.List(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "failed to list tokens: %v\n", err)
		return 1
	}
	return printJSON(stdout, stderr, tokens)
}

func openTokenStore(cfg *config.Config) (token.Store, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store, err := token.NewPostgresStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.SQLitePath+"?_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, nil, err
		}
		store, err := token.NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func splitScopes(raw string) []string {
	parts := strings.Split(raw, ",")
	scopes := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

func printJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_, _ = fmt.Fprintf(stderr, "failed to encode output: %v\n", err)
		return 1
	}
	return 0
}
