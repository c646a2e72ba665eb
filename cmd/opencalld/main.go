// Command opencalld runs the protocol server: the /call dispatcher, the
// registry self-description, polling and chunked retrieval, plus the
// background worker and the expiry sweeper.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/opencall-labs/opencall/pkg/chunk"
	"github.com/opencall-labs/opencall/pkg/config"
	"github.com/opencall-labs/opencall/pkg/dispatch"
	"github.com/opencall-labs/opencall/pkg/instance"
	"github.com/opencall-labs/opencall/pkg/lifecycle"
	"github.com/opencall-labs/opencall/pkg/observability"
	"github.com/opencall-labs/opencall/pkg/queue"
	"github.com/opencall-labs/opencall/pkg/registry"
	"github.com/opencall-labs/opencall/pkg/results"
	"github.com/opencall-labs/opencall/pkg/server"
	"github.com/opencall-labs/opencall/pkg/token"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			return runServer(stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: opencalld [command]

Commands:
  server          Run the protocol server (default)
  token issue     Mint a bearer token
  token revoke    Delete a bearer token
  token list      List bearer tokens
  help            Show this help`)
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	var profile *config.Profile
	if cfg.Profile != "" {
		p, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
		if err != nil {
			logger.Error("failed to load deployment profile", "profile", cfg.Profile, "error", err)
			return 1
		}
		cfg.ApplyProfile(p)
		profile = p
		logger.Info("deployment profile applied",
			"profile", p.Code,
			"callRps", cfg.CallRPS,
			"gateMode", p.Operations.Mode,
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, cleanup, err := openStores(cfg)
	if err != nil {
		logger.Error("failed to open stores", "error", err)
		return 1
	}
	defer cleanup()

	cache := buildCache(cfg)
	persistence := &registry.Stores{InstanceStore: stores.instances, ResultCache: cache}

	objects, err := buildObjectStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to init result storage", "error", err)
		return 1
	}

	reg, err := registry.New(cfg.CallVersion, servedOps(builtinOps(objects), profile))
	if err != nil {
		logger.Error("invalid operation catalogue", "error", err)
		return 1
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "opencalld",
		ServiceVersion: "1.0.0",
		Environment:    getenvDefault("ENVIRONMENT", "development"),
		OTLPEndpoint:   getenvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        os.Getenv("OTEL_ENABLED") == "true",
		Insecure:       os.Getenv("OTEL_INSECURE") == "true",
	})
	if err != nil {
		logger.Error("failed to init observability", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	lc := lifecycle.NewManager(stores.instances, logger)
	dispatcher, err := dispatch.NewDispatcher(reg, stores.tokens, lc, stores.jobs, persistence, logger)
	if err != nil {
		logger.Error("failed to build dispatcher", "error", err)
		return 1
	}
	dispatcher.WithObservability(obs)

	var metrics *server.Metrics
	if os.Getenv("OTEL_ENABLED") == "true" {
		metrics, err = server.NewMetrics()
		if err != nil {
			logger.Error("failed to init metrics", "error", err)
			return 1
		}
	}

	var signer *results.GrantSigner
	if cfg.GrantSecret != "" {
		signer = results.NewGrantSigner([]byte(cfg.GrantSecret), cfg.GrantTTL)
	}

	engine := chunk.NewEngine(stores.instances, cache)
	srv := server.New(dispatcher, reg, stores.instances, engine, server.Options{
		Limiter: server.NewCallLimiter(cfg.CallRPS, cfg.CallBurst),
		Metrics: metrics,
		Signer:  signer,
		Logger:  logger,
	})

	worker := queue.NewWorker(stores.jobs, stores.instances, reg, lc, persistence, logger).WithObservability(obs)
	go worker.Run(ctx)
	go server.NewSweeper(stores.instances, cfg.SweepInterval, logger).Run(ctx)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("opencalld listening",
		"port", cfg.Port,
		"store", cfg.StoreBackend,
		"callVersion", cfg.CallVersion,
		"operations", len(reg.Ops()),
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		_, _ = fmt.Fprintf(stderr, "server error: %v\n", err)
		return 1
	}
	logger.Info("opencalld stopped")
	return 0
}

type storeSet struct {
	tokens    token.Store
	instances instance.Store
	jobs      queue.Store
}

// openStores wires the persistence backend. Jobs always live in SQLite: the
// queue is local to the process that will run the work.
func openStores(cfg *config.Config) (*storeSet, func(), error) {
	jobsDB, err := sql.Open("sqlite", cfg.SQLitePath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open jobs database: %w", err)
	}
	jobs, err := queue.NewSQLiteStore(jobsDB)
	if err != nil {
		_ = jobsDB.Close()
		return nil, nil, err
	}

	switch cfg.StoreBackend {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			_ = jobsDB.Close()
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		tokens, err := token.NewPostgresStore(db)
		if err != nil {
			_ = db.Close()
			_ = jobsDB.Close()
			return nil, nil, err
		}
		instances, err := instance.NewPostgresStore(db)
		if err != nil {
			_ = db.Close()
			_ = jobsDB.Close()
			return nil, nil, err
		}
		cleanup := func() { _ = db.Close(); _ = jobsDB.Close() }
		return &storeSet{tokens: tokens, instances: instances, jobs: jobs}, cleanup, nil
	case "sqlite":
		tokens, err := token.NewSQLiteStore(jobsDB)
		if err != nil {
			_ = jobsDB.Close()
			return nil, nil, err
		}
		instances, err := instance.NewSQLiteStore(jobsDB)
		if err != nil {
			_ = jobsDB.Close()
			return nil, nil, err
		}
		cleanup := func() { _ = jobsDB.Close() }
		return &storeSet{tokens: tokens, instances: instances, jobs: jobs}, cleanup, nil
	default:
		_ = jobsDB.Close()
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func buildCache(cfg *config.Config) results.Cache {
	local := results.NewMemoryCache(10 * time.Minute)
	if cfg.RedisAddr == "" {
		return local
	}
	return results.NewTiered(local, results.NewRedisCache(cfg.RedisAddr, "", 0, 10*time.Minute))
}

func buildObjectStore(ctx context.Context, cfg *config.Config) (results.ObjectStore, error) {
	switch cfg.ResultBackend {
	case "", "none":
		return nil, nil
	case "s3":
		return results.NewS3Store(ctx, results.S3StoreConfig{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   "results/",
		})
	case "gcs":
		return results.NewGCSStore(ctx, results.GCSStoreConfig{
			Bucket: cfg.GCSBucket,
			Prefix: "results/",
		})
	default:
		return nil, fmt.Errorf("unknown result backend %q", cfg.ResultBackend)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
