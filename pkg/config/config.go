package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	CallVersion string

	// StoreBackend selects the instance/token/job store: "sqlite" or "postgres".
	StoreBackend string
	DatabaseURL  string
	SQLitePath   string

	// RedisAddr enables the shared result cache tier when non-empty.
	RedisAddr string

	// ResultBackend selects externalized result storage: "none", "s3", "gcs".
	ResultBackend string
	S3Bucket      string
	S3Region      string
	S3Endpoint    string
	GCSBucket     string

	// GrantSecret signs location.auth grants for externalized results.
	GrantSecret string
	GrantTTL    time.Duration

	CallRPS       int
	CallBurst     int
	SweepInterval time.Duration

	// Profile selects a deployment profile overlay by code; empty runs on
	// env-derived values alone.
	Profile     string
	ProfilesDir string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:          getenv("PORT", "8080"),
		LogLevel:      getenv("LOG_LEVEL", "INFO"),
		CallVersion:   getenv("CALL_VERSION", "2026-01-01"),
		StoreBackend:  getenv("STORE_BACKEND", "sqlite"),
		DatabaseURL:   getenv("DATABASE_URL", "postgres://opencall@localhost:5432/opencall?sslmode=disable"),
		SQLitePath:    getenv("SQLITE_PATH", "opencall.db"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		ResultBackend: getenv("RESULT_BACKEND", "none"),
		S3Bucket:      os.Getenv("S3_BUCKET"),
		S3Region:      getenv("S3_REGION", "us-east-1"),
		S3Endpoint:    os.Getenv("S3_ENDPOINT"),
		GCSBucket:     os.Getenv("GCS_BUCKET"),
		GrantSecret:   os.Getenv("GRANT_SECRET"),
		GrantTTL:      getenvDuration("GRANT_TTL", 5*time.Minute),
		CallRPS:       getenvInt("CALL_RPS", 50),
		CallBurst:     getenvInt("CALL_BURST", 100),
		SweepInterval: getenvDuration("SWEEP_INTERVAL", time.Minute),
		Profile:       os.Getenv("PROFILE"),
		ProfilesDir:   getenv("PROFILES_DIR", "profiles"),
	}
}

// ApplyProfile overlays a deployment profile onto the env-derived config.
// Zero-valued profile fields leave the config untouched.
func (c *Config) ApplyProfile(p *Profile) {
	if p == nil {
		return
	}
	if p.Limits.CallRPS > 0 {
		c.CallRPS = p.Limits.CallRPS
	}
	if p.Limits.CallBurst > 0 {
		c.CallBurst = p.Limits.CallBurst
	}
	if p.Retention.SweepIntervalSeconds > 0 {
		c.SweepInterval = time.Duration(p.Retention.SweepIntervalSeconds) * time.Second
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
