package thingdb

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/dan-solli/thingdb/pkg/embeddings"
	"github.com/dan-solli/thingdb/pkg/metrics"
	"github.com/dan-solli/thingdb/pkg/syncer"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheSQLite = "sqlite"
	CacheRedis  = "redis"
)

// Config holds configuration for a thingdb instance.
type Config struct {
	// Env is "development" or "production" (default: development)
	Env      string
	LogLevel string

	// DBPath is the durable SQLite database (default: "thingdb.db")
	DBPath string

	// AnalyticsDSN selects the analytical store: postgres://... or a SQLite
	// path (default: "thingdb-analytics.db")
	AnalyticsDSN string

	// CacheBackend is memory, sqlite or redis (default: sqlite, the durable store)
	CacheBackend string
	RedisURL     string
	RedisPrefix  string

	Sync          syncer.Config
	SweepInterval time.Duration
	QueryTimeout  time.Duration

	// Chunk size in tokens (default: 512)
	ChunkSize int

	// Chunk overlap in tokens (default: 50)
	ChunkOverlap int

	// NodeID distinguishes event id generators, 0-1023
	NodeID int64

	// MetricsAddr is where `thingdb serve` exposes /metrics (default: ":9090")
	MetricsAddr string

	// Set programmatically only.
	Embedder embeddings.Client
	Logger   *slog.Logger
	Metrics  metrics.Collector
}

func (c Config) withDefaults() Config {
	if c.Env == "" {
		c.Env = "development"
	}
	if c.DBPath == "" {
		c.DBPath = "thingdb.db"
	}
	if c.AnalyticsDSN == "" {
		c.AnalyticsDSN = "thingdb-analytics.db"
	}
	if c.CacheBackend == "" {
		c.CacheBackend = CacheSQLite
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 512
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = 50
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewNoopCollector()
	}
	return c
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.CacheBackend {
	case "", CacheMemory, CacheSQLite:
	case CacheRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("THINGDB_REDIS_URL is required for the redis cache backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.CacheBackend)
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("node id must be between 0 and 1023, got %d", c.NodeID)
	}
	if c.ChunkOverlap > 0 && c.ChunkSize > 0 && c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk overlap (%d) must be smaller than chunk size (%d)", c.ChunkOverlap, c.ChunkSize)
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// LoadConfig reads configuration from THINGDB_* environment variables.
// In development it loads .env first; variables already set win.
func LoadConfig() (Config, error) {
	if getEnv("THINGDB_ENV", "development") == "development" {
		_ = godotenv.Load(".env")
	}

	var errs []error
	cfg := Config{
		Env:          getEnv("THINGDB_ENV", "development"),
		LogLevel:     getEnv("THINGDB_LOG_LEVEL", ""),
		DBPath:       getEnv("THINGDB_DB_PATH", "thingdb.db"),
		AnalyticsDSN: getEnv("THINGDB_ANALYTICS_DSN", "thingdb-analytics.db"),
		CacheBackend: getEnv("THINGDB_CACHE_BACKEND", CacheSQLite),
		RedisURL:     getEnv("THINGDB_REDIS_URL", ""),
		RedisPrefix:  getEnv("THINGDB_REDIS_PREFIX", ""),
		Sync: syncer.Config{
			Interval:    getEnvDuration("THINGDB_SYNC_INTERVAL", 30*time.Second, &errs),
			BatchSize:   getEnvInt("THINGDB_SYNC_BATCH_SIZE", 500, &errs),
			MaxAttempts: getEnvInt("THINGDB_SYNC_MAX_ATTEMPTS", 3, &errs),
		},
		SweepInterval: getEnvDuration("THINGDB_SWEEP_INTERVAL", 5*time.Minute, &errs),
		QueryTimeout:  getEnvDuration("THINGDB_QUERY_TIMEOUT", 30*time.Second, &errs),
		ChunkSize:     getEnvInt("THINGDB_CHUNK_SIZE", 512, &errs),
		ChunkOverlap:  getEnvInt("THINGDB_CHUNK_OVERLAP", 50, &errs),
		NodeID:        int64(getEnvInt("THINGDB_NODE_ID", 0, &errs)),
		MetricsAddr:   getEnv("THINGDB_METRICS_ADDR", ":9090"),
	}
	if len(errs) > 0 {
		return Config{}, errs[0]
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int, errs *[]error) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return fallback
	}
	return d
}
