// Package config loads meshflow's runtime configuration from the
// environment, following the same grouped-struct-with-typed-getters
// shape used across the rest of this codebase family.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the top-level configuration for a meshflow process (engine
// or deployer).
type Config struct {
	Service   ServiceConfig
	Store     StoreConfig
	Redis     RedisConfig
	Postgres  PostgresConfig
	Cache     CacheConfig
	Engine    EngineConfig
	Quorum    QuorumConfig
	Telemetry TelemetryConfig
}

// CacheConfig sizes the in-process deploy-plan cache (internal/cache).
type CacheConfig struct {
	TTL time.Duration
}

// StoreConfig selects and sizes the Store backend.
type StoreConfig struct {
	// Backend is "redis" (nativestore), "postgres" (sqlstore), or
	// "memory" (memstore, for local development and tests).
	Backend string
}

type ServiceConfig struct {
	Name      string
	Namespace string
	Env       string
	LogLevel  string
	LogFormat string
	// Port is the HTTP listen port: cmd/meshflow-deploy's API server and
	// cmd/meshflow-engine's health server both bind to it.
	Port int
	// Apps lists the app ids this process instance serves as an engine.
	Apps []string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// EngineConfig holds the tunables named in spec §6.
type EngineConfig struct {
	ReclaimDelay     time.Duration
	ReclaimCount     int
	ReadOnly         bool
	FidelitySeconds  int
	DefaultExpireSec int
	MaxSymbolSlots   int
	MetadataSlots    int
	DataSlots        int
	SymValCapacity   int
}

type QuorumConfig struct {
	ActivationRetryMax int
	ActivationDelay    time.Duration
	RollcallDelay      time.Duration
	RollcallCycles     int
	ScoutIntervalSec   int
	SignalTTLSec       int
}

type TelemetryConfig struct {
	Enabled   bool
	PProfAddr string
}

// Load reads Config from the environment, namespacing variables under
// MESHFLOW_.
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:      serviceName,
			Namespace: getEnv("MESHFLOW_NAMESPACE", "mesh"),
			Env:       getEnv("MESHFLOW_ENV", "development"),
			LogLevel:  getEnv("MESHFLOW_LOG_LEVEL", "info"),
			LogFormat: getEnv("MESHFLOW_LOG_FORMAT", "console"),
			Port:      getEnvInt("MESHFLOW_PORT", 8080),
			Apps:      getEnvSlice("MESHFLOW_APPS", []string{"default"}),
		},
		Store: StoreConfig{
			Backend: getEnv("MESHFLOW_STORE_BACKEND", "redis"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("MESHFLOW_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("MESHFLOW_REDIS_PASSWORD", ""),
			DB:       getEnvInt("MESHFLOW_REDIS_DB", 0),
		},
		Postgres: PostgresConfig{
			Host:     getEnv("MESHFLOW_PG_HOST", "localhost"),
			Port:     getEnvInt("MESHFLOW_PG_PORT", 5432),
			User:     getEnv("MESHFLOW_PG_USER", "meshflow"),
			Password: getEnv("MESHFLOW_PG_PASSWORD", ""),
			Database: getEnv("MESHFLOW_PG_DATABASE", "meshflow"),
			SSLMode:  getEnv("MESHFLOW_PG_SSLMODE", "disable"),
			MaxConns: getEnvInt("MESHFLOW_PG_MAX_CONNS", 10),
			MinConns: getEnvInt("MESHFLOW_PG_MIN_CONNS", 2),
		},
		Cache: CacheConfig{
			TTL: getEnvDuration("MESHFLOW_CACHE_TTL", 5*time.Minute),
		},
		Engine: EngineConfig{
			ReclaimDelay:     getEnvDuration("MESHFLOW_RECLAIM_DELAY", 60*time.Second),
			ReclaimCount:     getEnvInt("MESHFLOW_RECLAIM_COUNT", 3),
			ReadOnly:         getEnvBool("MESHFLOW_READONLY", false),
			FidelitySeconds:  getEnvInt("MESHFLOW_FIDELITY_SECONDS", 5),
			DefaultExpireSec: getEnvInt("MESHFLOW_DEFAULT_EXPIRE_SECONDS", 120),
			MaxSymbolSlots:   getEnvInt("MESHFLOW_MAX_SYMBOL_SLOTS", 286),
			MetadataSlots:    getEnvInt("MESHFLOW_METADATA_SLOTS", 26),
			DataSlots:        getEnvInt("MESHFLOW_DATA_SLOTS", 260),
			SymValCapacity:   getEnvInt("MESHFLOW_SYMVAL_CAPACITY", 52*52),
		},
		Quorum: QuorumConfig{
			ActivationRetryMax: getEnvInt("MESHFLOW_ACTIVATION_MAX_RETRY", 5),
			ActivationDelay:    getEnvDuration("MESHFLOW_ACTIVATION_DELAY", 1*time.Second),
			RollcallDelay:      getEnvDuration("MESHFLOW_ROLLCALL_DELAY", 2*time.Second),
			RollcallCycles:     getEnvInt("MESHFLOW_ROLLCALL_CYCLES", 3),
			ScoutIntervalSec:   getEnvInt("MESHFLOW_SCOUT_INTERVAL_SECONDS", 10),
			SignalTTLSec:       getEnvInt("MESHFLOW_SIGNAL_TTL_SECONDS", 30),
		},
		Telemetry: TelemetryConfig{
			Enabled:   getEnvBool("MESHFLOW_TELEMETRY_ENABLED", false),
			PProfAddr: getEnv("MESHFLOW_PPROF_ADDR", "localhost:6060"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that must hold before bootstrap proceeds.
func (c *Config) Validate() error {
	if c.Service.Namespace == "" {
		return fmt.Errorf("config: namespace must not be empty")
	}
	if c.Engine.MetadataSlots+c.Engine.DataSlots != c.Engine.MaxSymbolSlots {
		return fmt.Errorf("config: metadata+data slots (%d+%d) must equal max symbol slots (%d)",
			c.Engine.MetadataSlots, c.Engine.DataSlots, c.Engine.MaxSymbolSlots)
	}
	if c.Quorum.ActivationRetryMax < 1 {
		return fmt.Errorf("config: activation retry max must be >= 1")
	}
	switch c.Store.Backend {
	case "redis", "postgres", "memory":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	return nil
}

// DatabaseURL builds a pgx connection string from PostgresConfig.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Postgres.User, c.Postgres.Password, c.Postgres.Host, c.Postgres.Port,
		c.Postgres.Database, c.Postgres.SSLMode)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getEnvSlice(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return strings.Split(v, ",")
}
