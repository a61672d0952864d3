// Package config loads kernel configuration from the environment and
// optional YAML seed files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds daemon configuration. Every field has an env var and a
// working default; Load validates the combination.
type Config struct {
	ListenAddr string

	DBDriver string // "sqlite" | "postgres"
	DBDSN    string

	HeartbeatSeconds int
	MaxAttempts      int
	CooldownSeconds  int
	CircuitThreshold int

	DampeningStore string // "memory" | "redis"
	RedisAddr      string

	ArtifactStore string // "fs" | "s3" | "gcs"

	// WasmHandlers maps action types to WebAssembly effector modules,
	// parsed from "action_type=/path/to/module.wasm" pairs.
	WasmHandlers map[string]string

	AuthSecret string
	RateRPS    float64
	RateBurst  int

	OTELEndpoint string
	SeedFile     string
	LogLevel     string
	LogFormat    string
}

// Load reads GAP_* environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:       envOr("GAP_LISTEN_ADDR", ":8347"),
		DBDriver:         envOr("GAP_DB_DRIVER", "sqlite"),
		DBDSN:            envOr("GAP_DB_DSN", "file:gap_lineage.db?_pragma=journal_mode(WAL)"),
		DampeningStore:   envOr("GAP_DAMPENING_STORE", "memory"),
		RedisAddr:        envOr("GAP_REDIS_ADDR", "localhost:6379"),
		ArtifactStore:    envOr("GAP_ARTIFACT_STORE", "fs"),
		AuthSecret:       os.Getenv("GAP_AUTH_HS256_SECRET"),
		OTELEndpoint:     os.Getenv("GAP_OTEL_ENDPOINT"),
		SeedFile:         os.Getenv("GAP_SEED_FILE"),
		LogLevel:         envOr("GAP_LOG_LEVEL", "info"),
		LogFormat:        envOr("GAP_LOG_FORMAT", "text"),
	}

	var err error
	if cfg.HeartbeatSeconds, err = envInt("GAP_HEARTBEAT_SECONDS", 60); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts, err = envInt("GAP_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.CooldownSeconds, err = envInt("GAP_COOLDOWN_SECONDS", 300); err != nil {
		return nil, err
	}
	if cfg.CircuitThreshold, err = envInt("GAP_CIRCUIT_THRESHOLD", 5); err != nil {
		return nil, err
	}
	if cfg.RateRPS, err = envFloat("GAP_RATE_RPS", 50); err != nil {
		return nil, err
	}
	if cfg.RateBurst, err = envInt("GAP_RATE_BURST", 100); err != nil {
		return nil, err
	}

	if cfg.WasmHandlers, err = parseHandlerMap(os.Getenv("GAP_WASM_HANDLERS")); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseHandlerMap splits "type=path,type=path" into a map.
func parseHandlerMap(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, path, ok := strings.Cut(pair, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("config: GAP_WASM_HANDLERS entry %q is not action_type=path", pair)
		}
		out[name] = path
	}
	return out, nil
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: GAP_DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	switch c.DampeningStore {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: GAP_DAMPENING_STORE must be memory or redis, got %q", c.DampeningStore)
	}
	switch c.ArtifactStore {
	case "fs", "s3", "gcs":
	default:
		return fmt.Errorf("config: GAP_ARTIFACT_STORE must be fs, s3 or gcs, got %q", c.ArtifactStore)
	}
	if c.HeartbeatSeconds <= 0 {
		return fmt.Errorf("config: GAP_HEARTBEAT_SECONDS must be positive, got %d", c.HeartbeatSeconds)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("config: GAP_MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts)
	}
	if c.RateRPS <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("config: rate limit values must be positive (rps=%v burst=%d)", c.RateRPS, c.RateBurst)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q", key, raw)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a number, got %q", key, raw)
	}
	return f, nil
}
