package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the router.
type Config struct {
	Port string

	// Storage
	DBPath       string
	AuditBackend string // "sqlite" (default) or "postgres"
	PostgresDSN  string

	// Rate limiting
	RateLimitBackend string // "memory" (default) or "redis"
	RedisAddr        string
	RedisPrefix      string

	// Mode contexts
	ModeSigningSecret string
	ModeTokenTTL      time.Duration
	ModeProofMaxAge   time.Duration
	ModeCacheTTL      time.Duration

	// Operator auth for the HTTP API
	JWTSecret string
	// Operators maps operator id to a bcrypt password hash (OPERATORS="id:hash,...").
	Operators map[string]string

	// Providers
	ProvidersFile     string
	HealthInterval    time.Duration
	RouterMaxAttempts int // 0 means one attempt per provider

	Sim SimConfig

	// Audit
	AuditSpoolPath string

	// Operations
	ReconcileInterval time.Duration
	AlertWebhookURL   string
	LogLevel          string
	LogFormat         string // "console" or "json"

	// Localization
	Language string // "en" or "zh"
}

// SimConfig tunes the paper-trading engine.
type SimConfig struct {
	InitialFunding         float64
	Slippage               float64 // fraction, 0.001 = 0.1%
	PartialFillProbability float64
	LatencyMin             time.Duration
	LatencyMax             time.Duration
	FeeRate                float64
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		DBPath:            getEnv("DB_PATH", "./data/router.db"),
		AuditBackend:      strings.ToLower(getEnv("AUDIT_BACKEND", "sqlite")),
		PostgresDSN:       os.Getenv("POSTGRES_DSN"),
		RateLimitBackend:  strings.ToLower(getEnv("RATE_LIMIT_BACKEND", "memory")),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPrefix:       getEnv("REDIS_PREFIX", "router:rl"),
		ModeSigningSecret: os.Getenv("MODE_SIGNING_SECRET"),
		ModeTokenTTL:      getEnvDuration("MODE_TOKEN_TTL", 8*time.Hour),
		ModeProofMaxAge:   getEnvDuration("MODE_PROOF_MAX_AGE", 5*time.Minute),
		ModeCacheTTL:      getEnvDuration("MODE_SESSION_CACHE_TTL", 2*time.Second),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		Operators:         parseOperators(os.Getenv("OPERATORS")),
		ProvidersFile:     getEnv("PROVIDERS_FILE", "./configs/providers.yaml"),
		HealthInterval:    getEnvDuration("HEALTH_INTERVAL", 15*time.Second),
		RouterMaxAttempts: getEnvInt("ROUTER_MAX_ATTEMPTS", 0),
		Sim: SimConfig{
			InitialFunding:         getEnvFloat("SIM_INITIAL_FUNDING", 100000),
			Slippage:               getEnvFloat("SIM_SLIPPAGE", 0.001),
			PartialFillProbability: getEnvFloat("SIM_PARTIAL_FILL_PROB", 0.10),
			LatencyMin:             time.Duration(getEnvInt("SIM_LATENCY_MIN_MS", 0)) * time.Millisecond,
			LatencyMax:             time.Duration(getEnvInt("SIM_LATENCY_MAX_MS", 0)) * time.Millisecond,
			FeeRate:                getEnvFloat("SIM_FEE_RATE", 0),
		},
		AuditSpoolPath:    getEnv("AUDIT_SPOOL_PATH", "./data/audit_spool"),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		AlertWebhookURL:   os.Getenv("ALERT_WEBHOOK_URL"),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getEnv("LOG_FORMAT", "console")),
		Language:          getEnv("LANG_CODE", getEnv("LANGUAGE", "en")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.AuditBackend {
	case "sqlite":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("AUDIT_BACKEND=postgres requires POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unknown AUDIT_BACKEND %q", c.AuditBackend)
	}
	switch c.RateLimitBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimitBackend)
	}
	if c.Sim.Slippage < 0 || c.Sim.Slippage >= 1 {
		return fmt.Errorf("SIM_SLIPPAGE must be in [0,1), got %v", c.Sim.Slippage)
	}
	if c.Sim.PartialFillProbability < 0 || c.Sim.PartialFillProbability > 1 {
		return fmt.Errorf("SIM_PARTIAL_FILL_PROB must be in [0,1], got %v", c.Sim.PartialFillProbability)
	}
	if c.Sim.LatencyMax < c.Sim.LatencyMin {
		return fmt.Errorf("SIM_LATENCY_MAX_MS below SIM_LATENCY_MIN_MS")
	}
	if c.Sim.InitialFunding <= 0 {
		return fmt.Errorf("SIM_INITIAL_FUNDING must be positive")
	}
	if c.RouterMaxAttempts < 0 {
		return fmt.Errorf("ROUTER_MAX_ATTEMPTS must not be negative")
	}
	return nil
}

// parseOperators reads "id:hash" pairs. bcrypt hashes never contain a comma
// or a colon, so both separators are safe.
func parseOperators(v string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		id, hash, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || id == "" || hash == "" {
			continue
		}
		out[id] = hash
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("15s") and bare integers as seconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
