package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Notification transports.
const (
	TransportRouting = "routing"
	TransportLog     = "log"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	Store       string   `mapstructure:"STORE"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	LedgerPath         string        `mapstructure:"LEDGER_PATH"`
	LedgerPollInterval time.Duration `mapstructure:"LEDGER_POLL_INTERVAL"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	WebhookSecret  string `mapstructure:"WEBHOOK_SECRET"`

	MatchMinScore      float64 `mapstructure:"MATCH_MIN_SCORE"`
	MatchTopN          int     `mapstructure:"MATCH_TOP_N"`
	MatchMaxDistanceKM float64 `mapstructure:"MATCH_MAX_DISTANCE_KM"`
	ScoringWorkers     int     `mapstructure:"SCORING_WORKERS"`

	BoostUrgent            float64 `mapstructure:"BOOST_URGENT"`
	BoostCritical          float64 `mapstructure:"BOOST_CRITICAL"`
	BoostElevationLow      float64 `mapstructure:"BOOST_ELEVATION_LOW"`
	BoostElevationMedium   float64 `mapstructure:"BOOST_ELEVATION_MEDIUM"`
	BoostElevationHigh     float64 `mapstructure:"BOOST_ELEVATION_HIGH"`
	BoostElevationCritical float64 `mapstructure:"BOOST_ELEVATION_CRITICAL"`

	DeathConfirmDeadline time.Duration `mapstructure:"DEATH_CONFIRM_DEADLINE"`

	NotifyTransport   string        `mapstructure:"NOTIFY_TRANSPORT"`
	NotifyMaxAttempts int           `mapstructure:"NOTIFY_MAX_ATTEMPTS"`
	NotifyBaseBackoff time.Duration `mapstructure:"NOTIFY_BASE_BACKOFF"`
	NotifyMaxBackoff  time.Duration `mapstructure:"NOTIFY_MAX_BACKOFF"`
	WorkerConcurrency int           `mapstructure:"WORKER_CONCURRENCY"`

	MetricsEnabled bool `mapstructure:"METRICS_ENABLED"`
}

var defaults = map[string]interface{}{
	"PORT":                     "8000",
	"ENV":                      "development",
	"LOG_LEVEL":                "info",
	"STORE":                    StorePostgres,
	"DB_MAX_CONNS":             20,
	"DB_MIN_CONNS":             5,
	"CORS_ORIGINS":             "http://localhost:3000",
	"LEDGER_PATH":              "./data/ledger",
	"LEDGER_POLL_INTERVAL":     "2s",
	"AUTH_ISSUER":              "organmatch",
	"MATCH_MIN_SCORE":          70,
	"MATCH_TOP_N":              5,
	"MATCH_MAX_DISTANCE_KM":    0,
	"SCORING_WORKERS":          8,
	"BOOST_URGENT":             8,
	"BOOST_CRITICAL":           15,
	"BOOST_ELEVATION_LOW":      2,
	"BOOST_ELEVATION_MEDIUM":   5,
	"BOOST_ELEVATION_HIGH":     10,
	"BOOST_ELEVATION_CRITICAL": 15,
	"DEATH_CONFIRM_DEADLINE":   "30s",
	"NOTIFY_TRANSPORT":         TransportRouting,
	"NOTIFY_MAX_ATTEMPTS":      3,
	"NOTIFY_BASE_BACKOFF":      "200ms",
	"NOTIFY_MAX_BACKOFF":       "5s",
	"WORKER_CONCURRENCY":       4,
	"METRICS_ENABLED":          true,
}

// bound lists keys without defaults that still need an explicit BindEnv so
// Unmarshal picks them up.
var bound = []string{"DATABASE_URL", "REDIS_URL", "AUTH_SIGNING_KEY", "AUTH_AUDIENCE", "WEBHOOK_SECRET"}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, val := range defaults {
		v.SetDefault(key, val)
		_ = v.BindEnv(key)
	}
	for _, key := range bound {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.Store != StoreMemory && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesRedis reports whether notification delivery and locking go through Redis.
func (c *Config) UsesRedis() bool {
	return c.RedisURL != ""
}

// Validate checks that the configuration is safe to run. Outside development
// AUTH_SIGNING_KEY must be set so that real JWT authentication is enforced.
func (c *Config) Validate() error {
	if c.Store != StorePostgres && c.Store != StoreMemory {
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.MatchMinScore < 0 || c.MatchMinScore > 100 {
		return fmt.Errorf("MATCH_MIN_SCORE must be between 0 and 100, got %v", c.MatchMinScore)
	}
	if c.MatchTopN < 1 {
		return fmt.Errorf("MATCH_TOP_N must be at least 1, got %d", c.MatchTopN)
	}
	if c.MatchMaxDistanceKM < 0 {
		return fmt.Errorf("MATCH_MAX_DISTANCE_KM must not be negative, got %v", c.MatchMaxDistanceKM)
	}
	if c.ScoringWorkers < 1 {
		return fmt.Errorf("SCORING_WORKERS must be at least 1, got %d", c.ScoringWorkers)
	}
	if c.NotifyTransport != "" && c.NotifyTransport != TransportRouting && c.NotifyTransport != TransportLog {
		return fmt.Errorf("NOTIFY_TRANSPORT must be %q or %q, got %q", TransportRouting, TransportLog, c.NotifyTransport)
	}
	if c.NotifyMaxAttempts < 1 {
		return fmt.Errorf("NOTIFY_MAX_ATTEMPTS must be at least 1, got %d", c.NotifyMaxAttempts)
	}
	if c.NotifyBaseBackoff < 0 || c.NotifyMaxBackoff < c.NotifyBaseBackoff {
		return fmt.Errorf("NOTIFY_MAX_BACKOFF (%s) must not be below NOTIFY_BASE_BACKOFF (%s)", c.NotifyMaxBackoff, c.NotifyBaseBackoff)
	}
	if c.DeathConfirmDeadline <= 0 {
		return fmt.Errorf("DEATH_CONFIRM_DEADLINE must be positive, got %s", c.DeathConfirmDeadline)
	}
	if c.LedgerPollInterval <= 0 {
		return fmt.Errorf("LEDGER_POLL_INTERVAL must be positive, got %s", c.LedgerPollInterval)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
