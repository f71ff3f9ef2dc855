package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Monzo configuration
	MonzoAPIURL      string
	MonzoAccessToken string

	// Lunch Money configuration
	LunchMoneyAPIURL      string
	LunchMoneyAccessToken string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Sync configuration
	LookbackDays        int
	DefaultSyncInterval time.Duration
	MinSyncInterval     time.Duration
	PushChunkSize       int

	// CategoryReplacements maps custom Monzo category codes to display
	// names, parsed from CATEGORY_REPLACEMENTS ("code=Name,code2=Name2").
	CategoryReplacements map[string]string
}

// LoadEnvFile loads environment variables from a dotenv file before Load is
// called. An empty path falls back to a best-effort load of a local .env;
// an explicit path that cannot be read is an error.
func LoadEnvFile(path string) error {
	if path == "" {
		_ = godotenv.Load()
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %q: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Monzo configuration
	cfg.MonzoAPIURL = getEnvOrDefault("MONZO_API_URL", "https://api.monzo.com")
	cfg.MonzoAccessToken = os.Getenv("MONZO_ACCESS_TOKEN")
	if cfg.MonzoAccessToken == "" {
		errs = append(errs, fmt.Errorf("MONZO_ACCESS_TOKEN is required"))
	}

	// Lunch Money configuration
	cfg.LunchMoneyAPIURL = getEnvOrDefault("LUNCHMONEY_API_URL", "https://dev.lunchmoney.app/v1")
	cfg.LunchMoneyAccessToken = os.Getenv("LUNCHMONEY_ACCESS_TOKEN")
	if cfg.LunchMoneyAccessToken == "" {
		errs = append(errs, fmt.Errorf("LUNCHMONEY_ACCESS_TOKEN is required"))
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "monzosync-account-sync")

	// Sync configuration
	lookback, err := parseInt("SYNC_LOOKBACK_DAYS", 30)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.LookbackDays = lookback
	}

	defaultInterval, err := parseDuration("DEFAULT_SYNC_INTERVAL", "1h")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.DefaultSyncInterval = defaultInterval
	}

	minInterval, err := parseDuration("MIN_SYNC_INTERVAL", "5m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MinSyncInterval = minInterval
	}

	chunkSize, err := parseInt("PUSH_CHUNK_SIZE", 1)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.PushChunkSize = chunkSize
	}

	replacements, err := parseKeyValues("CATEGORY_REPLACEMENTS")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.CategoryReplacements = replacements
	}

	// Validate intervals
	if cfg.MinSyncInterval > cfg.DefaultSyncInterval {
		errs = append(errs, fmt.Errorf("MIN_SYNC_INTERVAL (%v) cannot be greater than DEFAULT_SYNC_INTERVAL (%v)",
			cfg.MinSyncInterval, cfg.DefaultSyncInterval))
	}

	if cfg.LookbackDays <= 0 || cfg.LookbackDays > 90 {
		errs = append(errs, fmt.Errorf("SYNC_LOOKBACK_DAYS must be between 1 and 90, got %d", cfg.LookbackDays))
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.MonzoAccessToken == "" {
		errs = append(errs, fmt.Errorf("MonzoAccessToken is required"))
	}

	if c.LunchMoneyAccessToken == "" {
		errs = append(errs, fmt.Errorf("LunchMoneyAccessToken is required"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if c.LookbackDays <= 0 || c.LookbackDays > 90 {
		errs = append(errs, fmt.Errorf("LookbackDays must be between 1 and 90"))
	}

	if c.PushChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("PushChunkSize must be positive"))
	}

	if c.MinSyncInterval > c.DefaultSyncInterval {
		errs = append(errs, fmt.Errorf("MinSyncInterval cannot be greater than DefaultSyncInterval"))
	}

	if c.DefaultSyncInterval < time.Second {
		errs = append(errs, fmt.Errorf("DefaultSyncInterval must be at least 1 second"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseKeyValues parses a comma-separated list of key=value pairs from an
// environment variable. An unset variable yields a nil map.
func parseKeyValues(key string) (map[string]string, error) {
	value := os.Getenv(key)
	if value == "" {
		return nil, nil
	}
	result := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("%s: invalid key=value pair %q", key, pair)
		}
		result[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return result, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
