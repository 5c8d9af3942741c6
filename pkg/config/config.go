// Package config assembles every component's tunables from environment
// variables into one Config, following the teacher's
// pkg/database/config.go getEnvOrDefault convention, extended to cover
// every env key spec.md §6 documents.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/labctl/labctl/pkg/analytemap"
	"github.com/labctl/labctl/pkg/database"
	"github.com/labctl/labctl/pkg/gmailingest"
	"github.com/labctl/labctl/pkg/sqlvalidator"
	"github.com/labctl/labctl/pkg/unitnorm"
)

// AgenticConfig holds the AGENTIC_* iteration cap, timeout and trigram
// threshold read from the environment. pkg/agenticsql does not read it:
// the loop runs on its own MaxIterations and Timeout constants.
type AgenticConfig struct {
	MaxIterations        int
	Timeout              time.Duration
	SimilarityThreshold  float64
}

// GmailConfig bundles C9's tunables.
type GmailConfig struct {
	MaxEmails         int
	ConcurrencyLimit  int
	RateLimitRetries  int
}

// HTTPConfig bundles the thin API surface's listen settings.
type HTTPConfig struct {
	Port int
}

// Config is the umbrella object every subcommand builds its components
// from.
type Config struct {
	configDir string

	// DB carries both the app-role and admin-role (DB_ADMIN_USER/
	// DB_ADMIN_PASSWORD) credentials — see database.LoadConfigFromEnv.
	DB database.Config

	HTTP HTTPConfig

	SchemaCacheTTL time.Duration

	Analyte   analytemap.Thresholds
	UnitNorm  unitnorm.Config
	SQL       sqlvalidator.Config
	Agentic   AgenticConfig
	Gmail     GmailConfig

	JobCleanupInterval time.Duration
}

// ConfigDir returns the directory Load resolved CONFIG_DIR/.env from.
func (c *Config) ConfigDir() string { return c.configDir }

// Load reads CONFIG_DIR/.env (if present) via godotenv, then builds a
// Config from the environment, applying every spec.md §6 default.
func Load() (*Config, error) {
	configDir := getEnvOrDefault("CONFIG_DIR", "./deploy/config")
	envPath := configDir + "/.env"
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", envPath, err)
		}
	}

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("config: database: %w", err)
	}

	httpPort, err := strconv.Atoi(getEnvOrDefault("HTTP_PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("config: invalid HTTP_PORT: %w", err)
	}

	schemaTTL, err := parseDuration(getEnvOrDefault("SCHEMA_CACHE_TTL", "30s"))
	if err != nil {
		return nil, fmt.Errorf("config: invalid SCHEMA_CACHE_TTL: %w", err)
	}

	jobCleanupInterval, err := parseDuration(getEnvOrDefault("JOB_CLEANUP_INTERVAL", "1h"))
	if err != nil {
		return nil, fmt.Errorf("config: invalid JOB_CLEANUP_INTERVAL: %w", err)
	}

	analyteTh, err := loadAnalyteThresholds()
	if err != nil {
		return nil, err
	}

	unitCfg, err := loadUnitNormConfig()
	if err != nil {
		return nil, err
	}

	sqlCfg, err := loadSQLValidatorConfig()
	if err != nil {
		return nil, err
	}

	agenticCfg, err := loadAgenticConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		configDir:          configDir,
		DB:                 dbCfg,
		HTTP:               HTTPConfig{Port: httpPort},
		SchemaCacheTTL:     schemaTTL,
		Analyte:            analyteTh,
		UnitNorm:           unitCfg,
		SQL:                sqlCfg,
		Agentic:            agenticCfg,
		Gmail: GmailConfig{
			MaxEmails:        getEnvInt("GMAIL_MAX_EMAILS", gmailingest.DefaultMaxEmails),
			ConcurrencyLimit: getEnvInt("GMAIL_CONCURRENCY_LIMIT", gmailingest.DefaultConcurrencyLimit),
			RateLimitRetries: getEnvInt("GMAIL_RATE_LIMIT_MAX_RETRIES", gmailingest.DefaultRateLimitMaxRetries),
		},
		JobCleanupInterval: jobCleanupInterval,
	}

	return cfg, nil
}

func loadAnalyteThresholds() (analytemap.Thresholds, error) {
	th := analytemap.DefaultThresholds()

	fuzzy, err := getEnvFloat("BACKFILL_SIMILARITY_THRESHOLD", th.Fuzzy)
	if err != nil {
		return th, fmt.Errorf("config: invalid BACKFILL_SIMILARITY_THRESHOLD: %w", err)
	}
	auto, err := getEnvFloat("MAPPING_AUTO_ACCEPT", th.AutoAccept)
	if err != nil {
		return th, fmt.Errorf("config: invalid MAPPING_AUTO_ACCEPT: %w", err)
	}
	queue, err := getEnvFloat("MAPPING_QUEUE_LOWER", th.QueueLower)
	if err != nil {
		return th, fmt.Errorf("config: invalid MAPPING_QUEUE_LOWER: %w", err)
	}

	return analytemap.Thresholds{Fuzzy: fuzzy, AutoAccept: auto, QueueLower: queue, Ambiguity: th.Ambiguity}, nil
}

func loadUnitNormConfig() (unitnorm.Config, error) {
	cfg := unitnorm.DefaultConfig()

	cfg.AutoLearnConfidence = strings.ToLower(getEnvOrDefault("LLM_AUTO_LEARN_CONFIDENCE", cfg.AutoLearnConfidence))
	cfg.MaxConcurrency = getEnvInt("UNIT_NORMALIZATION_MAX_CONCURRENCY", cfg.MaxConcurrency)
	cfg.UCUMEnabled = getEnvBool("UCUM_VALIDATION_ENABLED", cfg.UCUMEnabled)
	cfg.UCUMStrict = getEnvBool("UCUM_VALIDATION_STRICT", cfg.UCUMStrict)

	return cfg, nil
}

func loadSQLValidatorConfig() (sqlvalidator.Config, error) {
	cfg := sqlvalidator.DefaultConfig()

	cfg.Limits.Explore = getEnvInt("SQL_VALIDATOR_EXPLORE_LIMIT", cfg.Limits.Explore)
	cfg.Limits.Table = getEnvInt("SQL_VALIDATOR_TABLE_LIMIT", cfg.Limits.Table)
	cfg.Limits.Plot = getEnvInt("SQL_VALIDATOR_PLOT_LIMIT", cfg.Limits.Plot)
	cfg.Limits.Data = getEnvInt("SQL_VALIDATOR_DATA_LIMIT", cfg.Limits.Data)

	return cfg, nil
}

func loadAgenticConfig() (AgenticConfig, error) {
	maxIter := getEnvInt("AGENTIC_MAX_ITERATIONS", 5)

	timeoutMs := getEnvInt("AGENTIC_TIMEOUT_MS", 120000)

	similarity, err := getEnvFloat("AGENTIC_SIMILARITY_THRESHOLD", 0.3)
	if err != nil {
		return AgenticConfig{}, fmt.Errorf("config: invalid AGENTIC_SIMILARITY_THRESHOLD: %w", err)
	}

	return AgenticConfig{
		MaxIterations:       maxIter,
		Timeout:             time.Duration(timeoutMs) * time.Millisecond,
		SimilarityThreshold: similarity,
	}, nil
}

func parseDuration(s string) (time.Duration, error) {
	return time.ParseDuration(s)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	return strconv.ParseFloat(val, 64)
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}
