package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/XavierBriggs/fortuna/services/risk-engine/internal/risk"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port        int
	CORSOrigins []string
}

// DatabaseConfig holds Postgres configuration. An empty DSN disables the store.
type DatabaseConfig struct {
	DSN          string
	EnsureSchema bool
}

// RedisConfig holds Redis configuration. An empty URL disables publishing.
type RedisConfig struct {
	URL    string
	Stream string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string
}

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Log        LogConfig
	Policy     risk.Policy
	RiskLevels map[string]risk.RiskLevel
}

// policyFile is the layout of RISK_POLICY_FILE
type policyFile struct {
	Policy     *risk.Policy     `yaml:"policy"`
	RiskLevels []risk.RiskLevel `yaml:"risk_levels"`
}

// LoadConfig loads configuration from environment variables and the optional policy file
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnvInt("RISK_ENGINE_PORT", 8085),
			CORSOrigins: getEnvList("CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:3001"}),
		},
		Database: DatabaseConfig{
			DSN:          getEnv("HOLOCRON_DSN", ""),
			EnsureSchema: getEnvBool("RISK_ENSURE_SCHEMA", false),
		},
		Redis: RedisConfig{
			URL:    getEnv("REDIS_URL", ""),
			Stream: getEnv("RISK_STREAM", "risk.recommendations"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		Policy:     loadPolicy(),
		RiskLevels: risk.DefaultRiskLevels(),
	}

	if path := os.Getenv("RISK_POLICY_FILE"); path != "" {
		if err := cfg.applyPolicyFile(path); err != nil {
			return nil, err
		}
	}

	policy, err := cfg.Policy.WithRiskLevel(getEnv("RISK_LEVEL", cfg.Policy.RiskLevel), cfg.RiskLevels)
	if err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	cfg.Policy = policy

	return cfg, nil
}

// loadPolicy builds the base policy. Percent-valued variables are converted to fractions.
func loadPolicy() risk.Policy {
	defaults := risk.DefaultPolicy()
	return risk.Policy{
		KellyMultiplier:      getEnvFloat("KELLY_DEFAULT_FRACTION", defaults.KellyMultiplier),
		MaxBetFraction:       getEnvFloat("KELLY_MAX_PCT", defaults.MaxBetFraction*100) / 100.0,
		ConfidenceThreshold:  getEnvFloat("MIN_CONFIDENCE_THRESHOLD", defaults.ConfidenceThreshold),
		GroupCeilingMultiple: getEnvFloat("GROUP_CEILING_MULTIPLE", defaults.GroupCeilingMultiple),
		MaxDailyExposure:     getEnvFloat("MAX_DAILY_EXPOSURE_PCT", defaults.MaxDailyExposure*100) / 100.0,
		StakePlaces:          int32(getEnvInt("STAKE_PLACES", int(defaults.StakePlaces))),
	}
}

// applyPolicyFile overlays the YAML policy file on the env policy.
// Only keys present in the file are changed.
func (c *Config) applyPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file %s: %w", path, err)
	}

	file := policyFile{Policy: &c.Policy}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}

	for _, level := range file.RiskLevels {
		if level.Name == "" {
			return fmt.Errorf("policy file %s: risk level without a name", path)
		}
		c.RiskLevels[level.Name] = level
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty entries
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
