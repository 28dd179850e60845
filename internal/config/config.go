package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/savegress/labbridge/internal/audit"
	"github.com/savegress/labbridge/internal/matching"
)

// Config holds all configuration for LabBridge.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Storage  StorageConfig   `yaml:"storage"`
	Ingest   IngestConfig    `yaml:"ingest"`
	Matching matching.Config `yaml:"matching"`
	Audit    audit.Config    `yaml:"audit"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Port        int           `yaml:"port"`
	Environment string        `yaml:"environment"`
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

// StorageConfig holds embedded database configuration.
type StorageConfig struct {
	DataPath string `yaml:"data_path"`
}

// IngestConfig holds pipeline configuration.
type IngestConfig struct {
	// Mode is "robust" (malformed fields become warnings) or
	// "strict" (malformed fields abort the file).
	Mode                string `yaml:"mode"`
	IncludeCodingSystem bool   `yaml:"include_coding_system"`
	BatchWorkers        int    `yaml:"batch_workers"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := LoadFromEnv()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        getEnvInt("PORT", 3010),
			Environment: getEnv("ENVIRONMENT", "development"),
			JWTSecret:   getEnv("JWT_SECRET", ""),
			TokenTTL:    getEnvDuration("TOKEN_TTL", 12*time.Hour),
		},
		Storage: StorageConfig{
			DataPath: getEnv("DATA_PATH", "./data"),
		},
		Ingest: IngestConfig{
			Mode:                getEnv("INGEST_MODE", "robust"),
			IncludeCodingSystem: getEnvBool("INCLUDE_CODING_SYSTEM", false),
			BatchWorkers:        getEnvInt("BATCH_WORKERS", 4),
		},
		Matching: matching.Config{
			NameWeight:      getEnvFloat("MATCH_NAME_WEIGHT", 0.5),
			DOBWeight:       getEnvFloat("MATCH_DOB_WEIGHT", 0.3),
			MRNWeight:       getEnvFloat("MATCH_MRN_WEIGHT", 0.2),
			AcceptThreshold: getEnvFloat("MATCH_ACCEPT_THRESHOLD", 0.8),
			TieEpsilon:      getEnvFloat("MATCH_TIE_EPSILON", 0.05),
		},
		Audit: audit.Config{
			Enabled:    getEnvBool("AUDIT_ENABLED", true),
			BufferSize: getEnvInt("AUDIT_BUFFER_SIZE", 1000),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
