package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dlgate/internal/models"

	"gopkg.in/yaml.v3"
)

const envPrefix = "DLGATE_"

// Load loads configuration from file and environment variables
func Load(configPath string) (*models.Config, error) {
	config := models.NewDefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// deprecatedConfig mirrors renamed keys so stale operator configs get a hint
// instead of silently falling back to defaults.
type deprecatedConfig struct {
	Backend struct {
		D1 interface{} `yaml:"d1"`
	} `yaml:"backend"`
	Admission struct {
		ResourceRateLimit interface{} `yaml:"resource_rate_limit"`
	} `yaml:"admission"`
}

func warnDeprecatedKeys(data []byte) {
	var dep deprecatedConfig
	if err := yaml.Unmarshal(data, &dep); err != nil {
		return
	}
	if dep.Backend.D1 != nil {
		slog.Warn("Config key was renamed; use backend.httpapi instead.", "config_key", "backend.d1")
	}
	if dep.Admission.ResourceRateLimit != nil {
		slog.Warn("Config key was renamed; use admission.resource_limit instead.", "config_key", "admission.resource_rate_limit")
	}
}

func loadFromFile(config *models.Config, filePath string) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", filePath)
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	warnDeprecatedKeys(data)
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// loadFromEnvironment applies DLGATE_* overrides. Unparseable values are
// ignored and the file or default value is kept.
func loadFromEnvironment(config *models.Config) {
	// Server
	setInt("PORT", &config.Server.Port)
	setString("HOST", &config.Server.Host)
	setDuration("READ_TIMEOUT", &config.Server.ReadTimeout)
	setDuration("WRITE_TIMEOUT", &config.Server.WriteTimeout)
	setDuration("IDLE_TIMEOUT", &config.Server.IdleTimeout)
	setString("CACHE_TOKEN", &config.Server.CacheToken)

	// Backend
	setString("BACKEND_TYPE", &config.Backend.Type)
	setBool("BACKEND_ENSURE_SCHEMA", &config.Backend.EnsureSchema)
	setDuration("BACKEND_CALL_TIMEOUT", &config.Backend.CallTimeout)
	setInt("BACKEND_MAX_CAS_RETRIES", &config.Backend.MaxCASRetries)
	setString("SQLITE_PATH", &config.Backend.SQLite.Path)
	setString("HTTPAPI_ENDPOINT", &config.Backend.HTTPAPI.Endpoint)
	setString("HTTPAPI_TOKEN", &config.Backend.HTTPAPI.Token)
	setBool("HTTPAPI_BATCH", &config.Backend.HTTPAPI.Batch)
	setString("DATABASE_DSN", &config.Backend.Postgres.DSN)

	// Security
	setString("SECRET", &config.Security.Secret)
	setInt("IPV4_PREFIX", &config.Security.IPv4Prefix)
	setInt("IPV6_PREFIX", &config.Security.IPv6Prefix)
	if headers := os.Getenv(envPrefix + "TRUSTED_HEADERS"); headers != "" {
		config.Security.TrustedHeaders = splitList(headers)
	}

	// Admission
	setString("FAIL_POLICY", &config.Admission.FailPolicy)
	setInt("RATE_LIMIT", &config.Admission.RateLimit.Limit)
	setDuration("RATE_WINDOW", &config.Admission.RateLimit.Window)
	setDuration("RATE_BLOCK", &config.Admission.RateLimit.Block)
	setBool("RESOURCE_LIMIT_ENABLED", &config.Admission.ResourceLimit.Enabled)
	setInt("RESOURCE_LIMIT", &config.Admission.ResourceLimit.Limit)
	setDuration("RESOURCE_WINDOW", &config.Admission.ResourceLimit.Window)
	setDuration("RESOURCE_BLOCK", &config.Admission.ResourceLimit.Block)

	// Cache
	setDuration("CACHE_TTL", &config.Cache.TTL)

	// Challenge
	setBool("CHALLENGE_REQUIRED", &config.Challenge.Required)
	setDuration("TOKEN_TTL", &config.Challenge.TokenTTL)
	setInt("TOKEN_MAX_USES", &config.Challenge.MaxUses)

	// Cleanup
	setFloat("CLEANUP_PROBABILITY", &config.Cleanup.Probability)
	setDuration("CLEANUP_MIN_INTERVAL", &config.Cleanup.MinInterval)

	// Stats
	setBool("STATS_ENABLED", &config.Stats.Enabled)
	setString("REDIS_ADDR", &config.Stats.Redis.Addr)
	setString("REDIS_PASSWORD", &config.Stats.Redis.Password)
	setInt("REDIS_DB", &config.Stats.Redis.DB)

	// Logging
	setString("LOG_LEVEL", &config.Logging.Level)
	setString("LOG_FORMAT", &config.Logging.Format)
	setString("LOG_OUTPUT", &config.Logging.Output)
	setString("LOG_FILE_PATH", &config.Logging.FilePath)

	// Metrics
	setBool("METRICS_ENABLED", &config.Metrics.Enabled)
	setString("METRICS_PATH", &config.Metrics.Path)
	setInt("METRICS_PORT", &config.Metrics.Port)

	// Tracing
	setBool("TRACING_ENABLED", &config.Observability.Tracing.Enabled)
	setString("TRACING_EXPORTER", &config.Observability.Tracing.Exporter)
	setString("OTLP_ENDPOINT", &config.Observability.Tracing.OTLPEndpoint)
	setBool("OTLP_INSECURE", &config.Observability.Tracing.OTLPInsecure)
}

func setString(name string, dst *string) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*dst = v
	}
}

func setInt(name string, dst *int) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(name string, dst *bool) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*dst = strings.ToLower(v) == "true"
	}
}

func setFloat(name string, dst *float64) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(name string, dst *time.Duration) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SaveExample saves an example configuration file
func SaveExample(filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	config := models.NewDefaultConfig()
	config.Security.Secret = "replace-with-a-long-random-secret"
	config.Security.TrustedHeaders = []string{"CF-Connecting-IP", "X-Forwarded-For"}
	config.Backend.HTTPAPI.Endpoint = "https://db.example.com/v1/databases/dlgate"
	config.Stats.Redis.Addr = "localhost:6379"

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	// 0600: the example carries placeholder secrets operators tend to fill in place
	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
