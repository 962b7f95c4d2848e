package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dlgate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dlgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_WithValidConfigFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8181
  host: "127.0.0.1"
backend:
  type: httpapi
  ensure_schema: false
  max_cas_retries: 3
  httpapi:
    endpoint: "https://db.example/query"
    token: "api-token"
    batch: false
security:
  secret: "`+testSecret+`"
  ipv4_prefix: 16
  trusted_headers: ["CF-Connecting-IP"]
admission:
  fail_policy: open
  rate_limit:
    enabled: true
    limit: 3
    window: 60s
    block: 0s
cache:
  ttl: 10m
challenge:
  required: true
  ticket:
    base_min: 12
    step: 1
    base_max: 20
    max_level: 4
    window: 30s
    reset: 120s
    block: 5m
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)

	assert.Equal(t, models.BackendTypeHTTPAPI, cfg.Backend.Type)
	assert.False(t, cfg.Backend.EnsureSchema)
	assert.Equal(t, 3, cfg.Backend.MaxCASRetries)
	assert.Equal(t, "https://db.example/query", cfg.Backend.HTTPAPI.Endpoint)
	assert.False(t, cfg.Backend.HTTPAPI.Batch)

	assert.Equal(t, 16, cfg.Security.IPv4Prefix)
	assert.Equal(t, 64, cfg.Security.IPv6Prefix, "unset keys keep defaults")
	assert.Equal(t, []string{"CF-Connecting-IP"}, cfg.Security.TrustedHeaders)

	assert.Equal(t, models.FailOpen, cfg.Admission.FailPolicy)
	assert.Equal(t, 3, cfg.Admission.RateLimit.Limit)
	assert.Equal(t, time.Duration(0), cfg.Admission.RateLimit.Block)

	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)

	assert.True(t, cfg.Challenge.Required)
	assert.Equal(t, 12, cfg.Challenge.Ticket.BaseMin)
	assert.Equal(t, 120*time.Second, cfg.Challenge.Ticket.Reset)
	assert.Equal(t, 5*time.Minute, cfg.Challenge.Ticket.Block)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [unterminated")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML config")
}

func TestLoad_MissingSecretIsRejected(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8080\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoad_MissingBackendCredentials(t *testing.T) {
	t.Setenv("DLGATE_SECRET", testSecret)
	t.Setenv("DLGATE_BACKEND_TYPE", models.BackendTypePostgres)

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres dsn is required")
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "security:\n  secret: \""+testSecret+"\"\nserver:\n  port: 8080\n")

	t.Setenv("DLGATE_PORT", "9999")
	t.Setenv("DLGATE_FAIL_POLICY", "open")
	t.Setenv("DLGATE_RATE_LIMIT", "7")
	t.Setenv("DLGATE_RATE_WINDOW", "2m")
	t.Setenv("DLGATE_CLEANUP_PROBABILITY", "0.5")
	t.Setenv("DLGATE_HTTPAPI_BATCH", "false")
	t.Setenv("DLGATE_TRUSTED_HEADERS", "CF-Connecting-IP, X-Real-IP ,")
	t.Setenv("DLGATE_IPV6_PREFIX", "not-a-number")
	t.Setenv("DLGATE_CACHE_TOKEN", "origin-token")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, models.FailOpen, cfg.Admission.FailPolicy)
	assert.Equal(t, 7, cfg.Admission.RateLimit.Limit)
	assert.Equal(t, 2*time.Minute, cfg.Admission.RateLimit.Window)
	assert.Equal(t, 0.5, cfg.Cleanup.Probability)
	assert.False(t, cfg.Backend.HTTPAPI.Batch)
	assert.Equal(t, []string{"CF-Connecting-IP", "X-Real-IP"}, cfg.Security.TrustedHeaders)
	assert.Equal(t, 64, cfg.Security.IPv6Prefix, "unparseable overrides are ignored")
	assert.Equal(t, "origin-token", cfg.Server.CacheToken)
}

func TestWarnDeprecatedKeys(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	warnDeprecatedKeys([]byte("backend:\n  d1:\n    token: x\n"))

	assert.Contains(t, buf.String(), "backend.d1")
	assert.NotContains(t, buf.String(), "resource_rate_limit")
}

func TestSaveExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dlgate.yaml")
	require.NoError(t, SaveExample(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, models.BackendTypeSQLite, cfg.Backend.Type)
	assert.Equal(t, []string{"CF-Connecting-IP", "X-Forwarded-For"}, cfg.Security.TrustedHeaders)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 30*time.Second, cfg.Challenge.Puzzle.Window)
}
