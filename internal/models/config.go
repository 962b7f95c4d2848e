// Package models - Service configuration and operational settings.
// This file defines the configuration tree consumed by every dlgate component.
//
// Configuration Philosophy:
// - Hierarchical configuration grouped by component (backend, admission, challenge, ...)
// - Defaults that are safe to run against a local SQLite file
// - Validation catches misconfigurations before the first request is admitted
// - Durations are expressed as Go duration strings in YAML ("60s", "10m")
package models

import (
	"errors"
	"fmt"
	"time"
)

// Backend type constants
const (
	BackendTypeSQLite   = "sqlite"
	BackendTypeHTTPAPI  = "httpapi"
	BackendTypePostgres = "postgres"
)

// Fail policy constants
const (
	FailOpen   = "open"
	FailClosed = "closed"
)

// MaxPuzzleRounds caps the puzzle curve (base << max_level). The server
// recomputes every round when it verifies a puzzle, before rate limits
// apply, so the cap bounds the work an unsolved proof can cost.
const MaxPuzzleRounds = 1 << 20

// Config is the root configuration structure containing all service settings.
//
// Configuration Structure:
// - Server: HTTP listener of the admission API
// - Backend: shared store and the adapter used to reach it
// - Security: hashing secret and client address normalisation
// - Admission: rate limit rules and the fail-open/fail-closed policy
// - Cache: filesize cache lifetime
// - Challenge: adaptive difficulty and single-use token settings
// - Cleanup: probabilistic garbage collection of expired rows
// - Tasks: background executor sizing
// - Stats: optional decision statistics sink
// - Logging, Metrics, Observability: ambient operations concerns
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Backend       BackendConfig       `yaml:"backend" json:"backend"`
	Security      SecurityConfig      `yaml:"security" json:"security"`
	Admission     AdmissionConfig     `yaml:"admission" json:"admission"`
	Cache         CacheConfig         `yaml:"cache" json:"cache"`
	Challenge     ChallengeConfig     `yaml:"challenge" json:"challenge"`
	Cleanup       CleanupConfig       `yaml:"cleanup" json:"cleanup"`
	Tasks         TasksConfig         `yaml:"tasks" json:"tasks"`
	Stats         StatsConfig         `yaml:"stats" json:"stats"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Host         string        `yaml:"host" json:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	// CacheToken is the bearer token origins present to write filesizes.
	// The cache write endpoint is disabled while it is empty.
	CacheToken string `yaml:"cache_token" json:"-"`
	// MaxBodyBytes caps JSON request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes"`
}

type BackendConfig struct {
	Type          string         `yaml:"type" json:"type"`
	EnsureSchema  bool           `yaml:"ensure_schema" json:"ensure_schema"`
	CallTimeout   time.Duration  `yaml:"call_timeout" json:"call_timeout"`
	MaxCASRetries int            `yaml:"max_cas_retries" json:"max_cas_retries"`
	SQLite        SQLiteConfig   `yaml:"sqlite" json:"sqlite"`
	HTTPAPI       HTTPAPIConfig  `yaml:"httpapi" json:"httpapi"`
	Postgres      PostgresConfig `yaml:"postgres" json:"postgres"`
}

type SQLiteConfig struct {
	Path string `yaml:"path" json:"path"`
}

// HTTPAPIConfig describes a remote SQL query endpoint fronting the store.
type HTTPAPIConfig struct {
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Token    string `yaml:"token" json:"-"`
	// Batch sends all statements of one operation in a single request.
	// Disable for endpoints that only accept one statement per call.
	Batch bool `yaml:"batch" json:"batch"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn" json:"-"`
	MaxConns int32  `yaml:"max_conns" json:"max_conns"`
}

type SecurityConfig struct {
	// Secret seeds every keyed hash and MAC. Raw client identifiers are
	// never stored, so rotating it resets all per-client state.
	Secret     string `yaml:"secret" json:"-"`
	IPv4Prefix int    `yaml:"ipv4_prefix" json:"ipv4_prefix"`
	IPv6Prefix int    `yaml:"ipv6_prefix" json:"ipv6_prefix"`
	// TrustedHeaders lists request headers carrying the client address,
	// checked in order before falling back to the peer address.
	TrustedHeaders []string `yaml:"trusted_headers" json:"trusted_headers"`
}

type AdmissionConfig struct {
	FailPolicy    string          `yaml:"fail_policy" json:"fail_policy"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	ResourceLimit RateLimitConfig `yaml:"resource_limit" json:"resource_limit"`
}

// RateLimitConfig is one sliding-window-with-block rule.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	Limit   int           `yaml:"limit" json:"limit"`
	Window  time.Duration `yaml:"window" json:"window"`
	Block   time.Duration `yaml:"block" json:"block"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

type ChallengeConfig struct {
	Required    bool              `yaml:"required" json:"required"`
	TokenTTL    time.Duration     `yaml:"token_ttl" json:"token_ttl"`
	MaxUses     int               `yaml:"max_uses" json:"max_uses"`
	Puzzle      PuzzleConfig      `yaml:"puzzle" json:"puzzle"`
	Ticket      TicketConfig      `yaml:"ticket" json:"ticket"`
	Interactive InteractiveConfig `yaml:"interactive" json:"interactive"`
}

// DifficultyWindows drive the adaptive difficulty state machine.
type DifficultyWindows struct {
	MaxLevel int           `yaml:"max_level" json:"max_level"`
	Window   time.Duration `yaml:"window" json:"window"`
	Reset    time.Duration `yaml:"reset" json:"reset"`
	Block    time.Duration `yaml:"block" json:"block"`
}

// PuzzleConfig configures the client-side puzzle family (exponential curve).
type PuzzleConfig struct {
	Base              int `yaml:"base" json:"base"`
	DifficultyWindows `yaml:",inline"`
}

// TicketConfig configures the server-verified proof-of-work family (linear curve).
type TicketConfig struct {
	BaseMin           int `yaml:"base_min" json:"base_min"`
	Step              int `yaml:"step" json:"step"`
	BaseMax           int `yaml:"base_max" json:"base_max"`
	DifficultyWindows `yaml:",inline"`
}

type InteractiveConfig struct {
	NonceTTL time.Duration `yaml:"nonce_ttl" json:"nonce_ttl"`
}

type CleanupConfig struct {
	Probability         float64       `yaml:"probability" json:"probability"`
	MinInterval         time.Duration `yaml:"min_interval" json:"min_interval"`
	RateLimitRetention  time.Duration `yaml:"rate_limit_retention" json:"rate_limit_retention"`
	DifficultyRetention time.Duration `yaml:"difficulty_retention" json:"difficulty_retention"`
}

type TasksConfig struct {
	Workers   int           `yaml:"workers" json:"workers"`
	QueueSize int           `yaml:"queue_size" json:"queue_size"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
}

type StatsConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	Prefix  string        `yaml:"prefix" json:"prefix"`
	TTL     time.Duration `yaml:"ttl" json:"ttl"`
	Redis   RedisConfig   `yaml:"redis" json:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	// OTLPInsecure disables TLS towards the collector, for sidecars.
	OTLPInsecure bool    `yaml:"otlp_insecure" json:"otlp_insecure"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// NewDefaultConfig creates a configuration with working defaults.
//
// Default Values Rationale:
// - SQLite backend with ensure_schema: runs standalone without a database server
// - 60 requests per 60s per subnet, 10 per resource, 5 minute escalation block
// - Fail closed: a broken store never silently disables protection
// - Cleanup on ~1% of requests, at most once per minute per instance
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodyBytes: 16 << 10,
		},
		Backend: BackendConfig{
			Type:          BackendTypeSQLite,
			EnsureSchema:  true,
			CallTimeout:   2 * time.Second,
			MaxCASRetries: 5,
			SQLite:        SQLiteConfig{Path: "./data/dlgate.db"},
			HTTPAPI:       HTTPAPIConfig{Batch: true},
			Postgres:      PostgresConfig{MaxConns: 10},
		},
		Security: SecurityConfig{
			IPv4Prefix:     24,
			IPv6Prefix:     64,
			TrustedHeaders: []string{},
		},
		Admission: AdmissionConfig{
			FailPolicy: FailClosed,
			RateLimit: RateLimitConfig{
				Enabled: true,
				Limit:   60,
				Window:  60 * time.Second,
				Block:   5 * time.Minute,
			},
			ResourceLimit: RateLimitConfig{
				Enabled: true,
				Limit:   10,
				Window:  60 * time.Second,
				Block:   0,
			},
		},
		Cache: CacheConfig{TTL: time.Hour},
		Challenge: ChallengeConfig{
			Required: false,
			TokenTTL: 5 * time.Minute,
			MaxUses:  1,
			Puzzle: PuzzleConfig{
				Base: 50,
				DifficultyWindows: DifficultyWindows{
					MaxLevel: 4,
					Window:   30 * time.Second,
					Reset:    2 * time.Minute,
					Block:    10 * time.Minute,
				},
			},
			Ticket: TicketConfig{
				BaseMin: 16,
				Step:    2,
				BaseMax: 24,
				DifficultyWindows: DifficultyWindows{
					MaxLevel: 4,
					Window:   30 * time.Second,
					Reset:    2 * time.Minute,
					Block:    10 * time.Minute,
				},
			},
			Interactive: InteractiveConfig{NonceTTL: 2 * time.Minute},
		},
		Cleanup: CleanupConfig{
			Probability:         0.01,
			MinInterval:         time.Minute,
			RateLimitRetention:  time.Hour,
			DifficultyRetention: 24 * time.Hour,
		},
		Tasks: TasksConfig{
			Workers:   4,
			QueueSize: 256,
			Timeout:   10 * time.Second,
		},
		Stats: StatsConfig{
			Enabled: false,
			Prefix:  "dlgate:stats",
			TTL:     24 * time.Hour,
			Redis:   RedisConfig{Addr: "localhost:6379", PoolSize: 10},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "dlgate",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("invalid backend config: %w", err)
	}
	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("invalid security config: %w", err)
	}
	if err := c.Admission.Validate(); err != nil {
		return fmt.Errorf("invalid admission config: %w", err)
	}
	if c.Cache.TTL <= 0 {
		return errors.New("invalid cache config: ttl must be positive")
	}
	if err := c.Challenge.Validate(); err != nil {
		return fmt.Errorf("invalid challenge config: %w", err)
	}
	if err := c.Cleanup.Validate(); err != nil {
		return fmt.Errorf("invalid cleanup config: %w", err)
	}
	if err := c.validateRetention(); err != nil {
		return fmt.Errorf("invalid cleanup config: %w", err)
	}
	if err := c.Tasks.Validate(); err != nil {
		return fmt.Errorf("invalid tasks config: %w", err)
	}
	if err := c.Stats.Validate(); err != nil {
		return fmt.Errorf("invalid stats config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}
	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}
	if sc.ReadTimeout < 0 || sc.WriteTimeout < 0 || sc.IdleTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}
	if sc.MaxBodyBytes <= 0 {
		return errors.New("max_body_bytes must be positive")
	}
	return nil
}

// Validate reports missing credentials for the selected backend. Callers
// treat these as fatal configuration errors.
func (bc *BackendConfig) Validate() error {
	switch bc.Type {
	case BackendTypeSQLite:
		if bc.SQLite.Path == "" {
			return errors.New("sqlite path is required for sqlite backend")
		}
	case BackendTypeHTTPAPI:
		if bc.HTTPAPI.Endpoint == "" {
			return errors.New("httpapi endpoint is required for httpapi backend")
		}
		if bc.HTTPAPI.Token == "" {
			return errors.New("httpapi token is required for httpapi backend")
		}
	case BackendTypePostgres:
		if bc.Postgres.DSN == "" {
			return errors.New("postgres dsn is required for postgres backend")
		}
	default:
		return fmt.Errorf("invalid backend type: %s", bc.Type)
	}

	if bc.CallTimeout < 0 {
		return errors.New("call timeout cannot be negative")
	}
	if bc.MaxCASRetries < 1 {
		return errors.New("max cas retries must be at least 1")
	}
	return nil
}

func (sc *SecurityConfig) Validate() error {
	if len(sc.Secret) < 16 {
		return errors.New("secret must be at least 16 characters")
	}
	if sc.IPv4Prefix < 1 || sc.IPv4Prefix > 32 {
		return errors.New("ipv4 prefix must be between 1 and 32")
	}
	if sc.IPv6Prefix < 1 || sc.IPv6Prefix > 128 {
		return errors.New("ipv6 prefix must be between 1 and 128")
	}
	return nil
}

func (ac *AdmissionConfig) Validate() error {
	if ac.FailPolicy != FailOpen && ac.FailPolicy != FailClosed {
		return fmt.Errorf("invalid fail policy: %s", ac.FailPolicy)
	}
	if !ac.RateLimit.Enabled {
		return errors.New("subnet rate limit cannot be disabled")
	}
	if err := ac.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	if ac.ResourceLimit.Enabled {
		if err := ac.ResourceLimit.Validate(); err != nil {
			return fmt.Errorf("resource_limit: %w", err)
		}
	}
	return nil
}

func (rc *RateLimitConfig) Validate() error {
	if rc.Limit < 1 {
		return errors.New("limit must be at least 1")
	}
	if rc.Window < time.Second {
		return errors.New("window must be at least 1s")
	}
	if rc.Block < 0 {
		return errors.New("block cannot be negative")
	}
	return nil
}

func (cc *ChallengeConfig) Validate() error {
	if cc.TokenTTL < time.Second {
		return errors.New("token ttl must be at least 1s")
	}
	if cc.MaxUses < 1 {
		return errors.New("max uses must be at least 1")
	}
	if cc.Puzzle.Base < 1 {
		return errors.New("puzzle base must be at least 1")
	}
	if err := cc.Puzzle.DifficultyWindows.Validate(); err != nil {
		return fmt.Errorf("puzzle: %w", err)
	}
	if cc.Puzzle.MaxLevel > 20 || cc.Puzzle.Base > MaxPuzzleRounds>>cc.Puzzle.MaxLevel {
		return fmt.Errorf("puzzle base << max_level cannot exceed %d rounds", MaxPuzzleRounds)
	}
	if cc.Ticket.BaseMin < 1 || cc.Ticket.BaseMax < cc.Ticket.BaseMin {
		return errors.New("ticket base_min must be positive and not above base_max")
	}
	if cc.Ticket.BaseMax > 64 {
		return errors.New("ticket base_max cannot exceed 64 bits")
	}
	if cc.Ticket.Step < 0 {
		return errors.New("ticket step cannot be negative")
	}
	if err := cc.Ticket.DifficultyWindows.Validate(); err != nil {
		return fmt.Errorf("ticket: %w", err)
	}
	if cc.Interactive.NonceTTL < time.Second {
		return errors.New("interactive nonce ttl must be at least 1s")
	}
	return nil
}

func (dw *DifficultyWindows) Validate() error {
	if dw.MaxLevel < 1 {
		return errors.New("max level must be at least 1")
	}
	if dw.Window < time.Second {
		return errors.New("window must be at least 1s")
	}
	if dw.Reset < dw.Window {
		return errors.New("reset cannot be shorter than window")
	}
	if dw.Block < 0 {
		return errors.New("block cannot be negative")
	}
	return nil
}

func (cc *CleanupConfig) Validate() error {
	if cc.Probability < 0 || cc.Probability > 1 {
		return errors.New("probability must be between 0 and 1")
	}
	if cc.MinInterval < 0 {
		return errors.New("min interval cannot be negative")
	}
	if cc.RateLimitRetention <= 0 || cc.DifficultyRetention <= 0 {
		return errors.New("retention horizons must be positive")
	}
	return nil
}

// validateRetention keeps cleanup from deleting state a live window or
// difficulty decay still reads.
func (c *Config) validateRetention() error {
	if c.Cleanup.RateLimitRetention < max(c.Admission.RateLimit.Window, c.Admission.ResourceLimit.Window) {
		return errors.New("rate_limit_retention cannot be shorter than a rate limit window")
	}
	if c.Cleanup.DifficultyRetention < max(c.Challenge.Puzzle.Reset, c.Challenge.Ticket.Reset) {
		return errors.New("difficulty_retention cannot be shorter than a difficulty reset")
	}
	return nil
}

func (tc *TasksConfig) Validate() error {
	if tc.Workers < 1 {
		return errors.New("workers must be at least 1")
	}
	if tc.QueueSize < 1 {
		return errors.New("queue size must be at least 1")
	}
	if tc.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

func (sc *StatsConfig) Validate() error {
	if !sc.Enabled {
		return nil
	}
	if sc.Redis.Addr == "" {
		return errors.New("redis address is required when stats are enabled")
	}
	if sc.Prefix == "" {
		return errors.New("prefix cannot be empty")
	}
	return nil
}

func (lc *LoggingConfig) Validate() error {
	if !oneOf(lc.Level, "debug", "info", "warn", "error") {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}
	if !oneOf(lc.Format, "json", "text") {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}
	if !oneOf(lc.Output, "stdout", "stderr", "file") {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}
	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}
	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}
	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}
	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
