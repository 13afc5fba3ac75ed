// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	Store        StoreConfig        `mapstructure:"store" yaml:"store"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Learning     LearningConfig     `mapstructure:"learning" yaml:"learning"`
	Routing      RoutingConfig      `mapstructure:"routing" yaml:"routing"`
	Gateway      GatewayConfig      `mapstructure:"gateway" yaml:"gateway"`
	Agents       []AgentSpec        `mapstructure:"agents" yaml:"agents"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// StoreConfig selects and tunes the message store backend.
type StoreConfig struct {
	// Type is one of "memory", "sqlite" or "postgres".
	Type     string         `mapstructure:"type" yaml:"type"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	Retry    RetryConfig    `mapstructure:"retry" yaml:"retry"`
}

// SQLiteConfig holds the embedded database settings.
type SQLiteConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// PostgresConfig holds the PostgreSQL connection details.
type PostgresConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"-"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns int32  `mapstructure:"min_conns" yaml:"min_conns"`
}

// ConnString renders the pgx connection URL.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode)
}

// RetryConfig tunes the retrying persistence adapter.
type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time" yaml:"max_elapsed_time"`
}

// OrchestratorConfig tunes the orchestration core.
type OrchestratorConfig struct {
	// SenderID is stamped on envelopes the core creates for dispatched requests.
	SenderID string `mapstructure:"sender_id" yaml:"sender_id"`
	// BroadcastConcurrency bounds parallel fan-out; 0 means unbounded.
	BroadcastConcurrency int `mapstructure:"broadcast_concurrency" yaml:"broadcast_concurrency"`
	// DispatchRateLimit is dispatches per second; 0 disables admission limiting.
	DispatchRateLimit float64 `mapstructure:"dispatch_rate_limit" yaml:"dispatch_rate_limit"`
	DispatchBurst     int     `mapstructure:"dispatch_burst" yaml:"dispatch_burst"`
}

// LearningConfig tunes the experience buffer and the periodic learner.
type LearningConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	BufferCapacity  int           `mapstructure:"buffer_capacity" yaml:"buffer_capacity"`
	BatchSize       int           `mapstructure:"batch_size" yaml:"batch_size"`
	Interval        time.Duration `mapstructure:"interval" yaml:"interval"`
	SuccessPriority int           `mapstructure:"success_priority" yaml:"success_priority"`
	FailurePriority int           `mapstructure:"failure_priority" yaml:"failure_priority"`
}

// RoutingConfig overrides the built-in request-type routing table.
type RoutingConfig struct {
	Default string              `mapstructure:"default" yaml:"default"`
	Rules   []RoutingRuleConfig `mapstructure:"rules" yaml:"rules"`
}

// RoutingRuleConfig maps request-type keywords to an agent type.
type RoutingRuleConfig struct {
	Name     string   `mapstructure:"name" yaml:"name"`
	Keywords []string `mapstructure:"keywords" yaml:"keywords"`
	Target   string   `mapstructure:"target" yaml:"target"`
}

// GatewayConfig configures the HTTP and WebSocket gateway started by `serve`.
type GatewayConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// AllowedOrigins lists CORS and WebSocket origins; "*" allows any.
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	// EventBuffer is the per-client queue of the event stream. Events for a
	// client whose queue is full are dropped.
	EventBuffer int `mapstructure:"event_buffer" yaml:"event_buffer"`
}

// AgentSpec describes an agent bootstrapped from configuration.
type AgentSpec struct {
	ID           string   `mapstructure:"id" yaml:"id"`
	Type         string   `mapstructure:"type" yaml:"type"`
	Capabilities []string `mapstructure:"capabilities" yaml:"capabilities"`
	Disabled     bool     `mapstructure:"disabled" yaml:"disabled"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "agentcore")
	v.SetDefault("logger.log_file", "agentcore.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Store --
	v.SetDefault("store.type", "memory")
	v.SetDefault("store.sqlite.path", "agentcore.db")
	v.SetDefault("store.postgres.host", "localhost")
	v.SetDefault("store.postgres.port", 5432)
	v.SetDefault("store.postgres.user", "postgres")
	v.SetDefault("store.postgres.password", "") // Should be set via env var
	v.SetDefault("store.postgres.dbname", "county_gis")
	v.SetDefault("store.postgres.sslmode", "disable")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.min_conns", 2)
	v.SetDefault("store.retry.initial_interval", "100ms")
	v.SetDefault("store.retry.max_interval", "2s")
	v.SetDefault("store.retry.max_elapsed_time", "10s")

	// -- Orchestrator --
	v.SetDefault("orchestrator.sender_id", "mcp")
	v.SetDefault("orchestrator.broadcast_concurrency", 0)
	v.SetDefault("orchestrator.dispatch_rate_limit", 0.0)
	v.SetDefault("orchestrator.dispatch_burst", 1)

	// -- Learning --
	v.SetDefault("learning.enabled", true)
	v.SetDefault("learning.buffer_capacity", 10000)
	v.SetDefault("learning.batch_size", 32)
	v.SetDefault("learning.interval", "5m")
	v.SetDefault("learning.success_priority", 1)
	v.SetDefault("learning.failure_priority", 3)

	// -- Routing --
	v.SetDefault("routing.default", "USER_INTERACTION")

	// -- Gateway --
	v.SetDefault("gateway.listen_addr", "127.0.0.1:8080")
	v.SetDefault("gateway.read_timeout", "15s")
	v.SetDefault("gateway.request_timeout", "2m")
	v.SetDefault("gateway.shutdown_timeout", "30s")
	v.SetDefault("gateway.allowed_origins", []string{"*"})
	v.SetDefault("gateway.event_buffer", 256)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("store.postgres.password", "AGENTCORE_DB_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Store.Type == "postgres" && cfg.Store.Postgres.Password == "" {
		cfg.Store.Postgres.Password = os.Getenv("AGENTCORE_DB_PASSWORD")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store configuration invalid: %w", err)
	}
	if c.Orchestrator.BroadcastConcurrency < 0 {
		return fmt.Errorf("orchestrator.broadcast_concurrency must not be negative")
	}
	if c.Orchestrator.DispatchRateLimit < 0 {
		return fmt.Errorf("orchestrator.dispatch_rate_limit must not be negative")
	}
	if err := c.Learning.Validate(); err != nil {
		return fmt.Errorf("learning configuration invalid: %w", err)
	}
	for i, rule := range c.Routing.Rules {
		if len(rule.Keywords) == 0 {
			return fmt.Errorf("routing.rules[%d] must declare at least one keyword", i)
		}
		if rule.Target == "" {
			return fmt.Errorf("routing.rules[%d] must declare a target agent type", i)
		}
	}
	if c.Gateway.EventBuffer < 0 {
		return fmt.Errorf("gateway.event_buffer must not be negative")
	}
	seen := make(map[string]struct{}, len(c.Agents))
	for i, spec := range c.Agents {
		if spec.ID == "" {
			return fmt.Errorf("agents[%d].id is required", i)
		}
		if _, dup := seen[spec.ID]; dup {
			return fmt.Errorf("agents[%d].id %q is declared more than once", i, spec.ID)
		}
		seen[spec.ID] = struct{}{}
	}
	return nil
}

// Validate checks the store configuration.
func (s *StoreConfig) Validate() error {
	switch strings.ToLower(s.Type) {
	case "memory", "in-memory", "":
	case "sqlite":
		if s.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required")
		}
	case "postgres":
		if s.Postgres.Host == "" || s.Postgres.DBName == "" {
			return fmt.Errorf("postgres.host and postgres.dbname are required")
		}
	default:
		return fmt.Errorf("unsupported store type: %s", s.Type)
	}
	if s.Retry.MaxElapsedTime < 0 || s.Retry.InitialInterval < 0 || s.Retry.MaxInterval < 0 {
		return fmt.Errorf("retry intervals must not be negative")
	}
	return nil
}

// Validate checks the learning settings.
func (l *LearningConfig) Validate() error {
	if l.BufferCapacity <= 0 {
		return fmt.Errorf("buffer_capacity must be greater than 0")
	}
	if l.FailurePriority <= l.SuccessPriority {
		return fmt.Errorf("failure_priority must be greater than success_priority")
	}
	if !l.Enabled {
		return nil
	}
	if l.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be greater than 0")
	}
	if l.Interval <= 0 {
		return fmt.Errorf("interval must be a positive duration")
	}
	return nil
}
