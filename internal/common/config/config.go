// Package config provides configuration management for Overseer.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Overseer.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Semantic SemanticConfig `mapstructure:"semantic"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the SQLite database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// QueueConfig holds mission queue configuration.
type QueueConfig struct {
	// MaxSize is the admission ceiling; enqueue beyond it is rejected with
	// a queue-full error (backpressure, not truncation).
	MaxSize int `mapstructure:"maxSize"`

	// TimeoutCheckInterval is the timeout enforcer period in milliseconds.
	TimeoutCheckInterval int `mapstructure:"timeoutCheckInterval"`

	// DispatchInterval is the dispatcher tick period in milliseconds.
	DispatchInterval int `mapstructure:"dispatchInterval"`
}

// SpawnTriggers holds the oracle's proactive spawning thresholds.
type SpawnTriggers struct {
	QueueGrowthRate       float64 `mapstructure:"queueGrowthRate"`
	QueueDepthThreshold   int     `mapstructure:"queueDepthThreshold"`
	IdleAgentMinimum      int     `mapstructure:"idleAgentMinimum"`
	TaskComplexityBacklog int     `mapstructure:"taskComplexityBacklog"`
}

// OracleConfig holds oracle controller configuration.
type OracleConfig struct {
	SpawnTriggers    SpawnTriggers `mapstructure:"spawnTriggers"`
	TickInterval     int           `mapstructure:"tickInterval"` // in seconds
	MaxSpawnsPerTick int           `mapstructure:"maxSpawnsPerTick"`
}

// LLMConfig holds LLM provider configuration. An empty base URL disables
// model-assisted routing and decomposition; heuristics take over.
type LLMConfig struct {
	Provider string `mapstructure:"provider"`
	BaseURL  string `mapstructure:"baseUrl"`
	APIKey   string `mapstructure:"apiKey"`
	Model    string `mapstructure:"model"`
}

// SemanticConfig holds semantic index configuration.
type SemanticConfig struct {
	URL            string `mapstructure:"url"`
	APIKey         string `mapstructure:"apiKey"`
	EmbeddingModel string `mapstructure:"embeddingModel"`
}

// AgentConfig holds worker agent configuration.
type AgentConfig struct {
	// Command launched inside the PTY for each worker session.
	Command string `mapstructure:"command"`

	// WorkDir is the base working directory for agent sessions.
	WorkDir string `mapstructure:"workDir"`

	// WorktreeRoot, when set, gives each agent an isolated worktree under this path.
	WorktreeRoot string `mapstructure:"worktreeRoot"`

	// AutoRestart restarts crashed agent processes.
	AutoRestart bool `mapstructure:"autoRestart"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TimeoutCheckIntervalDuration returns the timeout enforcer period as a time.Duration.
func (q *QueueConfig) TimeoutCheckIntervalDuration() time.Duration {
	return time.Duration(q.TimeoutCheckInterval) * time.Millisecond
}

// DispatchIntervalDuration returns the dispatcher tick period as a time.Duration.
func (q *QueueConfig) DispatchIntervalDuration() time.Duration {
	return time.Duration(q.DispatchInterval) * time.Millisecond
}

// TickIntervalDuration returns the oracle tick period as a time.Duration.
func (o *OracleConfig) TickIntervalDuration() time.Duration {
	return time.Duration(o.TickInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("OVERSEER_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", "overseer.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "overseer")
	v.SetDefault("nats.maxReconnects", 10)

	// Queue defaults
	v.SetDefault("queue.maxSize", 1000)
	v.SetDefault("queue.timeoutCheckInterval", 5000)
	v.SetDefault("queue.dispatchInterval", 1000)

	// Oracle defaults
	v.SetDefault("oracle.spawnTriggers.queueGrowthRate", 5.0)
	v.SetDefault("oracle.spawnTriggers.queueDepthThreshold", 5)
	v.SetDefault("oracle.spawnTriggers.idleAgentMinimum", 1)
	v.SetDefault("oracle.spawnTriggers.taskComplexityBacklog", 3)
	v.SetDefault("oracle.tickInterval", 60)
	v.SetDefault("oracle.maxSpawnsPerTick", 3)

	// LLM defaults - empty base URL means heuristic-only routing
	v.SetDefault("llm.provider", "")
	v.SetDefault("llm.baseUrl", "")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "")

	// Semantic index defaults - empty URL means lexical-only retrieval
	v.SetDefault("semantic.url", "")
	v.SetDefault("semantic.apiKey", "")
	v.SetDefault("semantic.embeddingModel", "")

	// Agent defaults
	v.SetDefault("agent.command", "")
	v.SetDefault("agent.workDir", ".")
	v.SetDefault("agent.worktreeRoot", "")
	v.SetDefault("agent.autoRestart", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix OVERSEER_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/overseer/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("OVERSEER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("queue.maxSize", "OVERSEER_QUEUE_MAX_SIZE", "MAX_QUEUE_SIZE")
	_ = v.BindEnv("queue.timeoutCheckInterval", "OVERSEER_QUEUE_TIMEOUT_CHECK_INTERVAL", "TIMEOUT_CHECK_INTERVAL_MS")
	_ = v.BindEnv("database.path", "OVERSEER_DATABASE_PATH")
	_ = v.BindEnv("llm.baseUrl", "OVERSEER_LLM_BASE_URL")
	_ = v.BindEnv("llm.apiKey", "OVERSEER_LLM_API_KEY")
	_ = v.BindEnv("semantic.apiKey", "OVERSEER_SEMANTIC_API_KEY")
	_ = v.BindEnv("semantic.embeddingModel", "OVERSEER_SEMANTIC_EMBEDDING_MODEL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/overseer/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Queue.MaxSize <= 0 {
		errs = append(errs, "queue.maxSize must be positive")
	}
	if cfg.Queue.TimeoutCheckInterval <= 0 {
		errs = append(errs, "queue.timeoutCheckInterval must be positive")
	}
	if cfg.Queue.DispatchInterval <= 0 {
		errs = append(errs, "queue.dispatchInterval must be positive")
	}

	if cfg.Oracle.SpawnTriggers.QueueDepthThreshold <= 0 {
		errs = append(errs, "oracle.spawnTriggers.queueDepthThreshold must be positive")
	}
	if cfg.Oracle.MaxSpawnsPerTick <= 0 {
		errs = append(errs, "oracle.maxSpawnsPerTick must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
