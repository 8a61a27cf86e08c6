// Package config provides configuration management for the sandbox control
// plane. It supports loading configuration from environment variables,
// config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the control plane.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Session   SessionConfig   `mapstructure:"session"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Internal  InternalConfig  `mapstructure:"internal"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds entity store connection configuration.
// URL takes precedence; when empty, a local SQLite database is used.
type DatabaseConfig struct {
	URL        string `mapstructure:"url"`
	SQLitePath string `mapstructure:"sqlitePath"`
	MaxConns   int    `mapstructure:"maxConns"`
	MinConns   int    `mapstructure:"minConns"`
}

// ArtifactsConfig holds the S3-compatible object store configuration.
type ArtifactsConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"accessKey"`
	SecretKey string `mapstructure:"secretKey"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"useSsl"`

	// InlineThresholdBytes separates inline downloads from presigned URL
	// redirects. Default 10 MiB.
	InlineThresholdBytes int64 `mapstructure:"inlineThresholdBytes"`
}

// NATSConfig holds NATS messaging configuration. Empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerNodeConfig describes one statically registered Docker node.
type DockerNodeConfig struct {
	ID           string  `mapstructure:"id"`
	Host         string  `mapstructure:"host"` // docker daemon endpoint
	CPUCores     float64 `mapstructure:"cpuCores"`
	MemoryBytes  int64   `mapstructure:"memoryBytes"`
	CapacityCap  int     `mapstructure:"capacityCap"`
	WorkspaceDir string  `mapstructure:"workspaceDir"` // host path for workspace binds
}

// RuntimeConfig holds container runtime configuration.
type RuntimeConfig struct {
	// Kind is docker, kubernetes, or auto. Auto picks kubernetes when
	// running inside a cluster, docker otherwise.
	Kind string `mapstructure:"kind"`

	// ControlPlaneURL is the address containers use to call back into the
	// control plane's internal endpoints.
	ControlPlaneURL string `mapstructure:"controlPlaneUrl"`

	// Network is the name of the control-plane-reachable container network.
	// Containers are attached to it only when dependency install or
	// callbacks require network access.
	Network string `mapstructure:"network"`

	DockerNodes []DockerNodeConfig `mapstructure:"dockerNodes"`

	// Kubernetes settings.
	Namespace        string `mapstructure:"namespace"`
	KubeConfig       string `mapstructure:"kubeConfig"`
	StorageClassName string `mapstructure:"storageClassName"`

	// CreateDeadline bounds end-to-end session creation, in seconds.
	CreateDeadline int `mapstructure:"createDeadline"`
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	IdleTimeoutSeconds int `mapstructure:"idleTimeoutSeconds"`
	MaxLifetimeSeconds int `mapstructure:"maxLifetimeSeconds"`
	SweepIntervalSecs  int `mapstructure:"sweepIntervalSeconds"`
}

// ExecutionConfig holds execution dispatch configuration.
type ExecutionConfig struct {
	DefaultTimeoutSeconds   int   `mapstructure:"defaultTimeoutSeconds"`
	MaxTimeoutSeconds       int   `mapstructure:"maxTimeoutSeconds"`
	StrictTimeoutValidation bool  `mapstructure:"strictTimeoutValidation"`
	HeartbeatIntervalSecs   int   `mapstructure:"heartbeatIntervalSeconds"`
	HeartbeatTimeoutSecs    int   `mapstructure:"heartbeatTimeoutSeconds"`
	MaxRetries              int   `mapstructure:"maxRetries"`
	GraceSeconds            int   `mapstructure:"graceSeconds"`
	OutputCapBytes          int64 `mapstructure:"outputCapBytes"`
}

// InternalConfig holds settings for the internal callback surface.
type InternalConfig struct {
	// APIToken is the shared bearer token injected into container env and
	// required on all /internal endpoints.
	APIToken string `mapstructure:"apiToken"`
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

// IdleTimeout returns the session idle timeout as a time.Duration.
func (s *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

// MaxLifetime returns the session max lifetime as a time.Duration.
func (s *SessionConfig) MaxLifetime() time.Duration {
	return time.Duration(s.MaxLifetimeSeconds) * time.Second
}

// SweepInterval returns the idle-cleanup sweep interval as a time.Duration.
func (s *SessionConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSecs) * time.Second
}

// HeartbeatTimeout returns the execution heartbeat timeout as a Duration.
func (e *ExecutionConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(e.HeartbeatTimeoutSecs) * time.Second
}

// Grace returns the control-plane deadline slack beyond the per-execution
// timeout as a Duration.
func (e *ExecutionConfig) Grace() time.Duration {
	return time.Duration(e.GraceSeconds) * time.Second
}

// CreateDeadlineDuration returns the session creation deadline as a Duration.
func (r *RuntimeConfig) CreateDeadlineDuration() time.Duration {
	return time.Duration(r.CreateDeadline) * time.Second
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SANDBOX_ENV"); env == "production" || env == "prod" {
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

	// Database defaults - empty URL means local SQLite
	v.SetDefault("database.url", "")
	v.SetDefault("database.sqlitePath", "~/.sandbox/sandbox.db")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Artifact store defaults
	v.SetDefault("artifacts.endpoint", "")
	v.SetDefault("artifacts.accessKey", "")
	v.SetDefault("artifacts.secretKey", "")
	v.SetDefault("artifacts.bucket", "sandbox-workspaces")
	v.SetDefault("artifacts.region", "us-east-1")
	v.SetDefault("artifacts.useSsl", false)
	v.SetDefault("artifacts.inlineThresholdBytes", 10*1024*1024)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "sandbox-control-plane")
	v.SetDefault("nats.maxReconnects", 10)

	// Runtime defaults
	v.SetDefault("runtime.kind", "auto")
	v.SetDefault("runtime.controlPlaneUrl", "http://host.docker.internal:8080")
	v.SetDefault("runtime.network", "sandbox-network")
	v.SetDefault("runtime.dockerNodes", []DockerNodeConfig{})
	v.SetDefault("runtime.namespace", "sandbox")
	v.SetDefault("runtime.kubeConfig", "")
	v.SetDefault("runtime.storageClassName", "")
	v.SetDefault("runtime.createDeadline", 30)

	// Session lifecycle defaults
	v.SetDefault("session.idleTimeoutSeconds", 1800)
	v.SetDefault("session.maxLifetimeSeconds", 21600)
	v.SetDefault("session.sweepIntervalSeconds", 60)

	// Execution defaults
	v.SetDefault("execution.defaultTimeoutSeconds", 300)
	v.SetDefault("execution.maxTimeoutSeconds", 3600)
	v.SetDefault("execution.strictTimeoutValidation", false)
	v.SetDefault("execution.heartbeatIntervalSeconds", 5)
	v.SetDefault("execution.heartbeatTimeoutSeconds", 15)
	v.SetDefault("execution.maxRetries", 3)
	v.SetDefault("execution.graceSeconds", 30)
	v.SetDefault("execution.outputCapBytes", 256*1024)

	// Internal API defaults
	v.SetDefault("internal.apiToken", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix SANDBOX_ with underscore
// naming; the flat operator-facing variables (DATABASE_URL, RUNTIME_KIND,
// ...) are bound explicitly.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SANDBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Flat env names recognized for operator convenience. AutomaticEnv does
	// not cover camelCase keys or unprefixed names, so bind each explicitly.
	_ = v.BindEnv("runtime.kind", "RUNTIME_KIND", "SANDBOX_RUNTIME_KIND")
	_ = v.BindEnv("runtime.controlPlaneUrl", "CONTROL_PLANE_URL", "SANDBOX_CONTROL_PLANE_URL")
	_ = v.BindEnv("database.url", "DATABASE_URL", "SANDBOX_DATABASE_URL")
	_ = v.BindEnv("artifacts.endpoint", "ARTIFACT_STORE_ENDPOINT")
	_ = v.BindEnv("artifacts.accessKey", "ARTIFACT_STORE_ACCESS_KEY")
	_ = v.BindEnv("artifacts.secretKey", "ARTIFACT_STORE_SECRET_KEY")
	_ = v.BindEnv("artifacts.bucket", "ARTIFACT_STORE_BUCKET")
	_ = v.BindEnv("internal.apiToken", "INTERNAL_API_TOKEN")
	_ = v.BindEnv("execution.defaultTimeoutSeconds", "DEFAULT_TIMEOUT_SECONDS")
	_ = v.BindEnv("execution.maxTimeoutSeconds", "MAX_TIMEOUT_SECONDS")
	_ = v.BindEnv("execution.heartbeatIntervalSeconds", "HEARTBEAT_INTERVAL_SECONDS")
	_ = v.BindEnv("execution.heartbeatTimeoutSeconds", "HEARTBEAT_TIMEOUT_SECONDS")
	_ = v.BindEnv("execution.maxRetries", "MAX_EXECUTION_RETRIES")
	_ = v.BindEnv("session.idleTimeoutSeconds", "SESSION_IDLE_TIMEOUT_SECONDS")
	_ = v.BindEnv("session.maxLifetimeSeconds", "SESSION_MAX_LIFETIME_SECONDS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sandbox/")

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

	switch strings.ToLower(cfg.Runtime.Kind) {
	case "docker", "kubernetes", "auto":
	default:
		errs = append(errs, "runtime.kind must be one of: docker, kubernetes, auto")
	}

	if cfg.Execution.DefaultTimeoutSeconds <= 0 {
		errs = append(errs, "execution.defaultTimeoutSeconds must be positive")
	}
	if cfg.Execution.MaxTimeoutSeconds < cfg.Execution.DefaultTimeoutSeconds {
		errs = append(errs, "execution.maxTimeoutSeconds must be >= defaultTimeoutSeconds")
	}
	if cfg.Execution.MaxRetries < 0 {
		errs = append(errs, "execution.maxRetries must not be negative")
	}
	if cfg.Session.IdleTimeoutSeconds <= 0 {
		errs = append(errs, "session.idleTimeoutSeconds must be positive")
	}
	if cfg.Session.MaxLifetimeSeconds <= 0 {
		errs = append(errs, "session.maxLifetimeSeconds must be positive")
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
