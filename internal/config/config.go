// Package config handles loading and validating Codebox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Codebox.
type Config struct {
	Server        ServerConfig         `json:"server" yaml:"server"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Session       SessionConfig        `json:"session" yaml:"session"`
	RateLimit     RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`
	Janitor       *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty"`             // nil = janitor disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	ListenAddr          string `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080". Override: CODEBOX_LISTEN_ADDR env var.
	EnableDocs          bool   `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64  `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MB.
	WSPath              string `json:"ws_path" yaml:"ws_path"`                               // Default: "/ws".
	HeartbeatSeconds    int    `json:"heartbeat_seconds" yaml:"heartbeat_seconds"`           // WebSocket ping interval. Default: 30.
}

// Addr returns the listen address with a default of ":8080".
func (s *ServerConfig) Addr() string {
	if s != nil && s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// Path returns the WebSocket path with a default of "/ws".
func (s *ServerConfig) Path() string {
	if s != nil && s.WSPath != "" {
		return s.WSPath
	}
	return "/ws"
}

// HeartbeatInterval returns the ping interval with a default of 30s.
func (s *ServerConfig) HeartbeatInterval() time.Duration {
	if s != nil && s.HeartbeatSeconds > 0 {
		return time.Duration(s.HeartbeatSeconds) * time.Second
	}
	return 30 * time.Second
}

// MaxRequestSize returns the request body cap with a default of 1 MB.
func (s *ServerConfig) MaxRequestSize() int64 {
	if s != nil && s.MaxRequestSizeBytes > 0 {
		return s.MaxRequestSizeBytes
	}
	return 1 << 20
}

// SandboxConfig configures the container runtime for executions.
type SandboxConfig struct {
	Image            string  `json:"image" yaml:"image"`                           // Default: "python:3.11-slim".
	Host             string  `json:"host,omitempty" yaml:"host,omitempty"`         // Docker daemon address. Empty = environment (DOCKER_HOST).
	TempDir          string  `json:"temp_dir,omitempty" yaml:"temp_dir,omitempty"` // Source artifact directory. Default: os.TempDir()/codebox.
	MaxMemoryMB      int64   `json:"max_memory_mb" yaml:"max_memory_mb"`           // Default: 100.
	CPUCores         float64 `json:"cpu_cores" yaml:"cpu_cores"`                   // Docker --cpus flag. 0 = 1.0 default.
	PIDsLimit        int64   `json:"pids_limit" yaml:"pids_limit"`                 // Docker --pids-limit flag. 0 = 100 default.
	StopGraceSeconds int     `json:"stop_grace_seconds" yaml:"stop_grace_seconds"` // Graceful stop window. Default: 3.
	PullOnStart      bool    `json:"pull_on_start" yaml:"pull_on_start"`           // Pull the image during startup if missing.
}

// SessionConfig configures execution session behavior.
type SessionConfig struct {
	MaxExecutionSeconds int `json:"max_execution_seconds" yaml:"max_execution_seconds"` // Hard deadline. Default: 30.
	PromptWindowBytes   int `json:"prompt_window_bytes" yaml:"prompt_window_bytes"`     // Prompt detection window. Default: 4096.
}

// Budget returns the hard execution deadline with a default of 30s.
func (s *SessionConfig) Budget() time.Duration {
	if s != nil && s.MaxExecutionSeconds > 0 {
		return time.Duration(s.MaxExecutionSeconds) * time.Second
	}
	return 30 * time.Second
}

// RateLimitConfig configures per-client rate limiting for the API.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = rate limiting disabled.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// JanitorConfig configures the periodic leak sweeper.
// When nil, no background sweeps are executed.
type JanitorConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	Schedule           string `json:"schedule" yaml:"schedule"`                         // Cron expression. Default: "@every 1m".
	ArtifactMaxAgeMins int    `json:"artifact_max_age_mins" yaml:"artifact_max_age_mins"` // Default: 10.
}

// CronSchedule returns the sweep schedule with a default of every minute.
func (j *JanitorConfig) CronSchedule() string {
	if j != nil && j.Schedule != "" {
		return j.Schedule
	}
	return "@every 1m"
}

// ArtifactMaxAge returns the orphaned artifact cutoff with a default of 10m.
func (j *JanitorConfig) ArtifactMaxAge() time.Duration {
	if j != nil && j.ArtifactMaxAgeMins > 0 {
		return time.Duration(j.ArtifactMaxAgeMins) * time.Minute
	}
	return 10 * time.Minute
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "codebox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.codebox/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/codebox.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".codebox", "config.yaml")
}

// Default returns a Config with all defaults applied, used when no config
// file is present.
func Default() *Config {
	return &Config{}
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// A handful of fields can be overridden by environment variables, which take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	// Environment variable overrides — env vars take precedence over config values.
	if envAddr := os.Getenv("CODEBOX_LISTEN_ADDR"); envAddr != "" {
		cfg.Server.ListenAddr = envAddr
	}
	if envHost := os.Getenv("DOCKER_HOST"); envHost != "" && cfg.Sandbox.Host == "" {
		cfg.Sandbox.Host = envHost
	}
	if envImage := os.Getenv("CODEBOX_SANDBOX_IMAGE"); envImage != "" {
		cfg.Sandbox.Image = envImage
	}
	if envDir := os.Getenv("CODEBOX_TEMP_DIR"); envDir != "" {
		cfg.Sandbox.TempDir = envDir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func (c *Config) validate() error {
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.CPUCores < 0 {
		return fmt.Errorf("sandbox.cpu_cores must not be negative")
	}
	if c.Sandbox.PIDsLimit < 0 {
		return fmt.Errorf("sandbox.pids_limit must not be negative")
	}
	if c.Session.MaxExecutionSeconds < 0 {
		return fmt.Errorf("session.max_execution_seconds must not be negative")
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must not be negative")
	}
	if c.RateLimit.RequestsPerMinute > 0 && c.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive when rate limiting is enabled")
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		if c.Observability.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
			// valid
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", c.Observability.Tracing.Protocol)
		}
	}
	return nil
}
