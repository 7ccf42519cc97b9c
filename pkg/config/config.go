package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// Listener settings
	Server ServerConfig `yaml:"server"`

	// Upstream resolver
	Upstream UpstreamConfig `yaml:"upstream"`

	// Domain classification
	Classification ClassificationConfig `yaml:"classification"`

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Read-only JSON API
	API APIConfig `yaml:"api"`
}

// ServerConfig holds listener settings
type ServerConfig struct {
	BindAddress     string        `yaml:"bind_address"`
	BindPort        int           `yaml:"bind_port"`
	MaxConcurrent   int           `yaml:"max_concurrent"` // 0 = one goroutine per datagram, no bound
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ListenAddress returns the host:port the relay binds to
func (s ServerConfig) ListenAddress() string {
	return net.JoinHostPort(s.BindAddress, strconv.Itoa(s.BindPort))
}

// UpstreamConfig holds the upstream resolver settings
type UpstreamConfig struct {
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
}

// ClassificationConfig holds domain classification settings
type ClassificationConfig struct {
	Enabled       bool                `yaml:"enabled"`
	CacheTTL      time.Duration       `yaml:"cache_ttl"`
	MemoryEntries int                 `yaml:"memory_entries"`
	Endpoint      string              `yaml:"endpoint"`
	Model         string              `yaml:"model"`
	Timeout       time.Duration       `yaml:"timeout"`
	RateLimit     float64             `yaml:"rate_limit"` // requests per second to the service
	Burst         int                 `yaml:"burst"`
	Workers       int                 `yaml:"workers"`
	QueueSize     int                 `yaml:"queue_size"`
	Overrides     map[string][]string `yaml:"overrides"` // category -> domain patterns
}

// StorageConfig holds storage settings
type StorageConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DatabasePath  string        `yaml:"database_path"`
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	RetentionDays int           `yaml:"retention_days"`
	LogUnparsed   bool          `yaml:"log_unparsed"`
	BusyTimeout   int           `yaml:"busy_timeout"` // milliseconds
	WALMode       bool          `yaml:"wal_mode"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
}

// APIConfig holds the read-only HTTP API settings
type APIConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	// Read the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Boolean sections default to on; yaml leaves them alone when absent.
	cfg := Config{
		Classification: ClassificationConfig{Enabled: true},
		Storage:        StorageConfig{Enabled: true, LogUnparsed: true, WALMode: true},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{
		Classification: ClassificationConfig{Enabled: true},
		Storage:        StorageConfig{Enabled: true, LogUnparsed: true, WALMode: true},
	}
	cfg.applyDefaults()
	return cfg
}

// DefaultOverrides is the built-in override list used when none is configured.
func DefaultOverrides() map[string][]string {
	return map[string][]string{
		"inappropriate": {"pornhub.com", "xvideos.com", "redtube.com", "xnxx.com"},
	}
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.BindAddress == "" {
		c.Server.BindAddress = "0.0.0.0"
	}
	if c.Server.BindPort == 0 {
		c.Server.BindPort = 53
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}

	// Upstream defaults
	if c.Upstream.Address == "" {
		c.Upstream.Address = "8.8.8.8:53"
	}
	c.Upstream.Address = NormalizeUpstream(c.Upstream.Address)
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 5 * time.Second
	}

	// Classification defaults
	if c.Classification.CacheTTL == 0 {
		c.Classification.CacheTTL = 7 * 24 * time.Hour
	}
	if c.Classification.MemoryEntries == 0 {
		c.Classification.MemoryEntries = 10000
	}
	if c.Classification.Endpoint == "" {
		c.Classification.Endpoint = "http://localhost:11434/api/generate"
	}
	if c.Classification.Model == "" {
		c.Classification.Model = "tinyllama:latest"
	}
	if c.Classification.Timeout == 0 {
		c.Classification.Timeout = 30 * time.Second
	}
	if c.Classification.RateLimit == 0 {
		c.Classification.RateLimit = 2
	}
	if c.Classification.Burst == 0 {
		c.Classification.Burst = 4
	}
	if c.Classification.Workers == 0 {
		c.Classification.Workers = 2
	}
	if c.Classification.QueueSize == 0 {
		c.Classification.QueueSize = 1000
	}
	if c.Classification.Overrides == nil {
		c.Classification.Overrides = DefaultOverrides()
	}

	// Storage defaults
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "./smartguard.db"
	}
	if c.Storage.BufferSize == 0 {
		c.Storage.BufferSize = 1000
	}
	if c.Storage.BatchSize == 0 {
		c.Storage.BatchSize = 100
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = 5 * time.Second
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = 30
	}
	if c.Storage.BusyTimeout == 0 {
		c.Storage.BusyTimeout = 5000
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "smartguard"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}

	// API defaults
	if c.API.ListenAddress == "" {
		c.API.ListenAddress = ":8080"
	}
}

// NormalizeUpstream adds the standard DNS port when the address has none.
func NormalizeUpstream(addr string) string {
	if addr == "" {
		return addr
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, "53")
	}
	return addr
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.BindPort < 0 || c.Server.BindPort > 65535 {
		return fmt.Errorf("invalid server.bind_port: %d", c.Server.BindPort)
	}
	if c.Server.MaxConcurrent < 0 {
		return fmt.Errorf("server.max_concurrent cannot be negative")
	}

	// Validate upstream
	if c.Upstream.Address == "" {
		return fmt.Errorf("upstream.address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(c.Upstream.Address); err != nil {
		return fmt.Errorf("invalid upstream.address %q: %w", c.Upstream.Address, err)
	}
	if c.Upstream.Timeout < 0 {
		return fmt.Errorf("upstream.timeout cannot be negative")
	}

	// Validate classification
	if c.Classification.CacheTTL < 0 {
		return fmt.Errorf("classification.cache_ttl cannot be negative")
	}
	if c.Classification.Workers < 0 || c.Classification.QueueSize < 0 {
		return fmt.Errorf("classification.workers and queue_size cannot be negative")
	}

	// Validate API
	if c.API.Enabled {
		if _, _, err := net.SplitHostPort(c.API.ListenAddress); err != nil {
			return fmt.Errorf("invalid api.listen_address %q: %w", c.API.ListenAddress, err)
		}
	}

	// Validate logging level
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	// Validate logging format
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	// Validate logging output
	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}
