package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Upstream DNS servers used for unmatched queries
	UpstreamDNSServers []string `yaml:"upstream_dns_servers"`

	// Blackhole reply policy
	Blackhole BlackholeConfig `yaml:"blackhole"`

	// Blocklist sources and reload behavior
	Blocklist BlocklistConfig `yaml:"blocklist"`

	// Audit event storage
	Storage StorageConfig `yaml:"storage"`

	// Audit event delivery
	Audit AuditConfig `yaml:"audit"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds server-specific settings
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
	TCPEnabled    bool   `yaml:"tcp_enabled"`
	UDPEnabled    bool   `yaml:"udp_enabled"`
}

// BlackholeConfig holds the fixed reply policy for blocked names.
// These values are read once at startup and never mutated afterwards.
type BlackholeConfig struct {
	ReplyIPv4 string `yaml:"reply_ipv4"` // address returned for A queries
	ReplyIPv6 string `yaml:"reply_ipv6"` // address returned for AAAA queries
	TTL       uint32 `yaml:"ttl"`        // TTL in seconds for synthesized answers
}

// BlocklistConfig holds blocklist sources and reload settings
type BlocklistConfig struct {
	Files          []string      `yaml:"files"`
	URLs           []string      `yaml:"urls"`
	WatchFiles     bool          `yaml:"watch_files"`
	ReloadInterval time.Duration `yaml:"reload_interval"`
	MatchCacheSize int           `yaml:"match_cache_size"`
}

// StorageConfig holds audit storage settings
type StorageConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DatabasePath  string        `yaml:"database_path"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	RetentionDays int           `yaml:"retention_days"`
}

// AuditConfig holds settings for the async audit event pipeline
type AuditConfig struct {
	BufferSize int `yaml:"buffer_size"`
	Workers    int `yaml:"workers"`
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

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":53"
	}
	if !c.Server.TCPEnabled && !c.Server.UDPEnabled {
		c.Server.TCPEnabled = true
		c.Server.UDPEnabled = true
	}

	// Upstream DNS defaults
	if len(c.UpstreamDNSServers) == 0 {
		c.UpstreamDNSServers = []string{
			"1.1.1.1:53",
			"8.8.8.8:53",
		}
	}

	// Blackhole reply policy defaults
	if c.Blackhole.ReplyIPv4 == "" {
		c.Blackhole.ReplyIPv4 = "0.0.0.0"
	}
	if c.Blackhole.ReplyIPv6 == "" {
		c.Blackhole.ReplyIPv6 = "::"
	}
	if c.Blackhole.TTL == 0 {
		c.Blackhole.TTL = 300
	}

	// Blocklist defaults
	if c.Blocklist.MatchCacheSize == 0 {
		c.Blocklist.MatchCacheSize = 8192
	}

	// Storage defaults
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "./sinkhole.db"
	}
	if c.Storage.BufferSize == 0 {
		c.Storage.BufferSize = 1000
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = 5 * time.Second
	}
	if c.Storage.BatchSize == 0 {
		c.Storage.BatchSize = 100
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = 30
	}

	// Audit defaults
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = 1000
	}
	if c.Audit.Workers == 0 {
		c.Audit.Workers = 2
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
		c.Telemetry.ServiceName = "sinkhole"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid.
// A service started without a usable reply policy or without any blocklist
// source would silently run with an undefined policy, so both are hard
// requirements surfaced before any query processing begins.
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if !c.Server.TCPEnabled && !c.Server.UDPEnabled {
		return fmt.Errorf("at least one of TCP or UDP must be enabled")
	}

	// Validate blackhole reply policy
	ipv4 := net.ParseIP(c.Blackhole.ReplyIPv4)
	if ipv4 == nil || ipv4.To4() == nil {
		return fmt.Errorf("blackhole.reply_ipv4 is not a valid IPv4 address: %q", c.Blackhole.ReplyIPv4)
	}
	ipv6 := net.ParseIP(c.Blackhole.ReplyIPv6)
	if ipv6 == nil || ipv6.To4() != nil {
		return fmt.Errorf("blackhole.reply_ipv6 is not a valid IPv6 address: %q", c.Blackhole.ReplyIPv6)
	}
	if c.Blackhole.TTL == 0 {
		return fmt.Errorf("blackhole.ttl must be greater than zero")
	}

	// Validate blocklist sources
	if len(c.Blocklist.Files) == 0 && len(c.Blocklist.URLs) == 0 {
		return fmt.Errorf("at least one blocklist source (file or URL) must be configured")
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
