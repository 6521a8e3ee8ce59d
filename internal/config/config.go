package config

import (
	"flag"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config represents the daemon configuration
type Config struct {
	// Ingest configuration
	Ingest IngestConfig `envPrefix:"LOGFORGE_"`

	// Storage configuration
	Storage StorageConfig `envPrefix:"LOGFORGE_"`

	// Logging configuration
	Logging LoggingConfig `envPrefix:"LOGFORGE_"`

	// Metrics configuration
	Metrics MetricsConfig `envPrefix:"LOGFORGE_"`

	// Tracing configuration
	Tracing TracingConfig `envPrefix:"LOGFORGE_"`
}

// IngestConfig holds ingest endpoint configuration
type IngestConfig struct {
	// Unix socket path for the ingest endpoint
	SocketPath string `env:"SOCKET_PATH" envDefault:"/tmp/logforge.sock"`

	// Maximum concurrent client connections
	MaxConnections int `env:"MAX_CONNECTIONS" envDefault:"1000"`

	// Maximum frame payload size in bytes
	MaxFrameBytes int `env:"MAX_FRAME_BYTES" envDefault:"1048576"`

	// Bounded queue capacity between sessions and the writer
	QueueCapacity int `env:"QUEUE_CAPACITY" envDefault:"10000"`

	// Grace period for in-flight sessions during shutdown
	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE" envDefault:"2s"`
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	// Output directory for parquet files
	StorageDir string `env:"STORAGE_DIR" envDefault:"./logs"`

	// Optional JSON Schema document for record validation
	SchemaPath string `env:"SCHEMA_PATH"`

	// Records per row group
	BatchSize int `env:"BATCH_SIZE" envDefault:"1000"`

	// Compression codec: "snappy", "zstd", "gzip", "none"
	Compression string `env:"COMPRESSION" envDefault:"snappy"`

	// File-size rotation threshold in bytes
	RotationBytes int64 `env:"ROTATION_BYTES" envDefault:"104857600"`

	// Periodic flush cadence
	FlushInterval time.Duration `env:"FLUSH_INTERVAL" envDefault:"5s"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	// Log level: "debug", "info", "warn", "error"
	Level string `env:"LOG_LEVEL" envDefault:"info"`

	// Log format: "json", "text"
	Format string `env:"LOG_FORMAT" envDefault:"json"`

	// Log file path (empty for stderr)
	Output string `env:"LOG_OUTPUT" envDefault:""`

	// Enable log rotation
	Rotation bool `env:"LOG_ROTATION" envDefault:"true"`

	// Max log file size in MB
	MaxSize int `env:"LOG_MAX_SIZE" envDefault:"100"`

	// Number of backup files to keep
	MaxBackups int `env:"LOG_MAX_BACKUPS" envDefault:"7"`

	// Max age in days
	MaxAge int `env:"LOG_MAX_AGE" envDefault:"30"`
}

// MetricsConfig holds metrics-related configuration
type MetricsConfig struct {
	// Enable the Prometheus metrics endpoint
	Enabled bool `env:"METRICS_ENABLED" envDefault:"true"`

	// Metrics server address
	Addr string `env:"METRICS_ADDR" envDefault:":9100"`

	// Metrics path
	Path string `env:"METRICS_PATH" envDefault:"/metrics"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	// Enable OTLP trace export
	Enabled bool `env:"TRACING_ENABLED" envDefault:"false"`

	// OTLP endpoint
	Endpoint string `env:"TRACING_ENDPOINT" envDefault:""`

	// Trace sampling ratio (0.0 to 1.0)
	SampleRatio float64 `env:"TRACING_SAMPLE_RATIO" envDefault:"1.0"`
}

// ValidCompressions is the set of recognized compression codecs
var ValidCompressions = map[string]bool{
	"snappy": true,
	"zstd":   true,
	"gzip":   true,
	"none":   true,
}

// Load loads configuration from environment variables, then applies
// command line flag overrides from args.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	// Load from environment variables
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	// Parse command line flags
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&cfg.Ingest.SocketPath, "socket", cfg.Ingest.SocketPath, "Unix socket path for log ingestion")
	fs.StringVar(&cfg.Storage.StorageDir, "storage", cfg.Storage.StorageDir, "Storage directory for parquet files")
	fs.StringVar(&cfg.Storage.SchemaPath, "schema", cfg.Storage.SchemaPath, "Path to JSON Schema file (optional)")
	fs.IntVar(&cfg.Storage.BatchSize, "batch-size", cfg.Storage.BatchSize, "Records per row group")
	fs.StringVar(&cfg.Storage.Compression, "compression", cfg.Storage.Compression, "Compression codec (snappy, zstd, gzip, none)")
	fs.IntVar(&cfg.Ingest.MaxConnections, "max-connections", cfg.Ingest.MaxConnections, "Maximum concurrent connections")
	fs.Int64Var(&cfg.Storage.RotationBytes, "rotation-bytes", cfg.Storage.RotationBytes, "File rotation threshold in bytes")
	fs.DurationVar(&cfg.Storage.FlushInterval, "flush-interval", cfg.Storage.FlushInterval, "Periodic flush cadence")
	fs.IntVar(&cfg.Ingest.QueueCapacity, "queue-capacity", cfg.Ingest.QueueCapacity, "Bounded queue capacity")
	fs.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Logging.Format, "log-format", cfg.Logging.Format, "Log format (json, text)")
	fs.StringVar(&cfg.Metrics.Addr, "metrics-addr", cfg.Metrics.Addr, "Metrics server address")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Normalize paths
	cfg.Storage.StorageDir = filepath.Clean(cfg.Storage.StorageDir)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Ingest.SocketPath == "" {
		return fmt.Errorf("socket path cannot be empty")
	}

	if c.Storage.StorageDir == "" {
		return fmt.Errorf("storage directory cannot be empty")
	}

	if c.Storage.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.Storage.BatchSize)
	}

	if c.Storage.RotationBytes <= 0 {
		return fmt.Errorf("rotation threshold must be positive, got %d", c.Storage.RotationBytes)
	}

	if c.Storage.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive, got %s", c.Storage.FlushInterval)
	}

	if c.Ingest.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive, got %d", c.Ingest.MaxConnections)
	}

	if c.Ingest.MaxFrameBytes <= 0 {
		return fmt.Errorf("max frame bytes must be positive, got %d", c.Ingest.MaxFrameBytes)
	}

	if c.Ingest.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", c.Ingest.QueueCapacity)
	}

	if !ValidCompressions[strings.ToLower(c.Storage.Compression)] {
		return fmt.Errorf("invalid compression codec: %s", c.Storage.Compression)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
			return fmt.Errorf("tracing sample ratio must be within [0, 1], got %f", c.Tracing.SampleRatio)
		}
	}

	return nil
}
