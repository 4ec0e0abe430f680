package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "forgesync.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// CLIFlags holds command-line overrides. A nil field means the flag was
// not given and must not override lower layers.
type CLIFlags struct {
	Port       *string
	LogLevel   *string
	DSN        *string
	NatsURL    *string
	ConfigPath *string
}

// ParseFlags parses args into CLIFlags. Only flags that were actually
// set end up non-nil.
func ParseFlags(args []string) (CLIFlags, error) {
	fs := flag.NewFlagSet("forgesync", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	port := fs.String("port", "", "HTTP listen port")
	fs.StringVar(port, "p", "", "HTTP listen port (shorthand)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	dsn := fs.String("dsn", "", "PostgreSQL connection string")
	natsURL := fs.String("nats-url", "", "NATS server URL")
	configPath := fs.String("config", "", "path to YAML config file")
	fs.StringVar(configPath, "c", "", "path to YAML config file (shorthand)")

	if err := fs.Parse(args); err != nil {
		return CLIFlags{}, fmt.Errorf("parse flags: %w", err)
	}

	var flags CLIFlags
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port", "p":
			flags.Port = port
		case "log-level":
			flags.LogLevel = logLevel
		case "dsn":
			flags.DSN = dsn
		case "nats-url":
			flags.NatsURL = natsURL
		case "config", "c":
			flags.ConfigPath = configPath
		}
	})

	return flags, nil
}

// LoadWithCLI returns a Config using the full hierarchy:
// defaults < YAML < ENV < CLI. The second return value is the YAML path
// that was consulted, for reload.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	yamlPath := DefaultConfigFile
	if flags.ConfigPath != nil {
		yamlPath = *flags.ConfigPath
	}

	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, "", fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, "", fmt.Errorf("config validate: %w", err)
	}

	return &cfg, yamlPath, nil
}

// applyCLI overlays set CLI flags onto cfg.
func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.Port != nil {
		cfg.Server.Port = *flags.Port
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.DSN != nil {
		cfg.Postgres.DSN = *flags.DSN
	}
	if flags.NatsURL != nil {
		cfg.NATS.URL = *flags.NatsURL
	}
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "FORGESYNC_PORT")
	setString(&cfg.Server.CORSOrigin, "FORGESYNC_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "FORGESYNC_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "FORGESYNC_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "FORGESYNC_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "FORGESYNC_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "FORGESYNC_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "FORGESYNC_LOG_LEVEL")
	setString(&cfg.Logging.Service, "FORGESYNC_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "FORGESYNC_LOG_ASYNC")
	setDuration(&cfg.Batch.Window, "FORGESYNC_BATCH_WINDOW")
	setInt(&cfg.Batch.MaxSize, "FORGESYNC_BATCH_MAX_SIZE")
	setInt(&cfg.Broadcast.QueueSize, "FORGESYNC_BROADCAST_QUEUE_SIZE")
	setDuration(&cfg.Broadcast.WriteTimeout, "FORGESYNC_BROADCAST_WRITE_TIMEOUT")
	setDuration(&cfg.Broadcast.HeartbeatInterval, "FORGESYNC_HEARTBEAT_INTERVAL")
	setInt64(&cfg.Cache.MaxSizeMB, "FORGESYNC_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.BulkTTL, "FORGESYNC_CACHE_BULK_TTL")
	setString(&cfg.Cache.SharedBucket, "FORGESYNC_CACHE_SHARED_BUCKET")
	setFloat64(&cfg.Rate.RequestsPerSecond, "FORGESYNC_RATE_RPS")
	setInt(&cfg.Rate.Burst, "FORGESYNC_RATE_BURST")
	setInt(&cfg.Breaker.MaxFailures, "FORGESYNC_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "FORGESYNC_BREAKER_TIMEOUT")
	setString(&cfg.Telemetry.Endpoint, "FORGESYNC_OTLP_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Batch.Window <= 0 {
		return errors.New("batch.window must be positive")
	}
	if cfg.Batch.MaxSize < 1 {
		return errors.New("batch.max_size must be >= 1")
	}
	if cfg.Broadcast.QueueSize < 1 {
		return errors.New("broadcast.queue_size must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
