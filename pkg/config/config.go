// Package config loads and validates application configuration from YAML files
// with environment-variable and command-line overrides. It provides typed
// structs for every subsystem (Server, Notion, Gateway, Queue, Postgres,
// Redis, Kafka, etc.).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Notion   NotionConfig   `yaml:"notion"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Queue    QueueConfig    `yaml:"queue"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds the WebSocket/HTTP listener settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	APITimeout      time.Duration `yaml:"apiTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// Addr returns the host:port the server listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// NotionConfig holds the document-store credentials and transport settings.
type NotionConfig struct {
	Token          string        `yaml:"token"`
	DatabaseID     string        `yaml:"databaseId"`
	BaseURL        string        `yaml:"baseUrl"`
	Version        string        `yaml:"version"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// GatewayConfig controls WebSocket origin checks and frame limits.
type GatewayConfig struct {
	AllowedOrigins  []string `yaml:"allowedOrigins"`
	MaxMessageBytes int64    `yaml:"maxMessageBytes"`
}

// QueueConfig controls how the queue consumer retries transient failures.
// MaxAttempts of 1 disables retries.
type QueueConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
}

// BreakerConfig controls the circuit breaker guarding Notion requests.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters for the outcome
// ledger.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds Redis connection parameters for the receipt cache.
type RedisConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	PoolSize   int           `yaml:"poolSize"`
	ReceiptTTL time.Duration `yaml:"receiptTTL"`
}

// KafkaConfig holds Kafka broker and topic settings. NotifyEnabled turns on
// the outcome notifier, IngestEnabled the Kafka ingest source.
type KafkaConfig struct {
	NotifyEnabled bool        `yaml:"notifyEnabled"`
	IngestEnabled bool        `yaml:"ingestEnabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
	BufferSize    int         `yaml:"bufferSize"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	LectureIngest string `yaml:"lectureIngest"`
	LectureEvents string `yaml:"lectureEvents"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls span-tree logging for reconciliations.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values. Load does not validate; call Validate once flags are applied.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Validate checks that the settings required to reach Notion and open the
// listener are present and sane.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Notion.Token) == "" {
		errs = append(errs, errors.New("notion.token is required"))
	}
	if strings.TrimSpace(c.Notion.DatabaseID) == "" {
		errs = append(errs, errors.New("notion.databaseId is required"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, fmt.Errorf("metrics.port %d out of range", c.Metrics.Port))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue.maxAttempts must be at least 1"))
	}
	if c.Kafka.NotifyEnabled && c.Kafka.Topics.LectureEvents == "" {
		errs = append(errs, errors.New("kafka.topics.lectureEvents is required when notifyEnabled"))
	}
	if c.Kafka.IngestEnabled && c.Kafka.Topics.LectureIngest == "" {
		errs = append(errs, errors.New("kafka.topics.lectureIngest is required when ingestEnabled"))
	}
	return errors.Join(errs...)
}

// defaultConfig returns a Config with defaults for local development. The
// listener defaults match the capture client's ws://localhost:8765.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8765,
			ReadTimeout:     30 * time.Second,
			APITimeout:      10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Notion: NotionConfig{
			BaseURL:        "https://api.notion.com/v1",
			Version:        "2022-06-28",
			RequestTimeout: 30 * time.Second,
		},
		Gateway: GatewayConfig{
			AllowedOrigins:  []string{"*"},
			MaxMessageBytes: 4 << 20,
		},
		Queue: QueueConfig{
			MaxAttempts:  1,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "lecturesync",
			User:            "lecturesync",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			ReceiptTTL: 24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "lecturesync-group",
			Topics: KafkaTopics{
				LectureIngest: "lecture-ingest",
				LectureEvents: "lecture-events",
			},
			BufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads LS_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LS_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("LS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LS_NOTION_TOKEN"); v != "" {
		cfg.Notion.Token = v
	}
	if v := os.Getenv("LS_NOTION_DATABASE_ID"); v != "" {
		cfg.Notion.DatabaseID = v
	}
	if v := os.Getenv("LS_NOTION_BASE_URL"); v != "" {
		cfg.Notion.BaseURL = v
	}
	if v := os.Getenv("LS_GATEWAY_ALLOWED_ORIGINS"); v != "" {
		cfg.Gateway.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("LS_QUEUE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxAttempts = n
		}
	}
	if v := os.Getenv("LS_POSTGRES_ENABLED"); v != "" {
		cfg.Postgres.Enabled = parseBool(v, cfg.Postgres.Enabled)
	}
	if v := os.Getenv("LS_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("LS_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("LS_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("LS_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("LS_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("LS_REDIS_ENABLED"); v != "" {
		cfg.Redis.Enabled = parseBool(v, cfg.Redis.Enabled)
	}
	if v := os.Getenv("LS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LS_KAFKA_NOTIFY_ENABLED"); v != "" {
		cfg.Kafka.NotifyEnabled = parseBool(v, cfg.Kafka.NotifyEnabled)
	}
	if v := os.Getenv("LS_KAFKA_INGEST_ENABLED"); v != "" {
		cfg.Kafka.IngestEnabled = parseBool(v, cfg.Kafka.IngestEnabled)
	}
	if v := os.Getenv("LS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("LS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LS_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("LS_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
