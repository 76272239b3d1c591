package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"okxflow/reader/okx"
)

type Config struct {
	Okxflow    OkxflowConfig    `yaml:"okxflow"`
	Logging    LoggingConfig    `yaml:"logging"`
	Feed       FeedConfig       `yaml:"feed"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Buffers    BuffersConfig    `yaml:"buffers"`
	Writer     WriterConfig     `yaml:"writer"`
	Storage    StorageConfig    `yaml:"storage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
	Report     ReportConfig     `yaml:"report"`
}

type OkxflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type FeedConfig struct {
	PublicURL           string               `yaml:"public_url"`
	PrivateURL          string               `yaml:"private_url"`
	RestURL             string               `yaml:"rest_url"`
	LocalIP             string               `yaml:"local_ip"`
	ValidateInstruments bool                 `yaml:"validate_instruments"`
	InstType            string               `yaml:"inst_type"`
	Credentials         CredentialsConfig    `yaml:"credentials"`
	Heartbeat           HeartbeatConfig      `yaml:"heartbeat"`
	Backoff             BackoffConfig        `yaml:"backoff"`
	RateLimit           RateLimitConfig      `yaml:"rate_limit"`
	Subscriptions       []SubscriptionConfig `yaml:"subscriptions"`
}

type CredentialsConfig struct {
	APIKey     string `yaml:"api_key"`
	SecretKey  string `yaml:"secret_key"`
	Passphrase string `yaml:"passphrase"`
}

type HeartbeatConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	StaleTimeout time.Duration `yaml:"stale_timeout"`
}

type BackoffConfig struct {
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	Factor      float64       `yaml:"factor"`
	Jitter      bool          `yaml:"jitter"`
	StableAfter time.Duration `yaml:"stable_after"`
}

type RateLimitConfig struct {
	ConnectsPerSecond float64 `yaml:"connects_per_second"`
	Burst             int     `yaml:"burst"`
}

type SubscriptionConfig struct {
	Channel     string   `yaml:"channel"`
	Instruments []string `yaml:"instruments"`
	Private     bool     `yaml:"private"`
}

type ChannelsConfig struct {
	EventBuffer    int           `yaml:"event_buffer"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type BufferConfig struct {
	MaxSize int           `yaml:"max_size"`
	MaxAge  time.Duration `yaml:"max_age"`
}

type BuffersConfig struct {
	Trades        BufferConfig  `yaml:"trades"`
	OrderBook     BufferConfig  `yaml:"orderbook"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type MirrorConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	QueueSize int           `yaml:"queue_size"`
}

type WriterConfig struct {
	QueueSize       int           `yaml:"queue_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	ReportInterval  time.Duration `yaml:"report_interval"`
	Retry           RetryConfig   `yaml:"retry"`
	Mirror          MirrorConfig  `yaml:"mirror"`
}

type StorageConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	S3       S3Config       `yaml:"s3"`
	Kafka    KafkaConfig    `yaml:"kafka"`
}

type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslmode"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type KafkaConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Brokers        []string      `yaml:"brokers"`
	TradesTopic    string        `yaml:"trades_topic"`
	OrderBookTopic string        `yaml:"orderbook_topic"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type ReportConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// DefaultInstruments are subscribed when the file lists no subscriptions.
var DefaultInstruments = []string{"BTC-USDT", "ETH-USDT", "SOL-USDT"}

func defaultConfig() Config {
	return Config{
		Okxflow: OkxflowConfig{Name: "okxflow", Version: "dev"},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout", MaxAge: 7},
		Feed: FeedConfig{
			PublicURL:  okx.PublicURL,
			PrivateURL: okx.PrivateURL,
			RestURL:    okx.RestURL,
			InstType:   "SPOT",
			Heartbeat:  HeartbeatConfig{PingInterval: 20 * time.Second, StaleTimeout: 30 * time.Second},
			Backoff: BackoffConfig{
				Base:        time.Second,
				Max:         time.Minute,
				Factor:      2,
				Jitter:      true,
				StableAfter: time.Minute,
			},
			RateLimit: RateLimitConfig{ConnectsPerSecond: 3, Burst: 1},
		},
		Channels: ChannelsConfig{EventBuffer: 10000, ReportInterval: time.Minute},
		Buffers: BuffersConfig{
			Trades:        BufferConfig{MaxSize: 100, MaxAge: 10 * time.Second},
			OrderBook:     BufferConfig{MaxSize: 50, MaxAge: 5 * time.Second},
			CheckInterval: time.Second,
		},
		Writer: WriterConfig{
			QueueSize:       16,
			ShutdownTimeout: 30 * time.Second,
			ReportInterval:  time.Minute,
			Retry:           RetryConfig{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second},
			Mirror:          MirrorConfig{Timeout: 10 * time.Second, QueueSize: 16},
		},
		Storage: StorageConfig{
			Postgres: PostgresConfig{
				Host:           "localhost",
				Port:           5432,
				Database:       "okx",
				User:           "postgres",
				SSLMode:        "disable",
				MaxConns:       10,
				MinConns:       1,
				ConnectTimeout: 10 * time.Second,
			},
			Kafka: KafkaConfig{
				TradesTopic:    "okx.trades",
				OrderBookTopic: "okx.orderbook",
				BatchTimeout:   time.Second,
			},
		},
		Metrics:    MetricsConfig{Enabled: true, Address: ":2112", Path: "/metrics"},
		CloudWatch: CloudWatchConfig{Namespace: "OKXFlow"},
		Report:     ReportConfig{Interval: 30 * time.Second},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if len(config.Feed.Subscriptions) == 0 {
		config.Feed.Subscriptions = []SubscriptionConfig{
			{Channel: okx.ChannelTrades, Instruments: append([]string(nil), DefaultInstruments...)},
			{Channel: okx.ChannelBooks, Instruments: append([]string(nil), DefaultInstruments...)},
		}
	}

	if err := applyEnv(&config); err != nil {
		return nil, err
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func envString(name string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*dst = v
	}
}

func applyEnv(cfg *Config) error {
	envString("LOG_LEVEL", &cfg.Logging.Level)

	envString("OKX_API_KEY", &cfg.Feed.Credentials.APIKey)
	envString("OKX_SECRET_KEY", &cfg.Feed.Credentials.SecretKey)
	envString("OKX_PASSPHRASE", &cfg.Feed.Credentials.Passphrase)

	envString("DB_HOST", &cfg.Storage.Postgres.Host)
	envString("DB_NAME", &cfg.Storage.Postgres.Database)
	envString("DB_USER", &cfg.Storage.Postgres.User)
	envString("DB_PASSWORD", &cfg.Storage.Postgres.Password)
	if v := strings.TrimSpace(os.Getenv("DB_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DB_PORT %q is not a number: %w", v, err)
		}
		cfg.Storage.Postgres.Port = port
	}

	if cfg.Storage.S3.Enabled {
		envString("AWS_ACCESS_KEY_ID", &cfg.Storage.S3.AccessKeyID)
		envString("AWS_SECRET_ACCESS_KEY", &cfg.Storage.S3.SecretAccessKey)
		envString("AWS_REGION", &cfg.Storage.S3.Region)
		envString("S3_BUCKET", &cfg.Storage.S3.Bucket)
	}
	if cfg.CloudWatch.Region == "" {
		envString("AWS_REGION", &cfg.CloudWatch.Region)
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.Storage.Kafka.Brokers = strings.Split(v, ",")
	}
	return nil
}

// HasPrivateSubscriptions reports whether any subscription needs the
// authenticated endpoint.
func (c *Config) HasPrivateSubscriptions() bool {
	for _, sub := range c.Feed.Subscriptions {
		if sub.Private {
			return true
		}
	}
	return false
}

// Credentials returns the feed credentials in signer form.
func (c *Config) Credentials() okx.Credentials {
	return okx.Credentials{
		APIKey:     c.Feed.Credentials.APIKey,
		SecretKey:  c.Feed.Credentials.SecretKey,
		Passphrase: c.Feed.Credentials.Passphrase,
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Okxflow.Name == "" {
		return fmt.Errorf("okxflow.name is required")
	}

	for i, sub := range cfg.Feed.Subscriptions {
		if sub.Channel == "" {
			return fmt.Errorf("feed.subscriptions[%d].channel is required", i)
		}
		if !sub.Private && !okx.IsKnownChannel(sub.Channel) {
			return fmt.Errorf("feed.subscriptions[%d].channel %q is not supported", i, sub.Channel)
		}
		if len(sub.Instruments) == 0 {
			return fmt.Errorf("feed.subscriptions[%d].instruments must not be empty", i)
		}
	}
	if cfg.HasPrivateSubscriptions() && !cfg.Credentials().Complete() {
		return fmt.Errorf("feed.credentials (api_key, secret_key, passphrase) are required for private subscriptions")
	}
	if cfg.Feed.Backoff.Max < cfg.Feed.Backoff.Base {
		return fmt.Errorf("feed.backoff.max must not be below feed.backoff.base")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	if cfg.Buffers.Trades.MaxSize <= 0 || cfg.Buffers.OrderBook.MaxSize <= 0 {
		return fmt.Errorf("buffers.*.max_size must be greater than 0")
	}
	if cfg.Buffers.Trades.MaxAge <= 0 || cfg.Buffers.OrderBook.MaxAge <= 0 {
		return fmt.Errorf("buffers.*.max_age must be greater than 0")
	}
	if cfg.Buffers.CheckInterval <= 0 {
		return fmt.Errorf("buffers.check_interval must be greater than 0")
	}

	if cfg.Writer.QueueSize <= 0 {
		return fmt.Errorf("writer.queue_size must be greater than 0")
	}
	if cfg.Writer.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("writer.retry.max_attempts must be greater than 0")
	}
	if cfg.Writer.ShutdownTimeout <= 0 {
		return fmt.Errorf("writer.shutdown_timeout must be greater than 0")
	}
	if cfg.Writer.Mirror.Timeout <= 0 || cfg.Writer.Mirror.QueueSize <= 0 {
		return fmt.Errorf("writer.mirror.timeout and writer.mirror.queue_size must be greater than 0")
	}

	if cfg.Storage.Postgres.Host == "" || cfg.Storage.Postgres.Database == "" {
		return fmt.Errorf("storage.postgres.host and storage.postgres.database are required")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	if cfg.Storage.Kafka.Enabled && len(cfg.Storage.Kafka.Brokers) == 0 {
		return fmt.Errorf("storage.kafka.brokers is required when Kafka is enabled")
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
