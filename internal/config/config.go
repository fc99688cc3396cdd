// Package config loads and validates batch-listener configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/baldanca/batch-listener/batcher"
	"github.com/baldanca/batch-listener/source"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Listener  ListenerConfig  `mapstructure:"listener"`
	Transport TransportConfig `mapstructure:"transport"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ListenerConfig holds the destination and the batch policy.
type ListenerConfig struct {
	Destination    string        `mapstructure:"destination"`
	BatchSize      int           `mapstructure:"batch_size"`
	QuietPeriod    time.Duration `mapstructure:"quiet_period"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	ReceiveTimeout time.Duration `mapstructure:"receive_timeout"`
	AckMode        string        `mapstructure:"ack_mode"`
}

// Policy converts the listener section into a batch policy.
func (l ListenerConfig) Policy() batcher.Policy {
	return batcher.Policy{
		BatchSize:      l.BatchSize,
		QuietPeriod:    l.QuietPeriod,
		BatchTimeout:   l.BatchTimeout,
		ReceiveTimeout: l.ReceiveTimeout,
	}
}

// Mode parses AckMode. Validate has already rejected unknown values.
func (l ListenerConfig) Mode() source.AckMode {
	m, _ := source.ParseAckMode(l.AckMode)
	return m
}

// TransportConfig selects the broker.
type TransportConfig struct {
	Kind   string       `mapstructure:"kind"`
	SQS    SQSConfig    `mapstructure:"sqs"`
	PubSub PubSubConfig `mapstructure:"pubsub"`
}

type SQSConfig struct {
	Region            string `mapstructure:"region"`
	Endpoint          string `mapstructure:"endpoint"`
	MaxMessages       int32  `mapstructure:"max_messages"`
	VisibilityTimeout int32  `mapstructure:"visibility_timeout"`
}

type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	Endpoint       string `mapstructure:"endpoint"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
}

// SinkConfig selects what a batch is handed to.
type SinkConfig struct {
	Kind     string         `mapstructure:"kind"`
	S3       S3Config       `mapstructure:"s3"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Retry    RetryConfig    `mapstructure:"retry"`
}

type S3Config struct {
	Bucket      string `mapstructure:"bucket"`
	Prefix      string `mapstructure:"prefix"`
	Region      string `mapstructure:"region"`
	Endpoint    string `mapstructure:"endpoint"`
	PathStyle   bool   `mapstructure:"path_style"`
	Compression string `mapstructure:"compression"`
}

type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// RetryConfig controls retries of archive writes.
type RetryConfig struct {
	Attempts  int           `mapstructure:"attempts"`
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
}

// AdminConfig controls the health and metrics HTTP server.
type AdminConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BATCHLISTENER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	p := batcher.DefaultPolicy
	v.SetDefault("listener.destination", "")
	v.SetDefault("listener.batch_size", p.BatchSize)
	v.SetDefault("listener.quiet_period", p.QuietPeriod)
	v.SetDefault("listener.batch_timeout", p.BatchTimeout)
	v.SetDefault("listener.receive_timeout", p.ReceiveTimeout)
	v.SetDefault("listener.ack_mode", "transacted")

	v.SetDefault("transport.kind", "memory")
	v.SetDefault("transport.sqs.region", "")
	v.SetDefault("transport.sqs.endpoint", "")
	v.SetDefault("transport.sqs.max_messages", source.DefaultSQSConfig.MaxMessages)
	v.SetDefault("transport.sqs.visibility_timeout", source.DefaultSQSConfig.VisibilityTO)
	v.SetDefault("transport.pubsub.project_id", "")
	v.SetDefault("transport.pubsub.endpoint", "")
	v.SetDefault("transport.pubsub.max_outstanding", source.DefaultPubSubConfig.MaxOutstanding)

	v.SetDefault("sink.kind", "log")
	v.SetDefault("sink.s3.bucket", "")
	v.SetDefault("sink.s3.prefix", "")
	v.SetDefault("sink.s3.region", "")
	v.SetDefault("sink.s3.endpoint", "")
	v.SetDefault("sink.s3.path_style", false)
	v.SetDefault("sink.s3.compression", "snappy")
	v.SetDefault("sink.postgres.dsn", "")
	v.SetDefault("sink.postgres.table", "messages")
	v.SetDefault("sink.postgres.max_conns", 4)
	v.SetDefault("sink.retry.attempts", 3)
	v.SetDefault("sink.retry.base_delay", 200*time.Millisecond)
	v.SetDefault("sink.retry.max_delay", 5*time.Second)

	v.SetDefault("admin.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Listener.Destination) == "" {
		return fmt.Errorf("listener.destination is required")
	}
	if err := c.Listener.Policy().Validate(); err != nil {
		return fmt.Errorf("listener: %w", err)
	}
	if _, err := source.ParseAckMode(c.Listener.AckMode); err != nil {
		return fmt.Errorf("listener.ack_mode: %w", err)
	}

	switch c.Transport.Kind {
	case "memory":
	case "sqs":
		if m := c.Transport.SQS.MaxMessages; m < 1 || m > 10 {
			return fmt.Errorf("transport.sqs.max_messages must be between 1 and 10")
		}
		if c.Transport.SQS.VisibilityTimeout < 0 {
			return fmt.Errorf("transport.sqs.visibility_timeout must be >= 0")
		}
	case "pubsub":
		if c.Transport.PubSub.ProjectID == "" {
			return fmt.Errorf("transport.pubsub.project_id is required for the pubsub transport")
		}
	default:
		return fmt.Errorf("transport.kind %q is not one of memory, sqs, pubsub", c.Transport.Kind)
	}

	switch c.Sink.Kind {
	case "log":
	case "s3":
		if strings.TrimSpace(c.Sink.S3.Bucket) == "" {
			return fmt.Errorf("sink.s3.bucket is required for the s3 sink")
		}
	case "postgres":
		if c.Sink.Postgres.DSN == "" {
			return fmt.Errorf("sink.postgres.dsn is required for the postgres sink")
		}
	default:
		return fmt.Errorf("sink.kind %q is not one of log, s3, postgres", c.Sink.Kind)
	}
	if c.Sink.Retry.Attempts < 1 {
		return fmt.Errorf("sink.retry.attempts must be >= 1")
	}

	if c.Admin.Port < 0 {
		return fmt.Errorf("admin.port must be >= 0")
	}
	return nil
}
