package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baldanca/batch-listener/source"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
listener:
  destination: orders
  batch_size: 50
  quiet_period: 250ms
  batch_timeout: 2s
  ack_mode: client
transport:
  kind: sqs
  sqs:
    region: eu-west-1
sink:
  kind: s3
  s3:
    bucket: archive
    prefix: raw
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "orders", cfg.Listener.Destination)
	assert.Equal(t, 50, cfg.Listener.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Listener.QuietPeriod)
	assert.Equal(t, 2*time.Second, cfg.Listener.BatchTimeout)
	assert.Equal(t, time.Second, cfg.Listener.ReceiveTimeout, "default")
	assert.Equal(t, source.AckClient, cfg.Listener.Mode())

	assert.Equal(t, "sqs", cfg.Transport.Kind)
	assert.Equal(t, "eu-west-1", cfg.Transport.SQS.Region)
	assert.EqualValues(t, 10, cfg.Transport.SQS.MaxMessages)

	assert.Equal(t, "archive", cfg.Sink.S3.Bucket)
	assert.Equal(t, "snappy", cfg.Sink.S3.Compression)
	assert.Equal(t, 3, cfg.Sink.Retry.Attempts)
	assert.Equal(t, 8080, cfg.Admin.Port)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BATCHLISTENER_LISTENER_DESTINATION", "from-env")
	t.Setenv("BATCHLISTENER_LISTENER_BATCH_SIZE", "7")
	t.Setenv("BATCHLISTENER_ADMIN_PORT", "9090")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Listener.Destination)
	assert.Equal(t, 7, cfg.Listener.BatchSize)
	assert.Equal(t, 9090, cfg.Admin.Port)
	assert.Equal(t, "memory", cfg.Transport.Kind)
	assert.Equal(t, "log", cfg.Sink.Kind)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Listener: ListenerConfig{
				Destination: "q", BatchSize: 1, QuietPeriod: time.Second,
				BatchTimeout: time.Second, ReceiveTimeout: time.Second, AckMode: "auto",
			},
			Transport: TransportConfig{Kind: "memory"},
			Sink:      SinkConfig{Kind: "log", Retry: RetryConfig{Attempts: 1}},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no destination", func(c *Config) { c.Listener.Destination = " " }, "listener.destination"},
		{"bad batch size", func(c *Config) { c.Listener.BatchSize = 0 }, "BatchSize"},
		{"bad ack mode", func(c *Config) { c.Listener.AckMode = "maybe" }, "ack_mode"},
		{"bad transport", func(c *Config) { c.Transport.Kind = "kafka" }, "transport.kind"},
		{"sqs batch too large", func(c *Config) { c.Transport.Kind = "sqs"; c.Transport.SQS.MaxMessages = 11 }, "max_messages"},
		{"pubsub without project", func(c *Config) { c.Transport.Kind = "pubsub" }, "project_id"},
		{"bad sink", func(c *Config) { c.Sink.Kind = "gcs" }, "sink.kind"},
		{"s3 without bucket", func(c *Config) { c.Sink.Kind = "s3" }, "bucket"},
		{"postgres without dsn", func(c *Config) { c.Sink.Kind = "postgres" }, "dsn"},
		{"no attempts", func(c *Config) { c.Sink.Retry.Attempts = 0 }, "attempts"},
		{"negative port", func(c *Config) { c.Admin.Port = -1 }, "admin.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
