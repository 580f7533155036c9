package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the master service.
type Config struct {
	LogLevel     string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	HTTPAddr     string
	MetricsAddr  string
	OTelEndpoint string
	TraceSample  float64

	Partitions        int
	PartitionCapacity int
	EnqueueTimeout    time.Duration
	DrainTimeout      time.Duration
	MaxRetries        int

	Workers          []string
	WorkerIdleTTL    time.Duration
	IngestRateLimit  int
	CacheTTL         time.Duration
	NotifyWebhookURL string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:          v.GetString("log_level"),
		KafkaBrokers:      v.GetString("kafka_brokers"),
		RedisAddr:         v.GetString("redis_addr"),
		PostgresDSN:       v.GetString("postgres_dsn"),
		HTTPAddr:          v.GetString("http_addr"),
		MetricsAddr:       v.GetString("metrics_addr"),
		OTelEndpoint:      v.GetString("otel_endpoint"),
		TraceSample:       v.GetFloat64("trace_sample_ratio"),
		Partitions:        v.GetInt("partitions"),
		PartitionCapacity: v.GetInt("partition_capacity"),
		EnqueueTimeout:    v.GetDuration("enqueue_timeout"),
		DrainTimeout:      v.GetDuration("drain_timeout"),
		MaxRetries:        v.GetInt("max_retries"),
		Workers:           splitList(v.GetStringSlice("workers")),
		WorkerIdleTTL:     v.GetDuration("worker_idle_ttl"),
		IngestRateLimit:   v.GetInt("ingest_rate_limit"),
		CacheTTL:          v.GetDuration("cache_ttl"),
		NotifyWebhookURL:  v.GetString("notify_webhook_url"),
	}
}

// Brokers returns the Kafka broker list.
func (c Config) Brokers() []string { return splitList([]string{c.KafkaBrokers}) }

// splitList flattens comma-separated entries, as produced by env vars and
// single-string flags, and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
