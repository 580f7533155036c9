package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/taskflow-master/internal/ack"
	"github.com/ramiqadoumi/taskflow-master/internal/connection"
	"github.com/ramiqadoumi/taskflow-master/internal/engine"
	"github.com/ramiqadoumi/taskflow-master/internal/kafka"
	"github.com/ramiqadoumi/taskflow-master/internal/notify"
	"github.com/ramiqadoumi/taskflow-master/internal/postgres"
	"github.com/ramiqadoumi/taskflow-master/internal/recall"
	redisstore "github.com/ramiqadoumi/taskflow-master/internal/redis"
	"github.com/ramiqadoumi/taskflow-master/internal/transport/httpapi"
	"github.com/ramiqadoumi/taskflow-master/internal/transport/kafkaingest"
	"github.com/ramiqadoumi/taskflow-master/internal/transport/ws"
	"github.com/ramiqadoumi/taskflow-master/internal/version"
	"github.com/ramiqadoumi/taskflow-master/pkg/telemetry"
	"github.com/ramiqadoumi/taskflow-master/services/master"
	"github.com/ramiqadoumi/taskflow-master/services/master/config"
)

const consumerGroup = "master-group"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the master",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("http-addr", ":8080", "HTTP API and worker websocket address")
	serveCmd.Flags().String("metrics-addr", ":9096", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	serveCmd.Flags().Float64("trace-sample-ratio", 1.0, "fraction of root traces sampled")
	serveCmd.Flags().Int("partitions", 16, "event queue partitions (parallel consumers)")
	serveCmd.Flags().Int("partition-capacity", 1024, "buffered events per partition")
	serveCmd.Flags().Duration("enqueue-timeout", 200*time.Millisecond, "max wait for a full partition before rejecting an event")
	serveCmd.Flags().Duration("drain-timeout", 10*time.Second, "max time to drain buffered events on shutdown")
	serveCmd.Flags().Int("max-retries", recall.DefaultMaxRetries, "redispatch budget after worker rejects")
	serveCmd.Flags().StringSlice("workers", nil, "static worker addresses merged with connected ones")
	serveCmd.Flags().Duration("worker-idle-ttl", kafkaingest.DefaultIdleTTL, "unregister Kafka workers silent for this long")
	serveCmd.Flags().Int("ingest-rate-limit", 0, "max frames per second per websocket worker (0 = disabled)")
	serveCmd.Flags().Duration("cache-ttl", 7*24*time.Hour, "result cache entry lifetime")
	serveCmd.Flags().String("notify-webhook-url", "", "workflow engine URL receiving terminal notices; empty disables")

	for _, f := range []struct{ key, flag string }{
		{"kafka_brokers", "kafka-brokers"},
		{"redis_addr", "redis-addr"},
		{"http_addr", "http-addr"},
		{"metrics_addr", "metrics-addr"},
		{"otel_endpoint", "otel-endpoint"},
		{"trace_sample_ratio", "trace-sample-ratio"},
		{"partitions", "partitions"},
		{"partition_capacity", "partition-capacity"},
		{"enqueue_timeout", "enqueue-timeout"},
		{"drain_timeout", "drain-timeout"},
		{"max_retries", "max-retries"},
		{"workers", "workers"},
		{"worker_idle_ttl", "worker-idle-ttl"},
		{"ingest_rate_limit", "ingest-rate-limit"},
		{"cache_ttl", "cache-ttl"},
		{"notify_webhook_url", "notify-webhook-url"},
	} {
		bindFlag(f.key, serveCmd.Flags(), f.flag)
	}
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "master").With(slog.String("instance_id", uuid.New().String()))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "master", cfg.OTelEndpoint, cfg.TraceSample)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := cfg.Brokers()
	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	consumer := kafka.NewConsumer(brokers, kafka.TopicReports, consumerGroup, logger)
	defer func() { _ = consumer.Close() }()

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	registry := connection.NewRegistry()

	notifiers := engine.MultiNotifier{notify.NewKafkaNotifier(producer)}
	if cfg.NotifyWebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.NotifyWebhookURL, nil))
	}

	eng := engine.New(engine.Config{
		Partitions:     cfg.Partitions,
		Capacity:       cfg.PartitionCapacity,
		EnqueueTimeout: cfg.EnqueueTimeout,
		DrainTimeout:   cfg.DrainTimeout,
		MaxRetries:     cfg.MaxRetries,
	}, engine.Deps{
		Store:     postgres.NewInstanceStore(pool),
		Cache:     redisstore.NewCacheStore(redisClient, cfg.CacheTTL),
		VarPool:   redisstore.NewVarPoolStore(redisClient),
		Notifier:  notifiers,
		Publisher: kafka.NewCommandPublisher(producer),
		Selector:  recall.NewRoundRobinSelector(registry, recall.StaticWorkers(cfg.Workers)),
		Acks:      ack.NewSender(registry, logger),
		Logger:    logger,
	})

	wsOpts := []ws.Option{ws.WithLogger(logger)}
	if cfg.IngestRateLimit > 0 {
		wsOpts = append(wsOpts, ws.WithLimiter(redisstore.NewRateLimiter(redisClient, cfg.IngestRateLimit, time.Second)))
		logger.Info("ingest rate limiter enabled", slog.Int("limit_per_second", cfg.IngestRateLimit))
	}
	sockets := ws.NewServer(eng, registry, wsOpts...)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewRouter(httpapi.NewHandler(eng, logger), sockets, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ingest := kafkaingest.NewHandler(eng, registry, producer, logger)
	m := master.New(eng,
		master.WithLogger(logger),
		master.WithConsumer(consumer, ingest.Handle),
		master.WithHTTPServer(httpSrv, sockets),
		master.WithBackground(func(ctx context.Context) error { return ingest.RunPruner(ctx, cfg.WorkerIdleTTL) }),
	)

	ctx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, logger,
		func(ctx context.Context) error { return pool.Ping(ctx) },
		func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down, draining event queue...")
		runCancel()
	}()

	logger.Info("master starting",
		slog.String("version", version.String()),
		slog.Int("partitions", cfg.Partitions),
		slog.Int("max_retries", cfg.MaxRetries),
		slog.Any("static_workers", cfg.Workers),
	)

	if err := m.Run(ctx); err != nil {
		return fmt.Errorf("master: %w", err)
	}
	logger.Info("stopped cleanly")
	return nil
}
