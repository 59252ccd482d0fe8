package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/ramiqadoumi/imageflow/internal/domain"
	"github.com/ramiqadoumi/imageflow/internal/kafka"
	"github.com/ramiqadoumi/imageflow/internal/notify"
	"github.com/ramiqadoumi/imageflow/internal/postgres"
	"github.com/ramiqadoumi/imageflow/internal/queue"
	redisstore "github.com/ramiqadoumi/imageflow/internal/redis"
	"github.com/ramiqadoumi/imageflow/internal/render"
	"github.com/ramiqadoumi/imageflow/internal/storage"
	"github.com/ramiqadoumi/imageflow/internal/version"
	"github.com/ramiqadoumi/imageflow/pkg/telemetry"
	"github.com/ramiqadoumi/imageflow/services/api/config"
	"github.com/ramiqadoumi/imageflow/services/api/handler"
	"github.com/ramiqadoumi/imageflow/services/api/intake"
	"github.com/ramiqadoumi/imageflow/services/api/middleware"
)

const (
	maxBodyBytes        = 32 << 20 // requests may carry base64 input images
	intakeMaxBytes      = 32 << 20
	healthCheckInterval = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the generation API, the render queue and the gRPC health server",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("http-port", "8888", "HTTP server port")
	f.String("grpc-port", "9090", "gRPC health server port")
	f.String("metrics-addr", ":9095", "Prometheus metrics server address; empty disables it")
	f.Int("queue-size", 100, "maximum number of pending jobs")
	f.Int("history-size", 100, "number of finished jobs kept in memory")
	f.Duration("idle-log-interval", 5*time.Minute, "how often the idle queue logs a heartbeat")
	f.String("output-dir", "./outputs", "directory generated images are written to")
	f.String("renderer", "placeholder", "renderer: http | placeholder")
	f.String("renderer-url", "", "inference backend base URL for the http renderer")
	f.Int("retention-days", 7, "delete generated images older than this many days; 0 keeps everything")
	f.String("retention-schedule", "@daily", "cron schedule of the retention sweep")
	f.String("kafka-brokers", "", "comma-separated Kafka broker addresses; empty disables events and intake")
	f.String("redis-addr", "", "Redis address (host:port); empty disables snapshots and rate limiting")
	f.Int("rate-limit", 0, "generation requests allowed per client per window; 0 disables")
	f.Duration("rate-window", time.Minute, "rate limit window")
	f.Duration("webhook-timeout", 10*time.Second, "timeout of a single webhook call")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", f, "http-port")
	bindFlag("grpc_port", f, "grpc-port")
	bindFlag("metrics_addr", f, "metrics-addr")
	bindFlag("queue_size", f, "queue-size")
	bindFlag("history_size", f, "history-size")
	bindFlag("idle_log_interval", f, "idle-log-interval")
	bindFlag("output_dir", f, "output-dir")
	bindFlag("renderer", f, "renderer")
	bindFlag("renderer_url", f, "renderer-url")
	bindFlag("retention_days", f, "retention-days")
	bindFlag("retention_schedule", f, "retention-schedule")
	bindFlag("kafka_brokers", f, "kafka-brokers")
	bindFlag("redis_addr", f, "redis-addr")
	bindFlag("rate_limit", f, "rate-limit")
	bindFlag("rate_window", f, "rate-window")
	bindFlag("webhook_timeout", f, "webhook-timeout")
	bindFlag("otel_endpoint", f, "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, serviceName)

	shutdownTracer, err := telemetry.InitTracer(context.Background(), serviceName, version.Version, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	store, err := storage.New(cfg.OutputDir)
	if err != nil {
		return err
	}
	renderer, err := buildRenderer(cfg, store)
	if err != nil {
		return err
	}

	queueOpts := []queue.Option{
		queue.WithLogger(logger),
		queue.WithHistorySize(cfg.HistorySize),
		queue.WithIdleLogInterval(cfg.IdleLogInterval),
		queue.WithNotifier(notify.NewWebhook(cfg.WebhookTimeout, notify.WithLogger(logger))),
	}
	var (
		restOpts []handler.Option
		limiter  redisstore.RateLimiter
		ready    func() error
	)

	// ── Redis: snapshots + rate limiting ─────────────────────────────────────
	if cfg.RedisAddr != "" {
		redisClient := redisstore.NewClient(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()

		snapshots := redisstore.NewStateStore(redisClient, 0)
		queueOpts = append(queueOpts, queue.WithStateStore(snapshots))
		restOpts = append(restOpts, handler.WithSnapshotStore(snapshots))
		if cfg.RateLimit > 0 {
			limiter = redisstore.NewRateLimiter(redisClient, cfg.RateLimit, cfg.RateWindow)
			restOpts = append(restOpts, handler.WithRateLimiter(limiter))
		}
		ready = func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return redisClient.Ping(ctx).Err()
		}
	}

	// ── PostgreSQL: audit trail ──────────────────────────────────────────────
	if cfg.PostgresDSN != "" {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()

		repo := postgres.NewRepository(pool)
		queueOpts = append(queueOpts, queue.WithRepository(repo))
		restOpts = append(restOpts, handler.WithRepository(repo))
	}

	// ── Kafka: lifecycle events ──────────────────────────────────────────────
	brokers := cfg.Brokers()
	var producer kafka.Producer
	if len(brokers) > 0 {
		producer = kafka.NewProducer(brokers)
		defer func() { _ = producer.Close() }()
		queueOpts = append(queueOpts, queue.WithEventProducer(producer))
	}

	q := queue.New(cfg.QueueSize, renderer, queueOpts...)
	restHandler := handler.NewREST(q, store, logger, restOpts...)
	health := handler.NewHealth(q, logger)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(maxBodyBytes))
	restHandler.Routes(r)

	// No WriteTimeout: synchronous and streaming calls wait for the render.
	httpSrv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// ── gRPC server ───────────────────────────────────────────────────────────
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, health.Server())
	reflection.Register(grpcSrv)

	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	// ── signal handling ───────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	// ── Prometheus metrics ────────────────────────────────────────────────────
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, ready, logger)

	// ── background work ───────────────────────────────────────────────────────
	sweeper := storage.NewSweeper(store, cfg.Retention(), logger)
	if err := sweeper.Start(runCtx, cfg.RetentionSchedule); err != nil {
		return err
	}

	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		if err := q.Run(runCtx); err != nil {
			logger.Error("task queue error", slog.String("error", err.Error()))
		}
	}()
	go health.Watch(runCtx, healthCheckInterval)

	if len(brokers) > 0 {
		consumer := kafka.NewConsumer(brokers, kafka.TopicRequests, serviceName+"-intake", intakeMaxBytes, logger)
		defer func() { _ = consumer.Close() }()

		in := intake.NewIntake(consumer, producer, q, limiter, logger)
		go func() {
			logger.Info("kafka intake starting", slog.String("topic", kafka.TopicRequests))
			if err := in.Run(runCtx); err != nil {
				logger.Error("kafka intake error", slog.String("error", err.Error()))
			}
		}()
	}

	go func() {
		logger.Info("imageflow HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	go func() {
		logger.Info("imageflow gRPC starting", slog.String("addr", grpcLis.Addr().String()))
		if err := grpcSrv.Serve(grpcLis); err != nil {
			logger.Error("gRPC server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	// Stopping the queue cancels the running render and pending jobs, which
	// releases HTTP handlers still waiting on them.
	runCancel()

	grpcSrv.GracefulStop()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	<-queueDone
	q.Wait()
	logger.Info("stopped")
	return nil
}

// buildRenderer registers the configured renderer for every generation kind.
func buildRenderer(cfg config.Config, store *storage.Store) (*render.Registry, error) {
	var r render.Renderer
	switch cfg.Renderer {
	case "http":
		if cfg.RendererURL == "" {
			return nil, errors.New("renderer_url is required for the http renderer")
		}
		r = render.NewHTTPRenderer(cfg.RendererURL, store)
	case "placeholder", "":
		r = render.NewPlaceholderRenderer(store)
	default:
		return nil, fmt.Errorf("unknown renderer %q", cfg.Renderer)
	}

	reg := render.NewRegistry()
	for _, kind := range domain.Kinds {
		reg.Register(kind, r)
	}
	return reg, nil
}
