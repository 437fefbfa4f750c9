package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livegrid/internal/core/domain"
	"livegrid/internal/core/ports"
	"livegrid/internal/core/services"
	httphandlers "livegrid/internal/handlers/http"
	"livegrid/internal/infrastructure/broadcast"
	"livegrid/internal/infrastructure/distributed"
	"livegrid/internal/infrastructure/middleware"
	"livegrid/internal/infrastructure/monitoring"
	"livegrid/internal/infrastructure/provisioning"
	"livegrid/internal/infrastructure/reliability"
	"livegrid/internal/infrastructure/repositories"
	"livegrid/internal/infrastructure/rpc"
	wsignal "livegrid/internal/infrastructure/signal"
	"livegrid/pkg/circuitbreaker"
	"livegrid/pkg/config"
	"livegrid/pkg/logger"
	"livegrid/pkg/retry"
	"livegrid/pkg/tracing"
	"livegrid/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// Used when provisioning runs in memory mode without credentials.
const (
	devAPIKey    = "devkey"
	devAPISecret = "devsecret"
)

var configPaths = []string{
	"configs/config.yaml",
	"/etc/livegrid/config.yaml",
	"config.yaml",
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		// The logger is not configured yet.
		zap.NewExample().Sugar().Fatalw("failed to load configuration", "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	if cfg.Instance.ID == "" {
		cfg.Instance.ID = utils.NewInstanceID()
	}
	log := zapLogger.Sugar().With("instance_id", cfg.Instance.ID)

	traceCfg := tracing.DefaultConfig()
	traceCfg.Enabled = cfg.Tracing.Enabled
	traceCfg.InstanceID = cfg.Instance.ID
	if cfg.Tracing.JaegerURL != "" {
		traceCfg.JaegerURL = cfg.Tracing.JaegerURL
	}
	if cfg.Tracing.Environment != "" {
		traceCfg.Environment = cfg.Tracing.Environment
	}
	if cfg.Tracing.SampleRate > 0 {
		traceCfg.SampleRate = cfg.Tracing.SampleRate
	}
	tp, err := tracing.Init(traceCfg)
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewPrometheusCollector(registry)

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	store := repoFactory.Store()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := distributed.NewEventBus(store, cfg.Instance.ID, log.Named("events"), distributed.EventBusOptions{
		Channel:     cfg.Events.Channel,
		HistorySize: cfg.Events.HistorySize,
		Metrics:     metrics,
	})
	busDone := make(chan error, 1)
	go func() { busDone <- bus.Run(ctx) }()

	streamRepo := repoFactory.CreateStreamRepository(bus, metrics)

	wsRegistry := broadcast.NewRegistry("websocket", log.Named("ws"), metrics)
	grpcRegistry := broadcast.NewRegistry("grpc", log.Named("grpc"), metrics)
	unsubscribe := bus.Subscribe(func(event domain.StreamEvent) {
		wsRegistry.Broadcast(event)
		grpcRegistry.Broadcast(event)
	})
	defer unsubscribe()

	signer, provisioner := newProvisioner(cfg, log)
	reliable := reliability.NewProvisionerWrapper(
		provisioner,
		retry.Config{
			Enabled:      cfg.Provisioning.Retry.Enabled,
			MaxAttempts:  cfg.Provisioning.Retry.MaxAttempts,
			InitialDelay: cfg.Provisioning.Retry.InitialDelay,
			MaxDelay:     cfg.Provisioning.Retry.MaxDelay,
			Multiplier:   2,
			Jitter:       0.2,
		},
		circuitbreaker.Config{
			FailureThreshold:    cfg.Provisioning.CircuitBreaker.FailureThreshold,
			SuccessThreshold:    cfg.Provisioning.CircuitBreaker.SuccessThreshold,
			OpenTimeout:         cfg.Provisioning.CircuitBreaker.OpenTimeout,
			MaxRequestsHalfOpen: 1,
		},
		metrics,
		log.Named("provisioner"),
	)

	streamService := services.NewStreamService(streamRepo, reliable, log.Named("streams"))

	wsOpts := wsignal.DefaultOptions()
	wsOpts.PingInterval = cfg.Signal.PingInterval
	wsOpts.PongTimeout = cfg.Signal.PongTimeout
	wsOpts.WriteTimeout = cfg.Signal.WriteTimeout
	wsOpts.SendQueue = cfg.Signal.SendQueue
	if cfg.RateLimiting.Enabled {
		wsOpts.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		wsOpts.Burst = cfg.RateLimiting.WebSocket.Burst
		if cfg.RateLimiting.WebSocket.MaxMessageSizeBytes > 0 {
			wsOpts.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
		}
	}
	wsServer := wsignal.NewWebSocketServer(wsRegistry, streamRepo, wsOpts, log.Named("ws"))

	checker := monitoring.NewHealthChecker()
	checker.AddStoreCheck(store, 2*time.Second)
	checker.AddRepositoryCheck(streamRepo, 2*time.Second)
	checker.AddCheck("room_server", func(context.Context) error {
		if reliable.CircuitBreakerStats().State == circuitbreaker.StateOpen {
			return circuitbreaker.ErrOpen
		}
		return nil
	}, time.Second)

	router := newRouter(cfg, log, metrics, store, streamService, bus, signer, checker, registry)
	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 2)
	go func() {
		log.Infow("starting HTTP server", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	grpcDone := make(chan error, 1)
	if cfg.GRPC.Enabled {
		eventServer := rpc.NewEventStreamServer(grpcRegistry, streamRepo, log.Named("grpc"), cfg.Signal.SendQueue)
		grpcServer, err := rpc.NewServer(cfg.GRPC.Address, eventServer, log.Named("grpc"))
		if err != nil {
			log.Fatalw("failed to start gRPC server", "error", err)
		}
		go func() { grpcDone <- grpcServer.Serve(ctx) }()
	} else {
		close(grpcDone)
	}

	select {
	case err := <-serverErr:
		log.Errorw("HTTP server failed", "error", err)
		stop()
	case err := <-busDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("event bus stopped", "error", err)
		}
		stop()
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	log.Info("shutting down livegrid")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during HTTP shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing HTTP server", "error", closeErr)
		}
	}
	wsServer.Close()

	if err := <-grpcDone; err != nil {
		log.Errorw("gRPC server stopped with error", "error", err)
	}

	if err := bus.Close(); err != nil {
		log.Errorw("error closing event bus", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing store", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error flushing traces", "error", err)
	}

	log.Info("livegrid stopped")
}

func loadConfig(explicit string) (*config.Config, error) {
	if explicit != "" {
		return config.Load(explicit)
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			return config.Load(path)
		}
	}
	return config.Load("")
}

func newProvisioner(cfg *config.Config, log *zap.SugaredLogger) (*provisioning.TokenSigner, ports.RoomProvisioner) {
	key, secret := cfg.Provisioning.APIKey, cfg.Provisioning.APISecret

	if cfg.Provisioning.Mode == "livekit" {
		signer := provisioning.NewTokenSigner(key, secret, cfg.Provisioning.TokenTTL)
		log.Infow("using room server", "url", cfg.Provisioning.URL)
		return signer, provisioning.NewRoomServiceClient(cfg.Provisioning.URL, signer, cfg.Provisioning.Timeout, log.Named("roomservice"))
	}

	if key == "" {
		key = devAPIKey
	}
	if secret == "" {
		secret = devAPISecret
		log.Warn("provisioning in memory mode with development credentials")
	}
	signer := provisioning.NewTokenSigner(key, secret, cfg.Provisioning.TokenTTL)
	return signer, provisioning.NewMemoryProvisioner(signer)
}

func newRouter(
	cfg *config.Config,
	log *zap.SugaredLogger,
	metrics *monitoring.PrometheusCollector,
	store ports.SharedStore,
	streamService ports.StreamService,
	bus *distributed.EventBus,
	signer *provisioning.TokenSigner,
	checker *monitoring.HealthChecker,
	registry *prometheus.Registry,
) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(log.Named("http"), metrics),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = registry
	}
	httphandlers.NewHealthHandler(checker, cfg.Instance.ID).SetupRoutes(router, gatherer)

	api := router.Group("/api/v1")
	api.Use(
		middleware.IdempotencyMiddleware(store, cfg.Idempotency.TTL, metrics, log),
		middleware.ErrorHandlerMiddleware(log),
	)
	httphandlers.NewStreamHandler(streamService, bus).SetupRoutes(api)

	if cfg.Webhook.Enabled {
		hooks := router.Group("")
		hooks.Use(middleware.ErrorHandlerMiddleware(log))
		httphandlers.NewWebhookHandler(streamService, provisioning.NewWebhookVerifier(signer), log.Named("webhook")).SetupRoutes(hooks)
	}

	return router
}
