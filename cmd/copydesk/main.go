// Command copydesk launches the copy-trading replication service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/copydesk/internal/app/accounts"
	"github.com/coachpo/copydesk/internal/app/reconcile"
	"github.com/coachpo/copydesk/internal/app/replication"
	"github.com/coachpo/copydesk/internal/app/risk"
	"github.com/coachpo/copydesk/internal/app/session"
	"github.com/coachpo/copydesk/internal/domain/account"
	"github.com/coachpo/copydesk/internal/domain/orderstore"
	"github.com/coachpo/copydesk/internal/infra/broker"
	"github.com/coachpo/copydesk/internal/infra/bus/eventbus"
	"github.com/coachpo/copydesk/internal/infra/bus/kafkasink"
	"github.com/coachpo/copydesk/internal/infra/config"
	"github.com/coachpo/copydesk/internal/infra/persistence"
	"github.com/coachpo/copydesk/internal/infra/persistence/memory"
	"github.com/coachpo/copydesk/internal/infra/persistence/migrations"
	"github.com/coachpo/copydesk/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/copydesk/internal/infra/server/http"
	"github.com/coachpo/copydesk/internal/infra/telemetry"
	"github.com/coachpo/copydesk/internal/observability"
	"github.com/coachpo/copydesk/lib/async"
)

const (
	defaultConfigPath        = "config/app.yaml"
	defaultEnvFile           = ".env"
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	reconcileStopTimeout     = 5 * time.Second
	fanoutShutdownTimeout    = 10 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	busShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
	postgresPoolName         = "copydesk"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPathFlag, envFile := parseFlags()
	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zapLogger, err := observability.NewZapLogger(appCfg.Logging.Level, string(appCfg.Environment))
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	observability.SetLogger(zapLogger)
	logger := zapLogger.Named("copydesk")

	if !loadedFromFile {
		logger.Info("configuration file not found, using defaults")
	}
	logger.Info("configuration initialised",
		observability.Field{Key: "environment", Value: string(appCfg.Environment)},
		observability.Field{Key: "storage", Value: string(appCfg.Storage.Backend)},
		observability.Field{Key: "reconcile_mode", Value: string(appCfg.Reconcile.Mode)},
	)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		return err
	}

	stores, err := openStores(ctx, appCfg, zapLogger)
	if err != nil {
		return err
	}
	defer stores.close()

	gateway := broker.New(broker.Options{
		BaseURL:           appCfg.Broker.BaseURL,
		PlaceBaseURL:      appCfg.Broker.PlaceBaseURL,
		Timeout:           appCfg.Broker.Timeout,
		RequestsPerSecond: appCfg.Broker.RequestsPerSecond,
		Burst:             appCfg.Broker.Burst,
		Logger:            zapLogger.Named("broker"),
	})

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:      appCfg.Eventbus.BufferSize,
		FanoutWorkers:   appCfg.Eventbus.FanoutWorkers.Resolve(4),
		DeliveryTimeout: appCfg.Eventbus.DeliveryTimeout,
		Logger:          zapLogger.Named("eventbus"),
	})

	sink, err := startKafkaSink(ctx, appCfg.Kafka, bus, zapLogger)
	if err != nil {
		return err
	}

	registry := accounts.NewRegistry(stores.links, gateway, zapLogger.Named("accounts"))
	sessions := session.NewStore(gateway, zapLogger.Named("session"))

	limits, err := riskLimits(appCfg.Risk)
	if err != nil {
		return err
	}
	var riskChecker replication.RiskChecker
	if limits.Enabled() {
		riskChecker = risk.NewManager(limits)
	}

	fanout, err := async.NewPool(appCfg.Replication.FanoutWorkers.Resolve(4), appCfg.Replication.FanoutQueue)
	if err != nil {
		return fmt.Errorf("init fan-out pool: %w", err)
	}
	engine, err := replication.New(replication.Options{
		Broker:    gateway,
		Orders:    stores.orders,
		Accounts:  registry,
		Publisher: bus,
		Pool:      fanout,
		Risk:      riskChecker,
		TagPrefix: appCfg.Replication.TagPrefix,
		Logger:    zapLogger.Named("replication"),
	})
	if err != nil {
		return fmt.Errorf("init replication engine: %w", err)
	}

	loop, err := reconcile.New(reconcile.Options{
		Store:     stores.orders,
		Publisher: bus,
		Source:    reconcileSource(appCfg.Reconcile, gateway, sessions, registry, zapLogger),
		Interval:  appCfg.Reconcile.Interval,
		MinAge:    appCfg.Reconcile.MinAge,
		Logger:    zapLogger.Named("reconcile"),
	})
	if err != nil {
		return fmt.Errorf("init reconcile loop: %w", err)
	}
	loop.Start(ctx)

	var lifecycle conc.WaitGroup
	apiServer := buildAPIServer(appCfg.APIServer, httpserver.Options{
		Trading:        engine,
		Sessions:       sessions,
		Bus:            bus,
		Health:         stores.health,
		AllowedOrigins: appCfg.APIServer.AllowedOrigins,
		Logger:         zapLogger.Named("http"),
	})
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Info("api listening", observability.Field{Key: "addr", Value: apiServer.Addr})

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		reconcile:  loop,
		engine:     engine,
		fanout:     fanout,
		lifecycle:  &lifecycle,
		sink:       sink,
		bus:        bus,
		telemetry:  telemetryProvider,
	})
	logger.Info("shutdown completed", observability.Field{Key: "elapsed", Value: time.Since(shutdownStart).String()})
	return nil
}

func parseFlags() (string, string) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	envFile := flag.String("env-file", defaultEnvFile, "Optional dotenv file loaded before configuration")
	flag.Parse()
	return *cfgPath, *envFile
}

// loadEnvFile loads dotenv overrides; a missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger observability.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics
	telemetryCfg.Enabled = cfg.EnableMetrics && cfg.OTLPEndpoint != ""
	telemetry.SetEnvironment(string(env))

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Info("telemetry initialized",
			observability.Field{Key: "endpoint", Value: telemetryCfg.OTLPEndpoint},
			observability.Field{Key: "service", Value: telemetryCfg.ServiceName},
		)
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

type storeSet struct {
	orders orderstore.Store
	links  account.Store
	health func(context.Context) error
	close  func()
}

func openStores(ctx context.Context, cfg config.AppConfig, logger *observability.ZapLogger) (storeSet, error) {
	if cfg.Storage.Backend != config.StoragePostgres {
		return storeSet{
			orders: memory.NewOrderStore(),
			links:  memory.NewAccountStore(),
			close:  func() {},
		}, nil
	}

	db := cfg.Database
	if db.RunMigrations {
		if err := migrations.Apply(ctx, db.DSN, db.MigrationsPath, logger.Named("migrations")); err != nil {
			return storeSet{}, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := persistence.Connect(ctx, db.DSN, persistence.PoolOptions{
		MaxConns:          db.MaxConns,
		MinConns:          db.MinConns,
		MaxConnLifetime:   db.MaxConnLifetime,
		MaxConnIdleTime:   db.MaxConnIdleTime,
		HealthCheckPeriod: db.HealthCheckPeriod,
	}, logger.Named("persistence"))
	if err != nil {
		return storeSet{}, fmt.Errorf("connect database: %w", err)
	}
	postgres.ObservePoolMetrics(pool, postgresPoolName, logger.Named("persistence"))

	store := postgres.New(pool)
	return storeSet{
		orders: store.Orders(),
		links:  store.Accounts(),
		health: store.Ping,
		close:  pool.Close,
	}, nil
}

func startKafkaSink(ctx context.Context, cfg config.KafkaConfig, bus eventbus.Bus, logger *observability.ZapLogger) (*kafkasink.Sink, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	sink, err := kafkasink.New(bus, kafkasink.Config{Brokers: cfg.Brokers, Topic: cfg.Topic}, logger.Named("kafkasink"))
	if err != nil {
		return nil, fmt.Errorf("init kafka sink: %w", err)
	}
	if err := sink.Start(ctx); err != nil {
		return nil, fmt.Errorf("start kafka sink: %w", err)
	}
	return sink, nil
}

func riskLimits(cfg config.RiskConfig) (risk.Limits, error) {
	notional, err := cfg.MaxNotionalValue()
	if err != nil {
		return risk.Limits{}, fmt.Errorf("risk limits: %w", err)
	}
	return risk.Limits{
		MaxQuantity:   cfg.MaxQuantity,
		MaxNotional:   notional,
		OrderThrottle: cfg.OrderThrottle,
		OrderBurst:    cfg.OrderBurst,
	}, nil
}

func reconcileSource(cfg config.ReconcileConfig, book reconcile.OrderBook, sessions *session.Store, registry *accounts.Registry, logger *observability.ZapLogger) reconcile.Source {
	if cfg.Mode == config.ReconcileUpstream {
		return reconcile.NewUpstreamSource(book, credentialLookup(sessions, registry), logger.Named("reconcile"))
	}
	return reconcile.NewSimulatedSource(cfg.CompletionProbability, nil)
}

// credentialLookup prefers a logged-in user's live session and falls back to the credential
// stored on a child link.
func credentialLookup(sessions *session.Store, registry *accounts.Registry) reconcile.CredentialLookup {
	return func(ctx context.Context, ownerID string) (string, bool, error) {
		if credential, ok := sessions.Credential(ownerID); ok {
			return credential, true, nil
		}
		return registry.LookupChildCredential(ctx, ownerID)
	}
}

func buildAPIServer(cfg config.APIServerConfig, opts httpserver.Options) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(opts),
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger observability.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server stopped", observability.Field{Key: "error", Value: err})
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	reconcile  *reconcile.Loop
	engine     *replication.Engine
	fanout     *async.Pool
	lifecycle  *conc.WaitGroup
	sink       *kafkasink.Sink
	bus        eventbus.Bus
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", observability.Field{Key: "step", Value: name}, observability.Field{Key: "error", Value: err})
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", apiServerShutdownTimeout, cfg.server.Shutdown)
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.reconcile != nil {
		shutdownStep("stopping reconcile loop", reconcileStopTimeout, cfg.reconcile.Stop)
	}
	if cfg.engine != nil {
		shutdownStep("closing replication engine", fanoutShutdownTimeout, cfg.engine.Close)
	}
	if cfg.fanout != nil {
		shutdownStep("draining fan-out pool", fanoutShutdownTimeout, cfg.fanout.Shutdown)
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitWithContext(stepCtx, cfg.lifecycle.Wait)
		})
	}

	if cfg.sink != nil {
		shutdownStep("closing kafka sink", busShutdownTimeout, func(context.Context) error {
			return cfg.sink.Close()
		})
	}

	if cfg.bus != nil {
		shutdownStep("closing notification bus", busShutdownTimeout, func(stepCtx context.Context) error {
			return waitWithContext(stepCtx, cfg.bus.Close)
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}

func waitWithContext(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting: %w", ctx.Err())
	}
}
