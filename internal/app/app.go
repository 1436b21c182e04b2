// Package app provides the dispatcher application lifecycle: dependency
// wiring, startup, graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/mailroom/dispatcher/internal/alert"
	"github.com/mailroom/dispatcher/internal/api"
	"github.com/mailroom/dispatcher/internal/config"
	"github.com/mailroom/dispatcher/internal/database"
	"github.com/mailroom/dispatcher/internal/logger"
	"github.com/mailroom/dispatcher/internal/metrics"
	"github.com/mailroom/dispatcher/internal/provider"
	"github.com/mailroom/dispatcher/internal/queue"
	"github.com/mailroom/dispatcher/internal/routing"
	"github.com/mailroom/dispatcher/internal/scheduler"
	"github.com/mailroom/dispatcher/internal/tracking"
)

const (
	// DefaultShutdownTimeout is the default timeout for graceful shutdown
	DefaultShutdownTimeout = 30 * time.Second

	pingTimeout = 5 * time.Second
)

// App holds the dispatcher and all its dependencies.
type App struct {
	config      *config.Config
	logger      logger.Logger
	db          *sqlx.DB
	redisClient redis.UniversalClient
	scheduler   *scheduler.Scheduler
	httpServer  *http.Server
	version     string
}

// Options contains configuration for creating a new App
type Options struct {
	ConfigPath string
	Version    string
}

// New creates an App with every dependency initialized and connections
// verified.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	appLogger, err := logger.NewLogger(cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	appLogger = appLogger.With(
		logger.String("service", "dispatcher"),
		logger.String("version", opts.Version),
	)

	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		_ = appLogger.Sync()
		return nil, fmt.Errorf("connect to Postgres: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if pingErr := redisClient.Ping(ctx).Err(); pingErr != nil {
		_ = db.Close()
		_ = appLogger.Sync()
		return nil, fmt.Errorf("connect to Redis: %w", pingErr)
	}

	registry := prometheus.NewRegistry()
	recorder := metrics.NewPromRecorder(registry)

	jobs := database.NewJobRepository(db)
	tasks := database.NewTaskRepository(db)
	services := database.NewServiceRepository(db)
	quotas := database.NewQuotaRepository(db)

	channel := cfg.Alerts.Channel
	if channel == "" {
		channel = alert.DefaultChannel
	}
	sink := alert.NewRedisSink(redisClient, channel, appLogger)

	tracker := tracking.NewTracker(redisClient, tracking.Thresholds{
		Warning:   cfg.Alerts.WaitWarning,
		Critical:  cfg.Alerts.WaitCritical,
		Emergency: cfg.Alerts.WaitEmergency,
	}, sink, recorder, appLogger)

	sched := scheduler.New(scheduler.Config{
		SupplementInterval: cfg.Scheduler.SupplementInterval,
		ProcessInterval:    cfg.Scheduler.ProcessInterval,
		RecoveryInterval:   cfg.Scheduler.RecoveryInterval,
		CycleTimeout:       cfg.Scheduler.CycleTimeout,
		SendTimeout:        cfg.Scheduler.SendTimeout,
		BlockThreshold:     cfg.Scheduler.BlockThreshold,
		StuckTaskThreshold: cfg.Scheduler.StuckTaskThreshold,
		JobTimeout:         cfg.Scheduler.JobTimeout,
		MaxRetries:         cfg.Scheduler.MaxRetries,
		DefaultSendingRate: time.Duration(cfg.Scheduler.SendingRateDefault) * time.Second,
	}, scheduler.Deps{
		Jobs:     jobs,
		Tasks:    tasks,
		Services: services,
		Quotas:   quotas,
		Router:   routing.NewRouter(services, recorder, appLogger),
		Queues:   queue.NewStore(cfg.Scheduler.MaxQueueSize),
		Sender:   newSender(cfg.Provider, appLogger),
		Tracker:  tracker,
		Sink:     sink,
		Recorder: recorder,
		Logger:   appLogger,
	})

	engine := api.NewRouter(api.Deps{
		Scheduler: sched,
		Services:  services,
		Quotas:    quotas,
		Gatherer:  registry,
		Logger:    appLogger,
	}, cfg.Server.CORSOrigins)

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &App{
		config:      cfg,
		logger:      appLogger,
		db:          db,
		redisClient: redisClient,
		scheduler:   sched,
		httpServer:  httpServer,
		version:     opts.Version,
	}, nil
}

func newSender(cfg config.ProviderConfig, log logger.Logger) scheduler.Sender {
	if cfg.DryRun {
		log.Warn("provider dry-run enabled: jobs will be acknowledged without sending")
		return provider.Noop{}
	}
	return provider.NewClient(cfg.Config, log)
}

// Logger returns the application logger.
func (a *App) Logger() logger.Logger {
	return a.logger
}

// Run starts the HTTP server and, when configured, the scheduler loops, then
// blocks until a shutdown signal or a server error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("Starting HTTP server",
			logger.String("address", a.config.Server.Address))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if a.config.Scheduler.AutoStart {
		a.scheduler.Start(ctx)
	} else {
		a.logger.Info("Scheduler auto-start disabled; start via the control API")
	}

	return a.waitForShutdown(serverErr)
}

func (a *App) waitForShutdown(serverErr chan error) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var shutdownErr error

	select {
	case sig := <-sigChan:
		a.logger.Info("Shutting down gracefully",
			logger.String("signal", sig.String()))

	case err := <-serverErr:
		a.logger.Error("HTTP server error", logger.Error(err))
		shutdownErr = err
	}

	a.scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("HTTP server shutdown error", logger.Error(err))
		if shutdownErr == nil {
			shutdownErr = err
		}
	}

	a.logger.Info("Service stopped")
	return shutdownErr
}

// Close releases connections. Safe to call after Run returns.
func (a *App) Close() error {
	var errs []error

	if err := database.Close(a.db); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}

	return errors.Join(errs...)
}
