package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/telhawk-systems/telhawk-billing/billing/internal/config"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/dispatch"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/dlq"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/handlers"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/ratelimit"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/repository"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/server"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/service"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/signature"
	"github.com/telhawk-systems/telhawk-billing/common/logging"
	"github.com/telhawk-systems/telhawk-billing/common/messaging"

	natsclient "github.com/telhawk-systems/telhawk-billing/common/messaging/nats"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("billing"))
	logging.SetDefault(logger)

	slog.Info("Starting Billing service",
		slog.Int("port", cfg.Server.Port),
		slog.String("webhook_path", cfg.Webhook.Path),
		slog.String("log_level", cfg.Logging.Level),
		slog.String("log_format", cfg.Logging.Format),
	)
	if *configPath != "" {
		slog.Info("Loaded configuration", slog.String("config_path", *configPath))
	}

	// Initialize repository
	repo, err := newRepository(cfg)
	if err != nil {
		slog.Error("Failed to initialize repository", logging.Error(err))
		os.Exit(1)
	}
	defer repo.Close()

	// NATS carries billing notifications and, with the jetstream backend, the DLQ
	var (
		publisher messaging.Publisher = messaging.NoopPublisher{}
		jsClient  *natsclient.JetStreamClient
	)
	if cfg.NATS.Enabled {
		jsClient, err = natsclient.NewJetStreamClient(natsclient.Config{URL: cfg.NATS.URL})
		if err != nil {
			slog.Error("Failed to connect to NATS", slog.String("url", cfg.NATS.URL), logging.Error(err))
			os.Exit(1)
		}
		defer jsClient.Drain()
		publisher = jsClient
		slog.Info("Connected to NATS", slog.String("url", cfg.NATS.URL))
	} else {
		slog.Info("NATS disabled - billing notifications will not be published")
	}

	// Initialize Dead Letter Queue
	var dlqWriter dlq.Writer
	if cfg.DLQ.Enabled {
		switch cfg.DLQ.Backend {
		case "jetstream":
			if jsClient == nil {
				slog.Error("dlq.backend=jetstream requires nats.enabled")
				os.Exit(1)
			}
			jsDLQ, err := dlq.NewJetStreamQueue(context.Background(), jsClient)
			if err != nil {
				slog.Error("Failed to initialize JetStream DLQ", logging.Error(err))
				os.Exit(1)
			}
			dlqWriter = jsDLQ
			slog.Info("Dead Letter Queue enabled", slog.String("backend", "jetstream"))
		case "file":
			fileDLQ, err := dlq.NewQueue(cfg.DLQ.BasePath)
			if err != nil {
				slog.Error("Failed to initialize file DLQ", logging.Error(err))
				os.Exit(1)
			}
			dlqWriter = fileDLQ
			slog.Info("Dead Letter Queue enabled",
				slog.String("backend", "file"),
				slog.String("path", cfg.DLQ.BasePath),
			)
			slog.Warn("File-based DLQ does not support multiple billing instances")
		}
	} else {
		slog.Info("Dead Letter Queue disabled")
	}

	// Initialize rate limiter
	var rateLimiter ratelimit.RateLimiter = &ratelimit.NoOpRateLimiter{}
	if cfg.Redis.Enabled && cfg.RateLimit.Enabled {
		limiter, err := ratelimit.NewRedisRateLimiter(cfg.Redis.URL, cfg.RateLimit.Requests, cfg.RateLimit.Window)
		if err != nil {
			slog.Warn("Failed to initialize Redis rate limiter, continuing without rate limiting", logging.Error(err))
		} else {
			rateLimiter = limiter
			slog.Info("Rate limiting enabled",
				slog.Int("requests", cfg.RateLimit.Requests),
				slog.Duration("window", cfg.RateLimit.Window),
			)
		}
	}
	defer rateLimiter.Close()

	// Signature verification
	verifier, err := signature.New(signature.Config{
		Secret:          cfg.Webhook.SigningSecret,
		Tolerance:       cfg.Webhook.Tolerance,
		AllowUnverified: cfg.Webhook.AllowUnverified,
	}, logger.Logger)
	if err != nil {
		slog.Error("Failed to initialize signature verifier", logging.Error(err))
		os.Exit(1)
	}
	if verifier.Unverified() {
		slog.Warn("SIGNATURE VERIFICATION DISABLED: webhook.allow_unverified is set and no signing secret is configured")
	}

	// Handler registry and dispatch
	billingService := service.NewBillingService(repo, publisher, logger.Logger)
	registry, err := dispatch.NewRegistry(billingService.Handlers())
	if err != nil {
		slog.Error("Failed to build handler registry", logging.Error(err))
		os.Exit(1)
	}
	slog.Info("Registered webhook handlers", slog.Any("event_types", registry.Types()))

	dispatcher := dispatch.NewRouter(registry, dispatch.RouterConfig{
		Timeout: cfg.Webhook.HandlerTimeout,
		DLQ:     dlqWriter,
		Logger:  logger.Logger,
	})

	// Initialize HTTP handlers
	handler := handlers.NewWebhookHandler(handlers.Options{
		Verifier:     verifier,
		Dispatcher:   dispatcher,
		Limiter:      rateLimiter,
		Ready:        repo,
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
		Logger:       logger.Logger,
	})
	router := server.NewRouter(cfg.Webhook.Path, handler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Billing service listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", logging.Error(err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Shutdown waits for requests, which includes their dispatch stage.
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", logging.Error(err))
	}
	if err := dispatcher.Wait(ctx); err != nil {
		slog.Warn("Abandoned handlers still running at exit", logging.Error(err))
	}

	slog.Info("Server exited")
}

func newRepository(cfg *config.Config) (repository.Repository, error) {
	if cfg.Database.Type == "memory" {
		slog.Warn("Using in-memory repository: ledger and entitlements are lost on restart")
		return repository.NewInMemoryRepository(), nil
	}

	connString := cfg.Database.Postgres.ConnString()

	slog.Info("Running database migrations", slog.String("source", cfg.Database.MigrationsPath))
	m, err := migrate.New(cfg.Database.MigrationsPath, connString)
	if err != nil {
		return nil, fmt.Errorf("initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		slog.Warn("Could not get migration version", logging.Error(err))
	} else {
		slog.Info("Database migration complete",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
	}
	if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
		slog.Warn("Failed to close migration handles", slog.Any("source_error", srcErr), slog.Any("db_error", dbErr))
	}

	repo, err := repository.NewPostgresRepository(context.Background(), connString)
	if err != nil {
		return nil, err
	}
	slog.Info("Connected to PostgreSQL",
		slog.String("host", cfg.Database.Postgres.Host),
		slog.String("database", cfg.Database.Postgres.Database),
	)
	return repo, nil
}
