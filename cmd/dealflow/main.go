package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"dealflow/internal/common/database"
	"dealflow/internal/common/events"
	"dealflow/internal/common/metrics"
	"dealflow/internal/common/middleware"
	"dealflow/internal/common/money"
	"dealflow/internal/common/nats"
	"dealflow/internal/deals"
	dealsapi "dealflow/internal/deals/api"
	"dealflow/internal/ledger"
	ledgerapi "dealflow/internal/ledger/api"
	"dealflow/internal/negotiation"
	negotiationapi "dealflow/internal/negotiation/api"
	"dealflow/internal/payments"
	paymentsapi "dealflow/internal/payments/api"
	"dealflow/internal/payments/gateway"
	"dealflow/internal/store"
	"dealflow/internal/store/memstore"
	"dealflow/internal/store/postgres"
)

// Config holds service configuration
type Config struct {
	Port         int    `envconfig:"DEALFLOW_PORT" default:"8080"`
	Environment  string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"LOG_FORMAT" default:"json"`
	StoreDriver  string `envconfig:"STORE_DRIVER" default:"postgres"`
	MaxBodyBytes int64  `envconfig:"MAX_BODY_BYTES" default:"1048576"`

	Database database.Config
	NATS     nats.Config
	Gateway  gateway.Config
	Auth     middleware.AuthConfig
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Open the store
	var (
		st     store.Store
		health = func(context.Context) error { return nil }
	)
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.Database.URL == "" {
			logger.Error("DATABASE_URL is required for the postgres store")
			os.Exit(1)
		}
		if cfg.Database.AutoMigrate {
			if err := database.Migrate(cfg.Database.URL, postgres.Migrations, postgres.MigrationsDir, logger); err != nil {
				logger.Error("failed to migrate database", "error", err)
				os.Exit(1)
			}
		}
		db, err := database.New(ctx, cfg.Database, logger)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		st = postgres.New(db)
		health = db.HealthCheck
	case "memory":
		logger.Warn("using the in-memory store; data is lost on restart")
		st = memstore.New()
	default:
		logger.Error("unknown store driver", "driver", cfg.StoreDriver)
		os.Exit(1)
	}

	// Event publishing
	var publisher events.Publisher = events.NopPublisher{}
	ready := func() error { return nil }
	if cfg.NATS.Enabled {
		nc, err := nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		if err := nc.EnsureEventStream(ctx, cfg.NATS.Stream); err != nil {
			logger.Error("failed to create event stream", "error", err)
			os.Exit(1)
		}
		publisher = nats.NewPublisher(nc, logger)
		ready = nc.HealthCheck
	}
	emitter := events.NewEmitter(publisher, logger)
	m := metrics.New()

	gw, err := gateway.NewStripe(cfg.Gateway, m, logger)
	if err != nil {
		logger.Error("failed to create payment gateway", "error", err)
		os.Exit(1)
	}
	defaultCurrency, err := money.ParseCurrency(cfg.Gateway.DefaultCurrency)
	if err != nil {
		logger.Error("invalid default currency", "currency", cfg.Gateway.DefaultCurrency, "error", err)
		os.Exit(1)
	}

	// Create services
	negotiationService := negotiation.NewService(st, deals.NewConverter(), emitter, m, logger)
	dealService := deals.NewService(st, emitter, logger)
	paymentService := payments.NewService(st, gw, emitter, m, logger)
	ledgerService := ledger.NewService(st, gw, emitter, logger, defaultCurrency)

	// Create handlers
	negotiationHandler := negotiationapi.NewHandler(negotiationService, logger)
	dealHandler := dealsapi.NewHandler(dealService, logger)
	paymentHandler := paymentsapi.NewHandler(paymentService, logger)
	ledgerHandler := ledgerapi.NewHandler(ledgerService, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.BodyLimit(cfg.MaxBodyBytes))
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := ready(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not ready"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Handle("/metrics", m.Handler())

	// API routes
	authenticate := middleware.Authenticate(cfg.Auth)
	r.Route("/api/v1", func(r chi.Router) {
		r.With(authenticate).Mount("/offers", negotiationHandler.Routes())
		r.With(authenticate).Mount("/deals", dealHandler.Routes())

		r.Route("/payments", func(r chi.Router) {
			// authenticated by the processor's signature
			r.Post("/webhook", paymentHandler.Webhook)

			paymentRoutes := paymentHandler.Routes()
			ledgerHandler.Register(paymentRoutes)
			r.With(authenticate).Mount("/", paymentRoutes)
		})
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting dealflow service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"store", cfg.StoreDriver,
			"nats", cfg.NATS.Enabled,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
