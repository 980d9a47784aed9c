/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the card ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML, environment, flags)
  2. Build the zap logger
  3. Open the store (memory, sqlite or postgres)
  4. Construct the engine and API handler
  5. Start the orphan sweeper
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config     YAML config file
  -port       HTTP server port (default: 8080)
  -driver     memory | sqlite | postgres (default: sqlite)
  -db         SQLite database path (default: cards.db)
              Use ":memory:" for in-memory database
  -dsn        PostgreSQL connection string
  -log-level  debug | info | warn | error
  -scenarios  Mount the demo scenario routes (resets data on load)

ENVIRONMENT:
  SERVER_PORT, DB_DRIVER, DB_PATH, DB_SOURCE, LOG_LEVEL

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweeper
  2. Stop accepting new connections
  3. Wait for active requests to complete (shutdown timeout)
  4. Close database connection

EXAMPLES:
  ./server -db="./data/cards.db"
  ./server -driver=memory -port=3000
  DB_DRIVER=postgres DB_SOURCE=postgres://... ./server
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/card-ledger/api"
	"github.com/warp/card-ledger/card"
	"github.com/warp/card-ledger/card/store"
	"github.com/warp/card-ledger/config"
	"github.com/warp/card-ledger/logging"
	"github.com/warp/card-ledger/store/postgres"
	"github.com/warp/card-ledger/store/sqlite"
	"go.uber.org/zap"
)

// backend is everything the server needs from a store.
type backend interface {
	card.Store
	api.SweepStore
	api.Resetter
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Initialize store
	db, closeStore, err := openStore(context.Background(), cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer closeStore()
	logger.Info("store ready", zap.String("driver", cfg.Database.Driver))

	retries := cfg.Idempotency.ConflictRetries
	if retries == 0 {
		retries = -1
	}
	engine := card.NewEngine(db, card.Config{
		Coordinator: card.CoordinatorConfig{
			PollInterval: cfg.Idempotency.PollInterval,
			MaxWait:      cfg.Idempotency.MaxWait,
		},
		ConflictRetries: retries,
		Logger:          logger.Named("engine"),
	})

	handler := api.NewHandler(engine, logger.Named("http"))
	if cfg.Server.Scenarios {
		handler.EnableScenarios(db)
		logger.Warn("demo scenarios enabled, loading one resets the store")
	}
	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.Server.AllowedOrigins})

	sweeper := api.NewOrphanSweeper(db, logger)
	sweeper.Enabled = cfg.Sweeper.Enabled
	sweeper.CheckInterval = cfg.Sweeper.Interval
	sweeper.Grace = cfg.Sweeper.Grace
	sweeper.Purge = cfg.Sweeper.Purge
	sweeper.Start()
	defer sweeper.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (backend, func() error, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemory(), func() error { return nil }, nil
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.Source)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
