/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the circulation engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Set up structured logging
  3. Load the circulation policy (defaults, optionally overlaid by a JSON file)
  4. Initialize the store (SQLite or in-memory)
  5. Create the desk service, API handler and router
  6. Start the background sweeper
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port            HTTP server port (default: 8080)
  -db              SQLite database path (default: circulation.db)
                   Use ":memory:" for an in-memory SQLite database
  -store           "sqlite" or "memory" (default: sqlite)
  -policy          JSON policy file; missing fields keep their defaults
  -sweep-interval  How often the sweeper runs; 0 disables it (default: 15m)
  -scenario        Demo scenario to load at startup
  -log             Also append logs to this file
  -debug           Log at debug level

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweeper
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ./server -db="./data/library.db" -policy=policy.json
  ./server -store=memory -scenario=reservation-queue
  ./server -sweep-interval=1m -log=server.log

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/circulation-engine/api"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/circulation/store"
	"github.com/warp/circulation-engine/desk"
	"github.com/warp/circulation-engine/factory"
	"github.com/warp/circulation-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "circulation.db", "SQLite database path")
	storeKind := flag.String("store", "sqlite", "storage backend: sqlite or memory")
	policyPath := flag.String("policy", "", "JSON policy file")
	sweepInterval := flag.Duration("sweep-interval", 15*time.Minute, "sweeper interval (0 disables)")
	scenario := flag.String("scenario", "", "demo scenario to load at startup")
	logPath := flag.String("log", "", "also append logs to this file")
	debug := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	logger, cleanup, err := setupLogger(*logPath, *debug)
	if err != nil {
		return err
	}
	defer cleanup()

	policies := factory.NewPolicyFactory()
	policy := policies.Base
	if *policyPath != "" {
		if policy, err = policies.LoadFile(*policyPath); err != nil {
			return fmt.Errorf("loading policy: %w", err)
		}
	}
	logger.Info("policy loaded",
		"fine_per_day", policy.FinePerDay.String(),
		"loan_days", policy.DefaultLoanDays,
		"max_renewals", policy.MaxRenewals)

	st, closeStore, err := openStore(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer closeStore()

	svc := desk.NewService(st, circulation.SystemClock{}, policy, logger)
	handler := api.NewHandler(svc, st)
	handler.PolicyFactory = policies

	if *scenario != "" {
		if err := handler.LoadScenarioByID(context.Background(), *scenario); err != nil {
			return err
		}
	}

	sweeper := api.NewSweeper(svc, logger)
	sweeper.CheckInterval = *sweepInterval
	sweeper.Enabled = *sweepInterval > 0
	handler.Sweeper = sweeper
	sweeper.Start()
	defer sweeper.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "store", *storeKind)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	sweeper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// openStore returns the configured backend and a close function.
func openStore(kind, dbPath string) (api.Store, func(), error) {
	switch kind {
	case "memory":
		return store.NewTxMemory(), func() {}, nil
	case "sqlite":
		s, err := sqlite.New(dbPath)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing database: %w", err)
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q (want sqlite or memory)", kind)
	}
}
