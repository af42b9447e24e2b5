/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the referral commission engine.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env, parse flags and environment
  2. Build the zap logger
  3. Open the store (SQLite or Postgres)
  4. Wire rates, metrics, notification hub and dispatcher
  5. Start the failed dispatch retry scheduler
  6. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS (env fallback in parentheses):
  -port               HTTP server port (PORT, default 8080)
  -db-type            sqlite | postgres (DATABASE_TYPE, default sqlite)
  -db                 SQLite path or Postgres DSN (DATABASE_URL)
  -comissao-resposta  Default response commission (COMISSAO_RESPOSTA, 2.00)
  -comissao-venda     Default sale commission (COMISSAO_VENDA, 15.00)
  -retry-interval     Failure replay interval (RETRY_INTERVAL, 1m)
  -log-production     JSON logs (LOG_PRODUCTION)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections and end open SSE streams
  2. Wait for active requests to complete (30s timeout)
  3. Stop the retry scheduler
  4. Close database connection

EXAMPLES:
  ./server -db=":memory:"
  DATABASE_TYPE=postgres DATABASE_URL=postgres://... ./server
*/
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/config"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/logging"
	"github.com/warp/commission-engine/metrics"
	"github.com/warp/commission-engine/notify"
	"github.com/warp/commission-engine/referral"
	"github.com/warp/commission-engine/store/postgres"
	"github.com/warp/commission-engine/store/sqlite"
)

// appStore is every storage capability the server wires.
type appStore interface {
	api.Store
	generic.TxStore
	generic.SettingsStore
	io.Closer
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Printf("Warning: failed to load .env: %v", err)
	}

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.New(cfg.LogProduction)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	store, err := openStore(cfg)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.String("type", cfg.DatabaseType), zap.Error(err))
	}
	defer store.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	hub := notify.NewHub(logger.Named("notify"))
	metrics.RegisterHub(prometheus.DefaultRegisterer, hub)
	rates := config.NewSettingsRates(store, cfg.Rates)

	dispatcher := referral.NewDispatcher(store, rates,
		referral.WithLogger(logger.Named("dispatcher")),
		referral.WithPublisher(hub),
		referral.WithMetrics(m),
	)

	retry, err := api.NewRetryScheduler(dispatcher, store, cfg.RetryInterval, logger.Named("retry"))
	if err != nil {
		logger.Fatal("failed to create retry scheduler", zap.Error(err))
	}
	retry.Start()

	handler := api.NewHandler(dispatcher, store, rates, hub, retry, logger.Named("api"))
	router := api.NewRouter(handler, api.RouterOptions{Metrics: promhttp.Handler()})

	server := newHTTPServer(fmt.Sprintf(":%d", cfg.Port), router)

	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Port),
			zap.String("database", cfg.DatabaseType),
			zap.String("comissao_resposta", cfg.Rates.Response.String()),
			zap.String("comissao_venda", cfg.Rates.Sale.String()),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if err := retry.Stop(); err != nil {
		logger.Error("retry scheduler shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

// newHTTPServer derives every request context from one base context that
// Shutdown cancels, so SSE streams return instead of holding Shutdown until
// its timeout.
func newHTTPServer(addr string, handler http.Handler) *http.Server {
	baseCtx, cancel := context.WithCancel(context.Background())

	// No WriteTimeout: the SSE stream is long-lived.
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	server.RegisterOnShutdown(cancel)
	return server
}

func openStore(cfg config.Config) (appStore, error) {
	if cfg.DatabaseType == config.DatabasePostgres {
		s, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := sqlite.New(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return s, nil
}
