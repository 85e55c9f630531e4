// Command whiteflag-gateway wires the per-chain backends together and
// runs the gateway: config load, chain state store, dispatcher and its
// background listener/confirmation loops, metrics and event endpoints.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/whiteflagprotocol/whiteflag-api-core/internal/chainstate"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/config"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/dispatcher"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/events"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/zmq"
)

func main() {
	cfg := config.MustLoad()

	logger := buildLogger(cfg.LogLevel)
	defer logger.Sync()

	store, err := buildStore(cfg, logger)
	if err != nil {
		logger.Fatal("building chain state store", zap.Error(err))
	}

	bus := events.NewBus()

	d, err := dispatcher.New(cfg.Chains, store, bus, logger)
	if err != nil {
		logger.Fatal("building dispatcher", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d.Run(ctx)

	if cfg.ZMQEndpoint != "" {
		wake := make(chan struct{}, 1)
		zmqClient := zmq.New(cfg.ZMQEndpoint, wake, logger)
		zmqClient.Run()
		defer zmqClient.Stop()

		go func() {
			for range wake {
				d.WakeAll()
			}
		}()
	}

	hub := events.NewHub(bus, logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/events", hub.ServeHTTP)

	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("whiteflag-gateway: http server listening", zap.String("addr", cfg.MetricsAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("whiteflag-gateway: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func buildLogger(level string) *zap.Logger {
	var zapCfg zap.Config
	switch level {
	case "debug":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		zapCfg = zap.NewProductionConfig()
	}
	logger, err := zapCfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}

func buildStore(cfg *config.Config, logger *zap.Logger) (chainstate.Store, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Info("whiteflag-gateway: no DATABASE_URL set, using in-memory chain state store")
		return chainstate.NewMemoryStore(), nil
	}

	dbType := os.Getenv("DATABASE_TYPE")
	if dbType == "" {
		dbType = "postgres"
	}
	return chainstate.NewSQLStore(context.Background(), chainstate.SQLConfig{Type: dbType, URL: dbURL}, logger)
}
