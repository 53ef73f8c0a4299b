package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpadapter "github.com/couchcryptid/strike-mesh/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/strike-mesh/internal/adapter/kafka"
	"github.com/couchcryptid/strike-mesh/internal/bridge"
	"github.com/couchcryptid/strike-mesh/internal/config"
	"github.com/couchcryptid/strike-mesh/internal/eventlog"
	"github.com/couchcryptid/strike-mesh/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	log, err := eventlog.Create(cfg.EventLogPath)
	if err != nil {
		logger.Error("failed to open event log", "path", cfg.EventLogPath, "error", err)
		os.Exit(1)
	}

	// Kafka publishing of accepted strikes (feature-flagged via
	// KAFKA_ENABLED / KAFKA_BROKERS / KAFKA_TOPIC).
	var publisher bridge.Publisher
	var kafkaPublisher *kafkaadapter.Publisher
	if cfg.KafkaEnabled {
		kafkaPublisher = kafkaadapter.NewPublisher(cfg, logger)
		publisher = kafkaPublisher
		metrics.KafkaEnabled.Set(1)
		logger.Info("kafka publishing enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	} else {
		logger.Info("kafka publishing disabled")
	}

	srv := bridge.NewServer(cfg.BridgeListenAddr, log, publisher, logger, metrics)
	httpSrv := httpadapter.NewServer(cfg.HTTPAddr, srv, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start HTTP server.
	go func() {
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start bridge listener.
	go func() {
		if err := srv.Run(ctx); err != nil {
			logger.Error("bridge server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if kafkaPublisher != nil {
		if err := kafkaPublisher.Close(); err != nil {
			logger.Error("kafka publisher close error", "error", err)
		}
	}
	if err := log.Close(); err != nil {
		logger.Error("event log close error", "error", err)
	}

	logger.Info("shutdown complete")
}
