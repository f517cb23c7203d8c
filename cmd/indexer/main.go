// Main indexer service: wires the Chain Source, Batch Fetcher,
// Progress Store, local stage buffer, and block-confirmed notifier
// into the Ingestion Controller, then serves metrics and health over
// HTTP until asked to shut down.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/intuition-systems/chain-indexer/internal/chain"
	"github.com/intuition-systems/chain-indexer/internal/controller"
	"github.com/intuition-systems/chain-indexer/internal/fetcher"
	"github.com/intuition-systems/chain-indexer/internal/notify"
	"github.com/intuition-systems/chain-indexer/internal/stage"
	"github.com/intuition-systems/chain-indexer/internal/store"
	"github.com/intuition-systems/chain-indexer/internal/util"
	"github.com/intuition-systems/chain-indexer/pkg/config"
)

const serviceName = "chain-indexer"

func main() {
	logger := util.InitLogger(serviceName)
	logger.Info().Msg("starting chain indexer")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	util.SetLogLevel(logger, cfg.LogLevel)

	logger.Info().
		Str("rpc_http", cfg.RPCHTTPURL).
		Uint64("batch_size", cfg.BatchSize).
		Int("db_max_connections", cfg.DBMaxConnections).
		Msg("loaded configuration")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chainSource, err := chain.NewClient(cfg.RPCHTTPURL, cfg.RPCWSURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create chain source")
	}
	defer chainSource.Close()

	progressStore, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConnections, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open progress store")
	}
	defer progressStore.Close()

	stageBuf, err := stage.Open(cfg.StageDBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open local stage buffer")
	}
	defer stageBuf.Close()

	publisher, err := notify.NewPublisher(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create notify publisher")
	}
	defer publisher.Close()

	batchFetcher := fetcher.New(chainSource, logger)

	ctrl := controller.New(batchFetcher, progressStore, stageBuf, publisher, cfg.BatchSize, logger)

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddress,
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info().Str("address", cfg.MetricsAddress).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	healthServer := &http.Server{
		Addr:    cfg.HealthAddress,
		Handler: http.HandlerFunc(healthCheckHandler(ctrl, publisher)),
	}
	go func() {
		logger.Info().Str("address", cfg.HealthAddress).Msg("starting health check server")
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health check server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- ctrl.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errChan:
		if err != nil {
			logger.Error().Err(err).Msg("controller stopped")
		}
	}

	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("health server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

// healthCheckHandler reports the controller's cursor/head/mode
// alongside the notify publisher's connection state.
func healthCheckHandler(ctrl *controller.Controller, pub *notify.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !ctrl.Healthy() || !pub.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "unhealthy\n")
			return
		}

		cursor, head, mode, _ := ctrl.GetStatus()
		behind := uint64(0)
		if head > cursor {
			behind = head - cursor
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "healthy\nmode: %s\ncursor: %d\nhead: %d\nbehind: %d\n",
			mode.String(), cursor, head, behind)
	}
}
