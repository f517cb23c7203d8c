// notifier-consumer is a small ops-facing demo binary: it durably
// consumes the CHAIN_BLOCKS JetStream stream internal/notify publishes
// to and logs each newly confirmed block. It carries no query API of
// its own and keeps no state beyond the JetStream durable consumer's
// own delivery tracking. Adapted from the teacher's cmd/consumer,
// stripped of its event-decoding/Postgres-write path since block
// confirmations need no further storage here.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/intuition-systems/chain-indexer/internal/notify"
	"github.com/intuition-systems/chain-indexer/internal/util"
	"github.com/intuition-systems/chain-indexer/pkg/config"
)

const (
	serviceName  = "chain-indexer-notifier-consumer"
	streamName   = "CHAIN_BLOCKS"
	consumerName = "notifier-consumer"
)

var (
	blocksConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intuition_indexer_notifications_consumed_total",
		Help: "Total number of block-confirmed notifications consumed",
	})

	consumeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intuition_indexer_notification_consume_errors_total",
		Help: "Total number of notification consume errors",
	})
)

func main() {
	logger := util.InitLogger(serviceName)
	logger.Info().Msg("starting notifier consumer")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	util.SetLogLevel(logger, cfg.LogLevel)

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create jetstream context")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer, err := js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    3,
		AckWait:       30 * time.Second,
		FilterSubject: "CHAIN.BLOCKS.>",
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create consumer")
	}
	logger.Info().Str("stream", streamName).Str("consumer", consumerName).Msg("created consumer")

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

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	consCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := processMessage(msg, logger); err != nil {
			consumeErrors.Inc()
			logger.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to process notification")
			msg.Nak()
			return
		}
		blocksConsumed.Inc()
		msg.Ack()
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start consuming")
	}
	defer consCtx.Stop()

	logger.Info().Msg("consumer started, waiting for block notifications")

	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

func processMessage(msg jetstream.Msg, logger zerolog.Logger) error {
	var block notify.BlockConfirmed
	if err := json.Unmarshal(msg.Data(), &block); err != nil {
		return err
	}

	logger.Info().
		Uint64("block", block.Number).
		Uint64("timestamp", block.Timestamp).
		Int("transaction_count", block.TransactionCount).
		Msg("block confirmed")

	return nil
}
