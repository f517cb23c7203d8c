// Package notify publishes a lightweight "block confirmed" event for
// every block the Controller persists, so downstream consumers learn
// about freshly confirmed blocks with minimal lag (spec.md §1 purpose
// statement) without this indexer exposing any query surface of its
// own (the Non-goal spec.md §1 names). Adapted from the teacher's
// internal/nats/publisher.go, stripped of its Polymarket event-subject
// routing and narrowed to one fixed subject prefix (CHAIN.BLOCKS.<number>).
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	streamName    = "CHAIN_BLOCKS"
	subjectPrefix = "CHAIN.BLOCKS"
	createTimeout = 10 * time.Second
)

// BlockConfirmed is the notification payload: just enough for a
// consumer to know a block landed, never enough to serve as a query
// API in its own right.
type BlockConfirmed struct {
	Number           uint64 `json:"number"`
	Timestamp        uint64 `json:"timestamp"`
	TransactionCount int    `json:"transaction_count"`
}

// Publisher publishes BlockConfirmed notifications to a NATS
// JetStream stream with per-block-number deduplication, so an
// at-least-once crash-replay (spec §7) doesn't fan out duplicate
// notifications downstream.
type Publisher struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	logger zerolog.Logger
}

// NewPublisher connects to NATS and ensures the block-notification
// stream exists.
func NewPublisher(natsURL string, logger zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("chain-indexer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), createTimeout)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Duplicates: 20 * time.Minute,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	logger.Info().Str("stream", streamName).Msg("notify publisher initialized")

	return &Publisher{js: js, nc: nc, logger: logger.With().Str("component", "notify").Logger()}, nil
}

// PublishBlock publishes one block-confirmed notification. The
// message ID is "block-<number>", so re-publishing the same block
// after a crash-replay is deduplicated by JetStream.
func (p *Publisher) PublishBlock(ctx context.Context, number, timestamp uint64, txCount int) error {
	subject := fmt.Sprintf("%s.%d", subjectPrefix, number)

	data, err := json.Marshal(BlockConfirmed{Number: number, Timestamp: timestamp, TransactionCount: txCount})
	if err != nil {
		return fmt.Errorf("failed to marshal block notification: %w", err)
	}

	msgID := fmt.Sprintf("block-%d", number)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("failed to publish block notification: %w", err)
	}
	return nil
}

// Healthy reports whether the NATS connection is currently up.
func (p *Publisher) Healthy() bool {
	return p.nc != nil && p.nc.IsConnected()
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info().Msg("notify publisher closed")
	}
}
