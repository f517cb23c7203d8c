// Package controller implements the Ingestion Controller (spec §4.2):
// the cursor-driven state machine that reconciles the persisted
// progress marker against the chain head, selects between Smart Sync
// and Live regimes, and persists every batch it fetches with
// at-least-once, no-gap durability.
//
// This is the direct generalization of the teacher's
// internal/syncer.Syncer (backfill/realtime dual-mode loop) to the
// two-regime "smart sync / live" shape spec.md and the original
// implementation's ingestion/mod.rs both specify — no confirmations
// buffer, no reorg handling, no third "catch-up" regime.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/intuition-systems/chain-indexer/internal/fetcher"
	"github.com/intuition-systems/chain-indexer/internal/notify"
	"github.com/intuition-systems/chain-indexer/internal/stage"
	"github.com/intuition-systems/chain-indexer/internal/store"
	"github.com/intuition-systems/chain-indexer/pkg/config"
	"github.com/intuition-systems/chain-indexer/pkg/models"
)

var (
	cursorHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "intuition_indexer_cursor_height",
		Help: "Last block number successfully persisted",
	})

	chainHeadHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "intuition_indexer_chain_head_height",
		Help: "Latest block number observed on the chain",
	})

	blocksBehind = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "intuition_indexer_blocks_behind",
		Help: "Gap between the chain head and the persisted cursor",
	})

	batchesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intuition_indexer_batches_processed_total",
		Help: "Total number of batches persisted in Smart Sync mode",
	})

	blocksProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intuition_indexer_blocks_processed_total",
		Help: "Total number of blocks persisted",
	})

	transactionsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intuition_indexer_transactions_processed_total",
		Help: "Total number of transactions persisted",
	})

	controllerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intuition_indexer_errors_total",
		Help: "Total number of controller errors by kind",
	}, []string{"error_type"})
)

// Controller owns the cursor and drives Smart Sync / Live.
type Controller struct {
	fetcher  *fetcher.BatchFetcher
	store    store.ProgressStore
	stageBuf *stage.Buffer      // optional: nil disables crash-resume staging
	notifier *notify.Publisher // optional: nil disables downstream notifications
	logger   zerolog.Logger

	batchSize uint64

	mu      sync.RWMutex
	cursor  uint64
	head    uint64
	mode    models.Mode
	healthy bool
}

// New creates a Controller. stageBuf and notifier may both be nil.
func New(f *fetcher.BatchFetcher, s store.ProgressStore, stageBuf *stage.Buffer, notifier *notify.Publisher, batchSize uint64, logger zerolog.Logger) *Controller {
	if batchSize == 0 {
		batchSize = 1000
	}
	return &Controller{
		fetcher:   f,
		store:     s,
		stageBuf:  stageBuf,
		notifier:  notifier,
		batchSize: batchSize,
		logger:    logger.With().Str("component", "controller").Logger(),
		healthy:   true,
	}
}

// Run is the top-level supervisor: it calls run_cycle in a loop
// forever, sleeping SupervisorBackoff after any error, until ctx is
// canceled. It returns ctx.Err() only, so callers can tell a
// deliberate shutdown apart from "it gave up" — it never gives up on
// its own.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.runCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			controllerErrors.WithLabelValues("run_cycle").Inc()
			c.setHealthy(false)
			c.logger.Error().Err(err).Msg("ingestion cycle failed, retrying")
			sleep(ctx, config.SupervisorBackoff)
			continue
		}
	}
}

// runCycle reads state and chain head once, and branches into Smart
// Sync or Live (spec §4.2).
func (c *Controller) runCycle(ctx context.Context) error {
	state, err := c.store.ReadState(ctx)
	if err != nil {
		return fmt.Errorf("failed to read ingestion state: %w", err)
	}

	head, err := c.fetcher.CurrentHead(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current head: %w", err)
	}
	c.setHead(head)

	lastProcessed := uint64(state.LastProcessedBlock)
	gap := uint64(0)
	if head > lastProcessed {
		gap = head - lastProcessed
	}

	c.logger.Info().
		Uint64("last_processed", lastProcessed).
		Uint64("head", head).
		Uint64("gap", gap).
		Str("mode", state.Mode.String()).
		Msg("evaluating ingestion cycle")

	if gap == 0 {
		return c.runLive(ctx, lastProcessed)
	}
	return c.runSmartSync(ctx, lastProcessed)
}

// runSmartSync closes the gap in batches, continuously re-evaluating
// the head, and hands off to Live mode once caught up or after two
// consecutive small batches (spec §4.2).
func (c *Controller) runSmartSync(ctx context.Context, start uint64) error {
	c.logger.Info().Uint64("start", start).Uint64("batch_size", c.batchSize).Msg("entering smart sync mode")

	if err := c.store.WriteState(ctx, int64(start), models.ModeReindex); err != nil {
		return fmt.Errorf("failed to persist reindex mode: %w", err)
	}
	c.setCursor(start, models.ModeReindex)

	cursor := start + 1
	smallBatchCount := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		head, err := c.fetcher.CurrentHead(ctx)
		if err != nil {
			controllerErrors.WithLabelValues("get_head").Inc()
			return fmt.Errorf("failed to get current head: %w", err)
		}
		c.setHead(head)

		var remaining uint64
		if head > cursor-1 {
			remaining = head - (cursor - 1)
		}

		if remaining == 0 {
			c.logger.Info().Uint64("caught_up_at", cursor-1).Msg("smart sync caught up, switching to live")
			return c.runLive(ctx, cursor-1)
		}

		n := remaining
		if n > c.batchSize {
			n = c.batchSize
		}

		blocks, err := c.fetchBatch(ctx, cursor, n)
		if err != nil {
			controllerErrors.WithLabelValues("fetch_batch").Inc()
			return fmt.Errorf("failed to fetch batch [%d, %d): %w", cursor, cursor+n, err)
		}

		if err := c.persistBatch(ctx, blocks); err != nil {
			controllerErrors.WithLabelValues("persist_batch").Inc()
			return fmt.Errorf("failed to persist batch [%d, %d): %w", cursor, cursor+n, err)
		}

		cursor += n
		if err := c.store.WriteState(ctx, int64(cursor-1), models.ModeReindex); err != nil {
			return fmt.Errorf("failed to persist ingestion state: %w", err)
		}
		c.setCursor(cursor-1, models.ModeReindex)
		batchesProcessed.Inc()

		c.logger.Info().
			Uint64("processed_to", cursor-1).
			Uint64("head", head).
			Uint64("batch_size", n).
			Msg("persisted batch")

		if n == c.batchSize {
			smallBatchCount = 0
			continue
		}

		if n < config.SmallBatchThreshold {
			smallBatchCount++
			c.logger.Info().Int("small_batch_count", smallBatchCount).Uint64("size", n).Msg("small batch observed")
			if smallBatchCount >= config.SmallBatchTolerance {
				c.logger.Info().Uint64("at", cursor-1).Msg("two small batches in a row, switching to live")
				return c.runLive(ctx, cursor-1)
			}
			sleep(ctx, config.SmallBatchPause)
		} else {
			smallBatchCount = 0
		}
	}
}

// runLive persists the mode transition and enters the polling loop.
func (c *Controller) runLive(ctx context.Context, start uint64) error {
	c.logger.Info().Uint64("start", start).Msg("entering live mode")

	if err := c.store.WriteState(ctx, int64(start), models.ModeLive); err != nil {
		return fmt.Errorf("failed to persist live mode: %w", err)
	}
	c.setCursor(start, models.ModeLive)

	return c.pollLoop(ctx, start)
}

// pollLoop is the sole authoritative Live-mode driver (spec §4.2,
// §9): a WebSocket subscription is available on the Chain Source but
// deliberately never consulted here.
func (c *Controller) pollLoop(ctx context.Context, lastBlock uint64) error {
	c.logger.Info().Dur("poll_interval", config.PollInterval).Msg("starting polling loop")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		sleep(ctx, config.PollInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		head, err := c.fetcher.CurrentHead(ctx)
		if err != nil {
			controllerErrors.WithLabelValues("poll_head").Inc()
			c.logger.Error().Err(err).Msg("failed to get current head, backing off")
			sleep(ctx, config.PollBackoff)
			continue
		}
		c.setHead(head)

		if head <= lastBlock {
			c.setHealthy(true)
			continue
		}

		fetchFailed := false
		for n := lastBlock + 1; n <= head; n++ {
			block, err := c.fetcher.FetchOne(ctx, n)
			if err != nil {
				controllerErrors.WithLabelValues("fetch_live_block").Inc()
				c.logger.Error().Err(err).Uint64("block", n).Msg("failed to fetch block, re-reading head")
				sleep(ctx, config.FetchBackoff)
				fetchFailed = true
				break
			}

			if err := c.persistBatch(ctx, []models.BlockData{block}); err != nil {
				return fmt.Errorf("failed to persist live block %d: %w", n, err)
			}

			if err := c.store.WriteState(ctx, int64(n), models.ModeLive); err != nil {
				return fmt.Errorf("failed to persist ingestion state for block %d: %w", n, err)
			}

			lastBlock = n
			c.setCursor(lastBlock, models.ModeLive)
			c.logger.Debug().Uint64("block", n).Msg("persisted live block")
		}

		if !fetchFailed {
			c.setHealthy(true)
		}
	}
}

// fetchBatch serves a batch from the local stage buffer if a matching
// one survived a crash, otherwise fetches fresh and stages the result
// before returning it (SPEC_FULL.md §C.4).
func (c *Controller) fetchBatch(ctx context.Context, start, count uint64) ([]models.BlockData, error) {
	if c.stageBuf != nil {
		if staged, ok, err := c.stageBuf.Get(start, count); err == nil && ok {
			c.logger.Debug().Uint64("start", start).Uint64("count", count).Msg("resuming batch from local stage")
			return staged, nil
		}
	}

	blocks, err := c.fetcher.FetchRange(ctx, start, count)
	if err != nil {
		return nil, err
	}

	if c.stageBuf != nil {
		if err := c.stageBuf.Put(start, count, blocks); err != nil {
			c.logger.Warn().Err(err).Msg("failed to stage batch locally, continuing without crash-resume for it")
		}
	}

	return blocks, nil
}

// persistBatch projects BlockData into rows and upserts them,
// idempotent on primary-key conflict (spec §4.2 persist_batch). It
// also fans out one downstream notification per block when a
// notifier is configured, and clears the batch from the local stage
// buffer once the Progress Store has it durably.
func (c *Controller) persistBatch(ctx context.Context, blocks []models.BlockData) error {
	if len(blocks) == 0 {
		return nil
	}

	blockRows, txRows := models.ToRows(blocks)

	if err := c.store.UpsertBlocks(ctx, blockRows); err != nil {
		return fmt.Errorf("failed to upsert blocks: %w", err)
	}
	if err := c.store.UpsertTransactions(ctx, txRows); err != nil {
		return fmt.Errorf("failed to upsert transactions: %w", err)
	}

	blocksProcessed.Add(float64(len(blockRows)))
	transactionsProcessed.Add(float64(len(txRows)))

	if c.notifier != nil {
		for _, b := range blocks {
			if err := c.notifier.PublishBlock(ctx, b.Number, b.Timestamp, len(b.Transactions)); err != nil {
				c.logger.Warn().Err(err).Uint64("block", b.Number).Msg("failed to publish block notification")
			}
		}
	}

	if c.stageBuf != nil {
		if err := c.stageBuf.Clear(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to clear local stage buffer")
		}
	}

	return nil
}

// GetStatus returns the current cursor, head, mode, and healthy flag
// for the health endpoint.
func (c *Controller) GetStatus() (cursor, head uint64, mode models.Mode, healthy bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cursor, c.head, c.mode, c.healthy
}

// Healthy reports whether the last cycle step completed without error.
func (c *Controller) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

func (c *Controller) setCursor(n uint64, mode models.Mode) {
	c.mu.Lock()
	c.cursor = n
	c.mode = mode
	c.healthy = true
	c.mu.Unlock()
	cursorHeight.Set(float64(n))
	c.updateGap()
}

func (c *Controller) setHead(n uint64) {
	c.mu.Lock()
	c.head = n
	c.mu.Unlock()
	chainHeadHeight.Set(float64(n))
	c.updateGap()
}

func (c *Controller) setHealthy(v bool) {
	c.mu.Lock()
	c.healthy = v
	c.mu.Unlock()
}

func (c *Controller) updateGap() {
	c.mu.RLock()
	head, cursor := c.head, c.cursor
	c.mu.RUnlock()
	gap := float64(0)
	if head > cursor {
		gap = float64(head - cursor)
	}
	blocksBehind.Set(gap)
}

// sleep blocks for d or until ctx is canceled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
