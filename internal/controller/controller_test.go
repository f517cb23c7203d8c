package controller

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intuition-systems/chain-indexer/internal/fetcher"
	"github.com/intuition-systems/chain-indexer/internal/stage"
	"github.com/intuition-systems/chain-indexer/pkg/models"
)

// callSeqSource is a chain.Source whose head advances as a function of
// how many times Head has been called, modeling a chain that keeps
// producing new blocks while the controller is mid-cycle. It can also
// trigger ctx cancellation on a chosen call, so pollLoop (which never
// returns on its own) can be driven to a deterministic stop.
type callSeqSource struct {
	mu        sync.Mutex
	calls     int
	headFunc  func(call int) uint64
	cancel    context.CancelFunc
	cancelAt  int
}

func (s *callSeqSource) Head(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	head := s.headFunc(call)
	cancelAt := s.cancelAt
	cancel := s.cancel
	s.mu.Unlock()

	if cancelAt > 0 && call >= cancelAt && cancel != nil {
		cancel()
	}
	return head, nil
}

func (s *callSeqSource) Block(ctx context.Context, number uint64) (models.BlockData, error) {
	return models.BlockData{
		Number:       number,
		Timestamp:    number * 10,
		Transactions: []string{},
	}, nil
}

func (s *callSeqSource) SubscribeHeads(ctx context.Context) (<-chan uint64, ethereum.Subscription, error) {
	return nil, nil, errors.New("not implemented")
}

// fakeStore is an in-memory store.ProgressStore.
type fakeStore struct {
	mu    sync.Mutex
	state models.IngestionState
	blocks []models.BlockRow
	txs    []models.TransactionRow
}

func (s *fakeStore) ReadState(ctx context.Context) (models.IngestionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *fakeStore) WriteState(ctx context.Context, lastProcessedBlock int64, mode models.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = models.IngestionState{LastProcessedBlock: lastProcessedBlock, Mode: mode}
	return nil
}

func (s *fakeStore) UpsertBlocks(ctx context.Context, blocks []models.BlockRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, blocks...)
	return nil
}

func (s *fakeStore) UpsertTransactions(ctx context.Context, txs []models.TransactionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs = append(s.txs, txs...)
	return nil
}

func (s *fakeStore) blockCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks)
}

func TestRunCycleEntersLiveModeWhenAlreadyCaughtUp(t *testing.T) {
	fstore := &fakeStore{state: models.IngestionState{LastProcessedBlock: 50, Mode: models.ModeLive}}

	ctx, cancel := context.WithCancel(context.Background())
	source := &callSeqSource{
		headFunc: func(call int) uint64 { return 50 },
		cancelAt: 2, // cancel on the first pollLoop head check
	}
	source.cancel = cancel

	f := fetcher.New(source, zerolog.Nop())
	ctrl := New(f, fstore, nil, nil, 1000, zerolog.Nop())

	err := ctrl.runCycle(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	cursor, _, mode, _ := ctrl.GetStatus()
	assert.Equal(t, uint64(50), cursor)
	assert.Equal(t, models.ModeLive, mode)
}

func TestRunSmartSyncProcessesFullBatchesThenSwitchesToLive(t *testing.T) {
	fstore := &fakeStore{state: models.IngestionState{LastProcessedBlock: 0, Mode: models.ModeReindex}}

	ctx, cancel := context.WithCancel(context.Background())
	source := &callSeqSource{
		headFunc: func(call int) uint64 { return 2500 },
		cancelAt: 6, // first pollLoop head check, after smart sync drains the gap
	}
	source.cancel = cancel

	f := fetcher.New(source, zerolog.Nop())
	ctrl := New(f, fstore, nil, nil, 1000, zerolog.Nop())

	err := ctrl.runCycle(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	cursor, head, mode, _ := ctrl.GetStatus()
	assert.Equal(t, uint64(2500), cursor)
	assert.Equal(t, uint64(2500), head)
	assert.Equal(t, models.ModeLive, mode)
	assert.Equal(t, 2500, fstore.blockCount())
}

func TestRunSmartSyncHandsOffToLiveAfterTwoConsecutiveSmallBatches(t *testing.T) {
	fstore := &fakeStore{state: models.IngestionState{LastProcessedBlock: 0, Mode: models.ModeReindex}}

	ctx, cancel := context.WithCancel(context.Background())
	// Head grows by 3 blocks between every check, simulating a chain
	// that keeps producing a trickle of new blocks while each batch is
	// being persisted.
	source := &callSeqSource{
		headFunc: func(call int) uint64 { return 1000 + uint64(call)*3 },
		cancelAt: 5,
	}
	source.cancel = cancel

	f := fetcher.New(source, zerolog.Nop())
	ctrl := New(f, fstore, nil, nil, 1000, zerolog.Nop())

	err := ctrl.runCycle(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	cursor, _, mode, _ := ctrl.GetStatus()
	assert.Equal(t, models.ModeLive, mode)
	// First batch is a full BATCH_SIZE batch (1000), then two
	// consecutive small batches (9, then 3) trigger the handoff at 1012,
	// then the first poll sees head 1015 and persists the three live
	// blocks 1013-1015 before cancellation.
	assert.Equal(t, uint64(1015), cursor)
	assert.Equal(t, 1015, fstore.blockCount())
}

func TestFetchBatchServesFromLocalStageOnExactRangeMatch(t *testing.T) {
	stageBuf, err := stage.Open(filepath.Join(t.TempDir(), "stage.db"))
	require.NoError(t, err)
	defer stageBuf.Close()

	staged := []models.BlockData{
		{Number: 10, Timestamp: 100, Transactions: []string{"0xstaged"}},
		{Number: 11, Timestamp: 110, Transactions: nil},
	}
	require.NoError(t, stageBuf.Put(10, 2, staged))

	source := &callSeqSource{headFunc: func(call int) uint64 { return 1000 }}
	f := fetcher.New(source, zerolog.Nop())
	fstore := &fakeStore{}
	ctrl := New(f, fstore, stageBuf, nil, 1000, zerolog.Nop())

	blocks, err := ctrl.fetchBatch(context.Background(), 10, 2)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, "0xstaged", blocks[0].Transactions[0])
}

func TestFetchBatchIgnoresStaleStageOnRangeMismatch(t *testing.T) {
	stageBuf, err := stage.Open(filepath.Join(t.TempDir(), "stage.db"))
	require.NoError(t, err)
	defer stageBuf.Close()

	require.NoError(t, stageBuf.Put(10, 2, []models.BlockData{
		{Number: 10, Timestamp: 100, Transactions: []string{"0xstale"}},
		{Number: 11, Timestamp: 110},
	}))

	source := &callSeqSource{headFunc: func(call int) uint64 { return 1000 }}
	f := fetcher.New(source, zerolog.Nop())
	fstore := &fakeStore{}
	ctrl := New(f, fstore, stageBuf, nil, 1000, zerolog.Nop())

	// Different range than what was staged: must re-fetch, not serve stale data.
	blocks, err := ctrl.fetchBatch(context.Background(), 20, 2)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, uint64(20), blocks[0].Number)
	assert.NotEqual(t, "0xstale", blocks[0].Transactions)
}

func TestPersistBatchClearsStageAfterUpsert(t *testing.T) {
	stageBuf, err := stage.Open(filepath.Join(t.TempDir(), "stage.db"))
	require.NoError(t, err)
	defer stageBuf.Close()

	require.NoError(t, stageBuf.Put(1, 1, []models.BlockData{{Number: 1, Timestamp: 1}}))

	source := &callSeqSource{headFunc: func(call int) uint64 { return 1 }}
	f := fetcher.New(source, zerolog.Nop())
	fstore := &fakeStore{}
	ctrl := New(f, fstore, stageBuf, nil, 1000, zerolog.Nop())

	err = ctrl.persistBatch(context.Background(), []models.BlockData{
		{Number: 1, Timestamp: 1, Transactions: []string{"0xabc"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fstore.blockCount())

	_, ok, err := stageBuf.Get(1, 1)
	require.NoError(t, err)
	assert.False(t, ok, "stage should be cleared once a batch is durably persisted")
}

func TestPersistBatchEmptyIsNoop(t *testing.T) {
	source := &callSeqSource{headFunc: func(call int) uint64 { return 1 }}
	f := fetcher.New(source, zerolog.Nop())
	fstore := &fakeStore{}
	ctrl := New(f, fstore, nil, nil, 1000, zerolog.Nop())

	require.NoError(t, ctrl.persistBatch(context.Background(), nil))
	assert.Equal(t, 0, fstore.blockCount())
}
