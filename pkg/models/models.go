// Package models defines the data structures shared between the chain
// source, the batch fetcher, the staging buffer and the progress store.
package models

import "time"

// Mode is the ingestion regime, persisted alongside the cursor so a
// restart can tell which loop it left off in.
type Mode int

const (
	// ModeReindex is the high-throughput backfill regime.
	ModeReindex Mode = iota
	// ModeLive is the low-latency per-block polling regime.
	ModeLive
)

// String renders the canonical persisted form of the mode.
func (m Mode) String() string {
	if m == ModeLive {
		return "live"
	}
	return "reindex"
}

// ParseMode is the inverse of String. Anything other than the literal
// "live" is treated as reindex, matching the teacher's permissive
// from-string coercion of checkpoint fields.
func ParseMode(s string) Mode {
	if s == "live" {
		return ModeLive
	}
	return ModeReindex
}

// BlockData is the in-flight value produced by the Chain Source and
// consumed by the Controller. It is never persisted directly; it is
// projected into a BlockRow plus N TransactionRows.
type BlockData struct {
	Number       uint64
	Timestamp    uint64
	Transactions []string // ordered; index is transaction position within the block
}

// BlockRow is the persisted block record.
type BlockRow struct {
	Number           int64
	Timestamp        int64
	TransactionCount int32
	CreatedAt        time.Time
}

// TransactionRow is the persisted transaction record.
type TransactionRow struct {
	Hash        string
	BlockNumber int64
	Position    int32
	CreatedAt   time.Time
}

// IngestionState is the singleton progress marker (id = 1).
type IngestionState struct {
	LastProcessedBlock int64
	Mode               Mode
	UpdatedAt          time.Time
}

// ToRows projects a slice of BlockData into the block and transaction
// rows persist_batch writes. CreatedAt is left zero; the store fills it
// in on insert.
func ToRows(batch []BlockData) ([]BlockRow, []TransactionRow) {
	blocks := make([]BlockRow, 0, len(batch))
	var txs []TransactionRow

	for _, b := range batch {
		blocks = append(blocks, BlockRow{
			Number:           int64(b.Number),
			Timestamp:        int64(b.Timestamp),
			TransactionCount: int32(len(b.Transactions)),
		})

		for position, hash := range b.Transactions {
			txs = append(txs, TransactionRow{
				Hash:        hash,
				BlockNumber: int64(b.Number),
				Position:    int32(position),
			})
		}
	}

	return blocks, txs
}
