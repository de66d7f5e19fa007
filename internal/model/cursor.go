package model

import "time"

// Stream names, one per independent ingestion feed. Each stream owns a
// disjoint cursor key and runs its own cycle.
const (
	StreamOffers = "offers"
	StreamTrades = "trades"
	StreamPools  = "pools"
)

// Streams lists all ingestion streams in startup order.
func Streams() []string {
	return []string{StreamOffers, StreamTrades, StreamPools}
}

// Cursor is the durable per-stream progress marker. The paging token is
// opaque and upstream-defined; the ledger sequence is monotonic
// non-decreasing per stream. A cursor is advanced only after the page it
// covers has been durably persisted.
type Cursor struct {
	Stream      string
	PagingToken string
	LedgerSeq   uint32
	UpdatedAt   time.Time
}

// Batch is one reconciled page, applied to the durable store as a single
// atomic unit. Assets referenced by the entities are upserted in the same
// transaction so reads never observe a dangling asset key.
type Batch struct {
	Stream          string
	Offers          []*Offer
	RemovedOfferIDs []int64
	Trades          []*Trade
	Pools           []*PoolSnapshot
	// Next cursor position once this batch is durable.
	NextToken string
	MaxLedger uint32
}

// Empty reports whether the batch carries no writes.
func (b *Batch) Empty() bool {
	return len(b.Offers) == 0 && len(b.RemovedOfferIDs) == 0 &&
		len(b.Trades) == 0 && len(b.Pools) == 0
}

// Size returns the number of entity writes in the batch.
func (b *Batch) Size() int {
	return len(b.Offers) + len(b.RemovedOfferIDs) + len(b.Trades) + len(b.Pools)
}
