// Package reconcile merges normalized entities into the current in-memory
// book and pool state with deterministic conflict resolution. Each stream
// owns one Reconciler; it is a single-writer structure mutated only by that
// stream's cycle, so no internal locking is needed on the staging path. The
// state/provisional accessors are atomic because the query surface reads
// them from other goroutines.
//
// Staging and committing are separate so that the in-memory view never gets
// ahead of the durable store: Stage computes the persistence batch a page
// implies without touching the book, and Commit folds the batch in only
// after it has been written. A failed write therefore leaves the book
// unchanged and the replayed page stages the identical batch again.
package reconcile

import (
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"

	"DexIndexer/internal/model"
)

// StreamState is the per-stream lifecycle:
// Initializing -> Steady <-> Resyncing, with Degraded reachable from any
// state after repeated fetch failures and returning to Steady once a cycle
// succeeds.
type StreamState int32

const (
	StateInitializing StreamState = iota
	StateSteady
	StateResyncing
	StateDegraded
)

func (s StreamState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateSteady:
		return "steady"
	case StateResyncing:
		return "resyncing"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Reconciler holds one stream's in-memory view and stages batches against it.
type Reconciler struct {
	stream string
	logger zerolog.Logger

	state       atomic.Int32
	provisional atomic.Bool

	// Consecutive failed cycles; crossing degradedAfter flips to Degraded.
	failures      int
	degradedAfter int

	// Order-book state indexed by offer id. Owned exclusively by this
	// reconciler; mirrored to the persistence writer through batches.
	offers map[int64]*model.Offer

	// Current pool snapshot per pool id (max ledger sequence wins). History
	// is retained in the durable store, not here.
	pools map[string]*model.PoolSnapshot

	// Offer ids seen during an in-progress full sweep; nil when no sweep is
	// running. Used to detect offers the upstream no longer reports.
	sweepSeen map[int64]struct{}
}

func New(stream string, degradedAfter int, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		stream:        stream,
		logger:        logger,
		degradedAfter: degradedAfter,
		offers:        make(map[int64]*model.Offer),
		pools:         make(map[string]*model.PoolSnapshot),
	}
}

// Stream returns the stream this reconciler owns.
func (r *Reconciler) Stream() string { return r.stream }

// Hydrate seeds the committed view from offers persisted by a previous
// process, so staleness checks and resync sweeps cover the durable book and
// not just what this process has seen. Call once, before the first cycle.
func (r *Reconciler) Hydrate(offers []*model.Offer) {
	for _, o := range offers {
		r.offers[o.ID] = o
	}
}

// State returns the current lifecycle state.
func (r *Reconciler) State() StreamState {
	return StreamState(r.state.Load())
}

// Provisional reports whether the in-memory view may be incomplete pending a
// resync. Downstream queries must surface this flag.
func (r *Reconciler) Provisional() bool {
	return r.provisional.Load()
}

// Stage resolves a page of normalized entities against the current view and
// returns the persistence batch it implies, without mutating the view.
// Entities are resolved in ascending ledger-sequence order; entities sharing
// a ledger sequence keep upstream delivery order, which is authoritative for
// same-sequence causality. Within a page, later observations of the same
// offer supersede earlier ones, so the batch carries at most one row per
// offer id.
func (r *Reconciler) Stage(entities []model.Entity) *model.Batch {
	// Stable: ties keep delivery order.
	sort.SliceStable(entities, func(i, j int) bool {
		return entities[i].LedgerSeq() < entities[j].LedgerSeq()
	})

	batch := &model.Batch{Stream: r.stream}
	staged := stagedOffers{
		upserts:  make(map[int64]*model.Offer),
		removed:  make(map[int64]struct{}),
		ordering: nil,
	}

	for _, e := range entities {
		if e.LedgerSeq() > batch.MaxLedger {
			batch.MaxLedger = e.LedgerSeq()
		}
		switch v := e.(type) {
		case *model.Offer:
			r.stageOffer(v, &staged)
		case *model.Trade:
			// Trades are append-only; dedup happens at the write layer on
			// the trade id.
			batch.Trades = append(batch.Trades, v)
		case *model.PoolSnapshot:
			// Snapshots are never overwritten, only appended; even a
			// stale-sequence observation is kept for audit history. The
			// write layer dedups exact (pool id, ledger) replays.
			batch.Pools = append(batch.Pools, v)
		}
	}

	for _, id := range staged.ordering {
		if o, ok := staged.upserts[id]; ok {
			batch.Offers = append(batch.Offers, o)
		}
	}
	for id := range staged.removed {
		batch.RemovedOfferIDs = append(batch.RemovedOfferIDs, id)
	}
	sort.Slice(batch.RemovedOfferIDs, func(i, j int) bool {
		return batch.RemovedOfferIDs[i] < batch.RemovedOfferIDs[j]
	})

	return batch
}

// stagedOffers is the scratch state for one Stage call: the net effect of a
// page on each offer id, resolved against the committed book.
type stagedOffers struct {
	upserts  map[int64]*model.Offer
	removed  map[int64]struct{}
	ordering []int64
}

func (s *stagedOffers) track(id int64) {
	if _, ok := s.upserts[id]; ok {
		return
	}
	if _, ok := s.removed[id]; ok {
		return
	}
	s.ordering = append(s.ordering, id)
}

func (r *Reconciler) stageOffer(in *model.Offer, staged *stagedOffers) {
	if r.sweepSeen != nil {
		r.sweepSeen[in.ID] = struct{}{}
	}

	// Resolve against the page's own staged effect first, then the
	// committed book. A removal earlier in the page clears the slate: any
	// later observation is a fresh offer under a reused id.
	cur := r.offers[in.ID]
	if _, removedInPage := staged.removed[in.ID]; removedInPage {
		cur = nil
	}
	if o, ok := staged.upserts[in.ID]; ok {
		cur = o
	}

	if cur != nil && in.LastModifiedLedger <= cur.LastModifiedLedger {
		// Stale or replayed: idempotent no-op.
		r.logger.Debug().
			Int64("offer_id", in.ID).
			Uint32("incoming_ledger", in.LastModifiedLedger).
			Uint32("stored_ledger", cur.LastModifiedLedger).
			Msg("discarding stale offer")
		return
	}

	staged.track(in.ID)
	if in.Closed() {
		// Removal is recorded durably even for an offer this process never
		// saw: the store may hold it from a previous run.
		delete(staged.upserts, in.ID)
		staged.removed[in.ID] = struct{}{}
		return
	}
	delete(staged.removed, in.ID)
	staged.upserts[in.ID] = in
}

// Commit folds a durably written batch into the in-memory view. Must only be
// called with a batch returned by Stage or PlanSweep, after its write
// succeeded.
func (r *Reconciler) Commit(batch *model.Batch) {
	for _, o := range batch.Offers {
		r.offers[o.ID] = o
	}
	for _, id := range batch.RemovedOfferIDs {
		// Stage never puts an id in both lists, so ordering is immaterial.
		delete(r.offers, id)
	}
	for _, p := range batch.Pools {
		cur, exists := r.pools[p.PoolID]
		if !exists || p.Ledger > cur.Ledger {
			r.pools[p.PoolID] = p
		}
	}
}

// Offer returns the stored offer for an id, or nil.
func (r *Reconciler) Offer(id int64) *model.Offer {
	return r.offers[id]
}

// BookSize returns the number of resting offers.
func (r *Reconciler) BookSize() int { return len(r.offers) }

// Pool returns the current snapshot for a pool id, or nil.
func (r *Reconciler) Pool(id string) *model.PoolSnapshot {
	return r.pools[id]
}

// --- full sweep (snapshot diff) ---

// BeginSweep starts tracking offer ids across a full re-read of the book
// (resync from the earliest available point). Offers in memory that the
// sweep never reports again have left the book upstream.
func (r *Reconciler) BeginSweep() {
	r.sweepSeen = make(map[int64]struct{}, len(r.offers))
}

// PlanSweep returns removals for every committed offer the sweep never saw
// again. It does not mutate the book or end the sweep: commit the batch once
// it is durable, then call EndSweep. Returns an empty batch when no sweep is
// running.
func (r *Reconciler) PlanSweep() *model.Batch {
	batch := &model.Batch{Stream: r.stream}
	if r.sweepSeen == nil {
		return batch
	}
	for id := range r.offers {
		if _, seen := r.sweepSeen[id]; !seen {
			batch.RemovedOfferIDs = append(batch.RemovedOfferIDs, id)
		}
	}
	sort.Slice(batch.RemovedOfferIDs, func(i, j int) bool {
		return batch.RemovedOfferIDs[i] < batch.RemovedOfferIDs[j]
	})
	return batch
}

// EndSweep stops tracking. Call only after PlanSweep's batch is durable.
func (r *Reconciler) EndSweep() {
	r.sweepSeen = nil
}

// --- lifecycle transitions ---

// MarkStale transitions the stream to Resyncing after a StaleCursor from the
// fetcher. The in-memory view stays queryable but is flagged provisional
// until CompleteResync.
func (r *Reconciler) MarkStale() {
	r.state.Store(int32(StateResyncing))
	r.provisional.Store(true)
	r.logger.Warn().Str("stream", r.stream).Msg("cursor outside upstream history, stream marked resyncing")
}

// CompleteResync returns the stream to Steady and clears the provisional
// flag once the designated resync has caught up with the upstream head.
func (r *Reconciler) CompleteResync() {
	r.state.Store(int32(StateSteady))
	r.provisional.Store(false)
	r.failures = 0
	r.logger.Info().Str("stream", r.stream).Msg("resync complete, stream steady")
}

// RecordFailure counts a failed cycle; repeated failures degrade the stream.
func (r *Reconciler) RecordFailure() {
	r.failures++
	if r.failures >= r.degradedAfter && r.State() != StateResyncing {
		r.state.Store(int32(StateDegraded))
	}
}

// RecordSuccess counts a successful cycle; Initializing and Degraded streams
// return to Steady. A Resyncing stream stays resyncing until CompleteResync.
func (r *Reconciler) RecordSuccess() {
	r.failures = 0
	switch r.State() {
	case StateInitializing, StateDegraded:
		r.state.Store(int32(StateSteady))
	}
}
