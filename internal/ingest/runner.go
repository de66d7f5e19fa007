// Package ingest drives the per-stream ingestion cycle: load cursor, fetch a
// page, normalize, reconcile, persist, advance the cursor. Cycles within a
// stream are strictly sequential; streams run concurrently because they own
// disjoint cursor keys.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"DexIndexer/internal/model"
	"DexIndexer/internal/normalize"
	"DexIndexer/internal/observability"
	"DexIndexer/internal/publish"
	"DexIndexer/internal/reconcile"
	"DexIndexer/internal/upstream"
)

// Fetcher pulls one page of raw records for a stream.
type Fetcher interface {
	FetchPage(ctx context.Context, stream, pagingToken string, limit int) (*upstream.Page, error)
}

// BatchWriter persists reconciled batches atomically and serves the durable
// book back for rehydration.
type BatchWriter interface {
	WriteBatch(ctx context.Context, batch *model.Batch) error
	LoadOpenOffers(ctx context.Context) ([]*model.Offer, error)
}

// CursorStore is the durable per-stream progress marker store. Reset leaves
// a resync marker behind; ResyncPending and ClearResync read and discharge
// it, so an interrupted resync survives a process restart.
type CursorStore interface {
	Load(ctx context.Context, stream string) (*model.Cursor, error)
	Advance(ctx context.Context, stream string, prev *model.Cursor, next model.Cursor) error
	Reset(ctx context.Context, stream string) error
	ResyncPending(ctx context.Context, stream string) (bool, error)
	ClearResync(ctx context.Context, stream string) error
}

// EventSink receives per-cycle health events. Offer must never block.
type EventSink interface {
	Offer(evt publish.CycleEvent)
}

// Config tunes the cycle cadence and failure handling.
type Config struct {
	PageLimit           int
	PollInterval        time.Duration
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	PersistRetryCeiling int
}

// DefaultConfig returns production cycle settings.
func DefaultConfig() Config {
	return Config{
		PageLimit:           200,
		PollInterval:        2 * time.Second,
		BackoffBase:         500 * time.Millisecond,
		BackoffCap:          30 * time.Second,
		PersistRetryCeiling: 3,
	}
}

// Cycle results as reported in health events.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultResync  = "resync"
	ResultFatal   = "fatal"
)

// Runner owns one stream's ingestion loop. The reconciler it carries is
// mutated only from this runner's goroutine; the query surface reads only
// the reconciler's atomic state and provisional flags.
type Runner struct {
	stream  string
	cfg     Config
	fetcher Fetcher
	rec     *reconcile.Reconciler
	writer  BatchWriter
	cursors CursorStore
	events  EventSink
	metrics *observability.Metrics
	logger  zerolog.Logger

	resyncRequested atomic.Bool

	// Loop-local state, touched only by Run's goroutine.
	failures        int
	persistFailures int
	sweepPending    bool
	sweeping        bool
}

func NewRunner(
	stream string,
	cfg Config,
	fetcher Fetcher,
	rec *reconcile.Reconciler,
	writer BatchWriter,
	cursors CursorStore,
	events EventSink,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Runner {
	return &Runner{
		stream:  stream,
		cfg:     cfg,
		fetcher: fetcher,
		rec:     rec,
		writer:  writer,
		cursors: cursors,
		events:  events,
		metrics: metrics,
		logger:  logger.With().Str("stream", stream).Logger(),
	}
}

// Stream returns the stream this runner owns.
func (r *Runner) Stream() string { return r.stream }

// Reconciler exposes the stream's in-memory view for the query surface.
func (r *Runner) Reconciler() *reconcile.Reconciler { return r.rec }

// RequestResync asks the runner to drop its cursor and re-read the stream
// from the earliest available point. Safe from any goroutine; takes effect
// at the next cycle boundary.
func (r *Runner) RequestResync() {
	r.resyncRequested.Store(true)
}

// Run executes cycles until the context is cancelled or the stream hits a
// loop-fatal condition (cursor ownership lost, or persistence failing past
// the retry ceiling).
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().Msg("ingestion runner started")

	if err := r.bootstrap(ctx); err != nil {
		r.logger.Error().Err(err).Msg("bootstrap failed, stream not started")
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		outcome := r.cycle(ctx)
		r.report(outcome)

		if outcome.fatal {
			r.logger.Error().
				Err(outcome.err).
				Str("error_kind", outcome.errKind).
				Msg("stream halted: operator intervention required")
			return outcome.err
		}

		var wait time.Duration
		switch {
		case outcome.result == ResultFailure:
			r.failures++
			r.rec.RecordFailure()
			wait = r.backoff()
		case outcome.result == ResultResync:
			// Next cycle restarts from the earliest point; no backoff, the
			// reset itself is the remediation.
			r.failures = 0
		default:
			r.failures = 0
			r.rec.RecordSuccess()
			if outcome.upToDate {
				wait = r.cfg.PollInterval
			}
		}
		r.metrics.StreamState.WithLabelValues(r.stream).Set(float64(r.rec.State()))

		if wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}

// bootstrap restores what a previous process left behind: the durable book
// is folded into the in-memory view, and an unfinished resync is restarted
// from scratch so its sweep obligation is not lost across restarts.
func (r *Runner) bootstrap(ctx context.Context) error {
	if r.stream == model.StreamOffers {
		offers, err := r.writer.LoadOpenOffers(ctx)
		if err != nil {
			return fmt.Errorf("rehydrate book: %w", err)
		}
		r.rec.Hydrate(offers)
		r.metrics.BookSize.WithLabelValues(r.stream).Set(float64(r.rec.BookSize()))
		r.logger.Info().Int("offers", len(offers)).Msg("order book rehydrated")
	}

	pending, err := r.cursors.ResyncPending(ctx, r.stream)
	if err != nil {
		return fmt.Errorf("check resync marker: %w", err)
	}
	if pending {
		// Partial re-read progress is unusable for the sweep diff, so the
		// resync restarts from the earliest point.
		r.rec.MarkStale()
		if err := r.cursors.Reset(ctx, r.stream); err != nil {
			return fmt.Errorf("restart resync: %w", err)
		}
		r.sweepPending = true
		r.logger.Warn().Msg("unfinished resync found, restarting from the earliest point")
	}
	return nil
}

func (r *Runner) backoff() time.Duration {
	wait := time.Duration(r.failures) * r.cfg.BackoffBase
	if wait > r.cfg.BackoffCap {
		wait = r.cfg.BackoffCap
	}
	return wait
}

type cycleOutcome struct {
	cycleID  string
	result   string
	records  int
	ledger   uint32
	latency  time.Duration
	errKind  string
	err      error
	fatal    bool
	upToDate bool
}

func (r *Runner) fail(o cycleOutcome, err error, fatal bool) cycleOutcome {
	o.result = ResultFailure
	if fatal {
		o.result = ResultFatal
	}
	o.err = err
	o.errKind = model.ErrorKind(err)
	o.fatal = fatal
	return o
}

// cycle runs one full pipeline pass. It never advances the cursor unless the
// batch it covers is durable, and it stops at stage boundaries once the
// context is cancelled.
func (r *Runner) cycle(ctx context.Context) cycleOutcome {
	start := time.Now()
	out := cycleOutcome{cycleID: uuid.NewString()}

	if r.resyncRequested.CompareAndSwap(true, false) {
		r.rec.MarkStale()
		if err := r.cursors.Reset(ctx, r.stream); err != nil {
			return r.finish(r.fail(out, err, false), start)
		}
		r.sweepPending = true
		r.logger.Info().Msg("resync requested, cursor dropped")
	}

	cursor, err := r.cursors.Load(ctx, r.stream)
	if err != nil {
		return r.finish(r.fail(out, err, false), start)
	}

	token := ""
	if cursor != nil {
		token = cursor.PagingToken
		out.ledger = cursor.LedgerSeq
	}

	// A resync pass re-reads the whole stream from the earliest point. The
	// sweep diff starts with the first page of that pass and closes when the
	// pass reaches the upstream head.
	if r.sweepPending && token == "" {
		r.rec.BeginSweep()
		r.sweeping = true
		r.sweepPending = false
	}

	page, err := r.fetcher.FetchPage(ctx, r.stream, token, r.cfg.PageLimit)
	if err != nil {
		var stale *model.StaleCursorError
		if errors.As(err, &stale) {
			r.rec.MarkStale()
			if rerr := r.cursors.Reset(ctx, r.stream); rerr != nil {
				return r.finish(r.fail(out, rerr, false), start)
			}
			r.sweepPending = true
			out.result = ResultResync
			out.errKind = model.ErrKindStaleCursor
			return r.finish(out, start)
		}
		return r.finish(r.fail(out, err, false), start)
	}

	if err := ctx.Err(); err != nil {
		return r.finish(r.fail(out, err, false), start)
	}

	entities := make([]model.Entity, 0, len(page.Records))
	for _, raw := range page.Records {
		e, nerr := normalize.Record(r.stream, raw)
		if nerr != nil {
			var verr *model.ValidationError
			if errors.As(nerr, &verr) {
				// Skip and keep going: one malformed record never stalls
				// the stream.
				r.metrics.NormalizeRejected.WithLabelValues(r.stream, verr.Reason).Inc()
				r.logger.Warn().
					Str("field", verr.Field).
					Str("reason", verr.Reason).
					Str("fingerprint", verr.Fingerprint).
					Msg("rejecting malformed record")
				continue
			}
			return r.finish(r.fail(out, nerr, false), start)
		}
		entities = append(entities, e)
	}
	r.metrics.NormalizeRecords.WithLabelValues(r.stream).Add(float64(len(entities)))

	batch := r.rec.Stage(entities)
	batch.NextToken = page.NextToken
	out.records = len(entities)
	r.metrics.ReconcileApplied.WithLabelValues(r.stream, "offer").Add(float64(len(batch.Offers)))
	r.metrics.ReconcileApplied.WithLabelValues(r.stream, "trade").Add(float64(len(batch.Trades)))
	r.metrics.ReconcileApplied.WithLabelValues(r.stream, "pool").Add(float64(len(batch.Pools)))
	if discarded := len(entities) - batch.Size(); discarded > 0 {
		r.metrics.ReconcileDiscarded.WithLabelValues(r.stream).Add(float64(discarded))
	}

	if err := ctx.Err(); err != nil {
		return r.finish(r.fail(out, err, false), start)
	}

	// Persistence, then the in-memory commit, then the cursor advance. The
	// batch write is atomic and the book only moves after it succeeds, so a
	// failure or crash here leaves both the store and the view where they
	// were and the next cycle stages the same page again.
	if !batch.Empty() {
		if err := r.writer.WriteBatch(ctx, batch); err != nil {
			r.persistFailures++
			fatal := r.persistFailures > r.cfg.PersistRetryCeiling
			return r.finish(r.fail(out, err, fatal), start)
		}
	}
	r.persistFailures = 0
	r.rec.Commit(batch)
	r.metrics.BookSize.WithLabelValues(r.stream).Set(float64(r.rec.BookSize()))

	if page.NextToken != token && page.NextToken != "" {
		next := model.Cursor{
			Stream:      r.stream,
			PagingToken: page.NextToken,
			LedgerSeq:   out.ledger,
			UpdatedAt:   time.Now().UTC(),
		}
		if batch.MaxLedger > next.LedgerSeq {
			next.LedgerSeq = batch.MaxLedger
		}
		if err := r.cursors.Advance(ctx, r.stream, cursor, next); err != nil {
			// Losing the compare-and-swap means another writer owns this
			// cursor. Nothing was persisted past the conflicting point, but
			// continuing would corrupt ordering, so the stream halts.
			var conflict *model.ConcurrentAdvanceError
			fatal := errors.As(err, &conflict)
			return r.finish(r.fail(out, err, fatal), start)
		}
		out.ledger = next.LedgerSeq
		r.metrics.CursorLedger.WithLabelValues(r.stream).Set(float64(next.LedgerSeq))
	}

	if page.UpToDate && r.sweeping {
		if err := r.completeSweep(ctx); err != nil {
			return r.finish(r.fail(out, err, false), start)
		}
	}

	out.result = ResultSuccess
	out.upToDate = page.UpToDate
	return r.finish(out, start)
}

// completeSweep persists removals for offers the resync pass never saw
// again, discharges the durable resync marker, then clears the provisional
// flag. On any failure the sweep stays open, so the next caught-up cycle
// plans the same removals again.
func (r *Runner) completeSweep(ctx context.Context) error {
	swept := r.rec.PlanSweep()
	if !swept.Empty() {
		if err := r.writer.WriteBatch(ctx, swept); err != nil {
			return fmt.Errorf("persist sweep removals: %w", err)
		}
		r.rec.Commit(swept)
		r.logger.Info().
			Int("removed", len(swept.RemovedOfferIDs)).
			Msg("sweep removed offers absent upstream")
	}
	if err := r.cursors.ClearResync(ctx, r.stream); err != nil {
		return fmt.Errorf("clear resync marker: %w", err)
	}
	r.rec.EndSweep()
	r.sweeping = false
	r.rec.CompleteResync()
	r.metrics.BookSize.WithLabelValues(r.stream).Set(float64(r.rec.BookSize()))
	return nil
}

func (r *Runner) finish(out cycleOutcome, start time.Time) cycleOutcome {
	out.latency = time.Since(start)
	return out
}

// report records the cycle in metrics, logs, and the event sink.
func (r *Runner) report(out cycleOutcome) {
	r.metrics.CyclesTotal.WithLabelValues(r.stream, out.result).Inc()
	r.metrics.CycleDuration.WithLabelValues(r.stream).Observe(out.latency.Seconds())

	evt := r.logger.Info()
	if out.err != nil {
		evt = r.logger.Warn().Err(out.err)
	}
	evt.
		Str("cycle_id", out.cycleID).
		Str("result", out.result).
		Int("records", out.records).
		Dur("latency", out.latency).
		Msg("cycle complete")

	if r.events != nil {
		r.events.Offer(publish.CycleEvent{
			Stream:           r.stream,
			CycleID:          out.cycleID,
			Result:           out.result,
			RecordsProcessed: out.records,
			CursorLedger:     out.ledger,
			LatencyMS:        out.latency.Milliseconds(),
			ErrorKind:        out.errKind,
			Timestamp:        time.Now().UTC(),
		})
	}
}
