package ingest_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"DexIndexer/internal/ingest"
	"DexIndexer/internal/model"
	"DexIndexer/internal/observability"
	"DexIndexer/internal/publish"
	"DexIndexer/internal/reconcile"
	"DexIndexer/internal/upstream"
)

var testMetrics = observability.NewMetrics()

type fetchStep struct {
	page *upstream.Page
	err  error
}

// fakeFetcher serves scripted pages keyed by the requested paging token.
// Each token's steps are consumed front to back; the last one repeats, so a
// runner polling a caught-up head keeps getting the same answer.
type fakeFetcher struct {
	mu      sync.Mutex
	byToken map[string][]fetchStep
	cursors []string
	onFetch func(token string)
}

func (f *fakeFetcher) FetchPage(ctx context.Context, stream, token string, limit int) (*upstream.Page, error) {
	f.mu.Lock()
	f.cursors = append(f.cursors, token)
	steps, ok := f.byToken[token]
	if !ok || len(steps) == 0 {
		f.mu.Unlock()
		return nil, errors.New("unscripted token " + strconv.Quote(token))
	}
	step := steps[0]
	if len(steps) > 1 {
		f.byToken[token] = steps[1:]
	}
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		hook(token)
	}
	return step.page, step.err
}

func (f *fakeFetcher) seenTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cursors...)
}

type fakeWriter struct {
	mu         sync.Mutex
	batches    []*model.Batch
	failN      int
	err        error
	openOffers []*model.Offer
}

func (w *fakeWriter) WriteBatch(ctx context.Context, batch *model.Batch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failN > 0 {
		w.failN--
		return w.err
	}
	w.batches = append(w.batches, batch)
	return nil
}

func (w *fakeWriter) LoadOpenOffers(ctx context.Context) ([]*model.Offer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*model.Offer(nil), w.openOffers...), nil
}

func (w *fakeWriter) offerCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b.Offers)
	}
	return n
}

func (w *fakeWriter) removedOfferIDs() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []int64
	for _, b := range w.batches {
		out = append(out, b.RemovedOfferIDs...)
	}
	return out
}

type fakeCursorStore struct {
	mu       sync.Mutex
	cursor   *model.Cursor
	advances int
	resets   int
	advErr   error
	pending  bool
}

func (c *fakeCursorStore) Load(ctx context.Context, stream string) (*model.Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cursor == nil {
		return nil, nil
	}
	cp := *c.cursor
	return &cp, nil
}

func (c *fakeCursorStore) Advance(ctx context.Context, stream string, prev *model.Cursor, next model.Cursor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.advErr != nil {
		return c.advErr
	}
	c.advances++
	c.cursor = &next
	return nil
}

func (c *fakeCursorStore) Reset(ctx context.Context, stream string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
	c.cursor = nil
	c.pending = true
	return nil
}

func (c *fakeCursorStore) ResyncPending(ctx context.Context, stream string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending, nil
}

func (c *fakeCursorStore) ClearResync(ctx context.Context, stream string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = false
	return nil
}

func (c *fakeCursorStore) resyncPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

func (c *fakeCursorStore) advanceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advances
}

func (c *fakeCursorStore) current() *model.Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cursor == nil {
		return nil
	}
	cp := *c.cursor
	return &cp
}

type fakeSink struct {
	mu     sync.Mutex
	events []publish.CycleEvent
}

func (s *fakeSink) Offer(evt publish.CycleEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *fakeSink) byResult(result string) []publish.CycleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []publish.CycleEvent
	for _, e := range s.events {
		if e.Result == result {
			out = append(out, e)
		}
	}
	return out
}

// storedOffer builds the same offer as offerRecord, in the form the durable
// book hands back at rehydration.
func storedOffer(t *testing.T, id int64, amount string, ledger uint32) *model.Offer {
	t.Helper()
	buying, err := model.NewCreditAsset("USDC", "GA5ZSEJYB37JRC5AVCIA5MOP4RHTM335X2KGX3IHOJAPP5RE34K4KZVN")
	require.NoError(t, err)
	return &model.Offer{
		ID:                 id,
		Seller:             "GCEZWKCA5VLDNRLN3RPRJMRZOX3Z6G5CHCGSNFHEYVXM3XOJMDS674JZ",
		Selling:            model.NativeAsset(),
		Buying:             buying,
		Amount:             decimal.RequireFromString(amount),
		Price:              model.Price{N: 1, D: 2},
		LastModifiedLedger: ledger,
		PagingToken:        strconv.FormatInt(id, 10) + "-0",
	}
}

func offerRecord(id int64, amount string, ledger int) []byte {
	idStr := strconv.FormatInt(id, 10)
	return []byte(`{
		"id": "` + idStr + `",
		"paging_token": "` + idStr + `-0",
		"seller": "GCEZWKCA5VLDNRLN3RPRJMRZOX3Z6G5CHCGSNFHEYVXM3XOJMDS674JZ",
		"selling": {"asset_type": "native"},
		"buying": {"asset_type": "credit_alphanum4", "asset_code": "USDC", "asset_issuer": "GA5ZSEJYB37JRC5AVCIA5MOP4RHTM335X2KGX3IHOJAPP5RE34K4KZVN"},
		"amount": "` + amount + `",
		"price_r": {"n": 1, "d": 2},
		"last_modified_ledger": ` + strconv.Itoa(ledger) + `
	}`)
}

func testConfig() ingest.Config {
	cfg := ingest.DefaultConfig()
	cfg.PollInterval = 2 * time.Millisecond
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 5 * time.Millisecond
	return cfg
}

func newRunner(f *fakeFetcher, w *fakeWriter, c *fakeCursorStore, sink *fakeSink) (*ingest.Runner, *reconcile.Reconciler) {
	rec := reconcile.New(model.StreamOffers, 5, zerolog.Nop())
	r := ingest.NewRunner(
		model.StreamOffers, testConfig(), f, rec, w, c, sink,
		testMetrics, zerolog.Nop(),
	)
	return r, rec
}

// runUntil runs the runner until the condition holds, then cancels and
// returns Run's error. The condition must only touch mutex-guarded fakes or
// the reconciler's atomic accessors.
func runUntil(t *testing.T, r *ingest.Runner, done func() bool) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for !done() {
		select {
		case err := <-errCh:
			return err
		case <-deadline:
			cancel()
			<-errCh
			t.Fatal("condition not reached before deadline")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	return <-errCh
}

func TestRunnerPersistsAndAdvancesCursor(t *testing.T) {
	fetcher := &fakeFetcher{byToken: map[string][]fetchStep{
		"":    {{page: &upstream.Page{Records: [][]byte{offerRecord(1, "10", 5)}, NextToken: "1-0"}}},
		"1-0": {{page: &upstream.Page{NextToken: "1-0", UpToDate: true}}},
	}}
	writer := &fakeWriter{}
	cursors := &fakeCursorStore{}
	sink := &fakeSink{}

	r, rec := newRunner(fetcher, writer, cursors, sink)
	err := runUntil(t, r, func() bool { return cursors.advanceCount() >= 1 })
	require.ErrorIs(t, err, context.Canceled)

	require.NotEmpty(t, writer.batches)
	require.Len(t, writer.batches[0].Offers, 1)
	cur := cursors.current()
	require.NotNil(t, cur)
	require.Equal(t, "1-0", cur.PagingToken)
	require.Equal(t, uint32(5), cur.LedgerSeq)
	require.Equal(t, 1, rec.BookSize())
	require.NotEmpty(t, sink.byResult(ingest.ResultSuccess))
}

func TestRunnerDoesNotAdvanceOnWriteFailure(t *testing.T) {
	fetcher := &fakeFetcher{byToken: map[string][]fetchStep{
		"": {{page: &upstream.Page{Records: [][]byte{offerRecord(1, "10", 5)}, NextToken: "1-0"}}},
	}}
	writer := &fakeWriter{failN: 1, err: &model.PersistenceError{Op: "offers", Err: errors.New("db down")}}
	cursors := &fakeCursorStore{}
	sink := &fakeSink{}

	r, _ := newRunner(fetcher, writer, cursors, sink)
	err := runUntil(t, r, func() bool {
		return len(sink.byResult(ingest.ResultFailure)) >= 1 && cursors.advanceCount() >= 1
	})
	require.ErrorIs(t, err, context.Canceled)

	failures := sink.byResult(ingest.ResultFailure)
	require.Equal(t, model.ErrKindPersistence, failures[0].ErrorKind)
	// The failed cycle never moved the cursor, so the retry re-fetched from
	// the same empty token before advancing.
	tokens := fetcher.seenTokens()
	require.GreaterOrEqual(t, len(tokens), 2)
	require.Equal(t, "", tokens[0])
	require.Equal(t, "", tokens[1])
}

func TestRunnerSkipsMalformedRecords(t *testing.T) {
	fetcher := &fakeFetcher{byToken: map[string][]fetchStep{
		"": {{page: &upstream.Page{
			Records:   [][]byte{offerRecord(1, "10", 5), []byte(`{"id": "not-a-number"}`)},
			NextToken: "1-0",
		}}},
		"1-0": {{page: &upstream.Page{NextToken: "1-0", UpToDate: true}}},
	}}
	writer := &fakeWriter{}
	cursors := &fakeCursorStore{}
	sink := &fakeSink{}

	r, _ := newRunner(fetcher, writer, cursors, sink)
	err := runUntil(t, r, func() bool { return cursors.advanceCount() >= 1 })
	require.ErrorIs(t, err, context.Canceled)

	require.NotEmpty(t, writer.batches)
	require.Len(t, writer.batches[0].Offers, 1)
	success := sink.byResult(ingest.ResultSuccess)
	require.NotEmpty(t, success)
	require.Equal(t, 1, success[0].RecordsProcessed)
}

func TestRunnerStaleCursorTriggersResync(t *testing.T) {
	fetcher := &fakeFetcher{byToken: map[string][]fetchStep{
		"old-0": {{err: &model.StaleCursorError{Stream: model.StreamOffers, Token: "old-0"}}},
		"":      {{page: &upstream.Page{Records: [][]byte{offerRecord(1, "10", 9)}, NextToken: "1-0"}}},
		"1-0":   {{page: &upstream.Page{NextToken: "1-0", UpToDate: true}}},
	}}
	writer := &fakeWriter{}
	cursors := &fakeCursorStore{cursor: &model.Cursor{
		Stream: model.StreamOffers, PagingToken: "old-0", LedgerSeq: 3,
	}}
	sink := &fakeSink{}

	r, rec := newRunner(fetcher, writer, cursors, sink)
	err := runUntil(t, r, func() bool {
		return rec.State() == reconcile.StateSteady && !rec.Provisional()
	})
	require.ErrorIs(t, err, context.Canceled)

	require.NotEmpty(t, sink.byResult(ingest.ResultResync))
	require.Contains(t, fetcher.seenTokens(), "")
	require.Equal(t, 1, rec.BookSize())
	cur := cursors.current()
	require.NotNil(t, cur)
	require.Equal(t, "1-0", cur.PagingToken)
	require.Equal(t, uint32(9), cur.LedgerSeq)
}

func TestRunnerConcurrentAdvanceIsFatal(t *testing.T) {
	fetcher := &fakeFetcher{byToken: map[string][]fetchStep{
		"": {{page: &upstream.Page{Records: [][]byte{offerRecord(1, "10", 5)}, NextToken: "1-0"}}},
	}}
	writer := &fakeWriter{}
	cursors := &fakeCursorStore{advErr: &model.ConcurrentAdvanceError{
		Stream: model.StreamOffers, Expected: "",
	}}
	sink := &fakeSink{}

	r, _ := newRunner(fetcher, writer, cursors, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.Run(ctx)

	var conflict *model.ConcurrentAdvanceError
	require.ErrorAs(t, err, &conflict)
	require.NotEmpty(t, sink.byResult(ingest.ResultFatal))
}

func TestRunnerPersistFailuresPastCeilingAreFatal(t *testing.T) {
	fetcher := &fakeFetcher{byToken: map[string][]fetchStep{
		"": {{page: &upstream.Page{Records: [][]byte{offerRecord(1, "10", 5)}, NextToken: "1-0"}}},
	}}
	writer := &fakeWriter{failN: 100, err: &model.PersistenceError{Op: "offers", Err: errors.New("db down")}}
	cursors := &fakeCursorStore{}
	sink := &fakeSink{}

	r, _ := newRunner(fetcher, writer, cursors, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.Run(ctx)

	var pe *model.PersistenceError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, 0, cursors.advanceCount())
	require.NotEmpty(t, sink.byResult(ingest.ResultFatal))
}

func TestRunnerRequestResyncSweepsBook(t *testing.T) {
	fetcher := &fakeFetcher{byToken: map[string][]fetchStep{
		"": {
			// First full read: two offers.
			{page: &upstream.Page{Records: [][]byte{offerRecord(1, "10", 5), offerRecord(2, "20", 5)}, NextToken: "2-0"}},
			// Resync pass: only offer 1 still exists upstream.
			{page: &upstream.Page{Records: [][]byte{offerRecord(1, "10", 8)}, NextToken: "1-0"}},
		},
		"2-0": {{page: &upstream.Page{NextToken: "2-0", UpToDate: true}}},
		"1-0": {{page: &upstream.Page{NextToken: "1-0", UpToDate: true}}},
	}}
	writer := &fakeWriter{}
	cursors := &fakeCursorStore{}
	sink := &fakeSink{}

	r, rec := newRunner(fetcher, writer, cursors, sink)

	// Force the resync once the initial pass has caught up with the head.
	var once sync.Once
	fetcher.onFetch = func(token string) {
		if token == "2-0" {
			once.Do(r.RequestResync)
		}
	}

	err := runUntil(t, r, func() bool {
		return len(writer.removedOfferIDs()) > 0 && !rec.Provisional()
	})
	require.ErrorIs(t, err, context.Canceled)

	require.Contains(t, writer.removedOfferIDs(), int64(2))
	require.Equal(t, 1, rec.BookSize())
	require.Nil(t, rec.Offer(2))
	require.NotNil(t, rec.Offer(1))
	require.Equal(t, reconcile.StateSteady, rec.State())
	require.False(t, cursors.resyncPending())
}

func TestRunnerRestartResumesUnfinishedSweep(t *testing.T) {
	// A previous process persisted offer 2, then died partway through a
	// resync. The durable marker and book survive; the in-memory view does
	// not.
	fetcher := &fakeFetcher{byToken: map[string][]fetchStep{
		"":    {{page: &upstream.Page{Records: [][]byte{offerRecord(1, "10", 8)}, NextToken: "1-0"}}},
		"1-0": {{page: &upstream.Page{NextToken: "1-0", UpToDate: true}}},
	}}
	writer := &fakeWriter{openOffers: []*model.Offer{storedOffer(t, 2, "20", 5)}}
	cursors := &fakeCursorStore{
		pending: true,
		cursor:  &model.Cursor{Stream: model.StreamOffers, PagingToken: "1-0", LedgerSeq: 6},
	}
	sink := &fakeSink{}

	r, rec := newRunner(fetcher, writer, cursors, sink)
	err := runUntil(t, r, func() bool {
		return len(writer.removedOfferIDs()) > 0 && !cursors.resyncPending()
	})
	require.ErrorIs(t, err, context.Canceled)

	// The restarted resync re-read from the earliest point, not from the
	// partial cursor the crashed process left behind.
	require.Contains(t, fetcher.seenTokens(), "")

	require.Contains(t, writer.removedOfferIDs(), int64(2))
	require.Nil(t, rec.Offer(2))
	require.NotNil(t, rec.Offer(1))
	require.Equal(t, 1, rec.BookSize())
	require.Equal(t, reconcile.StateSteady, rec.State())
	require.False(t, rec.Provisional())
}

func TestRunnerHydratedBookSuppressesReplays(t *testing.T) {
	// The upstream replays an offer already persisted by a previous process
	// at the same ledger; a rehydrated book recognizes it and writes nothing.
	fetcher := &fakeFetcher{byToken: map[string][]fetchStep{
		"":    {{page: &upstream.Page{Records: [][]byte{offerRecord(1, "10", 9)}, NextToken: "1-0"}}},
		"1-0": {{page: &upstream.Page{NextToken: "1-0", UpToDate: true}}},
	}}
	writer := &fakeWriter{openOffers: []*model.Offer{storedOffer(t, 1, "10", 9)}}
	cursors := &fakeCursorStore{}
	sink := &fakeSink{}

	r, rec := newRunner(fetcher, writer, cursors, sink)
	err := runUntil(t, r, func() bool { return cursors.advanceCount() >= 1 })
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 0, writer.offerCount())
	require.Equal(t, 1, rec.BookSize())
	cur := cursors.current()
	require.NotNil(t, cur)
	require.Equal(t, uint32(9), cur.LedgerSeq)
}
