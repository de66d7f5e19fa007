package upstream_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"DexIndexer/internal/model"
	"DexIndexer/internal/observability"
	"DexIndexer/internal/upstream"
)

var testMetrics = observability.NewMetrics()

func newClient(t *testing.T, baseURL string) *upstream.Client {
	t.Helper()
	cfg := upstream.Config{
		BaseURL:     baseURL,
		MaxRetries:  2,
		RetryBase:   time.Millisecond,
		RetryCap:    5 * time.Millisecond,
		HTTPTimeout: time.Second,
	}
	return upstream.NewClient(cfg, testMetrics, zerolog.Nop())
}

const pageBody = `{
	"_embedded": {
		"records": [
			{"id": "1", "paging_token": "100-0"},
			{"id": "2", "paging_token": "200-0"}
		]
	}
}`

func TestFetchPageParsesRecordsAndNextToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/offers", r.URL.Path)
		require.Equal(t, "asc", r.URL.Query().Get("order"))
		require.Equal(t, "200", r.URL.Query().Get("limit"))
		require.Equal(t, "50-0", r.URL.Query().Get("cursor"))
		w.Write([]byte(pageBody))
	}))
	defer srv.Close()

	page, err := newClient(t, srv.URL).FetchPage(context.Background(), model.StreamOffers, "50-0", 200)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.Equal(t, "200-0", page.NextToken)
	require.False(t, page.UpToDate)
}

func TestFetchPageEmptyMeansUpToDate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"_embedded": {"records": []}}`))
	}))
	defer srv.Close()

	page, err := newClient(t, srv.URL).FetchPage(context.Background(), model.StreamTrades, "77-0", 10)
	require.NoError(t, err)
	require.True(t, page.UpToDate)
	require.Empty(t, page.Records)
	// Token is unchanged so the next cycle polls the same position.
	require.Equal(t, "77-0", page.NextToken)
}

func TestFetchPageRetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(pageBody))
	}))
	defer srv.Close()

	page, err := newClient(t, srv.URL).FetchPage(context.Background(), model.StreamOffers, "", 10)
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Len(t, page.Records, 2)
}

func TestFetchPageExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).FetchPage(context.Background(), model.StreamOffers, "", 10)
	require.Error(t, err)

	var tfe *model.TransientFetchError
	require.True(t, errors.As(err, &tfe))
	require.Equal(t, 3, tfe.Attempts)
}

func TestFetchPageGoneIsStaleCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).FetchPage(context.Background(), model.StreamOffers, "expired-0", 10)

	var sce *model.StaleCursorError
	require.True(t, errors.As(err, &sce))
	require.Equal(t, model.StreamOffers, sce.Stream)
	require.Equal(t, "expired-0", sce.Token)
}

func TestFetchPageBeforeHistoryIsStaleCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type": "https://example.test/errors/before_history", "title": "Data Requested Is Before Recorded History"}`))
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).FetchPage(context.Background(), model.StreamTrades, "1-0", 10)

	var sce *model.StaleCursorError
	require.True(t, errors.As(err, &sce))
}

func TestFetchPagePlainBadRequestIsNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type": "bad_request", "title": "Bad Request"}`))
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).FetchPage(context.Background(), model.StreamOffers, "x", 10)
	require.Error(t, err)
	require.Equal(t, 1, calls)

	var sce *model.StaleCursorError
	require.False(t, errors.As(err, &sce))
	var tfe *model.TransientFetchError
	require.False(t, errors.As(err, &tfe))
}

func TestFetchPageUnknownStream(t *testing.T) {
	_, err := newClient(t, "http://127.0.0.1:0").FetchPage(context.Background(), "bogus", "", 10)
	require.Error(t, err)
}

func TestFetchPageHonorsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newClient(t, srv.URL).FetchPage(ctx, model.StreamOffers, "", 10)
	require.Error(t, err)
}
