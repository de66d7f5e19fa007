package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"DexIndexer/internal/ingest"
	"DexIndexer/internal/model"
	"DexIndexer/internal/observability"
	"DexIndexer/internal/query"
	"DexIndexer/internal/reconcile"
	"DexIndexer/internal/server"
)

var testMetrics = observability.NewMetrics()

func newTestServer(t *testing.T, ready bool) (*server.Server, *ingest.Registry) {
	t.Helper()

	registry := ingest.NewRegistry()
	rec := reconcile.New(model.StreamOffers, 5, zerolog.Nop())
	runner := ingest.NewRunner(
		model.StreamOffers, ingest.DefaultConfig(),
		nil, rec, nil, nil, nil,
		testMetrics, zerolog.Nop(),
	)
	registry.Register(runner)

	health := observability.NewHealthChecker()
	health.SetReady(ready)

	svc := query.NewService(nil, registry)
	return server.New(":0", svc, registry, health, testMetrics, zerolog.Nop()), registry
}

func do(t *testing.T, s *server.Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestHealthProbes(t *testing.T) {
	s, _ := newTestServer(t, true)

	rr := do(t, s, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "alive", decode(t, rr)["status"])

	rr = do(t, s, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ready", decode(t, rr)["status"])
}

func TestReadinessBeforeStartup(t *testing.T) {
	s, _ := newTestServer(t, false)

	rr := do(t, s, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, "not_ready", decode(t, rr)["status"])
}

func TestOrderBookRequiresBothAssets(t *testing.T) {
	s, _ := newTestServer(t, true)

	for _, target := range []string{
		"/v1/orderbook",
		"/v1/orderbook?selling=native",
		"/v1/orderbook?buying=native",
	} {
		rr := do(t, s, http.MethodGet, target)
		require.Equal(t, http.StatusBadRequest, rr.Code, target)
		require.Contains(t, decode(t, rr)["error"], "required")
	}
}

func TestOrderBookRejectsIdenticalAssets(t *testing.T) {
	s, _ := newTestServer(t, true)

	rr := do(t, s, http.MethodGet, "/v1/orderbook?selling=native&buying=native")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, decode(t, rr)["error"], "differ")
}

func TestTradesRejectsInvalidLimit(t *testing.T) {
	s, _ := newTestServer(t, true)

	for _, target := range []string{
		"/v1/trades?limit=0",
		"/v1/trades?limit=-5",
		"/v1/trades?limit=abc",
	} {
		rr := do(t, s, http.MethodGet, target)
		require.Equal(t, http.StatusBadRequest, rr.Code, target)
	}
}

func TestResyncSchedulesKnownStream(t *testing.T) {
	s, _ := newTestServer(t, true)

	rr := do(t, s, http.MethodPost, "/v1/streams/offers/resync")
	require.Equal(t, http.StatusAccepted, rr.Code)
	body := decode(t, rr)
	require.Equal(t, "offers", body["stream"])
	require.Equal(t, "resync_scheduled", body["status"])
}

func TestResyncUnknownStreamIs404(t *testing.T) {
	s, _ := newTestServer(t, true)

	rr := do(t, s, http.MethodPost, "/v1/streams/nope/resync")
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "unknown stream", decode(t, rr)["error"])
}

func TestResyncRequiresPost(t *testing.T) {
	s, _ := newTestServer(t, true)

	rr := do(t, s, http.MethodGet, "/v1/streams/offers/resync")
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
