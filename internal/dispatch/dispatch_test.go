package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/chainregistry"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/config"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/ratelimit"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/reverseproxy"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/store"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/upstreampool"
)

// harness wires a real Dispatcher over a MemStore and one or more httptest
// upstreams, mirroring the newTestHandlers/newTestRouter pattern
// internal/adminapi's tests use.
type harness struct {
	router chi.Router
	mem    *store.MemStore
	mgr    *upstreampool.Manager
}

func newHarness(t *testing.T, execURLs ...string) *harness {
	t.Helper()
	reg := chainregistry.New(&config.Config{
		Chains: []config.ChainSeed{{Prefix: "ETHEREUM", ExecutionURLs: execURLs}},
	})
	mgr := upstreampool.NewManager(reg)
	mem := store.NewMemStore()
	limiter := ratelimit.New()
	t.Cleanup(limiter.Stop)
	proxy := reverseproxy.New(mgr, zap.NewNop())
	d := New(reg, mgr, mem, limiter, proxy, nil, zap.NewNop())

	r := chi.NewRouter()
	d.Routes(r)
	return &harness{router: r, mem: mem, mgr: mgr}
}

func createApp(t *testing.T, mem *store.MemStore, maxRPS int, dailyLimit int64) *store.App {
	t.Helper()
	app, err := mem.Create(context.Background(), &store.App{
		ChainName:          "ethereum",
		MaxRPS:             maxRPS,
		DailyRequestsLimit: dailyLimit,
	})
	require.NoError(t, err)
	return app
}

func errBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

// S1 valid dispatch: a single execution upstream echoes the JSON-RPC body
// back; the response is 200, the upstream received the identical body, and
// dailyRequests becomes 1.
func TestS1ValidDispatch(t *testing.T) {
	var receivedBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(receivedBody)
	}))
	defer upstream.Close()

	h := newHarness(t, upstream.URL)
	app := createApp(t, h.mem, 5, 100)

	requestBody := `{"jsonrpc":"2.0","method":"eth_blockNumber","id":1}`
	req := httptest.NewRequest(http.MethodPost, "/ethereum/exec/"+app.APIKey+"/", httptestBody(requestBody))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, requestBody, string(receivedBody))
	assert.JSONEq(t, requestBody, rec.Body.String())

	stored, err := h.mem.Get(context.Background(), app.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored.DailyRequests)
}

// S2 invalid key: an unprovisioned apiKey is rejected with 403 invalid_key,
// no app counter changes, and the upstream is never called.
func TestS2InvalidKey(t *testing.T) {
	upstreamCalls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls++
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newHarness(t, upstream.URL)
	createApp(t, h.mem, 5, 100)

	req := httptest.NewRequest(http.MethodPost, "/ethereum/exec/k2/", httptestBody(`{"jsonrpc":"2.0","method":"eth_blockNumber","id":1}`))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "invalid_key", errBody(t, rec))
	assert.Equal(t, 0, upstreamCalls)
}

// S3 RPS limit: six concurrent requests against an app with maxRps=5 see
// exactly five 200s and one 429 rate_limited_rps; dailyRequests ends at 5,
// since the bucket check runs before the counter is ever incremented.
func TestS3RPSLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":"0x1","id":1}`))
	}))
	defer upstream.Close()

	h := newHarness(t, upstream.URL)
	app := createApp(t, h.mem, 5, 100)

	const n = 6
	codes := make([]int, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/ethereum/exec/"+app.APIKey+"/", httptestBody(`{"jsonrpc":"2.0","method":"eth_blockNumber","id":1}`))
			rec := httptest.NewRecorder()
			h.router.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	var ok, limited int
	for _, c := range codes {
		switch c {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			limited++
		}
	}
	assert.Equal(t, 5, ok, "codes: %v", codes)
	assert.Equal(t, 1, limited, "codes: %v", codes)

	stored, err := h.mem.Get(context.Background(), app.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, stored.DailyRequests)
}

// S4 daily limit: an app already at its daily ceiling is rejected with 429
// rate_limited_daily and dailyRequests is left unchanged.
func TestS4DailyLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newHarness(t, upstream.URL)
	app := createApp(t, h.mem, 1000, 100)
	app.DailyRequests = 100
	require.NoError(t, h.mem.Update(context.Background(), app))

	req := httptest.NewRequest(http.MethodPost, "/ethereum/exec/"+app.APIKey+"/", httptestBody(`{"jsonrpc":"2.0","method":"eth_blockNumber","id":1}`))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited_daily", errBody(t, rec))

	stored, err := h.mem.Get(context.Background(), app.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 100, stored.DailyRequests)
}

// S5 upstream failover: of two execution upstreams, A always fails and B
// always succeeds. The first request is retried against B and the response
// body comes from B. Repeating the round-robin sequence until A is picked a
// second time (the pool alternates A, B, A for two healthy endpoints) flips
// A unhealthy after its second consecutive failure, per spec.md §4.3's
// two-failures-down rule.
func TestS5UpstreamFailover(t *testing.T) {
	var aHits, bHits int
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		aHits++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer a.Close()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bHits++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":"from-b","id":1}`))
	}))
	defer b.Close()

	h := newHarness(t, a.URL, b.URL)
	app := createApp(t, h.mem, 1000, 1000)

	doRequest := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/ethereum/exec/"+app.APIKey+"/", httptestBody(`{"jsonrpc":"2.0","method":"eth_blockNumber","id":1}`))
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		return rec
	}

	// Request 1: pool picks A first (fresh round-robin cursor), A fails,
	// failover to B succeeds.
	rec := doRequest()
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "from-b")

	pool, ok := h.mgr.Pool("ethereum", upstreampool.Execution)
	require.True(t, ok)
	endpointFor := func(url string) *upstreampool.Endpoint {
		for _, ep := range pool.Endpoints() {
			if ep.URL == url {
				return ep
			}
		}
		t.Fatalf("no endpoint for %s", url)
		return nil
	}
	epA := endpointFor(a.URL)
	assert.True(t, epA.Healthy(), "one failure is not enough to flip unhealthy")
	assert.EqualValues(t, 1, epA.ConsecutiveFails())

	// Request 2: round-robin now prefers B, which succeeds on the first try.
	rec = doRequest()
	require.Equal(t, http.StatusOK, rec.Code)

	// Request 3: round-robin wraps back to A, which fails for a second
	// consecutive time and flips unhealthy; failover to B still succeeds.
	rec = doRequest()
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "from-b")
	assert.False(t, epA.Healthy(), "two consecutive failures must flip the endpoint unhealthy")
	assert.GreaterOrEqual(t, aHits, 2)
	assert.GreaterOrEqual(t, bHits, 2)
}

// S6 unknown chain: a chain name the registry never saw is rejected with
// 404 unknown_chain before any app lookup, regardless of layer.
func TestS6UnknownChain(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/solana/cons/k1/eth/v1/node/health", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown_chain", errBody(t, rec))
}

// A layer the chain never configured is a 404 at the PARSED stage: an
// execution-only chain has no consensus surface to route to, and the app's
// counters are never touched.
func TestUnconfiguredLayerRejectsBeforeAppLookup(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newHarness(t, upstream.URL) // execution only
	app := createApp(t, h.mem, 5, 100)

	req := httptest.NewRequest(http.MethodGet, "/ethereum/cons/"+app.APIKey+"/eth/v1/node/health", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown_chain", errBody(t, rec))

	stored, err := h.mem.Get(context.Background(), app.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stored.DailyRequests)
}

// A request against a disabled chain never reaches the app store either,
// matching spec.md §4.7's state machine ordering.
func TestChainDisabledRejectsBeforeAppLookup(t *testing.T) {
	upstreamCalls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls++
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newHarness(t, upstream.URL)
	app := createApp(t, h.mem, 5, 100)

	reg := chainregistry.New(&config.Config{Chains: []config.ChainSeed{{Prefix: "ETHEREUM", ExecutionURLs: []string{upstream.URL}}}})
	reg.SetEnabled("ethereum", false)
	mgr := upstreampool.NewManager(reg)
	limiter := ratelimit.New()
	defer limiter.Stop()
	proxy := reverseproxy.New(mgr, zap.NewNop())
	d := New(reg, mgr, h.mem, limiter, proxy, nil, zap.NewNop())
	r := chi.NewRouter()
	d.Routes(r)

	req := httptest.NewRequest(http.MethodPost, "/ethereum/exec/"+app.APIKey+"/", httptestBody(`{}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "chain_disabled", errBody(t, rec))
	assert.Equal(t, 0, upstreamCalls)

	stored, err := h.mem.Get(context.Background(), app.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stored.DailyRequests, "a chain-level rejection must not touch the counter")
}

// A valid key used against the wrong chain is rejected before its counters
// are touched, closing the quota-drain side channel a 404/403 rejection
// would otherwise open.
func TestWrongChainForKeyDoesNotDrainQuota(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	reg := chainregistry.New(&config.Config{Chains: []config.ChainSeed{
		{Prefix: "ETHEREUM", ExecutionURLs: []string{upstream.URL}},
		{Prefix: "POLYGON", ExecutionURLs: []string{upstream.URL}},
	}})
	mgr := upstreampool.NewManager(reg)
	mem := store.NewMemStore()
	limiter := ratelimit.New()
	defer limiter.Stop()
	proxy := reverseproxy.New(mgr, zap.NewNop())
	d := New(reg, mgr, mem, limiter, proxy, nil, zap.NewNop())
	r := chi.NewRouter()
	d.Routes(r)

	app := createApp(t, mem, 5, 100) // provisioned for "ethereum"

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/polygon/exec/"+app.APIKey+"/", httptestBody(`{}`))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "unknown_chain", errBody(t, rec))
	}

	stored, err := mem.Get(context.Background(), app.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stored.DailyRequests)
}

func httptestBody(s string) io.Reader { return strings.NewReader(s) }
