package reverseproxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/chainregistry"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/config"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/upstreampool"
)

func newTestProxy(t *testing.T, urls ...string) (*Proxy, *upstreampool.Manager) {
	t.Helper()
	reg := chainregistry.New(&config.Config{
		Chains: []config.ChainSeed{{Prefix: "ETHEREUM", ExecutionURLs: urls, ConsensusURLs: urls}},
	})
	mgr := upstreampool.NewManager(reg)
	return New(mgr, zap.NewNop()), mgr
}

func TestServeRequestForwardsAndReturnsUpstreamBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
	}))
	defer upstream.Close()

	proxy, _ := newTestProxy(t, upstream.URL)
	req := httptest.NewRequest(http.MethodPost, "/ethereum/exec/key1", strings.NewReader(`{"jsonrpc":"2.0","method":"eth_blockNumber","id":1}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	result := proxy.ServeRequest(rec, req, "ethereum", upstreampool.Execution, "/", []byte(`{"jsonrpc":"2.0","method":"eth_blockNumber","id":1}`))

	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, []string{"eth_blockNumber"}, result.Methods)
	assert.Contains(t, rec.Body.String(), `"result":"0x1"`)
}

func TestServeRequestExtractsBatchMethods(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	proxy, _ := newTestProxy(t, upstream.URL)
	body := []byte(`[{"jsonrpc":"2.0","method":"eth_blockNumber","id":1},{"jsonrpc":"2.0","method":"eth_chainId","id":2}]`)
	req := httptest.NewRequest(http.MethodPost, "/ethereum/exec/key1", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	result := proxy.ServeRequest(rec, req, "ethereum", upstreampool.Execution, "/", body)
	assert.Equal(t, []string{"eth_blockNumber", "eth_chainId"}, result.Methods)
}

func TestServeRequestNonJSONBodyYieldsZeroMethods(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	proxy, _ := newTestProxy(t, upstream.URL)
	req := httptest.NewRequest(http.MethodGet, "/ethereum/cons/key1/eth/v1/beacon/genesis", nil)
	rec := httptest.NewRecorder()

	result := proxy.ServeRequest(rec, req, "ethereum", upstreampool.Consensus, "/eth/v1/beacon/genesis", nil)
	assert.Empty(t, result.Methods, "a non-JSON-RPC (REST) body contributes zero method labels")
}

func TestServeRequestSkipsExtractionForConsensusJSONArray(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	proxy, _ := newTestProxy(t, upstream.URL)
	// A beacon attestation-pool POST carries a JSON array that is not a
	// JSON-RPC batch; it must not be parsed for methods.
	body := []byte(`[{"aggregation_bits":"0x01","signature":"0xab"}]`)
	req := httptest.NewRequest(http.MethodPost, "/ethereum/cons/key1/eth/v1/beacon/pool/attestations", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	result := proxy.ServeRequest(rec, req, "ethereum", upstreampool.Consensus, "/eth/v1/beacon/pool/attestations", body)
	assert.Empty(t, result.Methods, "consensus-layer bodies are never parsed as JSON-RPC")
}

func TestServeRequestFailsOverToSiblingOnFirstUpstreamError(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer good.Close()

	proxy, mgr := newTestProxy(t, bad.URL, good.URL)
	req := httptest.NewRequest(http.MethodPost, "/ethereum/exec/key1", strings.NewReader("{}"))
	rec := httptest.NewRecorder()

	result := proxy.ServeRequest(rec, req, "ethereum", upstreampool.Execution, "/", []byte("{}"))
	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, "ok", rec.Body.String())

	pool, ok := mgr.Pool("ethereum", upstreampool.Execution)
	require.True(t, ok)
	var badEP *upstreampool.Endpoint
	for _, ep := range pool.Endpoints() {
		if ep.URL == bad.URL {
			badEP = ep
		}
	}
	require.NotNil(t, badEP)
	assert.Equal(t, int32(1), badEP.ConsecutiveFails(), "the failed endpoint's failure is recorded synchronously")
}

func TestServeRequestStripsInboundAuthorization(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"), "the gateway credential must never reach the upstream")
		assert.NotEmpty(t, r.Header.Get("X-Forwarded-For"))
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	proxy, _ := newTestProxy(t, upstream.URL)
	req := httptest.NewRequest(http.MethodPost, "/ethereum/exec/key1", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer inbound-jwt")
	rec := httptest.NewRecorder()

	result := proxy.ServeRequest(rec, req, "ethereum", upstreampool.Execution, "/", []byte("{}"))
	assert.Equal(t, http.StatusOK, result.Status)
}

func TestServeRequestMapsDeadlineToGatewayTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The server only notices the client hanging up (and cancels
		// r.Context()) once the request body has been read to EOF.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer slow.Close()

	proxy, _ := newTestProxy(t, slow.URL)
	req := httptest.NewRequest(http.MethodPost, "/ethereum/exec/key1", strings.NewReader("{}"))
	ctx, cancel := context.WithTimeout(req.Context(), 100*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	result := proxy.ServeRequest(rec, req, "ethereum", upstreampool.Execution, "/", []byte("{}"))
	assert.Equal(t, http.StatusGatewayTimeout, result.Status)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestServeRequestReturns502WhenAllUpstreamsFail(t *testing.T) {
	bad1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad1.Close()
	bad2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad2.Close()

	proxy, _ := newTestProxy(t, bad1.URL, bad2.URL)
	req := httptest.NewRequest(http.MethodPost, "/ethereum/exec/key1", strings.NewReader("{}"))
	rec := httptest.NewRecorder()

	result := proxy.ServeRequest(rec, req, "ethereum", upstreampool.Execution, "/", []byte("{}"))
	assert.Equal(t, http.StatusBadGateway, result.Status)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
