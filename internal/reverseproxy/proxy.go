// Package reverseproxy implements C6, the six-step proxying procedure
// spec.md §4.6 describes: target selection, header/method/query
// forwarding, JSON-RPC method extraction, and one-retry failover to a
// sibling upstream before surfacing a structured 502. Built on the
// standard library's httputil.ReverseProxy the way the teacher's module
// sits in front of Caddy's own reverseproxy handler, rather than a
// hand-rolled transport.
package reverseproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/upstreampool"
)

// hopByHopHeaders are stripped before forwarding, per spec.md §4.6 step 3.
// Authorization is not hop-by-hop but is dropped with them: the inbound
// credential authenticates the caller to the gateway, never to the upstream.
var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Transfer-Encoding",
	"TE", "Trailer", "Upgrade", "Proxy-Authenticate", "Proxy-Authorization",
	"Authorization",
}

// jsonRPCRequest is used only to extract a "method" label for metrics and
// response headers; the body bytes themselves are forwarded unmodified.
type jsonRPCRequest struct {
	Method string `json:"method"`
}

// Proxy forwards admitted requests to a chain's selected upstream.
type Proxy struct {
	pools  *upstreampool.Manager
	logger *zap.Logger
}

// New builds a Proxy over the given upstream pool manager.
func New(pools *upstreampool.Manager, logger *zap.Logger) *Proxy {
	return &Proxy{pools: pools, logger: logger}
}

// Result carries what the Dispatcher needs to log/meter after proxying.
// Methods holds every JSON-RPC method name found in the body: zero for a
// non-JSON-RPC body, one for a single request, and one per entry for a
// batch, per spec.md §8's invariant 6 ("exactly one label per method in a
// batch").
type Result struct {
	Chain    string
	Layer    upstreampool.Layer
	Methods  []string
	Status   int
	Duration time.Duration
}

// ServeRequest executes spec.md §4.6's six steps: select a target, copy
// the request, extract the JSON-RPC method, proxy it, and on failure retry
// once against a sibling endpoint before returning a structured 502. path is
// the upstream path with the `/{chain}/{exec|cons}/{apiKey}` prefix already
// stripped by the Dispatcher (spec.md §4.6 step 1).
func (p *Proxy) ServeRequest(w http.ResponseWriter, r *http.Request, chain string, layer upstreampool.Layer, path string, body []byte) Result {
	start := time.Now()

	// spec.md §4.6 step 4 gates extraction on both layer and media type: a
	// consensus REST body may legitimately be a JSON array (e.g. a beacon
	// attestation pool POST) without being a JSON-RPC batch.
	var methods []string
	if layer == upstreampool.Execution && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		methods = extractMethods(body)
	}

	attempted := make([]string, 0, 2)

	ep, degraded, err := p.pools.Pick(chain, layer)
	if err != nil {
		writeUpstreamError(w, http.StatusServiceUnavailable, chain, string(layer), attempted, err)
		return Result{Chain: chain, Layer: layer, Methods: methods, Status: http.StatusServiceUnavailable, Duration: time.Since(start)}
	}
	if degraded {
		p.logger.Warn("serving request from degraded upstream", zap.String("chain", chain), zap.String("url", ep.URL))
	}

	status, buf, err := p.attempt(r, ep, path, body, layer)
	attempted = append(attempted, ep.URL)
	if err == nil {
		ep.RecordSuccess()
		buf.flushTo(w)
		return Result{Chain: chain, Layer: layer, Methods: methods, Status: status, Duration: time.Since(start)}
	}
	if !errors.Is(err, upstreampool.ErrSaturated) {
		// spec.md §4.6 step 6: mark one failure toward unhealthy immediately,
		// without waiting for the prober's next interval. A saturated endpoint
		// is busy, not broken, so it keeps its health state.
		ep.RecordFailure()
	}

	pool, _ := p.pools.Pool(chain, layer)
	var retryEP *upstreampool.Endpoint
	if pool != nil {
		for _, candidate := range pool.Other(ep) {
			if candidate.Healthy() {
				retryEP = candidate
				break
			}
		}
	}
	if retryEP == nil {
		failStatus := statusFor(err)
		writeUpstreamError(w, failStatus, chain, string(layer), attempted, err)
		return Result{Chain: chain, Layer: layer, Methods: methods, Status: failStatus, Duration: time.Since(start)}
	}

	status, buf, err = p.attempt(r, retryEP, path, body, layer)
	attempted = append(attempted, retryEP.URL)
	if err != nil {
		if !errors.Is(err, upstreampool.ErrSaturated) {
			retryEP.RecordFailure()
		}
		failStatus := statusFor(err)
		writeUpstreamError(w, failStatus, chain, string(layer), attempted, err)
		return Result{Chain: chain, Layer: layer, Methods: methods, Status: failStatus, Duration: time.Since(start)}
	}
	retryEP.RecordSuccess()
	buf.flushTo(w)
	return Result{Chain: chain, Layer: layer, Methods: methods, Status: status, Duration: time.Since(start)}
}

// statusFor maps a failed attempt's error to spec.md §7's table: a deadline
// overrun is 504 upstream_timeout, a saturated endpoint is 503
// upstream_saturated, anything else is the 502 no_healthy_upstream surface.
func statusFor(err error) int {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return http.StatusGatewayTimeout
	case errors.Is(err, upstreampool.ErrSaturated):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// attempt proxies one try against ep into an in-memory buffer rather than
// the caller's http.ResponseWriter: a >=500 upstream response must still be
// retryable against a sibling endpoint, which is impossible once headers
// have actually been written to the client. The caller flushes the buffer
// only once it has committed to the response it wants to keep.
func (p *Proxy) attempt(r *http.Request, ep *upstreampool.Endpoint, path string, body []byte, layer upstreampool.Layer) (int, *bufferedResponse, error) {
	ctx := r.Context()
	if err := ep.Acquire(ctx); err != nil {
		return 0, nil, fmt.Errorf("acquiring endpoint slot: %w", err)
	}
	defer ep.Release()

	target, err := urlJoin(ep.URL, path)
	if err != nil {
		return 0, nil, fmt.Errorf("building target url: %w", err)
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("building proxy request: %w", err)
	}
	outReq.URL.RawQuery = r.URL.RawQuery
	copyHeaders(outReq.Header, r.Header)
	outReq.Header.Set("X-Forwarded-For", clientIP(r))
	outReq.ContentLength = int64(len(body))

	buf := newBufferedResponse()
	elapsedStart := time.Now()
	rt := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			*req = *outReq
		},
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Set("X-RPC-Gateway", "true")
			resp.Header.Set("X-Endpoint-Type", string(layer))
			resp.Header.Set("X-Response-Time", strconv.FormatFloat(time.Since(elapsedStart).Seconds(), 'f', 6, 64))
			return nil
		},
		ErrorHandler: func(_ http.ResponseWriter, _ *http.Request, e error) {
			err = fmt.Errorf("proxy request failed: %w", e)
		},
	}

	rt.ServeHTTP(buf, outReq)
	if err != nil {
		return 0, nil, err
	}
	if buf.status >= 500 {
		return buf.status, nil, fmt.Errorf("upstream returned status %d", buf.status)
	}
	return buf.status, buf, nil
}

// bufferedResponse is a minimal in-memory http.ResponseWriter used to hold
// an attempt's response until ServeRequest decides to keep it.
type bufferedResponse struct {
	header      http.Header
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) {
	if b.wroteHeader {
		return
	}
	b.status = code
	b.wroteHeader = true
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if !b.wroteHeader {
		b.WriteHeader(http.StatusOK)
	}
	return b.body.Write(p)
}

// flushTo copies the buffered headers, status and body to w.
func (b *bufferedResponse) flushTo(w http.ResponseWriter) {
	dst := w.Header()
	for k, vv := range b.header {
		dst[k] = vv
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

func urlJoin(base, path string) (string, error) {
	return strings.TrimSuffix(base, "/") + path, nil
}

// extractMethods parses the JSON-RPC "method" field(s), handling a batch
// request array by returning one entry per method, per spec.md §4.6 step 4
// and §8's invariant 6. Malformed or non-JSON-RPC bodies yield no methods
// rather than an error: method extraction is for labeling only, never for
// validation.
func extractMethods(body []byte) []string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '[' {
		var batch []jsonRPCRequest
		if err := json.Unmarshal(trimmed, &batch); err != nil || len(batch) == 0 {
			return nil
		}
		methods := make([]string, 0, len(batch))
		for _, req := range batch {
			methods = append(methods, req.Method)
		}
		return methods
	}
	var single jsonRPCRequest
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil
	}
	return []string{single.Method}
}

type upstreamErrorBody struct {
	Error     string   `json:"error"`
	Chain     string   `json:"chain"`
	Layer     string   `json:"layer"`
	Attempted []string `json:"attempted"`
}

func writeUpstreamError(w http.ResponseWriter, status int, chain, layer string, attempted []string, cause error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(upstreamErrorBody{
		Error:     errString(cause),
		Chain:     chain,
		Layer:     layer,
		Attempted: attempted,
	})
}

func errString(err error) string {
	if err == nil {
		return "upstream unavailable"
	}
	return err.Error()
}
