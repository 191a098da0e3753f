// Package dispatch implements C7, the per-request pipeline spec.md §4.7
// models as a state machine: RECEIVED -> PARSED -> AUTHED -> ADMITTED ->
// DISPATCHED -> (COMPLETED | FAILED). Each stage below runs inline, in
// order, inside one handler rather than as a chi middleware, grounded in the Sergey-Bar-Alfred gateway
// router's single ordered middleware chain but collapsed into one handler
// since every stage after AUTHED needs the resolved App and chain entry the
// earlier stages produced.
package dispatch

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/apierr"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/chainregistry"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/metrics"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/ratelimit"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/reverseproxy"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/store"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/upstreampool"
)

// maxBodyBytes bounds a single JSON-RPC request body, mirroring the
// router-level body cap other gateway examples in the pack apply before
// any domain parsing happens.
const maxBodyBytes = 5 * 1024 * 1024

// admissionDeadline is the per-request budget applied between ADMITTED and
// DISPATCHED, adapted from the teacher's RequestDeadline middleware
// (request_deadline.go) tier concept, narrowed to a single fixed tier since
// spec.md names no per-route overrides.
const admissionDeadline = 30 * time.Second

// Dispatcher wires the chain registry, upstream pools, app store, rate
// limiter and reverse proxy into spec.md §4.7's pipeline.
type Dispatcher struct {
	registry *chainregistry.Registry
	pools    *upstreampool.Manager
	apps     store.AppStore
	limiter  *ratelimit.Limiter
	proxy    *reverseproxy.Proxy
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New builds a Dispatcher. metrics may be nil in tests.
func New(registry *chainregistry.Registry, pools *upstreampool.Manager, apps store.AppStore, limiter *ratelimit.Limiter, proxy *reverseproxy.Proxy, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		pools:    pools,
		apps:     apps,
		limiter:  limiter,
		proxy:    proxy,
		metrics:  m,
		logger:   logger,
	}
}

// Routes mounts the two proxy surfaces spec.md §6 names, method-agnostic
// (any verb, since execution is always POST but consensus is a REST GET
// surface): `/{chain}/exec/{apiKey}/{*rest}` for the execution layer and
// `/{chain}/cons/{apiKey}/{*rest}` for the consensus layer. Both the
// wildcard and the bare-prefix form (no trailing rest) are mounted so an
// empty rest collapses to "/", per spec.md §4.6 step 1.
func (d *Dispatcher) Routes(r chi.Router) {
	r.Handle("/{chain}/exec/{apiKey}", d.handle(upstreampool.Execution))
	r.Handle("/{chain}/exec/{apiKey}/*", d.handle(upstreampool.Execution))
	r.Handle("/{chain}/cons/{apiKey}", d.handle(upstreampool.Consensus))
	r.Handle("/{chain}/cons/{apiKey}/*", d.handle(upstreampool.Consensus))
}

func (d *Dispatcher) handle(layer upstreampool.Layer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		correlationID := requestCorrelationID(r)

		// RECEIVED -> PARSED
		chainName := chi.URLParam(r, "chain")
		upstreamPath := "/" + chi.URLParam(r, "*")
		body, err := d.readBody(r)
		if err != nil {
			apierr.WriteJSON(w, correlationID, apierr.Wrap(apierr.Internal, "reading request body", err))
			return
		}

		// PARSED -> 404 chain/layer: resolved from the URL alone, before any
		// app lookup or store mutation, per spec.md §4.7's state machine
		// ("PARSED -> [404 chain/layer] -> AUTHED") and §7's error table,
		// which assigns unknown_chain/chain_disabled to C7 independent of C4.
		entry, ok := d.registry.Get(chainName)
		if !ok {
			apierr.WriteJSON(w, correlationID, apierr.New(apierr.UnknownChain, "unknown chain"))
			return
		}
		if !entry.Enabled {
			apierr.WriteJSON(w, correlationID, apierr.New(apierr.ChainDisabled, "chain is disabled"))
			return
		}
		layerURLs := entry.Execution
		if layer == upstreampool.Consensus {
			layerURLs = entry.Consensus
		}
		if len(layerURLs) == 0 {
			apierr.WriteJSON(w, correlationID, apierr.New(apierr.UnknownChain, "layer not configured for chain"))
			return
		}

		apiKey := chi.URLParam(r, "apiKey")
		if apiKey == "" {
			apierr.WriteJSON(w, correlationID, apierr.New(apierr.MissingAPIKey, "missing api key"))
			return
		}

		// PARSED -> AUTHED: a plain, non-mutating lookup first, so a request
		// that fails auth or chain-provisioning never touches the app's
		// counters. GetByAPIKey (unlike TouchAndCount) doesn't filter on
		// isActive, so invalid_key and inactive_app are distinguishable
		// instead of both collapsing into "no active app found".
		candidate, err := d.apps.GetByAPIKey(r.Context(), apiKey)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				apierr.WriteJSON(w, correlationID, apierr.New(apierr.InvalidKey, "invalid api key"))
				return
			}
			apierr.WriteJSON(w, correlationID, apierr.Wrap(apierr.StoreUnavailable, "looking up app", err))
			return
		}
		if !candidate.IsActive {
			apierr.WriteJSON(w, correlationID, apierr.New(apierr.InactiveApp, "app is inactive"))
			return
		}
		if !strings.EqualFold(candidate.ChainName, chainName) {
			apierr.WriteJSON(w, correlationID, apierr.New(apierr.UnknownChain, "api key not provisioned for this chain"))
			return
		}

		// AUTHED -> ADMITTED, in spec.md §4.5's order: RPS bucket first
		// (cheapest, never touches the store), then the advisory daily
		// pre-check against the last-observed counter, then C4's
		// authoritative increment with its post-increment re-check.
		if candidate.MaxRPS > 0 && !d.limiter.Allow(apiKey, candidate.MaxRPS) {
			if d.metrics != nil {
				d.metrics.RecordRateLimitHit("rps", hashKey(apiKey))
			}
			apierr.WriteJSON(w, correlationID, apierr.New(apierr.RateLimitedRPS, "per-second rate limit exceeded"))
			return
		}
		today := time.Now().UTC().Format("2006-01-02")
		if candidate.DailyRequestsLimit > 0 && candidate.LastResetDate == today && candidate.DailyRequests >= candidate.DailyRequestsLimit {
			if d.metrics != nil {
				d.metrics.RecordRateLimitHit("daily", hashKey(apiKey))
			}
			apierr.WriteJSON(w, correlationID, apierr.New(apierr.RateLimitedDaily, "daily request quota exceeded"))
			return
		}

		touch, err := d.apps.TouchAndCount(r.Context(), apiKey)
		if err != nil {
			apierr.WriteJSON(w, correlationID, apierr.Wrap(apierr.StoreUnavailable, "counting request", err))
			return
		}
		if touch.Invalid {
			// Rare race: the app was deactivated between the GetByAPIKey
			// check above and this increment.
			apierr.WriteJSON(w, correlationID, apierr.New(apierr.InactiveApp, "app is inactive"))
			return
		}
		app := touch.App

		// The advisory check above can race N concurrent requests past the
		// limit; the store's post-increment value is authoritative, so any
		// overshoot is rejected here and compensated back down (spec.md §4.4).
		if app.DailyRequestsLimit > 0 && app.DailyRequests > app.DailyRequestsLimit {
			if d.metrics != nil {
				d.metrics.RecordRateLimitHit("daily", hashKey(apiKey))
			}
			_ = d.apps.CompensateDaily(r.Context(), app.ID)
			apierr.WriteJSON(w, correlationID, apierr.New(apierr.RateLimitedDaily, "daily request quota exceeded"))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), admissionDeadline)
		defer cancel()
		r = r.WithContext(ctx)

		// DISPATCHED -> (COMPLETED | FAILED)
		result := d.proxy.ServeRequest(w, r, chainName, layer, upstreamPath, body)

		if d.metrics != nil {
			status := strconv.Itoa(result.Status)
			if len(result.Methods) == 0 {
				// A non-JSON-RPC body (the consensus REST surface, mostly)
				// contributes zero method labels but still counts as one
				// observed request.
				d.metrics.ObserveRequest(chainName, string(layer), "", hashKey(apiKey), status, result.Duration.Seconds())
			}
			// One label per batch method, one admission for the whole batch.
			for _, method := range result.Methods {
				d.metrics.ObserveRequest(chainName, string(layer), method, hashKey(apiKey), status, result.Duration.Seconds())
			}
		}
	}
}

func (d *Dispatcher) readBody(r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// requestCorrelationID prefers a caller-supplied correlation header, then
// falls back to the request ID chi's middleware.RequestID stamped onto the
// context (the common case, since most callers send neither header).
func requestCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return middleware.GetReqID(r.Context())
}

// hashKey maps an api key to a stable FNV-1a digest so metric labels never
// carry secret material, per spec.md §4.8/§9's apiKeyHash label.
func hashKey(apiKey string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(apiKey))
	return strconv.FormatUint(h.Sum64(), 16)
}
