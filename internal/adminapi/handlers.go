// Package adminapi implements C9's admin surfaces: per-chain node health
// and scraped Prometheus metrics (spec.md §4.9), plus chains/apps/users/
// default-settings CRUD (spec.md §6), grounded in the response-shape style
// of the teacher's ServeHealthEndpoint (health_endpoint.go) adapted from a
// single fixed node list to the dynamic chain registry and upstream pools.
package adminapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/apierr"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/chainregistry"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/healthprobe"
	gwmetrics "github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/metrics"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/store"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/upstreampool"
)

// Handlers exposes the admin HTTP surface. All routes are expected to sit
// behind an isAdmin=true auth gate (see internal/authapi).
type Handlers struct {
	registry   *chainregistry.Registry
	pools      *upstreampool.Manager
	prober     *healthprobe.Prober
	aggregator *gwmetrics.Aggregator
	chains     store.ChainStore
	apps       store.AppStore
	users      store.UserStore
	settings   store.SettingsStore
	logger     *zap.Logger
}

// New builds admin Handlers.
func New(registry *chainregistry.Registry, pools *upstreampool.Manager, prober *healthprobe.Prober, aggregator *gwmetrics.Aggregator, chains store.ChainStore, apps store.AppStore, users store.UserStore, settings store.SettingsStore, logger *zap.Logger) *Handlers {
	return &Handlers{
		registry:   registry,
		pools:      pools,
		prober:     prober,
		aggregator: aggregator,
		chains:     chains,
		apps:       apps,
		users:      users,
		settings:   settings,
		logger:     logger,
	}
}

// Routes mounts every admin endpoint spec.md §6/§4.9 names.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/admin/node-health/{chain}", h.nodeHealth)
	r.Get("/admin/node-metrics/{chain}", h.nodeMetrics)

	r.Patch("/admin/users/{userId}", h.updateUser)

	r.Get("/admin/chains", h.listChains)
	r.Post("/admin/chains", h.createChain)
	r.Patch("/admin/chains/{chainId}", h.updateChain)
	r.Delete("/admin/chains/{chainId}", h.deleteChain)

	r.Patch("/admin/apps/{appId}", h.updateApp)

	r.Get("/admin/default-app-settings", h.getSettings)
	r.Patch("/admin/default-app-settings", h.updateSettings)
}

// --- Node health ---

type endpointHealth struct {
	URL        string    `json:"url"`
	Healthy    bool      `json:"healthy"`
	LastProbe  time.Time `json:"lastProbe"`
	LastError  string    `json:"lastError,omitempty"`
	InFlight   int32     `json:"inFlight"`
	Fails      int32     `json:"consecutiveFailures"`
}

// layerHealth is the `{status, nodes}` shape spec.md §4.9 names for each of
// the execution/consensus blocks.
type layerHealth struct {
	Status string           `json:"status"`
	Nodes  []endpointHealth `json:"nodes"`
}

// metricsHealth is the `{status, totalNodes, availableNodes, nodes}` shape
// spec.md §4.9 names for the scraped-metrics block, fed by the same
// aggregator fan-out nodeMetrics exposes.
type metricsHealth struct {
	Status         string        `json:"status"`
	TotalNodes     int           `json:"totalNodes"`
	AvailableNodes int           `json:"availableNodes"`
	Nodes          []scrapedNode `json:"nodes"`
}

type nodeHealthResponse struct {
	Chain     string        `json:"chain"`
	Execution layerHealth   `json:"execution"`
	Consensus layerHealth   `json:"consensus"`
	Metrics   metricsHealth `json:"metrics"`
	Overall   string        `json:"overall"`
}

// PublicNodeHealth serves the same per-chain node-health snapshot as
// GET /admin/node-health/{chain}, for spec.md §6's unauthenticated
// `GET /health/{chain}` route. The two routes share one handler because
// spec.md §4.9 and §6 both describe the identical merged snapshot, one
// behind the admin gate and one on the open routing surface.
func (h *Handlers) PublicNodeHealth(w http.ResponseWriter, r *http.Request) {
	h.nodeHealth(w, r)
}

func (h *Handlers) nodeHealth(w http.ResponseWriter, r *http.Request) {
	chainName := chi.URLParam(r, "chain")
	entry, ok := h.registry.Get(chainName)
	if !ok {
		apierr.WriteJSON(w, "", apierr.New(apierr.UnknownChain, "unknown chain"))
		return
	}

	collect := func(layer upstreampool.Layer) layerHealth {
		pool, ok := h.pools.Pool(chainName, layer)
		if !ok {
			return layerHealth{Status: "unconfigured"}
		}
		lh := layerHealth{Status: "unhealthy"}
		for _, ep := range pool.Endpoints() {
			eh := endpointHealth{
				URL:       ep.URL,
				Healthy:   ep.Healthy(),
				InFlight:  int32(ep.InFlight()),
				Fails:     int32(ep.ConsecutiveFails()),
				LastProbe: ep.LastProbeAt(),
			}
			if result, ok := h.prober.LastResult(ep.URL); ok && result.Err != nil {
				eh.LastError = result.Err.Error()
			}
			if eh.Healthy {
				lh.Status = "healthy"
			}
			lh.Nodes = append(lh.Nodes, eh)
		}
		return lh
	}

	resp := nodeHealthResponse{
		Chain:     chainName,
		Execution: collect(upstreampool.Execution),
		Consensus: collect(upstreampool.Consensus),
	}

	if len(entry.Prometheus) > 0 {
		results := h.aggregator.Scrape(r.Context(), entry.Prometheus)
		resp.Metrics.TotalNodes = len(results)
		for i, res := range results {
			resp.Metrics.Nodes = append(resp.Metrics.Nodes, newScrapedNode(i, res))
			if res.Err == nil {
				resp.Metrics.AvailableNodes++
			}
		}
		if resp.Metrics.AvailableNodes > 0 {
			resp.Metrics.Status = "available"
		} else {
			resp.Metrics.Status = "unavailable"
		}
	} else {
		resp.Metrics.Status = "unconfigured"
	}

	resp.Overall = "unhealthy"
	execOK := resp.Execution.Status == "healthy" || resp.Execution.Status == "unconfigured"
	consOK := resp.Consensus.Status == "healthy" || resp.Consensus.Status == "unconfigured"
	if execOK && consOK && (resp.Execution.Status == "healthy" || resp.Consensus.Status == "healthy") {
		resp.Overall = "healthy"
	}

	writeJSON(w, http.StatusOK, resp)
}

// --- Node metrics (scraped) ---

type nodeMetricsResponse struct {
	Chain   string        `json:"chain"`
	Scraped []scrapedNode `json:"scraped"`
}

// scrapedNode is the per-upstream shape spec.md §4.8/§4.9 name for one
// Prometheus scrape attempt. nodeIndex pins the endpoint's position in its
// configured URL list, stable across scrapes so a caller can correlate a
// node across polls even as it flips between available and unavailable. A
// node carries metrics on success or error on failure, never both.
type scrapedNode struct {
	NodeIndex int                `json:"nodeIndex"`
	NodeURL   string             `json:"nodeUrl"`
	Status    string             `json:"status"` // "available" | "unavailable"
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// newScrapedNode adapts one aggregator ScrapeResult to the wire shape,
// flattening each Prometheus metric family to its summed sample value:
// admin consumers get actual scraped numbers rather than a bare family
// count.
func newScrapedNode(index int, res gwmetrics.ScrapeResult) scrapedNode {
	if res.Err != nil {
		return scrapedNode{NodeIndex: index, NodeURL: res.URL, Status: "unavailable", Error: res.Err.Error()}
	}
	return scrapedNode{NodeIndex: index, NodeURL: res.URL, Status: "available", Metrics: flattenFamilies(res.Families)}
}

func flattenFamilies(families map[string]*dto.MetricFamily) map[string]float64 {
	out := make(map[string]float64, len(families))
	for name, fam := range families {
		var sum float64
		for _, m := range fam.GetMetric() {
			switch {
			case m.Gauge != nil:
				sum += m.GetGauge().GetValue()
			case m.Counter != nil:
				sum += m.GetCounter().GetValue()
			case m.Untyped != nil:
				sum += m.GetUntyped().GetValue()
			}
		}
		out[name] = sum
	}
	return out
}

func (h *Handlers) nodeMetrics(w http.ResponseWriter, r *http.Request) {
	chainName := chi.URLParam(r, "chain")
	entry, ok := h.registry.Get(chainName)
	if !ok {
		apierr.WriteJSON(w, "", apierr.New(apierr.UnknownChain, "unknown chain"))
		return
	}
	if len(entry.Prometheus) == 0 {
		writeJSON(w, http.StatusOK, nodeMetricsResponse{Chain: chainName})
		return
	}

	results := h.aggregator.Scrape(r.Context(), entry.Prometheus)
	resp := nodeMetricsResponse{Chain: chainName}
	for i, res := range results {
		resp.Scraped = append(resp.Scraped, newScrapedNode(i, res))
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Chains CRUD ---

func (h *Handlers) listChains(w http.ResponseWriter, r *http.Request) {
	chains, err := h.chains.List(r.Context())
	if err != nil {
		apierr.WriteJSON(w, "", apierr.Wrap(apierr.StoreUnavailable, "listing chains", err))
		return
	}
	writeJSON(w, http.StatusOK, chains)
}

func (h *Handlers) createChain(w http.ResponseWriter, r *http.Request) {
	var c store.Chain
	if !decodeJSON(w, r, &c) {
		return
	}
	created, err := h.chains.Create(r.Context(), &c)
	if err != nil {
		apierr.WriteJSON(w, "", apierr.Wrap(apierr.StoreUnavailable, "creating chain", err))
		return
	}
	h.registry.Upsert(chainregistry.Entry{Name: created.ChainName, Enabled: created.IsEnabled})
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handlers) updateChain(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "chainId")
	var c store.Chain
	if !decodeJSON(w, r, &c) {
		return
	}
	c.ID = id
	if err := h.chains.Update(r.Context(), &c); err != nil {
		apierr.WriteJSON(w, "", apierr.Wrap(apierr.StoreUnavailable, "updating chain", err))
		return
	}
	h.registry.SetEnabled(c.ChainName, c.IsEnabled)
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) deleteChain(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "chainId")
	chain, err := h.chains.Get(r.Context(), id)
	if err == nil {
		h.registry.Delete(chain.ChainName)
	}
	if err := h.chains.Delete(r.Context(), id); err != nil {
		apierr.WriteJSON(w, "", apierr.Wrap(apierr.StoreUnavailable, "deleting chain", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- App admin patch ---

// updateApp implements spec.md §6's "PATCH /admin/apps/{appId} (limits and
// status)": the admin surface may only adjust an app's rate/quota limits and
// its active flag, never its owner, chain or apiKey.
func (h *Handlers) updateApp(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "appId")
	existing, err := h.apps.Get(r.Context(), id)
	if err != nil {
		apierr.WriteJSON(w, "", apierr.New(apierr.UnknownChain, "app not found"))
		return
	}

	var patch struct {
		MaxRPS             *int   `json:"maxRps"`
		DailyRequestsLimit *int64 `json:"dailyRequestsLimit"`
		IsActive           *bool  `json:"isActive"`
	}
	if !decodeJSON(w, r, &patch) {
		return
	}
	if patch.MaxRPS != nil {
		existing.MaxRPS = *patch.MaxRPS
	}
	if patch.DailyRequestsLimit != nil {
		existing.DailyRequestsLimit = *patch.DailyRequestsLimit
	}
	if patch.IsActive != nil {
		existing.IsActive = *patch.IsActive
	}

	if err := h.apps.Update(r.Context(), existing); err != nil {
		apierr.WriteJSON(w, "", apierr.Wrap(apierr.StoreUnavailable, "updating app", err))
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

// --- Default settings ---

func (h *Handlers) getSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.settings.Get(r.Context())
	if err != nil {
		apierr.WriteJSON(w, "", apierr.Wrap(apierr.StoreUnavailable, "getting default settings", err))
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handlers) updateSettings(w http.ResponseWriter, r *http.Request) {
	var s store.DefaultAppSettings
	if !decodeJSON(w, r, &s) {
		return
	}
	if err := h.settings.Update(r.Context(), &s); err != nil {
		apierr.WriteJSON(w, "", apierr.Wrap(apierr.StoreUnavailable, "updating default settings", err))
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// --- Users ---

func (h *Handlers) updateUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userId")
	existing, err := h.users.Get(r.Context(), id)
	if err != nil {
		apierr.WriteJSON(w, "", apierr.Wrap(apierr.StoreUnavailable, "looking up user", err))
		return
	}

	var patch struct {
		IsActive *bool `json:"isActive"`
		IsAdmin  *bool `json:"isAdmin"`
	}
	if !decodeJSON(w, r, &patch) {
		return
	}
	if patch.IsActive != nil {
		existing.IsActive = *patch.IsActive
	}
	if patch.IsAdmin != nil {
		existing.IsAdmin = *patch.IsAdmin
	}
	if err := h.users.Update(r.Context(), existing); err != nil {
		apierr.WriteJSON(w, "", apierr.Wrap(apierr.StoreUnavailable, "updating user", err))
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		apierr.WriteJSON(w, "", apierr.New(apierr.Internal, "malformed request body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
