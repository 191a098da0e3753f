package healthprobe

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/chainregistry"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/upstreampool"
)

// DefaultInterval is spec.md §4.3's default probe interval.
const DefaultInterval = 15 * time.Second

// DefaultTimeout is spec.md §4.3's probe timeout.
const DefaultTimeout = 5 * time.Second

const circuitFailureThreshold = 5

// circuitCooldown is how long a breaker stays open before offering a single
// half-open trial probe, scaled off the probe interval rather than a fixed
// constant so a shorter DefaultInterval in tests doesn't leave the breaker
// open for many probe cycles in a row.
const circuitCooldown = 4 * DefaultInterval

// HealthGauge is the subset of internal/metrics.Metrics the prober needs;
// kept as an interface here so healthprobe never imports metrics directly.
type HealthGauge interface {
	SetUpstreamHealth(chain string, layer upstreampool.Layer, url string, healthy bool)
}

// Prober runs one periodic probe loop per endpoint, generalizing the
// teacher's HealthChecker.backgroundHealthCheck (upstream.go) and
// checkSingleNode (healthchecker.go) from a single fixed node list to the
// upstreampool.Manager's dynamically discovered endpoints.
type Prober struct {
	execution ProtocolHandler
	consensus ProtocolHandler
	wsLive    *WSLivenessChecker
	cache     *resultCache
	metrics   HealthGauge
	logger    *zap.Logger

	mu       sync.Mutex
	breakers map[string]*circuitBreaker

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New builds a Prober. metrics may be nil in tests.
func New(logger *zap.Logger, metrics HealthGauge) *Prober {
	return &Prober{
		execution: NewExecutionHandler(DefaultTimeout, logger),
		consensus: NewConsensusHandler(DefaultTimeout, logger),
		wsLive:    NewWSLivenessChecker(logger),
		cache:     newResultCache(DefaultInterval),
		metrics:   metrics,
		logger:    logger,
		breakers:  make(map[string]*circuitBreaker),
		shutdown:  make(chan struct{}),
	}
}

// Start launches one goroutine per endpoint across every pool the manager
// holds, plus one websocket-liveness goroutine per chain that advertises a
// websocket_url in reg (spec.md's Non-goals exclude proxying WebSocket
// upstreams, so this is observational only). Call Stop to terminate them
// during graceful shutdown.
func (p *Prober) Start(mgr *upstreampool.Manager, reg *chainregistry.Registry) {
	for key, pool := range mgr.All() {
		chain, layer := splitKey(key)
		for _, ep := range pool.Endpoints() {
			p.wg.Add(1)
			go p.loop(chain, layer, ep)
		}
	}

	if reg == nil {
		return
	}
	for _, entry := range reg.All() {
		for _, wsURL := range entry.Websocket {
			p.wg.Add(1)
			go p.wsLoop(entry.Name, wsURL)
		}
	}
}

// wsLoop is the websocket-liveness counterpart of loop: it never touches an
// upstreampool.Endpoint's health bit, it only reports to the
// consensus_ws-layer gauge so the admin surface can show whether a chain's
// event-subscription socket is reachable.
func (p *Prober) wsLoop(chain, wsURL string) {
	defer p.wg.Done()

	ticker := time.NewTicker(DefaultInterval)
	defer ticker.Stop()

	probe := func() {
		ctx, cancel := context.WithTimeout(context.Background(), wsDialTimeout)
		defer cancel()
		healthy, err := p.wsLive.Check(ctx, wsURL)
		if err != nil {
			p.logger.Debug("websocket liveness probe failed", zap.String("url", wsURL), zap.Error(err))
		}
		if p.metrics != nil {
			p.metrics.SetUpstreamHealth(chain, upstreampool.Layer("consensus_ws"), wsURL, healthy)
		}
	}

	probe()
	for {
		select {
		case <-ticker.C:
			probe()
		case <-p.shutdown:
			return
		}
	}
}

// Stop signals every probe loop to exit and waits for them to drain.
func (p *Prober) Stop() {
	close(p.shutdown)
	p.wg.Wait()
}

func (p *Prober) loop(chain string, layer upstreampool.Layer, ep *upstreampool.Endpoint) {
	defer p.wg.Done()

	ticker := time.NewTicker(DefaultInterval)
	defer ticker.Stop()

	p.probeOnce(chain, layer, ep)
	for {
		select {
		case <-ticker.C:
			p.probeOnce(chain, layer, ep)
		case <-p.shutdown:
			return
		}
	}
}

func (p *Prober) probeOnce(chain string, layer upstreampool.Layer, ep *upstreampool.Endpoint) {
	breaker := p.breakerFor(ep.URL)
	if !breaker.canExecute() {
		p.logger.Debug("circuit breaker open, skipping probe", zap.String("url", ep.URL))
		return
	}

	handler := p.execution
	if layer == upstreampool.Consensus {
		handler = p.consensus
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	healthy, err := handler.CheckHealth(ctx, ep.URL)
	result := Result{URL: ep.URL, Healthy: healthy, CheckedAt: time.Now(), Err: err}
	p.cache.set(ep.URL, result)

	if healthy {
		breaker.recordSuccess()
		ep.RecordSuccess()
	} else {
		breaker.recordFailure()
		ep.RecordFailure()
		p.logger.Debug("probe failed", zap.String("url", ep.URL), zap.Error(err))
	}

	if p.metrics != nil {
		p.metrics.SetUpstreamHealth(chain, layer, ep.URL, ep.Healthy())
	}
}

func (p *Prober) breakerFor(url string) *circuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[url]
	if !ok {
		b = newCircuitBreaker(circuitFailureThreshold, circuitCooldown)
		p.breakers[url] = b
	}
	return b
}

// LastResult returns the cached probe result for an endpoint, used by the
// admin health snapshot to avoid a synchronous probe on every request.
func (p *Prober) LastResult(url string) (Result, bool) {
	return p.cache.get(url)
}

func splitKey(key string) (chain string, layer upstreampool.Layer) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[:i], upstreampool.Layer(key[i+1:])
		}
	}
	return key, ""
}
