// Package upstreampool holds the per-(chain,layer) pool of backend
// endpoints and the selection policy the Dispatcher uses to pick one per
// request, generalizing the teacher's GetUpstreams (upstream.go) from a
// Caddy reverseproxy.UpstreamSource callback returning a slice of
// candidates into a single Pick call returning one endpoint.
package upstreampool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSaturated is returned by Acquire when an endpoint stayed at its
// in-flight cap for the whole back-pressure window; the reverse proxy maps
// it to 503 upstream_saturated (spec.md §5, §7).
var ErrSaturated = errors.New("upstream saturated")

// Layer is the protocol layer an Endpoint serves.
type Layer string

const (
	Execution Layer = "execution"
	Consensus Layer = "consensus"
)

// inFlightCap is the per-endpoint concurrent-request cap of spec.md §5.
const inFlightCap = 256

// backpressureWait is how long Acquire waits for slack before giving up.
const backpressureWait = 500 * time.Millisecond

// Endpoint is spec.md §3's UpstreamEndpoint. Its health fields are mutated
// by the health prober and by the reverse proxy after each forwarding
// attempt; its in-flight count by Acquire/Release.
type Endpoint struct {
	URL                 string
	Layer               Layer
	Chain               string
	healthy             atomic.Bool
	lastProbeAt         atomic.Int64 // unix nanos
	consecutiveFailures atomic.Int32
	inFlight            atomic.Int32
}

// NewEndpoint returns an Endpoint that starts optimistically healthy so it
// is eligible for selection before the first probe completes.
func NewEndpoint(chain string, layer Layer, url string) *Endpoint {
	e := &Endpoint{URL: url, Layer: layer, Chain: chain}
	e.healthy.Store(true)
	return e
}

func (e *Endpoint) Healthy() bool         { return e.healthy.Load() }
func (e *Endpoint) InFlight() int32       { return e.inFlight.Load() }
func (e *Endpoint) ConsecutiveFails() int32 { return e.consecutiveFailures.Load() }
func (e *Endpoint) LastProbeAt() time.Time {
	ns := e.lastProbeAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// RecordSuccess flips the endpoint healthy after a single success, per
// spec.md §4.3's "one success up" rule.
func (e *Endpoint) RecordSuccess() {
	e.consecutiveFailures.Store(0)
	e.healthy.Store(true)
	e.lastProbeAt.Store(time.Now().UnixNano())
}

// RecordFailure flips the endpoint unhealthy after two consecutive
// failures, per spec.md §4.3's "two consecutive failures down" rule.
func (e *Endpoint) RecordFailure() {
	n := e.consecutiveFailures.Add(1)
	e.lastProbeAt.Store(time.Now().UnixNano())
	if n >= 2 {
		e.healthy.Store(false)
	}
}

// Acquire reserves an in-flight slot, waiting up to 500ms for slack if the
// endpoint is at its cap, per spec.md §5's back-pressure rule.
func (e *Endpoint) Acquire(ctx context.Context) error {
	if e.inFlight.Load() < inFlightCap {
		e.inFlight.Add(1)
		return nil
	}

	deadline := time.NewTimer(backpressureWait)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %s", ErrSaturated, e.URL)
		case <-ticker.C:
			if e.inFlight.Load() < inFlightCap {
				e.inFlight.Add(1)
				return nil
			}
		}
	}
}

// Release frees an in-flight slot acquired by Acquire.
func (e *Endpoint) Release() { e.inFlight.Add(-1) }

// Pool holds the endpoints for one (chain, layer) and implements the
// round-robin-over-healthy, least-in-flight-tiebreak selection policy.
type Pool struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	rrCursor  int
}

// NewPool builds a Pool from urls, all starting optimistically healthy.
func NewPool(chain string, layer Layer, urls []string) *Pool {
	p := &Pool{endpoints: make([]*Endpoint, 0, len(urls))}
	for _, u := range urls {
		p.endpoints = append(p.endpoints, NewEndpoint(chain, layer, u))
	}
	return p
}

// Endpoints returns the pool's endpoints, for the health prober to iterate.
func (p *Pool) Endpoints() []*Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Endpoint, len(p.endpoints))
	copy(out, p.endpoints)
	return out
}

// Pick selects one endpoint: round-robin over the healthy set, ties broken
// by least in-flight. If none are healthy, it falls back to the
// least-recently-failed endpoint and reports degraded=true so the caller
// can flag the dispatch as an "optimistic probe" per spec.md §4.2.
func (p *Pool) Pick() (endpoint *Endpoint, degraded bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.endpoints) == 0 {
		return nil, false, fmt.Errorf("no endpoints configured")
	}

	var healthy []*Endpoint
	for _, e := range p.endpoints {
		if e.Healthy() {
			healthy = append(healthy, e)
		}
	}

	if len(healthy) == 0 {
		return p.pickLeastRecentlyFailed(), true, nil
	}

	n := len(healthy)
	start := p.rrCursor % n
	best := healthy[start]
	bestInFlight := best.InFlight()
	for i := 1; i < n; i++ {
		cand := healthy[(start+i)%n]
		if cand.InFlight() < bestInFlight {
			best = cand
			bestInFlight = cand.InFlight()
		}
	}
	p.rrCursor = (p.rrCursor + 1) % n

	return best, false, nil
}

func (p *Pool) pickLeastRecentlyFailed() *Endpoint {
	best := p.endpoints[0]
	for _, e := range p.endpoints[1:] {
		if e.LastProbeAt().Before(best.LastProbeAt()) {
			best = e
		}
	}
	return best
}

// Other returns every endpoint besides exclude, for C6's one-retry failover.
func (p *Pool) Other(exclude *Endpoint) []*Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Endpoint, 0, len(p.endpoints)-1)
	for _, e := range p.endpoints {
		if e != exclude {
			out = append(out, e)
		}
	}
	return out
}
