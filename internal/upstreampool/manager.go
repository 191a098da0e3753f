package upstreampool

import (
	"fmt"
	"sync"

	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/chainregistry"
)

// Manager owns one Pool per (chain, layer), built from the chain registry
// at startup. Pools themselves are immutable after construction; Manager's
// map is built once and never mutated concurrently with reads, matching
// chainregistry's own load-once-then-read model.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*Pool // key: chain+"/"+layer
}

// NewManager builds a Pool for every (chain, layer) combination the
// registry knows about.
func NewManager(reg *chainregistry.Registry) *Manager {
	m := &Manager{pools: make(map[string]*Pool)}
	for _, entry := range reg.All() {
		if len(entry.Execution) > 0 {
			m.pools[key(entry.Name, Execution)] = NewPool(entry.Name, Execution, entry.Execution)
		}
		if len(entry.Consensus) > 0 {
			m.pools[key(entry.Name, Consensus)] = NewPool(entry.Name, Consensus, entry.Consensus)
		}
	}
	return m
}

func key(chain string, layer Layer) string { return chain + "/" + string(layer) }

// Pool returns the pool for (chain, layer), or false if the chain has no
// pool configured for that layer.
func (m *Manager) Pool(chain string, layer Layer) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[key(chain, layer)]
	return p, ok
}

// All returns every pool the manager holds, keyed by "chain/layer", for the
// health prober to iterate and the admin aggregator to enumerate.
func (m *Manager) All() map[string]*Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Pool, len(m.pools))
	for k, v := range m.pools {
		out[k] = v
	}
	return out
}

// Pick delegates to the (chain, layer) pool's Pick. A chain with no pool for
// that layer yields a plain (untyped) error naming both.
func (m *Manager) Pick(chain string, layer Layer) (*Endpoint, bool, error) {
	p, ok := m.Pool(chain, layer)
	if !ok {
		return nil, false, fmt.Errorf("no %s pool for chain %s", layer, chain)
	}
	return p.Pick()
}
