// Package chainregistry holds the in-memory map from chain name to its
// configured upstream URL lists, generalizing the teacher's "treat config
// load as provision, then swap the whole thing atomically" approach
// (upstream.go's provision()) into a standalone, reloadable registry.
package chainregistry

import (
	"strings"
	"sync/atomic"

	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/config"
)

// Entry is one chain's configured upstream pools, seeded from configuration.
type Entry struct {
	Name       string
	Execution  []string
	Consensus  []string
	Prometheus []string
	Websocket  []string
	Enabled    bool
}

// Registry is an effectively-immutable map from lowercase chain name to
// Entry, readable lock-free and swapped wholesale on Load, SetEnabled,
// Upsert and Delete.
type Registry struct {
	entries atomic.Pointer[map[string]Entry]
}

// New builds a Registry seeded from cfg's discovered chain seeds. Every
// discovered chain starts enabled; admin chain CRUD (internal/adminapi) later
// adds, disables or removes entries here through Upsert, SetEnabled and
// Delete, alongside its writes to the store.
func New(cfg *config.Config) *Registry {
	r := &Registry{}
	r.Load(cfg)
	return r
}

// Load builds the chain map from cfg and swaps it in atomically.
func (r *Registry) Load(cfg *config.Config) {
	m := make(map[string]Entry, len(cfg.Chains))
	for _, seed := range cfg.Chains {
		name := strings.ToLower(seed.Prefix)
		m[name] = Entry{
			Name:       name,
			Execution:  seed.ExecutionURLs,
			Consensus:  seed.ConsensusURLs,
			Prometheus: seed.PrometheusURLs,
			Websocket:  seed.WebsocketURLs,
			Enabled:    true,
		}
	}
	r.entries.Store(&m)
}

// Get returns the entry for name (case-insensitive) and whether it exists.
func (r *Registry) Get(name string) (Entry, bool) {
	m := r.entries.Load()
	if m == nil {
		return Entry{}, false
	}
	e, ok := (*m)[strings.ToLower(name)]
	return e, ok
}

// SetEnabled flips a chain's Enabled bit by rebuilding the map; used by the
// admin chains CRUD surface. It is not on the request hot path.
func (r *Registry) SetEnabled(name string, enabled bool) bool {
	name = strings.ToLower(name)
	old := r.entries.Load()
	if old == nil {
		return false
	}
	if _, ok := (*old)[name]; !ok {
		return false
	}

	next := make(map[string]Entry, len(*old))
	for k, v := range *old {
		next[k] = v
	}
	e := next[name]
	e.Enabled = enabled
	next[name] = e
	r.entries.Store(&next)
	return true
}

// Upsert adds or replaces a chain entry, used by admin chain creation.
func (r *Registry) Upsert(e Entry) {
	e.Name = strings.ToLower(e.Name)
	old := r.entries.Load()
	next := make(map[string]Entry)
	if old != nil {
		for k, v := range *old {
			next[k] = v
		}
	}
	next[e.Name] = e
	r.entries.Store(&next)
}

// Delete removes a chain entry, used by admin chain deletion. Per spec.md
// §3, this does not cascade to Apps; routing for the chain starts failing
// with UnknownChain immediately.
func (r *Registry) Delete(name string) {
	name = strings.ToLower(name)
	old := r.entries.Load()
	if old == nil {
		return
	}
	next := make(map[string]Entry, len(*old))
	for k, v := range *old {
		if k != name {
			next[k] = v
		}
	}
	r.entries.Store(&next)
}

// All returns a snapshot slice of every registered chain, used by the admin
// chains listing endpoint.
func (r *Registry) All() []Entry {
	m := r.entries.Load()
	if m == nil {
		return nil
	}
	out := make([]Entry, 0, len(*m))
	for _, e := range *m {
		out = append(out, e)
	}
	return out
}
