// Package healthprobe periodically probes upstream endpoints and flips
// their health bits, generalizing the teacher's HealthChecker +
// CircuitBreaker + HealthCache trio (healthchecker.go, circuit_breaker.go,
// cache.go) from three node types (Cosmos/EVM/Beacon) to the two layers
// spec.md names: execution (EVM JSON-RPC) and consensus (Beacon REST).
package healthprobe

import (
	"context"
	"time"
)

// ProtocolHandler is the interface each layer's probe body implements,
// mirroring the teacher's own ProtocolHandler interface in types.go.
type ProtocolHandler interface {
	CheckHealth(ctx context.Context, url string) (healthy bool, err error)
}

// Result is one probe outcome, kept for logging/admin surfacing; the
// authoritative health bit lives on the upstreampool.Endpoint itself.
type Result struct {
	URL       string
	Healthy   bool
	CheckedAt time.Time
	Err       error
}
