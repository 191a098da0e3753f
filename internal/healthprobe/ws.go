package healthprobe

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsDialTimeout bounds the handshake for the optional websocket liveness
// sub-probe; it is deliberately shorter than DefaultTimeout since a
// consensus node's websocket_url is a secondary signal, not the node's
// primary health check.
const wsDialTimeout = 3 * time.Second

// WSLivenessChecker dials a consensus node's advertised websocket_url and
// treats a completed handshake as liveness, generalizing the teacher's
// CosmosHandler websocket subscription probe (handlers.go) from a
// Cosmos-specific event subscription into a bare handshake check: spec.md's
// Non-goals exclude proxying WebSocket upstreams, so this never forwards
// traffic, it only confirms the socket accepts connections.
type WSLivenessChecker struct {
	logger *zap.Logger
}

// NewWSLivenessChecker builds a WSLivenessChecker.
func NewWSLivenessChecker(logger *zap.Logger) *WSLivenessChecker {
	return &WSLivenessChecker{logger: logger}
}

// Check dials url and immediately closes the connection on success. A node
// that refuses the handshake or fails to respond within wsDialTimeout is
// reported unhealthy; this never affects the endpoint's primary health bit,
// it only feeds the supplementary consensus_ws gauge.
func (c *WSLivenessChecker) Check(ctx context.Context, url string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, wsDialTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	_ = conn.Close()
	return true, nil
}
