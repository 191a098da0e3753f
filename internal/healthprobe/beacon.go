package healthprobe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ConsensusHandler probes a consensus-layer (beacon REST) endpoint, adapted
// from the teacher's BeaconHandler (handlers.go) but, per spec.md §4.3,
// checking the stricter /eth/v1/node/health liveness probe rather than the
// teacher's /eth/v1/node/syncing sync-status check.
type ConsensusHandler struct {
	client *http.Client
	logger *zap.Logger
}

func NewConsensusHandler(timeout time.Duration, logger *zap.Logger) *ConsensusHandler {
	return &ConsensusHandler{client: &http.Client{Timeout: timeout}, logger: logger}
}

// CheckHealth implements ProtocolHandler: healthy iff HTTP 200 or 206.
func (h *ConsensusHandler) CheckHealth(ctx context.Context, url string) (bool, error) {
	healthURL := fmt.Sprintf("%s/eth/v1/node/health", strings.TrimSuffix(url, "/"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return false, fmt.Errorf("creating probe request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("probe request failed: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			h.logger.Debug("failed to close probe response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return false, fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return true, nil
}
