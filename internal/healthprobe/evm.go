package healthprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// evmRequest is spec.md §4.3's execution-layer probe body.
type evmRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type evmResponse struct {
	Result interface{} `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ExecutionHandler probes an execution-layer (EVM JSON-RPC) endpoint,
// adapted from the teacher's EVMHandler (handlers.go), narrowed to the
// single eth_blockNumber probe spec.md §4.3 names.
type ExecutionHandler struct {
	client *http.Client
	logger *zap.Logger
}

func NewExecutionHandler(timeout time.Duration, logger *zap.Logger) *ExecutionHandler {
	return &ExecutionHandler{client: &http.Client{Timeout: timeout}, logger: logger}
}

// CheckHealth implements ProtocolHandler: healthy iff HTTP 200 and the body
// parses with a non-error "result" field.
func (h *ExecutionHandler) CheckHealth(ctx context.Context, url string) (bool, error) {
	body, err := json.Marshal(evmRequest{JSONRPC: "2.0", Method: "eth_blockNumber", Params: []interface{}{}, ID: 1})
	if err != nil {
		return false, fmt.Errorf("marshaling probe request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("creating probe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("probe request failed: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			h.logger.Debug("failed to close probe response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("probe status %d", resp.StatusCode)
	}

	var rpcResp evmResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return false, fmt.Errorf("decoding probe response: %w", err)
	}
	if rpcResp.Error != nil {
		return false, fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if rpcResp.Result == nil {
		return false, fmt.Errorf("probe response missing result field")
	}

	return true, nil
}
