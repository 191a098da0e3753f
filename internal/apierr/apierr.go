// Package apierr defines the gateway's typed error kinds and their mapping
// to HTTP status codes, plus the JSON responder the dispatcher and admin/auth
// surfaces all share.
package apierr

import (
	"encoding/json"
	"net/http"
)

// Kind identifies one of the gateway's sentinel error conditions.
type Kind string

const (
	MissingAPIKey     Kind = "missing_api_key"
	InvalidKey        Kind = "invalid_key"
	InactiveApp       Kind = "inactive_app"
	UnknownChain       Kind = "unknown_chain"
	ChainDisabled      Kind = "chain_disabled"
	RateLimitedRPS     Kind = "rate_limited_rps"
	RateLimitedDaily   Kind = "rate_limited_daily"
	NoHealthyUpstream  Kind = "no_healthy_upstream"
	UpstreamTimeout    Kind = "upstream_timeout"
	UpstreamSaturated  Kind = "upstream_saturated"
	StoreUnavailable   Kind = "store_unavailable"
	Internal           Kind = "internal"
)

var httpStatus = map[Kind]int{
	MissingAPIKey:     http.StatusBadRequest,
	InvalidKey:        http.StatusForbidden,
	InactiveApp:       http.StatusForbidden,
	UnknownChain:      http.StatusNotFound,
	ChainDisabled:     http.StatusServiceUnavailable,
	RateLimitedRPS:    http.StatusTooManyRequests,
	RateLimitedDaily:  http.StatusTooManyRequests,
	NoHealthyUpstream: http.StatusBadGateway,
	UpstreamTimeout:   http.StatusGatewayTimeout,
	UpstreamSaturated: http.StatusServiceUnavailable,
	StoreUnavailable:  http.StatusServiceUnavailable,
	Internal:          http.StatusInternalServerError,
}

// Error is the typed error the gateway's components return; WriteJSON is the
// one place that translates its Kind into an HTTP response, called by the
// Dispatcher and by the admin, apps and auth handlers.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the status code this error kind maps to, defaulting to
// 500 for an unrecognized kind (should not happen for values minted by New).
func (e *Error) HTTPStatus() int {
	if status, ok := httpStatus[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// body is the wire shape of an error response.
type body struct {
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// WriteJSON writes err as a JSON error body with the status its Kind maps
// to, and echoes correlationID in X-Correlation-Id. A non-*Error is reported
// as Internal without leaking its message to the client.
func WriteJSON(w http.ResponseWriter, correlationID string, err error) {
	apiErr, ok := err.(*Error)
	if !ok {
		apiErr = New(Internal, "internal error")
	}

	if correlationID != "" {
		w.Header().Set("X-Correlation-Id", correlationID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatus())

	_ = json.NewEncoder(w).Encode(body{
		Error:         string(apiErr.Kind),
		Message:       apiErr.Message,
		CorrelationID: correlationID,
	})
}
