package healthprobe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestConsensusHandlerHealthyOn200Or206(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusPartialContent} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/eth/v1/node/health", r.URL.Path)
			w.WriteHeader(status)
		}))

		h := NewConsensusHandler(time.Second, zap.NewNop())
		healthy, err := h.CheckHealth(context.Background(), srv.URL)
		assert.NoError(t, err)
		assert.True(t, healthy)

		srv.Close()
	}
}

func TestConsensusHandlerUnhealthyOnOtherStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := NewConsensusHandler(time.Second, zap.NewNop())
	healthy, err := h.CheckHealth(context.Background(), srv.URL)
	assert.Error(t, err)
	assert.False(t, healthy)
}

func TestConsensusHandlerTrimsTrailingSlash(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer srv.Close()

	h := NewConsensusHandler(time.Second, zap.NewNop())
	_, _ = h.CheckHealth(context.Background(), srv.URL+"/")
	assert.Equal(t, "/eth/v1/node/health", gotPath)
}
