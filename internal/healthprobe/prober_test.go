package healthprobe

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/upstreampool"
)

type fakeGauge struct {
	calls int32
}

func (f *fakeGauge) SetUpstreamHealth(chain string, layer upstreampool.Layer, url string, healthy bool) {
	atomic.AddInt32(&f.calls, 1)
}

type alwaysHealthy struct{}

func (alwaysHealthy) CheckHealth(ctx context.Context, url string) (bool, error) { return true, nil }

func TestProbeOnceRecordsSuccessAndCachesResult(t *testing.T) {
	p := New(zap.NewNop(), nil)
	p.execution = alwaysHealthy{}

	ep := upstreampool.NewEndpoint("ethereum", upstreampool.Execution, "http://a")
	ep.RecordFailure()

	p.probeOnce("ethereum", upstreampool.Execution, ep)

	assert.True(t, ep.Healthy())
	result, ok := p.LastResult("http://a")
	require.True(t, ok)
	assert.True(t, result.Healthy)
}

func TestProbeOnceSkipsWhenCircuitOpen(t *testing.T) {
	g := &fakeGauge{}
	p := New(zap.NewNop(), g)
	p.execution = alwaysHealthy{}

	ep := upstreampool.NewEndpoint("ethereum", upstreampool.Execution, "http://a")
	breaker := p.breakerFor("http://a")
	for i := 0; i < circuitFailureThreshold; i++ {
		breaker.recordFailure()
	}

	p.probeOnce("ethereum", upstreampool.Execution, ep)
	assert.Equal(t, int32(0), atomic.LoadInt32(&g.calls), "an open circuit must skip the probe entirely")
}

func TestSplitKey(t *testing.T) {
	chain, layer := splitKey("ethereum/execution")
	assert.Equal(t, "ethereum", chain)
	assert.Equal(t, upstreampool.Execution, layer)
}

func TestProberStopReturnsPromptlyWithNoStartedLoops(t *testing.T) {
	p := New(zap.NewNop(), nil)

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return promptly with no started loops")
	}
}
