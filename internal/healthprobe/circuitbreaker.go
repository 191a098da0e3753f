package healthprobe

import (
	"sync/atomic"
	"time"
)

// CircuitState is the probe-skipping circuit's three states.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// circuitBreaker decides whether probeOnce should even attempt a check
// against an endpoint that has been failing; it is independent of the
// two-failures-down/one-success-up health bit upstreampool.Endpoint itself
// tracks; a breaker can be open while the endpoint is still marked healthy,
// because the breaker trips on a run of failed probe attempts, not on the
// pooled in-flight failures a proxied request records.
//
// State lives in atomics rather than a mutex, the way upstreampool.Endpoint
// tracks its own health bit: probeOnce runs in its own per-endpoint
// goroutine, so the only contended path is the half-open trial, and a CAS
// settles that without a lock.
type circuitBreaker struct {
	failureThreshold int32
	cooldown         time.Duration

	state           atomic.Int32
	failureCount    atomic.Int32
	lastFailureNano atomic.Int64
}

// newCircuitBreaker builds a breaker that opens after failureThreshold
// consecutive failed probes and offers a single half-open trial once
// cooldown has elapsed since the last failure.
func newCircuitBreaker(failureThreshold int, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{failureThreshold: int32(failureThreshold), cooldown: cooldown}
}

func (cb *circuitBreaker) currentState() CircuitState {
	return CircuitState(cb.state.Load())
}

// canExecute reports whether a probe may run now. An open breaker past its
// cooldown flips itself to half-open on the caller that observes it; since
// each endpoint has exactly one probe loop, there is never more than one
// caller to race here.
func (cb *circuitBreaker) canExecute() bool {
	switch cb.currentState() {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		elapsed := time.Since(time.Unix(0, cb.lastFailureNano.Load()))
		if elapsed <= cb.cooldown {
			return false
		}
		cb.state.CompareAndSwap(int32(CircuitOpen), int32(CircuitHalfOpen))
		return cb.currentState() == CircuitHalfOpen
	default:
		return false
	}
}

// recordSuccess closes the breaker from half-open, or simply resets the
// failure streak if it was already closed.
func (cb *circuitBreaker) recordSuccess() {
	switch cb.currentState() {
	case CircuitHalfOpen:
		cb.state.Store(int32(CircuitClosed))
		cb.failureCount.Store(0)
	case CircuitClosed:
		cb.failureCount.Store(0)
	}
}

// recordFailure bumps the failure streak, opening the breaker once it
// reaches failureThreshold, and immediately reopens a half-open trial that
// failed.
func (cb *circuitBreaker) recordFailure() {
	cb.lastFailureNano.Store(time.Now().UnixNano())
	n := cb.failureCount.Add(1)

	switch cb.currentState() {
	case CircuitClosed:
		if n >= cb.failureThreshold {
			cb.state.Store(int32(CircuitOpen))
		}
	case CircuitHalfOpen:
		cb.state.Store(int32(CircuitOpen))
	}
}
