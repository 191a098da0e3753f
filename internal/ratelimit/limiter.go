// Package ratelimit implements C5, the dual-axis per-app limiter: an
// in-process token bucket for requests-per-second (spec.md §4.5) layered
// over the daily-quota check spec.md §4.4 folds into the store's
// TouchAndCount. Grounded in the primeanetwork-rpc-guard reference file's
// per-key bucket map, generalized from the hand-rolled bucket there to
// golang.org/x/time/rate's Limiter, the way the rest of this codebase
// prefers an ecosystem primitive over a hand-rolled one.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleTTL is how long an apiKey's bucket survives without a request before
// the reaper evicts it, per spec.md §3's "evicted when idle for a bounded
// time" note on RateState.
const idleTTL = 10 * time.Minute

const reapInterval = time.Minute

// bucket is one apiKey's RateState. Its own mutex guards the token
// arithmetic and the idle timestamp, per spec.md §5/§9: updates for a
// single apiKey are serialized per key, never across keys.
type bucket struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Limiter is a concurrent map of per-apiKey token buckets. Bucket creation
// and eviction go through the sync.Map; all token arithmetic happens under
// the individual bucket's mutex, so different apiKeys proceed
// independently. The zero value is not usable; construct with New.
type Limiter struct {
	buckets sync.Map // apiKey -> *bucket

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New starts the idle-bucket reaper and returns a ready Limiter.
func New() *Limiter {
	l := &Limiter{shutdown: make(chan struct{})}
	l.wg.Add(1)
	go l.reapLoop()
	return l
}

// Stop terminates the reaper goroutine.
func (l *Limiter) Stop() {
	close(l.shutdown)
	l.wg.Wait()
}

// Allow reports whether apiKey may proceed under its per-second limit,
// creating the bucket on first use with capacity maxRPS and a refill rate
// of maxRPS tokens/second, per spec.md §4.5.
func (l *Limiter) Allow(apiKey string, maxRPS int) bool {
	v, ok := l.buckets.Load(apiKey)
	if !ok {
		v, _ = l.buckets.LoadOrStore(apiKey, &bucket{limiter: rate.NewLimiter(rate.Limit(maxRPS), maxRPS)})
	}
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limiter.Limit() != rate.Limit(maxRPS) {
		// maxRPS can change via admin app-update; re-seed the bucket at the
		// new ceiling, full, the same way a fresh bucket for this key starts.
		b.limiter = rate.NewLimiter(rate.Limit(maxRPS), maxRPS)
	}
	b.lastUsed = time.Now()
	return b.limiter.Allow()
}

func (l *Limiter) reapLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.reapIdle()
		case <-l.shutdown:
			return
		}
	}
}

func (l *Limiter) reapIdle() {
	cutoff := time.Now().Add(-idleTTL)
	l.buckets.Range(func(key, v interface{}) bool {
		b := v.(*bucket)
		b.mu.Lock()
		stale := b.lastUsed.Before(cutoff)
		b.mu.Unlock()
		if stale {
			l.buckets.Delete(key)
		}
		return true
	})
}

// Size reports the number of live buckets, used by tests and admin
// diagnostics.
func (l *Limiter) Size() int {
	n := 0
	l.buckets.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
