package follow

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dreamware/shardfollow/internal/cluster"
)

// ShouldRetry reports whether err is transient. Everything not listed,
// including errors without a kind, is fatal for the task.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch cluster.KindOf(err) {
	case cluster.KindShardNotFound,
		cluster.KindIndexClosed,
		cluster.KindAlreadyClosed,
		cluster.KindConnect,
		cluster.KindTimeout,
		cluster.KindTooManyRequests,
		cluster.KindRejectedExecution:
		return true
	default:
		return false
	}
}

const retryDelayUnit = 50 * time.Millisecond

// ComputeDelay returns a randomized exponential backoff for the given retry
// attempt (starting at 1), capped at maxDelay.
func ComputeDelay(retry int, maxDelay time.Duration) time.Duration {
	if retry < 1 {
		retry = 1
	}
	if retry > 24 {
		retry = 24
	}
	n := int64(1) << (retry - 1)
	d := time.Duration(rand.Int63n(n+1)) * retryDelayUnit
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Scheduler runs delayed work on a clock. Once closed it rejects new work
// with KindRejectedExecution and cancels pending work.
type Scheduler struct {
	clock clock.Clock

	mu      sync.Mutex
	closed  bool
	pending map[*scheduled]struct{}
}

type scheduled struct {
	timer *clock.Timer
}

// NewScheduler creates a scheduler on c, or the wall clock when c is nil.
func NewScheduler(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.New()
	}
	return &Scheduler{clock: c, pending: make(map[*scheduled]struct{})}
}

// Schedule runs fn once after d.
func (s *Scheduler) Schedule(d time.Duration, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cluster.Errorf(cluster.KindRejectedExecution, "scheduler is shut down")
	}
	item := &scheduled{}
	item.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := s.pending[item]
		delete(s.pending, item)
		s.mu.Unlock()
		if live {
			fn()
		}
	})
	s.pending[item] = struct{}{}
	return nil
}

// Pending returns the number of scheduled functions that have not run.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close rejects further work and drops everything pending.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for item := range s.pending {
		item.timer.Stop()
		delete(s.pending, item)
	}
}
