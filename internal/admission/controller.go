// Package admission bounds concurrent calls to the inference provider.
// The provider exposes a small fixed number of slots (a local inference
// server typically serves 3-4 requests at once); many workers share them.
//
// Key concepts:
// - Slot: permission to make one inference call
// - Priority: interactive callers are granted ahead of background batch work
// - Aging: a waiter passed over AgingThreshold times is boosted one tier,
//   which bounds background latency under sustained interactive load
package admission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mauro3422/gitteach/internal/logging"
)

// Priority orders waiters for slot grants. Within a tier, grants are FIFO.
type Priority int

const (
	// PriorityBackground - batch analysis work
	PriorityBackground Priority = 0
	// PriorityStandard - synthesis and compaction calls
	PriorityStandard Priority = 1
	// PriorityInteractive - user-facing requests
	PriorityInteractive Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityBackground:
		return "background"
	case PriorityStandard:
		return "standard"
	case PriorityInteractive:
		return "interactive"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// AgingThreshold is how many pass-overs boost a waiter one priority tier.
const AgingThreshold = 3

// Config configures the controller.
type Config struct {
	Capacity int // max simultaneous inference calls
}

// DefaultConfig returns sensible defaults for a local inference server.
func DefaultConfig() Config {
	return Config{Capacity: 3}
}

type waiter struct {
	priority   Priority // requested tier
	effective  Priority // after aging boosts
	seq        uint64   // FIFO order within a tier
	passedOver int
	granted    bool
	ready      chan struct{}
}

// Controller is a priority-aware counting semaphore.
type Controller struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  []*waiter
	seq      uint64

	// Metrics
	totalAcquired int64
	totalWaitNs   int64
	totalBoosts   int64
}

// NewController creates a controller with the given config.
func NewController(cfg Config) *Controller {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	return &Controller{capacity: cfg.Capacity}
}

// Acquire blocks until a slot is free or the context is cancelled. When
// multiple callers wait, higher effective priority wins; ties go to the
// earliest arrival.
func (c *Controller) Acquire(ctx context.Context, priority Priority) error {
	c.mu.Lock()
	if c.inUse < c.capacity && len(c.waiters) == 0 {
		c.inUse++
		c.mu.Unlock()
		atomic.AddInt64(&c.totalAcquired, 1)
		return nil
	}

	w := &waiter{
		priority:  priority,
		effective: priority,
		seq:       c.seq,
		ready:     make(chan struct{}),
	}
	c.seq++
	c.waiters = append(c.waiters, w)
	waiting := len(c.waiters)
	c.mu.Unlock()

	logging.AdmissionDebug("waiting for slot (priority=%s, queue=%d)", priority, waiting)
	waitStart := time.Now()

	select {
	case <-w.ready:
		atomic.AddInt64(&c.totalAcquired, 1)
		atomic.AddInt64(&c.totalWaitNs, int64(time.Since(waitStart)))
		return nil

	case <-ctx.Done():
		c.mu.Lock()
		if w.granted {
			// Grant raced with cancellation; hand the slot back.
			c.releaseLocked()
			c.mu.Unlock()
			return ctx.Err()
		}
		c.removeWaiterLocked(w)
		c.mu.Unlock()
		logging.Get(logging.CategoryAdmission).Warn("caller cancelled while waiting for slot (waited %v)", time.Since(waitStart))
		return ctx.Err()
	}
}

// Release frees a slot, waking the best waiter if any.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inUse <= 0 {
		logging.Get(logging.CategoryAdmission).Error("Release without matching Acquire")
		return
	}
	c.releaseLocked()
}

// releaseLocked hands the slot to the best waiter or frees it.
// Caller holds c.mu.
func (c *Controller) releaseLocked() {
	best := -1
	for i, w := range c.waiters {
		if best == -1 {
			best = i
			continue
		}
		b := c.waiters[best]
		if w.effective > b.effective || (w.effective == b.effective && w.seq < b.seq) {
			best = i
		}
	}

	if best == -1 {
		c.inUse--
		return
	}

	chosen := c.waiters[best]
	c.waiters = append(c.waiters[:best], c.waiters[best+1:]...)

	// Age everyone the chosen waiter jumped ahead of.
	for _, w := range c.waiters {
		w.passedOver++
		if w.passedOver >= AgingThreshold && w.effective < PriorityInteractive {
			w.effective++
			w.passedOver = 0
			atomic.AddInt64(&c.totalBoosts, 1)
			logging.AdmissionDebug("aged waiter boosted to %s", w.effective)
		}
	}

	chosen.granted = true
	close(chosen.ready)
}

func (c *Controller) removeWaiterLocked(target *waiter) {
	for i, w := range c.waiters {
		if w == target {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// =============================================================================
// METRICS
// =============================================================================

// Metrics provides observability into controller state.
type Metrics struct {
	Capacity      int
	InUse         int
	Waiting       int
	TotalAcquired int64
	TotalWaitNs   int64
	TotalBoosts   int64
}

// GetMetrics returns current controller metrics.
func (c *Controller) GetMetrics() Metrics {
	c.mu.Lock()
	inUse := c.inUse
	waiting := len(c.waiters)
	c.mu.Unlock()

	return Metrics{
		Capacity:      c.capacity,
		InUse:         inUse,
		Waiting:       waiting,
		TotalAcquired: atomic.LoadInt64(&c.totalAcquired),
		TotalWaitNs:   atomic.LoadInt64(&c.totalWaitNs),
		TotalBoosts:   atomic.LoadInt64(&c.totalBoosts),
	}
}

// String returns a human-readable summary.
func (m Metrics) String() string {
	avgWait := time.Duration(0)
	if m.TotalAcquired > 0 {
		avgWait = time.Duration(m.TotalWaitNs / m.TotalAcquired)
	}
	return fmt.Sprintf("slots=%d/%d, waiting=%d, acquired=%d, avg_wait=%v, boosts=%d",
		m.InUse, m.Capacity, m.Waiting, m.TotalAcquired, avgWait, m.TotalBoosts)
}
