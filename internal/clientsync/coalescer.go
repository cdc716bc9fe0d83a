package clientsync

import (
	"sync"
	"time"
)

// Coalescer folds bursts of invalidations for the same key within a short
// window into one, bounding refresh rate during high-churn join/leave
// activity. The first mark for an idle window arms a flush timer; further
// marks before the flush are absorbed.
type Coalescer struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[string]struct{}
	timer   *time.Timer
	closed  bool
	flush   func(keys []string)
}

// NewCoalescer creates a coalescer that delivers batched keys to flush
// after each window.
func NewCoalescer(window time.Duration, flush func(keys []string)) *Coalescer {
	if window <= 0 {
		window = 250 * time.Millisecond
	}
	return &Coalescer{
		window:  window,
		pending: make(map[string]struct{}),
		flush:   flush,
	}
}

// Mark schedules keys for invalidation at the next flush.
func (c *Coalescer) Mark(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, k := range keys {
		c.pending[k] = struct{}{}
	}
	if c.timer == nil && len(c.pending) > 0 {
		c.timer = time.AfterFunc(c.window, c.fire)
	}
}

func (c *Coalescer) fire() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.pending))
	for k := range c.pending {
		keys = append(keys, k)
	}
	c.pending = make(map[string]struct{})
	c.timer = nil
	c.mu.Unlock()

	if len(keys) > 0 {
		c.flush(keys)
	}
}

// Flush delivers any pending keys immediately.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.fire()
}

// Close stops the coalescer after delivering pending keys.
func (c *Coalescer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.Flush()
}
