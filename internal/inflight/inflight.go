// Package inflight tracks host requests so shutdown can wait for them.
package inflight

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
)

// Counter counts in-flight requests and remembers whether the host is
// draining.
type Counter struct {
	mu     sync.Mutex
	count  int64
	zeroCh chan struct{}

	draining atomic.Bool
}

// zero returns the channel closed when the count next reaches zero. Callers
// hold c.mu.
func (c *Counter) zero() chan struct{} {
	if c.zeroCh == nil {
		c.zeroCh = make(chan struct{})
		if c.count == 0 {
			close(c.zeroCh)
		}
	}
	return c.zeroCh
}

// Inc increments the counter.
func (c *Counter) Inc() {
	c.mu.Lock()
	c.zero()
	if c.count == 0 {
		c.zeroCh = make(chan struct{})
	}
	c.count++
	c.mu.Unlock()
}

// Dec decrements the counter. It never goes below zero.
func (c *Counter) Dec() {
	c.mu.Lock()
	c.zero()
	if c.count > 0 {
		c.count--
		if c.count == 0 {
			close(c.zeroCh)
		}
	}
	c.mu.Unlock()
}

// Load returns the current count.
func (c *Counter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// StartDrain marks the host as draining. New tracked requests are refused by
// Middleware from then on.
func (c *Counter) StartDrain() { c.draining.Store(true) }

// Draining reports whether StartDrain was called.
func (c *Counter) Draining() bool { return c.draining.Load() }

// WaitForZero blocks until the count is zero or ctx is done.
func (c *Counter) WaitForZero(ctx context.Context) bool {
	c.mu.Lock()
	ch := c.zero()
	c.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Middleware counts each request for its duration and answers 503 while
// draining.
func (c *Counter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if c.Draining() {
				http.Error(w, "draining", http.StatusServiceUnavailable)
				return
			}
			c.Inc()
			defer c.Dec()
			next.ServeHTTP(w, r)
		})
	}
}
