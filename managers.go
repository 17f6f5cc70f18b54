package vkasync

import (
	"context"
	"sync"
)

// inflight counts outstanding GPU work and lets a closer wait for it to
// drain. The zero value is ready to use.
type inflight struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (c *inflight) add() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *inflight) done() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == 0 {
		panic("vkasync: inflight counter released more times than acquired")
	}
	c.n--
	if c.n == 0 && c.idle != nil {
		close(c.idle)
		c.idle = nil
	}
}

func (c *inflight) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// wait blocks until the count reaches zero or ctx ends.
func (c *inflight) wait(ctx context.Context) error {
	c.mu.Lock()
	if c.n == 0 {
		c.mu.Unlock()
		return nil
	}
	if c.idle == nil {
		c.idle = make(chan struct{})
	}
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
