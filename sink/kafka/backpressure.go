package kafka

import (
	"context"
	"sync"
)

// Controller bounds the records handed to the producer that the broker has
// not acknowledged yet.
type Controller struct {
	capacity int64

	mu     sync.Mutex
	inUse  int64
	cond   *sync.Cond
	closed bool
}

func NewController(capacity int64) *Controller {
	c := &Controller{capacity: capacity}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Acquire waits for a free slot until ctx is done.
func (c *Controller) Acquire(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.inUse >= c.capacity && !c.closed && ctx.Err() == nil {
		c.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed {
		return context.Canceled
	}
	c.inUse++
	return nil
}

func (c *Controller) TryAcquire(n int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.inUse+n > c.capacity {
		return false
	}
	c.inUse += n
	return true
}

func (c *Controller) Release(n int64) {
	c.mu.Lock()
	c.inUse -= n
	if c.inUse < 0 {
		c.inUse = 0
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *Controller) InUse() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse
}

func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
}
