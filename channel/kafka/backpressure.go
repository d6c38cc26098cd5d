package kafka

import (
	"context"
	"sync"
)

// Controller bounds the number of deliveries handed out but not yet acked.
type Controller struct {
	capacity int64

	mu     sync.Mutex
	tokens int64
	cond   *sync.Cond
	closed bool
}

func NewController(capacity int64) *Controller {
	c := &Controller{capacity: capacity, tokens: capacity}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Acquire blocks until a token is free, ctx is done or the controller closes.
func (c *Controller) Acquire(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.mu.Unlock()
		c.cond.Broadcast()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.tokens == 0 && !c.closed && ctx.Err() == nil {
		c.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed {
		return context.Canceled
	}
	c.tokens--
	return nil
}

func (c *Controller) TryAcquire(n int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.tokens < n {
		return false
	}
	c.tokens -= n
	return true
}

func (c *Controller) Release(n int64) {
	c.mu.Lock()
	c.tokens += n
	if c.tokens > c.capacity {
		c.tokens = c.capacity
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

// InFlight is the number of tokens held.
func (c *Controller) InFlight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity - c.tokens
}

func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
}
