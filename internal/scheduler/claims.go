package scheduler

import (
	"context"
	"sync"
)

// Claims hands out exclusive per-item run rights inside one process, so two
// batches that share an item never run its pipeline at the same time.
type Claims struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewClaims() *Claims {
	return &Claims{held: make(map[string]chan struct{})}
}

// Acquire blocks until id is free or ctx ends. The returned func releases it.
func (c *Claims) Acquire(ctx context.Context, id string) (func(), error) {
	for {
		c.mu.Lock()
		wait, busy := c.held[id]
		if !busy {
			ch := make(chan struct{})
			c.held[id] = ch
			c.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					c.mu.Lock()
					delete(c.held, id)
					c.mu.Unlock()
					close(ch)
				})
			}, nil
		}
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Claims) Held(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.held[id]
	return ok
}
