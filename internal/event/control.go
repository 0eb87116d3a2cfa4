package event

import (
	"context"
	"sync"
)

// Control carries the pause and stop flags of one task. Waiters block on
// channels rather than polling.
type Control struct {
	mu      sync.Mutex
	paused  bool
	resumed chan struct{}
	stopped chan struct{}
	stop    bool
}

// NewControl returns a running, unpaused Control.
func NewControl() *Control {
	c := &Control{
		resumed: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	close(c.resumed)
	return c
}

// Pause makes Wait block until Resume or Stop.
func (c *Control) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.paused = true
	c.resumed = make(chan struct{})
}

// Resume releases any goroutine blocked in Wait.
func (c *Control) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.paused = false
	close(c.resumed)
}

// Stop sets the stop flag. It is idempotent.
func (c *Control) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop {
		return
	}
	c.stop = true
	close(c.stopped)
}

// Reset clears both flags so the Control can serve another run.
func (c *Control) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.paused = false
		close(c.resumed)
	}
	if c.stop {
		c.stop = false
		c.stopped = make(chan struct{})
	}
}

// Paused reports the pause flag.
func (c *Control) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Stopped reports the stop flag.
func (c *Control) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop
}

// Done returns a channel closed once Stop is called.
func (c *Control) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Wait blocks while paused. It returns false if the Control is stopped or
// ctx ends first; stop is checked before the pause.
func (c *Control) Wait(ctx context.Context) bool {
	for {
		c.mu.Lock()
		stopped, resumed, stop, paused := c.stopped, c.resumed, c.stop, c.paused
		c.mu.Unlock()
		if stop {
			return false
		}
		if !paused {
			return ctx.Err() == nil
		}
		select {
		case <-resumed:
		case <-stopped:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
