package container

import (
	"sync"
	"time"
)

// ActiveCounter counts live workers and supports a bounded-wait drain. It
// is the container's shutdown-time synchronisation point: Stop cancels
// every worker then calls Await(shutdownTimeout) to bound how long it
// waits for them to actually exit.
type ActiveCounter struct {
	mu            sync.Mutex
	count         int
	zeroCh        chan struct{}
	deactivated   bool
	deactivatedCh chan struct{}
}

// NewActiveCounter returns a counter starting at zero.
func NewActiveCounter() *ActiveCounter {
	zero := make(chan struct{})
	close(zero)
	return &ActiveCounter{
		zeroCh:        zero,
		deactivatedCh: make(chan struct{}),
	}
}

// Add registers one more live worker.
func (c *ActiveCounter) Add() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == 0 {
		c.zeroCh = make(chan struct{})
	}
	c.count++
}

// Release unregisters one worker.
func (c *ActiveCounter) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == 0 {
		return
	}
	c.count--
	if c.count == 0 {
		close(c.zeroCh)
	}
}

// Count returns the number of currently registered workers.
func (c *ActiveCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Deactivate causes any current or future Await call to return immediately.
func (c *ActiveCounter) Deactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.deactivated {
		c.deactivated = true
		close(c.deactivatedCh)
	}
}

// Await blocks until the count reaches zero, the counter is deactivated, or
// timeout elapses, whichever happens first. It reports whether the count
// actually reached zero (or the counter was deactivated).
func (c *ActiveCounter) Await(timeout time.Duration) bool {
	c.mu.Lock()
	zeroCh := c.zeroCh
	deactivatedCh := c.deactivatedCh
	already := c.count == 0
	c.mu.Unlock()

	if already {
		return true
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-zeroCh:
		return true
	case <-deactivatedCh:
		return true
	case <-timeoutCh:
		return false
	}
}
