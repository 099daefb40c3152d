package main

import (
	"sync"
	"sync/atomic"
	"time"
)

// Canceller is the process-wide cooperative cancellation flag.
//
// The signal goroutine calls Cancel once; the session polls Cancelled at its
// checkpoints. Done lets sleeping code (backoff, poll interval) wake early.
// A pending blocking read is never interrupted.
type Canceller struct {
	flag atomic.Bool
	once sync.Once
	done chan struct{}
}

func NewCanceller() *Canceller {
	return &Canceller{done: make(chan struct{})}
}

// Cancel sets the flag. Safe to call more than once and from any goroutine.
func (c *Canceller) Cancel() {
	c.flag.Store(true)
	c.once.Do(func() { close(c.done) })
}

// Cancelled reports whether Cancel has been called.
func (c *Canceller) Cancelled() bool {
	return c.flag.Load()
}

// Done is closed when Cancel is first called.
func (c *Canceller) Done() <-chan struct{} {
	return c.done
}

// Sleep waits for d or until cancellation. It returns false if cancelled.
func (c *Canceller) Sleep(d time.Duration) bool {
	if d <= 0 {
		return !c.Cancelled()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return !c.Cancelled()
	case <-c.done:
		return false
	}
}
