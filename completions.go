package asyncio

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// completions is the FIFO of finished tasks a queue backend hands out.
// Waiters park on wake, which is closed and replaced whenever a task
// arrives, the queue is signaled or a kernel waiter steps down.
//
// Kernel backends let one waiter at a time, the leader, block in the
// kernel; every other waiter parks here. A signal therefore needs to
// kick at most one thread out of the kernel.
type completions struct {
	mu      sync.Mutex
	done    deque.Deque[*Task]
	wake    chan struct{}
	stepped *sync.Cond
	signals uint64
	leader  bool
	closed  bool
}

func newCompletions() *completions {
	c := &completions{wake: make(chan struct{})}
	c.stepped = sync.NewCond(&c.mu)
	return c
}

func (c *completions) push(t *Task) {
	c.mu.Lock()
	c.done.PushBack(t)
	c.broadcastLocked()
	c.mu.Unlock()
}

func (c *completions) pop() *Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done.Len() == 0 {
		return nil
	}
	return c.done.PopFront()
}

func (c *completions) broadcastLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// signal wakes every parked waiter. It reports whether a leader may be
// blocked in the kernel and has to be kicked out by the caller.
func (c *completions) signal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.signals++
	c.broadcastLocked()
	return c.leader
}

// leading reports whether a waiter is blocked in the kernel.
func (c *completions) leading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

// wait returns the next task, or nil once timeout elapses, the queue
// is signaled after wait began, or the queue is closed. When block is
// not nil one waiter at a time calls it to wait in the kernel for at
// most the given duration; block pushes whatever completed.
func (c *completions) wait(timeout time.Duration, block func(time.Duration)) *Task {
	var (
		deadline time.Time
		expired  <-chan time.Time
	)
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	signals := c.signals
	for {
		if c.done.Len() > 0 {
			return c.done.PopFront()
		}
		if c.signals != signals || c.closed {
			return nil
		}

		remaining := WaitForever
		if timeout >= 0 {
			if remaining = time.Until(deadline); remaining <= 0 {
				return nil
			}
		}

		if block != nil && !c.leader {
			c.leader = true
			c.mu.Unlock()
			block(remaining)
			c.mu.Lock()
			c.leader = false
			c.stepped.Broadcast()
			// a parked waiter may take over
			c.broadcastLocked()
			continue
		}

		wake := c.wake
		c.mu.Unlock()
		select {
		case <-wake:
		case <-expired:
		}
		c.mu.Lock()
	}
}

// close wakes every waiter for good and returns once no leader is left
// in the kernel. kick must make a blocked leader return.
func (c *completions) close(kick func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.broadcastLocked()
	for c.leader {
		c.mu.Unlock()
		kick()
		c.mu.Lock()
		if c.leader {
			c.stepped.Wait()
		}
	}
}
