package asyncio

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// kernel stands in for a completion ring: block waits for a kick or
// the timeout and counts how many callers are inside at once.
type kernel struct {
	kicks  chan struct{}
	inside atomic.Int32
	most   atomic.Int32
	calls  atomic.Int32
}

func newKernel() *kernel {
	return &kernel{kicks: make(chan struct{}, 64)}
}

func (k *kernel) block(timeout time.Duration) {
	k.calls.Add(1)
	n := k.inside.Add(1)
	defer k.inside.Add(-1)
	for {
		m := k.most.Load()
		if n <= m || k.most.CompareAndSwap(m, n) {
			break
		}
	}

	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-k.kicks:
	case <-expired:
	}
}

func (k *kernel) kick() {
	select {
	case k.kicks <- struct{}{}:
	default:
	}
}

func TestCompletionsPushWakesWaiter(t *testing.T) {
	r := require.New(t)
	c := newCompletions()
	want := &Task{id: 7}

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.push(want)
	}()
	r.Same(want, c.wait(5*time.Second, nil))
	r.Nil(c.pop())
}

func TestCompletionsTimeout(t *testing.T) {
	r := require.New(t)
	c := newCompletions()
	k := newKernel()

	start := time.Now()
	r.Nil(c.wait(50*time.Millisecond, k.block))
	r.GreaterOrEqual(time.Since(start), 45*time.Millisecond)
	r.Nil(c.wait(0, k.block))
}

func TestCompletionsOneLeader(t *testing.T) {
	r := require.New(t)
	c := newCompletions()
	k := newKernel()

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.wait(WaitForever, k.block)
		}()
	}
	r.Eventually(c.leading, 5*time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	r.Eventually(func() bool {
		if c.signal() {
			k.kick()
		}
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)
	r.EqualValues(1, k.most.Load())
	r.False(c.leading())
}

func TestCompletionsSignalBeforeWait(t *testing.T) {
	r := require.New(t)
	c := newCompletions()
	k := newKernel()

	// nobody is waiting, so there is nothing to kick
	for i := 0; i < 4; i++ {
		r.False(c.signal())
	}

	// stale kicks left in the kernel do not end a later wait early
	for i := 0; i < 4; i++ {
		k.kick()
	}
	start := time.Now()
	r.Nil(c.wait(100*time.Millisecond, k.block))
	r.GreaterOrEqual(time.Since(start), 90*time.Millisecond)
	r.Greater(k.calls.Load(), int32(1))
}

func TestCompletionsCloseWaitsForLeader(t *testing.T) {
	r := require.New(t)
	c := newCompletions()
	k := newKernel()

	const n = 4
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.wait(WaitForever, k.block)
		}()
	}
	r.Eventually(c.leading, 5*time.Second, time.Millisecond)

	c.close(k.kick)
	r.Zero(k.inside.Load())
	r.False(c.leading())
	wg.Wait()

	r.False(c.signal())
	start := time.Now()
	r.Nil(c.wait(WaitForever, k.block))
	r.Less(time.Since(start), time.Second)
}
