package asyncio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"github.com/panjf2000/ants/v2"
	"github.com/webriots/asyncio/internal/metrics"
)

// workerPool runs generic backend tasks. Pending tasks wait in a FIFO;
// up to max workers drain it, each exiting once it finds the FIFO
// empty. The goroutines themselves come from an ants pool so an idle
// worker lingers for the expiry duration before it is reclaimed.
type workerPool struct {
	log *slog.Logger
	run func(*Task)
	max int

	ants    *ants.Pool
	spawned atomic.Uint64

	mu      sync.Mutex
	drained *sync.Cond
	pending deque.Deque[*Task]
	running int
	stopped bool
}

func newWorkerPool(max int, idle time.Duration, log *slog.Logger, run func(*Task)) (*workerPool, error) {
	p := &workerPool{log: log, run: run, max: max}
	p.drained = sync.NewCond(&p.mu)

	pool, err := ants.NewPool(max,
		ants.WithExpiryDuration(idle),
		ants.WithLogger(antsLogger{log}),
		ants.WithPanicHandler(func(v any) {
			log.Error("asyncio: worker panicked", "panic", v)
		}),
	)
	if err != nil {
		return nil, err
	}
	p.ants = pool
	return p, nil
}

// submit queues t. After shutdown the task completes as Canceled
// without running.
func (p *workerPool) submit(t *Task) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		deliverGeneric(t, Canceled)
		return
	}
	p.pending.PushBack(t)
	spawn := p.running < p.max
	if spawn {
		p.running++
	}
	p.mu.Unlock()

	if spawn {
		if err := p.ants.Submit(p.work); err != nil {
			p.log.Warn("asyncio: ants submit failed, starting plain goroutine", "error", err)
			go p.work()
		}
	}
}

// cancel completes t as Canceled if no worker has picked it up yet.
func (p *workerPool) cancel(t *Task) bool {
	p.mu.Lock()
	i := p.pending.Index(func(x *Task) bool { return x == t })
	if i < 0 {
		p.mu.Unlock()
		return false
	}
	p.pending.Remove(i)
	p.mu.Unlock()

	deliverGeneric(t, Canceled)
	return true
}

// shutdown cancels every pending task, refuses new work and blocks
// until all workers have exited.
func (p *workerPool) shutdown() {
	p.mu.Lock()
	p.stopped = true
	canceled := make([]*Task, 0, p.pending.Len())
	for p.pending.Len() > 0 {
		canceled = append(canceled, p.pending.PopFront())
	}
	p.mu.Unlock()

	for _, t := range canceled {
		deliverGeneric(t, Canceled)
	}

	p.mu.Lock()
	for p.running > 0 {
		p.drained.Wait()
	}
	p.mu.Unlock()

	p.ants.Release()
	p.log.Debug("asyncio: worker pool stopped", "canceled", len(canceled))
}

func (p *workerPool) work() {
	name := fmt.Sprintf("asyncio-worker-%d", p.spawned.Add(1))
	metrics.PoolWorkers.Inc()
	defer metrics.PoolWorkers.Dec()

	left := false
	defer func() {
		if !left {
			p.mu.Lock()
			p.leaveLocked()
			p.mu.Unlock()
		}
	}()

	p.log.Debug("asyncio: worker draining", "worker", name)
	for {
		t, ok := p.next()
		if !ok {
			left = true
			return
		}
		if t.start() {
			p.run(t)
		}
	}
}

func (p *workerPool) next() (*Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending.Len() == 0 {
		p.leaveLocked()
		return nil, false
	}
	return p.pending.PopFront(), true
}

func (p *workerPool) leaveLocked() {
	p.running--
	if p.running == 0 {
		p.drained.Broadcast()
	}
}

// antsLogger routes ants diagnostics to slog.
type antsLogger struct {
	log *slog.Logger
}

func (l antsLogger) Printf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...), "component", "ants")
}
