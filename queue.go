package asyncio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"github.com/webriots/asyncio/internal/metrics"
)

// WaitForever makes Queue.Wait block until an outcome is available or
// the queue is signaled.
const WaitForever time.Duration = -1

// waitSlice bounds each blocking wait in WaitContext so a cancellation
// racing with the start of a wait is noticed.
const waitSlice = 250 * time.Millisecond

// Outcome describes a finished task.
type Outcome struct {
	// File is the file the task ran against, or nil for LoadFile.
	File             *File
	Type             TaskType
	Result           Result
	Buffer           []byte
	Offset           uint64
	BytesRequested   uint64
	BytesTransferred uint64
	Userdata         any
}

// Queue collects the outcomes of tasks submitted through it. A Queue
// is safe for concurrent use.
type Queue struct {
	engine *Engine
	impl   queueBackend

	inflight atomic.Int64

	// synthetic holds tasks the engine finished without the backend.
	mu        sync.Mutex
	synthetic deque.Deque[*Task]

	destroyed   atomic.Bool
	destroyOnce sync.Once
}

// Inflight returns the number of tasks submitted through q and not yet
// retrieved.
func (q *Queue) Inflight() int64 {
	return q.inflight.Load()
}

// Poll returns a finished task's outcome if one is available. It never
// blocks. A destroyed queue has no outcomes.
func (q *Queue) Poll() (Outcome, bool) {
	if q.destroyed.Load() {
		return Outcome{}, false
	}
	for {
		t := q.next(0)
		if t == nil {
			return Outcome{}, false
		}
		if out, ok := q.retrieve(t); ok {
			return out, true
		}
	}
}

// Wait blocks until an outcome is available, the timeout elapses or
// the queue is signaled. WaitForever never times out and a zero
// timeout is the same as Poll. A timeout does not affect the tasks
// themselves; they stay retrievable. Wait on a destroyed queue returns
// at once.
func (q *Queue) Wait(timeout time.Duration) (Outcome, bool) {
	if q.destroyed.Load() {
		return Outcome{}, false
	}
	if timeout == 0 {
		return q.Poll()
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		t := q.next(timeout)
		if t == nil {
			return Outcome{}, false
		}
		if out, ok := q.retrieve(t); ok {
			return out, true
		}
		if timeout > 0 {
			if timeout = time.Until(deadline); timeout <= 0 {
				return q.Poll()
			}
		}
	}
}

// WaitContext blocks until an outcome is available or ctx is done. It
// fails with ErrQueueDestroyed once the queue is destroyed.
func (q *Queue) WaitContext(ctx context.Context) (Outcome, error) {
	stop := context.AfterFunc(ctx, q.Signal)
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		if q.destroyed.Load() {
			return Outcome{}, ErrQueueDestroyed
		}
		if out, ok := q.Wait(waitSlice); ok {
			return out, nil
		}
	}
}

// Signal wakes every goroutine blocked in Wait on q. They return
// without an outcome unless one became available.
func (q *Queue) Signal() {
	if q.destroyed.Load() {
		return
	}
	q.impl.signal()
}

// Cancel asks the backend to cancel t. Cancellation is advisory: a
// task that already started runs to its normal end, and cancelling a
// finished or retrieved task does nothing.
func (q *Queue) Cancel(t *Task) {
	if t == nil || t.queue != q || q.destroyed.Load() {
		return
	}
	if s := t.State(); s == StatePending || s.finished() {
		return
	}
	t.log("CANCEL")
	q.impl.cancel(t)
}

// Destroy blocks until every task submitted through q has finished,
// retrieving and discarding the outcomes, then releases the queue.
// Buffers allocated by LoadFile are dropped.
func (q *Queue) Destroy() {
	q.destroyOnce.Do(func() {
		q.destroyed.Store(true)
		for q.inflight.Load() > 0 {
			t := q.next(WaitForever)
			if t == nil {
				continue
			}
			if t.file.oneshot {
				t.buf = nil
			}
			q.retrieve(t)
		}
		q.impl.destroy()
		q.engine.log.Debug("asyncio: queue destroyed", "backend", q.engine.backend)
	})
}

func (q *Queue) add(delta int64) int64 {
	n := q.inflight.Add(delta)
	metrics.TasksInflight.WithLabelValues(q.engine.backend.String()).Add(float64(delta))
	return n
}

func (q *Queue) next(timeout time.Duration) *Task {
	if t := q.popSynthetic(); t != nil {
		return t
	}

	var t *Task
	if timeout == 0 {
		t = q.impl.poll()
	} else {
		t = q.impl.wait(timeout)
	}
	if t == nil {
		t = q.popSynthetic()
	}
	return t
}

func (q *Queue) pushSynthetic(t *Task) {
	q.mu.Lock()
	q.synthetic.PushBack(t)
	q.mu.Unlock()
	q.impl.signal()
}

func (q *Queue) popSynthetic() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.synthetic.Len() == 0 {
		return nil
	}
	return q.synthetic.PopFront()
}

// retrieve is the single point where a finished task is consumed. It
// reports false when the outcome must not reach the application.
func (q *Queue) retrieve(t *Task) (Outcome, bool) {
	f := t.file
	out := Outcome{
		File:             f,
		Type:             t.typ,
		Result:           t.result,
		Buffer:           t.buf,
		Offset:           t.offset,
		BytesRequested:   t.size,
		BytesTransferred: t.transferred,
		Userdata:         t.userdata,
	}
	if f.oneshot {
		out.File = nil
	}

	f.mu.Lock()
	delete(f.tasks, t.id)
	closing := f.closing
	if closing != nil && closing != t && len(f.tasks) == 0 && closing.State() == StatePending {
		f.submitDeferredCloseLocked(closing)
	}
	f.mu.Unlock()

	deliver := true
	if closing == t {
		if f.oneshot {
			deliver = false
		}
		f.teardown()
	}

	t.setState(StateRetrieved)
	if q.add(-1) == 0 && q.destroyed.Load() {
		// Destroy may be waiting for this one
		q.impl.signal()
	}

	t.logf("RETRIEVE %v", t.result)
	q.engine.log.Debug("asyncio: task retrieved",
		"task", t.id, "op", t.typ, "result", t.result, "transferred", t.transferred)
	metrics.TasksRetrieved.WithLabelValues(q.engine.backend.String(), t.typ.String(), t.result.String()).Inc()
	return out, deliver
}
