package asyncio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

// genericFile drives a synchronous Stream from pool workers. mu
// serializes seek and transfer so concurrent tasks on one file never
// interleave their positioning.
type genericFile struct {
	engine *Engine

	mu     sync.Mutex
	stream Stream
	closed bool
}

func openGenericFile(e *Engine, path string, mode Mode) (*genericFile, error) {
	s, err := e.opts.opener(path, mode)
	if err != nil {
		return nil, err
	}
	return &genericFile{engine: e, stream: s}, nil
}

func (f *genericFile) size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return -1, ErrClosing
	}
	return f.stream.Size()
}

func (f *genericFile) read(t *Task) error {
	f.engine.pool.submit(t)
	return nil
}

func (f *genericFile) write(t *Task) error {
	f.engine.pool.submit(t)
	return nil
}

func (f *genericFile) close(t *Task) error {
	f.engine.pool.submit(t)
	return nil
}

// destroy closes the stream if the close task never ran, which
// happens when the pool canceled it.
func (f *genericFile) destroy() {
	if err := f.release(); err != nil {
		f.engine.log.Debug("asyncio: close on teardown failed", "error", err)
	}
}

func (f *genericFile) release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.stream.Close()
}

// execute performs t synchronously and reports its result.
func (f *genericFile) execute(t *Task) Result {
	switch t.typ {
	case TaskRead:
		return f.transfer(t, func(buf []byte) (int, error) {
			return io.ReadFull(f.stream, buf)
		})
	case TaskWrite:
		return f.transfer(t, f.stream.Write)
	case TaskClose:
		return f.shut(t)
	}
	panic("asyncio: unknown task type")
}

func (f *genericFile) transfer(t *Task, fn func([]byte) (int, error)) Result {
	if t.offset > math.MaxInt64 {
		return Failure
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return Failure
	}
	if _, err := f.stream.Seek(int64(t.offset), io.SeekStart); err != nil {
		f.engine.log.Debug("asyncio: seek failed", "task", t.id, "error", err)
		return Failure
	}

	n, err := fn(t.buf)
	t.transferred = uint64(n)
	switch {
	case n == len(t.buf):
		return Complete
	case t.typ == TaskRead && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)):
		// short read at end of file
		return Complete
	default:
		f.engine.log.Debug("asyncio: short transfer",
			"task", t.id, "op", t.typ, "transferred", n, "requested", len(t.buf), "error", err)
		return Failure
	}
}

func (f *genericFile) shut(t *Task) Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return Failure
	}

	result := Complete
	if t.flush {
		if err := f.stream.Flush(); err != nil {
			f.engine.log.Debug("asyncio: flush failed", "task", t.id, "error", err)
			result = Failure
		}
	}

	f.closed = true
	if err := f.stream.Close(); err != nil {
		f.engine.log.Debug("asyncio: close failed", "task", t.id, "error", err)
		result = Failure
	}
	return result
}

// runGenericTask is the pool's work function.
func runGenericTask(t *Task) {
	t.log("EXECUTE")
	gf, ok := t.file.impl.(*genericFile)
	if !ok {
		panic(fmt.Sprintf("asyncio: generic worker got %T", t.file.impl))
	}
	deliverGeneric(t, gf.execute(t))
}

// deliverGeneric finishes t and hands it to its queue.
func deliverGeneric(t *Task, r Result) {
	t.finish(r)
	gq, ok := t.queue.impl.(*genericQueue)
	if !ok {
		panic(fmt.Sprintf("asyncio: generic task on %T", t.queue.impl))
	}
	gq.complete(t)
}

// genericQueue hands out what the pool finished. Workers push
// directly, so no waiter ever blocks in the kernel.
type genericQueue struct {
	pool *workerPool
	c    *completions
}

func newGenericQueue(pool *workerPool) *genericQueue {
	return &genericQueue{pool: pool, c: newCompletions()}
}

func (q *genericQueue) complete(t *Task) {
	q.c.push(t)
}

func (q *genericQueue) cancel(t *Task) {
	q.pool.cancel(t)
}

func (q *genericQueue) poll() *Task {
	return q.c.pop()
}

func (q *genericQueue) wait(timeout time.Duration) *Task {
	return q.c.wait(timeout, nil)
}

func (q *genericQueue) signal() {
	q.c.signal()
}

func (q *genericQueue) destroy() {
	q.c.close(func() {})
}
