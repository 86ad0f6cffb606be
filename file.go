package asyncio

import (
	"fmt"
	"sync"

	"github.com/webriots/asyncio/internal/metrics"
)

// File is an open file enrolled in an Engine. A File is torn down when
// the outcome of its close is retrieved; it must not be used after
// that.
type File struct {
	engine *Engine
	impl   fileBackend
	mode   Mode

	// oneshot files belong to LoadFile; their close is not reported.
	oneshot bool

	mu      sync.Mutex
	tasks   map[uint64]*Task
	closing *Task
	gone    bool
}

func newFile(e *Engine, impl fileBackend, mode Mode) *File {
	return &File{
		engine: e,
		impl:   impl,
		mode:   mode,
		tasks:  make(map[uint64]*Task),
	}
}

// Mode returns the mode the file was opened with.
func (f *File) Mode() Mode {
	return f.mode
}

// Size returns the size of the file in bytes, or -1 and an error when
// the backend cannot report it.
func (f *File) Size() (int64, error) {
	if f == nil {
		return -1, fmt.Errorf("%w: file", ErrInvalidParam)
	}
	// hold mu so teardown cannot release the handle under us
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone {
		return -1, ErrClosing
	}
	n, err := f.impl.size()
	if err != nil {
		return -1, fmt.Errorf("asyncio: size: %w", err)
	}
	return n, nil
}

// Read starts reading len(buf) bytes at offset into buf. The outcome is
// delivered to q with userdata attached. A short read that reaches end
// of file completes successfully with fewer bytes transferred.
func (f *File) Read(buf []byte, offset uint64, q *Queue, userdata any) (*Task, error) {
	return f.request(TaskRead, buf, offset, q, userdata)
}

// Write starts writing buf at offset. A write that transfers fewer than
// len(buf) bytes fails.
func (f *File) Write(buf []byte, offset uint64, q *Queue, userdata any) (*Task, error) {
	return f.request(TaskWrite, buf, offset, q, userdata)
}

// Close requests that the file be closed, flushing it first when flush
// is set. The close starts once every read and write already submitted
// against the file has been retrieved. No further reads or writes are
// accepted.
func (f *File) Close(flush bool, q *Queue, userdata any) (*Task, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: file", ErrInvalidParam)
	}
	if err := f.checkQueue(q); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closing != nil {
		return nil, ErrClosing
	}

	t := f.engine.newTask(TaskClose, f, q, userdata)
	t.flush = flush
	t.setState(StatePending)
	f.closing = t

	if len(f.tasks) == 0 {
		if err := f.submitCloseLocked(t); err != nil {
			f.closing = nil
			return nil, fmt.Errorf("asyncio: submit close: %w", err)
		}
	}
	return t, nil
}

// Outstanding returns the number of tasks submitted against the file
// and not yet retrieved, including a close that has been handed to the
// backend.
func (f *File) Outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func (f *File) request(typ TaskType, buf []byte, offset uint64, q *Queue, userdata any) (*Task, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: file", ErrInvalidParam)
	}
	if buf == nil {
		return nil, fmt.Errorf("%w: buffer", ErrInvalidParam)
	}
	if err := f.checkQueue(q); err != nil {
		return nil, err
	}
	if typ == TaskRead && !f.mode.Readable() {
		return nil, ErrNotReadable
	}
	if typ == TaskWrite && !f.mode.Writable() {
		return nil, ErrNotWritable
	}

	t := f.engine.newTask(typ, f, q, userdata)
	t.offset = offset
	t.buf = buf
	t.size = uint64(len(buf))

	f.mu.Lock()
	if f.closing != nil {
		f.mu.Unlock()
		return nil, ErrClosing
	}
	// linked before the backend sees it, so a close cannot slip past.
	f.tasks[t.id] = t
	q.add(1)
	t.setState(StateSubmitted)
	f.mu.Unlock()

	var err error
	if typ == TaskRead {
		err = f.impl.read(t)
	} else {
		err = f.impl.write(t)
	}
	if err != nil {
		q.add(-1)
		f.mu.Lock()
		delete(f.tasks, t.id)
		f.mu.Unlock()
		return nil, fmt.Errorf("asyncio: submit %s: %w", typ, err)
	}

	f.submitted(t)
	return t, nil
}

// submitCloseLocked hands the close task to the backend. f.mu must be
// held.
func (f *File) submitCloseLocked(t *Task) error {
	f.tasks[t.id] = t
	t.queue.add(1)
	t.setState(StateSubmitted)

	if err := f.impl.close(t); err != nil {
		delete(f.tasks, t.id)
		t.queue.add(-1)
		t.setState(StatePending)
		return err
	}

	f.submitted(t)
	return nil
}

// submitDeferredCloseLocked submits a close that waited for the
// outstanding tasks. If the backend refuses it, the file is released
// synchronously and the close is delivered as a failure so the
// application still sees it and the file is torn down.
func (f *File) submitDeferredCloseLocked(t *Task) {
	err := f.submitCloseLocked(t)
	if err == nil {
		return
	}

	f.engine.log.Warn("asyncio: deferred close refused by backend",
		"task", t.id, "backend", f.engine.backend, "error", err)
	if rerr := f.impl.release(); rerr != nil {
		f.engine.log.Warn("asyncio: release failed", "task", t.id, "error", rerr)
	}

	f.tasks[t.id] = t
	t.queue.add(1)
	t.finish(Failure)
	t.queue.pushSynthetic(t)
}

func (f *File) submitted(t *Task) {
	t.log("SUBMIT")
	f.engine.log.Debug("asyncio: task submitted",
		"task", t.id, "op", t.typ, "offset", t.offset, "size", t.size)
	metrics.TasksSubmitted.WithLabelValues(f.engine.backend.String(), t.typ.String()).Inc()
}

func (f *File) checkQueue(q *Queue) error {
	switch {
	case q == nil:
		return fmt.Errorf("%w: queue", ErrInvalidParam)
	case q.destroyed.Load():
		return ErrQueueDestroyed
	case q.engine != f.engine:
		return ErrBackendMismatch
	}
	return nil
}

// teardown releases the backend resources once the close has been
// retrieved.
func (f *File) teardown() {
	f.mu.Lock()
	f.gone = true
	f.mu.Unlock()
	f.impl.destroy()
}
