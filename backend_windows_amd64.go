package asyncio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webriots/asyncio/internal/ioring"
	"golang.org/x/sys/windows"
)

// markerBit tags the user data of cancel requests. Task IDs come from
// a counter and never reach it; zero is a wake-up.
const markerBit = 1 << 63

var ioringRequiredOps = []ioring.OpCode{
	ioring.OpNop,
	ioring.OpFlush,
	ioring.OpRead,
	ioring.OpWrite,
	ioring.OpCancel,
}

func probeKernelBackend(o *options) (kernelBackend, error) {
	if o.backend == BackendIOUring {
		return nil, fmt.Errorf("%w: %s", errNoKernelBackend, o.backend)
	}
	if err := ioring.Load(); err != nil {
		return nil, err
	}

	b := &ioringBackend{entries: o.ringEntries, log: o.logger}

	// a throwaway ring tells whether the opcodes exist.
	q, err := b.newQueue()
	if err != nil {
		return nil, err
	}
	q.destroy()
	return b, nil
}

type ioringBackend struct {
	entries uint32
	log     *slog.Logger
}

func (b *ioringBackend) kind() Backend {
	return BackendIORing
}

func (b *ioringBackend) close() {}

func (b *ioringBackend) newQueue() (queueBackend, error) {
	ev, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("CreateEvent: %w", err)
	}

	ring, err := ioring.Create(b.entries, b.entries)
	if err != nil {
		_ = windows.CloseHandle(ev)
		return nil, err
	}

	fail := func(err error) (queueBackend, error) {
		_ = ring.Close()
		_ = windows.CloseHandle(ev)
		return nil, err
	}
	if err := ring.SetCompletionEvent(ev); err != nil {
		return fail(err)
	}
	for _, op := range ioringRequiredOps {
		if !ring.Supports(op) {
			return fail(fmt.Errorf("ioring: op %d unsupported", op))
		}
	}

	return &ioringQueue{
		ring:     ring,
		event:    ev,
		log:      b.log,
		registry: make(map[uintptr]ioringEntry),
		c:        newCompletions(),
	}, nil
}

func (b *ioringBackend) open(path string, mode Mode) (fileBackend, error) {
	var access, disposition uint32
	switch mode {
	case ModeRead:
		access, disposition = windows.GENERIC_READ, windows.OPEN_EXISTING
	case ModeWriteTruncate:
		access, disposition = windows.GENERIC_WRITE, windows.CREATE_ALWAYS
	case ModeReadWrite:
		access, disposition = windows.GENERIC_READ|windows.GENERIC_WRITE, windows.OPEN_EXISTING
	case ModeReadWriteTrunc:
		access, disposition = windows.GENERIC_READ|windows.GENERIC_WRITE, windows.CREATE_ALWAYS
	default:
		return nil, ErrInvalidMode
	}

	name, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFile(name, access, windows.FILE_SHARE_READ, nil, disposition, windows.FILE_ATTRIBUTE_NORMAL, 0)
	if err != nil {
		return nil, err
	}
	return &ioringFile{handle: h}, nil
}

type ioringFile struct {
	handle windows.Handle
	closed atomic.Bool
}

func (f *ioringFile) size() (int64, error) {
	var info windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(f.handle, &info); err != nil {
		return -1, err
	}
	return int64(info.FileSizeHigh)<<32 | int64(info.FileSizeLow), nil
}

func (f *ioringFile) read(t *Task) error {
	return ioringQueueOf(t).submit(t, func(r *ioring.Ring) error {
		return r.BuildRead(f.handle, t.buf, t.offset, uintptr(t.id))
	})
}

func (f *ioringFile) write(t *Task) error {
	return ioringQueueOf(t).submit(t, func(r *ioring.Ring) error {
		return r.BuildWrite(f.handle, t.buf, t.offset, uintptr(t.id))
	})
}

// close always flushes; the ring has no close operation, so the handle
// is closed inline when the flush completes.
func (f *ioringFile) close(t *Task) error {
	return ioringQueueOf(t).submit(t, func(r *ioring.Ring) error {
		return r.BuildFlush(f.handle, uintptr(t.id))
	})
}

func (f *ioringFile) destroy() {
	_ = f.release()
}

func (f *ioringFile) release() error {
	if f.closed.Swap(true) {
		return nil
	}
	return windows.CloseHandle(f.handle)
}

func ioringQueueOf(t *Task) *ioringQueue {
	q, ok := t.queue.impl.(*ioringQueue)
	if !ok {
		panic(fmt.Sprintf("asyncio: ioring task on %T", t.queue.impl))
	}
	return q
}

type ioringEntry struct {
	task   *Task
	marker bool
}

// ioringQueue owns one ring and its auto-reset completion event. The
// event fires only when the completion queue becomes non-empty, so the
// waiter blocked on it pops before and after. Only that one waiter
// ever blocks on the event; signal sets it to kick the waiter out.
// closed is written with sqeMu and cqeMu held.
type ioringQueue struct {
	ring   *ioring.Ring
	event  windows.Handle
	log    *slog.Logger
	closed bool

	sqeMu sync.Mutex
	cqeMu sync.Mutex

	regMu    sync.Mutex
	registry map[uintptr]ioringEntry
	markers  atomic.Uint64

	c *completions
}

func (q *ioringQueue) register(id uintptr, e ioringEntry) {
	q.regMu.Lock()
	q.registry[id] = e
	q.regMu.Unlock()
}

func (q *ioringQueue) take(id uintptr) (ioringEntry, bool) {
	q.regMu.Lock()
	defer q.regMu.Unlock()
	e, ok := q.registry[id]
	delete(q.registry, id)
	return e, ok
}

func (q *ioringQueue) forget(id uintptr) {
	q.regMu.Lock()
	delete(q.registry, id)
	q.regMu.Unlock()
}

func (q *ioringQueue) submit(t *Task, build func(*ioring.Ring) error) error {
	if t.size > math.MaxUint32 {
		return ErrTooLarge
	}

	q.sqeMu.Lock()
	defer q.sqeMu.Unlock()

	if q.closed {
		return ErrQueueDestroyed
	}
	id := uintptr(t.id)
	q.register(id, ioringEntry{task: t})
	if err := build(q.ring); err != nil {
		q.forget(id)
		return err
	}
	if err := q.ring.Submit(); err != nil {
		q.forget(id)
		return err
	}
	t.start()
	return nil
}

func (q *ioringQueue) cancel(t *Task) {
	f, ok := t.file.impl.(*ioringFile)
	if !ok {
		return
	}
	id := uintptr(markerBit | q.markers.Add(1))

	q.sqeMu.Lock()
	defer q.sqeMu.Unlock()

	if q.closed {
		return
	}
	q.register(id, ioringEntry{task: t, marker: true})
	if err := q.ring.BuildCancel(f.handle, uintptr(t.id), id); err != nil {
		q.forget(id)
		return
	}
	if err := q.ring.Submit(); err != nil {
		q.log.Debug("asyncio: submit cancel failed", "task", t.id, "error", err)
	}
}

// reap moves every posted completion into q.c and reports how many it
// popped.
func (q *ioringQueue) reap() int {
	q.cqeMu.Lock()
	defer q.cqeMu.Unlock()
	if q.closed {
		return 0
	}
	n := 0
	for {
		c, ok, err := q.ring.Pop()
		if err != nil {
			q.log.Debug("asyncio: pop completion failed", "error", err)
			return n
		}
		if !ok {
			return n
		}
		n++
		if t := q.resolve(c); t != nil {
			q.c.push(t)
		}
	}
}

func (q *ioringQueue) poll() *Task {
	if q.reap() > 0 && q.c.leading() {
		// the leader in the kernel may have missed what was reaped here
		q.kick()
	}
	return q.c.pop()
}

func (q *ioringQueue) resolve(c ioring.CQE) *Task {
	if c.UserData == 0 {
		return nil
	}
	e, ok := q.take(c.UserData)
	if !ok {
		q.log.Debug("asyncio: completion for unknown request", "user_data", c.UserData)
		return nil
	}
	if e.marker {
		if !c.Failed() {
			e.task.canceled.Store(true)
		}
		return nil
	}

	t := e.task
	switch {
	case c.Failed() && t.canceled.Load():
		t.result = Canceled
	case c.Failed():
		q.log.Debug("asyncio: request failed", "task", t.id, "op", t.typ, "hresult", uint32(c.ResultCode))
		t.result = Failure
	case t.typ != TaskClose:
		t.transferred = uint64(c.Information)
		if t.typ == TaskWrite && t.transferred < t.size {
			t.result = Failure
		}
	}

	if t.typ == TaskClose {
		if f, ok := t.file.impl.(*ioringFile); ok {
			if err := f.release(); err != nil {
				q.log.Debug("asyncio: CloseHandle failed", "task", t.id, "error", err)
				if t.result == Complete {
					t.result = Failure
				}
			}
		}
	}

	t.finish(t.result)
	return t
}

func (q *ioringQueue) wait(timeout time.Duration) *Task {
	return q.c.wait(timeout, q.block)
}

// block is run by one waiter at a time.
func (q *ioringQueue) block(timeout time.Duration) {
	if q.reap() > 0 {
		return
	}

	ms := uint32(windows.INFINITE)
	if timeout >= 0 {
		ms = uint32(min(timeout.Milliseconds(), math.MaxUint32-1))
	}
	if _, err := windows.WaitForSingleObject(q.event, ms); err != nil {
		q.log.Debug("asyncio: wait for completion event failed", "error", err)
	}
	q.reap()
}

func (q *ioringQueue) signal() {
	if q.c.signal() {
		q.kick()
	}
}

func (q *ioringQueue) kick() {
	q.sqeMu.Lock()
	defer q.sqeMu.Unlock()
	if !q.closed {
		_ = windows.SetEvent(q.event)
	}
}

func (q *ioringQueue) destroy() {
	q.c.close(q.kick)

	q.sqeMu.Lock()
	q.cqeMu.Lock()
	defer q.cqeMu.Unlock()
	defer q.sqeMu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if err := q.ring.Close(); err != nil {
		q.log.Debug("asyncio: close ring failed", "error", err)
	}
	_ = windows.CloseHandle(q.event)
}
