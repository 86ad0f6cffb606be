//go:build linux

package asyncio

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webriots/asyncio/internal/uring"
	"golang.org/x/sys/unix"
)

// markerBit tags the user data of cancel requests. Task IDs come from
// a counter and never reach it; zero is a wake-up.
const markerBit = 1 << 63

var uringRequiredOps = []uint8{
	uring.OpNop,
	uring.OpFsync,
	uring.OpTimeout,
	uring.OpClose,
	uring.OpRead,
	uring.OpWrite,
	uring.OpAsyncCancel,
}

func probeKernelBackend(o *options) (kernelBackend, error) {
	if o.backend == BackendIORing {
		return nil, fmt.Errorf("%w: %s", errNoKernelBackend, o.backend)
	}
	return newUringBackend(o)
}

// uringBackend creates one ring per queue. Files are plain descriptors
// shared by every ring.
type uringBackend struct {
	entries uint32
	log     *slog.Logger
}

func newUringBackend(o *options) (*uringBackend, error) {
	ring, err := uring.New(8)
	if err != nil {
		return nil, err
	}
	defer ring.Close()

	if ring.Features()&uring.FeatExtArg == 0 {
		return nil, errors.New("io_uring: kernel lacks timed waits")
	}
	probe, err := ring.Probe()
	if err != nil {
		return nil, err
	}
	for _, op := range uringRequiredOps {
		if !probe.Supported(op) {
			return nil, fmt.Errorf("io_uring: opcode %d unsupported", op)
		}
	}

	return &uringBackend{entries: o.ringEntries, log: o.logger}, nil
}

func (b *uringBackend) kind() Backend {
	return BackendIOUring
}

func (b *uringBackend) close() {}

func (b *uringBackend) newQueue() (queueBackend, error) {
	ring, err := uring.New(b.entries)
	if err != nil {
		return nil, err
	}
	return &uringQueue{
		ring:     ring,
		log:      b.log,
		registry: make(map[uint64]uringEntry),
		c:        newCompletions(),
	}, nil
}

func (b *uringBackend) open(path string, mode Mode) (fileBackend, error) {
	for {
		fd, err := unix.Open(path, mode.Flags()|unix.O_CLOEXEC, filePerm)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &uringFile{fd: fd}, nil
	}
}

type uringFile struct {
	fd     int
	closed atomic.Bool
}

func (f *uringFile) size() (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return -1, err
	}
	return st.Size, nil
}

func (f *uringFile) read(t *Task) error {
	return uringQueueOf(t).submitTransfer(f.fd, t)
}

func (f *uringFile) write(t *Task) error {
	return uringQueueOf(t).submitTransfer(f.fd, t)
}

func (f *uringFile) close(t *Task) error {
	return uringQueueOf(t).submitClose(f.fd, t)
}

// destroy closes the descriptor when the ring never attempted to.
func (f *uringFile) destroy() {
	_ = f.release()
}

func (f *uringFile) release() error {
	if f.closed.Swap(true) {
		return nil
	}
	return unix.Close(f.fd)
}

func uringQueueOf(t *Task) *uringQueue {
	q, ok := t.queue.impl.(*uringQueue)
	if !ok {
		panic(fmt.Sprintf("asyncio: io_uring task on %T", t.queue.impl))
	}
	return q
}

// uringEntry is what a completion's user data resolves to: the task
// itself, or a cancel request aimed at it.
type uringEntry struct {
	task   *Task
	marker bool
}

// uringQueue owns one ring. sqeMu guards the submission side and cqeMu
// the completion side; the waiter blocked in the kernel holds neither.
// closed is written with both held, so either one is enough to read it.
type uringQueue struct {
	ring   *uring.Ring
	log    *slog.Logger
	closed bool

	sqeMu sync.Mutex
	cqeMu sync.Mutex

	regMu    sync.Mutex
	registry map[uint64]uringEntry
	markers  atomic.Uint64

	c *completions
}

func (q *uringQueue) register(id uint64, e uringEntry) {
	q.regMu.Lock()
	q.registry[id] = e
	q.regMu.Unlock()
}

func (q *uringQueue) lookup(id uint64, remove bool) (uringEntry, bool) {
	q.regMu.Lock()
	defer q.regMu.Unlock()
	e, ok := q.registry[id]
	if ok && remove {
		delete(q.registry, id)
	}
	return e, ok
}

func (q *uringQueue) forget(id uint64) {
	q.regMu.Lock()
	delete(q.registry, id)
	q.regMu.Unlock()
}

func (q *uringQueue) submitTransfer(fd int, t *Task) error {
	if t.size > math.MaxUint32 {
		return ErrTooLarge
	}

	q.sqeMu.Lock()
	defer q.sqeMu.Unlock()

	if q.closed {
		return ErrQueueDestroyed
	}
	sqe := q.ring.GetSQE()
	if sqe == nil {
		return ErrQueueFull
	}
	if t.typ == TaskRead {
		sqe.PrepRead(fd, t.buf, t.offset)
	} else {
		sqe.PrepWrite(fd, t.buf, t.offset)
	}
	sqe.UserData = t.id
	return q.submitLocked(t)
}

func (q *uringQueue) submitClose(fd int, t *Task) error {
	q.sqeMu.Lock()
	defer q.sqeMu.Unlock()

	if q.closed {
		return ErrQueueDestroyed
	}
	sqe := q.ring.GetSQE()
	if sqe == nil {
		return ErrQueueFull
	}

	if t.flush {
		next := q.ring.GetSQE()
		if next == nil {
			// the entry is already taken; spend it on nothing. A
			// marker ID keeps its completion from passing for a
			// wake-up.
			sqe.PrepNop()
			sqe.UserData = markerBit | q.markers.Add(1)
			if _, err := q.ring.Submit(); err != nil {
				q.log.Debug("asyncio: submit nop failed", "error", err)
			}
			return ErrQueueFull
		}
		sqe.PrepFsync(fd, uring.FsyncDatasync)
		sqe.Flags |= uring.SQEIOHardlink
		sqe.UserData = t.id
		sqe = next
		t.linked = 1
	}

	sqe.PrepClose(fd)
	sqe.UserData = t.id
	if err := q.submitLocked(t); err != nil {
		t.linked = 0
		return err
	}
	return nil
}

func (q *uringQueue) submitLocked(t *Task) error {
	q.register(t.id, uringEntry{task: t})
	if _, err := q.ring.Submit(); err != nil {
		q.forget(t.id)
		return err
	}
	t.start()
	return nil
}

func (q *uringQueue) cancel(t *Task) {
	id := markerBit | q.markers.Add(1)

	q.sqeMu.Lock()
	defer q.sqeMu.Unlock()

	if q.closed {
		return
	}
	sqe := q.ring.GetSQE()
	if sqe == nil {
		return
	}
	sqe.PrepCancel(t.id)
	sqe.UserData = id
	q.register(id, uringEntry{task: t, marker: true})
	if _, err := q.ring.Submit(); err != nil {
		q.forget(id)
		q.log.Debug("asyncio: submit cancel failed", "task", t.id, "error", err)
	}
}

// resolve consumes one completion and returns the task it finished,
// if any. Wake-ups carry user data 0 and finish nothing.
func (q *uringQueue) resolve(c uring.CQE) *Task {
	if c.UserData == 0 {
		return nil
	}

	e, ok := q.lookup(c.UserData, false)
	if !ok {
		if c.UserData&markerBit == 0 {
			q.log.Debug("asyncio: completion for unknown request", "user_data", c.UserData, "res", c.Res)
		}
		return nil
	}

	if e.marker {
		q.forget(c.UserData)
		if c.Res == 0 {
			e.task.canceled.Store(true)
		}
		return nil
	}

	t := e.task
	if t.linked > 0 {
		// the fsync half of a flushing close
		t.linked--
		if c.Res < 0 {
			q.log.Debug("asyncio: flush failed", "task", t.id, "error", unix.Errno(-c.Res))
			t.result = Failure
		}
		return nil
	}

	q.forget(c.UserData)
	q.complete(t, c.Res)
	return t
}

func (q *uringQueue) complete(t *Task, res int32) {
	canceled := res == -int32(unix.ECANCELED) || (res < 0 && t.canceled.Load())

	if t.typ == TaskClose {
		if !canceled {
			if uf, ok := t.file.impl.(*uringFile); ok {
				uf.closed.Store(true)
			}
		}
		switch {
		case canceled:
			t.finish(Canceled)
		case res < 0:
			q.log.Debug("asyncio: close failed", "task", t.id, "error", unix.Errno(-res))
			t.finish(Failure)
		default:
			// a failed flush already recorded Failure
			t.finish(t.result)
		}
		return
	}

	switch {
	case canceled:
		t.finish(Canceled)
	case res < 0:
		q.log.Debug("asyncio: transfer failed", "task", t.id, "op", t.typ, "error", unix.Errno(-res))
		t.finish(Failure)
	default:
		t.transferred = uint64(res)
		if t.typ == TaskWrite && t.transferred < t.size {
			t.finish(Failure)
		} else {
			t.finish(Complete)
		}
	}
}

// reap moves every posted completion into q.c. It returns how many
// completions it consumed, wake-ups included, and how many of them
// finished a task.
func (q *uringQueue) reap() (n, tasks int) {
	q.cqeMu.Lock()
	defer q.cqeMu.Unlock()
	if q.closed {
		return 0, 0
	}
	for {
		c, ok := q.ring.Peek()
		if !ok {
			return n, tasks
		}
		n++
		if t := q.resolve(c); t != nil {
			q.c.push(t)
			tasks++
		}
	}
}

func (q *uringQueue) poll() *Task {
	if _, tasks := q.reap(); tasks > 0 && q.c.leading() {
		// the leader in the kernel may have missed what was reaped here
		q.wakeup()
	}
	return q.c.pop()
}

func (q *uringQueue) wait(timeout time.Duration) *Task {
	return q.c.wait(timeout, q.block)
}

// block is run by one waiter at a time. It returns once something
// completed, a wake-up arrived or timeout elapsed.
func (q *uringQueue) block(timeout time.Duration) {
	if n, _ := q.reap(); n > 0 {
		return
	}
	err := q.ring.Wait(timeout)
	switch {
	case err == nil, errors.Is(err, unix.EINTR), errors.Is(err, unix.ETIME):
	default:
		q.log.Warn("asyncio: io_uring wait failed", "error", err)
	}
	q.reap()
}

// signal wakes parked waiters and, if one is blocked in the kernel,
// queues an immediate timeout to kick it out.
func (q *uringQueue) signal() {
	if q.c.signal() {
		q.wakeup()
	}
}

func (q *uringQueue) wakeup() {
	q.sqeMu.Lock()
	defer q.sqeMu.Unlock()

	if q.closed {
		return
	}
	sqe := q.ring.GetSQE()
	if sqe == nil {
		// no room to kick with; the leader still returns on its next
		// completion or timeout.
		return
	}
	sqe.PrepWakeup()
	if _, err := q.ring.Submit(); err != nil {
		q.log.Debug("asyncio: submit wakeup failed", "error", err)
	}
}

func (q *uringQueue) destroy() {
	q.c.close(q.wakeup)

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
}
