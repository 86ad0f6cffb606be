//go:build linux

package uring

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SQE is a submission queue entry, laid out as struct io_uring_sqe.
type SQE struct {
	Opcode      uint8
	Flags       uint8
	IOPrio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	Addr3       uint64
	_           uint64
}

// CQE is a completion queue entry, laid out as struct io_uring_cqe.
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// Timespec is struct __kernel_timespec, 64-bit on every architecture.
type Timespec struct {
	Sec  int64
	Nsec int64
}

type sqOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type cqOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

type params struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        sqOffsets
	cqOff        cqOffsets
}

type geteventsArg struct {
	sigmask   uint64
	sigmaskSz uint32
	_         uint32
	ts        uint64
}

// waitArg keeps the timespec and the argument that points at it in
// one heap object so the address handed to the kernel stays valid.
type waitArg struct {
	arg geteventsArg
	ts  Timespec
}

var waitArgs = sync.Pool{
	New: func() any { return new(waitArg) },
}

// Ring is one io_uring instance with its shared rings mapped.
type Ring struct {
	fd       int
	features uint32

	sqMem  []byte
	cqMem  []byte
	sqeMem []byte

	sqHead  *uint32
	sqTail  *uint32
	sqMask  uint32
	sqCap   uint32
	sqes    []SQE
	sqeHead uint32 // first entry not yet published to the kernel
	sqeTail uint32 // next entry GetSQE hands out

	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   []CQE
}

// New sets up a ring with room for entries submissions.
func New(entries uint32) (*Ring, error) {
	var p params
	r1, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	r := &Ring{fd: int(r1), features: p.features}
	if err := r.mmap(&p); err != nil {
		_ = unix.Close(r.fd)
		return nil, err
	}
	return r, nil
}

func (r *Ring) mmap(p *params) error {
	const (
		prot  = unix.PROT_READ | unix.PROT_WRITE
		flags = unix.MAP_SHARED | unix.MAP_POPULATE
	)

	sqSize := int(p.sqOff.array + p.sqEntries*4)
	cqSize := int(p.cqOff.cqes + p.cqEntries*uint32(unsafe.Sizeof(CQE{})))
	single := p.features&FeatSingleMmap != 0
	if single {
		sqSize = max(sqSize, cqSize)
	}

	sq, err := unix.Mmap(r.fd, offSQRing, sqSize, prot, flags)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}
	cq := sq
	if !single {
		if cq, err = unix.Mmap(r.fd, offCQRing, cqSize, prot, flags); err != nil {
			_ = unix.Munmap(sq)
			return fmt.Errorf("mmap cq ring: %w", err)
		}
	}
	sqes, err := unix.Mmap(r.fd, offSQEs, int(p.sqEntries)*int(unsafe.Sizeof(SQE{})), prot, flags)
	if err != nil {
		if !single {
			_ = unix.Munmap(cq)
		}
		_ = unix.Munmap(sq)
		return fmt.Errorf("mmap sqes: %w", err)
	}

	r.sqMem, r.cqMem, r.sqeMem = sq, cq, sqes

	r.sqHead = (*uint32)(unsafe.Pointer(&sq[p.sqOff.head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&sq[p.sqOff.tail]))
	r.sqMask = *(*uint32)(unsafe.Pointer(&sq[p.sqOff.ringMask]))
	r.sqCap = *(*uint32)(unsafe.Pointer(&sq[p.sqOff.ringEntries]))
	r.sqes = unsafe.Slice((*SQE)(unsafe.Pointer(&sqes[0])), p.sqEntries)

	// entries are always published in ring order, so the index array
	// is the identity.
	array := unsafe.Slice((*uint32)(unsafe.Pointer(&sq[p.sqOff.array])), p.sqEntries)
	for i := range array {
		array[i] = uint32(i)
	}

	r.cqHead = (*uint32)(unsafe.Pointer(&cq[p.cqOff.head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&cq[p.cqOff.tail]))
	r.cqMask = *(*uint32)(unsafe.Pointer(&cq[p.cqOff.ringMask]))
	r.cqes = unsafe.Slice((*CQE)(unsafe.Pointer(&cq[p.cqOff.cqes])), p.cqEntries)
	return nil
}

// Features returns the IORING_FEAT_* bits the kernel reported.
func (r *Ring) Features() uint32 {
	return r.features
}

// GetSQE returns a zeroed entry to fill in, or nil when the
// submission ring is full.
func (r *Ring) GetSQE() *SQE {
	head := atomic.LoadUint32(r.sqHead)
	if r.sqeTail-head >= r.sqCap {
		return nil
	}
	sqe := &r.sqes[r.sqeTail&r.sqMask]
	r.sqeTail++
	*sqe = SQE{}
	return sqe
}

// Submit publishes every entry obtained since the last Submit and
// tells the kernel about them.
func (r *Ring) Submit() (int, error) {
	n := r.sqeTail - r.sqeHead
	if n == 0 {
		return 0, nil
	}
	atomic.StoreUint32(r.sqTail, r.sqeTail)
	r.sqeHead = r.sqeTail

	for {
		submitted, err := r.enter(n, 0, 0, nil, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("io_uring_enter: %w", err)
		}
		return submitted, nil
	}
}

// Wait blocks until at least one completion is available or timeout
// elapses; a negative timeout waits indefinitely. A timeout is
// reported as unix.ETIME and an interrupted wait as unix.EINTR.
func (r *Ring) Wait(timeout time.Duration) error {
	if timeout < 0 {
		_, err := r.enter(0, 1, enterGetEvents, nil, 0)
		return err
	}

	w := waitArgs.Get().(*waitArg)
	defer waitArgs.Put(w)

	w.ts = Timespec{
		Sec:  int64(timeout / time.Second),
		Nsec: int64(timeout % time.Second),
	}
	w.arg = geteventsArg{ts: uint64(uintptr(unsafe.Pointer(&w.ts)))}
	_, err := r.enter(0, 1, enterGetEvents|enterExtArg, unsafe.Pointer(&w.arg), unsafe.Sizeof(w.arg))
	return err
}

// Peek copies out the oldest completion and marks it seen.
func (r *Ring) Peek() (CQE, bool) {
	head := atomic.LoadUint32(r.cqHead)
	if head == atomic.LoadUint32(r.cqTail) {
		return CQE{}, false
	}
	c := r.cqes[head&r.cqMask]
	atomic.StoreUint32(r.cqHead, head+1)
	return c, true
}

// Ready returns the number of completions waiting to be peeked.
func (r *Ring) Ready() uint32 {
	return atomic.LoadUint32(r.cqTail) - atomic.LoadUint32(r.cqHead)
}

// Close unmaps the rings and closes the ring descriptor.
func (r *Ring) Close() error {
	if r.fd < 0 {
		return nil
	}
	_ = unix.Munmap(r.sqeMem)
	if &r.cqMem[0] != &r.sqMem[0] {
		_ = unix.Munmap(r.cqMem)
	}
	_ = unix.Munmap(r.sqMem)
	err := unix.Close(r.fd)
	r.fd = -1
	return err
}

func (r *Ring) enter(toSubmit, minComplete, flags uint32, arg unsafe.Pointer, argSize uintptr) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_IO_URING_ENTER,
		uintptr(r.fd),
		uintptr(toSubmit),
		uintptr(minComplete),
		uintptr(flags),
		uintptr(arg),
		argSize,
	)
	if errno != 0 {
		return 0, errno
	}
	return int(r1), nil
}

type probeOp struct {
	op    uint8
	resv  uint8
	flags uint16
	resv2 uint32
}

// Probe is the kernel's report of supported opcodes.
type Probe struct {
	lastOp uint8
	opsLen uint8
	resv   uint16
	resv2  [3]uint32
	ops    [opLast]probeOp
}

// Probe asks the kernel which opcodes this ring supports.
func (r *Ring) Probe() (*Probe, error) {
	p := new(Probe)
	_, _, errno := unix.Syscall6(
		unix.SYS_IO_URING_REGISTER,
		uintptr(r.fd),
		registerProbe,
		uintptr(unsafe.Pointer(p)),
		opLast,
		0, 0,
	)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_register probe: %w", errno)
	}
	return p, nil
}

// Supported reports whether op is available.
func (p *Probe) Supported(op uint8) bool {
	return op <= p.lastOp && p.ops[op].flags&opSupported != 0
}

var zeroTimeout Timespec

func (e *SQE) prep(op uint8, fd int, addr uint64, n uint32, off uint64) {
	e.Opcode = op
	e.Fd = int32(fd)
	e.Addr = addr
	e.Len = n
	e.Off = off
}

func bufAddr(buf []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
}

// PrepNop turns e into a no-op.
func (e *SQE) PrepNop() {
	e.prep(OpNop, -1, 0, 0, 0)
}

// PrepRead reads len(buf) bytes at offset. buf must stay reachable
// until the completion arrives.
func (e *SQE) PrepRead(fd int, buf []byte, offset uint64) {
	e.prep(OpRead, fd, bufAddr(buf), uint32(len(buf)), offset)
}

// PrepWrite writes buf at offset. buf must stay reachable until the
// completion arrives.
func (e *SQE) PrepWrite(fd int, buf []byte, offset uint64) {
	e.prep(OpWrite, fd, bufAddr(buf), uint32(len(buf)), offset)
}

// PrepFsync flushes fd; flags may hold FsyncDatasync.
func (e *SQE) PrepFsync(fd int, flags uint32) {
	e.prep(OpFsync, fd, 0, 0, 0)
	e.OpFlags = flags
}

// PrepClose closes fd.
func (e *SQE) PrepClose(fd int) {
	e.prep(OpClose, fd, 0, 0, 0)
}

// PrepCancel cancels the request submitted with user data target.
func (e *SQE) PrepCancel(target uint64) {
	e.prep(OpAsyncCancel, -1, target, 0, 0)
}

// PrepWakeup is a timeout that expires immediately. Its only effect
// is a completion that wakes a waiter.
func (e *SQE) PrepWakeup() {
	e.prep(OpTimeout, -1, uint64(uintptr(unsafe.Pointer(&zeroTimeout))), 1, 0)
}
