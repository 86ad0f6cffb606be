package ioring

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Version3 is the lowest ring version with everything a file engine
// needs.
const Version3 = 300

// OpCode is IORING_OP_CODE.
type OpCode uint32

const (
	OpNop    OpCode = 0
	OpRead   OpCode = 1
	OpCancel OpCode = 4
	OpWrite  OpCode = 5
	OpFlush  OpCode = 6
)

const (
	refRaw       = 0
	sFalse       = 1
	flushDefault = 0
	sqeFlagsNone = 0
)

var (
	kernelBase = windows.NewLazySystemDLL("KernelBase.dll")

	procQueryIoRingCapabilities  = kernelBase.NewProc("QueryIoRingCapabilities")
	procIsIoRingOpSupported      = kernelBase.NewProc("IsIoRingOpSupported")
	procCreateIoRing             = kernelBase.NewProc("CreateIoRing")
	procSubmitIoRing             = kernelBase.NewProc("SubmitIoRing")
	procCloseIoRing              = kernelBase.NewProc("CloseIoRing")
	procPopIoRingCompletion      = kernelBase.NewProc("PopIoRingCompletion")
	procSetIoRingCompletionEvent = kernelBase.NewProc("SetIoRingCompletionEvent")
	procBuildIoRingCancelRequest = kernelBase.NewProc("BuildIoRingCancelRequest")
	procBuildIoRingReadFile      = kernelBase.NewProc("BuildIoRingReadFile")
	procBuildIoRingWriteFile     = kernelBase.NewProc("BuildIoRingWriteFile")
	procBuildIoRingFlushFile     = kernelBase.NewProc("BuildIoRingFlushFile")

	procs = []*windows.LazyProc{
		procQueryIoRingCapabilities,
		procIsIoRingOpSupported,
		procCreateIoRing,
		procSubmitIoRing,
		procCloseIoRing,
		procPopIoRingCompletion,
		procSetIoRingCompletionEvent,
		procBuildIoRingCancelRequest,
		procBuildIoRingReadFile,
		procBuildIoRingWriteFile,
		procBuildIoRingFlushFile,
	}
)

type capabilities struct {
	MaxVersion             uint32
	MaxSubmissionQueueSize uint32
	MaxCompletionQueueSize uint32
	FeatureFlags           uint32
}

type handleRef struct {
	kind   uint32
	_      uint32
	handle windows.Handle
}

type bufferRef struct {
	kind    uint32
	_       uint32
	address uintptr
}

// CQE is IORING_CQE.
type CQE struct {
	UserData    uintptr
	ResultCode  int32
	_           uint32
	Information uintptr
}

// Failed reports whether the completion carries a failing HRESULT.
func (c CQE) Failed() bool {
	return c.ResultCode < 0
}

// HResultError is a failing HRESULT returned by a ring procedure.
type HResultError struct {
	Op   string
	Code uint32
}

func (e *HResultError) Error() string {
	return fmt.Sprintf("%s: HRESULT 0x%08X", e.Op, e.Code)
}

func check(op string, r1 uintptr) error {
	if int32(r1) < 0 {
		return &HResultError{Op: op, Code: uint32(r1)}
	}
	return nil
}

var (
	loadOnce sync.Once
	loadErr  error
)

// Load resolves the procedures and checks that the system supports
// Version3. The result is cached.
func Load() error {
	loadOnce.Do(func() {
		for _, p := range procs {
			if err := p.Find(); err != nil {
				loadErr = err
				return
			}
		}
		var caps capabilities
		r1, _, _ := procQueryIoRingCapabilities.Call(uintptr(unsafe.Pointer(&caps)))
		if err := check("QueryIoRingCapabilities", r1); err != nil {
			loadErr = err
			return
		}
		if caps.MaxVersion < Version3 {
			loadErr = fmt.Errorf("ioring: version %d below required %d", caps.MaxVersion, Version3)
		}
	})
	return loadErr
}

// Ring is an HIORING.
type Ring struct {
	h uintptr
}

// Create makes a Version3 ring with the given queue sizes.
func Create(sqSize, cqSize uint32) (*Ring, error) {
	var h uintptr
	// IORING_CREATE_FLAGS is two zero uint32s packed into one register.
	r1, _, _ := procCreateIoRing.Call(
		Version3,
		0,
		uintptr(sqSize),
		uintptr(cqSize),
		uintptr(unsafe.Pointer(&h)),
	)
	if err := check("CreateIoRing", r1); err != nil {
		return nil, err
	}
	return &Ring{h: h}, nil
}

// Supports reports whether the ring implements op.
func (r *Ring) Supports(op OpCode) bool {
	r1, _, _ := procIsIoRingOpSupported.Call(r.h, uintptr(op))
	return r1 != 0
}

// SetCompletionEvent makes the ring signal ev when its completion
// queue goes from empty to non-empty.
func (r *Ring) SetCompletionEvent(ev windows.Handle) error {
	r1, _, _ := procSetIoRingCompletionEvent.Call(r.h, uintptr(ev))
	return check("SetIoRingCompletionEvent", r1)
}

// Submit hands every built entry to the kernel without waiting.
func (r *Ring) Submit() error {
	r1, _, _ := procSubmitIoRing.Call(r.h, 0, 0, 0)
	return check("SubmitIoRing", r1)
}

// Pop removes the oldest completion, reporting false when none is
// available.
func (r *Ring) Pop() (CQE, bool, error) {
	var c CQE
	r1, _, _ := procPopIoRingCompletion.Call(r.h, uintptr(unsafe.Pointer(&c)))
	if r1 == sFalse {
		return CQE{}, false, nil
	}
	if err := check("PopIoRingCompletion", r1); err != nil {
		return CQE{}, false, err
	}
	return c, true, nil
}

// BuildRead queues a read of len(buf) bytes at offset. buf must stay
// reachable until the completion arrives.
func (r *Ring) BuildRead(f windows.Handle, buf []byte, offset uint64, userData uintptr) error {
	href := handleRef{kind: refRaw, handle: f}
	bref := bufferRef{kind: refRaw, address: uintptr(unsafe.Pointer(unsafe.SliceData(buf)))}
	r1, _, _ := procBuildIoRingReadFile.Call(
		r.h,
		uintptr(unsafe.Pointer(&href)),
		uintptr(unsafe.Pointer(&bref)),
		uintptr(uint32(len(buf))),
		uintptr(offset),
		userData,
		sqeFlagsNone,
	)
	return check("BuildIoRingReadFile", r1)
}

// BuildWrite queues a write of buf at offset. buf must stay reachable
// until the completion arrives.
func (r *Ring) BuildWrite(f windows.Handle, buf []byte, offset uint64, userData uintptr) error {
	href := handleRef{kind: refRaw, handle: f}
	bref := bufferRef{kind: refRaw, address: uintptr(unsafe.Pointer(unsafe.SliceData(buf)))}
	r1, _, _ := procBuildIoRingWriteFile.Call(
		r.h,
		uintptr(unsafe.Pointer(&href)),
		uintptr(unsafe.Pointer(&bref)),
		uintptr(uint32(len(buf))),
		uintptr(offset),
		0,
		userData,
		sqeFlagsNone,
	)
	return check("BuildIoRingWriteFile", r1)
}

// BuildFlush queues a flush of f.
func (r *Ring) BuildFlush(f windows.Handle, userData uintptr) error {
	href := handleRef{kind: refRaw, handle: f}
	r1, _, _ := procBuildIoRingFlushFile.Call(
		r.h,
		uintptr(unsafe.Pointer(&href)),
		flushDefault,
		userData,
		sqeFlagsNone,
	)
	return check("BuildIoRingFlushFile", r1)
}

// BuildCancel queues cancellation of the request on f that was built
// with user data target.
func (r *Ring) BuildCancel(f windows.Handle, target, userData uintptr) error {
	href := handleRef{kind: refRaw, handle: f}
	r1, _, _ := procBuildIoRingCancelRequest.Call(
		r.h,
		uintptr(unsafe.Pointer(&href)),
		target,
		userData,
	)
	return check("BuildIoRingCancelRequest", r1)
}

// Close releases the ring.
func (r *Ring) Close() error {
	if r.h == 0 {
		return nil
	}
	r1, _, _ := procCloseIoRing.Call(r.h)
	r.h = 0
	return check("CloseIoRing", r1)
}
