package asyncio

import "errors"

// Submission errors. They are returned synchronously and never produce
// a task.
var (
	ErrInvalidParam    = errors.New("asyncio: invalid parameter")
	ErrInvalidMode     = errors.New("asyncio: unsupported file mode")
	ErrClosing         = errors.New("asyncio: file is closing")
	ErrNotReadable     = errors.New("asyncio: file not opened for reading")
	ErrNotWritable     = errors.New("asyncio: file not opened for writing")
	ErrQueueFull       = errors.New("asyncio: submission queue is full")
	ErrTooLarge        = errors.New("asyncio: i/o task is too large")
	ErrBackendMismatch = errors.New("asyncio: file and queue belong to different backends")
	ErrQueueDestroyed  = errors.New("asyncio: queue destroyed")
	ErrEngineClosed    = errors.New("asyncio: engine closed")
)

// errNoKernelBackend is returned by the platform probe when no
// kernel-assisted backend exists for this build.
var errNoKernelBackend = errors.New("asyncio: no kernel backend on this platform")
