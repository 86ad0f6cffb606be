package asyncio

import (
	"fmt"
	"time"
)

// Backend identifies an execution strategy.
type Backend int

const (
	// BackendAuto selects the best backend the system supports.
	BackendAuto Backend = iota
	// BackendGeneric performs synchronous I/O on a worker pool.
	BackendGeneric
	// BackendIOUring uses Linux io_uring.
	BackendIOUring
	// BackendIORing uses the Windows I/O ring.
	BackendIORing
)

func (b Backend) String() string {
	switch b {
	case BackendAuto:
		return "auto"
	case BackendGeneric:
		return "generic"
	case BackendIOUring:
		return "iouring"
	case BackendIORing:
		return "ioring"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

// ParseBackend is the inverse of Backend.String.
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "", "auto":
		return BackendAuto, nil
	case "generic":
		return BackendGeneric, nil
	case "iouring", "io_uring":
		return BackendIOUring, nil
	case "ioring":
		return BackendIORing, nil
	default:
		return BackendAuto, fmt.Errorf("%w: unknown backend %q", ErrInvalidParam, s)
	}
}

// fileBackend is the per-file half of a backend.
type fileBackend interface {
	size() (int64, error)
	read(t *Task) error
	write(t *Task) error
	close(t *Task) error
	// destroy runs when the close task is retrieved.
	destroy()
	// release closes the underlying handle synchronously. It is used
	// only when a close could not be handed to the backend.
	release() error
}

// queueBackend is the per-queue half of a backend. poll never blocks.
// wait blocks up to timeout (negative means forever) and may return nil
// after a wake-up without a completion.
type queueBackend interface {
	cancel(t *Task)
	poll() *Task
	wait(timeout time.Duration) *Task
	signal()
	destroy()
}

// kernelBackend is a kernel-assisted backend that passed its
// capability checks.
type kernelBackend interface {
	kind() Backend
	newQueue() (queueBackend, error)
	open(path string, mode Mode) (fileBackend, error)
	close()
}
