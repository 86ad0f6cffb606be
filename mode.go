package asyncio

import (
	"fmt"
	"os"
)

// Mode is one of the four canonical open modes, in its binary form.
type Mode string

const (
	ModeRead           Mode = "rb"
	ModeWriteTruncate  Mode = "wb"
	ModeReadWrite      Mode = "r+b"
	ModeReadWriteTrunc Mode = "w+b"
)

// ParseMode maps "r", "w", "r+" and "w+" to their binary variants.
func ParseMode(mode string) (Mode, error) {
	switch mode {
	case "r":
		return ModeRead, nil
	case "w":
		return ModeWriteTruncate, nil
	case "r+":
		return ModeReadWrite, nil
	case "w+":
		return ModeReadWriteTrunc, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
}

// Readable reports whether files opened with m accept reads.
func (m Mode) Readable() bool {
	return m != ModeWriteTruncate
}

// Writable reports whether files opened with m accept writes.
func (m Mode) Writable() bool {
	return m != ModeRead
}

// Flags returns the os.OpenFile flags for m, without O_CLOEXEC.
func (m Mode) Flags() int {
	switch m {
	case ModeRead:
		return os.O_RDONLY
	case ModeWriteTruncate:
		return os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case ModeReadWrite:
		return os.O_RDWR
	case ModeReadWriteTrunc:
		return os.O_RDWR | os.O_CREATE | os.O_TRUNC
	}
	panic("asyncio: invalid mode " + string(m))
}

const filePerm = 0o644
