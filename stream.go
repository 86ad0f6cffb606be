package asyncio

import (
	"io"
	"os"
)

// Stream is the synchronous byte stream the generic backend drives
// from its workers. Every method reports failure through its error.
type Stream interface {
	Size() (int64, error)
	io.ReadWriteSeeker
	Flush() error
	Close() error
}

// StreamOpener opens path with one of the canonical modes.
type StreamOpener func(path string, mode Mode) (Stream, error)

type osStream struct {
	*os.File
}

// OpenStream is the default StreamOpener, backed by os.OpenFile.
func OpenStream(path string, mode Mode) (Stream, error) {
	f, err := os.OpenFile(path, mode.Flags(), filePerm)
	if err != nil {
		return nil, err
	}
	return osStream{f}, nil
}

func (s osStream) Size() (int64, error) {
	fi, err := s.Stat()
	if err != nil {
		return -1, err
	}
	return fi.Size(), nil
}

func (s osStream) Flush() error {
	return s.Sync()
}
