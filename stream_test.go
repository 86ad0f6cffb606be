package asyncio

import (
	"errors"
	"io"
	"sync"
)

// memStream is an in-memory Stream.
type memStream struct {
	mu     sync.Mutex
	data   []byte
	pos    int64
	closed bool

	// shortWrites makes Write store only half of what it is given.
	shortWrites bool
	flushErr    error
}

func (m *memStream) Size() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data)), nil
}

func (m *memStream) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *memStream) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shortWrites {
		p = p[:len(p)/2]
	}
	end := m.pos + int64(len(p))
	if end > int64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-int64(len(m.data)))...)
	}
	copy(m.data[m.pos:], p)
	m.pos = end
	if m.shortWrites {
		return len(p), io.ErrShortWrite
	}
	return len(p), nil
}

func (m *memStream) Seek(offset int64, whence int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if whence != io.SeekStart {
		return 0, errors.New("memStream: only SeekStart")
	}
	m.pos = offset
	return offset, nil
}

func (m *memStream) Flush() error { return m.flushErr }

func (m *memStream) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memStream) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// gateStream blocks every read and write until open is closed, and
// reports each one that reached the gate on entered.
type gateStream struct {
	*memStream
	open    chan struct{}
	entered chan struct{}
}

func newGateStream(data []byte) *gateStream {
	return &gateStream{
		memStream: &memStream{data: data},
		open:      make(chan struct{}),
		entered:   make(chan struct{}, 16),
	}
}

func (g *gateStream) Read(p []byte) (int, error) {
	g.enter()
	return g.memStream.Read(p)
}

func (g *gateStream) Write(p []byte) (int, error) {
	g.enter()
	return g.memStream.Write(p)
}

func (g *gateStream) enter() {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.open
}

// opener serves the same stream for every path.
func opener(s Stream) Option {
	return WithStreamOpener(func(string, Mode) (Stream, error) {
		return s, nil
	})
}
