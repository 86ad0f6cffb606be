//go:build linux

package uring

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newRing(t *testing.T, entries uint32) *Ring {
	t.Helper()
	r, err := New(entries)
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestNop(t *testing.T) {
	r := require.New(t)
	ring := newRing(t, 8)

	sqe := ring.GetSQE()
	r.NotNil(sqe)
	sqe.PrepNop()
	sqe.UserData = 42

	n, err := ring.Submit()
	r.NoError(err)
	r.Equal(1, n)

	r.NoError(ring.Wait(-1))
	cqe, ok := ring.Peek()
	r.True(ok)
	r.Equal(uint64(42), cqe.UserData)
	r.Equal(int32(0), cqe.Res)

	_, ok = ring.Peek()
	r.False(ok)
}

func TestFull(t *testing.T) {
	r := require.New(t)
	ring := newRing(t, 4)

	for i := 0; i < 4; i++ {
		r.NotNil(ring.GetSQE())
	}
	r.Nil(ring.GetSQE())
}

func TestReadWrite(t *testing.T) {
	r := require.New(t)
	ring := newRing(t, 8)

	path := filepath.Join(t.TempDir(), "data")
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o644)
	r.NoError(err)
	defer unix.Close(fd)

	out := []byte("hello, ring")
	sqe := ring.GetSQE()
	sqe.PrepWrite(fd, out, 0)
	sqe.UserData = 1
	_, err = ring.Submit()
	r.NoError(err)
	r.NoError(ring.Wait(-1))
	cqe, ok := ring.Peek()
	r.True(ok)
	r.Equal(int32(len(out)), cqe.Res)

	in := make([]byte, 64)
	sqe = ring.GetSQE()
	sqe.PrepRead(fd, in, 0)
	sqe.UserData = 2
	_, err = ring.Submit()
	r.NoError(err)
	r.NoError(ring.Wait(-1))
	cqe, ok = ring.Peek()
	r.True(ok)
	r.Equal(uint64(2), cqe.UserData)
	r.Equal(int32(len(out)), cqe.Res)
	r.Equal(out, in[:cqe.Res])

	data, err := os.ReadFile(path)
	r.NoError(err)
	r.Equal(out, data)
}

func TestWaitTimeout(t *testing.T) {
	r := require.New(t)
	ring := newRing(t, 8)
	if ring.Features()&FeatExtArg == 0 {
		t.Skip("kernel lacks IORING_FEAT_EXT_ARG")
	}

	start := time.Now()
	err := ring.Wait(20 * time.Millisecond)
	r.True(errors.Is(err, unix.ETIME), "got %v", err)
	r.GreaterOrEqual(time.Since(start), 15*time.Millisecond)
}

func TestWakeup(t *testing.T) {
	r := require.New(t)
	ring := newRing(t, 8)

	sqe := ring.GetSQE()
	sqe.PrepWakeup()
	_, err := ring.Submit()
	r.NoError(err)

	r.NoError(ring.Wait(-1))
	cqe, ok := ring.Peek()
	r.True(ok)
	r.Equal(uint64(0), cqe.UserData)
	r.Equal(-int32(unix.ETIME), cqe.Res)
}

func TestProbe(t *testing.T) {
	r := require.New(t)
	ring := newRing(t, 8)

	p, err := ring.Probe()
	if err != nil {
		t.Skipf("probe unsupported: %v", err)
	}
	r.True(p.Supported(OpNop))
	r.False(p.Supported(255))
}
