//go:build linux

package asyncio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func uringEngine(t *testing.T, opts ...Option) (*Engine, *Queue) {
	t.Helper()
	r := require.New(t)

	opts = append([]Option{WithBackend(BackendIOUring), WithLogger(quiet())}, opts...)
	e, err := New(opts...)
	r.NoError(err)
	if e.Backend() != BackendIOUring {
		_ = e.Close()
		t.Skip("io_uring unavailable")
	}

	q, err := e.NewQueue()
	r.NoError(err)

	t.Cleanup(func() {
		q.Destroy()
		r.NoError(e.Close())
	})
	return e, q
}

func TestIOUringReadWrite(t *testing.T) {
	r := require.New(t)
	e, q := uringEngine(t)
	path := filepath.Join(t.TempDir(), "data")

	f, err := e.Open(path, "w+")
	r.NoError(err)

	data := bytes.Repeat([]byte("uring"), 20)
	_, err = f.Write(data, 0, q, nil)
	r.NoError(err)
	out := wait(t, q)
	r.Equal(Complete, out.Result)
	r.Equal(uint64(len(data)), out.BytesTransferred)

	buf := make([]byte, len(data)+10)
	_, err = f.Read(buf, 0, q, nil)
	r.NoError(err)
	out = wait(t, q)
	r.Equal(Complete, out.Result)
	r.Equal(uint64(len(data)), out.BytesTransferred)
	r.Equal(data, buf[:len(data)])

	n, err := f.Size()
	r.NoError(err)
	r.Equal(int64(len(data)), n)

	// flush links an fsync ahead of the close
	ct, err := f.Close(true, q, "close")
	r.NoError(err)
	out = wait(t, q)
	r.Equal(TaskClose, out.Type)
	r.Equal(Complete, out.Result)
	r.Equal("close", out.Userdata)
	r.Equal(StateRetrieved, ct.State())
	r.Zero(q.Inflight())

	got, err := os.ReadFile(path)
	r.NoError(err)
	r.Equal(data, got)
}

func TestIOUringLoadFile(t *testing.T) {
	r := require.New(t)
	e, q := uringEngine(t)
	path := filepath.Join(t.TempDir(), "data")
	r.NoError(os.WriteFile(path, []byte("kernel"), 0o644))

	r.NoError(e.LoadFile(path, q, 7))
	out := wait(t, q)
	r.Nil(out.File)
	r.Equal(7, out.Userdata)
	r.Equal("kernel", string(out.Buffer))
	r.Equal(byte(0), out.Buffer[:len(out.Buffer)+1][len(out.Buffer)])

	_, ok := q.Wait(100 * time.Millisecond)
	r.False(ok)
}

func fifo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fifo")
	require.NoError(t, unix.Mkfifo(path, 0o600))
	return path
}

func TestIOUringCancel(t *testing.T) {
	r := require.New(t)
	e, q := uringEngine(t)

	// a read from an empty pipe stays in flight until canceled
	f, err := e.Open(fifo(t), "r+")
	r.NoError(err)

	rt, err := f.Read(make([]byte, 4), 0, q, "blocked")
	r.NoError(err)

	_, ok := q.Wait(50 * time.Millisecond)
	r.False(ok)

	q.Cancel(rt)
	out := wait(t, q)
	r.Equal("blocked", out.Userdata)
	r.Equal(Canceled, out.Result)
	r.Zero(out.BytesTransferred)

	q.Cancel(rt)
	_, ok = q.Wait(50 * time.Millisecond)
	r.False(ok)

	_, err = f.Close(false, q, nil)
	r.NoError(err)
	r.Equal(Complete, wait(t, q).Result)
}

func TestIOUringDeferredClose(t *testing.T) {
	r := require.New(t)
	e, q := uringEngine(t)
	path := fifo(t)

	f, err := e.Open(path, "r+")
	r.NoError(err)

	_, err = f.Read(make([]byte, 4), 0, q, "read")
	r.NoError(err)

	ct, err := f.Close(false, q, "close")
	r.NoError(err)
	r.Equal(StatePending, ct.State())
	r.Equal(1, f.Outstanding())

	w, err := os.OpenFile(path, os.O_WRONLY, 0)
	r.NoError(err)
	_, err = w.Write([]byte("pipe"))
	r.NoError(err)
	r.NoError(w.Close())

	out := wait(t, q)
	r.Equal("read", out.Userdata)
	r.Equal(Complete, out.Result)
	r.Equal("pipe", string(out.Buffer))

	out = wait(t, q)
	r.Equal("close", out.Userdata)
	r.Equal(Complete, out.Result)
	r.Zero(q.Inflight())
}

func TestIOUringSignal(t *testing.T) {
	r := require.New(t)
	_, q := uringEngine(t)

	done := make(chan bool)
	go func() {
		_, ok := q.Wait(WaitForever)
		done <- ok
	}()

	var ok bool
	r.Eventually(func() bool {
		q.Signal()
		select {
		case ok = <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	r.False(ok)
}

func TestIOUringManyTasks(t *testing.T) {
	r := require.New(t)
	e, q := uringEngine(t, WithRingEntries(16))
	path := filepath.Join(t.TempDir(), "data")

	f, err := e.Open(path, "w")
	r.NoError(err)

	// more tasks than ring entries: the completion queue is twice the
	// submission queue, so keep no more than 16 in flight
	const n = 64
	inflight := 0
	for i := 0; i < n; i++ {
		if inflight == 16 {
			r.Equal(Complete, wait(t, q).Result)
			inflight--
		}
		_, err := f.Write([]byte{byte(i)}, uint64(i), q, nil)
		r.NoError(err)
		inflight++
	}
	for ; inflight > 0; inflight-- {
		r.Equal(Complete, wait(t, q).Result)
	}

	_, err = f.Close(false, q, nil)
	r.NoError(err)
	wait(t, q)

	got, err := os.ReadFile(path)
	r.NoError(err)
	r.Len(got, n)
	r.Equal(byte(n-1), got[n-1])
}

func TestExplicitIORingFallsBackOnLinux(t *testing.T) {
	r := require.New(t)

	e, err := New(WithBackend(BackendIORing), WithLogger(quiet()))
	r.NoError(err)
	defer e.Close()
	r.Equal(BackendGeneric, e.Backend())
}

func TestIOUringUseAfterDestroy(t *testing.T) {
	r := require.New(t)
	e, q := uringEngine(t)
	path := filepath.Join(t.TempDir(), "data")

	f, err := e.Open(path, "w")
	r.NoError(err)
	wt, err := f.Write([]byte("x"), 0, q, nil)
	r.NoError(err)
	wait(t, q)

	q.Destroy()
	destroyedQueue(t, q, wt)

	_, err = f.Write([]byte("y"), 1, q, nil)
	r.ErrorIs(err, ErrQueueDestroyed)

	q2, err := e.NewQueue()
	r.NoError(err)
	defer q2.Destroy()
	_, err = f.Close(false, q2, nil)
	r.NoError(err)
	r.Equal(Complete, wait(t, q2).Result)
}

func TestIOUringSignalThenDestroy(t *testing.T) {
	e, _ := uringEngine(t)
	signalThenDestroy(t, e)
}

func TestIOUringSettledSignals(t *testing.T) {
	e, q := uringEngine(t)
	settledSignals(t, e, q)
}

func TestIOUringSizeAfterClose(t *testing.T) {
	e, q := uringEngine(t)
	sizeAfterClose(t, e, q)
}

func TestIOUringFlushingCloseOnFullRing(t *testing.T) {
	r := require.New(t)
	e, q := uringEngine(t, WithRingEntries(1))
	path := filepath.Join(t.TempDir(), "data")

	f, err := e.Open(path, "w")
	r.NoError(err)
	_, err = f.Write([]byte("hello"), 0, q, nil)
	r.NoError(err)
	r.Equal(Complete, wait(t, q).Result)

	// a flushing close needs two entries
	_, err = f.Close(true, q, nil)
	r.ErrorIs(err, ErrQueueFull)
	r.Zero(q.Inflight())

	// the entry spent on nothing completes without waking anyone
	start := time.Now()
	_, ok := q.Wait(100 * time.Millisecond)
	r.False(ok)
	r.GreaterOrEqual(time.Since(start), 90*time.Millisecond)

	ct, err := f.Close(false, q, "close")
	r.NoError(err)
	out := wait(t, q)
	r.Equal(TaskClose, out.Type)
	r.Equal(Complete, out.Result)
	r.Equal(StateRetrieved, ct.State())
	r.Equal("close", out.Userdata)
}
