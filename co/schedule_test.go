package co

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/webriots/asyncio"
)

func schedule(t *testing.T, opts ...asyncio.Option) *Schedule {
	t.Helper()
	r := require.New(t)

	e, err := asyncio.New(append([]asyncio.Option{asyncio.WithBackend(asyncio.BackendGeneric)}, opts...)...)
	r.NoError(err)
	s, err := IO(e)
	r.NoError(err)

	t.Cleanup(func() {
		s.Close()
		r.NoError(e.Close())
	})
	return s
}

func TestRoutine(t *testing.T) {
	r := require.New(t)
	s := schedule(t)
	path := filepath.Join(t.TempDir(), "data")

	n := 0
	crud := func(_ context.Context, rt *Routine) {
		f, err := rt.Open(path, "w+")
		r.NoError(err)

		for i := 0; i < 10; i++ {
			for j := 0; j < 10; j++ {
				rt.Gogo(func(_ context.Context, rt *Routine) {
					off := uint64(i*10+j) * 4
					buf := []byte(fmt.Sprintf("%04d", i*10+j))

					_, err := rt.Write(f, buf, off)
					r.NoError(err)

					got := make([]byte, 4)
					out, err := rt.Read(f, got, off)
					r.NoError(err)
					r.Equal(uint64(4), out.BytesTransferred)
					r.Equal(buf, got)
					n++
				})
			}
		}

		rt.Wait()
		_, err = rt.Close(f, true)
		r.NoError(err)
	}

	r.NoError(s.Gogo(crud).Resume(context.Background()))
	r.Equal(100, n)

	data, err := os.ReadFile(path)
	r.NoError(err)
	r.Len(data, 400)
	r.Equal("0042", string(data[168:172]))
}

func TestGroup(t *testing.T) {
	r := require.New(t)
	s := schedule(t)
	dir := t.TempDir()

	for i := 0; i < 10; i++ {
		p := filepath.Join(dir, strconv.Itoa(i))
		r.NoError(os.WriteFile(p, bytes.Repeat([]byte{byte('a' + i)}, 64), 0o644))
	}

	x, y := 0, 0
	load := func(ctx context.Context, rt *Routine) {
		x++
		group := rt.Group()
		for i := 0; i < 10; i++ {
			group.Go(func(ctx context.Context) error {
				rt, ok := RoutineFromContext(ctx)
				r.True(ok)

				data, err := rt.Load(filepath.Join(dir, strconv.Itoa(i)))
				if err != nil {
					return err
				}
				r.Len(data, 64)
				r.Equal(byte('a'+i), data[0])
				y++
				return nil
			})
		}
		r.NoError(group.Wait(rt))

		group = rt.Group()
		group.Go(func(ctx context.Context) error {
			rt := MustRoutineFromContext(ctx)
			_, err := rt.Load(filepath.Join(dir, "missing"))
			return err
		})
		r.ErrorIs(group.Wait(rt), os.ErrNotExist)
	}

	r.NoError(s.Gogo(load).Resume(context.Background()))
	r.Equal(1, x)
	r.Equal(10, y)
}

func TestMutexIO(t *testing.T) {
	r := require.New(t)
	s := schedule(t)
	path := filepath.Join(t.TempDir(), "data")

	n := 0
	locks := func(ctx context.Context, rt *Routine) {
		f, err := rt.Open(path, "w")
		r.NoError(err)

		var mux Mutex
		critical := 0
		mux.Lock(rt)

		for i := 0; i < 3; i++ {
			rt.Gogo(func(ctx context.Context, rt *Routine) {
				mux.Lock(rt)
				defer mux.Unlock()

				n++
				critical++
				r.Equal(1, critical)
				defer func() { critical-- }()

				_, err := rt.Write(f, []byte{byte('0' + i)}, uint64(i))
				r.NoError(err)
			})
		}

		r.Equal(3, mux.WaitCount())
		mux.Unlock()
		n++

		rt.Wait()
		_, err = rt.Close(f, false)
		r.NoError(err)
	}

	r.NoError(s.Gogo(locks).Resume(context.Background()))
	r.Equal(4, n)

	data, err := os.ReadFile(path)
	r.NoError(err)
	r.Equal("012", string(data))
}

func TestWaitGroup(t *testing.T) {
	r := require.New(t)
	s := schedule(t)
	path := filepath.Join(t.TempDir(), "data")
	r.NoError(os.WriteFile(path, []byte("waitgroup"), 0o644))

	expect, n := 100, 0
	waits := func(_ context.Context, rt *Routine) {
		var wg WaitGroup

		for i := 0; i < expect-1; i++ {
			wg.Add(1)
			rt.Gogo(func(_ context.Context, rt *Routine) {
				defer wg.Done()
				data, err := rt.Load(path)
				r.NoError(err)
				r.Equal("waitgroup", string(data))
				n++
			})
		}

		wg.Wait(rt)
		n++
	}

	r.NoError(s.Gogo(waits).Resume(context.Background()))
	r.Equal(expect, n)
}

func TestSingleFlight(t *testing.T) {
	r := require.New(t)
	s := schedule(t)
	path := filepath.Join(t.TempDir(), "data")
	r.NoError(os.WriteFile(path, []byte("shared"), 0o644))

	n := 0
	single := func(_ context.Context, rt *Routine) {
		for i := 0; i < 100; i++ {
			rt.Gogo(func(_ context.Context, rt *Routine) {
				v, err, shared := rt.Do(path, func() (any, error) {
					defer func() { n++ }()
					return rt.Load(path)
				})
				r.NoError(err)
				r.Equal([]byte("shared"), v)
				r.True(shared)
			})
		}
		n++
	}

	r.NoError(s.Gogo(single).Resume(context.Background()))
	r.Equal(2, n)
}

func TestConcurrencyLimit(t *testing.T) {
	r := require.New(t)
	s := schedule(t)
	path := filepath.Join(t.TempDir(), "data")
	r.NoError(os.WriteFile(path, make([]byte, 8), 0o644))

	n := 0
	many := func(_ context.Context, rt *Routine) {
		f, err := rt.Open(path, "r")
		r.NoError(err)

		for i := 0; i < ScheduleIOConcurrencyLimit*2; i++ {
			rt.Gogo(func(_ context.Context, rt *Routine) {
				r.LessOrEqual(s.pending(), ScheduleIOConcurrencyLimit)
				_, err := rt.Read(f, make([]byte, 8), 0)
				r.NoError(err)
				n++
			})
		}
		r.Equal(ScheduleIOConcurrencyLimit, s.pending())

		rt.Wait()
		_, err = rt.Close(f, false)
		r.NoError(err)
	}

	r.NoError(s.Gogo(many).Resume(context.Background()))
	r.Equal(ScheduleIOConcurrencyLimit*2, n)
}

func TestSubmissionError(t *testing.T) {
	r := require.New(t)
	s := schedule(t)
	path := filepath.Join(t.TempDir(), "data")
	r.NoError(os.WriteFile(path, []byte("ro"), 0o644))

	err := s.Go(func(ctx context.Context) {
		rt := MustRoutineFromContext(ctx)
		f, err := rt.Open(path, "r")
		r.NoError(err)

		_, err = rt.Write(f, []byte("x"), 0)
		r.ErrorIs(err, asyncio.ErrNotWritable)

		_, err = rt.Close(f, false)
		r.NoError(err)
	}).Resume(context.Background())
	r.NoError(err)
}

// gate is a stream whose reads block until the gate opens.
type gate struct {
	io.ReadWriteSeeker
	open chan struct{}
}

func (g *gate) Read(p []byte) (int, error) {
	<-g.open
	return g.ReadWriteSeeker.Read(p)
}

func (g *gate) Size() (int64, error) { return 0, nil }
func (g *gate) Flush() error         { return nil }
func (g *gate) Close() error         { return nil }

func TestCancelOnContext(t *testing.T) {
	r := require.New(t)

	open := make(chan struct{})
	opener := func(string, asyncio.Mode) (asyncio.Stream, error) {
		return &gate{ReadWriteSeeker: &memStream{data: make([]byte, 16)}, open: open}, nil
	}
	s := schedule(t, asyncio.WithMaxThreads(1), asyncio.WithStreamOpener(opener))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	results := make([]error, 2)
	err := s.Gogo(func(_ context.Context, rt *Routine) {
		f, err := rt.Open("gate", "r")
		r.NoError(err)

		for i := range results {
			rt.Gogo(func(_ context.Context, rt *Routine) {
				once.Do(func() {
					go func() {
						time.Sleep(50 * time.Millisecond)
						cancel()
						time.Sleep(50 * time.Millisecond)
						close(open)
					}()
				})
				_, results[i] = rt.Read(f, make([]byte, 4), 0)
			})
		}

		rt.Wait()
		_, err = rt.Close(f, false)
		r.NoError(err)
	}).Resume(ctx)

	r.ErrorIs(err, context.Canceled)
	r.NoError(results[0])
	r.True(errors.Is(results[1], ErrCanceled), "got %v", results[1])
}

type memStream struct {
	data []byte
	pos  int64
}

func (m *memStream) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *memStream) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-int64(len(m.data)))...)
	}
	copy(m.data[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *memStream) Seek(offset int64, whence int) (int64, error) {
	if whence != io.SeekStart {
		return 0, errors.New("memStream: only SeekStart")
	}
	m.pos = offset
	return offset, nil
}
