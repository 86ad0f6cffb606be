package co

import (
	"context"
	"errors"
	"fmt"
	"runtime/trace"
	"strings"

	"github.com/webriots/asyncio"
	"github.com/webriots/coro"
)

const (
	routineTraceTaskType   = "co-routine"
	routineTraceRegionType = "co-region"
	routineTraceCategory   = "co"
)

var (
	// ErrFailed is returned with an outcome whose result is Failure.
	ErrFailed = errors.New("co: i/o failed")
	// ErrCanceled is returned with an outcome whose result is Canceled.
	ErrCanceled = errors.New("co: i/o canceled")
)

type Routine struct {
	ctx     context.Context
	suspend func() asyncio.Outcome
	resume  func(asyncio.Outcome) (struct{}, bool)
	cancel  func()
	single  *singleFlight
	sched   *Schedule
	parent  *Routine
	childn  int
	norun   bool
}

func loop(
	ctx context.Context,
	fn func(context.Context, *Routine),
	sched *Schedule,
) error {
	var tracer *trace.Task

	ctx, tracer = trace.NewTask(ctx, routineTraceTaskType)
	defer tracer.End()

	program := func(ctx context.Context, r *Routine) {
		fn(ctx, r)
		r.Wait()
	}

	root := newRoutine(ctx, program, nil, sched)
	defer root.cancel()

	trace.Logf(ctx, routineTraceCategory, "LOOP")

	for root.resumez() {
		for sched.pending() > 0 {
			trace.Logf(ctx, routineTraceCategory, "LOOP IO_PENDING %v", sched.pending())

			out, ok := sched.next(ctx)
			if !ok {
				continue
			}

			r, ok := out.Userdata.(*Routine)
			if !ok {
				panic(fmt.Sprintf("co: outcome userdata is %T", out.Userdata))
			}
			sched.done(r)
			r.Log("IO RESP")
			r.setnorun(false)
			r.run(out)
		}
	}

	if root.childn > 0 {
		panic("co: routine.childn > 0")
	}

	trace.Log(ctx, routineTraceCategory, "LOOP DONE")
	return sched.err
}

func newRoutine(
	ctx context.Context,
	fn func(context.Context, *Routine),
	parent *Routine,
	sched *Schedule,
) *Routine {
	r := &Routine{
		parent: parent,
		sched:  sched,
	}

	if r.parent == nil {
		r.single = newSingleFlight()
	} else {
		r.single = r.parent.single
		r.parent.childn++
	}

	r.ctx = withRoutineContext(ctx, r)

	resume, cancel := coro.New(
		func(_ func(struct{}) asyncio.Outcome, suspend func() asyncio.Outcome) (z struct{}) {
			region := trace.StartRegion(r.ctx, routineTraceRegionType)

			defer func() {
				if r.parent != nil {
					r.parent.childn--
				}
				region.End()
			}()

			r.suspend = suspend

			fn(r.ctx, r)

			return
		},
	)

	r.resume = resume
	r.cancel = cancel
	return r
}

// Do runs fn once for every group of concurrent callers sharing key.
// shared reports whether the result went to more than one caller.
func (r *Routine) Do(key any, fn func() (any, error)) (v any, err error, shared bool) {
	r.Logf("DO %v", key)
	return r.single.do(r, key, fn)
}

// Gogo starts fn as a child routine. It runs until its first
// suspension before Gogo returns.
func (r *Routine) Gogo(fn func(context.Context, *Routine)) {
	r.gogoctx(r.ctx, fn)
}

// Go is Gogo for functions that find their routine through the context.
func (r *Routine) Go(fn func(context.Context)) {
	r.Gogo(r.sched.Fn(fn))
}

func (r *Routine) gogoctx(ctx context.Context, fn func(context.Context, *Routine)) {
	child := newRoutine(ctx, fn, r, r.sched)
	child.Log("GO")
	child.resumez()
}

func (r *Routine) goctx(ctx context.Context, fn func(context.Context)) {
	r.gogoctx(ctx, r.sched.Fn(fn))
}

// Group returns an ErrGroup whose routines are children of r.
func (r *Routine) Group() ErrGroup {
	return newErrGroup(r)
}

// Wait suspends r until every child routine has returned.
func (r *Routine) Wait() {
	r.Log("WAIT")

	if r.childn > 0 {
		r.suspend()
	}
}

// Open opens path through the schedule's engine. Opening is
// synchronous.
func (r *Routine) Open(path, mode string) (*asyncio.File, error) {
	return r.sched.engine.Open(path, mode)
}

// Read reads into buf at offset and suspends r until the outcome
// arrives.
func (r *Routine) Read(f *asyncio.File, buf []byte, offset uint64) (asyncio.Outcome, error) {
	return r.io(func(q *asyncio.Queue, ud any) (*asyncio.Task, error) {
		return f.Read(buf, offset, q, ud)
	})
}

// Write writes buf at offset and suspends r until the outcome arrives.
func (r *Routine) Write(f *asyncio.File, buf []byte, offset uint64) (asyncio.Outcome, error) {
	return r.io(func(q *asyncio.Queue, ud any) (*asyncio.Task, error) {
		return f.Write(buf, offset, q, ud)
	})
}

// Close closes f and suspends r until the close has finished. Reads
// and writes other routines still have in flight on f finish first.
func (r *Routine) Close(f *asyncio.File, flush bool) (asyncio.Outcome, error) {
	return r.io(func(q *asyncio.Queue, ud any) (*asyncio.Task, error) {
		return f.Close(flush, q, ud)
	})
}

// Load reads the whole file at path.
func (r *Routine) Load(path string) ([]byte, error) {
	out, err := r.io(func(q *asyncio.Queue, ud any) (*asyncio.Task, error) {
		return nil, r.sched.engine.LoadFile(path, q, ud)
	})
	if err != nil {
		return nil, err
	}
	return out.Buffer[:out.BytesTransferred], nil
}

func (r *Routine) io(submit func(*asyncio.Queue, any) (*asyncio.Task, error)) (asyncio.Outcome, error) {
	r.Log("IO")

	r.sched.slots.acquire(r)
	t, err := submit(r.sched.queue, r)
	if err != nil {
		r.sched.slots.release()
		return asyncio.Outcome{}, err
	}
	r.sched.track(r, t)

	r.setnorun(true)
	out := r.suspend()

	switch out.Result {
	case asyncio.Failure:
		return out, fmt.Errorf("%w: %s", ErrFailed, out.Type)
	case asyncio.Canceled:
		return out, fmt.Errorf("%w: %s", ErrCanceled, out.Type)
	}
	return out, nil
}

func (r *Routine) run(out asyncio.Outcome) {
	r.Log("RUN")

	if _, ok := r.resume(out); ok {
		return
	}

	if r.parent == nil {
		return
	}

	if r.parent.norun {
		return
	}

	if r.parent.childn == 0 {
		r.parent.runz()
	}
}

func (r *Routine) context() context.Context {
	return r.ctx
}

func (r *Routine) resumez() bool {
	var z asyncio.Outcome
	_, ok := r.resume(z)
	return ok
}

func (r *Routine) runz() {
	var z asyncio.Outcome
	r.run(z)
}

func (r *Routine) suspendz() {
	r.suspend()
}

func (r *Routine) setnorun(b bool) {
	r.norun = b
}

func (r *Routine) Log(msg string) {
	if trace.IsEnabled() {
		var sb strings.Builder
		routinepath(&sb, r)
		sb.WriteRune(' ')
		sb.WriteString(msg)
		trace.Log(r.ctx, routineTraceCategory, sb.String())
	}
}

func (r *Routine) Logf(format string, args ...any) {
	if trace.IsEnabled() {
		var sb strings.Builder
		routinepath(&sb, r)
		sb.WriteRune(' ')
		fmt.Fprintf(&sb, format, args...)
		trace.Log(r.ctx, routineTraceCategory, sb.String())
	}
}

func routinepath(sb *strings.Builder, r *Routine) {
	if r == nil {
		return
	}
	routinepath(sb, r.parent)
	fmt.Fprintf(sb, "%p|", r)
}
