package co

import (
	"context"
	"errors"

	"github.com/webriots/asyncio"
)

const (
	// ScheduleIOConcurrencyLimit defines the maximum number of
	// concurrent I/O operations a schedule keeps in flight. Routines
	// that exceed it wait for a slot.
	ScheduleIOConcurrencyLimit = 128
)

// Schedule runs routines on one goroutine and feeds them the outcomes
// of the file I/O they start. It owns a completion queue on the
// engine it was created with.
type Schedule struct {
	engine   *asyncio.Engine
	queue    *asyncio.Queue
	slots    sema
	inflight map[*Routine]*asyncio.Task
	canceled bool
	err      error
}

// IO creates a new Schedule on engine with its own completion queue.
func IO(engine *asyncio.Engine) (*Schedule, error) {
	q, err := engine.NewQueue()
	if err != nil {
		return nil, err
	}
	s := &Schedule{
		engine:   engine,
		queue:    q,
		inflight: make(map[*Routine]*asyncio.Task),
	}
	s.slots.v = ScheduleIOConcurrencyLimit
	return s, nil
}

// Close destroys the schedule's queue. It must not be called while a
// Resume is running.
func (s *Schedule) Close() {
	s.queue.Destroy()
}

// Resumable represents a function that can be resumed with a
// Schedule. It contains the function to be executed and a reference
// to the Schedule.
type Resumable struct {
	fn    func(context.Context, *Routine)
	sched *Schedule
}

// Gogo creates a Resumable from a function that takes a context and a
// Routine. The function will be executed when the Resumable is resumed.
func (s *Schedule) Gogo(fn func(context.Context, *Routine)) *Resumable {
	return &Resumable{fn: fn, sched: s}
}

// Go creates a Resumable from a function that only takes a context.
// It wraps the function with Fn to adapt it to the Routine-based
// interface.
func (s *Schedule) Go(fn func(context.Context)) *Resumable {
	return s.Gogo(s.Fn(fn))
}

// Resume runs the Resumable and every routine it starts until all of
// them have returned. If ctx is done first, the I/O still in flight is
// canceled, the routines see ErrCanceled, and Resume returns the
// context's error once they have all returned.
func (r *Resumable) Resume(ctx context.Context) error {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.sched.canceled, r.sched.err = false, nil
	return loop(rctx, r.fn, r.sched)
}

// Fn adapts a context-only function to the Routine-based function
// signature. It creates a wrapper function that ignores the Routine
// parameter and calls the original function.
func (s *Schedule) Fn(fn func(context.Context)) func(context.Context, *Routine) {
	return func(ctx context.Context, _ *Routine) { fn(ctx) }
}

func (s *Schedule) pending() int {
	return len(s.inflight)
}

func (s *Schedule) track(r *Routine, t *asyncio.Task) {
	s.inflight[r] = t
	if s.canceled && t != nil {
		s.queue.Cancel(t)
	}
}

func (s *Schedule) done(r *Routine) {
	delete(s.inflight, r)
	s.slots.release()
}

// next waits for the next outcome. Once ctx is done it cancels what is
// in flight and keeps draining without a deadline.
func (s *Schedule) next(ctx context.Context) (asyncio.Outcome, bool) {
	if s.canceled {
		ctx = context.Background()
	}

	out, err := s.queue.WaitContext(ctx)
	if err == nil {
		return out, true
	}
	if errors.Is(err, asyncio.ErrQueueDestroyed) {
		panic("co: queue destroyed with routines waiting on it")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.canceled = true
		s.err = context.Cause(ctx)
		for _, t := range s.inflight {
			if t != nil {
				s.queue.Cancel(t)
			}
		}
	}
	return asyncio.Outcome{}, false
}
