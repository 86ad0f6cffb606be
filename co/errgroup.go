package co

import "context"

// ErrGroup manages a group of routines and collects the first error
// that occurs. It provides methods to start new routines and wait for
// all of them to complete.
type ErrGroup interface {
	// Go starts a new routine with the group's context.
	Go(func(context.Context) error)
	// GoWithContext starts a new routine with the specified context.
	GoWithContext(context.Context, func(context.Context) error)
	// Wait blocks until all routines have completed and returns the
	// first error encountered.
	Wait(*Routine) error
}

// errGroup implements the ErrGroup interface. It tracks routines,
// manages their lifecycles, and collects errors.
type errGroup struct {
	routine *Routine        // The routine that created this error group
	ctx     context.Context // Context shared by all routines in the group
	cancel  func(error)     // Cancels the context with an error
	wg      WaitGroup       // Tracks when all routines are done
	err     error           // The first error encountered
}

// newErrGroup creates a new error group associated with the given
// routine. It creates a cancellable context that will be shared by
// all routines in the group.
func newErrGroup(r *Routine) *errGroup {
	ctx, cancel := context.WithCancelCause(r.context())
	return &errGroup{routine: r, ctx: ctx, cancel: cancel}
}

// Go starts a new routine that runs the given function with the
// group's context. If the function returns an error, the group's
// context will be cancelled.
func (g *errGroup) Go(f func(context.Context) error) {
	g.goctx(g.ctx, f)
}

// GoWithContext starts a new routine with the specified context. The
// context must carry the routine that created the error group.
func (g *errGroup) GoWithContext(ctx context.Context, f func(context.Context) error) {
	if r := MustRoutineFromContext(ctx); r != g.routine {
		panic("co: ctx routine does not match errgroup routine")
	}
	g.goctx(ctx, f)
}

func (g *errGroup) goctx(ctx context.Context, f func(context.Context) error) {
	g.wg.Add(1)
	g.routine.goctx(ctx, func(ctx context.Context) {
		defer g.wg.Done()
		if err := f(ctx); err != nil && g.err == nil {
			g.err = err
			if g.cancel != nil {
				g.cancel(g.err)
			}
		}
	})
}

// Wait blocks until all routines in the group have completed. It
// returns the first error encountered by any routine, or nil.
func (g *errGroup) Wait(r *Routine) error {
	g.wg.Wait(r)
	if g.cancel != nil {
		g.cancel(g.err)
	}
	return g.err
}
