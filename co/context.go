package co

import (
	"context"
)

// routineContextKey is a unique type used as a key for storing
// Routine values in a context.
type routineContextKey struct{}

// withRoutineContext creates a new context with the routine stored in
// it. This allows the routine to be retrieved from the context later.
func withRoutineContext(ctx context.Context, r *Routine) context.Context {
	return context.WithValue(ctx, routineContextKey{}, r)
}

// RoutineFromContext retrieves a Routine from a context. Returns the
// routine and a boolean indicating whether one was found.
func RoutineFromContext(ctx context.Context) (*Routine, bool) {
	val, ok := ctx.Value(routineContextKey{}).(*Routine)
	return val, ok
}

// MustRoutineFromContext retrieves a Routine from a context,
// panicking if not found.
func MustRoutineFromContext(ctx context.Context) *Routine {
	val, ok := RoutineFromContext(ctx)
	if !ok {
		panic("co: routine not found in context")
	}
	return val
}
