// Package co runs coroutine routines on top of an asyncio engine.
// Routines read, write, close and load files as if the calls were
// blocking; under the hood each call is submitted to a completion
// queue and the routine is suspended until its outcome arrives, so a
// single goroutine drives any number of routines and keeps many file
// operations in flight.
//
// Key components:
//
//   - Routine: The coroutine-like unit of work. Routines can spawn
//     child routines, perform file I/O, and wait for completion.
//
//   - Schedule: Owns the completion queue and the loop that resumes
//     routines as their outcomes arrive. At most
//     ScheduleIOConcurrencyLimit operations are in flight at once.
//
//   - Synchronization primitives: Mutex, WaitGroup, ErrGroup, and
//     Routine.Do for deduplicating concurrent work.
package co
