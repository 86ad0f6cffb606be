// Package uring is a minimal binding to the Linux io_uring interface:
// ring setup and teardown, submission entry preparation, submission,
// completion peeking and timed waits, and opcode probing. It talks to
// the kernel through raw syscalls and shares the rings with it through
// mmap; it has no completion goroutine of its own.
//
// A Ring is not safe for concurrent use. Callers serialize submission
// side and completion side access separately; Wait may be called from
// any number of goroutines at once.
package uring
