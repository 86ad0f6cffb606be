package co

// WaitGroup is used to wait for a collection of routines to finish.
// Routines call Add(1) when they start and Done() when they finish.
// Other routines can call Wait() to block until all have finished.
type WaitGroup struct {
	noCopy noCopy // Prevents copying of the WaitGroup
	v      int32  // Counter for the number of routines
	w      uint32 // Number of routines waiting
	sema   sema   // Semaphore for queuing waiting routines
}

// Add adds delta to the WaitGroup counter. If the counter becomes
// zero and there are routines waiting, they will be resumed. If the
// counter goes negative, Add panics.
func (wg *WaitGroup) Add(delta int) {
	wg.v += int32(delta)

	if wg.v < 0 {
		panic("co: negative WaitGroup counter")
	}

	if wg.w != 0 && delta > 0 && wg.v == int32(delta) {
		panic("co: WaitGroup misuse: Add called concurrently with Wait")
	}

	if wg.v > 0 || wg.w == 0 {
		return
	}

	for ; wg.w != 0; wg.w-- {
		wg.sema.handoff()
	}
}

// Done decrements the WaitGroup counter by one. It's a convenience
// method equivalent to Add(-1).
func (wg *WaitGroup) Done() {
	wg.Add(-1)
}

// Wait blocks the calling routine until the WaitGroup counter is
// zero. If the counter is already zero, it returns immediately.
func (wg *WaitGroup) Wait(r *Routine) {
	if wg.v == 0 {
		return
	}

	wg.w++
	wg.sema.acquire(r)
}
