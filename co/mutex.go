package co

// Mutex provides mutual exclusion for routines. It allows only one
// routine to hold the lock at a time, suspending other routines that
// attempt to acquire the lock until it's released.
type Mutex struct {
	noCopy noCopy   // Prevents copying of the mutex
	r      *Routine // Currently running routine that holds the lock
	sema   sema     // Semaphore for queuing waiting routines
}

// Lock acquires the mutex for the given routine. If the mutex is
// already locked, the routine will be suspended until the mutex is
// available.
func (m *Mutex) Lock(r *Routine) {
	if m.r == nil {
		m.r = r
		return
	}

	m.sema.acquire(r)
	m.r = r
}

// Unlock releases the mutex. If there are routines waiting to acquire
// the mutex, one of them will be resumed.
func (m *Mutex) Unlock() {
	m.r = nil
	m.sema.handoff()
}

// WaitCount returns the number of routines waiting to acquire the
// mutex.
func (m *Mutex) WaitCount() int {
	return m.sema.w.Len()
}
