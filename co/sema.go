package co

import "github.com/gammazero/deque"

// sema implements a semaphore for routine synchronization. It manages
// a count of available resources and a queue of waiting routines.
type sema struct {
	noCopy noCopy                // Prevents copying of the semaphore
	v      uint32                // Value (available resources)
	w      deque.Deque[*Routine] // Waiting routines queue
}

// acquire attempts to acquire the semaphore for the given routine. If
// no resources are available, the routine is suspended and added to
// the waiting queue.
func (s *sema) acquire(r *Routine) {
	if s.v > 0 {
		s.v--
		return
	}

	s.w.PushBack(r)
	r.setnorun(true)
	r.suspendz()
}

// release releases the semaphore. A waiting routine, if there is one,
// takes the resource over directly and is resumed; otherwise the
// resource is returned to the count.
func (s *sema) release() {
	if s.w.Len() == 0 {
		s.v++
		return
	}

	r := s.w.PopFront()
	r.setnorun(false)
	r.runz()
}

// handoff resumes one waiting routine without banking the resource
// when nobody waits.
func (s *sema) handoff() {
	if s.w.Len() > 0 {
		s.release()
	}
}
