package asyncio

import (
	"context"
	"fmt"
	"runtime/trace"
	"strings"
	"sync/atomic"
)

const taskTraceCategory = "asyncio"

// TaskType is the kind of operation a task performs.
type TaskType int

const (
	TaskRead TaskType = iota
	TaskWrite
	TaskClose
)

func (t TaskType) String() string {
	switch t {
	case TaskRead:
		return "read"
	case TaskWrite:
		return "write"
	case TaskClose:
		return "close"
	default:
		return fmt.Sprintf("TaskType(%d)", int(t))
	}
}

// Result is the final outcome of a task.
type Result int

const (
	Complete Result = iota
	Failure
	Canceled
)

func (r Result) String() string {
	switch r {
	case Complete:
		return "complete"
	case Failure:
		return "failure"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// State is the position of a task in its lifecycle.
type State int32

const (
	// StatePending is a close that waits for the outstanding tasks of
	// its file to be retrieved. It has not reached a backend yet.
	StatePending State = iota
	StateSubmitted
	StateExecuting
	StateCompleted
	StateFailed
	StateCanceled
	// StateRetrieved is terminal; the outcome has been handed out.
	StateRetrieved
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSubmitted:
		return "submitted"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	case StateRetrieved:
		return "retrieved"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

func (s State) finished() bool {
	return s >= StateCompleted
}

// Task is a single in-flight operation. It is created by File.Read,
// File.Write and File.Close and is owned by the engine until its
// outcome is retrieved from the queue.
type Task struct {
	id       uint64
	typ      TaskType
	file     *File
	queue    *Queue
	offset   uint64
	buf      []byte
	size     uint64
	flush    bool
	userdata any

	// written by whichever goroutine performs or completes the I/O,
	// then handed to the queue.
	result      Result
	transferred uint64

	// linked counts completions still expected from a kernel ring
	// before the task is finished (flush then close).
	linked int

	// canceled is set once a kernel confirms a cancel request.
	canceled atomic.Bool

	state atomic.Int32
}

// ID returns the task identifier. Identifiers are never reused within
// a process.
func (t *Task) ID() uint64 {
	return t.id
}

// Type returns the operation the task performs.
func (t *Task) Type() TaskType {
	return t.typ
}

// State returns the current lifecycle state of the task.
func (t *Task) State() State {
	return State(t.state.Load())
}

func (t *Task) setState(s State) {
	t.state.Store(int32(s))
}

// start moves a submitted task to executing. It reports false when the
// task already left the submitted state.
func (t *Task) start() bool {
	return t.state.CompareAndSwap(int32(StateSubmitted), int32(StateExecuting))
}

// finish records the result and moves the task to its terminal state.
func (t *Task) finish(result Result) {
	t.result = result
	switch result {
	case Complete:
		t.setState(StateCompleted)
	case Failure:
		t.setState(StateFailed)
	case Canceled:
		t.setState(StateCanceled)
	}
}

func (t *Task) log(msg string) {
	if trace.IsEnabled() {
		var sb strings.Builder
		fmt.Fprintf(&sb, "task %d %s ", t.id, t.typ)
		sb.WriteString(msg)
		trace.Log(context.Background(), taskTraceCategory, sb.String())
	}
}

func (t *Task) logf(format string, args ...any) {
	if trace.IsEnabled() {
		t.log(fmt.Sprintf(format, args...))
	}
}
