package asyncio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/webriots/asyncio/internal/metrics"
)

// Engine owns the backend every File and Queue it creates runs on.
// Create one with New and release it with Close once every queue has
// been destroyed.
type Engine struct {
	opts    options
	log     *slog.Logger
	backend Backend
	kernel  kernelBackend
	pool    *workerPool

	ids       atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// New starts an engine. Kernel-assisted backends are probed here, once;
// if the requested one is unavailable the engine uses the generic
// backend instead.
func New(opts ...Option) (*Engine, error) {
	o := newOptions(opts)
	e := &Engine{opts: o, log: o.logger}

	if o.backend != BackendGeneric {
		kb, err := probeKernelBackend(&o)
		switch {
		case err != nil:
			e.log.Info("asyncio: kernel backend unavailable, using generic",
				"requested", o.backend, "error", err)
			metrics.BackendFallbacks.WithLabelValues(o.backend.String()).Inc()
		case o.backend != BackendAuto && kb.kind() != o.backend:
			kb.close()
			e.log.Info("asyncio: requested backend unavailable, using generic",
				"requested", o.backend, "available", kb.kind())
			metrics.BackendFallbacks.WithLabelValues(o.backend.String()).Inc()
		default:
			e.kernel = kb
			e.backend = kb.kind()
		}
	}

	if e.kernel == nil {
		pool, err := newWorkerPool(o.maxThreads, o.idleTimeout, e.log, runGenericTask)
		if err != nil {
			return nil, fmt.Errorf("asyncio: start worker pool: %w", err)
		}
		e.pool = pool
		e.backend = BackendGeneric
	}

	metrics.BackendSelected.WithLabelValues(e.backend.String()).Inc()
	e.log.Info("asyncio: engine started", "backend", e.backend)
	return e, nil
}

// Backend returns the backend the engine selected.
func (e *Engine) Backend() Backend {
	return e.backend
}

// Open opens path for asynchronous access. mode is one of "r", "w",
// "r+" or "w+".
func (e *Engine) Open(path string, mode string) (*File, error) {
	m, err := ParseMode(mode)
	if err != nil {
		return nil, err
	}
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	var impl fileBackend
	if e.kernel != nil {
		impl, err = e.kernel.open(path, m)
	} else {
		impl, err = openGenericFile(e, path, m)
	}
	if err != nil {
		return nil, fmt.Errorf("asyncio: open %s: %w", path, err)
	}

	e.log.Debug("asyncio: opened", "path", path, "mode", m, "backend", e.backend)
	return newFile(e, impl, m), nil
}

// NewQueue creates a completion queue.
func (e *Engine) NewQueue() (*Queue, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	var (
		impl queueBackend
		err  error
	)
	if e.kernel != nil {
		impl, err = e.kernel.newQueue()
	} else {
		impl = newGenericQueue(e.pool)
	}
	if err != nil {
		return nil, fmt.Errorf("asyncio: create queue: %w", err)
	}
	return &Queue{engine: e, impl: impl}, nil
}

// LoadFile reads the whole file at path. The outcome delivered to q
// has a nil File, a Buffer holding the contents followed by a NUL byte
// just past its length, and the given userdata. The file is closed
// automatically and the close is never reported.
func (e *Engine) LoadFile(path string, q *Queue, userdata any) error {
	if q == nil {
		return fmt.Errorf("%w: queue", ErrInvalidParam)
	}

	f, err := e.Open(path, "r")
	if err != nil {
		return err
	}
	f.oneshot = true

	n, err := f.Size()
	if err == nil {
		buf := make([]byte, n+1)
		_, err = f.Read(buf[:n], 0, q, userdata)
	}

	if _, cerr := f.Close(false, q, userdata); cerr != nil {
		e.log.Warn("asyncio: close after load failed", "path", path, "error", cerr)
	}
	return err
}

// Close shuts the engine down. Tasks still waiting for a generic
// worker complete as Canceled; Close blocks until every worker has
// exited.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		if e.pool != nil {
			e.pool.shutdown()
		}
		if e.kernel != nil {
			e.kernel.close()
		}
		e.log.Info("asyncio: engine closed", "backend", e.backend)
	})
	return nil
}

func (e *Engine) newTask(typ TaskType, f *File, q *Queue, userdata any) *Task {
	t := &Task{
		id:       e.ids.Add(1),
		typ:      typ,
		file:     f,
		queue:    q,
		userdata: userdata,
	}
	t.result = Complete
	return t
}
