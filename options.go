package asyncio

import (
	"log/slog"
	"runtime"
	"time"
)

const (
	// DefaultRingEntries is the submission queue depth of each
	// kernel-assisted queue.
	DefaultRingEntries = 128

	// DefaultIdleTimeout is how long a pool worker may sit idle before
	// it exits.
	DefaultIdleTimeout = 30 * time.Second

	maxPoolThreads = 8
)

// Option configures New. Options are applied in order.
type Option func(*options)

type options struct {
	backend     Backend
	maxThreads  int
	idleTimeout time.Duration
	ringEntries uint32
	logger      *slog.Logger
	opener      StreamOpener
}

// WithBackend requests a backend. BackendAuto (the default) picks the
// best one the system supports. A kernel backend that cannot be used
// falls back to BackendGeneric; check Engine.Backend for the result.
func WithBackend(b Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// WithMaxThreads caps the generic backend's worker count.
//
// # Default
//
// 2 × NumCPU, clamped to [1, 8].
//
// Values <= 0 use defaults.
func WithMaxThreads(n int) Option {
	return func(o *options) {
		o.maxThreads = n
	}
}

// WithIdleTimeout sets how long a generic worker waits for work
// before exiting. Values <= 0 use DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// WithRingEntries sets the submission queue depth for kernel-assisted
// queues. Values of 0 use DefaultRingEntries.
func WithRingEntries(n uint32) Option {
	return func(o *options) {
		o.ringEntries = n
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithStreamOpener replaces how the generic backend opens files.
// Kernel-assisted backends open files themselves and ignore it.
func WithStreamOpener(fn StreamOpener) Option {
	return func(o *options) {
		o.opener = fn
	}
}

func newOptions(opts []Option) options {
	o := options{backend: BackendAuto}
	for _, opt := range opts {
		opt(&o)
	}

	if o.maxThreads <= 0 {
		o.maxThreads = defaultMaxThreads()
	}
	if o.idleTimeout <= 0 {
		o.idleTimeout = DefaultIdleTimeout
	}
	if o.ringEntries == 0 {
		o.ringEntries = DefaultRingEntries
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.opener == nil {
		o.opener = OpenStream
	}
	return o
}

func defaultMaxThreads() int {
	return min(max(runtime.NumCPU()*2, 1), maxPoolThreads)
}
