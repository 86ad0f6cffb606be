package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSubmitted counts tasks accepted by a backend.
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncio_tasks_submitted_total",
			Help: "Total number of asynchronous file tasks handed to a backend",
		},
		[]string{"backend", "op"},
	)
	// TasksRetrieved counts tasks whose outcome was retrieved from a queue.
	TasksRetrieved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncio_tasks_retrieved_total",
			Help: "Total number of asynchronous file tasks retrieved from a queue",
		},
		[]string{"backend", "op", "result"},
	)
	// TasksInflight is the number of tasks submitted but not yet retrieved.
	TasksInflight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asyncio_tasks_inflight",
			Help: "Asynchronous file tasks submitted and not yet retrieved",
		},
		[]string{"backend"},
	)
	// BackendSelected counts engines started per backend.
	BackendSelected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncio_backend_selected_total",
			Help: "Engines started, by the backend they selected",
		},
		[]string{"backend"},
	)
	// BackendFallbacks counts kernel backends that could not be used.
	BackendFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncio_backend_fallbacks_total",
			Help: "Engines that fell back to the generic backend",
		},
		[]string{"requested"},
	)
	// PoolWorkers is the number of generic backend workers draining tasks.
	PoolWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "asyncio_pool_workers",
			Help: "Generic backend workers currently draining the pending list",
		},
	)
)
