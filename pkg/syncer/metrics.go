package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	objectsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracemir_objects_written_total",
		Help: "Objects inserted into the trace tree.",
	})

	bytesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracemir_memory_bytes_recorded_total",
		Help: "Target memory bytes captured into the trace.",
	})

	retainCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracemir_retain_calls_total",
		Help: "Retention passes pruning stale tree entries.",
	})
)
