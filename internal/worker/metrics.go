package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	crashesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "runnerd",
		Subsystem: "worker",
		Name:      "crashes_total",
		Help:      "Worker process crashes observed",
	})

	restartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "runnerd",
		Subsystem: "worker",
		Name:      "restarts_total",
		Help:      "Worker restart attempts",
	})

	pendingCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "runnerd",
		Subsystem: "worker",
		Name:      "pending_calls",
		Help:      "Calls awaiting a worker reply",
	})

	callsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runnerd",
		Subsystem: "worker",
		Name:      "calls_total",
		Help:      "Settled calls by outcome",
	}, []string{"outcome"})

	streamChunks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "runnerd",
		Subsystem: "worker",
		Name:      "stream_chunks_total",
		Help:      "Streamed fragments delivered",
	})
)

func init() {
	prometheus.MustRegister(crashesTotal, restartsTotal, pendingCalls, callsTotal, streamChunks)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsTimeout(err):
		return "timeout"
	case IsCrashed(err):
		return "crashed"
	case IsAborted(err):
		return "aborted"
	case IsRemote(err):
		return "remote_error"
	default:
		return "error"
	}
}
