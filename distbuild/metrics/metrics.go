// Package metrics wires the coordinator core's observable counters and
// gauges into Prometheus, the way Chapter13's prom_http example registers
// and serves its own counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Queuer holds the Build Queuer's collectors.
type Queuer struct {
	JobsCreated    prometheus.Counter
	JobsDispatched prometheus.Counter
	JobsRemoved    prometheus.Counter
	QueueDepth     prometheus.Gauge
	IdleWorkers    prometheus.Gauge
}

// NewQueuer creates and, if reg is non-nil, registers the Queuer's
// collectors.
func NewQueuer(reg prometheus.Registerer) *Queuer {
	q := &Queuer{
		JobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distbuild_jobs_created_total",
			Help: "Number of jobs created for a previously-unseen artifact.",
		}),
		JobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distbuild_jobs_dispatched_total",
			Help: "Number of jobs handed to an idle worker.",
		}),
		JobsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distbuild_jobs_removed_total",
			Help: "Number of jobs removed from the job table.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "distbuild_queue_depth",
			Help: "Number of jobs currently in the job table.",
		}),
		IdleWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "distbuild_idle_workers",
			Help: "Number of workers currently parked in the available-worker FIFO.",
		}),
	}
	registerAll(reg, q.JobsCreated, q.JobsDispatched, q.JobsRemoved, q.QueueDepth, q.IdleWorkers)
	return q
}

// Worker holds the Worker Sessions' collectors. All Session instances in
// a coordinator process share the same Worker metrics struct, since
// Prometheus collectors are cumulative counters rather than per-instance
// state.
type Worker struct {
	BuildsStarted  prometheus.Counter
	BuildsFinished prometheus.Counter
	BuildsFailed   prometheus.Counter
	CacheRequests  prometheus.Counter
}

// NewWorker creates and, if reg is non-nil, registers the Worker
// collectors.
func NewWorker(reg prometheus.Registerer) *Worker {
	w := &Worker{
		BuildsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distbuild_worker_builds_started_total",
			Help: "Number of builds started across all worker sessions.",
		}),
		BuildsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distbuild_worker_builds_finished_total",
			Help: "Number of builds that finished successfully.",
		}),
		BuildsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distbuild_worker_builds_failed_total",
			Help: "Number of builds that failed, whether at exec or caching time.",
		}),
		CacheRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distbuild_worker_cache_requests_total",
			Help: "Number of artifact-cache population requests issued.",
		}),
	}
	registerAll(reg, w.BuildsStarted, w.BuildsFinished, w.BuildsFailed, w.CacheRequests)
	return w
}

// Helper holds the Helper Router's collectors.
type Helper struct {
	RequestsSent   prometheus.Counter
	RequestsFailed prometheus.Counter
}

// NewHelper creates and, if reg is non-nil, registers the Helper Router's
// collectors.
func NewHelper(reg prometheus.Registerer) *Helper {
	h := &Helper{
		RequestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distbuild_helper_requests_sent_total",
			Help: "Number of requests forwarded to the artifact-cache helper.",
		}),
		RequestsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distbuild_helper_requests_failed_total",
			Help: "Number of helper requests that errored before getting a status code.",
		}),
	}
	registerAll(reg, h.RequestsSent, h.RequestsFailed)
	return h
}

func registerAll(reg prometheus.Registerer, collectors ...prometheus.Collector) {
	if reg == nil {
		return
	}
	for _, c := range collectors {
		reg.MustRegister(c)
	}
}
