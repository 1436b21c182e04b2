// Package metrics exposes scheduler observability counters. A Recorder
// interface with a no-op implementation keeps metrics optional at
// construction time rather than behind runtime checks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives scheduler events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	JobDispatched(service string, success bool)
	AllocationRace()
	FallbackRoute()
	ServiceBlocked(service string)
	ServiceFrozen(service string)
	JobsRecovered(count int)
	TasksRecovered(count int)
	QueueDepth(service string, depth int)
	JobsQueued(count int)
	WaitAlert(level string)
}

// PromRecorder implements Recorder with Prometheus collectors.
type PromRecorder struct {
	dispatched     *prometheus.CounterVec
	allocationRace prometheus.Counter
	fallbackRoutes prometheus.Counter
	blocked        *prometheus.CounterVec
	frozen         *prometheus.CounterVec
	jobsRecovered  prometheus.Counter
	tasksRecovered prometheus.Counter
	queueDepth     *prometheus.GaugeVec
	jobsQueued     prometheus.Counter
	waitAlerts     *prometheus.CounterVec
}

// NewPromRecorder registers the scheduler collectors on the given registerer
// (pass prometheus.DefaultRegisterer in production).
func NewPromRecorder(reg prometheus.Registerer) *PromRecorder {
	factory := promauto.With(reg)

	return &PromRecorder{
		dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_jobs_dispatched_total",
			Help: "Send attempts by service and result.",
		}, []string{"service", "result"}),
		allocationRace: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_allocation_races_total",
			Help: "Claims lost to a concurrent processor.",
		}),
		fallbackRoutes: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_fallback_routes_total",
			Help: "Jobs routed through a service outside the user's authorization.",
		}),
		blocked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_services_blocked_total",
			Help: "Services taken out of rotation after consecutive failures.",
		}, []string{"service"}),
		frozen: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_services_frozen_total",
			Help: "Freeze windows applied after successful dispatches.",
		}, []string{"service"}),
		jobsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_jobs_recovered_total",
			Help: "Timed-out jobs reset to pending by the recovery monitor.",
		}),
		tasksRecovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_tasks_recovered_total",
			Help: "Stuck tasks reset to queued by the recovery monitor.",
		}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatcher_queue_depth",
			Help: "Current per-service queue depth.",
		}, []string{"service"}),
		jobsQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_jobs_queued_total",
			Help: "Queue entries added by the supplement engine.",
		}),
		waitAlerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_wait_alerts_total",
			Help: "Task wait-time threshold crossings by severity.",
		}, []string{"level"}),
	}
}

func (r *PromRecorder) JobDispatched(service string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	r.dispatched.WithLabelValues(service, result).Inc()
}

func (r *PromRecorder) AllocationRace() { r.allocationRace.Inc() }

func (r *PromRecorder) FallbackRoute() { r.fallbackRoutes.Inc() }

func (r *PromRecorder) ServiceBlocked(service string) { r.blocked.WithLabelValues(service).Inc() }

func (r *PromRecorder) ServiceFrozen(service string) { r.frozen.WithLabelValues(service).Inc() }

func (r *PromRecorder) JobsRecovered(count int) {
	r.jobsRecovered.Add(float64(count))
}

func (r *PromRecorder) TasksRecovered(count int) {
	r.tasksRecovered.Add(float64(count))
}

func (r *PromRecorder) QueueDepth(service string, depth int) {
	r.queueDepth.WithLabelValues(service).Set(float64(depth))
}

func (r *PromRecorder) JobsQueued(count int) {
	r.jobsQueued.Add(float64(count))
}

func (r *PromRecorder) WaitAlert(level string) {
	r.waitAlerts.WithLabelValues(level).Inc()
}

// NopRecorder discards every event.
type NopRecorder struct{}

func (NopRecorder) JobDispatched(string, bool) {}
func (NopRecorder) AllocationRace()            {}
func (NopRecorder) FallbackRoute()             {}
func (NopRecorder) ServiceBlocked(string)      {}
func (NopRecorder) ServiceFrozen(string)       {}
func (NopRecorder) JobsRecovered(int)          {}
func (NopRecorder) TasksRecovered(int)         {}
func (NopRecorder) QueueDepth(string, int)     {}
func (NopRecorder) JobsQueued(int)             {}
func (NopRecorder) WaitAlert(string)           {}
