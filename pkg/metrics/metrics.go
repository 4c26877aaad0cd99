package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Board metrics
	TasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aof_tasks",
			Help: "Number of task cards by project and status",
		},
		[]string{"project", "status"},
	)

	ProjectsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aof_projects_total",
			Help: "Number of discovered projects",
		},
	)

	// Scheduler metrics
	PollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aof_poll_duration_seconds",
			Help:    "Duration of one scheduler poll in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aof_scheduler_actions_total",
			Help: "Scheduler actions executed by kind and result",
		},
		[]string{"kind", "result"},
	)

	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aof_dispatches_total",
			Help: "Dispatch attempts by result (matched, deduped, platform_limit, or error class)",
		},
		[]string{"result"},
	)

	LeaseExpiriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aof_lease_expiries_total",
			Help: "Leases reclaimed after expiring",
		},
	)

	StaleHeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aof_stale_heartbeats_total",
			Help: "Sessions force-completed after a stale heartbeat",
		},
	)

	SLABreachesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aof_sla_breaches_total",
			Help: "SLA breaches by violation action",
		},
		[]string{"action"},
	)

	// Protocol metrics
	ProtocolMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aof_protocol_messages_total",
			Help: "Protocol envelopes handled by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// Event log metrics
	EventAppendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aof_event_appends_total",
			Help: "Events appended to project logs",
		},
	)

	// API metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aof_requests_total",
			Help: "Socket API requests by route and status",
		},
		[]string{"route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aof_request_duration_seconds",
			Help:    "Socket API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksByStatus)
	prometheus.MustRegister(ProjectsTotal)
	prometheus.MustRegister(PollDuration)
	prometheus.MustRegister(ActionsTotal)
	prometheus.MustRegister(DispatchesTotal)
	prometheus.MustRegister(LeaseExpiriesTotal)
	prometheus.MustRegister(StaleHeartbeatsTotal)
	prometheus.MustRegister(SLABreachesTotal)
	prometheus.MustRegister(ProtocolMessagesTotal)
	prometheus.MustRegister(EventAppendsTotal)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
