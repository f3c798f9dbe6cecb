// Package metrics exposes Prometheus instrumentation for the scheduler and
// the send pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the outreach dispatcher
type Metrics struct {
	// Scheduling counters
	TasksScheduledTotal   *prometheus.CounterVec
	TasksUnscheduledTotal *prometheus.CounterVec
	SchedulingRunsTotal   prometheus.Counter

	// Send pipeline counters
	MessagesSentTotal      *prometheus.CounterVec
	MessagesFailedTotal    *prometheus.CounterVec
	MessagesCancelledTotal *prometheus.CounterVec
	DuplicateFiresTotal    prometheus.Counter

	// Campaign lifecycle
	CampaignsCompletedTotal *prometheus.CounterVec
	CampaignsPausedTotal    prometheus.Counter
	CampaignsResumedTotal   prometheus.Counter
	StuckCampaignsFixed     prometheus.Counter

	// Gauges and timings
	TriggersPending     prometheus.Gauge
	SendDurationSeconds prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		TasksScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_tasks_scheduled_total",
				Help: "Total number of messages assigned a send time",
			},
			[]string{"organization"},
		),
		TasksUnscheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_tasks_unscheduled_total",
				Help: "Total number of messages that could not be placed within the horizon",
			},
			[]string{"organization"},
		),
		SchedulingRunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outreach_scheduling_runs_total",
				Help: "Total number of campaign scheduling runs",
			},
		),
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_messages_sent_total",
				Help: "Total number of messages accepted by the provider",
			},
			[]string{"organization"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_messages_failed_total",
				Help: "Total number of messages that failed to send",
			},
			[]string{"organization", "error_type"},
		),
		MessagesCancelledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_messages_cancelled_total",
				Help: "Total number of sends cancelled before delivery",
			},
			[]string{"organization"},
		),
		DuplicateFiresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outreach_duplicate_fires_total",
				Help: "Total number of trigger callbacks suppressed by idempotence guards",
			},
		),
		CampaignsCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_campaigns_completed_total",
				Help: "Total number of campaigns that reached a terminal status",
			},
			[]string{"status"},
		),
		CampaignsPausedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outreach_campaigns_paused_total",
				Help: "Total number of pause operations",
			},
		),
		CampaignsResumedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outreach_campaigns_resumed_total",
				Help: "Total number of resume operations",
			},
		),
		StuckCampaignsFixed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outreach_stuck_campaigns_fixed_total",
				Help: "Total number of campaigns corrected by the repair scan",
			},
		),
		TriggersPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_triggers_pending",
				Help: "Number of registered triggers that have not fired",
			},
		),
		SendDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "outreach_send_duration_seconds",
				Help:    "Duration of one send pipeline run",
				Buckets: prometheus.DefBuckets,
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.TasksScheduledTotal,
		m.TasksUnscheduledTotal,
		m.SchedulingRunsTotal,
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.MessagesCancelledTotal,
		m.DuplicateFiresTotal,
		m.CampaignsCompletedTotal,
		m.CampaignsPausedTotal,
		m.CampaignsResumedTotal,
		m.StuckCampaignsFixed,
		m.TriggersPending,
		m.SendDurationSeconds,
	)

	return m
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
