package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sensoralert"

// Metrics holds Prometheus collectors for worker, alarm feed, and upstream client.
// Params: dedicated registry owned by the service.
// Returns: recorder shared by all runtime components.
type Metrics struct {
	registry *prometheus.Registry

	tickDuration       prometheus.Histogram
	tickRules          prometheus.Gauge
	groupFetchFailures prometheus.Counter
	eventsFired        *prometheus.CounterVec
	rulesSkipped       *prometheus.CounterVec
	publishFailures    prometheus.Counter
	upstreamRequests   *prometheus.CounterVec
	upstreamDuration   *prometheus.HistogramVec
	tokenRefreshes     *prometheus.CounterVec
	alarmPolls         *prometheus.CounterVec
	alarmRecordsPushed prometheus.Counter
	queueJobs          *prometheus.CounterVec
}

// New registers collectors on fresh registry, including Go and process collectors.
// Params: none.
// Returns: metrics bundle.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one alert worker tick.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		tickRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "enabled_rules",
			Help:      "Enabled rules seen by the last tick.",
		}),
		groupFetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "group_fetch_failures_total",
			Help:      "Owner groups skipped because realtime fetch failed.",
		}),
		eventsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "events_fired_total",
			Help:      "Alert events emitted, by rule scope.",
		}, []string{"scope"}),
		rulesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "rules_skipped_total",
			Help:      "Rule evaluations skipped, by reason.",
		}, []string{"reason"}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "publish_failures_total",
			Help:      "Fired events whose push or sink delivery failed.",
		}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Upstream API calls, by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Upstream API call latency, by endpoint.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "token_refreshes_total",
			Help:      "Access token refresh attempts, by outcome.",
		}, []string{"outcome"}),
		alarmPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alarm_feed",
			Name:      "polls_total",
			Help:      "Alarm record fetches per device, by outcome.",
		}, []string{"outcome"}),
		alarmRecordsPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alarm_feed",
			Name:      "records_published_total",
			Help:      "New alarm records pushed to device groups.",
		}),
		queueJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify_queue",
			Name:      "jobs_total",
			Help:      "Queued notification jobs settled by the delivery worker, by outcome.",
		}, []string{"outcome"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tickDuration,
		m.tickRules,
		m.groupFetchFailures,
		m.eventsFired,
		m.rulesSkipped,
		m.publishFailures,
		m.upstreamRequests,
		m.upstreamDuration,
		m.tokenRefreshes,
		m.alarmPolls,
		m.alarmRecordsPushed,
		m.queueJobs,
	)
	return m
}

// Handler exposes registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveTick records one worker tick.
// Params: tick duration and enabled rule count.
// Returns: none.
func (m *Metrics) ObserveTick(elapsed time.Duration, rules int) {
	m.tickDuration.Observe(elapsed.Seconds())
	m.tickRules.Set(float64(rules))
}

// GroupFetchFailed counts one skipped owner group.
func (m *Metrics) GroupFetchFailed() {
	m.groupFetchFailures.Inc()
}

// EventFired counts one emitted alert event.
func (m *Metrics) EventFired(scope string) {
	m.eventsFired.WithLabelValues(scope).Inc()
}

// RuleSkipped counts one skipped evaluation.
func (m *Metrics) RuleSkipped(reason string) {
	m.rulesSkipped.WithLabelValues(reason).Inc()
}

// PublishFailed counts one failed event publish.
func (m *Metrics) PublishFailed() {
	m.publishFailures.Inc()
}

// ObserveRequest records one upstream call.
// Params: endpoint path, outcome label, and latency.
// Returns: none.
func (m *Metrics) ObserveRequest(endpoint, outcome string, elapsed time.Duration) {
	m.upstreamRequests.WithLabelValues(endpoint, outcome).Inc()
	m.upstreamDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// ObserveTokenRefresh counts one token refresh attempt.
func (m *Metrics) ObserveTokenRefresh(outcome string) {
	m.tokenRefreshes.WithLabelValues(outcome).Inc()
}

// ObserveAlarmPoll counts one per-device alarm fetch.
func (m *Metrics) ObserveAlarmPoll(outcome string) {
	m.alarmPolls.WithLabelValues(outcome).Inc()
}

// AlarmRecordsPublished counts pushed alarm records.
func (m *Metrics) AlarmRecordsPublished(n int) {
	if n > 0 {
		m.alarmRecordsPushed.Add(float64(n))
	}
}

// ObserveQueueJob counts one settled notify queue job.
func (m *Metrics) ObserveQueueJob(outcome string) {
	m.queueJobs.WithLabelValues(outcome).Inc()
}
