// Package metrics declares the prometheus instruments of the connector
// runtime. Every instrument is declared once and labelled by intake_key plus
// type for multi-stream connectors.
//
// # Basic Usage
//
//	m := metrics.New(prometheus.NewRegistry())
//	scope := m.For("intake-key", "signinattempts")
//	scope.Collected(1)
//	scope.Forwarded(len(batch))
//	scope.ObserveForward(time.Since(start))
//	scope.SetEventsLag(time.Since(mostRecent))
//
// Production code shares Default, registered on the prometheus default
// registerer and exposed by the binary through promhttp.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "intakeflow"

var labels = []string{"intake_key", "type"}

// Metrics groups the runtime instruments.
type Metrics struct {
	CollectedMessages     *prometheus.CounterVec   // messages or pages pulled from upstream
	ForwardedEvents       *prometheus.CounterVec   // events accepted by the intake
	DiscardedEvents       *prometheus.CounterVec   // events skipped or dropped
	ForwardEventsDuration *prometheus.HistogramVec // intake push latency
	MessagesAge           *prometheus.HistogramVec // age of a message when collected
	EventsLag             *prometheus.GaugeVec     // now minus most recent event time
	TimeWindowLag         *prometheus.GaugeVec     // now minus the end of the next window
	QueueDepth            *prometheus.GaugeVec     // batcher occupancy

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPCircuitState    *prometheus.GaugeVec // 0 closed, 1 open, 2 half-open
	TokenRefreshes      *prometheus.CounterVec
	WorkerRestarts      *prometheus.CounterVec
}

// Default is registered on prometheus.DefaultRegisterer.
var Default = New(prometheus.DefaultRegisterer)

// New declares all instruments on reg. Passing a fresh registry per test
// keeps tests independent.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CollectedMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "collected_messages_total",
			Help:      "Number of messages or pages collected from upstream",
		}, labels),
		ForwardedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "forwarded_events_total",
			Help:      "Number of events accepted by the intake",
		}, labels),
		DiscardedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "discarded_events_total",
			Help:      "Number of events skipped on client or parse errors, or dropped on shutdown",
		}, labels),
		ForwardEventsDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "forward_events_duration_seconds",
			Help:      "Duration of intake pushes",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, labels),
		MessagesAge: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "messages_age_seconds",
			Help:      "Age of queue messages when collected",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600, 24 * 3600},
		}, labels),
		EventsLag: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "events_lag_seconds",
			Help:      "Seconds between now and the most recent forwarded event",
		}, labels),
		TimeWindowLag: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "time_window_lag_seconds",
			Help:      "Seconds between the lagged now and the end of the next window",
		}, labels),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "batcher_queue_depth",
			Help:      "Events waiting in the batcher queue",
		}, labels),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "Outbound vendor HTTP requests by host and status class",
		}, []string{"host", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Outbound vendor HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"host"}),
		HTTPCircuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "http_circuit_state",
			Help:      "Circuit breaker state per vendor host: 0 closed, 1 open, 2 half-open",
		}, []string{"host"}),
		TokenRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "token_refreshes_total",
			Help:      "Token endpoint calls by outcome",
		}, []string{"client_id", "outcome"}),
		WorkerRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "worker_restarts_total",
			Help:      "Workers recreated by the supervisor",
		}, []string{"worker"}),
	}
}

// OrDefault returns m, or Default when m is nil.
func OrDefault(m *Metrics) *Metrics {
	if m == nil {
		return Default
	}
	return m
}

// Scope binds the intake_key and type labels.
type Scope struct {
	collected prometheus.Counter
	forwarded prometheus.Counter
	discarded prometheus.Counter
	forward   prometheus.Observer
	age       prometheus.Observer
	eventsLag prometheus.Gauge
	windowLag prometheus.Gauge
	depth     prometheus.Gauge
}

// For returns the instruments of one stream.
func (m *Metrics) For(intakeKey, streamType string) *Scope {
	return &Scope{
		collected: m.CollectedMessages.WithLabelValues(intakeKey, streamType),
		forwarded: m.ForwardedEvents.WithLabelValues(intakeKey, streamType),
		discarded: m.DiscardedEvents.WithLabelValues(intakeKey, streamType),
		forward:   m.ForwardEventsDuration.WithLabelValues(intakeKey, streamType),
		age:       m.MessagesAge.WithLabelValues(intakeKey, streamType),
		eventsLag: m.EventsLag.WithLabelValues(intakeKey, streamType),
		windowLag: m.TimeWindowLag.WithLabelValues(intakeKey, streamType),
		depth:     m.QueueDepth.WithLabelValues(intakeKey, streamType),
	}
}

// Collected adds n collected messages.
func (s *Scope) Collected(n int) { s.collected.Add(float64(n)) }

// Forwarded adds n forwarded events.
func (s *Scope) Forwarded(n int) { s.forwarded.Add(float64(n)) }

// Discarded adds n discarded events.
func (s *Scope) Discarded(n int) {
	if n > 0 {
		s.discarded.Add(float64(n))
	}
}

// ObserveForward records one push duration.
func (s *Scope) ObserveForward(d time.Duration) { s.forward.Observe(d.Seconds()) }

// ObserveMessageAge records the age of one message.
func (s *Scope) ObserveMessageAge(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.age.Observe(d.Seconds())
}

// SetEventsLag sets the events_lag gauge.
func (s *Scope) SetEventsLag(d time.Duration) { s.eventsLag.Set(d.Seconds()) }

// SetWindowLag sets the time window lag gauge.
func (s *Scope) SetWindowLag(d time.Duration) { s.windowLag.Set(d.Seconds()) }

// SetQueueDepth sets the batcher occupancy gauge.
func (s *Scope) SetQueueDepth(n int) { s.depth.Set(float64(n)) }

// Nop returns a scope on a throwaway registry.
func Nop() *Scope {
	return New(prometheus.NewRegistry()).For("", "")
}
