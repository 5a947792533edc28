// Package metrics provides Prometheus metrics for the review engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus series exported by the API. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	SavesTotal   *prometheus.CounterVec
	SaveDuration prometheus.Histogram

	FeedEventsTotal    *prometheus.CounterVec
	FeedSubscribers    *prometheus.GaugeVec
	NotificationsTotal prometheus.Counter
	CommentsTotal      prometheus.Counter

	EditingSessions prometheus.Gauge
}

// New creates the metrics and registers them with the registerer.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	m := &Metrics{}

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markup_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "markup_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.SavesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markup_annotation_saves_total",
			Help: "Total number of annotation saves by outcome",
		},
		[]string{"status"},
	)

	m.SaveDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "markup_annotation_save_duration_seconds",
			Help:    "Duration of annotation saves including render and upload",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	m.FeedEventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markup_feed_events_total",
			Help: "Total number of events published to review feeds",
		},
		[]string{"feed"},
	)

	m.FeedSubscribers = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "markup_feed_subscribers",
			Help: "Number of active review feed subscriptions",
		},
		[]string{"feed"},
	)

	m.NotificationsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "markup_notifications_total",
			Help: "Total number of review notifications emitted",
		},
	)

	m.CommentsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "markup_comments_total",
			Help: "Total number of comments posted",
		},
	)

	m.EditingSessions = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "markup_editing_sessions",
			Help: "Number of open editing sessions",
		},
	)

	return m
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSave records a save attempt.
func (m *Metrics) ObserveSave(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SavesTotal.WithLabelValues(status).Inc()
	m.SaveDuration.Observe(duration.Seconds())
}

func (m *Metrics) FeedEvent(feed string) {
	if m == nil {
		return
	}
	m.FeedEventsTotal.WithLabelValues(feed).Inc()
}

// FeedSubscribed adjusts the subscriber gauge by delta.
func (m *Metrics) FeedSubscribed(feed string, delta float64) {
	if m == nil {
		return
	}
	m.FeedSubscribers.WithLabelValues(feed).Add(delta)
}

func (m *Metrics) Notification() {
	if m == nil {
		return
	}
	m.NotificationsTotal.Inc()
}

func (m *Metrics) Comment() {
	if m == nil {
		return
	}
	m.CommentsTotal.Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.EditingSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.EditingSessions.Dec()
}
