// Package monitoring exposes prometheus metrics for gaze sessions.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors a session touches. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	LiveAttention  *prometheus.GaugeVec
	Samples        *prometheus.CounterVec
	Submissions    *prometheus.CounterVec
	RemoteDuration *prometheus.HistogramVec
	Sessions       *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LiveAttention: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gazequiz_live_attention_ratio",
				Help: "Most recent adjusted attention ratio of the active question",
			},
			[]string{"source"},
		),
		Samples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gazequiz_gaze_samples_total",
				Help: "Gaze samples ingested",
			},
			[]string{"source", "present"},
		),
		Submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gazequiz_submissions_total",
				Help: "Answer submissions by outcome",
			},
			[]string{"outcome"},
		),
		RemoteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gazequiz_remote_request_duration_seconds",
				Help:    "Duration of quiz service requests",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"operation", "status"},
		),
		Sessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gazequiz_sessions",
				Help: "Sessions currently held by a controller, by state",
			},
			[]string{"state"},
		),
	}
	reg.MustRegister(m.LiveAttention, m.Samples, m.Submissions, m.RemoteDuration, m.Sessions)
	return m
}

func (m *Metrics) ObserveSample(source string, present bool) {
	if m == nil {
		return
	}
	m.Samples.WithLabelValues(source, strconv.FormatBool(present)).Inc()
}

func (m *Metrics) SetAttention(source string, ratio float64) {
	if m == nil {
		return
	}
	m.LiveAttention.WithLabelValues(source).Set(ratio)
}

func (m *Metrics) ObserveSubmission(outcome string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(outcome).Inc()
}

// ObserveRemote records one quiz service call. status is the HTTP status or
// "error" when no response arrived.
func (m *Metrics) ObserveRemote(operation, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RemoteDuration.WithLabelValues(operation, status).Observe(elapsed.Seconds())
}

// MoveSession shifts one session from one state gauge to another. An empty
// state is skipped.
func (m *Metrics) MoveSession(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.Sessions.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.Sessions.WithLabelValues(to).Inc()
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
