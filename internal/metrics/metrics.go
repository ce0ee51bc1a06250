// Package metrics exposes Prometheus instruments for sessions and turns.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Turn outcomes
const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
)

// Utterance results
const (
	UtteranceDispatched = "dispatched"
	UtteranceDropped    = "dropped"
	UtteranceOverflow   = "overflow"
)

// Metrics groups the gateway's instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	Turns          *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	Utterances     *prometheus.CounterVec
	ReplyChunks    prometheus.Counter
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voice",
			Name:      "active_sessions",
			Help:      "Number of registered WebSocket sessions.",
		}),
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voice",
			Name:      "turns_total",
			Help:      "Turns by outcome.",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "voice",
			Name:      "stage_duration_seconds",
			Help:      "Latency of transcription, reasoning and synthesis.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"stage"}),
		Utterances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voice",
			Name:      "utterances_total",
			Help:      "Detected utterances by result.",
		}, []string{"result"}),
		ReplyChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voice",
			Name:      "reply_chunks_total",
			Help:      "Partial reply chunks forwarded to clients.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ActiveSessions, m.Turns, m.StageDuration, m.Utterances, m.ReplyChunks)
	}
	return m
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.ActiveSessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.ActiveSessions.Dec()
	}
}

func (m *Metrics) Turn(outcome string) {
	if m != nil {
		m.Turns.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Stage(stage string, since time.Time) {
	if m != nil {
		m.StageDuration.WithLabelValues(stage).Observe(time.Since(since).Seconds())
	}
}

func (m *Metrics) Utterance(result string) {
	if m != nil {
		m.Utterances.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Chunk() {
	if m != nil {
		m.ReplyChunks.Inc()
	}
}
