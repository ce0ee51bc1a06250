package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.Turn(OutcomeCompleted)
	m.Utterance(UtteranceDropped)
	m.Stage("reasoning", time.Now())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Turns.WithLabelValues(OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Utterances.WithLabelValues(UtteranceDropped)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.Turn(OutcomeFailed)
	m.Stage("synthesis", time.Now())
	m.Chunk()
}
