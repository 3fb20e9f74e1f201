package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Observe(t *testing.T) {
	m := New()

	m.ObserveDecision("answerable", 0.42, 3*time.Millisecond)
	m.ObserveDecision("refused", 0.1, time.Millisecond)
	m.ObserveDecision("greeting", 0, 0)
	m.ObserveFailure("dependency_unavailable")
	m.ObserveCorpus(3, 4)
	m.ObserveReload(nil)
	m.ObserveReload(errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.QuestionsTotal.WithLabelValues("answerable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QuestionsTotal.WithLabelValues("greeting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FailuresTotal.WithLabelValues("dependency_unavailable")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.CorpusEntries))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CorpusVersion))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReloadsTotal.WithLabelValues("error")))

	// greetings skip the score histogram
	assert.Equal(t, uint64(2), histogramCount(t, m, "policyrag_retrieval_top_score"))
	assert.Equal(t, uint64(3), histogramCount(t, m, "policyrag_retrieval_duration_seconds"))
}

func histogramCount(t *testing.T, m *Metrics, name string) uint64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			require.Len(t, mf.GetMetric(), 1)
			return mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDecision("refused", 0, 0)
		m.ObserveGeneration("stream", "ok", time.Second)
		m.ObserveFirstFragment(time.Second)
		m.ObserveFailure("x")
		m.ObserveCorpus(1, 1)
		m.ObserveReload(nil)
	})
	assert.Nil(t, m.Registry())
}
