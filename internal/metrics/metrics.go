// Package metrics exposes Prometheus instruments for the assistant pipeline.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "policyrag"

// Metrics groups the collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	QuestionsTotal       *prometheus.CounterVec
	RetrievalTopScore    prometheus.Histogram
	RetrievalDuration    prometheus.Histogram
	GenerationDuration   *prometheus.HistogramVec
	FirstFragmentLatency prometheus.Histogram
	FailuresTotal        *prometheus.CounterVec
	CorpusEntries        prometheus.Gauge
	CorpusVersion        prometheus.Gauge
	ReloadsTotal         *prometheus.CounterVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		QuestionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "assistant",
				Name:      "questions_total",
				Help:      "Questions handled, by gate decision",
			},
			[]string{"decision"}, // greeting/refused/answerable
		),
		RetrievalTopScore: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "retrieval",
				Name:      "top_score",
				Help:      "Cosine score of the best ranked passage",
				Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
			},
		),
		RetrievalDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "retrieval",
				Name:      "duration_seconds",
				Help:      "Time spent normalizing, embedding and ranking a question",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
		),
		GenerationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "generation",
				Name:      "duration_seconds",
				Help:      "Generation call duration in seconds",
				Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"mode", "status"},
		),
		FirstFragmentLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "generation",
				Name:      "first_fragment_seconds",
				Help:      "Time until the first answer fragment arrived",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		FailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "assistant",
				Name:      "failures_total",
				Help:      "Failed questions, by error kind",
			},
			[]string{"kind"},
		),
		CorpusEntries: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "corpus",
				Name:      "entries",
				Help:      "Entries in the active corpus snapshot",
			},
		),
		CorpusVersion: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "corpus",
				Name:      "version",
				Help:      "Version of the active corpus snapshot",
			},
		),
		ReloadsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "corpus",
				Name:      "reloads_total",
				Help:      "Corpus reload attempts",
			},
			[]string{"status"},
		),
	}
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveDecision(decision string, topScore float64, took time.Duration) {
	if m == nil {
		return
	}
	m.QuestionsTotal.WithLabelValues(decision).Inc()
	m.RetrievalDuration.Observe(took.Seconds())
	if decision != "greeting" {
		m.RetrievalTopScore.Observe(topScore)
	}
}

func (m *Metrics) ObserveGeneration(mode, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.GenerationDuration.WithLabelValues(mode, status).Observe(took.Seconds())
}

func (m *Metrics) ObserveFirstFragment(took time.Duration) {
	if m == nil {
		return
	}
	m.FirstFragmentLatency.Observe(took.Seconds())
}

func (m *Metrics) ObserveFailure(kind string) {
	if m == nil {
		return
	}
	m.FailuresTotal.WithLabelValues(kind).Inc()
}

// ObserveCorpus records a built snapshot.
func (m *Metrics) ObserveCorpus(version, entries int) {
	if m == nil {
		return
	}
	m.CorpusVersion.Set(float64(version))
	m.CorpusEntries.Set(float64(entries))
}

func (m *Metrics) ObserveReload(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ReloadsTotal.WithLabelValues(status).Inc()
}

// Serve exposes m on addr under path until ctx is done.
func Serve(ctx context.Context, m *Metrics, addr, path string, logger *zap.Logger) error {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", zap.String("addr", addr), zap.String("path", path))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
