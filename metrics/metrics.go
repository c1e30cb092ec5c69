// Package metrics groups the Prometheus instruments for the memory
// store. Hosts that scrape metrics mount Handler on their mux; the
// orchestrator records into Metrics directly.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the store.
type Metrics struct {
	CyclesTotal    *prometheus.CounterVec
	CycleFailures  *prometheus.CounterVec
	ArticlesSplit  prometheus.Counter
	GeneratorCalls *prometheus.CounterVec
	CycleDuration  prometheus.Histogram
	ArticleWords   prometheus.Histogram
}

// New registers the instruments under namespace on reg. A nil reg
// uses the default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed memory cycles by outcome.",
		}, []string{"outcome"}),
		CycleFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_failures_total",
			Help:      "Aborted memory cycles by failure class.",
		}, []string{"reason"}),
		ArticlesSplit: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "articles_split_total",
			Help:      "Articles split after exceeding the word threshold.",
		}),
		GeneratorCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generator_calls_total",
			Help:      "Generator invocations by prompt kind.",
		}, []string{"kind"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a full retrieve-update-persist cycle.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40},
		}),
		ArticleWords: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "article_words",
			Help:      "Word count of articles at persist time.",
			Buckets:   []float64{50, 100, 250, 500, 750, 1000, 1500},
		}),
	}
}

// ObserveCycle records one cycle's duration.
func (m *Metrics) ObserveCycle(d time.Duration) {
	m.CycleDuration.Observe(d.Seconds())
}

// Handler exposes the default registry over HTTP.
func Handler() http.Handler {
	return promhttp.Handler()
}
