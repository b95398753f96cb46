// Package metrics holds the Prometheus instruments of the loader.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wiki_loader"

// Loader groups every loader instrument. A nil *Loader is valid and records nothing.
type Loader struct {
	documentsRead    prometheus.Counter
	documentsIndexed prometheus.Counter
	documentsFailed  *prometheus.CounterVec
	batchesTotal     prometheus.Counter
	batchDuration    prometheus.Histogram
	embedDuration    prometheus.Histogram
	tokensTotal      prometheus.Counter
	oovTokensTotal   prometheus.Counter
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Loader {
	m := &Loader{
		documentsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_read_total",
			Help:      "Articles read from the dump, metadata lines excluded",
		}),
		documentsIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_indexed_total",
			Help:      "Articles accepted by Elasticsearch",
		}),
		documentsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_failed_total",
			Help:      "Articles rejected by Elasticsearch",
		}, []string{"reason"}),
		batchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Bulk requests sent",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Bulk request duration",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		embedDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embed_batch_duration_seconds",
			Help:      "Time spent pooling vectors for one batch",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		tokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens produced by the tokenizer",
		}),
		oovTokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oov_tokens_total",
			Help:      "Tokens missing from the word vector table",
		}),
	}

	reg.MustRegister(
		m.documentsRead, m.documentsIndexed, m.documentsFailed,
		m.batchesTotal, m.batchDuration, m.embedDuration,
		m.tokensTotal, m.oovTokensTotal,
	)
	return m
}

// DocumentsRead counts n articles entering a batch.
func (m *Loader) DocumentsRead(n int) {
	if m == nil {
		return
	}
	m.documentsRead.Add(float64(n))
}

// Tokens records tokenizer output for one document.
func (m *Loader) Tokens(total, oov int) {
	if m == nil {
		return
	}
	m.tokensTotal.Add(float64(total))
	m.oovTokensTotal.Add(float64(oov))
}

// Embedded records how long a batch took to vectorise.
func (m *Loader) Embedded(seconds float64) {
	if m == nil {
		return
	}
	m.embedDuration.Observe(seconds)
}

// Batch records one bulk request outcome.
func (m *Loader) Batch(seconds float64, indexed int, failed map[string]int) {
	if m == nil {
		return
	}
	m.batchesTotal.Inc()
	m.batchDuration.Observe(seconds)
	m.documentsIndexed.Add(float64(indexed))
	for reason, n := range failed {
		m.documentsFailed.WithLabelValues(reason).Add(float64(n))
	}
}
