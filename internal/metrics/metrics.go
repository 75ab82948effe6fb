package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sales holds the collectors for the sale engine. A nil *Sales is valid and
// records nothing.
type Sales struct {
	registry      *prometheus.Registry
	created       prometheus.Counter
	cancelled     prometheus.Counter
	failures      *prometheus.CounterVec
	numberRetries prometheus.Counter
	createLatency prometheus.Histogram
}

func NewSales() *Sales {
	registry := prometheus.NewRegistry()
	m := &Sales{
		registry: registry,
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pos_sales_created_total",
			Help: "Sales committed to the ledger.",
		}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pos_sales_cancelled_total",
			Help: "Sales cancelled with stock restored.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_sale_failures_total",
			Help: "Rejected sale operations by reason.",
		}, []string{"reason"}),
		numberRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pos_sale_number_retries_total",
			Help: "Sale creations retried after a write conflict.",
		}),
		createLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pos_sale_create_seconds",
			Help:    "Latency of sale creation including retries.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		m.created,
		m.cancelled,
		m.failures,
		m.numberRetries,
		m.createLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Sales) SaleCreated(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.created.Inc()
	m.createLatency.Observe(elapsed.Seconds())
}

func (m *Sales) SaleCancelled() {
	if m == nil {
		return
	}
	m.cancelled.Inc()
}

func (m *Sales) Failure(reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(reason).Inc()
}

func (m *Sales) NumberRetry() {
	if m == nil {
		return
	}
	m.numberRetries.Inc()
}

func (m *Sales) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
