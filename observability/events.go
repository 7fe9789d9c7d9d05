package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type callMetrics struct {
	calls *prometheus.CounterVec
}

var (
	callMetricsOnce sync.Once
	callRegistry    *callMetrics
)

// Calls returns the metrics registry tracking intercepted service calls.
func Calls() *callMetrics {
	callMetricsOnce.Do(func() {
		callRegistry = &callMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "snetpay",
				Subsystem: "calls",
				Name:      "intercepted_total",
				Help:      "Count of outbound service calls segmented by payment type and outcome.",
			}, []string{"payment_type", "outcome"}),
		}
		prometheus.MustRegister(callRegistry.calls)
	})
	return callRegistry
}

// RecordCall increments the call counter for the supplied payment type.
func (m *callMetrics) RecordCall(paymentType string, err error) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(paymentType))
	if normalized == "" {
		normalized = "none"
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.calls.WithLabelValues(normalized, outcome).Inc()
}
