package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	paymentMetricsOnce sync.Once
	paymentRegistry    *PaymentMetrics
)

// PaymentMetrics captures Prometheus collectors for the payment engine.
type PaymentMetrics struct {
	authorizations  *prometheus.CounterVec
	signFailures    *prometheus.CounterVec
	authLatency     *prometheus.HistogramVec
	selections      *prometheus.CounterVec
	ledgerTx        *prometheus.CounterVec
	unifiedCache    *prometheus.CounterVec
	channelHeadroom *prometheus.GaugeVec
}

// Payment returns the lazily-initialised payment metrics registry.
func Payment() *PaymentMetrics {
	paymentMetricsOnce.Do(func() {
		paymentRegistry = newPaymentMetrics()
		prometheus.MustRegister(paymentRegistry.collectors()...)
	})
	return paymentRegistry
}

// NewPaymentMetrics builds an unregistered collector set, for callers that
// manage their own registry.
func NewPaymentMetrics(reg prometheus.Registerer) *PaymentMetrics {
	m := newPaymentMetrics()
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func newPaymentMetrics() *PaymentMetrics {
	return &PaymentMetrics{
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snetpay",
			Subsystem: "payment",
			Name:      "authorizations_total",
			Help:      "Signed payment authorizations segmented by scheme and outcome.",
		}, []string{"scheme", "outcome"}),
		signFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snetpay",
			Subsystem: "payment",
			Name:      "signing_failures_total",
			Help:      "Signer errors segmented by the component that requested the signature.",
		}, []string{"component"}),
		authLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "snetpay",
			Subsystem: "payment",
			Name:      "authorization_duration_seconds",
			Help:      "Time spent producing a payment authorization, including gate waits.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"scheme"}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snetpay",
			Subsystem: "channel",
			Name:      "selections_total",
			Help:      "Channel selections segmented by the branch that produced the channel.",
		}, []string{"branch"}),
		ledgerTx: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snetpay",
			Subsystem: "ledger",
			Name:      "transactions_total",
			Help:      "Escrow contract transactions segmented by operation and outcome.",
		}, []string{"operation", "outcome"}),
		unifiedCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snetpay",
			Subsystem: "training",
			Name:      "unified_cache_total",
			Help:      "Unified authorization cache lookups segmented by result.",
		}, []string{"result"}),
		channelHeadroom: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "snetpay",
			Subsystem: "channel",
			Name:      "available_cogs",
			Help:      "Unsigned funds remaining in each known channel.",
		}, []string{"channel_id"}),
	}
}

func (m *PaymentMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.authorizations,
		m.signFailures,
		m.authLatency,
		m.selections,
		m.ledgerTx,
		m.unifiedCache,
		m.channelHeadroom,
	}
}

// RecordAuthorization tracks one authorization attempt and its latency.
func (m *PaymentMetrics) RecordAuthorization(scheme string, d time.Duration, err error) {
	if m == nil {
		return
	}
	scheme = normaliseLabel(scheme)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.authorizations.WithLabelValues(scheme, outcome).Inc()
	if d > 0 {
		m.authLatency.WithLabelValues(scheme).Observe(d.Seconds())
	}
}

// RecordSigningFailure counts a signer error.
func (m *PaymentMetrics) RecordSigningFailure(component string) {
	if m == nil {
		return
	}
	m.signFailures.WithLabelValues(normaliseLabel(component)).Inc()
}

// RecordSelection counts the selection branch that produced a channel.
func (m *PaymentMetrics) RecordSelection(branch string) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(normaliseLabel(branch)).Inc()
}

// RecordLedgerTx counts an escrow transaction by operation and outcome.
func (m *PaymentMetrics) RecordLedgerTx(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.ledgerTx.WithLabelValues(normaliseLabel(operation), outcome).Inc()
}

// RecordUnifiedCache counts a unified cache hit or miss.
func (m *PaymentMetrics) RecordUnifiedCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.unifiedCache.WithLabelValues(result).Inc()
}

// SetChannelAvailable publishes the unsigned balance of a channel.
func (m *PaymentMetrics) SetChannelAvailable(channelID string, available *big.Int) {
	if m == nil {
		return
	}
	m.channelHeadroom.WithLabelValues(normaliseLabel(channelID)).Set(bigToFloat(available))
}

func normaliseLabel(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(value).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
