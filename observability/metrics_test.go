package observability

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPaymentMetricsRecord(t *testing.T) {
	m := NewPaymentMetrics(prometheus.NewRegistry())

	m.RecordAuthorization("escrow", time.Millisecond, nil)
	m.RecordAuthorization("Escrow", 0, errors.New("boom"))
	m.RecordSelection("open")
	m.RecordSelection("")
	m.RecordLedgerTx("channelAddFunds", nil)
	m.RecordUnifiedCache(true)
	m.RecordUnifiedCache(false)
	m.RecordUnifiedCache(false)
	m.SetChannelAvailable("7", big.NewInt(250))

	require.Equal(t, 1.0, testutil.ToFloat64(m.authorizations.WithLabelValues("escrow", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.authorizations.WithLabelValues("escrow", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.selections.WithLabelValues("unknown")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ledgerTx.WithLabelValues("channeladdfunds", "success")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.unifiedCache.WithLabelValues("miss")))
	require.Equal(t, 250.0, testutil.ToFloat64(m.channelHeadroom.WithLabelValues("7")))
}

func TestNilPaymentMetricsAreNoops(t *testing.T) {
	var m *PaymentMetrics
	m.RecordAuthorization("escrow", time.Second, nil)
	m.RecordSigningFailure("channel")
	m.RecordSelection("ready")
	m.RecordLedgerTx("extend", nil)
	m.RecordUnifiedCache(true)
	m.SetChannelAvailable("1", big.NewInt(1))
}
