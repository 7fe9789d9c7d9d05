package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" authorization = Bearer x ,bad, =skip,tenant=snet,")
	require.Equal(t, map[string]string{
		"authorization": "Bearer x",
		"tenant":        "snet",
	}, got)
}

func TestInitValidates(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)

	_, err = Init(context.Background(), Config{ServiceName: "snetpay", SampleRatio: 2})
	require.Error(t, err)
}

func TestInitWithoutExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "snetpay"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	require.Equal(t, "AlwaysOnSampler", sampler(0).Description())
	require.Equal(t, "AlwaysOnSampler", sampler(1).Description())
	require.Contains(t, sampler(0.5).Description(), "TraceIDRatioBased{0.5}")
}
