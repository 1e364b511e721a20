package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwardCountsTokensByPhase(t *testing.T) {
	m := New()
	m.Forward(Prefill, 7, 3*time.Millisecond)
	m.Forward(Decode, 1, time.Millisecond)
	m.Forward(Decode, 1, time.Millisecond)

	assert.Equal(t, 7.0, testutil.ToFloat64(m.tokens.WithLabelValues(Prefill)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tokens.WithLabelValues(Decode)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.forward))
}

func TestSessionGauge(t *testing.T) {
	m := New()
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions))
}

func TestRequestLabels(t *testing.T) {
	m := New()
	m.Request("/infer", 200)
	m.Request("/infer", 406)
	m.Request("/infer", 200)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("/infer", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("/infer", "406")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Forward(Decode, 1, time.Second)
	m.SessionOpened()
	m.SessionClosed()
	m.Admitted()
	m.Finished()
	m.Request("/drop", 404)
}

func TestRegistryGathers(t *testing.T) {
	m := New()
	m.Forward(Prefill, 1, time.Millisecond)
	families, err := m.Registry.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["ember_forward_seconds"])
	assert.True(t, names["ember_tokens_total"])
	assert.True(t, names["go_goroutines"])
}
