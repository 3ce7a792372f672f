package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	t.Run("Counts by label", func(t *testing.T) {
		m := New(prometheus.NewRegistry())
		m.Received("doc-update")
		m.Received("doc-update")
		m.Sent("sync-request")
		m.DecodeError("presence-update")
		m.Dropped("rate_limited")
		m.DocumentFault()
		m.ConnectionOpened()
		m.ConnectionOpened()
		m.ConnectionClosed()

		assert.Equal(t, 2.0, testutil.ToFloat64(m.messages.WithLabelValues("in", "doc-update")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.messages.WithLabelValues("out", "sync-request")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.decodeErrors.WithLabelValues("presence-update")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("rate_limited")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.documentFaults))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	})

	t.Run("Nil metrics are a no-op", func(t *testing.T) {
		var m *Metrics
		assert.NotPanics(t, func() {
			m.Received("doc-update")
			m.Sent("doc-update")
			m.DecodeError("doc-update")
			m.Dropped("x")
			m.DocumentFault()
			m.ConnectionOpened()
			m.ConnectionClosed()
		})
	})
}
