package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgent(t *testing.T) {
	t.Run("given counters incremented then registry reflects them", func(t *testing.T) {
		agent := NewAgent("cluster1")

		agent.CyclesTotal.WithLabelValues(OutcomeSuccess).Inc()
		agent.CyclesTotal.WithLabelValues(OutcomeSuccess).Inc()
		agent.CyclesTotal.WithLabelValues(OutcomeSkipped).Inc()
		agent.PruneDeletesTotal.Inc()
		agent.LastSnapshotBytes.Set(1024)

		assert.Equal(t, float64(2),
			testutil.ToFloat64(agent.CyclesTotal.WithLabelValues(OutcomeSuccess)))
		assert.Equal(t, float64(1),
			testutil.ToFloat64(agent.CyclesTotal.WithLabelValues(OutcomeSkipped)))
		assert.Equal(t, float64(1), testutil.ToFloat64(agent.PruneDeletesTotal))
		assert.Equal(t, float64(1024), testutil.ToFloat64(agent.LastSnapshotBytes))
	})

	t.Run("given two agents then registries are isolated", func(t *testing.T) {
		a := NewAgent("cluster1")
		b := NewAgent("cluster1")

		a.RetriesTotal.Inc()
		assert.Equal(t, float64(1), testutil.ToFloat64(a.RetriesTotal))
		assert.Equal(t, float64(0), testutil.ToFloat64(b.RetriesTotal))
	})

	t.Run("given handler then exposition contains cluster label", func(t *testing.T) {
		agent := NewAgent("cluster1")
		agent.CyclesTotal.WithLabelValues(OutcomeSuccess).Inc()

		rec := httptest.NewRecorder()
		agent.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

		require.Equal(t, 200, rec.Code)
		assert.Contains(t, rec.Body.String(), `sealctl_snapshot_cycles_total{cluster="cluster1",outcome="success"} 1`)
	})
}
