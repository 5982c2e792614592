package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apifallback/internal/models"
)

func TestComputeEndpointUptime(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	entries := []models.StatusEntry{
		{
			Timestamp: base,
			Selected:  "https://a",
			Role:      models.RolePrimary,
			Checks: []models.ProbeResult{
				{URL: "https://a", Reachable: true, ElapsedMillis: 10},
				{URL: "http://b", Reachable: true, ElapsedMillis: 20},
			},
		},
		{
			Timestamp: base.Add(time.Minute),
			Selected:  "http://b",
			Role:      models.RoleFallback,
			Checks: []models.ProbeResult{
				{URL: "https://a", Reachable: false, ElapsedMillis: 500, Error: "request timed out"},
				{URL: "http://b", Reachable: true, ElapsedMillis: 30},
			},
		},
		{
			Timestamp: base.Add(2 * time.Minute),
			Selected:  "https://a",
			Role:      models.RoleDegraded,
			Checks: []models.ProbeResult{
				{URL: "https://a", Reachable: false, ElapsedMillis: 500, Error: "request timed out"},
				{URL: "http://b", Reachable: false, ElapsedMillis: 1, Error: "connection refused"},
			},
		},
	}

	got := ComputeEndpointUptime(entries)
	require.Len(t, got, 2)

	b, a := got[0], got[1]
	assert.Equal(t, "http://b", b.URL)
	assert.Equal(t, 66.67, b.UptimePercent)
	assert.Equal(t, 3, b.TotalChecks)
	assert.Equal(t, 1, b.Selected)
	assert.Equal(t, 17.0, b.AvgElapsedMs)
	assert.Equal(t, "connection refused", b.LastError)

	assert.Equal(t, "https://a", a.URL)
	assert.Equal(t, 33.33, a.UptimePercent)
	assert.Equal(t, 2, a.Selected)
	assert.Equal(t, 2, a.Unreachable)
	assert.Equal(t, base.Add(2*time.Minute).Format(time.RFC3339), a.LastUpdated)
}

func TestComputeEndpointUptimeKeepsLastErrorAfterRecovery(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	entries := []models.StatusEntry{
		{
			Timestamp: base,
			Checks:    []models.ProbeResult{{URL: "https://a", Error: "request timed out"}},
		},
		{
			Timestamp: base.Add(time.Minute),
			Checks:    []models.ProbeResult{{URL: "https://a", Reachable: true, ElapsedMillis: 12}},
		},
	}

	got := ComputeEndpointUptime(entries)
	require.Len(t, got, 1)
	assert.Equal(t, "request timed out", got[0].LastError)
	assert.Equal(t, 50.0, got[0].UptimePercent)
	assert.Equal(t, base.Add(time.Minute).Format(time.RFC3339), got[0].LastUpdated)
}

func TestComputeEndpointUptimeEmpty(t *testing.T) {
	assert.Nil(t, ComputeEndpointUptime(nil))
}

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveProbe(models.ProbeResult{URL: "https://a", Reachable: true, ElapsedMillis: 40})
	c.ObserveProbe(models.ProbeResult{URL: "https://a", Reachable: false, ElapsedMillis: 500})
	c.ObserveProbe(models.ProbeResult{URL: "https://a", Reachable: false, ElapsedMillis: 500})
	c.ObserveSelection(models.RoleFallback)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.probes.WithLabelValues("https://a", OutcomeReachable)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.probes.WithLabelValues("https://a", OutcomeUnreachable)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.selections.WithLabelValues("fallback")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.selections.WithLabelValues("degraded")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.latency))

	count, err := testutil.GatherAndCount(reg, "apifallback_selections_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestCollectorWithoutRegistry(t *testing.T) {
	c := NewCollector(nil)
	assert.NotPanics(t, func() { c.ObserveSelection(models.RolePrimary) })
}
