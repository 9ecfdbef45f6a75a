package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	require.NoError(t, metrics.Track("inventory:staging_commit").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, metrics.Track("inventory:staging_commit").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues("inventory:staging_commit", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues("inventory:staging_commit", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.failures.WithLabelValues("inventory:staging_commit")))
}

func TestSkipCounter(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	metrics.Skip("inventory:staging_commit")
	metrics.Skip("inventory:staging_commit")
	metrics.Skip("")

	require.Equal(t, 2.0, testutil.ToFloat64(metrics.skipped.WithLabelValues("inventory:staging_commit")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var metrics *Metrics
	metrics.Skip("x")
	require.NoError(t, metrics.Track("x").End(nil))
}
