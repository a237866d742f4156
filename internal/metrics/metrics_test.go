package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestSnapshotSumsAcrossLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.QueriesTotal.WithLabelValues("A", "NOERROR", "udp").Inc()
	r.QueriesTotal.WithLabelValues("AAAA", "NXDOMAIN", "tcp").Inc()
	r.CacheOperations.WithLabelValues("l1", "hit").Add(3)
	r.CacheOperations.WithLabelValues("l1", "miss").Add(2)
	r.CacheOperations.WithLabelValues("l2", "hit").Inc()
	r.UpstreamFailures.WithLabelValues("1.1.1.1:53", "timeout").Inc()
	r.NXDOMAINResponses.WithLabelValues("authoritative").Inc()
	r.SERVFAILResponses.WithLabelValues("resolver").Inc()

	snap := r.Snapshot()
	require.Equal(t, float64(2), snap.QueriesReceived)
	require.Equal(t, float64(4), snap.CacheHits)
	require.Equal(t, float64(2), snap.CacheMisses)
	require.Equal(t, float64(1), snap.UpstreamFailures)
	require.Equal(t, float64(1), snap.NXDOMAINResponses)
	require.Equal(t, float64(1), snap.SERVFAILResponses)
}

func TestSnapshotOnFreshRecorderIsZero(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	snap := r.Snapshot()
	require.Zero(t, snap.QueriesReceived)
	require.Zero(t, snap.CacheHits)
	require.Zero(t, snap.CacheMisses)
}
