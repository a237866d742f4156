package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaultsWhenUnset(t *testing.T) {
	cfg := FromEnv()
	require.Equal(t, ":53", cfg.ListenUDP)
	require.Equal(t, ResolveModeRecursive, cfg.ResolveMode)
	require.Equal(t, 20, cfg.UDPWorkers)
	require.Equal(t, 2*time.Second, cfg.UDPTimeout)
}

func TestFromEnvParsesOverrides(t *testing.T) {
	t.Setenv("RELAYDNS_LISTEN_UDP", ":5353")
	t.Setenv("RELAYDNS_UDP_WORKERS", "64")
	t.Setenv("RELAYDNS_RESOLVE_MODE", "forward")
	t.Setenv("RELAYDNS_FORWARD_ADDRESS", "1.1.1.1:53,8.8.8.8:53")
	t.Setenv("RELAYDNS_UDP_TIMEOUT", "750ms")

	cfg := FromEnv()
	require.Equal(t, ":5353", cfg.ListenUDP)
	require.Equal(t, 64, cfg.UDPWorkers)
	require.Equal(t, ResolveModeForward, cfg.ResolveMode)
	require.Equal(t, []string{"1.1.1.1:53", "8.8.8.8:53"}, cfg.ForwardUpstreams)
	require.Equal(t, 750*time.Millisecond, cfg.UDPTimeout)
}

func TestFromEnvFallsBackOnMalformedValue(t *testing.T) {
	t.Setenv("RELAYDNS_UDP_WORKERS", "not-a-number")
	cfg := FromEnv()
	require.Equal(t, 20, cfg.UDPWorkers)
}
