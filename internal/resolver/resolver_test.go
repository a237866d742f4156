package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaydns/core/internal/cache"
	"github.com/relaydns/core/internal/dnsmsg"
)

func TestForwardingResolverServesFromCache(t *testing.T) {
	c := cache.New()
	defer c.Close()
	c.Store([]dnsmsg.Record{{
		Domain: "cached.example.com.", Type: dnsmsg.TypeA, TTL: 60, IP: net.ParseIP("192.0.2.5"),
	}})

	f := NewForwardingResolver([]string{"192.0.2.1"}, c, nil)
	defer f.Close()

	res, err := f.Resolve(context.Background(), "cached.example.com.", dnsmsg.TypeA)
	require.NoError(t, err)
	require.Equal(t, "cache", res.Source)
	require.Len(t, res.Answers, 1)
}

func TestForwardingResolverErrorsOnUnreachableUpstream(t *testing.T) {
	c := cache.New()
	defer c.Close()

	// 192.0.2.0/24 (TEST-NET-1) is non-routable; expect a timeout-class error,
	// not a hang, once the bounded retry/timeout policy gives up.
	f := NewForwardingResolver([]string{"192.0.2.254"}, c, nil,
		WithUDPTimeout(50*time.Millisecond), WithMaxRetries(1))
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := f.Resolve(ctx, "nowhere.example.com.", dnsmsg.TypeA)
	require.Error(t, err)
}

func TestGenerateTransactionIDVaries(t *testing.T) {
	seen := make(map[uint16]bool)
	for i := 0; i < 8; i++ {
		seen[generateTransactionID()] = true
	}
	require.Greater(t, len(seen), 1, "transaction IDs should not be constant")
}

func TestValidateResponseRejectsMismatch(t *testing.T) {
	resp := dnsmsg.NewPacket()
	resp.Header.ID = 42
	resp.Questions = append(resp.Questions, dnsmsg.Question{Name: "other.example.com.", Type: dnsmsg.TypeA, Class: dnsmsg.ClassIN})

	err := validateResponse(42, "example.com.", dnsmsg.TypeA, resp)
	require.Error(t, err)

	resp.Questions[0].Name = "example.com."
	require.NoError(t, validateResponse(42, "example.com.", dnsmsg.TypeA, resp))
}
