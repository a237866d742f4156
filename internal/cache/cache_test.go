package cache

import (
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/relaydns/core/internal/dnsmsg"
)

func TestStoreAndLookupPositive(t *testing.T) {
	c := New()
	defer c.Close()

	c.Store([]dnsmsg.Record{{
		Domain: "www.example.com.",
		Type:   dnsmsg.TypeA,
		TTL:    60,
		IP:     net.ParseIP("192.0.2.1"),
	}})

	answers, negative, _, _, ok := c.Lookup("WWW.example.com.", dnsmsg.TypeA)
	require.True(t, ok)
	require.False(t, negative)
	require.Len(t, answers, 1)
	require.LessOrEqual(t, answers[0].TTL, uint32(60))
}

func TestLookupMissReturnsFalse(t *testing.T) {
	c := New()
	defer c.Close()
	_, _, _, _, ok := c.Lookup("nowhere.example.com.", dnsmsg.TypeA)
	require.False(t, ok)
}

func TestTTLMonotonicity(t *testing.T) {
	c := New()
	defer c.Close()
	c.Store([]dnsmsg.Record{{
		Domain: "ttl.example.com.",
		Type:   dnsmsg.TypeA,
		TTL:    1,
		IP:     net.ParseIP("192.0.2.2"),
	}})

	time.Sleep(1100 * time.Millisecond)
	_, _, _, _, ok := c.Lookup("ttl.example.com.", dnsmsg.TypeA)
	require.False(t, ok, "entry must be gone once its TTL has elapsed")
}

func TestStoreNXDOMAIN(t *testing.T) {
	c := New()
	defer c.Close()
	soa := dnsmsg.Record{Domain: "example.com.", Type: dnsmsg.TypeSOA, TTL: 3600, Minimum: 300}
	c.StoreNXDOMAIN("ghost.example.com.", dnsmsg.TypeA, soa, dnsmsg.NXDOMAIN)

	answers, negative, rcode, soaOut, ok := c.Lookup("ghost.example.com.", dnsmsg.TypeA)
	require.True(t, ok)
	require.True(t, negative)
	require.Equal(t, dnsmsg.NXDOMAIN, rcode)
	require.Empty(t, answers)
	require.NotNil(t, soaOut)
	require.Equal(t, "example.com.", soaOut.Domain)
}

func TestDedupMergesDuplicateRecords(t *testing.T) {
	c := New()
	defer c.Close()
	c.Store([]dnsmsg.Record{
		{Domain: "dup.example.com.", Type: dnsmsg.TypeA, TTL: 60, IP: net.ParseIP("192.0.2.3")},
		{Domain: "dup.example.com.", Type: dnsmsg.TypeA, TTL: 60, IP: net.ParseIP("192.0.2.3")},
		{Domain: "dup.example.com.", Type: dnsmsg.TypeA, TTL: 60, IP: net.ParseIP("192.0.2.4")},
	})
	answers, _, _, _, ok := c.Lookup("dup.example.com.", dnsmsg.TypeA)
	require.True(t, ok)
	require.Len(t, answers, 2)
}

func TestRedisL2Fallback(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	l2 := NewRedisL2(mr.Addr(), "", 0)
	c := New(WithL2(l2))
	defer c.Close()

	c.Store([]dnsmsg.Record{{
		Domain: "l2.example.com.",
		Type:   dnsmsg.TypeA,
		TTL:    60,
		IP:     net.ParseIP("192.0.2.9"),
	}})

	// Clear only the local shard to force a fallback to Redis.
	c.Clear()
	answers, _, _, _, ok := c.Lookup("l2.example.com.", dnsmsg.TypeA)
	require.True(t, ok)
	require.Len(t, answers, 1)
	require.Equal(t, "192.0.2.9", answers[0].IP.String())
}
