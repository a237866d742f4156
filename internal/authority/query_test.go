package authority

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaydns/core/internal/dnsmsg"
)

func testZone(t *testing.T) *Zone {
	t.Helper()
	soa := dnsmsg.Record{
		Domain: "example.com.", Type: dnsmsg.TypeSOA,
		MName: "ns1.example.com.", RName: "admin.example.com.",
		Serial: 1, Refresh: 3600, Retry: 600, Expire: 604800, Minimum: 300,
	}
	z := NewZone("example.com.", soa)
	require.NoError(t, z.AddRecord(dnsmsg.Record{Domain: "example.com.", Type: dnsmsg.TypeNS, Host: "ns1.example.com.", TTL: 3600}))
	require.NoError(t, z.AddRecord(dnsmsg.Record{Domain: "ns1.example.com.", Type: dnsmsg.TypeA, IP: net.ParseIP("192.0.2.53"), TTL: 3600}))
	require.NoError(t, z.AddRecord(dnsmsg.Record{Domain: "www.example.com.", Type: dnsmsg.TypeA, IP: net.ParseIP("192.0.2.1"), TTL: 300}))
	require.NoError(t, z.AddRecord(dnsmsg.Record{Domain: "alias.example.com.", Type: dnsmsg.TypeCNAME, Host: "www.example.com.", TTL: 300}))
	require.NoError(t, z.AddRecord(dnsmsg.Record{Domain: "ext.example.com.", Type: dnsmsg.TypeCNAME, Host: "outside.other.test.", TTL: 300}))
	require.NoError(t, z.AddRecord(dnsmsg.Record{Domain: "*.example.com.", Type: dnsmsg.TypeA, IP: net.ParseIP("192.0.2.100"), TTL: 300}))
	require.NoError(t, z.AddRecord(dnsmsg.Record{Domain: "sub.deep.example.com.", Type: dnsmsg.TypeA, IP: net.ParseIP("192.0.2.200"), TTL: 300}))
	return z
}

func TestExactMatch(t *testing.T) {
	z := testZone(t)
	res := z.Query("www.example.com.", dnsmsg.TypeA)
	require.Equal(t, dnsmsg.NOERROR, res.RCode)
	require.Len(t, res.Answers, 1)
	require.Equal(t, "192.0.2.1", res.Answers[0].IP.String())
}

func TestInZoneCNAMEChase(t *testing.T) {
	z := testZone(t)
	res := z.Query("alias.example.com.", dnsmsg.TypeA)
	require.Equal(t, dnsmsg.NOERROR, res.RCode)
	require.Len(t, res.Answers, 2)
	require.Equal(t, dnsmsg.TypeCNAME, res.Answers[0].Type)
	require.Equal(t, dnsmsg.TypeA, res.Answers[1].Type)
}

func TestCNAMELeavingZoneIsNotChased(t *testing.T) {
	z := testZone(t)
	res := z.Query("ext.example.com.", dnsmsg.TypeA)
	require.Equal(t, dnsmsg.NOERROR, res.RCode)
	require.Len(t, res.Answers, 1)
	require.Equal(t, dnsmsg.TypeCNAME, res.Answers[0].Type)
	require.Equal(t, "outside.other.test.", res.Answers[0].Host)
}

func TestWildcardSingleLabelGap(t *testing.T) {
	z := testZone(t)
	res := z.Query("anything.example.com.", dnsmsg.TypeA)
	require.Equal(t, dnsmsg.NOERROR, res.RCode)
	require.Len(t, res.Answers, 1)
	require.Equal(t, "anything.example.com.", res.Answers[0].Domain)
	require.Equal(t, "192.0.2.100", res.Answers[0].IP.String())
}

func TestWildcardDoesNotMatchTwoLabelGap(t *testing.T) {
	z := testZone(t)
	res := z.Query("a.b.example.com.", dnsmsg.TypeA)
	require.Equal(t, dnsmsg.NXDOMAIN, res.RCode)
	require.NotEmpty(t, res.Authority)
	require.Equal(t, dnsmsg.TypeSOA, res.Authority[0].Type)
}

func TestNXDOMAINCarriesSOA(t *testing.T) {
	z := testZone(t)
	res := z.Query("ghost.example.com.", dnsmsg.TypeA)
	require.Equal(t, dnsmsg.NXDOMAIN, res.RCode)
	require.Len(t, res.Authority, 1)
	require.Equal(t, dnsmsg.TypeSOA, res.Authority[0].Type)
}

func TestNODATAForWrongType(t *testing.T) {
	z := testZone(t)
	res := z.Query("www.example.com.", dnsmsg.TypeMX)
	require.Equal(t, dnsmsg.NOERROR, res.RCode)
	require.Empty(t, res.Answers)
	require.NotEmpty(t, res.Authority)
}

func TestWildcardSynthesizesOverEmptyNonTerminal(t *testing.T) {
	// deep.example.com. has no exact record of its own, only a descendant
	// (sub.deep.example.com.). This spec relaxes RFC 4592's empty
	// non-terminal blocking to the simpler "no exact node" rule, so the
	// zone-wide wildcard still applies here.
	z := testZone(t)
	res := z.Query("deep.example.com.", dnsmsg.TypeA)
	require.Equal(t, dnsmsg.NOERROR, res.RCode)
	require.Len(t, res.Answers, 1)
	require.Equal(t, "deep.example.com.", res.Answers[0].Domain)
	require.Equal(t, "192.0.2.100", res.Answers[0].IP.String())
}

func TestBestMatchPicksLongestOrigin(t *testing.T) {
	store := NewStore()
	parent := NewZone("example.com.", dnsmsg.Record{Domain: "example.com.", Type: dnsmsg.TypeSOA, Serial: 1})
	child := NewZone("dev.example.com.", dnsmsg.Record{Domain: "dev.example.com.", Type: dnsmsg.TypeSOA, Serial: 1})
	store.Put(parent)
	store.Put(child)

	z, ok := store.BestMatch("www.dev.example.com.")
	require.True(t, ok)
	require.Equal(t, "dev.example.com.", z.Origin)

	z, ok = store.BestMatch("www.example.com.")
	require.True(t, ok)
	require.Equal(t, "example.com.", z.Origin)

	_, ok = store.BestMatch("nowhere.test.")
	require.False(t, ok)
}

func TestAddRecordBumpsSerial(t *testing.T) {
	z := testZone(t)
	before := z.SOA().Serial
	require.NoError(t, z.AddRecord(dnsmsg.Record{Domain: "new.example.com.", Type: dnsmsg.TypeA, IP: net.ParseIP("192.0.2.42"), TTL: 60}))
	require.Equal(t, before+1, z.SOA().Serial)
}

func TestAddRecordRejectsSecondSOA(t *testing.T) {
	z := testZone(t)
	err := z.AddRecord(dnsmsg.Record{Domain: "example.com.", Type: dnsmsg.TypeSOA})
	require.Error(t, err)
}
