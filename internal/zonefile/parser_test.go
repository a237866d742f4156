package zonefile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaydns/core/internal/dnsmsg"
)

const sampleZone = `
$ORIGIN example.com.
$TTL 1h
@       IN SOA  ns1.example.com. admin.example.com. ( 2024010100 5m 1m 1w 5m )
        IN NS   ns1.example.com.
ns1     IN A    192.0.2.53
www     IN A    192.0.2.1
alias   IN CNAME www
*       IN A    192.0.2.100
`

func TestParseSampleZone(t *testing.T) {
	z, warnings, err := Parse(strings.NewReader(sampleZone), "")
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.Equal(t, "example.com.", z.Origin)

	var soa, www *dnsmsg.Record
	for i := range z.Records {
		switch {
		case z.Records[i].Type == dnsmsg.TypeSOA:
			soa = &z.Records[i]
		case z.Records[i].Domain == "www.example.com." && z.Records[i].Type == dnsmsg.TypeA:
			www = &z.Records[i]
		}
	}
	require.NotNil(t, soa)
	require.Equal(t, uint32(300), soa.Minimum) // 5m
	require.Equal(t, uint32(604800), soa.Expire) // 1w
	require.NotNil(t, www)
	require.Equal(t, uint32(3600), www.TTL) // inherited $TTL
}

func TestParseTTLUnits(t *testing.T) {
	cases := map[string]uint32{
		"30":  30,
		"5m":  300,
		"1h":  3600,
		"1d":  86400,
		"1w":  604800,
		"2H":  7200,
	}
	for in, want := range cases {
		got, err := parseTTL(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
}

func TestMissingSOAWarns(t *testing.T) {
	const noSOA = `
$ORIGIN nosoa.test.
www IN A 192.0.2.1
`
	_, warnings, err := Parse(strings.NewReader(noSOA), "")
	require.NoError(t, err)
	require.NotEmpty(t, warnings)
}

func TestDuplicateRecordRejected(t *testing.T) {
	const dup = `
$ORIGIN dup.test.
www IN A 192.0.2.1
www IN A 192.0.2.1
`
	_, _, err := Parse(strings.NewReader(dup), "")
	require.ErrorIs(t, err, ErrDuplicateRecord)
}

func TestUnclosedParenRejected(t *testing.T) {
	const bad = `
$ORIGIN bad.test.
@ IN SOA ns1.bad.test. admin.bad.test. ( 1 2 3 4
`
	_, _, err := Parse(strings.NewReader(bad), "")
	require.ErrorIs(t, err, ErrUnclosedParen)
}

func TestInvalidIPRejected(t *testing.T) {
	const bad = `
$ORIGIN bad.test.
www IN A not-an-ip
`
	_, _, err := Parse(strings.NewReader(bad), "")
	require.ErrorIs(t, err, ErrInvalidIPAddress)
}
