package listener

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/relaydns/core/internal/authority"
	"github.com/relaydns/core/internal/dnsmsg"
	"github.com/relaydns/core/internal/metrics"
	"github.com/relaydns/core/internal/resolver"
)

type failingResolver struct{}

func (failingResolver) Resolve(ctx context.Context, name string, qtype dnsmsg.QueryType) (resolver.Result, error) {
	return resolver.Result{}, errors.New("upstream unreachable")
}

func zoneForTest(t *testing.T) *authority.Store {
	t.Helper()
	store := authority.NewStore()
	soa := dnsmsg.Record{Domain: "example.com.", Type: dnsmsg.TypeSOA, Serial: 1, Minimum: 300}
	z := authority.NewZone("example.com.", soa)
	require.NoError(t, z.AddRecord(dnsmsg.Record{Domain: "www.example.com.", Type: dnsmsg.TypeA, IP: net.ParseIP("192.0.2.1"), TTL: 300}))
	store.Put(z)
	return store
}

func TestEngineAnswersFromAuthoritativeZone(t *testing.T) {
	store := zoneForTest(t)
	e := NewEngine(store, nil, nil, nil)

	req := dnsmsg.NewPacket()
	req.Header.ID = 7
	req.Questions = append(req.Questions, dnsmsg.Question{Name: "www.example.com.", Type: dnsmsg.TypeA, Class: dnsmsg.ClassIN})

	resp := e.HandleQuery(context.Background(), req, "udp")
	require.True(t, resp.Header.AuthoritativeAnswer)
	require.Equal(t, dnsmsg.NOERROR, resp.Header.ResCode)
	require.Len(t, resp.Answers, 1)
}

func TestEngineRefusesOutOfZoneWithoutResolver(t *testing.T) {
	store := zoneForTest(t)
	e := NewEngine(store, nil, nil, nil)

	req := dnsmsg.NewPacket()
	req.Questions = append(req.Questions, dnsmsg.Question{Name: "outside.test.", Type: dnsmsg.TypeA, Class: dnsmsg.ClassIN})

	resp := e.HandleQuery(context.Background(), req, "udp")
	require.Equal(t, dnsmsg.REFUSED, resp.Header.ResCode)
}

func TestEngineServfailsWhenResolverErrors(t *testing.T) {
	store := authority.NewStore()
	e := NewEngine(store, failingResolver{}, nil, nil)

	req := dnsmsg.NewPacket()
	req.Questions = append(req.Questions, dnsmsg.Question{Name: "outside.test.", Type: dnsmsg.TypeA, Class: dnsmsg.ClassIN})

	resp := e.HandleQuery(context.Background(), req, "udp")
	require.Equal(t, dnsmsg.SERVFAIL, resp.Header.ResCode)
}

func TestEchoEDNSCapsAtClientAdvertisedSize(t *testing.T) {
	store := zoneForTest(t)
	e := NewEngine(store, nil, nil, nil)

	req := dnsmsg.NewPacket()
	req.Questions = append(req.Questions, dnsmsg.Question{Name: "www.example.com.", Type: dnsmsg.TypeA, Class: dnsmsg.ClassIN})
	req.Additionals = append(req.Additionals, dnsmsg.Record{Domain: ".", Type: dnsmsg.TypeOPT, UDPSize: 1232})

	resp := e.HandleQuery(context.Background(), req, "udp")
	require.Len(t, resp.Additionals, 1)
	require.Equal(t, dnsmsg.TypeOPT, resp.Additionals[0].Type)
	require.Equal(t, uint16(1232), resp.Additionals[0].UDPSize)
}

func TestEchoEDNSCapsAtServerCeilingWhenClientAsksMore(t *testing.T) {
	store := zoneForTest(t)
	e := NewEngine(store, nil, nil, nil)

	req := dnsmsg.NewPacket()
	req.Questions = append(req.Questions, dnsmsg.Question{Name: "www.example.com.", Type: dnsmsg.TypeA, Class: dnsmsg.ClassIN})
	req.Additionals = append(req.Additionals, dnsmsg.Record{Domain: ".", Type: dnsmsg.TypeOPT, UDPSize: 8192})

	resp := e.HandleQuery(context.Background(), req, "udp")
	require.Len(t, resp.Additionals, 1)
	require.Equal(t, uint16(dnsmsg.MaxEDNSPacketSize), resp.Additionals[0].UDPSize)
}

func TestEngineRecordsQueriesTotalAndNXDOMAIN(t *testing.T) {
	store := zoneForTest(t)
	rec := metrics.New(prometheus.NewRegistry())
	e := NewEngine(store, nil, nil, rec)

	req := dnsmsg.NewPacket()
	req.Questions = append(req.Questions, dnsmsg.Question{Name: "nope.example.com.", Type: dnsmsg.TypeA, Class: dnsmsg.ClassIN})
	resp := e.HandleQuery(context.Background(), req, "udp")
	require.Equal(t, dnsmsg.NXDOMAIN, resp.Header.ResCode)

	snap := rec.Snapshot()
	require.Equal(t, float64(1), snap.QueriesReceived)
	require.Equal(t, float64(1), snap.NXDOMAINResponses)
}
