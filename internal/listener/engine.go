// Package listener implements the UDP and TCP front ends (C6): bounded
// worker pools, per-IP rate limiting, SO_REUSEPORT, and the dispatch of a
// decoded question to either the authoritative zone store or a fallback
// resolver.
package listener

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/relaydns/core/internal/authority"
	"github.com/relaydns/core/internal/dnsmsg"
	"github.com/relaydns/core/internal/metrics"
	"github.com/relaydns/core/internal/resolver"
)

// Engine answers one decoded question at a time: authoritative zones first,
// falling back to a configured resolver (forwarding or recursive) for
// anything outside a loaded zone's bailiwick. A nil Resolver means this
// instance is authoritative-only and answers REFUSED for out-of-zone names.
type Engine struct {
	Zones    *authority.Store
	Resolver resolver.Resolver
	Logger   *slog.Logger
	Metrics  *metrics.Recorder // nil disables recording entirely
}

// NewEngine builds a dispatch engine. logger may be nil (defaults to
// slog.Default()). rec may be nil to disable metrics recording.
func NewEngine(zones *authority.Store, res resolver.Resolver, logger *slog.Logger, rec *metrics.Recorder) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Zones: zones, Resolver: res, Logger: logger, Metrics: rec}
}

// HandleQuery builds the full response packet for req, which must already
// be validated to carry at least one question (callers send FORMERR
// themselves when it doesn't, since that requires no dispatch at all).
// protocol is "udp" or "tcp", recorded on the queries-total counter.
func (e *Engine) HandleQuery(ctx context.Context, req *dnsmsg.Packet, protocol string) *dnsmsg.Packet {
	traceID := uuid.New().String()
	q := req.Questions[0]
	name := strings.ToLower(q.Name)
	if !strings.HasSuffix(name, ".") {
		name += "."
	}

	e.Logger.Debug("query received", "trace_id", traceID, "name", name, "type", q.Type.String(), "protocol", protocol)

	var resp *dnsmsg.Packet
	if zone, ok := e.Zones.BestMatch(name); ok {
		result := zone.Query(name, q.Type)
		resp = dnsmsg.NewResponse(req, result.RCode)
		resp.Header.AuthoritativeAnswer = true
		resp.Answers = result.Answers
		resp.Authorities = result.Authority
		if result.RCode == dnsmsg.NXDOMAIN {
			e.recordNXDOMAIN("authoritative")
		}
	} else if e.Resolver == nil {
		resp = dnsmsg.NewResponse(req, dnsmsg.REFUSED)
	} else {
		res, err := e.Resolver.Resolve(ctx, name, q.Type)
		if err != nil {
			e.Logger.Warn("resolver failed", "trace_id", traceID, "name", name, "type", q.Type.String(), "error", err)
			resp = dnsmsg.NewResponse(req, dnsmsg.SERVFAIL)
			e.recordSERVFAIL("resolver")
		} else {
			resp = dnsmsg.NewResponse(req, res.RCode)
			resp.Header.RecursionAvailable = true
			resp.Answers = res.Answers
			if res.SOA != nil {
				resp.Authorities = []dnsmsg.Record{*res.SOA}
			}
			if res.RCode == dnsmsg.NXDOMAIN {
				e.recordNXDOMAIN("resolver")
			}
			e.recordCacheOutcome(res.Source)
		}
	}

	echoEDNS(req, resp)
	e.recordQuery(q.Type, resp.Header.ResCode, protocol)
	e.Logger.Debug("query answered", "trace_id", traceID, "name", name, "rcode", resp.Header.ResCode.String())
	return resp
}

func (e *Engine) recordQuery(qtype dnsmsg.QueryType, rcode dnsmsg.ResultCode, protocol string) {
	if e.Metrics == nil {
		return
	}
	e.Metrics.QueriesTotal.WithLabelValues(qtype.String(), rcode.String(), protocol).Inc()
}

func (e *Engine) recordNXDOMAIN(source string) {
	if e.Metrics == nil {
		return
	}
	e.Metrics.NXDOMAINResponses.WithLabelValues(source).Inc()
}

func (e *Engine) recordSERVFAIL(source string) {
	if e.Metrics == nil {
		return
	}
	e.Metrics.SERVFAILResponses.WithLabelValues(source).Inc()
}

// recordCacheOutcome reports whether a resolver answer came from cache,
// using the resolver.Result.Source convention ("cache" vs anything else).
func (e *Engine) recordCacheOutcome(source string) {
	if e.Metrics == nil {
		return
	}
	if source == "cache" {
		e.Metrics.CacheOperations.WithLabelValues("l1", "hit").Inc()
	} else {
		e.Metrics.CacheOperations.WithLabelValues("l1", "miss").Inc()
	}
}

// echoEDNS mirrors RFC 6891: a query carrying an OPT pseudo-record in its
// additional section gets one back in the response, advertising the
// smaller of the client's own advertised size and this server's ceiling
// (a client that asks for 1232 must not be handed a 4096 cap it never
// requested and may not be able to reassemble or accept).
func echoEDNS(req, resp *dnsmsg.Packet) {
	for _, a := range req.Additionals {
		if a.Type == dnsmsg.TypeOPT {
			size := a.UDPSize
			if size == 0 || size > dnsmsg.MaxEDNSPacketSize {
				size = dnsmsg.MaxEDNSPacketSize
			}
			resp.Additionals = append(resp.Additionals, dnsmsg.Record{
				Domain:  ".",
				Type:    dnsmsg.TypeOPT,
				UDPSize: size,
			})
			return
		}
	}
}
