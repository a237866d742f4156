package authority

import (
	"strings"

	"github.com/relaydns/core/internal/dnsmsg"
)

// Result is the outcome of an authoritative lookup against a single zone.
type Result struct {
	Answers    []dnsmsg.Record // direct answers, possibly preceded by a CNAME chain
	Authority  []dnsmsg.Record // SOA on NXDOMAIN/NODATA, NS on referral (unused: no delegation support)
	RCode      dnsmsg.ResultCode
	Authoritative bool
}

// Query resolves name/qtype against z following the exact-match,
// in-zone-CNAME-chase, wildcard, NXDOMAIN-with-SOA order. It never crosses
// zone boundaries: a CNAME target outside the zone is returned unchased,
// and the caller (the resolver) is responsible for continuing the chase.
func (z *Zone) Query(name string, qtype dnsmsg.QueryType) Result {
	name = strings.ToLower(name)
	if !strings.HasSuffix(name, ".") {
		name += "."
	}

	records := z.snapshotRecords()
	soa := z.SOA()

	answers, rcode := queryRecords(records, z.Origin, name, qtype, 0)
	res := Result{Answers: answers, RCode: rcode, Authoritative: true}
	if rcode != dnsmsg.NOERROR || len(answers) == 0 {
		soa.TTL = soa.Minimum
		res.Authority = []dnsmsg.Record{soa}
	}
	return res
}

const maxInZoneChase = 8

// queryRecords implements one resolution pass, chasing CNAMEs that stay
// inside the zone up to maxInZoneChase hops; a CNAME whose target falls
// outside the zone is included as the last answer and left unchased.
func queryRecords(records []dnsmsg.Record, origin, name string, qtype dnsmsg.QueryType, depth int) ([]dnsmsg.Record, dnsmsg.ResultCode) {
	if depth > maxInZoneChase {
		return nil, dnsmsg.SERVFAIL
	}

	exact, anyExact := lookupExact(records, name)
	if anyExact {
		if qtype != dnsmsg.TypeCNAME {
			if direct := filterType(exact, qtype); len(direct) > 0 {
				return direct, dnsmsg.NOERROR
			}
			if cname := filterType(exact, dnsmsg.TypeCNAME); len(cname) > 0 {
				target := cname[0]
				if !strings.HasSuffix(strings.ToLower(target.Host), origin) {
					// CNAME leaves the zone: stop the in-zone chase here.
					return []dnsmsg.Record{target}, dnsmsg.NOERROR
				}
				rest, rcode := queryRecords(records, origin, target.Host, qtype, depth+1)
				return append([]dnsmsg.Record{target}, rest...), rcode
			}
			// Name exists but has no record of this type: NODATA, not NXDOMAIN.
			return nil, dnsmsg.NOERROR
		}
		return filterType(exact, dnsmsg.TypeCNAME), dnsmsg.NOERROR
	}

	if wc, ok := lookupWildcard(records, origin, name); ok {
		synthesized := make([]dnsmsg.Record, 0, len(wc))
		for _, r := range wc {
			r.Domain = name
			synthesized = append(synthesized, r)
		}
		if direct := filterType(synthesized, qtype); len(direct) > 0 {
			return direct, dnsmsg.NOERROR
		}
		return nil, dnsmsg.NOERROR
	}

	return nil, dnsmsg.NXDOMAIN
}

func lookupExact(records []dnsmsg.Record, name string) ([]dnsmsg.Record, bool) {
	var out []dnsmsg.Record
	for _, r := range records {
		if strings.EqualFold(r.Domain, name) {
			out = append(out, r)
		}
	}
	return out, len(out) > 0
}

func filterType(records []dnsmsg.Record, qtype dnsmsg.QueryType) []dnsmsg.Record {
	var out []dnsmsg.Record
	for _, r := range records {
		if r.Type == qtype {
			out = append(out, r)
		}
	}
	return out
}

// lookupWildcard implements the strict single-label-gap rule: the only
// wildcard that can match name is "*." followed by name minus its first
// label, so "*.example.com." matches "foo.example.com." but not
// "a.b.example.com." (that name could only match "*.b.example.com.").
// The wildcard's parent must lie inside the zone. The caller only gets
// here once lookupExact has found no node for name.
func lookupWildcard(records []dnsmsg.Record, origin, name string) ([]dnsmsg.Record, bool) {
	dot := strings.IndexByte(name, '.')
	if dot < 0 || dot == len(name)-1 {
		return nil, false
	}
	parent := name[dot+1:]
	if !isOriginSuffix(parent, origin) {
		return nil, false
	}

	wildcardOwner := "*." + parent
	var out []dnsmsg.Record
	for _, r := range records {
		if strings.EqualFold(r.Domain, wildcardOwner) {
			out = append(out, r)
		}
	}
	return out, len(out) > 0
}

func trimEmpty(labels []string) []string {
	out := labels[:0]
	for _, l := range labels {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
