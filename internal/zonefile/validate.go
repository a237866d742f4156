package zonefile

import (
	"fmt"
	"strings"

	"github.com/relaydns/core/internal/dnsmsg"
)

// validate runs the post-parse checks grounded on original_source's
// zone_parser_test.rs: warn on a missing SOA, warn on a missing NS, and warn
// when an in-zone NS record lacks local glue (an A/AAAA for its host) —
// but only when that NS host is itself inside the zone; an NS pointing
// outside the zone needs no local glue at all.
func validate(z *Zone) []Warning {
	var warnings []Warning

	hasSOA := false
	var nsRecords []dnsmsg.Record
	glue := make(map[string]bool)

	for _, r := range z.Records {
		switch r.Type {
		case dnsmsg.TypeSOA:
			if strings.EqualFold(r.Domain, z.Origin) {
				hasSOA = true
			}
		case dnsmsg.TypeNS:
			nsRecords = append(nsRecords, r)
		case dnsmsg.TypeA, dnsmsg.TypeAAAA:
			glue[strings.ToLower(r.Domain)] = true
		}
	}

	if !hasSOA {
		warnings = append(warnings, Warning{Message: fmt.Sprintf("zone %q: missing SOA at apex", z.Origin)})
	}
	if len(nsRecords) == 0 {
		warnings = append(warnings, Warning{Message: fmt.Sprintf("zone %q: missing NS records", z.Origin)})
	}
	for _, ns := range nsRecords {
		host := strings.ToLower(ns.Host)
		if !strings.HasSuffix(host, strings.ToLower(z.Origin)) {
			continue // out-of-bailiwick NS needs no local glue
		}
		if !glue[host] {
			warnings = append(warnings, Warning{Message: fmt.Sprintf("zone %q: NS %q has no local glue A/AAAA", z.Origin, ns.Host)})
		}
	}

	return warnings
}
