// Package resolver implements the two non-authoritative resolution
// strategies (C5): a forwarding resolver that hands queries to configured
// upstreams, and a recursive resolver that walks the delegation chain from
// the root down. Both consult the shared cache (C3) before doing any
// network I/O and store what they learn back into it.
package resolver

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/relaydns/core/internal/dnsmsg"
)

// Result is a resolved answer set for a single question, independent of
// which strategy produced it.
type Result struct {
	Answers []dnsmsg.Record
	SOA     *dnsmsg.Record // set on NXDOMAIN/NODATA
	RCode   dnsmsg.ResultCode
	Source  string // "cache", "upstream", "upstream-inflight", "recursive"
}

// Resolver is implemented by both strategies so the listener layer can be
// configured with either without caring which.
type Resolver interface {
	Resolve(ctx context.Context, name string, qtype dnsmsg.QueryType) (Result, error)
}

// generateTransactionID returns a cryptographically random 16-bit query ID,
// used for every outgoing upstream/iterative query to resist ID-guessing
// spoofing.
func generateTransactionID() uint16 {
	var id uint16
	if err := binary.Read(rand.Reader, binary.BigEndian, &id); err != nil {
		return 0
	}
	return id
}

func buildQuery(name string, qtype dnsmsg.QueryType, recursionDesired bool) *dnsmsg.Packet {
	p := dnsmsg.NewPacket()
	p.Header.ID = generateTransactionID()
	p.Header.RecursionDesired = recursionDesired
	p.Questions = append(p.Questions, dnsmsg.Question{Name: name, Type: qtype, Class: dnsmsg.ClassIN})
	return p
}

func equalDNSNames(a, b string) bool {
	a = trimDot(a)
	b = trimDot(b)
	return foldEqual(a, b)
}

func trimDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}

func foldEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// validateResponse guards against cache/off-path poisoning by checking the
// decoded response's single question matches what was asked and that its
// transaction ID matches, per the forwarding resolver's response-validation
// requirement.
func validateResponse(wantID uint16, wantName string, wantType dnsmsg.QueryType, resp *dnsmsg.Packet) error {
	if resp.Header.ID != wantID {
		return fmt.Errorf("resolver: transaction ID mismatch: expected %d, got %d", wantID, resp.Header.ID)
	}
	if len(resp.Questions) == 0 {
		return fmt.Errorf("resolver: response carries no question section")
	}
	q := resp.Questions[0]
	if !equalDNSNames(q.Name, wantName) {
		return fmt.Errorf("resolver: QNAME mismatch: expected %s, got %s", wantName, q.Name)
	}
	if q.Type != wantType {
		return fmt.Errorf("resolver: QTYPE mismatch: expected %d, got %d", wantType, q.Type)
	}
	return nil
}
