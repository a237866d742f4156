// Package authority implements the authoritative zone store and query
// engine (C4): zone storage, exact/wildcard lookup, SOA-bearing NXDOMAIN
// synthesis, and loading zones from master-file directories.
package authority

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/relaydns/core/internal/dnsmsg"
)

// Zone holds one authoritative zone: its origin, SOA parameters, and the
// record set whose domain is the apex or a name under the origin. A zone
// is guarded by its own RW lock so record mutations (add/remove, which bump
// the serial) don't require locking the whole store.
type Zone struct {
	Origin string

	mu      sync.RWMutex
	soa     dnsmsg.Record
	records []dnsmsg.Record
}

// NewZone constructs an empty zone carrying only its SOA.
func NewZone(origin string, soa dnsmsg.Record) *Zone {
	origin = normalizeOrigin(origin)
	soa.Domain = origin
	soa.Type = dnsmsg.TypeSOA
	return &Zone{Origin: origin, soa: soa}
}

func normalizeOrigin(o string) string {
	o = strings.ToLower(o)
	if !strings.HasSuffix(o, ".") {
		o += "."
	}
	return o
}

// SOA returns a copy of the zone's current SOA record.
func (z *Zone) SOA() dnsmsg.Record {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.soa
}

// AllRecords returns a snapshot of every record in the zone, SOA included.
func (z *Zone) AllRecords() []dnsmsg.Record {
	z.mu.RLock()
	defer z.mu.RUnlock()
	out := make([]dnsmsg.Record, 0, len(z.records)+1)
	out = append(out, z.soa)
	out = append(out, z.records...)
	return out
}

// AddRecord inserts a non-SOA record under the zone and bumps the serial.
// Adding a second SOA is rejected: invariant 1 requires exactly one.
func (z *Zone) AddRecord(r dnsmsg.Record) error {
	if r.Type == dnsmsg.TypeSOA {
		return fmt.Errorf("authority: zone %q already has a SOA, reject extra SOA for %q", z.Origin, r.Domain)
	}
	r.Domain = strings.ToLower(r.Domain)
	z.mu.Lock()
	defer z.mu.Unlock()
	z.records = append(z.records, r)
	z.bumpSerialLocked()
	return nil
}

// RemoveRecord deletes every record matching (domain, type, payload) equal
// to r and bumps the serial if anything was removed.
func (z *Zone) RemoveRecord(r dnsmsg.Record) {
	z.mu.Lock()
	defer z.mu.Unlock()
	kept := z.records[:0]
	removed := false
	for _, existing := range z.records {
		if existing.Equal(r) {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	z.records = kept
	if removed {
		z.bumpSerialLocked()
	}
}

func (z *Zone) bumpSerialLocked() {
	z.soa.Serial++
}

// snapshotRecords returns a copy of the non-SOA records, taken under the
// zone's read lock.
func (z *Zone) snapshotRecords() []dnsmsg.Record {
	z.mu.RLock()
	defer z.mu.RUnlock()
	out := make([]dnsmsg.Record, len(z.records))
	copy(out, z.records)
	return out
}

// Store is the origin -> Zone map (C4's zone store), guarded by an RW lock
// since reads vastly dominate writes.
type Store struct {
	mu    sync.RWMutex
	zones map[string]*Zone

	serials atomic.Int64 // not updated anywhere; each zone's serial lives in its own SOA
}

// NewStore returns an empty zone store.
func NewStore() *Store {
	return &Store{zones: make(map[string]*Zone)}
}

// Put registers or replaces a zone by its origin.
func (s *Store) Put(z *Zone) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zones[z.Origin] = z
}

// Delete removes a zone by origin.
func (s *Store) Delete(origin string) {
	origin = normalizeOrigin(origin)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.zones, origin)
}

// Get returns the zone registered under origin, if any.
func (s *Store) Get(origin string) (*Zone, bool) {
	origin = normalizeOrigin(origin)
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, ok := s.zones[origin]
	return z, ok
}

// List returns every registered zone's origin.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.zones))
	for o := range s.zones {
		out = append(out, o)
	}
	return out
}

// BestMatch finds the zone whose origin is the longest suffix of qname.
// Longest match wins so a delegated subzone (if ever loaded separately)
// takes precedence over its parent.
func (s *Store) BestMatch(qname string) (*Zone, bool) {
	qname = strings.ToLower(qname)
	if !strings.HasSuffix(qname, ".") {
		qname += "."
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Zone
	bestLen := -1
	for origin, z := range s.zones {
		if qname == origin || strings.HasSuffix(qname, "."+origin) || strings.HasSuffix(qname, origin) {
			if !isOriginSuffix(qname, origin) {
				continue
			}
			if len(origin) > bestLen {
				best = z
				bestLen = len(origin)
			}
		}
	}
	return best, best != nil
}

// isOriginSuffix is the precise suffix test: qname equals origin, or
// origin is a proper dot-aligned suffix of qname.
func isOriginSuffix(qname, origin string) bool {
	if qname == origin {
		return true
	}
	if !strings.HasSuffix(qname, origin) {
		return false
	}
	// origin must start on a label boundary in qname.
	prefixLen := len(qname) - len(origin)
	return prefixLen > 0 && qname[prefixLen-1] == '.'
}
