// Package cache implements the shared response cache: a map from
// (domain, record type) to a record-set with per-entry TTL expiry and
// negative-answer caching, sharded to reduce lock contention under
// concurrent resolver/listener load.
package cache

import (
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaydns/core/internal/dnsmsg"
)

const shardCount = 256

// Default TTL caps, applied independently per entry kind (RFC 2308
// guidance for negative caching; positive entries are capped far looser).
const (
	DefaultMaxPositiveTTL = 24 * time.Hour
	DefaultMaxNegativeTTL = 1 * time.Hour
)

// entry is one (domain, type) record-set as stored in a shard.
type entry struct {
	records  []dnsmsg.Record // non-nil and non-empty for a positive entry
	negative bool            // true: this is a cached NODATA/NXDOMAIN marker
	rcode    dnsmsg.ResultCode
	soa      *dnsmsg.Record // authority SOA to carry in a negative response

	cachedAt  time.Time
	expiresAt time.Time
	hits      uint64
}

func (e *entry) expired(now time.Time) bool { return !e.expiresAt.After(now) }

type shard struct {
	mu    sync.RWMutex
	items map[dnsmsg.Key]*entry
}

// Cache is the sharded, thread-safe shared response cache (C3). Reads take
// a shard's RLock; writes take its Lock. Expired entries found during a
// read are left in place (no torn read, no write-on-read); eviction happens
// lazily on the next write to that key or during the periodic sweep.
type Cache struct {
	shards [shardCount]*shard

	maxPositiveTTL time.Duration
	maxNegativeTTL time.Duration

	l2 L2

	stopSweep chan struct{}
	sweepOnce sync.Once

	hits   atomic.Int64
	misses atomic.Int64
}

// L2 is an optional secondary cache layer (see WithL2), satisfied by the
// Redis-backed implementation in this package for multi-instance
// deployments that want to share one resolver cache across processes.
type L2 interface {
	Get(key string) ([]byte, bool)
	Set(key string, data []byte, ttl time.Duration)
}

// Option configures a Cache at construction.
type Option func(*Cache)

// WithMaxPositiveTTL caps how long a positive entry may live regardless of
// the TTL a zone or upstream advertised.
func WithMaxPositiveTTL(d time.Duration) Option {
	return func(c *Cache) { c.maxPositiveTTL = d }
}

// WithMaxNegativeTTL caps negative (NODATA/NXDOMAIN) entries, independent of
// the positive cap, matching RFC 2308.
func WithMaxNegativeTTL(d time.Duration) Option {
	return func(c *Cache) { c.maxNegativeTTL = d }
}

// WithL2 attaches an optional secondary cache (e.g. Redis) consulted on a
// local miss and populated on every local store.
func WithL2(l2 L2) Option {
	return func(c *Cache) { c.l2 = l2 }
}

// New constructs a Cache and starts its background sweep goroutine. Call
// Close to stop the sweep when the server shuts down.
func New(opts ...Option) *Cache {
	c := &Cache{
		maxPositiveTTL: DefaultMaxPositiveTTL,
		maxNegativeTTL: DefaultMaxNegativeTTL,
		stopSweep:      make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[dnsmsg.Key]*entry)}
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.sweepLoop()
	return c
}

// Close stops the background sweep goroutine. Safe to call once.
func (c *Cache) Close() {
	c.sweepOnce.Do(func() { close(c.stopSweep) })
}

func (c *Cache) shardFor(k dnsmsg.Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(k.Domain)))
	_, _ = h.Write([]byte{byte(k.Type >> 8), byte(k.Type)})
	return c.shards[h.Sum32()%shardCount]
}

// Store inserts or refreshes a positive record-set. Records are grouped by
// (domain, type); within a group duplicates (same rendered payload) are
// dropped and the remaining records are kept in the data model's total
// order. The entry's TTL is the minimum TTL across the inserted group,
// capped by maxPositiveTTL.
func (c *Cache) Store(records []dnsmsg.Record) {
	groups := make(map[dnsmsg.Key][]dnsmsg.Record)
	for _, r := range records {
		k := r.Key()
		groups[k] = append(groups[k], r)
	}
	now := time.Now()
	for k, group := range groups {
		minTTL := group[0].TTL
		for _, r := range group[1:] {
			if r.TTL < minTTL {
				minTTL = r.TTL
			}
		}
		ttl := time.Duration(minTTL) * time.Second
		if ttl > c.maxPositiveTTL {
			ttl = c.maxPositiveTTL
		}
		if ttl <= 0 {
			continue
		}

		deduped := dedup(group)
		sort.Slice(deduped, func(i, j int) bool { return deduped[i].Less(deduped[j]) })

		sh := c.shardFor(k)
		sh.mu.Lock()
		sh.items[k] = &entry{
			records:   deduped,
			cachedAt:  now,
			expiresAt: now.Add(ttl),
		}
		sh.mu.Unlock()

		if c.l2 != nil {
			// Best-effort: the in-memory shard is authoritative; L2 failures
			// never block a store.
			c.l2.Set(l2Key(k), encodeL2(deduped), ttl)
		}
	}
}

func dedup(group []dnsmsg.Record) []dnsmsg.Record {
	out := make([]dnsmsg.Record, 0, len(group))
	for _, r := range group {
		dup := false
		for _, existing := range out {
			if r.Equal(existing) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, r)
		}
	}
	return out
}

// StoreNXDOMAIN inserts a negative entry for (domain, qtype): zero members,
// bounded by min(soa.Minimum, soa.TTL) as required for negative caching.
func (c *Cache) StoreNXDOMAIN(domain string, qtype dnsmsg.QueryType, soa dnsmsg.Record, rcode dnsmsg.ResultCode) {
	minimum := soa.Minimum
	if soa.TTL < minimum {
		minimum = soa.TTL
	}
	ttl := time.Duration(minimum) * time.Second
	if ttl > c.maxNegativeTTL {
		ttl = c.maxNegativeTTL
	}
	if ttl <= 0 {
		return
	}
	k := dnsmsg.Key{Domain: strings.ToLower(domain), Type: qtype}
	soaCopy := soa
	now := time.Now()
	sh := c.shardFor(k)
	sh.mu.Lock()
	sh.items[k] = &entry{
		negative:  true,
		rcode:     rcode,
		soa:       &soaCopy,
		cachedAt:  now,
		expiresAt: now.Add(ttl),
	}
	sh.mu.Unlock()
}

// Lookup returns a synthesised response for (domain, qtype) if and only if
// a non-expired entry exists. The returned records have their TTL adjusted
// to remaining seconds (never the original stored value), satisfying the
// "no torn reads, no resurrected expiry" invariant.
func (c *Cache) Lookup(domain string, qtype dnsmsg.QueryType) (answers []dnsmsg.Record, negative bool, rcode dnsmsg.ResultCode, soa *dnsmsg.Record, ok bool) {
	k := dnsmsg.Key{Domain: strings.ToLower(domain), Type: qtype}
	sh := c.shardFor(k)

	sh.mu.RLock()
	e, found := sh.items[k]
	sh.mu.RUnlock()

	if !found {
		if c.l2 != nil {
			if data, hit := c.l2.Get(l2Key(k)); hit {
				if recs, ok2 := decodeL2(data); ok2 {
					c.hits.Add(1)
					return recs, false, dnsmsg.NOERROR, nil, true
				}
			}
		}
		c.misses.Add(1)
		return nil, false, 0, nil, false
	}

	now := time.Now()
	if e.expired(now) {
		c.misses.Add(1)
		return nil, false, 0, nil, false
	}

	atomic.AddUint64(&e.hits, 1)
	c.hits.Add(1)

	if e.negative {
		return nil, true, e.rcode, e.soa, true
	}
	return remainingTTL(e.records, e.cachedAt, now), false, dnsmsg.NOERROR, nil, true
}

// remainingTTL rewrites each record's TTL to its own stored TTL minus the
// entry's age (never the original stored value), per the C3 contract.
// Every record in a group shares cachedAt, so the same elapsed age applies
// uniformly across the set.
func remainingTTL(records []dnsmsg.Record, cachedAt, now time.Time) []dnsmsg.Record {
	elapsed := uint32(now.Sub(cachedAt).Seconds())
	out := make([]dnsmsg.Record, len(records))
	for i, r := range records {
		rem := uint32(0)
		if r.TTL > elapsed {
			rem = r.TTL - elapsed
		}
		out[i] = r.WithTTL(rem)
	}
	return out
}

// Hits and Misses expose cumulative counters for C7's metrics snapshot.
func (c *Cache) Hits() int64   { return c.hits.Load() }
func (c *Cache) Misses() int64 { return c.misses.Load() }

// List returns every non-expired key currently held, for observability/admin.
func (c *Cache) List() []dnsmsg.Key {
	now := time.Now()
	var out []dnsmsg.Key
	for _, sh := range c.shards {
		sh.mu.RLock()
		for k, e := range sh.items {
			if !e.expired(now) {
				out = append(out, k)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Clear drops every entry in every shard.
func (c *Cache) Clear() {
	for _, sh := range c.shards {
		sh.mu.Lock()
		sh.items = make(map[dnsmsg.Key]*entry)
		sh.mu.Unlock()
	}
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()
	for _, sh := range c.shards {
		sh.mu.Lock()
		for k, e := range sh.items {
			if e.expired(now) {
				delete(sh.items, k)
			}
		}
		sh.mu.Unlock()
	}
}
