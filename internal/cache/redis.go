package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaydns/core/internal/dnsmsg"
)

// RedisL2 is an optional secondary cache layer backed by go-redis/v9,
// grounded on the teacher's RedisCache (internal/dns/server/redis.go): a
// thin key/value/TTL wrapper plus an invalidation pub/sub channel, used here
// to let several server instances share one resolver cache. A single-process
// deployment runs with a nil L2 and pays no cost for it.
type RedisL2 struct {
	client *redis.Client
}

// InvalidationChannel is the pub/sub topic used to announce out-of-band
// cache invalidation (e.g. an admin record change) to every instance
// sharing this Redis L2.
const InvalidationChannel = "dnscore:invalidation"

// NewRedisL2 dials (lazily, go-redis style) a Redis instance for use as an
// L2 cache layer.
func NewRedisL2(addr, password string, db int) *RedisL2 {
	return &RedisL2{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Ping verifies connectivity; callers use this at startup to fail fast on a
// misconfigured Redis address rather than discovering it on the first miss.
func (r *RedisL2) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisL2) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	val, err := r.client.Get(ctx, "dnscore:"+key).Bytes()
	if err != nil {
		return nil, false
	}
	return val, true
}

func (r *RedisL2) Set(key string, data []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	r.client.Set(ctx, "dnscore:"+key, data, ttl)
}

// Invalidate publishes an invalidation event so every instance sharing this
// Redis L2 drops its local copy (local copies still expire lazily via TTL
// even if the publish is lost; this is a latency optimisation, not a
// consistency guarantee).
func (r *RedisL2) Invalidate(ctx context.Context, domain string, qtype dnsmsg.QueryType) error {
	return r.client.Publish(ctx, InvalidationChannel, fmt.Sprintf("%s:%d", domain, qtype)).Err()
}

// Subscribe returns a channel of invalidation messages for this process to
// act on (typically: clear the matching local shard entry).
func (r *RedisL2) Subscribe(ctx context.Context) <-chan *redis.Message {
	return r.client.Subscribe(ctx, InvalidationChannel).Channel()
}

func l2Key(k dnsmsg.Key) string {
	return fmt.Sprintf("%s|%d", k.Domain, k.Type)
}

// encodeL2/decodeL2 serialise a record-set for the L2 layer using the same
// wire codec the listeners use, so the payload is just a sequence of
// standard resource records prefixed by a count.
func encodeL2(records []dnsmsg.Record) []byte {
	buf := dnsmsg.NewGrowableBuffer(0)
	_ = buf.Writeu16(uint16(len(records)))
	for _, r := range records {
		_, _ = dnsmsg.WriteRecord(buf, r)
	}
	return append([]byte(nil), buf.Bytes()...)
}

func decodeL2(data []byte) ([]dnsmsg.Record, bool) {
	buf := dnsmsg.LoadGrowable(data)
	count, err := buf.Readu16()
	if err != nil {
		return nil, false
	}
	out := make([]dnsmsg.Record, 0, count)
	for i := 0; i < int(count); i++ {
		r, err := dnsmsg.ReadRecord(buf)
		if err != nil {
			return nil, false
		}
		out = append(out, r)
	}
	return out, true
}
