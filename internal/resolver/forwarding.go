package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relaydns/core/internal/cache"
	"github.com/relaydns/core/internal/dnsmsg"
)

const (
	maxUpstreams             = 3
	upstreamRecoveryDuration = 1 * time.Hour

	defaultUDPPoolSize = 64
	defaultUDPTimeout  = 2 * time.Second
	defaultTCPTimeout  = 5 * time.Second
	defaultMaxRetries  = 3
)

// ForwardingResolver forwards queries to a small, ordered set of upstream
// servers: UDP first, TCP retry on a truncated UDP reply, per-upstream
// connection pooling, singleflight dedup of concurrent identical queries,
// and cooldown-based failover away from unhealthy upstreams.
type ForwardingResolver struct {
	upstreams  []string
	udpTimeout time.Duration
	tcpTimeout time.Duration
	maxRetries int
	recvSize   int

	cache  *cache.Cache
	logger *slog.Logger

	group singleflight.Group

	healthMu         sync.Mutex
	upstreamFailedAt map[string]time.Time

	poolMu   sync.Mutex
	udpPools map[string]chan *net.UDPConn
	poolSize int
}

// ForwardingOption configures a ForwardingResolver at construction.
type ForwardingOption func(*ForwardingResolver)

func WithUDPTimeout(d time.Duration) ForwardingOption { return func(f *ForwardingResolver) { f.udpTimeout = d } }
func WithTCPTimeout(d time.Duration) ForwardingOption { return func(f *ForwardingResolver) { f.tcpTimeout = d } }
func WithMaxRetries(n int) ForwardingOption           { return func(f *ForwardingResolver) { f.maxRetries = n } }
func WithPoolSize(n int) ForwardingOption             { return func(f *ForwardingResolver) { f.poolSize = n } }

// NewForwardingResolver builds a resolver over upstreams (capped at 3,
// matching the pack's failover-ordering policy), sharing c as its record
// cache.
func NewForwardingResolver(upstreams []string, c *cache.Cache, logger *slog.Logger, opts ...ForwardingOption) *ForwardingResolver {
	if len(upstreams) == 0 {
		upstreams = []string{"8.8.8.8"}
	}
	if len(upstreams) > maxUpstreams {
		upstreams = upstreams[:maxUpstreams]
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &ForwardingResolver{
		upstreams:        upstreams,
		udpTimeout:       defaultUDPTimeout,
		tcpTimeout:       defaultTCPTimeout,
		maxRetries:       defaultMaxRetries,
		recvSize:         dnsmsg.MaxEDNSPacketSize,
		cache:            c,
		logger:           logger,
		upstreamFailedAt: make(map[string]time.Time),
		udpPools:         make(map[string]chan *net.UDPConn),
		poolSize:         defaultUDPPoolSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Close releases all pooled UDP connections.
func (f *ForwardingResolver) Close() error {
	f.poolMu.Lock()
	defer f.poolMu.Unlock()
	for _, ch := range f.udpPools {
		close(ch)
		for c := range ch {
			_ = c.Close()
		}
	}
	f.udpPools = make(map[string]chan *net.UDPConn)
	return nil
}

// Resolve answers name/qtype, consulting the shared cache first and
// coalescing concurrent identical upstream queries via singleflight.
func (f *ForwardingResolver) Resolve(ctx context.Context, name string, qtype dnsmsg.QueryType) (Result, error) {
	if answers, _, rcode, soa, ok := f.cache.Lookup(name, qtype); ok {
		return Result{Answers: answers, SOA: soa, RCode: rcode, Source: "cache"}, nil
	}

	key := fmt.Sprintf("%s|%d", name, qtype)
	v, err, shared := f.group.Do(key, func() (any, error) {
		return f.queryUpstreams(ctx, name, qtype)
	})
	if err != nil {
		return Result{}, err
	}
	res := v.(Result)
	if shared {
		res.Source = "upstream-inflight"
	}
	return res, nil
}

func (f *ForwardingResolver) queryUpstreams(ctx context.Context, name string, qtype dnsmsg.QueryType) (Result, error) {
	req := buildQuery(name, qtype, true)

	var lastErr error
	for j := 0; j < len(f.upstreams); j++ {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		up := f.upstreams[j]
		if !f.canTryUpstream(up) {
			continue
		}

		resp, err := f.queryOne(ctx, up, req)
		if err != nil {
			lastErr = err
			f.markFailed(up)
			f.logger.Warn("forwarding query failed", "upstream", up, "name", name, "error", err)
			continue
		}
		f.markHealthy(up)

		if err := validateResponse(req.Header.ID, name, qtype, resp); err != nil {
			return Result{}, err
		}

		f.storeResponse(resp)
		return resultFromPacket(resp, "upstream"), nil
	}

	if lastErr != nil {
		return Result{}, lastErr
	}
	return Result{}, errors.New("resolver: no upstream servers available")
}

func resultFromPacket(p *dnsmsg.Packet, source string) Result {
	res := Result{Answers: p.Answers, RCode: p.Header.ResCode, Source: source}
	if p.Header.ResCode != dnsmsg.NOERROR || len(p.Answers) == 0 {
		for _, a := range p.Authorities {
			if a.Type == dnsmsg.TypeSOA {
				cp := a
				res.SOA = &cp
				break
			}
		}
	}
	return res
}

func (f *ForwardingResolver) storeResponse(p *dnsmsg.Packet) {
	switch {
	case p.Header.ResCode == dnsmsg.NXDOMAIN:
		for _, a := range p.Authorities {
			if a.Type == dnsmsg.TypeSOA && len(p.Questions) > 0 {
				f.cache.StoreNXDOMAIN(p.Questions[0].Name, p.Questions[0].Type, a, dnsmsg.NXDOMAIN)
				return
			}
		}
	case len(p.Answers) == 0 && len(p.Questions) > 0:
		for _, a := range p.Authorities {
			if a.Type == dnsmsg.TypeSOA {
				f.cache.StoreNXDOMAIN(p.Questions[0].Name, p.Questions[0].Type, a, dnsmsg.NOERROR)
				return
			}
		}
	default:
		if len(p.Answers) > 0 {
			f.cache.Store(p.Answers)
		}
	}
}

func (f *ForwardingResolver) canTryUpstream(up string) bool {
	f.healthMu.Lock()
	defer f.healthMu.Unlock()
	failedAt, ok := f.upstreamFailedAt[up]
	if !ok {
		return true
	}
	if time.Since(failedAt) >= upstreamRecoveryDuration {
		delete(f.upstreamFailedAt, up)
		return true
	}
	return false
}

func (f *ForwardingResolver) markFailed(up string) {
	f.healthMu.Lock()
	defer f.healthMu.Unlock()
	if _, ok := f.upstreamFailedAt[up]; !ok {
		f.upstreamFailedAt[up] = time.Now()
	}
}

func (f *ForwardingResolver) markHealthy(up string) {
	f.healthMu.Lock()
	defer f.healthMu.Unlock()
	delete(f.upstreamFailedAt, up)
}

func (f *ForwardingResolver) ensurePool(up string) (chan *net.UDPConn, error) {
	f.poolMu.Lock()
	if ch, ok := f.udpPools[up]; ok {
		f.poolMu.Unlock()
		return ch, nil
	}
	ch := make(chan *net.UDPConn, f.poolSize)
	f.udpPools[up] = ch
	f.poolMu.Unlock()

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(up, "53"))
	if err != nil {
		return nil, err
	}
	for i := 0; i < f.poolSize; i++ {
		c, dialErr := net.DialUDP("udp", nil, addr)
		if dialErr != nil {
			break // partial pool is acceptable
		}
		ch <- c
	}
	return ch, nil
}

// retryBaseDelay is the unit of exponential backoff between retries of a
// timed-out upstream query: attempt 0 waits none, attempt 1 waits
// retryBaseDelay, attempt 2 waits 2*retryBaseDelay, and so on.
const retryBaseDelay = 50 * time.Millisecond

func (f *ForwardingResolver) queryOne(ctx context.Context, up string, req *dnsmsg.Packet) (*dnsmsg.Packet, error) {
	var lastErr error
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		resp, err := f.queryOneAttempt(ctx, up, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			return nil, err
		}
	}
	return nil, lastErr
}

// sleepBackoff waits retryBaseDelay << (attempt-1), doubling each attempt, or
// returns ctx.Err() early if ctx is cancelled first.
func sleepBackoff(ctx context.Context, attempt int) error {
	delay := retryBaseDelay << (attempt - 1)
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *ForwardingResolver) queryOneAttempt(ctx context.Context, up string, req *dnsmsg.Packet) (*dnsmsg.Packet, error) {
	pool, err := f.ensurePool(up)
	if err != nil {
		return nil, err
	}

	reqBytes, err := dnsmsg.EncodeUDP(req, dnsmsg.MaxEDNSPacketSize)
	if err != nil {
		return nil, err
	}

	conn, fromPool, err := f.acquireConnection(ctx, pool, up)
	if err != nil {
		return nil, err
	}
	connOK := true
	defer func() { f.releaseConnection(conn, pool, fromPool, connOK) }()

	deadline := time.Now().Add(f.udpTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(reqBytes); err != nil {
		connOK = false
		return nil, err
	}

	buf := make([]byte, f.recvSize)
	n, err := conn.Read(buf)
	if err != nil {
		connOK = false
		return nil, err
	}

	resp, err := dnsmsg.FromBuffer(dnsmsg.LoadGrowable(buf[:n]))
	if err != nil {
		return nil, err
	}
	if resp.Header.Truncated {
		return f.queryOverTCP(ctx, up, req)
	}
	return resp, nil
}

func (f *ForwardingResolver) acquireConnection(ctx context.Context, pool chan *net.UDPConn, up string) (*net.UDPConn, bool, error) {
	select {
	case c := <-pool:
		return c, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	default:
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(up, "53"))
		if err != nil {
			return nil, false, err
		}
		c, err := net.DialUDP("udp", nil, addr)
		if err != nil {
			return nil, false, err
		}
		return c, false, nil
	}
}

func (f *ForwardingResolver) releaseConnection(c *net.UDPConn, pool chan *net.UDPConn, fromPool, connOK bool) {
	if !connOK || !fromPool {
		_ = c.Close()
		return
	}
	select {
	case pool <- c:
	default:
		_ = c.Close()
	}
}

func (f *ForwardingResolver) queryOverTCP(ctx context.Context, up string, req *dnsmsg.Packet) (*dnsmsg.Packet, error) {
	ctx, cancel := context.WithTimeout(ctx, f.tcpTimeout)
	defer cancel()

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(up, "53"))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	framed, err := dnsmsg.EncodeTCP(req)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(framed); err != nil {
		return nil, err
	}

	var lenPrefix [2]byte
	if _, err := readFull(conn, lenPrefix[:]); err != nil {
		return nil, err
	}
	respLen := int(lenPrefix[0])<<8 | int(lenPrefix[1])
	if respLen <= 0 || respLen > 65535 {
		return nil, fmt.Errorf("resolver: invalid TCP response length %d", respLen)
	}
	body := make([]byte, respLen)
	if _, err := readFull(conn, body); err != nil {
		return nil, err
	}
	return dnsmsg.FromBuffer(dnsmsg.LoadGrowable(body))
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
