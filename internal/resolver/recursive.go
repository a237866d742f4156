package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/relaydns/core/internal/cache"
	"github.com/relaydns/core/internal/dnsmsg"
)

// rootHints are the 13 IANA root server addresses (IPv4 only; the pack's
// teacher also carries IPv4-only root hints). Queried in shuffled order so
// load spreads across roots instead of hammering 'a' every time.
var rootHints = []string{
	"198.41.0.4",     // a.root-servers.net
	"170.247.170.2",  // b.root-servers.net
	"192.33.4.12",    // c.root-servers.net
	"199.7.91.13",    // d.root-servers.net
	"192.203.230.10", // e.root-servers.net
	"192.5.5.241",    // f.root-servers.net
	"192.112.36.4",   // g.root-servers.net
	"198.97.190.53",  // h.root-servers.net
	"192.36.148.17",  // i.root-servers.net
	"192.58.128.30",  // j.root-servers.net
	"193.0.14.129",   // k.root-servers.net
	"199.7.83.42",    // l.root-servers.net
	"202.12.27.33",   // m.root-servers.net
}

const (
	maxRecursionDepth = 16
	maxCNAMEChase     = 8
	queryTimeout      = 5 * time.Second
)

// RecursiveResolver walks the delegation chain iteratively from a root
// server, following referrals (NS + glue) until an authoritative answer or
// a definitive NXDOMAIN is reached. It consults the shared cache once per
// name (the queried name and each CNAME target) before walking from the
// root, and stores final answers and NXDOMAIN results; referrals and the
// intermediate responses of a walk are neither looked up nor cached.
type RecursiveResolver struct {
	cache  *cache.Cache
	logger *slog.Logger
}

// NewRecursiveResolver builds a recursive resolver sharing c as its cache.
func NewRecursiveResolver(c *cache.Cache, logger *slog.Logger) *RecursiveResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecursiveResolver{cache: c, logger: logger}
}

// Resolve answers name/qtype by iterative resolution, chasing any CNAME
// found along the way (bounded at maxCNAMEChase).
func (r *RecursiveResolver) Resolve(ctx context.Context, name string, qtype dnsmsg.QueryType) (Result, error) {
	name = strings.ToLower(name)
	var chain []dnsmsg.Record

	for hop := 0; hop < maxCNAMEChase; hop++ {
		if answers, _, rcode, soa, ok := r.cache.Lookup(name, qtype); ok {
			res := Result{Answers: append(chain, answers...), RCode: rcode, SOA: soa, Source: "cache"}
			return res, nil
		}

		res, err := r.resolveIterative(ctx, name, qtype)
		if err != nil {
			return Result{}, err
		}

		cname, target, isCNAME := firstCNAME(res.Answers)
		if !isCNAME || qtype == dnsmsg.TypeCNAME {
			res.Answers = append(chain, res.Answers...)
			res.Source = "recursive"
			return res, nil
		}

		chain = append(chain, cname)
		name = strings.ToLower(target)
	}

	return Result{}, fmt.Errorf("resolver: CNAME chase exceeded %d hops for %s", maxCNAMEChase, name)
}

func firstCNAME(records []dnsmsg.Record) (dnsmsg.Record, string, bool) {
	for _, r := range records {
		if r.Type == dnsmsg.TypeCNAME {
			return r, r.Host, true
		}
	}
	return dnsmsg.Record{}, "", false
}

// resolveIterative performs one full root-to-leaf walk for name/qtype.
func (r *RecursiveResolver) resolveIterative(ctx context.Context, name string, qtype dnsmsg.QueryType) (Result, error) {
	ns := shuffledRoots()[0]
	var lastErr error

	for depth := 0; depth < maxRecursionDepth; depth++ {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		resp, err := r.query(ctx, ns, name, qtype)
		if err != nil {
			lastErr = err
			if next, ok := tryNextRoot(ns); ok {
				ns = next
				continue
			}
			return Result{}, fmt.Errorf("resolver: recursion failed at depth %d: %w", depth, lastErr)
		}

		if len(resp.Answers) > 0 && resp.Header.ResCode == dnsmsg.NOERROR {
			r.cache.Store(resp.Answers)
			return resultFromPacket(resp, "recursive"), nil
		}

		if resp.Header.ResCode == dnsmsg.NXDOMAIN {
			for _, a := range resp.Authorities {
				if a.Type == dnsmsg.TypeSOA {
					r.cache.StoreNXDOMAIN(name, qtype, a, dnsmsg.NXDOMAIN)
				}
			}
			return resultFromPacket(resp, "recursive"), nil
		}

		if nextNS, ok := findNextNS(resp); ok {
			ns = nextNS
			continue
		}

		// No referral and no answer: return whatever was learned (NODATA).
		return resultFromPacket(resp, "recursive"), nil
	}

	return Result{}, fmt.Errorf("resolver: recursion depth exceeded %d for %s", maxRecursionDepth, name)
}

// findNextNS reads the referral out of a response: prefer an authority NS
// whose glue A record is present in the additional section, falling back
// to any A record present at all.
func findNextNS(resp *dnsmsg.Packet) (string, bool) {
	for _, auth := range resp.Authorities {
		if auth.Type != dnsmsg.TypeNS {
			continue
		}
		for _, add := range resp.Additionals {
			if add.Type == dnsmsg.TypeA && strings.EqualFold(add.Domain, auth.Host) {
				return add.IP.String(), true
			}
		}
	}
	for _, add := range resp.Additionals {
		if add.Type == dnsmsg.TypeA {
			return add.IP.String(), true
		}
	}
	return "", false
}

func shuffledRoots() []string {
	shuffled := make([]string, len(rootHints))
	copy(shuffled, rootHints)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled
}

// tryNextRoot advances to another root when the current one fails outright
// (as opposed to returning a usable, if unhelpful, response).
func tryNextRoot(current string) (string, bool) {
	roots := shuffledRoots()
	for i, root := range roots {
		if root == current {
			if i+1 < len(roots) {
				return roots[i+1], true
			}
			return "", false
		}
	}
	return roots[0], true
}

func (r *RecursiveResolver) query(ctx context.Context, ns, name string, qtype dnsmsg.QueryType) (*dnsmsg.Packet, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	req := buildQuery(name, qtype, false) // iterative: RD unset

	reqBytes, err := dnsmsg.EncodeUDP(req, dnsmsg.MaxUDPPacketSize)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "udp", net.JoinHostPort(ns, "53"))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(reqBytes); err != nil {
		return nil, err
	}

	buf := make([]byte, dnsmsg.MaxEDNSPacketSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}

	resp, err := dnsmsg.FromBuffer(dnsmsg.LoadGrowable(buf[:n]))
	if err != nil {
		return nil, err
	}
	if resp.Header.ID != req.Header.ID {
		return nil, fmt.Errorf("resolver: transaction ID mismatch querying %s: expected %d, got %d", ns, req.Header.ID, resp.Header.ID)
	}
	return resp, nil
}
