package listener

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/relaydns/core/internal/dnsmsg"
)

const (
	defaultTCPMaxConns    = 512
	defaultTCPIdleTimeout = 30 * time.Second
)

// TCPOption configures a TCPListener at construction.
type TCPOption func(*TCPListener)

func WithTCPMaxConns(n int) TCPOption          { return func(l *TCPListener) { l.maxConns = n } }
func WithTCPIdleTimeout(d time.Duration) TCPOption { return func(l *TCPListener) { l.idleTimeout = d } }

// TCPListener serves DNS-over-TCP on Addr: one goroutine per accepted
// connection, bounded by a semaphore so a connection flood can't exhaust
// goroutines, and an idle-read timeout that closes a connection making no
// forward progress.
type TCPListener struct {
	Addr   string
	Engine *Engine
	Logger *slog.Logger

	maxConns    int
	idleTimeout time.Duration
	limiter     *rateLimiter

	sem chan struct{}
}

// WithTCPRateLimit installs a per-IP token bucket shared across a
// connection's whole lifetime of queries (TCP allows many queries per
// connection, so rate limiting happens per message, not just per accept).
func WithTCPRateLimit(rate float64, burst int) TCPOption {
	return func(l *TCPListener) { l.limiter = newRateLimiter(rate, burst) }
}

// NewTCPListener builds a TCP listener for addr.
func NewTCPListener(addr string, engine *Engine, logger *slog.Logger, opts ...TCPOption) *TCPListener {
	if logger == nil {
		logger = slog.Default()
	}
	l := &TCPListener{
		Addr:        addr,
		Engine:      engine,
		Logger:      logger,
		maxConns:    defaultTCPMaxConns,
		idleTimeout: defaultTCPIdleTimeout,
		limiter:     newRateLimiter(2000, 1000),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ListenAndServe accepts connections on Addr until ctx is cancelled.
func (l *TCPListener) ListenAndServe(ctx context.Context) error {
	l.sem = make(chan struct{}, l.maxConns)

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", l.Addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		select {
		case l.sem <- struct{}{}:
			go l.handleConn(ctx, conn)
		default:
			// At capacity: close immediately rather than queue behind an
			// unbounded goroutine backlog.
			_ = conn.Close()
		}
	}
}

func (l *TCPListener) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		_ = conn.Close()
		<-l.sem
	}()

	clientIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	for {
		_ = conn.SetReadDeadline(time.Now().Add(l.idleTimeout))

		var lenBuf [2]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		msgLen := binary.BigEndian.Uint16(lenBuf[:])
		if msgLen == 0 {
			return
		}
		data := make([]byte, msgLen)
		if _, err := io.ReadFull(conn, data); err != nil {
			return
		}

		resp := l.handle(ctx, clientIP, data)
		if resp == nil {
			continue
		}
		framed, err := dnsmsg.EncodeTCP(resp)
		if err != nil {
			l.Logger.Error("tcp: failed to encode response", "error", err)
			return
		}
		if _, err := conn.Write(framed); err != nil {
			return
		}
	}
}

func (l *TCPListener) handle(ctx context.Context, clientIP string, data []byte) *dnsmsg.Packet {
	if !l.limiter.Allow(clientIP) {
		return nil
	}
	req, err := dnsmsg.FromBuffer(dnsmsg.LoadGrowable(data))
	if err != nil {
		l.Logger.Debug("tcp: failed to parse packet", "from", clientIP, "error", err)
		return nil
	}
	if len(req.Questions) == 0 {
		return dnsmsg.NewResponse(req, dnsmsg.FORMERR)
	}
	return l.Engine.HandleQuery(ctx, req, "tcp")
}
