package listener

import (
	"context"
	"log/slog"
	"net"
	"runtime"
	"syscall"
	"time"

	"github.com/relaydns/core/internal/dnsmsg"
)

const (
	defaultUDPWorkers   = 20
	defaultUDPQueueSize = 4096
)

type udpTask struct {
	addr net.Addr
	data []byte
	conn net.PacketConn
}

// UDPOption configures a UDPListener at construction.
type UDPOption func(*UDPListener)

func WithUDPWorkers(n int) UDPOption    { return func(l *UDPListener) { l.workers = n } }
func WithUDPQueueSize(n int) UDPOption  { return func(l *UDPListener) { l.queueSize = n } }
func WithUDPRateLimit(rate float64, burst int) UDPOption {
	return func(l *UDPListener) { l.limiter = newRateLimiter(rate, burst) }
}

// UDPListener serves DNS-over-UDP on Addr, dispatching decoded questions to
// Engine through a bounded worker pool; once the queue is full, incoming
// datagrams are answered REFUSED immediately rather than queued, so a burst
// never grows unbounded memory.
type UDPListener struct {
	Addr   string
	Engine *Engine
	Logger *slog.Logger

	workers   int
	queueSize int
	limiter   *rateLimiter

	queue chan udpTask
}

// NewUDPListener builds a UDP listener for addr.
func NewUDPListener(addr string, engine *Engine, logger *slog.Logger, opts ...UDPOption) *UDPListener {
	if logger == nil {
		logger = slog.Default()
	}
	l := &UDPListener{
		Addr:      addr,
		Engine:    engine,
		Logger:    logger,
		workers:   defaultUDPWorkers,
		queueSize: defaultUDPQueueSize,
		limiter:   newRateLimiter(2000, 1000),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ListenAndServe opens one SO_REUSEPORT UDP socket per CPU and runs the
// configured number of workers draining a shared bounded queue, until ctx
// is cancelled.
func (l *UDPListener) ListenAndServe(ctx context.Context) error {
	l.queue = make(chan udpTask, l.queueSize)

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			if err := c.Control(func(fd uintptr) { ctrlErr = setReusePort(fd) }); err != nil {
				return err
			}
			return ctrlErr
		},
	}

	sockets := runtime.NumCPU()
	if runtime.GOOS == "windows" {
		// No SO_REUSEPORT there: a second bind to the same address fails.
		sockets = 1
	}
	conns := make([]net.PacketConn, 0, sockets)
	for i := 0; i < sockets; i++ {
		conn, err := lc.ListenPacket(ctx, "udp", l.Addr)
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return err
		}
		conns = append(conns, conn)
	}

	for _, conn := range conns {
		go l.readLoop(ctx, conn)
	}
	for i := 0; i < l.workers; i++ {
		go l.worker(ctx)
	}
	go l.cleanupLoop(ctx)

	<-ctx.Done()
	for _, c := range conns {
		_ = c.Close()
	}
	return ctx.Err()
}

func (l *UDPListener) readLoop(ctx context.Context, conn net.PacketConn) {
	defer conn.Close()
	for {
		if ctx.Err() != nil {
			return
		}
		buf := make([]byte, dnsmsg.MaxEDNSPacketSize)
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case l.queue <- udpTask{addr: addr, data: data, conn: conn}:
		default:
			// Queue full: answer REFUSED inline instead of blocking the
			// read loop, so one burst can't stall every other client.
			l.sendRefused(conn, addr, data)
		}
	}
}

func (l *UDPListener) sendRefused(conn net.PacketConn, addr net.Addr, data []byte) {
	req, err := dnsmsg.FromBuffer(dnsmsg.LoadGrowable(data))
	if err != nil {
		return
	}
	resp := dnsmsg.NewResponse(req, dnsmsg.REFUSED)
	out, err := dnsmsg.EncodeUDP(resp, dnsmsg.MaxUDPPacketSize)
	if err != nil {
		return
	}
	_, _ = conn.WriteTo(out, addr)
}

func (l *UDPListener) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-l.queue:
			l.handle(ctx, task)
		}
	}
}

func (l *UDPListener) handle(ctx context.Context, task udpTask) {
	if l.Engine.Metrics != nil {
		l.Engine.Metrics.ActiveWorkers.Inc()
		defer l.Engine.Metrics.ActiveWorkers.Dec()
	}

	clientIP, _, _ := net.SplitHostPort(task.addr.String())
	if !l.limiter.Allow(clientIP) {
		return
	}

	req, err := dnsmsg.FromBuffer(dnsmsg.LoadGrowable(task.data))
	if err != nil {
		l.Logger.Debug("udp: failed to parse packet", "from", task.addr, "error", err)
		return
	}
	if len(req.Questions) == 0 {
		resp := dnsmsg.NewResponse(req, dnsmsg.FORMERR)
		l.reply(task, resp)
		return
	}

	resp := l.Engine.HandleQuery(ctx, req, "udp")
	l.reply(task, resp)
}

func (l *UDPListener) reply(task udpTask, resp *dnsmsg.Packet) {
	maxSize := edns0MaxSize(resp)
	out, err := dnsmsg.EncodeUDP(resp, maxSize)
	if err != nil {
		l.Logger.Error("udp: failed to encode response", "error", err)
		return
	}
	if _, err := task.conn.WriteTo(out, task.addr); err != nil {
		l.Logger.Debug("udp: write failed", "to", task.addr, "error", err)
	}
}

// edns0MaxSize reads the UDP payload size advertised by a client's OPT
// pseudo-record (already echoed onto resp.Additionals by the caller, if
// any), defaulting to the classic 512-octet ceiling.
func edns0MaxSize(resp *dnsmsg.Packet) int {
	for _, a := range resp.Additionals {
		if a.Type == dnsmsg.TypeOPT {
			return int(a.UDPSize)
		}
	}
	return dnsmsg.MaxUDPPacketSize
}

func (l *UDPListener) cleanupLoop(ctx context.Context) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.limiter.Cleanup()
		}
	}
}
