package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaydns/core/internal/authority"
	"github.com/relaydns/core/internal/cache"
	"github.com/relaydns/core/internal/config"
	"github.com/relaydns/core/internal/listener"
	"github.com/relaydns/core/internal/metrics"
	"github.com/relaydns/core/internal/resolver"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.FromEnv()

	var forwardAddr, zonesDir, listenUDP, listenTCP, resolveMode, redisAddr string
	flag.StringVar(&forwardAddr, "forward-address", "", "comma-separated forwarding upstreams (overrides RELAYDNS_FORWARD_ADDRESS)")
	flag.StringVar(&zonesDir, "zones-dir", cfg.ZonesDir, "directory of *.zone files to load at startup")
	flag.StringVar(&listenUDP, "listen-udp", cfg.ListenUDP, "UDP listen address")
	flag.StringVar(&listenTCP, "listen-tcp", cfg.ListenTCP, "TCP listen address")
	flag.StringVar(&resolveMode, "resolve-mode", string(cfg.ResolveMode), "recursive or forward")
	flag.StringVar(&redisAddr, "redis-addr", cfg.RedisAddr, "optional Redis address for the L2 cache")
	flag.Parse()

	cfg.ZonesDir = zonesDir
	cfg.ListenUDP = listenUDP
	cfg.ListenTCP = listenTCP
	cfg.ResolveMode = config.ResolveMode(resolveMode)
	cfg.RedisAddr = redisAddr
	if forwardAddr != "" {
		cfg.ForwardUpstreams = strings.Split(forwardAddr, ",")
	}

	store := authority.NewStore()
	report, err := authority.LoadDirectory(store, cfg.ZonesDir, logger)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("loading zones from %q: %w", cfg.ZonesDir, err)
		}
		logger.Warn("zones directory does not exist, starting with no authoritative zones", "dir", cfg.ZonesDir)
	} else {
		logger.Info("zones loaded", "count", len(report.Loaded), "failed", len(report.Failed))
		for file, ferr := range report.Failed {
			logger.Warn("zone file failed to load", "file", file, "error", ferr)
		}
	}

	var cacheOpts []cache.Option
	if cfg.RedisAddr != "" {
		l2 := cache.NewRedisL2(cfg.RedisAddr, "", 0)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := l2.Ping(pingCtx); err != nil {
			cancel()
			return fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
		}
		cancel()
		cacheOpts = append(cacheOpts, cache.WithL2(l2))
		logger.Info("redis L2 cache attached", "addr", cfg.RedisAddr)
	}
	respCache := cache.New(cacheOpts...)
	defer respCache.Close()

	var res resolver.Resolver
	switch cfg.ResolveMode {
	case config.ResolveModeForward:
		fr := resolver.NewForwardingResolver(cfg.ForwardUpstreams, respCache, logger,
			resolver.WithUDPTimeout(cfg.UDPTimeout),
			resolver.WithTCPTimeout(cfg.TCPTimeout),
			resolver.WithMaxRetries(cfg.MaxRetries),
		)
		defer fr.Close()
		res = fr
	case config.ResolveModeRecursive:
		res = resolver.NewRecursiveResolver(respCache, logger)
	default:
		return fmt.Errorf("unknown resolve mode %q", cfg.ResolveMode)
	}

	rec := metrics.New(prometheus.DefaultRegisterer)
	engine := listener.NewEngine(store, res, logger, rec)

	udpListener := listener.NewUDPListener(cfg.ListenUDP, engine, logger,
		listener.WithUDPWorkers(cfg.UDPWorkers),
		listener.WithUDPQueueSize(cfg.UDPQueueSize),
		listener.WithUDPRateLimit(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
	)
	tcpListener := listener.NewTCPListener(cfg.ListenTCP, engine, logger,
		listener.WithTCPMaxConns(cfg.TCPMaxConns),
		listener.WithTCPIdleTimeout(cfg.IdleTimeout),
		listener.WithTCPRateLimit(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
	)

	errCh := make(chan error, 2)
	go func() { errCh <- udpListener.ListenAndServe(ctx) }()
	go func() { errCh <- tcpListener.ListenAndServe(ctx) }()

	logger.Info("relaydns started",
		"listen_udp", cfg.ListenUDP,
		"listen_tcp", cfg.ListenTCP,
		"resolve_mode", cfg.ResolveMode,
		"zones_dir", cfg.ZonesDir,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("listener failed: %w", err)
		}
	}

	return nil
}
