// Package config loads the process-wide, immutable-after-init settings
// the outer program needs to assemble a core instance: listen addresses,
// the zones directory, the resolve strategy and its parameters, worker
// counts, and timeouts. Every value comes from an environment variable,
// parsed with a documented default on absence or malformed input; a bad
// config value never panics the process.
package config

import (
	"os"
	"strconv"
	"time"
)

// ResolveMode selects how a query outside every loaded zone's bailiwick
// gets answered.
type ResolveMode string

const (
	ResolveModeForward   ResolveMode = "forward"
	ResolveModeRecursive ResolveMode = "recursive"
)

// Config is the full set of knobs read once at startup and then treated
// as read-only for the rest of the process's life.
type Config struct {
	ListenUDP string
	ListenTCP string

	ZonesDir string

	ResolveMode      ResolveMode
	ForwardUpstreams []string // used when ResolveMode == forward

	RedisAddr string // empty disables the L2 cache

	UDPWorkers   int
	UDPQueueSize int
	TCPMaxConns  int

	UDPTimeout  time.Duration
	TCPTimeout  time.Duration
	IdleTimeout time.Duration

	MaxRetries int

	RateLimitPerSecond float64
	RateLimitBurst     int
}

// FromEnv builds a Config from the process environment, falling back to
// the documented default for any variable that's absent or fails to
// parse. It never returns an error: a misconfigured deployment still
// starts, serving from defaults, and logs are the place to notice that.
func FromEnv() Config {
	return Config{
		ListenUDP: getEnvString("RELAYDNS_LISTEN_UDP", ":53"),
		ListenTCP: getEnvString("RELAYDNS_LISTEN_TCP", ":53"),

		ZonesDir: getEnvString("RELAYDNS_ZONES_DIR", "./zones"),

		ResolveMode:      ResolveMode(getEnvString("RELAYDNS_RESOLVE_MODE", string(ResolveModeRecursive))),
		ForwardUpstreams: getEnvStringSlice("RELAYDNS_FORWARD_ADDRESS", nil),

		RedisAddr: getEnvString("RELAYDNS_REDIS_ADDR", ""),

		UDPWorkers:   getEnvInt("RELAYDNS_UDP_WORKERS", 20),
		UDPQueueSize: getEnvInt("RELAYDNS_UDP_QUEUE_SIZE", 4096),
		TCPMaxConns:  getEnvInt("RELAYDNS_TCP_MAX_CONNS", 512),

		UDPTimeout:  getEnvDuration("RELAYDNS_UDP_TIMEOUT", 2*time.Second),
		TCPTimeout:  getEnvDuration("RELAYDNS_TCP_TIMEOUT", 5*time.Second),
		IdleTimeout: getEnvDuration("RELAYDNS_IDLE_TIMEOUT", 30*time.Second),

		MaxRetries: getEnvInt("RELAYDNS_MAX_RETRIES", 2),

		RateLimitPerSecond: getEnvFloat("RELAYDNS_RATE_LIMIT_PER_SECOND", 2000),
		RateLimitBurst:     getEnvInt("RELAYDNS_RATE_LIMIT_BURST", 1000),
	}
}

func getEnvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func getEnvInt(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}
