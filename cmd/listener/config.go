package main

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds listener runtime configuration. Flags default from RELAYTUN_*
// environment variables, matching the sender.
type Config struct {
	Mode string // http | raw

	Namespace string
	Path      string
	KeyName   string
	Key       string

	TargetHost string
	TargetPort int

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	IdleTimeout    time.Duration

	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	ChunkThreshold    int
	HeartbeatInterval time.Duration

	OpsAddr     string
	Debug       bool
	GracePeriod time.Duration

	RequestRate int
	RateBurst   int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

var cfg Config

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDurOr(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBoolOr(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// init registers flags into the global flag set. main() simply parses and uses cfg.
func init() {
	flag.StringVar(&cfg.Mode, "mode", envOr("RELAYTUN_MODE", "http"), "bridging mode: http (framed request/response) or raw (byte passthrough)")
	flag.StringVar(&cfg.Namespace, "namespace", envOr("RELAYTUN_NAMESPACE", ""), "relay broker namespace (must resolve to the broker domain)")
	flag.StringVar(&cfg.Path, "path", envOr("RELAYTUN_PATH", ""), "logical endpoint name on the broker")
	flag.StringVar(&cfg.KeyName, "key-name", envOr("RELAYTUN_KEY_NAME", ""), "shared access key name")
	flag.StringVar(&cfg.Key, "key", envOr("RELAYTUN_KEY", ""), "shared access key")
	flag.StringVar(&cfg.TargetHost, "target-host", envOr("RELAYTUN_TARGET_HOST", "127.0.0.1"), "fixed target service host")
	flag.IntVar(&cfg.TargetPort, "target-port", envIntOr("RELAYTUN_TARGET_PORT", 443), "fixed target service port")
	flag.DurationVar(&cfg.ConnectTimeout, "connect-timeout", envDurOr("RELAYTUN_CONNECT_TIMEOUT", 15*time.Second), "relay connection open timeout")
	flag.DurationVar(&cfg.WriteTimeout, "write-timeout", envDurOr("RELAYTUN_WRITE_TIMEOUT", 10*time.Second), "relay message send timeout")
	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", envDurOr("RELAYTUN_REQUEST_TIMEOUT", 30*time.Second), "target response time limit in http mode")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", envDurOr("RELAYTUN_IDLE_TIMEOUT", 30*time.Second), "per-session inactivity limit")
	flag.IntVar(&cfg.RetryMaxAttempts, "retry-max-attempts", envIntOr("RELAYTUN_RETRY_MAX_ATTEMPTS", 10), "startup relay connection attempts before giving up")
	flag.DurationVar(&cfg.RetryInitialDelay, "retry-initial-delay", envDurOr("RELAYTUN_RETRY_INITIAL_DELAY", 200*time.Millisecond), "first reconnect delay")
	flag.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", envDurOr("RELAYTUN_RETRY_MAX_DELAY", 5*time.Second), "reconnect delay ceiling")
	flag.IntVar(&cfg.ChunkThreshold, "chunk-threshold", envIntOr("RELAYTUN_CHUNK_THRESHOLD", 512*1024), "relay message size above which target delivery is chunked")
	flag.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", envDurOr("RELAYTUN_HEARTBEAT_INTERVAL", 30*time.Second), "liveness sweep interval")
	flag.StringVar(&cfg.OpsAddr, "ops", envOr("RELAYTUN_OPS", ":9101"), "metrics and health listen address")
	flag.BoolVar(&cfg.Debug, "debug", envBoolOr("RELAYTUN_DEBUG", false), "enable debug logs")
	flag.DurationVar(&cfg.GracePeriod, "grace-period", envDurOr("RELAYTUN_GRACE_PERIOD", 3*time.Second), "time to wait for sessions to drain after shutdown signal")
	flag.IntVar(&cfg.RequestRate, "request-rate", envIntOr("RELAYTUN_REQUEST_RATE", 0), "relayed requests per second (0 = unlimited)")
	flag.IntVar(&cfg.RateBurst, "rate-burst", envIntOr("RELAYTUN_RATE_BURST", 10), "rate limiter burst size")
	flag.StringVar(&cfg.RedisAddr, "redis", envOr("RELAYTUN_REDIS", ""), "redis address for the fleet session mirror (empty = in-memory)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", envOr("RELAYTUN_REDIS_PASSWORD", ""), "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", envIntOr("RELAYTUN_REDIS_DB", 0), "redis database number")
	flag.Parse()
}
