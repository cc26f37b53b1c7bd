package main

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds sender runtime configuration. Every flag defaults from a
// RELAYTUN_* environment variable so containerized deployments can run with
// no arguments.
type Config struct {
	ListenAddr string
	Mode       string // http | raw

	Namespace string
	Path      string
	KeyName   string
	Key       string

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	IdleTimeout    time.Duration

	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	ChunkThreshold    int
	MaxHeaderSize     int
	HeartbeatInterval time.Duration

	OpsAddr     string
	Debug       bool
	GracePeriod time.Duration

	AcceptRate    int
	PerOriginRate int
	RequestRate   int
	RateBurst     int

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
	flag.StringVar(&cfg.ListenAddr, "listen", envOr("RELAYTUN_LISTEN", ":8080"), "local address accepting connections to tunnel")
	flag.StringVar(&cfg.Mode, "mode", envOr("RELAYTUN_MODE", "http"), "bridging mode: http (framed request/response) or raw (byte passthrough)")
	flag.StringVar(&cfg.Namespace, "namespace", envOr("RELAYTUN_NAMESPACE", ""), "relay broker namespace (must resolve to the broker domain)")
	flag.StringVar(&cfg.Path, "path", envOr("RELAYTUN_PATH", ""), "logical endpoint name on the broker")
	flag.StringVar(&cfg.KeyName, "key-name", envOr("RELAYTUN_KEY_NAME", ""), "shared access key name")
	flag.StringVar(&cfg.Key, "key", envOr("RELAYTUN_KEY", ""), "shared access key")
	flag.DurationVar(&cfg.ConnectTimeout, "connect-timeout", envDurOr("RELAYTUN_CONNECT_TIMEOUT", 15*time.Second), "relay connection open timeout")
	flag.DurationVar(&cfg.WriteTimeout, "write-timeout", envDurOr("RELAYTUN_WRITE_TIMEOUT", 10*time.Second), "relay message send timeout")
	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", envDurOr("RELAYTUN_REQUEST_TIMEOUT", 30*time.Second), "time limit for a relayed response in http mode")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", envDurOr("RELAYTUN_IDLE_TIMEOUT", 30*time.Second), "per-session inactivity limit")
	flag.IntVar(&cfg.RetryMaxAttempts, "retry-max-attempts", envIntOr("RELAYTUN_RETRY_MAX_ATTEMPTS", 10), "relay connection attempts before giving up")
	flag.DurationVar(&cfg.RetryInitialDelay, "retry-initial-delay", envDurOr("RELAYTUN_RETRY_INITIAL_DELAY", 200*time.Millisecond), "first reconnect delay")
	flag.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", envDurOr("RELAYTUN_RETRY_MAX_DELAY", 5*time.Second), "reconnect delay ceiling")
	flag.IntVar(&cfg.ChunkThreshold, "chunk-threshold", envIntOr("RELAYTUN_CHUNK_THRESHOLD", 512*1024), "relay message size above which local delivery is chunked")
	flag.IntVar(&cfg.MaxHeaderSize, "max-header-size", envIntOr("RELAYTUN_MAX_HEADER_SIZE", 32*1024), "maximum allowed HTTP header bytes in http mode")
	flag.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", envDurOr("RELAYTUN_HEARTBEAT_INTERVAL", 30*time.Second), "liveness sweep interval")
	flag.StringVar(&cfg.OpsAddr, "ops", envOr("RELAYTUN_OPS", ":9100"), "metrics and health listen address")
	flag.BoolVar(&cfg.Debug, "debug", envBoolOr("RELAYTUN_DEBUG", false), "enable debug logs")
	flag.DurationVar(&cfg.GracePeriod, "grace-period", envDurOr("RELAYTUN_GRACE_PERIOD", 3*time.Second), "time to wait for sessions to drain after shutdown signal")
	flag.IntVar(&cfg.AcceptRate, "accept-rate", envIntOr("RELAYTUN_ACCEPT_RATE", 0), "global new sessions per second (0 = unlimited)")
	flag.IntVar(&cfg.PerOriginRate, "per-origin-rate", envIntOr("RELAYTUN_PER_ORIGIN_RATE", 0), "new sessions per second per origin IP (0 = unlimited)")
	flag.IntVar(&cfg.RequestRate, "request-rate", envIntOr("RELAYTUN_REQUEST_RATE", 0), "relayed requests per second in http mode (0 = unlimited)")
	flag.IntVar(&cfg.RateBurst, "rate-burst", envIntOr("RELAYTUN_RATE_BURST", 10), "rate limiter burst size")
	flag.StringVar(&cfg.RedisAddr, "redis", envOr("RELAYTUN_REDIS", ""), "redis address for the fleet session mirror (empty = in-memory)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", envOr("RELAYTUN_REDIS_PASSWORD", ""), "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", envIntOr("RELAYTUN_REDIS_DB", 0), "redis database number")
	flag.Parse()
}
