package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "relaytun_active_sessions", Help: "Currently registered tunnel sessions"})
	PendingChunks          = promauto.NewGauge(prometheus.GaugeOpts{Name: "relaytun_pending_chunks", Help: "Chunks queued for local-socket delivery across all sessions"})
	SessionsTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "relaytun_sessions_total", Help: "Sessions created"})
	SessionsEvictedTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "relaytun_sessions_evicted_total", Help: "Sessions evicted by the heartbeat sweep"})
	RetryAttemptsTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "relaytun_retry_attempts_total", Help: "Relay connection attempts that failed and were retried"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relaytun_errors_total", Help: "Errors by type"}, []string{"type"})
	RelayMessagesTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relaytun_relay_messages_total", Help: "Relay messages by direction"}, []string{"dir"})
	RelayBytesTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relaytun_relay_bytes_total", Help: "Relay payload bytes by direction"}, []string{"dir"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relaytun_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
