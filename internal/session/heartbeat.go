package session

import (
	"context"
	"time"

	"github.com/matst80/relaytun/internal/obs"
)

// Monitor is the periodic liveness sweep over the registry. It runs on a
// fixed interval independent of per-session timers: open channels get a ping,
// channels reported not-open are evicted in the same sweep, and sessions idle
// beyond the threshold are closed rather than pinged.
type Monitor struct {
	reg         *Registry
	interval    time.Duration
	idleTimeout time.Duration
}

// NewMonitor builds a monitor. Zero interval defaults to 30s; zero
// idleTimeout disables idle eviction from the sweep.
func NewMonitor(reg *Registry, interval, idleTimeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{reg: reg, interval: interval, idleTimeout: idleTimeout}
}

// Run sweeps until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}

// Sweep performs one pass. Exported for tests and for a final pass during
// shutdown. Sessions still establishing their channel are left alone: the
// connect path owns them until a channel is bound or the retry budget is
// spent, and its backoff schedule may legitimately outlast a sweep interval.
func (m *Monitor) Sweep() {
	var live []string
	m.reg.Each(func(s *Session) {
		st := s.State()
		switch st {
		case StateClosed:
			m.reg.Remove(s.ID)
			return
		case StateInit, StateConnecting:
			return
		}
		if m.idleTimeout > 0 && time.Since(s.LastActivity()) > m.idleTimeout {
			obs.Info("heartbeat.evict", obs.Fields{"id": s.ID, "reason": "idle"})
			m.reg.noteEvicted()
			_ = s.Close("idle timeout")
			return
		}
		ch := s.Channel()
		if ch == nil || !ch.IsOpen() {
			if st == StateClosing {
				return // graceful drain in progress; the owner finishes it
			}
			obs.Info("heartbeat.evict", obs.Fields{"id": s.ID, "reason": "channel not open"})
			m.reg.noteEvicted()
			_ = s.Close("channel not open")
			return
		}
		if err := ch.Ping(); err != nil {
			obs.Error("heartbeat.ping", obs.Fields{"id": s.ID, "err": err.Error()})
			m.reg.noteEvicted()
			_ = s.Close("ping failed")
			return
		}
		s.MarkPinged()
		live = append(live, s.ID)
	})
	m.reg.meta.Heartbeat(live)
}
