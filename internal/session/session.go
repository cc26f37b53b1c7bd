package session

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"sync"
	"time"

	"github.com/matst80/relaytun/internal/relay"
)

// Role distinguishes the two tunnel ends.
type Role string

const (
	RoleSender   Role = "sender"
	RoleListener Role = "listener"
)

// State is the session lifecycle position. Transitions only move forward:
// Init -> Connecting -> Open -> Closing -> Closed, with Closed terminal.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session pairs one local connection with one relay channel. The local conn
// is owned exclusively by its session; the channel reference may outlive it.
type Session struct {
	ID   string
	Role Role

	mu           sync.Mutex
	state        State
	local        net.Conn
	channel      *relay.Channel
	createdAt    time.Time
	lastActivity time.Time
	lastPingAt   time.Time

	cancel      func()
	idleTimer   *time.Timer
	idleTimeout time.Duration

	onClosed func(*Session)
}

// New creates a session in the Init state.
func New(id string, role Role) *Session {
	now := time.Now()
	return &Session{ID: id, Role: role, state: StateInit, createdAt: now, lastActivity: now}
}

// NewID returns an opaque process-unique session identifier.
func NewID() string {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the platform entropy source is broken
		return hex.EncodeToString([]byte(time.Now().String()))[:20]
	}
	return hex.EncodeToString(b)
}

// BindLocal attaches the exclusively-owned local socket.
func (s *Session) BindLocal(c net.Conn) {
	s.mu.Lock()
	s.local = c
	s.mu.Unlock()
}

// BindChannel attaches the relay channel reference.
func (s *Session) BindChannel(ch *relay.Channel) {
	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()
}

func (s *Session) Local() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Session) Channel() *relay.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Touch records activity and re-arms the idle timer if one is set.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.idleTimeout)
	}
	s.mu.Unlock()
}

// LastActivity reports the most recent local or relay traffic.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// MarkPinged records a heartbeat probe.
func (s *Session) MarkPinged() {
	s.mu.Lock()
	s.lastPingAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) LastPingAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPingAt
}

// MarkConnecting enters the Connecting state while the paired side's relay
// connection is being established.
func (s *Session) MarkConnecting() { s.advance(StateConnecting) }

// MarkOpen enters the Open state once both sides flow.
func (s *Session) MarkOpen() { s.advance(StateOpen) }

// BeginClose enters Closing: queued writes may still drain, no new reads.
func (s *Session) BeginClose() { s.advance(StateClosing) }

func (s *Session) advance(to State) {
	s.mu.Lock()
	if s.state < to && s.state != StateClosed {
		s.state = to
	}
	s.mu.Unlock()
}

// OnClosed registers a hook run exactly once when the session reaches Closed.
func (s *Session) OnClosed(fn func(*Session)) {
	s.mu.Lock()
	s.onClosed = fn
	s.mu.Unlock()
}

// SetCancel wires the per-session cancellation token. Closing the session
// cancels pending retry and idle timers for this session only.
func (s *Session) SetCancel(cancel func()) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

// StartIdleTimer arms the per-session idle timeout: with no activity for d,
// expire fires. Touch re-arms it, Close stops it.
func (s *Session) StartIdleTimer(d time.Duration, expire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || d <= 0 {
		return
	}
	s.idleTimeout = d
	s.idleTimer = time.AfterFunc(d, expire)
}

// Close drives the session to Closed. It is idempotent: closing a session
// that is already Closed does nothing and returns nil.
func (s *Session) Close(reason string) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	local := s.local
	ch := s.channel
	cancel := s.cancel
	timer := s.idleTimer
	s.idleTimer = nil
	hook := s.onClosed
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if ch != nil {
		_ = ch.Close(reason)
	}
	var err error
	if local != nil {
		err = local.Close()
	}
	if hook != nil {
		hook(s)
	}
	return err
}

// CloseWithError tears the session down signalling an abnormal end to the
// relay peer. Idempotent like Close.
func (s *Session) CloseWithError(reason string) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	ch := s.channel
	s.mu.Unlock()
	if ch != nil {
		_ = ch.CloseWithError(reason)
	}
	return s.Close(reason)
}
