package session

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/matst80/relaytun/internal/obs"
)

// ErrDuplicateID is returned when registering an id that is already live.
// A collision is a programming-invariant violation fatal to that session,
// never to the process.
var ErrDuplicateID = errors.New("session: duplicate id")

// Registry is the single source of truth for active sessions. Sessions are
// created and destroyed only through registry bookkeeping and referenced by
// opaque id, never by shared pointer handed outside.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	meta     MetaStore

	totalSessions int64
	evicted       int64
}

// NewRegistry builds a registry mirroring metadata into meta (use
// NewMemoryMeta for a process-local deployment).
func NewRegistry(meta MetaStore) *Registry {
	if meta == nil {
		meta = NewMemoryMeta()
	}
	return &Registry{sessions: make(map[string]*Session), meta: meta}
}

// Register adds a session under its id. Fails with ErrDuplicateID on
// collision. The registry removes the session automatically when it closes.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	if _, exists := r.sessions[s.ID]; exists {
		r.mu.Unlock()
		obs.ErrorsTotal.WithLabelValues("duplicate_id").Inc()
		return ErrDuplicateID
	}
	r.sessions[s.ID] = s
	r.totalSessions++
	n := len(r.sessions)
	r.mu.Unlock()
	s.OnClosed(func(closed *Session) {
		obs.SessionDurationSeconds.Observe(time.Since(closed.CreatedAt()).Seconds())
		r.Remove(closed.ID)
	})
	obs.ActiveSessions.Set(float64(n))
	obs.SessionsTotal.Inc()
	r.meta.Put(Meta{ID: s.ID, Role: s.Role, CreatedAt: s.CreatedAt()})
	return nil
}

// Lookup returns the session for id, or nil when unknown.
func (r *Registry) Lookup(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Remove drops id from the registry. Idempotent: removing an unknown id is a
// no-op, not an error.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, existed := r.sessions[id]
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()
	if existed {
		obs.ActiveSessions.Set(float64(n))
		r.meta.Delete(id)
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Each calls fn for every live session against a snapshot, so fn may close
// and remove sessions without holding the registry lock.
func (r *Registry) Each(fn func(*Session)) {
	r.mu.Lock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()
	for _, s := range snapshot {
		fn(s)
	}
}

// CloseAll gracefully closes every session with the given reason. Used on
// interrupt: each open channel receives the close before the process exits.
func (r *Registry) CloseAll(reason string) {
	r.Each(func(s *Session) { _ = s.Close(reason) })
}

// Origins reports the distinct local peer addresses of live sessions, for
// callers pruning per-origin state such as rate-limit buckets.
func (r *Registry) Origins() map[string]bool {
	out := make(map[string]bool)
	r.Each(func(s *Session) {
		c := s.Local()
		if c == nil {
			return
		}
		host, _, err := net.SplitHostPort(c.RemoteAddr().String())
		if err != nil {
			host = c.RemoteAddr().String()
		}
		out[host] = true
	})
	return out
}

func (r *Registry) noteEvicted() {
	r.mu.Lock()
	r.evicted++
	r.mu.Unlock()
	obs.SessionsEvictedTotal.Inc()
}

// Stats is a point-in-time summary for dashboards and the ops API.
type Stats struct {
	Active  int    `json:"active"`
	Total   int64  `json:"total"`
	Evicted int64  `json:"evicted"`
	Now     string `json:"now"`
}

func (r *Registry) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Active:  len(r.sessions),
		Total:   r.totalSessions,
		Evicted: r.evicted,
		Now:     time.Now().UTC().Format(time.RFC3339),
	}
}
