package session

import (
	"time"

	"github.com/matst80/relaytun/internal/obs"
)

// Meta is the externally visible slice of a session: enough for fleet
// dashboards, never the socket or channel handles, which stay local to the
// owning process.
type Meta struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// MetaStore mirrors session metadata for visibility across instances.
// Implementations must tolerate best-effort semantics: the in-process
// Registry is authoritative, the store is bookkeeping.
type MetaStore interface {
	Put(m Meta)
	Delete(id string)
	// Heartbeat refreshes this instance's liveness mark and the TTL of its
	// mirrored sessions.
	Heartbeat(ids []string)
	Close() error
}

// memoryMeta is the single-instance store: nothing to mirror.
type memoryMeta struct{}

// NewMemoryMeta returns the no-op store used when no Redis address is
// configured.
func NewMemoryMeta() MetaStore { return memoryMeta{} }

func (memoryMeta) Put(Meta)           {}
func (memoryMeta) Delete(string)      {}
func (memoryMeta) Heartbeat([]string) {}
func (memoryMeta) Close() error       { return nil }

// NewMetaStore creates either the in-memory or the Redis-backed store based
// on configuration.
func NewMetaStore(redisAddr, redisPassword string, redisDB int) (MetaStore, error) {
	if redisAddr == "" {
		obs.Info("session.meta.backend", obs.Fields{"type": "in-memory"})
		return NewMemoryMeta(), nil
	}
	obs.Info("session.meta.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return newRedisMeta(redisAddr, redisPassword, redisDB)
}
