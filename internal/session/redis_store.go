package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matst80/relaytun/internal/obs"
	"github.com/redis/go-redis/v9"
)

// redisMeta mirrors session metadata into Redis so a fleet of tunnel
// instances can be inspected in one place. Keys carry a TTL refreshed by
// Heartbeat; an instance that dies stops refreshing and its entries age out.
type redisMeta struct {
	client     *redis.Client
	instanceID string
	keyTTL     time.Duration
	opTimeout  time.Duration
}

func newRedisMeta(addr, password string, db int) (*redisMeta, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisMeta{
		client:     rdb,
		instanceID: fmt.Sprintf("relaytun-%d", time.Now().UnixNano()),
		keyTTL:     2 * time.Minute,
		opTimeout:  5 * time.Second,
	}, nil
}

var _ MetaStore = (*redisMeta)(nil)

func (r *redisMeta) key(id string) string { return "session:" + id }

func (r *redisMeta) Put(m Meta) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	data, err := json.Marshal(m)
	if err != nil {
		obs.Error("redis.meta.marshal", obs.Fields{"err": err.Error(), "id": m.ID})
		return
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.key(m.ID), data, r.keyTTL)
	pipe.Set(ctx, "instance:"+m.ID, r.instanceID, r.keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.meta.put", obs.Fields{"err": err.Error(), "id": m.ID})
	}
}

func (r *redisMeta) Delete(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	pipe := r.client.Pipeline()
	pipe.Del(ctx, r.key(id))
	pipe.Del(ctx, "instance:"+id)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.meta.delete", obs.Fields{"err": err.Error(), "id": id})
	}
}

func (r *redisMeta) Heartbeat(ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	pipe := r.client.Pipeline()
	pipe.Set(ctx, "heartbeat:"+r.instanceID, time.Now().UTC().Format(time.RFC3339), r.keyTTL)
	for _, id := range ids {
		pipe.Expire(ctx, r.key(id), r.keyTTL)
		pipe.Expire(ctx, "instance:"+id, r.keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.meta.heartbeat", obs.Fields{"err": err.Error()})
	}
}

func (r *redisMeta) Close() error { return r.client.Close() }
