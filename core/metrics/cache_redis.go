package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"fleetcore/core/store"
)

// redisCacheTTL bounds how long a latest-sample entry survives in Redis
// without a fresh heartbeat refreshing it.
const redisCacheTTL = 10 * time.Minute

// RedisCache backs the latest-snapshot cache with Redis instead of a
// process-local map, letting several Core replicas behind a load
// balancer share the same "latest metric per node" view. It implements
// only the subset of behavior Cache offers — not the full Store
// contract — per spec.md's non-normative treatment of Redis: this is
// the optional fast-path accelerator, not a durability backend.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache dials addr and returns a cache backed by it.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCache{client: client}, nil
}

func cacheKey(nodeID string) string {
	return store.Key(store.ResourceLatestMetric, nodeID)
}

// PutIfNewer stores sample unless the currently cached entry for the
// same node_id has a later or equal metric_time.
func (c *RedisCache) PutIfNewer(ctx context.Context, sample *store.MetricSample) {
	if cur, ok := c.Get(ctx, sample.NodeID); ok && !sample.MetricTime.After(cur.MetricTime) {
		return
	}
	raw, err := json.Marshal(sample)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(sample.NodeID), raw, redisCacheTTL).Err(); err != nil {
		log.Printf("metrics: redis cache put for %s failed: %v", sample.NodeID, err)
	}
}

// Get returns the cached latest sample for a node, if any.
func (c *RedisCache) Get(ctx context.Context, nodeID string) (*store.MetricSample, bool) {
	raw, err := c.client.Get(ctx, cacheKey(nodeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		log.Printf("metrics: redis cache get for %s failed: %v", nodeID, err)
		return nil, false
	}
	var sample store.MetricSample
	if err := json.Unmarshal(raw, &sample); err != nil {
		return nil, false
	}
	return &sample, true
}

// All scans every cached latest sample. Intended for the low-traffic
// /metrics/latest REST path, not the hot heartbeat path.
func (c *RedisCache) All(ctx context.Context) map[string]*store.MetricSample {
	out := make(map[string]*store.MetricSample)
	prefix := store.Prefix(store.ResourceLatestMetric)
	iter := c.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := c.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var sample store.MetricSample
		if err := json.Unmarshal(raw, &sample); err != nil {
			continue
		}
		out[sample.NodeID] = &sample
	}
	return out
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
