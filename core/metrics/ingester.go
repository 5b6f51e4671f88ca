// Package metrics ingests heartbeat-carried MetricSample payloads,
// maintains the process-wide latest-snapshot cache, and persists
// samples through the store.
package metrics

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"fleetcore/core/codec"
	"fleetcore/core/observability"
	"fleetcore/core/store"
)

// Cache is the concurrent latest-snapshot map keyed by node_id.
// Writers use put-if-newer by metric_time per §5; readers observe a
// consistent value per key.
type Cache struct {
	mu      sync.RWMutex
	samples map[string]*store.MetricSample
}

// NewCache builds an empty latest-snapshot cache.
func NewCache() *Cache {
	return &Cache{samples: make(map[string]*store.MetricSample)}
}

// PutIfNewer stores sample unless an existing entry for the same
// node_id has a later or equal metric_time.
func (c *Cache) PutIfNewer(sample *store.MetricSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.samples[sample.NodeID]; ok && !sample.MetricTime.After(cur.MetricTime) {
		return
	}
	c.samples[sample.NodeID] = sample
}

// Get returns the cached latest sample for a node, if any.
func (c *Cache) Get(nodeID string) (*store.MetricSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.samples[nodeID]
	return s, ok
}

// All returns a snapshot of every cached latest sample.
func (c *Cache) All() map[string]*store.MetricSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*store.MetricSample, len(c.samples))
	for k, v := range c.samples {
		out[k] = v
	}
	return out
}

// Ingester validates and persists heartbeat metric payloads.
type Ingester struct {
	store    store.Store
	cache    *Cache
	onChange func(nodeID string)
}

// NewIngester builds an Ingester. onChange fires after every
// successful persist+cache-update, letting the caller wire
// metric_changed into the observer broadcaster.
func NewIngester(s store.Store, cache *Cache, onChange func(nodeID string)) *Ingester {
	return &Ingester{store: s, cache: cache, onChange: onChange}
}

// ValidationError carries the error code to answer the agent with.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Ingest validates payload, persists a MetricSample derived from it,
// updates the latest-snapshot cache, and fires onChange. Heartbeat
// acknowledgements are sent by the caller unconditionally after this
// returns (even on a persistence error, per §4.5) — only a validation
// error should prevent the ack's "received: true".
func (in *Ingester) Ingest(ctx context.Context, nodeID string, payload codec.MetricsPayload, reportedTime *time.Time) error {
	if err := validatePercent("cpu_usage", payload.CPUUsage); err != nil {
		observability.HeartbeatValidationFailures.Inc()
		return err
	}
	if err := validatePercent("memory_usage", payload.MemoryUsage); err != nil {
		observability.HeartbeatValidationFailures.Inc()
		return err
	}
	if err := validatePercent("disk_usage", payload.DiskUsage); err != nil {
		observability.HeartbeatValidationFailures.Inc()
		return err
	}
	if payload.LoadAverage != nil && *payload.LoadAverage < 0 {
		observability.HeartbeatValidationFailures.Inc()
		return &ValidationError{Code: codec.ErrValidation, Message: "load_average must be >= 0"}
	}

	metricTime := time.Now().UTC()
	if reportedTime != nil {
		metricTime = *reportedTime
	}

	sample := &store.MetricSample{
		NodeID:          nodeID,
		MetricTime:      metricTime,
		CPUUsage:        payload.CPUUsage,
		MemoryUsage:     payload.MemoryUsage,
		DiskUsage:       payload.DiskUsage,
		LoadAverage:     payload.LoadAverage,
		MemoryTotal:     payload.MemoryTotal,
		MemoryAvailable: payload.MemoryAvailable,
		DiskTotal:       payload.DiskTotal,
		DiskAvailable:   payload.DiskAvailable,
		UptimeSeconds:   payload.UptimeSeconds,
		CreatedAt:       time.Now().UTC(),
	}

	observability.HeartbeatsReceived.Inc()

	if err := in.store.InsertMetric(ctx, sample); err != nil {
		observability.StoreErrors.WithLabelValues("insert_metric").Inc()
		log.Printf("metrics: persist sample for %s failed: %v", nodeID, err)
		// Persistence failure on the heartbeat path is logged and
		// does not break the session per §7.
	}

	in.cache.PutIfNewer(sample)
	if in.onChange != nil {
		in.onChange(nodeID)
	}
	return nil
}

func validatePercent(field string, v *float64) error {
	if v == nil {
		return nil
	}
	if *v < 0 || *v > 100 {
		return &ValidationError{Code: codec.ErrValidation, Message: fmt.Sprintf("%s out of range [0,100]: %v", field, *v)}
	}
	return nil
}
