// Package heartbeat implements the single periodic sweeper that detects
// session liveness from last-received heartbeat timestamps and marks
// stale nodes offline.
package heartbeat

import (
	"context"
	"log"
	"time"

	"fleetcore/core/observability"
	"fleetcore/core/session"
	"fleetcore/core/store"
)

// Monitor checks every online node's last heartbeat against a fixed
// threshold on a fixed cadence, marking it offline and firing a
// node_status_change event when it goes stale. It never touches a
// session directly: an agent whose transport is alive but
// heartbeat-stale stays attached until the transport itself closes.
type Monitor struct {
	store     store.Store
	registry  *session.Registry
	interval  time.Duration
	threshold time.Duration
	onChange  func(nodeID, status string)
}

// NewMonitor builds a Monitor with the given sweep cadence and offline
// threshold. onChange is invoked (eagerly, not coalesced) whenever a
// node transitions to offline, letting the caller wire it to the
// observer broadcaster.
func NewMonitor(s store.Store, reg *session.Registry, interval, threshold time.Duration, onChange func(nodeID, status string)) *Monitor {
	return &Monitor{
		store:     s,
		registry:  reg,
		interval:  interval,
		threshold: threshold,
		onChange:  onChange,
	}
}

// Start launches the sweep loop in its own goroutine.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("heartbeat: monitor started (interval=%v threshold=%v)", m.interval, m.threshold)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	nodes, _, err := m.store.ListNodes(ctx, store.NodeFilter{Status: "online", Limit: 100000})
	if err != nil {
		log.Printf("heartbeat: list online nodes failed: %v", err)
		return
	}

	now := time.Now()
	for _, n := range nodes {
		if n.LastHeartbeat == nil || now.Sub(*n.LastHeartbeat) <= m.threshold {
			continue
		}
		if err := m.store.MarkOffline(ctx, n.NodeID); err != nil {
			log.Printf("heartbeat: mark %s offline failed: %v", n.NodeID, err)
			continue
		}
		observability.NodesMarkedOffline.Inc()
		log.Printf("heartbeat: node %s exceeded offline threshold, marked offline", n.NodeID)
		if m.onChange != nil {
			m.onChange(n.NodeID, "offline")
		}
	}
}
