// Package observer implements the coalescing broadcaster that pushes
// aggregated node-list and metric-map snapshots to observer sessions.
// It is the direct descendant of the teacher's MetricsHub: a single
// actor goroutine owns the event channel and the coalescing timer, and
// is the only thing that calls into the registry's broadcast path.
package observer

import (
	"context"
	"log"
	"time"

	"fleetcore/core/codec"
	"fleetcore/core/metrics"
	"fleetcore/core/observability"
	"fleetcore/core/session"
	"fleetcore/core/store"
)

// coalesceWindow is the suggested 500ms window from §4.7.
const coalesceWindow = 500 * time.Millisecond

// changeKind identifies what triggered a broadcast request.
type changeKind int

const (
	changeNodes changeKind = iota
	changeMetrics
	changeStatus
)

type changeSignal struct {
	kind   changeKind
	nodeID string
	status string
}

// Broadcaster flushes coalesced updates to every observer session. It
// keeps no snapshot of its own: each flush reads the current nodes from
// the store and the latest metrics from the cache.
type Broadcaster struct {
	store    store.Store
	registry *session.Registry
	cache    *metrics.Cache

	signals chan changeSignal
}

// NewBroadcaster builds a Broadcaster. Run must be started in its own
// goroutine.
func NewBroadcaster(s store.Store, reg *session.Registry, cache *metrics.Cache) *Broadcaster {
	return &Broadcaster{
		store:    s,
		registry: reg,
		cache:    cache,
		signals:  make(chan changeSignal, 1024),
	}
}

// NotifyNodesChanged schedules a coalesced nodes_update.
func (b *Broadcaster) NotifyNodesChanged(nodeID string) {
	b.enqueue(changeSignal{kind: changeNodes, nodeID: nodeID})
}

// NotifyMetricsChanged schedules a coalesced metrics_update.
func (b *Broadcaster) NotifyMetricsChanged(nodeID string) {
	b.enqueue(changeSignal{kind: changeMetrics, nodeID: nodeID})
}

// NotifyStatusChanged sends an eager (non-coalesced) node_status_change.
func (b *Broadcaster) NotifyStatusChanged(nodeID, status string) {
	b.enqueue(changeSignal{kind: changeStatus, nodeID: nodeID, status: status})
}

func (b *Broadcaster) enqueue(sig changeSignal) {
	select {
	case b.signals <- sig:
	default:
		log.Printf("observer: signal channel full, dropping %v for %s", sig.kind, sig.nodeID)
	}
}

// Run drains the signal channel, coalescing nodes/metrics changes into
// one flush per window while forwarding status changes immediately.
func (b *Broadcaster) Run(ctx <-chan struct{}) {
	var pendingNodes, pendingMetrics bool
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if pendingNodes {
			b.flushNodes()
			pendingNodes = false
		}
		if pendingMetrics {
			b.flushMetrics()
			pendingMetrics = false
		}
	}

	for {
		select {
		case <-ctx:
			return
		case sig := <-b.signals:
			switch sig.kind {
			case changeNodes:
				pendingNodes = true
			case changeMetrics:
				pendingMetrics = true
			case changeStatus:
				b.flushStatus(sig.nodeID, sig.status)
				continue
			}
			if timer == nil {
				timer = time.NewTimer(coalesceWindow)
				timerC = timer.C
			}
		case <-timerC:
			flush()
			timer = nil
			timerC = nil
		}
	}
}

func (b *Broadcaster) flushNodes() {
	nodes, _, err := b.store.ListNodes(context.Background(), store.NodeFilter{Limit: 100000})
	if err != nil {
		log.Printf("observer: list nodes for broadcast failed: %v", err)
		return
	}
	summaries := make([]codec.NodeSummary, 0, len(nodes))
	for _, n := range nodes {
		summaries = append(summaries, toNodeSummary(n))
	}
	env, err := codec.NewEnvelope(codec.TypeNodesUpdate, codec.NodesUpdatePayload{Nodes: summaries})
	if err != nil {
		return
	}
	b.send(env, "nodes_update")
}

func (b *Broadcaster) flushMetrics() {
	latest := b.cache.All()
	payload := codec.MetricsUpdatePayload{Metrics: make(map[string]codec.MetricsPayload, len(latest))}
	for nodeID, sample := range latest {
		payload.Metrics[nodeID] = toMetricsPayload(sample)
	}
	env, err := codec.NewEnvelope(codec.TypeMetricsUpdate, payload)
	if err != nil {
		return
	}
	b.send(env, "metrics_update")
}

func (b *Broadcaster) flushStatus(nodeID, status string) {
	env, err := codec.NewEnvelope(codec.TypeNodeStatusChange, codec.NodeStatusChangePayload{NodeID: nodeID, Status: status})
	if err != nil {
		return
	}
	b.send(env, "node_status_change")
}

func (b *Broadcaster) send(env codec.Envelope, label string) {
	frame, err := codec.Encode(env)
	if err != nil {
		return
	}
	b.registry.BroadcastObservers(frame)
	observability.ObserverBroadcasts.WithLabelValues(label).Inc()
}

// Snapshot builds the immediate synthetic snapshot sent to a newly
// attached observer after its welcome message, per §4.7.
func (b *Broadcaster) Snapshot() (codec.Envelope, codec.Envelope, error) {
	nodes, _, err := b.store.ListNodes(context.Background(), store.NodeFilter{Limit: 100000})
	if err != nil {
		return codec.Envelope{}, codec.Envelope{}, err
	}
	summaries := make([]codec.NodeSummary, 0, len(nodes))
	for _, n := range nodes {
		summaries = append(summaries, toNodeSummary(n))
	}
	nodesEnv, err := codec.NewEnvelope(codec.TypeNodesUpdate, codec.NodesUpdatePayload{Nodes: summaries})
	if err != nil {
		return codec.Envelope{}, codec.Envelope{}, err
	}

	latest := b.cache.All()
	payload := codec.MetricsUpdatePayload{Metrics: make(map[string]codec.MetricsPayload, len(latest))}
	for nodeID, sample := range latest {
		payload.Metrics[nodeID] = toMetricsPayload(sample)
	}
	metricsEnv, err := codec.NewEnvelope(codec.TypeMetricsUpdate, payload)
	if err != nil {
		return codec.Envelope{}, codec.Envelope{}, err
	}
	return nodesEnv, metricsEnv, nil
}

func toNodeSummary(n *store.Node) codec.NodeSummary {
	var lastHb *string
	if n.LastHeartbeat != nil {
		s := n.LastHeartbeat.Format(time.RFC3339)
		lastHb = &s
	}
	return codec.NodeSummary{
		NodeID:        n.NodeID,
		Hostname:      n.Hostname,
		IPAddress:     n.IPAddress,
		OSInfo:        n.OSInfo,
		Status:        n.Status,
		LastHeartbeat: lastHb,
	}
}

func toMetricsPayload(m *store.MetricSample) codec.MetricsPayload {
	return codec.MetricsPayload{
		CPUUsage:        m.CPUUsage,
		MemoryUsage:     m.MemoryUsage,
		DiskUsage:       m.DiskUsage,
		LoadAverage:     m.LoadAverage,
		MemoryTotal:     m.MemoryTotal,
		MemoryAvailable: m.MemoryAvailable,
		DiskTotal:       m.DiskTotal,
		DiskAvailable:   m.DiskAvailable,
		UptimeSeconds:   m.UptimeSeconds,
	}
}
