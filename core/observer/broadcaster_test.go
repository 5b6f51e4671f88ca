package observer

import (
	"context"
	"testing"
	"time"

	"fleetcore/core/codec"
	"fleetcore/core/metrics"
	"fleetcore/core/session"
	"fleetcore/core/store"
)

func TestRunCoalescesMultipleNodesSignalsIntoOneFlush(t *testing.T) {
	s := store.NewMemoryStore()
	s.UpsertNode(context.Background(), "node-001", store.NodeInfo{Hostname: "a"})
	reg := session.NewRegistry(make(chan session.ChangeEvent, 8))
	obs := reg.AttachObserver("client-a", "addr", &fakeSender{})
	cache := metrics.NewCache()

	b := NewBroadcaster(s, reg, cache)
	stop := make(chan struct{})
	go b.Run(stop)
	defer close(stop)

	b.NotifyNodesChanged("node-001")
	b.NotifyNodesChanged("node-001")
	b.NotifyNodesChanged("node-001")

	select {
	case frame := <-obs.Outbound():
		env, err := codec.Decode(frame)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if env.Type != codec.TypeNodesUpdate {
			t.Fatalf("type = %s, want %s", env.Type, codec.TypeNodesUpdate)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a coalesced nodes_update within the flush window")
	}

	// A second frame must not already be queued: three signals in the
	// same window should coalesce into exactly one flush.
	select {
	case <-obs.Outbound():
		t.Fatal("expected only one flush for three signals within the coalesce window")
	default:
	}
}

func TestNotifyStatusChangedIsEagerNotCoalesced(t *testing.T) {
	s := store.NewMemoryStore()
	reg := session.NewRegistry(make(chan session.ChangeEvent, 8))
	obs := reg.AttachObserver("client-a", "addr", &fakeSender{})
	cache := metrics.NewCache()

	b := NewBroadcaster(s, reg, cache)
	stop := make(chan struct{})
	go b.Run(stop)
	defer close(stop)

	b.NotifyStatusChanged("node-001", "offline")

	select {
	case frame := <-obs.Outbound():
		env, err := codec.Decode(frame)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if env.Type != codec.TypeNodeStatusChange {
			t.Fatalf("type = %s, want %s", env.Type, codec.TypeNodeStatusChange)
		}
		var payload codec.NodeStatusChangePayload
		if err := env.DecodeData(&payload); err != nil {
			t.Fatalf("DecodeData: %v", err)
		}
		if payload.NodeID != "node-001" || payload.Status != "offline" {
			t.Fatalf("payload = %+v, want node-001/offline", payload)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected node_status_change to be sent immediately, not coalesced")
	}
}

func TestSnapshotBuildsNodesAndMetricsEnvelopes(t *testing.T) {
	s := store.NewMemoryStore()
	s.UpsertNode(context.Background(), "node-001", store.NodeInfo{Hostname: "a"})
	cache := metrics.NewCache()
	cpu := 12.5
	cache.PutIfNewer(&store.MetricSample{NodeID: "node-001", MetricTime: time.Now(), CPUUsage: &cpu})

	reg := session.NewRegistry(make(chan session.ChangeEvent, 1))
	b := NewBroadcaster(s, reg, cache)

	nodesEnv, metricsEnv, err := b.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if nodesEnv.Type != codec.TypeNodesUpdate {
		t.Fatalf("nodes envelope type = %s, want %s", nodesEnv.Type, codec.TypeNodesUpdate)
	}
	var nodesPayload codec.NodesUpdatePayload
	if err := nodesEnv.DecodeData(&nodesPayload); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if len(nodesPayload.Nodes) != 1 || nodesPayload.Nodes[0].NodeID != "node-001" {
		t.Fatalf("nodes = %+v, want exactly node-001", nodesPayload.Nodes)
	}

	if metricsEnv.Type != codec.TypeMetricsUpdate {
		t.Fatalf("metrics envelope type = %s, want %s", metricsEnv.Type, codec.TypeMetricsUpdate)
	}
	var metricsPayload codec.MetricsUpdatePayload
	if err := metricsEnv.DecodeData(&metricsPayload); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	sample, ok := metricsPayload.Metrics["node-001"]
	if !ok || sample.CPUUsage == nil || *sample.CPUUsage != 12.5 {
		t.Fatalf("metrics = %+v, want node-001 cpu_usage 12.5", metricsPayload.Metrics)
	}
}

type fakeSender struct{}

func (f *fakeSender) Send(frame []byte) error { return nil }
func (f *fakeSender) Close() error            { return nil }
