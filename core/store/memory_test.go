package store

import (
	"context"
	"testing"
	"time"
)

func TestUpsertNodeCreatedThenUpdated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	n, err := s.UpsertNode(ctx, "node-001", NodeInfo{Hostname: "a", IPAddress: "10.0.0.1"})
	if err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	if n.Status != "offline" {
		t.Fatalf("newly created node status = %s, want offline", n.Status)
	}
	firstRegisteredAt := n.RegisteredAt

	n2, err := s.UpsertNode(ctx, "node-001", NodeInfo{Hostname: "b", IPAddress: "10.0.0.2"})
	if err != nil {
		t.Fatalf("UpsertNode (update): %v", err)
	}
	if n2.Hostname != "b" {
		t.Fatalf("hostname = %s, want b", n2.Hostname)
	}
	if !n2.RegisteredAt.Equal(firstRegisteredAt) {
		t.Fatal("registered_at should not change on update")
	}
}

func TestMarkOnlineThenOffline(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.UpsertNode(ctx, "node-001", NodeInfo{})

	now := time.Now().UTC()
	if err := s.MarkOnline(ctx, "node-001", now); err != nil {
		t.Fatalf("MarkOnline: %v", err)
	}
	n, _ := s.GetNode(ctx, "node-001")
	if n.Status != "online" || n.LastHeartbeat == nil {
		t.Fatalf("expected online with a last_heartbeat, got status=%s heartbeat=%v", n.Status, n.LastHeartbeat)
	}

	if err := s.MarkOffline(ctx, "node-001"); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}
	n, _ = s.GetNode(ctx, "node-001")
	if n.Status != "offline" {
		t.Fatalf("status = %s, want offline", n.Status)
	}
}

func TestMarkOnlineUnknownNode(t *testing.T) {
	s := NewMemoryStore()
	if err := s.MarkOnline(context.Background(), "ghost", time.Now()); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListNodesFilterAndPaging(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"node-a", "node-b", "node-c"} {
		s.UpsertNode(ctx, id, NodeInfo{})
	}
	s.MarkOnline(ctx, "node-a", time.Now())

	online, total, err := s.ListNodes(ctx, NodeFilter{Status: "online"})
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(online) != 1 || total != 1 {
		t.Fatalf("online nodes = %d (total %d), want 1 (1)", len(online), total)
	}

	page, total, err := s.ListNodes(ctx, NodeFilter{Page: 1, Limit: 2})
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if total != 3 || len(page) != 2 {
		t.Fatalf("page len = %d, total = %d, want 2, 3", len(page), total)
	}
}

func TestDeleteNodeCascadesMetricsButKeepsCommands(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.UpsertNode(ctx, "node-001", NodeInfo{})
	s.InsertMetric(ctx, &MetricSample{NodeID: "node-001", MetricTime: time.Now(), CreatedAt: time.Now()})
	s.CreateCommand(ctx, &CommandRecord{CommandID: "cmd-1", TargetNodeID: "node-001", Status: CommandPending})

	ok, err := s.DeleteNode(ctx, "node-001")
	if err != nil || !ok {
		t.Fatalf("DeleteNode: ok=%v err=%v", ok, err)
	}

	if n, _ := s.GetNode(ctx, "node-001"); n != nil {
		t.Fatal("expected node to be gone")
	}
	samples, _ := s.ListMetrics(ctx, "node-001", time.Time{}, time.Time{}, 0, 0)
	if len(samples) != 0 {
		t.Fatalf("expected metrics to cascade-delete, got %d", len(samples))
	}
	// CommandRecord is never deleted by system logic (spec.md §3); a
	// deleted node's command history survives the node.
	cmds, _ := s.ListCommands(ctx, CommandFilter{NodeID: "node-001"})
	if len(cmds) != 1 {
		t.Fatalf("expected the command record to survive node deletion, got %d", len(cmds))
	}
}

func TestCleanupStaleNodesMarksOfflineWithoutDeleting(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.UpsertNode(ctx, "node-001", NodeInfo{})
	s.MarkOnline(ctx, "node-001", time.Now().Add(-2*time.Hour))

	affected, err := s.CleanupStaleNodes(ctx, 60*time.Minute)
	if err != nil {
		t.Fatalf("CleanupStaleNodes: %v", err)
	}
	if affected != 1 {
		t.Fatalf("affected = %d, want 1", affected)
	}
	n, _ := s.GetNode(ctx, "node-001")
	if n == nil {
		t.Fatal("node should still exist, cleanup marks offline, it does not delete")
	}
	if n.Status != "offline" {
		t.Fatalf("status = %s, want offline", n.Status)
	}
}

func TestLatestMetricPicksMostRecentByMetricTime(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	older := time.Now().Add(-1 * time.Hour)
	newer := time.Now()

	s.InsertMetric(ctx, &MetricSample{NodeID: "node-001", MetricTime: newer, CreatedAt: newer})
	s.InsertMetric(ctx, &MetricSample{NodeID: "node-001", MetricTime: older, CreatedAt: older})

	latest, err := s.LatestMetric(ctx, "node-001")
	if err != nil {
		t.Fatalf("LatestMetric: %v", err)
	}
	if !latest.MetricTime.Equal(newer) {
		t.Fatalf("latest metric_time = %v, want %v", latest.MetricTime, newer)
	}
}

func TestSummaryAveragesAndMaxes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	cpu1, cpu2 := 10.0, 30.0
	now := time.Now()
	s.InsertMetric(ctx, &MetricSample{NodeID: "node-001", MetricTime: now, CPUUsage: &cpu1, CreatedAt: now})
	s.InsertMetric(ctx, &MetricSample{NodeID: "node-001", MetricTime: now, CPUUsage: &cpu2, CreatedAt: now})

	sum, err := s.Summary(ctx, "node-001", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Count != 2 {
		t.Fatalf("count = %d, want 2", sum.Count)
	}
	if sum.AvgCPUUsage == nil || *sum.AvgCPUUsage != 20 {
		t.Fatalf("avg_cpu_usage = %v, want 20", sum.AvgCPUUsage)
	}
	if sum.MaxCPUUsage == nil || *sum.MaxCPUUsage != 30 {
		t.Fatalf("max_cpu_usage = %v, want 30", sum.MaxCPUUsage)
	}
}

func TestPruneMetricsRemovesOldSamplesOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()
	s.InsertMetric(ctx, &MetricSample{NodeID: "node-001", MetricTime: old, CreatedAt: old})
	s.InsertMetric(ctx, &MetricSample{NodeID: "node-001", MetricTime: fresh, CreatedAt: fresh})

	deleted, err := s.PruneMetrics(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneMetrics: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	remaining, _ := s.ListMetrics(ctx, "node-001", time.Time{}, time.Time{}, 0, 0)
	if len(remaining) != 1 {
		t.Fatalf("remaining = %d, want 1", len(remaining))
	}
}

func TestCommandLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := &CommandRecord{CommandID: "cmd-1", TargetNodeID: "node-001", Status: CommandPending, CreatedAt: time.Now()}
	if err := s.CreateCommand(ctx, rec); err != nil {
		t.Fatalf("CreateCommand: %v", err)
	}

	if err := s.TransitionCommand(ctx, "cmd-1", CommandRunning, time.Now()); err != nil {
		t.Fatalf("TransitionCommand: %v", err)
	}
	got, _ := s.GetCommand(ctx, "cmd-1")
	if got.Status != CommandRunning || got.StartedAt == nil {
		t.Fatalf("expected running with started_at set, got status=%s started_at=%v", got.Status, got.StartedAt)
	}

	if err := s.AttachResult(ctx, "cmd-1", CommandResult{ExitCode: 0}, CommandSuccess, time.Now()); err != nil {
		t.Fatalf("AttachResult: %v", err)
	}
	got, _ = s.GetCommand(ctx, "cmd-1")
	if got.Status != CommandSuccess || got.CompletedAt == nil || got.Result == nil {
		t.Fatal("expected a terminal success record with a result and completed_at")
	}
}

func TestGetCommandUnknownReturnsNilNotError(t *testing.T) {
	s := NewMemoryStore()
	rec, err := s.GetCommand(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Fatal("expected nil record for an unknown command_id")
	}
}
