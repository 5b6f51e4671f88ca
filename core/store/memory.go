package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation used in tests and as
// a dependency-free fallback. It implements the full Store contract.
type MemoryStore struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	metrics  map[string][]*MetricSample // nodeID -> samples, append order
	commands map[string]*CommandRecord
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:    make(map[string]*Node),
		metrics:  make(map[string][]*MetricSample),
		commands: make(map[string]*CommandRecord),
	}
}

// --- Node operations ---

func (s *MemoryStore) UpsertNode(ctx context.Context, nodeID string, info NodeInfo) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	n, exists := s.nodes[nodeID]
	if !exists {
		n = &Node{
			NodeID:       nodeID,
			Status:       "offline",
			RegisteredAt: now,
		}
		s.nodes[nodeID] = n
	}
	n.Hostname = info.Hostname
	n.IPAddress = info.IPAddress
	n.OSInfo = info.OSInfo
	n.UpdatedAt = now
	nodeCopy := *n
	return &nodeCopy, nil
}

func (s *MemoryStore) MarkOnline(ctx context.Context, nodeID string, heartbeatTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return ErrNotFound
	}
	n.Status = "online"
	t := heartbeatTime
	n.LastHeartbeat = &t
	n.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkOffline(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return ErrNotFound
	}
	if n.Status == "offline" {
		return nil
	}
	n.Status = "offline"
	n.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Node
	for _, n := range s.nodes {
		if filter.Status != "" && n.Status != filter.Status {
			continue
		}
		nodeCopy := *n
		matched = append(matched, &nodeCopy)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].NodeID < matched[j].NodeID })

	total := len(matched)
	page := filter.Page
	if page < 1 {
		page = 1
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	start := (page - 1) * limit
	if start >= total {
		return []*Node{}, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *MemoryStore) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, nil
	}
	nodeCopy := *n
	return &nodeCopy, nil
}

func (s *MemoryStore) DeleteNode(ctx context.Context, nodeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[nodeID]; !ok {
		return false, nil
	}
	delete(s.nodes, nodeID)
	delete(s.metrics, nodeID)
	return true, nil
}

func (s *MemoryStore) CleanupStaleNodes(ctx context.Context, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-timeout)
	count := 0
	for _, n := range s.nodes {
		if n.Status == "online" && n.LastHeartbeat != nil && n.LastHeartbeat.Before(cutoff) {
			n.Status = "offline"
			n.UpdatedAt = time.Now().UTC()
			count++
		}
	}
	return count, nil
}

// --- Metric sample operations ---

func (s *MemoryStore) InsertMetric(ctx context.Context, sample *MetricSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sampleCopy := *sample
	s.metrics[sample.NodeID] = append(s.metrics[sample.NodeID], &sampleCopy)
	return nil
}

func (s *MemoryStore) LatestMetric(ctx context.Context, nodeID string) (*MetricSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	samples := s.metrics[nodeID]
	if len(samples) == 0 {
		return nil, nil
	}
	latest := samples[0]
	for _, sm := range samples[1:] {
		if sm.MetricTime.After(latest.MetricTime) {
			latest = sm
		}
	}
	latestCopy := *latest
	return &latestCopy, nil
}

func (s *MemoryStore) ListMetrics(ctx context.Context, nodeID string, start, end time.Time, limit, offset int) ([]*MetricSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*MetricSample
	for _, sm := range s.metrics[nodeID] {
		if !start.IsZero() && sm.MetricTime.Before(start) {
			continue
		}
		if !end.IsZero() && sm.MetricTime.After(end) {
			continue
		}
		smCopy := *sm
		matched = append(matched, &smCopy)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].MetricTime.Before(matched[j].MetricTime) })

	if offset >= len(matched) {
		return []*MetricSample{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStore) Summary(ctx context.Context, nodeID string, start, end time.Time) (*MetricSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := &MetricSummary{}
	var cpuSum, memSum, diskSum float64
	var cpuN, memN, diskN int
	for _, sm := range s.metrics[nodeID] {
		if !start.IsZero() && sm.MetricTime.Before(start) {
			continue
		}
		if !end.IsZero() && sm.MetricTime.After(end) {
			continue
		}
		sum.Count++
		if sm.CPUUsage != nil {
			cpuSum += *sm.CPUUsage
			cpuN++
			if sum.MaxCPUUsage == nil || *sm.CPUUsage > *sum.MaxCPUUsage {
				v := *sm.CPUUsage
				sum.MaxCPUUsage = &v
			}
		}
		if sm.MemoryUsage != nil {
			memSum += *sm.MemoryUsage
			memN++
			if sum.MaxMemoryUsage == nil || *sm.MemoryUsage > *sum.MaxMemoryUsage {
				v := *sm.MemoryUsage
				sum.MaxMemoryUsage = &v
			}
		}
		if sm.DiskUsage != nil {
			diskSum += *sm.DiskUsage
			diskN++
			if sum.MaxDiskUsage == nil || *sm.DiskUsage > *sum.MaxDiskUsage {
				v := *sm.DiskUsage
				sum.MaxDiskUsage = &v
			}
		}
	}
	if cpuN > 0 {
		avg := cpuSum / float64(cpuN)
		sum.AvgCPUUsage = &avg
	}
	if memN > 0 {
		avg := memSum / float64(memN)
		sum.AvgMemoryUsage = &avg
	}
	if diskN > 0 {
		avg := diskSum / float64(diskN)
		sum.AvgDiskUsage = &avg
	}
	return sum, nil
}

func (s *MemoryStore) AllLatest(ctx context.Context) ([]*MetricSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*MetricSample
	for _, samples := range s.metrics {
		if len(samples) == 0 {
			continue
		}
		latest := samples[0]
		for _, sm := range samples[1:] {
			if sm.MetricTime.After(latest.MetricTime) {
				latest = sm
			}
		}
		latestCopy := *latest
		out = append(out, &latestCopy)
	}
	return out, nil
}

func (s *MemoryStore) PruneMetrics(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for nodeID, samples := range s.metrics {
		kept := samples[:0:0]
		for _, sm := range samples {
			if sm.CreatedAt.Before(before) {
				deleted++
				continue
			}
			kept = append(kept, sm)
		}
		s.metrics[nodeID] = kept
	}
	return deleted, nil
}

// --- Command operations ---

func (s *MemoryStore) CreateCommand(ctx context.Context, rec *CommandRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recCopy := *rec
	s.commands[rec.CommandID] = &recCopy
	return nil
}

func (s *MemoryStore) TransitionCommand(ctx context.Context, commandID, newStatus string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[commandID]
	if !ok {
		return ErrNotFound
	}
	cmd.Status = newStatus
	if newStatus == CommandRunning {
		t := now
		cmd.StartedAt = &t
	}
	return nil
}

func (s *MemoryStore) AttachResult(ctx context.Context, commandID string, result CommandResult, newStatus string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[commandID]
	if !ok {
		return ErrNotFound
	}
	resultCopy := result
	cmd.Result = &resultCopy
	cmd.Status = newStatus
	t := now
	cmd.CompletedAt = &t
	return nil
}

func (s *MemoryStore) ListCommands(ctx context.Context, filter CommandFilter) ([]*CommandRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*CommandRecord
	for _, cmd := range s.commands {
		if filter.Status != "" && cmd.Status != filter.Status {
			continue
		}
		if filter.NodeID != "" && cmd.TargetNodeID != filter.NodeID {
			continue
		}
		cmdCopy := *cmd
		matched = append(matched, &cmdCopy)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	offset := filter.Offset
	if offset >= len(matched) {
		return []*CommandRecord{}, nil
	}
	matched = matched[offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) GetCommand(ctx context.Context, commandID string) (*CommandRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cmd, ok := s.commands[commandID]
	if !ok {
		return nil, nil
	}
	cmdCopy := *cmd
	return &cmdCopy, nil
}
