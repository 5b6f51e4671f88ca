package store

import (
	"context"
	"time"
)

// Store defines the persistence contract for nodes, metric samples, and
// command records. It abstracts over Postgres (durable) and an
// in-memory backend (tests); core/metrics additionally layers an
// optional Redis-backed latest-snapshot cache on top of whichever Store
// is active (see core/metrics/cache_redis.go).
type Store interface {
	// Node operations
	UpsertNode(ctx context.Context, nodeID string, info NodeInfo) (*Node, error)
	MarkOnline(ctx context.Context, nodeID string, heartbeatTime time.Time) error
	MarkOffline(ctx context.Context, nodeID string) error
	ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, int, error)
	GetNode(ctx context.Context, nodeID string) (*Node, error)
	DeleteNode(ctx context.Context, nodeID string) (bool, error)
	CleanupStaleNodes(ctx context.Context, timeout time.Duration) (int, error)

	// Metric sample operations
	InsertMetric(ctx context.Context, sample *MetricSample) error
	LatestMetric(ctx context.Context, nodeID string) (*MetricSample, error)
	ListMetrics(ctx context.Context, nodeID string, start, end time.Time, limit, offset int) ([]*MetricSample, error)
	Summary(ctx context.Context, nodeID string, start, end time.Time) (*MetricSummary, error)
	AllLatest(ctx context.Context) ([]*MetricSample, error)
	PruneMetrics(ctx context.Context, before time.Time) (int, error)

	// Command operations
	CreateCommand(ctx context.Context, rec *CommandRecord) error
	TransitionCommand(ctx context.Context, commandID, newStatus string, now time.Time) error
	AttachResult(ctx context.Context, commandID string, result CommandResult, newStatus string, now time.Time) error
	ListCommands(ctx context.Context, filter CommandFilter) ([]*CommandRecord, error)
	GetCommand(ctx context.Context, commandID string) (*CommandRecord, error)
}

// ErrNotFound is returned by single-row updates (MarkOnline, MarkOffline,
// TransitionCommand, AttachResult) whose target row does not exist.
// Single-row lookups (GetNode, GetCommand) report a missing row as a
// nil, nil result instead.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "store: not found" }
