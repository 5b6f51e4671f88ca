package store

import "time"

// Node is a registered, managed machine.
type Node struct {
	NodeID        string     `json:"node_id" db:"node_id"`
	Hostname      string     `json:"hostname" db:"hostname"`
	IPAddress     string     `json:"ip_address" db:"ip_address"`
	OSInfo        string     `json:"os_info" db:"os_info"`
	Status        string     `json:"status" db:"status"` // "online" | "offline"
	LastHeartbeat *time.Time `json:"last_heartbeat" db:"last_heartbeat"`
	RegisteredAt  time.Time  `json:"registered_at" db:"registered_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// NodeInfo is the mutable identity subset of Node accepted on
// registration.
type NodeInfo struct {
	Hostname  string
	IPAddress string
	OSInfo    string
}

// MetricSample is one reported measurement of a node's system state.
type MetricSample struct {
	NodeID          string    `json:"node_id" db:"node_id"`
	MetricTime      time.Time `json:"metric_time" db:"metric_time"`
	CPUUsage        *float64  `json:"cpu_usage" db:"cpu_usage"`
	MemoryUsage     *float64  `json:"memory_usage" db:"memory_usage"`
	DiskUsage       *float64  `json:"disk_usage" db:"disk_usage"`
	LoadAverage     *float64  `json:"load_average" db:"load_average"`
	MemoryTotal     *int64    `json:"memory_total" db:"memory_total"`
	MemoryAvailable *int64    `json:"memory_available" db:"memory_available"`
	DiskTotal       *int64    `json:"disk_total" db:"disk_total"`
	DiskAvailable   *int64    `json:"disk_available" db:"disk_available"`
	UptimeSeconds   *int64    `json:"uptime" db:"uptime"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// MetricSummary aggregates a node's samples over a time window.
type MetricSummary struct {
	Count          int      `json:"count"`
	AvgCPUUsage    *float64 `json:"avg_cpu_usage"`
	MaxCPUUsage    *float64 `json:"max_cpu_usage"`
	AvgMemoryUsage *float64 `json:"avg_memory_usage"`
	MaxMemoryUsage *float64 `json:"max_memory_usage"`
	AvgDiskUsage   *float64 `json:"avg_disk_usage"`
	MaxDiskUsage   *float64 `json:"max_disk_usage"`
}

// Command status values. Terminal states: success, failed, timeout,
// undeliverable.
const (
	CommandPending       = "pending"
	CommandRunning       = "running"
	CommandSuccess       = "success"
	CommandFailed        = "failed"
	CommandTimeout       = "timeout"
	CommandUndeliverable = "undeliverable"
)

// CommandResult is the outcome of an executed command, attached to a
// CommandRecord once it reaches a terminal state.
type CommandResult struct {
	ExitCode        int    `json:"exit_code" db:"exit_code"`
	Stdout          string `json:"stdout" db:"stdout"`
	Stderr          string `json:"stderr" db:"stderr"`
	ExecutionTimeMs int64  `json:"execution_time_ms" db:"execution_time_ms"`
}

// CommandRecord is a single shell-command request/result round trip.
type CommandRecord struct {
	CommandID      string         `json:"command_id" db:"command_id"`
	TargetNodeID   string         `json:"target_node_id" db:"target_node_id"`
	CommandText    string         `json:"command_text" db:"command_text"`
	TimeoutSeconds int            `json:"timeout_seconds" db:"timeout_seconds"`
	Status         string         `json:"status" db:"status"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	StartedAt      *time.Time     `json:"started_at" db:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at" db:"completed_at"`
	Result         *CommandResult `json:"result,omitempty" db:"-"`
}

// NodeFilter narrows list_nodes queries.
type NodeFilter struct {
	Status string // "" means any
	Page   int    // 1-based; 0 treated as 1
	Limit  int    // 0 treated as a default
}

// CommandFilter narrows list_commands/list queries.
type CommandFilter struct {
	Status string
	NodeID string
	Limit  int
	Offset int
}
