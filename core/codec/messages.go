package codec

// WelcomePayload greets a newly connected session, agent or observer.
type WelcomePayload struct {
	Message string `json:"message"`
	NodeID  string `json:"node_id,omitempty"`
}

// NodeRegisterPayload is sent by an agent to claim or re-claim a node
// identity.
type NodeRegisterPayload struct {
	NodeID    string `json:"node_id"`
	Hostname  string `json:"hostname"`
	IPAddress string `json:"ip_address,omitempty"`
	OSInfo    string `json:"os_info,omitempty"`
}

// RegisterResponsePayload answers a NodeRegisterPayload.
type RegisterResponsePayload struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	NodeID  string `json:"node_id"`
	Action  string `json:"action,omitempty"` // "created" | "updated"
}

// MetricsPayload carries one sample's worth of system measurements. All
// percent fields are pointers so "not reported" round-trips as JSON
// null rather than a misleading zero.
type MetricsPayload struct {
	CPUUsage        *float64  `json:"cpu_usage,omitempty"`
	MemoryUsage     *float64  `json:"memory_usage,omitempty"`
	DiskUsage       *float64  `json:"disk_usage,omitempty"`
	LoadAverage     *float64  `json:"load_average,omitempty"`
	MemoryTotal     *int64    `json:"memory_total,omitempty"`
	MemoryAvailable *int64    `json:"memory_available,omitempty"`
	DiskTotal       *int64    `json:"disk_total,omitempty"`
	DiskAvailable   *int64    `json:"disk_available,omitempty"`
	UptimeSeconds   *int64    `json:"uptime,omitempty"`
	PerCoreUsage    []float64 `json:"per_core_usage,omitempty"` // only when [monitoring] detailed_metrics is on
}

// HeartbeatPayload is the agent->core heartbeat frame.
type HeartbeatPayload struct {
	NodeID     string          `json:"node_id"`
	MetricTime *string         `json:"metric_time,omitempty"` // RFC3339, optional
	Metrics    MetricsPayload  `json:"metrics"`
}

// HeartbeatAckPayload answers a HeartbeatPayload.
type HeartbeatAckPayload struct {
	Received bool   `json:"received"`
	NodeID   string `json:"node_id"`
}

// ExecuteCommandPayload is sent core->agent to request execution.
type ExecuteCommandPayload struct {
	CommandID      string `json:"command_id"`
	CommandText    string `json:"command_text"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// CommandStartedPayload acknowledges receipt of an ExecuteCommandPayload.
type CommandStartedPayload struct {
	CommandID string `json:"command_id"`
}

// CommandResultPayload carries the outcome of a completed command.
type CommandResultPayload struct {
	CommandID        string `json:"command_id"`
	ExitCode         int    `json:"exit_code"`
	Stdout           string `json:"stdout"`
	Stderr           string `json:"stderr"`
	ExecutionTimeMs  int64  `json:"execution_time_ms"`
}

// CommandReceivedPayload acknowledges a CommandResultPayload back to the
// agent that sent it.
type CommandReceivedPayload struct {
	Received  bool   `json:"received"`
	NodeID    string `json:"node_id"`
	CommandID string `json:"command_id"`
}

// NodeSummary is the observer-facing projection of a Node.
type NodeSummary struct {
	NodeID        string  `json:"node_id"`
	Hostname      string  `json:"hostname"`
	IPAddress     string  `json:"ip_address"`
	OSInfo        string  `json:"os_info"`
	Status        string  `json:"status"`
	LastHeartbeat *string `json:"last_heartbeat"`
}

// NodesUpdatePayload is the coalesced node-list snapshot/delta pushed to
// observers.
type NodesUpdatePayload struct {
	Nodes []NodeSummary `json:"nodes"`
}

// MetricsUpdatePayload is the coalesced latest-metrics map pushed to
// observers, keyed by node_id.
type MetricsUpdatePayload struct {
	Metrics map[string]MetricsPayload `json:"metrics"`
}

// NodeStatusChangePayload announces a discrete online/offline transition.
type NodeStatusChangePayload struct {
	NodeID string `json:"node_id"`
	Status string `json:"status"`
}
