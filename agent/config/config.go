// Package config loads the Node Agent's configuration from the
// environment and its on-disk node identity. There is no config file
// parser, matching the teacher's own agent: everything is either an
// environment override or a small persisted identity file.
//
// Variables are grouped into the same five sections the agent's
// documented config file would have ([core], [monitoring], [system],
// [logging], [advanced]), each overridable by an env var shaped
// SM_NODE__<SECTION>__<FIELD>.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds everything the agent needs to dial Core, identify
// itself, and run its session, sampling, and command loops.
type Config struct {
	// [core]
	NodeID  string
	CoreURL string // ws:// or wss:// base, e.g. "ws://localhost:8080"
	Token   string

	// [monitoring]
	HeartbeatInterval time.Duration // [5s, 300s], default 30s
	MetricsInterval   time.Duration // default 15s; loaded but not read by the client, which samples once per heartbeat
	DetailedMetrics   bool          // include per-core/per-disk breakdowns

	// [system]
	Hostname         string
	OSInfo           string
	ReportSystemInfo bool // include hostname/os_info in registration

	// [logging]
	LogLevel string // "debug" | "info" | "warn" | "error", default "info"

	// [advanced]
	ReconnectInterval    time.Duration // initial backoff step, default 1s
	MaxBackoff           time.Duration // backoff cap, default 60s
	MaxRetries           int           // 0 means unlimited
	CommandTimeout       time.Duration // default command timeout when unset, default 30s
	MetricsRetentionDays int           // advisory hint only; enforced core-side

	CommandOutputCap int64 // default 1 MiB; not read by the executor, which applies its own fixed per-stream cap
}

// Load builds a Config from the environment, generating and persisting
// a node_id on first run if one wasn't supplied.
func Load() (*Config, error) {
	nodeID := os.Getenv("SM_NODE__CORE__NODE_ID")
	if nodeID == "" {
		id, err := loadOrCreateNodeID()
		if err != nil {
			return nil, fmt.Errorf("config: node id: %w", err)
		}
		nodeID = id
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	cfg := &Config{
		NodeID:  nodeID,
		CoreURL: "ws://localhost:8080",

		HeartbeatInterval: 30 * time.Second,
		MetricsInterval:   15 * time.Second,
		DetailedMetrics:   false,

		Hostname:         hostname,
		OSInfo:           fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		ReportSystemInfo: true,

		LogLevel: "info",

		ReconnectInterval:    1 * time.Second,
		MaxBackoff:           60 * time.Second,
		MaxRetries:           0,
		CommandTimeout:       30 * time.Second,
		MetricsRetentionDays: 30,

		CommandOutputCap: 1 << 20,
	}

	// [core]
	if v := os.Getenv("SM_NODE__CORE__URL"); v != "" {
		cfg.CoreURL = v
	}
	if v := os.Getenv("SM_NODE__CORE__TOKEN"); v != "" {
		cfg.Token = v
	}

	// [monitoring]
	if v := os.Getenv("SM_NODE__MONITORING__HEARTBEAT_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			d := time.Duration(n) * time.Second
			if d < 5*time.Second {
				d = 5 * time.Second
			}
			if d > 300*time.Second {
				d = 300 * time.Second
			}
			cfg.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("SM_NODE__MONITORING__METRICS_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MetricsInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("SM_NODE__MONITORING__DETAILED_METRICS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DetailedMetrics = b
		}
	}

	// [system]
	if v := os.Getenv("SM_NODE__SYSTEM__HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("SM_NODE__SYSTEM__REPORT_SYSTEM_INFO"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ReportSystemInfo = b
		}
	}

	// [logging]
	if v := os.Getenv("SM_NODE__LOGGING__LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	// [advanced]
	if v := os.Getenv("SM_NODE__ADVANCED__RECONNECT_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ReconnectInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("SM_NODE__ADVANCED__MAX_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxBackoff = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("SM_NODE__ADVANCED__MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("SM_NODE__ADVANCED__COMMAND_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CommandTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("SM_NODE__ADVANCED__METRICS_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MetricsRetentionDays = n
		}
	}

	return cfg, nil
}

func loadOrCreateNodeID() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	dir := filepath.Join(home, ".fleetcore")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("config dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "node_id")

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return id, nil
}
