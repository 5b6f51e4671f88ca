package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on top of a PostgreSQL connection
// pool; it is the durable backend described by the logical table
// layout (nodes, node_metrics, commands, command_results).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore dials and pings a new connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Node operations ---

func (s *PostgresStore) UpsertNode(ctx context.Context, nodeID string, info NodeInfo) (*Node, error) {
	query := `
		INSERT INTO nodes (node_id, hostname, ip_address, os_info, status, registered_at, updated_at)
		VALUES ($1, $2, $3, $4, 'offline', NOW(), NOW())
		ON CONFLICT (node_id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			ip_address = EXCLUDED.ip_address,
			os_info = EXCLUDED.os_info,
			updated_at = NOW()
		RETURNING node_id, hostname, ip_address, os_info, status, last_heartbeat, registered_at, updated_at
	`
	var n Node
	err := s.pool.QueryRow(ctx, query, nodeID, info.Hostname, info.IPAddress, info.OSInfo).Scan(
		&n.NodeID, &n.Hostname, &n.IPAddress, &n.OSInfo, &n.Status, &n.LastHeartbeat, &n.RegisteredAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *PostgresStore) MarkOnline(ctx context.Context, nodeID string, heartbeatTime time.Time) error {
	query := `UPDATE nodes SET status = 'online', last_heartbeat = $1, updated_at = NOW() WHERE node_id = $2`
	tag, err := s.pool.Exec(ctx, query, heartbeatTime, nodeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkOffline(ctx context.Context, nodeID string) error {
	query := `UPDATE nodes SET status = 'offline', updated_at = NOW() WHERE node_id = $1`
	tag, err := s.pool.Exec(ctx, query, nodeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	var countQuery, listQuery string
	var countArgs, listArgs []interface{}
	if filter.Status != "" {
		countQuery = `SELECT COUNT(*) FROM nodes WHERE status = $1`
		countArgs = []interface{}{filter.Status}
		listQuery = `
			SELECT node_id, hostname, ip_address, os_info, status, last_heartbeat, registered_at, updated_at
			FROM nodes WHERE status = $1 ORDER BY node_id LIMIT $2 OFFSET $3
		`
		listArgs = []interface{}{filter.Status, limit, offset}
	} else {
		countQuery = `SELECT COUNT(*) FROM nodes`
		listQuery = `
			SELECT node_id, hostname, ip_address, os_info, status, last_heartbeat, registered_at, updated_at
			FROM nodes ORDER BY node_id LIMIT $1 OFFSET $2
		`
		listArgs = []interface{}{limit, offset}
	}

	var total int
	if err := s.pool.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.NodeID, &n.Hostname, &n.IPAddress, &n.OSInfo, &n.Status, &n.LastHeartbeat, &n.RegisteredAt, &n.UpdatedAt); err != nil {
			return nil, 0, err
		}
		nodes = append(nodes, &n)
	}
	return nodes, total, nil
}

func (s *PostgresStore) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	query := `
		SELECT node_id, hostname, ip_address, os_info, status, last_heartbeat, registered_at, updated_at
		FROM nodes WHERE node_id = $1
	`
	var n Node
	err := s.pool.QueryRow(ctx, query, nodeID).Scan(
		&n.NodeID, &n.Hostname, &n.IPAddress, &n.OSInfo, &n.Status, &n.LastHeartbeat, &n.RegisteredAt, &n.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *PostgresStore) DeleteNode(ctx context.Context, nodeID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM node_metrics WHERE node_id = $1`, nodeID)
	if err != nil {
		return false, err
	}
	_ = tag
	tag, err = s.pool.Exec(ctx, `DELETE FROM nodes WHERE node_id = $1`, nodeID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) CleanupStaleNodes(ctx context.Context, timeout time.Duration) (int, error) {
	query := `
		UPDATE nodes SET status = 'offline', updated_at = NOW()
		WHERE status = 'online' AND (last_heartbeat IS NULL OR last_heartbeat < NOW() - $1::interval)
	`
	tag, err := s.pool.Exec(ctx, query, timeout.String())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Metric sample operations ---

func (s *PostgresStore) InsertMetric(ctx context.Context, sample *MetricSample) error {
	query := `
		INSERT INTO node_metrics (node_id, metric_time, cpu_usage, memory_usage, disk_usage, load_average,
			memory_total, memory_available, disk_total, disk_available, uptime, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
	`
	_, err := s.pool.Exec(ctx, query,
		sample.NodeID, sample.MetricTime, sample.CPUUsage, sample.MemoryUsage, sample.DiskUsage, sample.LoadAverage,
		sample.MemoryTotal, sample.MemoryAvailable, sample.DiskTotal, sample.DiskAvailable, sample.UptimeSeconds,
	)
	return err
}

func (s *PostgresStore) LatestMetric(ctx context.Context, nodeID string) (*MetricSample, error) {
	query := `
		SELECT node_id, metric_time, cpu_usage, memory_usage, disk_usage, load_average,
			memory_total, memory_available, disk_total, disk_available, uptime, created_at
		FROM node_metrics WHERE node_id = $1 ORDER BY metric_time DESC LIMIT 1
	`
	var m MetricSample
	err := s.pool.QueryRow(ctx, query, nodeID).Scan(
		&m.NodeID, &m.MetricTime, &m.CPUUsage, &m.MemoryUsage, &m.DiskUsage, &m.LoadAverage,
		&m.MemoryTotal, &m.MemoryAvailable, &m.DiskTotal, &m.DiskAvailable, &m.UptimeSeconds, &m.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListMetrics(ctx context.Context, nodeID string, start, end time.Time, limit, offset int) ([]*MetricSample, error) {
	query := `
		SELECT node_id, metric_time, cpu_usage, memory_usage, disk_usage, load_average,
			memory_total, memory_available, disk_total, disk_available, uptime, created_at
		FROM node_metrics
		WHERE node_id = $1 AND metric_time >= $2 AND metric_time <= $3
		ORDER BY metric_time ASC LIMIT $4 OFFSET $5
	`
	rows, err := s.pool.Query(ctx, query, nodeID, start, end, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MetricSample
	for rows.Next() {
		var m MetricSample
		if err := rows.Scan(
			&m.NodeID, &m.MetricTime, &m.CPUUsage, &m.MemoryUsage, &m.DiskUsage, &m.LoadAverage,
			&m.MemoryTotal, &m.MemoryAvailable, &m.DiskTotal, &m.DiskAvailable, &m.UptimeSeconds, &m.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, nil
}

func (s *PostgresStore) Summary(ctx context.Context, nodeID string, start, end time.Time) (*MetricSummary, error) {
	query := `
		SELECT COUNT(*), AVG(cpu_usage), MAX(cpu_usage), AVG(memory_usage), MAX(memory_usage), AVG(disk_usage), MAX(disk_usage)
		FROM node_metrics WHERE node_id = $1 AND metric_time >= $2 AND metric_time <= $3
	`
	var sum MetricSummary
	err := s.pool.QueryRow(ctx, query, nodeID, start, end).Scan(
		&sum.Count, &sum.AvgCPUUsage, &sum.MaxCPUUsage, &sum.AvgMemoryUsage, &sum.MaxMemoryUsage, &sum.AvgDiskUsage, &sum.MaxDiskUsage,
	)
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

func (s *PostgresStore) AllLatest(ctx context.Context) ([]*MetricSample, error) {
	query := `
		SELECT DISTINCT ON (node_id) node_id, metric_time, cpu_usage, memory_usage, disk_usage, load_average,
			memory_total, memory_available, disk_total, disk_available, uptime, created_at
		FROM node_metrics ORDER BY node_id, metric_time DESC
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MetricSample
	for rows.Next() {
		var m MetricSample
		if err := rows.Scan(
			&m.NodeID, &m.MetricTime, &m.CPUUsage, &m.MemoryUsage, &m.DiskUsage, &m.LoadAverage,
			&m.MemoryTotal, &m.MemoryAvailable, &m.DiskTotal, &m.DiskAvailable, &m.UptimeSeconds, &m.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, nil
}

func (s *PostgresStore) PruneMetrics(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM node_metrics WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Command operations ---

func (s *PostgresStore) CreateCommand(ctx context.Context, rec *CommandRecord) error {
	query := `
		INSERT INTO commands (command_id, target_node_id, command_text, timeout_seconds, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, query, rec.CommandID, rec.TargetNodeID, rec.CommandText, rec.TimeoutSeconds, rec.Status, rec.CreatedAt)
	return err
}

func (s *PostgresStore) TransitionCommand(ctx context.Context, commandID, newStatus string, now time.Time) error {
	var query string
	var args []interface{}
	if newStatus == CommandRunning {
		query = `UPDATE commands SET status = $1, started_at = $2 WHERE command_id = $3`
		args = []interface{}{newStatus, now, commandID}
	} else {
		query = `UPDATE commands SET status = $1 WHERE command_id = $2`
		args = []interface{}{newStatus, commandID}
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AttachResult(ctx context.Context, commandID string, result CommandResult, newStatus string, now time.Time) error {
	query := `
		UPDATE commands SET status = $1, completed_at = $2,
			exit_code = $3, stdout = $4, stderr = $5, execution_time_ms = $6
		WHERE command_id = $7
	`
	tag, err := s.pool.Exec(ctx, query, newStatus, now, result.ExitCode, result.Stdout, result.Stderr, result.ExecutionTimeMs, commandID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListCommands(ctx context.Context, filter CommandFilter) ([]*CommandRecord, error) {
	query := `
		SELECT command_id, target_node_id, command_text, timeout_seconds, status, created_at, started_at, completed_at,
			exit_code, stdout, stderr, execution_time_ms
		FROM commands WHERE ($1 = '' OR status = $1) AND ($2 = '' OR target_node_id = $2)
		ORDER BY created_at DESC LIMIT $3 OFFSET $4
	`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, query, filter.Status, filter.NodeID, limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCommandRows(rows)
}

func (s *PostgresStore) GetCommand(ctx context.Context, commandID string) (*CommandRecord, error) {
	query := `
		SELECT command_id, target_node_id, command_text, timeout_seconds, status, created_at, started_at, completed_at,
			exit_code, stdout, stderr, execution_time_ms
		FROM commands WHERE command_id = $1
	`
	rows, err := s.pool.Query(ctx, query, commandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs, err := scanCommandRows(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

func scanCommandRows(rows pgx.Rows) ([]*CommandRecord, error) {
	var out []*CommandRecord
	for rows.Next() {
		var rec CommandRecord
		var exitCode *int
		var stdout, stderr *string
		var execMs *int64
		if err := rows.Scan(
			&rec.CommandID, &rec.TargetNodeID, &rec.CommandText, &rec.TimeoutSeconds, &rec.Status,
			&rec.CreatedAt, &rec.StartedAt, &rec.CompletedAt, &exitCode, &stdout, &stderr, &execMs,
		); err != nil {
			return nil, err
		}
		if exitCode != nil {
			rec.Result = &CommandResult{
				ExitCode: *exitCode,
			}
			if stdout != nil {
				rec.Result.Stdout = *stdout
			}
			if stderr != nil {
				rec.Result.Stderr = *stderr
			}
			if execMs != nil {
				rec.Result.ExecutionTimeMs = *execMs
			}
		}
		out = append(out, &rec)
	}
	return out, nil
}
