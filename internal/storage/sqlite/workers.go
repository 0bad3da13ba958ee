package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/prism-engine/prism/internal/types"
)

// RegisterWorker records a worker process, replacing any stale registration
// with the same instance ID.
func (s *SQLiteStore) RegisterWorker(ctx context.Context, w *types.WorkerInstance) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("invalid worker instance: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_instances (instance_id, hostname, pid, status, started_at, last_heartbeat, version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			hostname = excluded.hostname,
			pid = excluded.pid,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat
	`, w.InstanceID, w.Hostname, w.PID, w.Status, w.StartedAt, w.LastHeartbeat, w.Version)
	if err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	return nil
}

// UpdateHeartbeat refreshes a worker's liveness timestamp
func (s *SQLiteStore) UpdateHeartbeat(ctx context.Context, instanceID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE worker_instances SET last_heartbeat = ? WHERE instance_id = ?
	`, time.Now().UTC(), instanceID)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("worker instance not found: %s", instanceID)
	}
	return nil
}

// GetActiveWorkers returns all workers with running status
func (s *SQLiteStore) GetActiveWorkers(ctx context.Context) ([]*types.WorkerInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, hostname, pid, status, started_at, last_heartbeat, version
		FROM worker_instances WHERE status = 'running'
		ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query workers: %w", err)
	}
	defer rows.Close()

	var workers []*types.WorkerInstance
	for rows.Next() {
		var w types.WorkerInstance
		if err := rows.Scan(&w.InstanceID, &w.Hostname, &w.PID, &w.Status, &w.StartedAt, &w.LastHeartbeat, &w.Version); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, &w)
	}
	return workers, rows.Err()
}

// MarkWorkerStopped records a clean worker shutdown
func (s *SQLiteStore) MarkWorkerStopped(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE worker_instances SET status = 'stopped' WHERE instance_id = ?
	`, instanceID)
	if err != nil {
		return fmt.Errorf("failed to mark worker stopped: %w", err)
	}
	return nil
}
