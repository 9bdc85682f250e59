package store

import (
	"context"
	"fmt"

	"github.com/jobmon-org/jobmon/internal/core"
)

// StatusCounts aggregates live row counts for the telemetry collector.
type StatusCounts struct {
	Workflows         map[core.WorkflowStatus]int
	WorkflowRuns      map[core.WorkflowRunStatus]int
	TaskInstances     map[core.TaskInstanceStatus]int
	AliveDistributors int
}

func (s *Store) StatusCounts(ctx context.Context, q Querier) (StatusCounts, error) {
	counts := StatusCounts{
		Workflows:     make(map[core.WorkflowStatus]int),
		WorkflowRuns:  make(map[core.WorkflowRunStatus]int),
		TaskInstances: make(map[core.TaskInstanceStatus]int),
	}

	if err := s.countByStatus(ctx, q, "workflow", func(status string, n int) {
		counts.Workflows[core.WorkflowStatus(status)] = n
	}); err != nil {
		return StatusCounts{}, err
	}
	if err := s.countByStatus(ctx, q, "workflow_run", func(status string, n int) {
		counts.WorkflowRuns[core.WorkflowRunStatus(status)] = n
	}); err != nil {
		return StatusCounts{}, err
	}
	if err := s.countByStatus(ctx, q, "task_instance", func(status string, n int) {
		counts.TaskInstances[core.TaskInstanceStatus(status)] = n
	}); err != nil {
		return StatusCounts{}, err
	}

	err := q.QueryRowContext(ctx, s.rebind(
		"SELECT COUNT(*) FROM distributor_instance WHERE expunged = FALSE AND report_by_date > ?"),
		now()).Scan(&counts.AliveDistributors)
	if err != nil {
		return StatusCounts{}, fmt.Errorf("failed to count alive distributor instances: %w", err)
	}
	return counts, nil
}

func (s *Store) countByStatus(ctx context.Context, q Querier, table string, add func(status string, n int)) error {
	rows, err := q.QueryContext(ctx, "SELECT status, COUNT(*) FROM "+table+" GROUP BY status")
	if err != nil {
		return fmt.Errorf("failed to count %s rows: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return fmt.Errorf("failed to scan %s count: %w", table, err)
		}
		add(status, n)
	}
	return rows.Err()
}
