package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jobmon-org/jobmon/internal/core"
)

// GetOrCreateArray groups a workflow's tasks of one template version for
// array submission. The name is taken from the first binding.
func (s *Store) GetOrCreateArray(ctx context.Context, q Querier, workflowID, taskTemplateVersionID int64, name string) (int64, error) {
	_, err := q.ExecContext(ctx, s.rebind(
		"INSERT INTO task_array (name, workflow_id, task_template_version_id) VALUES (?, ?, ?) ON CONFLICT DO NOTHING"),
		name, workflowID, taskTemplateVersionID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert array: %w", err)
	}
	var id int64
	err = q.QueryRowContext(ctx, s.rebind(
		"SELECT id FROM task_array WHERE workflow_id = ? AND task_template_version_id = ?"),
		workflowID, taskTemplateVersionID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to select array: %w", err)
	}
	return id, nil
}

// BindTasks bulk get-or-creates the workflow's tasks. New tasks start in
// REGISTERING; resumed tasks keep their reset status but pick up refreshed
// parameters (command, resources, retry budget).
func (s *Store) BindTasks(ctx context.Context, q Querier, workflowID int64, specs []core.TaskSpec) ([]core.BoundTask, error) {
	bound := make([]core.BoundTask, 0, len(specs))
	for _, spec := range specs {
		var ttvID int64
		err := q.QueryRowContext(ctx, s.rebind(
			"SELECT task_template_version_id FROM node WHERE id = ?"), spec.NodeID).Scan(&ttvID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("node %d: %w", spec.NodeID, core.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select node: %w", err)
		}

		arrayID, err := s.GetOrCreateArray(ctx, q, workflowID, ttvID, spec.ArrayName)
		if err != nil {
			return nil, err
		}

		scalesJSON, err := json.Marshal(spec.ResourceScales)
		if err != nil {
			return nil, fmt.Errorf("failed to encode resource scales: %w", err)
		}

		res, err := q.ExecContext(ctx, s.rebind(
			"INSERT INTO task (workflow_id, node_id, task_args_hash, array_id, name, command, task_resources_id, max_attempts, resource_scales, status, status_date) "+
				"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING"),
			workflowID, spec.NodeID, spec.TaskArgsHash, arrayID, spec.Name, spec.Command,
			spec.TaskResourcesID, spec.MaxAttempts, string(scalesJSON),
			string(core.TaskRegistering), now())
		if err != nil {
			return nil, fmt.Errorf("failed to insert task: %w", err)
		}

		var (
			taskID int64
			status string
		)
		err = q.QueryRowContext(ctx, s.rebind(
			"SELECT id, status FROM task WHERE workflow_id = ? AND node_id = ? AND task_args_hash = ?"),
			workflowID, spec.NodeID, spec.TaskArgsHash).Scan(&taskID, &status)
		if err != nil {
			return nil, fmt.Errorf("failed to select task: %w", err)
		}

		if n, _ := res.RowsAffected(); n == 0 {
			_, err = q.ExecContext(ctx, s.rebind(
				"UPDATE task SET name = ?, command = ?, task_resources_id = ?, max_attempts = ?, resource_scales = ? WHERE id = ?"),
				spec.Name, spec.Command, spec.TaskResourcesID, spec.MaxAttempts,
				string(scalesJSON), taskID)
			if err != nil {
				return nil, fmt.Errorf("failed to refresh task parameters: %w", err)
			}
		}

		for name, val := range spec.TaskArgs {
			argID, err := s.GetOrCreateArg(ctx, q, name)
			if err != nil {
				return nil, err
			}
			_, err = q.ExecContext(ctx, s.rebind(
				"INSERT INTO task_arg (task_id, arg_id, val) VALUES (?, ?, ?) ON CONFLICT DO NOTHING"),
				taskID, argID, val)
			if err != nil {
				return nil, fmt.Errorf("failed to insert task arg: %w", err)
			}
		}

		bound = append(bound, core.BoundTask{
			TaskID:       taskID,
			NodeID:       spec.NodeID,
			TaskArgsHash: spec.TaskArgsHash,
			ArrayID:      arrayID,
			Status:       core.TaskStatus(status),
		})
	}
	return bound, nil
}

func (s *Store) GetTask(ctx context.Context, q Querier, id int64) (core.Task, error) {
	var (
		t          core.Task
		status     string
		scalesJSON string
	)
	err := q.QueryRowContext(ctx, s.rebind(
		"SELECT id, workflow_id, node_id, task_args_hash, array_id, name, command, task_resources_id, num_attempts, max_attempts, resource_scales, status, status_date "+
			"FROM task WHERE id = ?"), id).
		Scan(&t.ID, &t.WorkflowID, &t.NodeID, &t.TaskArgsHash, &t.ArrayID, &t.Name,
			&t.Command, &t.TaskResourcesID, &t.NumAttempts, &t.MaxAttempts,
			&scalesJSON, &status, &t.StatusDate)
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("task: %w", core.ErrNotFound)
	}
	if err != nil {
		return t, fmt.Errorf("failed to select task: %w", err)
	}
	t.Status = core.TaskStatus(status)
	if err := json.Unmarshal([]byte(scalesJSON), &t.ResourceScales); err != nil {
		return t, fmt.Errorf("failed to decode resource scales: %w", err)
	}
	return t, nil
}

// GetOrCreateTaskResources content-addresses a resource request against a
// queue; identical requests share one immutable row.
func (s *Store) GetOrCreateTaskResources(ctx context.Context, q Querier, queueID int64, requested map[string]any) (int64, error) {
	hash := core.ResourcesHash(queueID, requested)
	requestedJSON, err := json.Marshal(requested)
	if err != nil {
		return 0, fmt.Errorf("failed to encode requested resources: %w", err)
	}
	_, err = q.ExecContext(ctx, s.rebind(
		"INSERT INTO task_resources (queue_id, requested_resources, resources_hash) VALUES (?, ?, ?) ON CONFLICT DO NOTHING"),
		queueID, string(requestedJSON), hash)
	if err != nil {
		return 0, fmt.Errorf("failed to insert task resources: %w", err)
	}
	var id int64
	err = q.QueryRowContext(ctx, s.rebind(
		"SELECT id FROM task_resources WHERE queue_id = ? AND resources_hash = ?"),
		queueID, hash).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to select task resources: %w", err)
	}
	return id, nil
}

// GetTaskResources loads one resource row with its queue and cluster names.
func (s *Store) GetTaskResources(ctx context.Context, q Querier, id int64) (core.TaskResources, string, string, error) {
	var (
		tr            core.TaskResources
		requestedJSON string
		queueName     string
		clusterName   string
	)
	err := q.QueryRowContext(ctx, s.rebind(
		"SELECT tr.id, tr.queue_id, tr.requested_resources, tr.resources_hash, q.name, c.name "+
			"FROM task_resources tr JOIN queue q ON q.id = tr.queue_id JOIN cluster c ON c.id = q.cluster_id "+
			"WHERE tr.id = ?"), id).
		Scan(&tr.ID, &tr.QueueID, &requestedJSON, &tr.Hash, &queueName, &clusterName)
	if errors.Is(err, sql.ErrNoRows) {
		return tr, "", "", fmt.Errorf("task resources: %w", core.ErrNotFound)
	}
	if err != nil {
		return tr, "", "", fmt.Errorf("failed to select task resources: %w", err)
	}
	if err := json.Unmarshal([]byte(requestedJSON), &tr.Requested); err != nil {
		return tr, "", "", fmt.Errorf("failed to decode requested resources: %w", err)
	}
	return tr, queueName, clusterName, nil
}

// UpdateTaskResources repoints the task at a new immutable resource row.
func (s *Store) UpdateTaskResources(ctx context.Context, q Querier, taskID, taskResourcesID int64) error {
	res, err := q.ExecContext(ctx, s.rebind(
		"UPDATE task SET task_resources_id = ? WHERE id = ?"), taskResourcesID, taskID)
	if err != nil {
		return fmt.Errorf("failed to update task resources: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d: %w", taskID, core.ErrNotFound)
	}
	return nil
}

// UpdateTaskStatuses force-sets tasks to DONE or REGISTERING on operator
// request. The optional workflow status write bypasses the FSM: rewinding a
// finished workflow has no lifecycle edge.
func (s *Store) UpdateTaskStatuses(ctx context.Context, q Querier, req core.UpdateTaskStatusesRequest) (int, error) {
	if req.NewStatus != core.TaskDone && req.NewStatus != core.TaskRegistering {
		return 0, core.NewInvalidUsage("tasks can only be set to DONE or REGISTERING, got %s", req.NewStatus)
	}
	if len(req.TaskIDs) == 0 {
		return 0, nil
	}

	query := "UPDATE task SET status = ?, status_date = ?"
	args := []any{string(req.NewStatus), now()}
	if req.NewStatus == core.TaskRegistering {
		query += ", num_attempts = 0"
	}
	query += " WHERE workflow_id = ? AND id IN (" + placeholders(len(req.TaskIDs)) + ")"
	args = append(args, req.WorkflowID)
	args = append(args, int64Args(req.TaskIDs)...)

	res, err := q.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update task statuses: %w", err)
	}
	n, _ := res.RowsAffected()

	if req.WorkflowStatus != "" {
		_, err := q.ExecContext(ctx, s.rebind(
			"UPDATE workflow SET status = ?, status_date = ? WHERE id = ?"),
			req.WorkflowStatus, now(), req.WorkflowID)
		if err != nil {
			return 0, fmt.Errorf("failed to update workflow status: %w", err)
		}
	}
	return int(n), nil
}

// GetWorkflowTasks lists the workflow's tasks, optionally filtered to the
// given statuses.
func (s *Store) GetWorkflowTasks(ctx context.Context, q Querier, workflowID int64, statuses []core.TaskStatus) ([]core.TaskStatusRow, error) {
	query := "SELECT id, name, status, num_attempts, max_attempts, status_date FROM task WHERE workflow_id = ?"
	args := []any{workflowID}
	if len(statuses) > 0 {
		query += " AND status IN (" + placeholders(len(statuses)) + ")"
		args = append(args, taskStatusArgs(statuses)...)
	}
	query += " ORDER BY id"

	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select workflow tasks: %w", err)
	}
	defer rows.Close()

	var out []core.TaskStatusRow
	for rows.Next() {
		var (
			row    core.TaskStatusRow
			status string
		)
		if err := rows.Scan(&row.TaskID, &row.Name, &status, &row.NumAttempts, &row.MaxAttempts, &row.StatusDate); err != nil {
			return nil, err
		}
		row.Status = core.TaskStatus(status)
		out = append(out, row)
	}
	return out, rows.Err()
}

// GetTaskWithInstances answers the task status query with its instance
// history and latest error descriptions.
func (s *Store) GetTaskWithInstances(ctx context.Context, q Querier, taskID int64) (core.TaskStatusResponse, error) {
	var (
		out    core.TaskStatusResponse
		status string
	)
	err := q.QueryRowContext(ctx, s.rebind(
		"SELECT id, name, status FROM task WHERE id = ?"), taskID).
		Scan(&out.TaskID, &out.Name, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return out, fmt.Errorf("task: %w", core.ErrNotFound)
	}
	if err != nil {
		return out, fmt.Errorf("failed to select task: %w", err)
	}
	out.Status = core.TaskStatus(status)

	rows, err := q.QueryContext(ctx, s.rebind(
		"SELECT ti.id, ti.status, ti.distributor_id, ti.nodename, ti.stdout, ti.stderr, "+
			"COALESCE((SELECT e.description FROM task_instance_error_log e WHERE e.task_instance_id = ti.id ORDER BY e.id DESC LIMIT 1), '') "+
			"FROM task_instance ti WHERE ti.task_id = ? ORDER BY ti.id"), taskID)
	if err != nil {
		return out, fmt.Errorf("failed to select task instances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ti       core.TaskInstanceSummary
			tiStatus string
		)
		if err := rows.Scan(&ti.TaskInstanceID, &tiStatus, &ti.DistributorID, &ti.Nodename, &ti.Stdout, &ti.Stderr, &ti.ErrorLog); err != nil {
			return out, err
		}
		ti.Status = core.TaskInstanceStatus(tiStatus)
		out.TaskInstances = append(out.TaskInstances, ti)
	}
	return out, rows.Err()
}

// taskNodeInfo resolves a task to its workflow and dag placement.
func (s *Store) taskNodeInfo(ctx context.Context, q Querier, taskID int64) (workflowID, dagID, nodeID int64, err error) {
	err = q.QueryRowContext(ctx, s.rebind(
		"SELECT t.workflow_id, w.dag_id, t.node_id FROM task t JOIN workflow w ON w.id = t.workflow_id WHERE t.id = ?"),
		taskID).Scan(&workflowID, &dagID, &nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		err = fmt.Errorf("task: %w", core.ErrNotFound)
	}
	return workflowID, dagID, nodeID, err
}

// tasksByNodeIDs maps dag node ids back to the workflow's tasks.
func (s *Store) tasksByNodeIDs(ctx context.Context, q Querier, workflowID int64, nodeIDs []int64) ([]core.TaskDependencyRow, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	args := append([]any{workflowID}, int64Args(nodeIDs)...)
	rows, err := q.QueryContext(ctx, s.rebind(
		"SELECT id, name, status FROM task WHERE workflow_id = ? AND node_id IN ("+placeholders(len(nodeIDs))+") ORDER BY id"),
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select tasks by node: %w", err)
	}
	defer rows.Close()

	var out []core.TaskDependencyRow
	for rows.Next() {
		var (
			row    core.TaskDependencyRow
			status string
		)
		if err := rows.Scan(&row.TaskID, &row.Name, &status); err != nil {
			return nil, err
		}
		row.Status = core.TaskStatus(status)
		out = append(out, row)
	}
	return out, rows.Err()
}

// GetTaskDependencies returns the immediate upstream and downstream tasks.
func (s *Store) GetTaskDependencies(ctx context.Context, q Querier, taskID int64) ([]core.TaskDependencyRow, []core.TaskDependencyRow, error) {
	workflowID, dagID, nodeID, err := s.taskNodeInfo(ctx, q, taskID)
	if err != nil {
		return nil, nil, err
	}

	var upJSON, downJSON string
	err = q.QueryRowContext(ctx, s.rebind(
		"SELECT upstream_node_ids, downstream_node_ids FROM edge WHERE dag_id = ? AND node_id = ?"),
		dagID, nodeID).Scan(&upJSON, &downJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to select edge: %w", err)
	}

	var upNodes, downNodes []int64
	if err := json.Unmarshal([]byte(upJSON), &upNodes); err != nil {
		return nil, nil, fmt.Errorf("failed to decode upstream ids: %w", err)
	}
	if err := json.Unmarshal([]byte(downJSON), &downNodes); err != nil {
		return nil, nil, fmt.Errorf("failed to decode downstream ids: %w", err)
	}

	up, err := s.tasksByNodeIDs(ctx, q, workflowID, upNodes)
	if err != nil {
		return nil, nil, err
	}
	down, err := s.tasksByNodeIDs(ctx, q, workflowID, downNodes)
	if err != nil {
		return nil, nil, err
	}
	return up, down, nil
}

// RecursiveTasks walks the dag from the given tasks in one direction and
// returns the transitive closure of task ids, seeds included.
func (s *Store) RecursiveTasks(ctx context.Context, q Querier, taskIDs []int64, up bool) ([]int64, error) {
	seen := make(map[int64]bool, len(taskIDs))
	queue := make([]int64, 0, len(taskIDs))
	for _, id := range taskIDs {
		if !seen[id] {
			seen[id] = true
			queue = append(queue, id)
		}
	}

	var result []int64
	for len(queue) > 0 {
		taskID := queue[0]
		queue = queue[1:]
		result = append(result, taskID)

		up2, down, err := s.GetTaskDependencies(ctx, q, taskID)
		if err != nil {
			return nil, err
		}
		next := down
		if up {
			next = up2
		}
		for _, dep := range next {
			if !seen[dep.TaskID] {
				seen[dep.TaskID] = true
				queue = append(queue, dep.TaskID)
			}
		}
	}
	return result, nil
}
