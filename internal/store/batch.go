package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jobmon-org/jobmon/internal/core"
)

// clusterForResources resolves the cluster serving a resource row's queue.
func (s *Store) clusterForResources(ctx context.Context, q Querier, taskResourcesID int64) (int64, error) {
	var clusterID int64
	err := q.QueryRowContext(ctx, s.rebind(
		"SELECT qu.cluster_id FROM task_resources tr JOIN queue qu ON qu.id = tr.queue_id WHERE tr.id = ?"),
		taskResourcesID).Scan(&clusterID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("task resources %d: %w", taskResourcesID, core.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve cluster: %w", err)
	}
	return clusterID, nil
}

// pickDistributorInstance selects the alive distributor instance serving the
// cluster, preferring one pinned to the workflow run over a shared one.
func (s *Store) pickDistributorInstance(ctx context.Context, q Querier, clusterID, workflowRunID int64) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, s.rebind(
		"SELECT id FROM distributor_instance WHERE cluster_id = ? AND workflow_run_id = ? AND expunged = FALSE AND report_by_date > ? ORDER BY id DESC LIMIT 1"),
		clusterID, workflowRunID, now()).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to select distributor instance: %w", err)
	}
	err = q.QueryRowContext(ctx, s.rebind(
		"SELECT id FROM distributor_instance WHERE cluster_id = ? AND workflow_run_id IS NULL AND expunged = FALSE AND report_by_date > ? ORDER BY id DESC LIMIT 1"),
		clusterID, now()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, core.ErrNoActiveDistributor
	}
	if err != nil {
		return 0, fmt.Errorf("failed to select distributor instance: %w", err)
	}
	return id, nil
}

// QueueTaskBatch moves the eligible tasks to QUEUED, records a batch bound to
// an alive distributor instance, and creates one QUEUED task instance per
// task with a dense array_step_id in task id order. Tasks that could not be
// queued (already moved, locked by a competitor, or gone) come back as
// skipped.
func (s *Store) QueueTaskBatch(ctx context.Context, q Querier, req core.QueueTaskBatchRequest) (core.QueueTaskBatchResponse, error) {
	var resp core.QueueTaskBatchResponse

	clusterID, err := s.clusterForResources(ctx, q, req.TaskResourcesID)
	if err != nil {
		return resp, err
	}
	distributorInstanceID, err := s.pickDistributorInstance(ctx, q, clusterID, req.WorkflowRunID)
	if err != nil {
		return resp, err
	}
	resp.DistributorInstanceID = distributorInstanceID

	tr, err := s.TransitionTasks(ctx, q, req.TaskIDs, core.TaskQueued, LockSkipLocked)
	if err != nil {
		return resp, err
	}
	queued := tr.Transitioned
	sort.Slice(queued, func(i, j int) bool { return queued[i] < queued[j] })
	resp.QueuedTaskIDs = queued
	resp.SkippedTaskIDs = diffIDs(req.TaskIDs, queued)
	if len(queued) == 0 {
		return resp, nil
	}

	err = q.QueryRowContext(ctx, s.rebind(
		"INSERT INTO batch (workflow_run_id, array_id, task_resources_id, distributor_instance_id, created_date) VALUES (?, ?, ?, ?, ?) RETURNING id"),
		req.WorkflowRunID, req.ArrayID, req.TaskResourcesID, distributorInstanceID, now()).Scan(&resp.BatchID)
	if err != nil {
		return resp, fmt.Errorf("failed to insert batch: %w", err)
	}

	for step, taskID := range queued {
		_, err = q.ExecContext(ctx, s.rebind(
			"INSERT INTO task_instance (task_id, workflow_run_id, array_id, batch_id, array_step_id, status, status_date) VALUES (?, ?, ?, ?, ?, ?, ?)"),
			taskID, req.WorkflowRunID, req.ArrayID, resp.BatchID, step,
			string(core.InstanceQueued), now())
		if err != nil {
			return resp, fmt.Errorf("failed to insert task instance: %w", err)
		}
	}

	args := append([]any{}, int64Args(queued)...)
	_, err = q.ExecContext(ctx, s.rebind(
		"UPDATE task SET num_attempts = num_attempts + 1 WHERE id IN ("+placeholders(len(queued))+")"), args...)
	if err != nil {
		return resp, fmt.Errorf("failed to bump task attempts: %w", err)
	}
	return resp, nil
}

// InstantiateTaskInstances claims every QUEUED instance batched to the
// distributor instance, moves instances and their tasks to INSTANTIATED, and
// returns the submission payloads grouped by batch in array_step_id order.
func (s *Store) InstantiateTaskInstances(ctx context.Context, q Querier, distributorInstanceID int64) ([]core.InstantiatedBatch, error) {
	rows, err := q.QueryContext(ctx, s.rebind(
		"SELECT ti.id FROM task_instance ti JOIN batch b ON b.id = ti.batch_id "+
			"WHERE b.distributor_instance_id = ? AND ti.status = ? ORDER BY ti.id"),
		distributorInstanceID, string(core.InstanceQueued))
	if err != nil {
		return nil, fmt.Errorf("failed to select queued instances: %w", err)
	}
	queued, err := scanIDs(rows)
	if err != nil {
		return nil, err
	}
	if len(queued) == 0 {
		return nil, nil
	}

	tr, err := s.TransitionTaskInstances(ctx, q, queued, core.InstanceInstantiated, LockSkipLocked)
	if err != nil {
		return nil, err
	}
	if len(tr.Transitioned) == 0 {
		return nil, nil
	}

	taskIDs, err := s.tasksOfInstances(ctx, q, tr.Transitioned)
	if err != nil {
		return nil, err
	}
	// A task whose earlier instance already advanced it is fine; skip it.
	if _, err := s.TransitionTasks(ctx, q, taskIDs, core.TaskInstantiating, LockSkipLocked); err != nil {
		return nil, err
	}

	return s.instantiatedBatches(ctx, q, tr.Transitioned)
}

func (s *Store) instantiatedBatches(ctx context.Context, q Querier, tiIDs []int64) ([]core.InstantiatedBatch, error) {
	query := "SELECT ti.id, b.id, b.array_id, a.name, wr.workflow_id, b.workflow_run_id, b.task_resources_id, qu.name, tr.requested_resources " +
		"FROM task_instance ti " +
		"JOIN batch b ON b.id = ti.batch_id " +
		"JOIN task_array a ON a.id = b.array_id " +
		"JOIN workflow_run wr ON wr.id = b.workflow_run_id " +
		"JOIN task_resources tr ON tr.id = b.task_resources_id " +
		"JOIN queue qu ON qu.id = tr.queue_id " +
		"WHERE ti.id IN (" + placeholders(len(tiIDs)) + ") " +
		"ORDER BY b.id, ti.array_step_id"
	rows, err := q.QueryContext(ctx, s.rebind(query), int64Args(tiIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to select instantiated batches: %w", err)
	}
	defer rows.Close()

	var batches []core.InstantiatedBatch
	for rows.Next() {
		var (
			tiID          int64
			b             core.InstantiatedBatch
			requestedJSON string
		)
		err := rows.Scan(&tiID, &b.BatchID, &b.ArrayID, &b.ArrayName, &b.WorkflowID,
			&b.WorkflowRunID, &b.TaskResourcesID, &b.QueueName, &requestedJSON)
		if err != nil {
			return nil, err
		}
		if len(batches) == 0 || batches[len(batches)-1].BatchID != b.BatchID {
			if err := json.Unmarshal([]byte(requestedJSON), &b.RequestedResources); err != nil {
				return nil, fmt.Errorf("failed to decode requested resources: %w", err)
			}
			batches = append(batches, b)
		}
		last := &batches[len(batches)-1]
		last.TaskInstanceIDs = append(last.TaskInstanceIDs, tiID)
	}
	return batches, rows.Err()
}

// TransitionBatchToLaunched moves the batch's INSTANTIATED instances and
// their tasks to LAUNCHED, stamping submission time and the heartbeat lease.
func (s *Store) TransitionBatchToLaunched(ctx context.Context, q Querier, batchID int64, nextReportIncrement time.Duration) error {
	rows, err := q.QueryContext(ctx, s.rebind(
		"SELECT id FROM task_instance WHERE batch_id = ? AND status = ?"),
		batchID, string(core.InstanceInstantiated))
	if err != nil {
		return fmt.Errorf("failed to select batch instances: %w", err)
	}
	tiIDs, err := scanIDs(rows)
	if err != nil {
		return err
	}
	if len(tiIDs) == 0 {
		return nil
	}

	tr, err := s.TransitionTaskInstances(ctx, q, tiIDs, core.InstanceLaunched, LockSkipLocked)
	if err != nil {
		return err
	}
	if len(tr.Transitioned) == 0 {
		return nil
	}

	submitted := now()
	reportBy := submitted.Add(nextReportIncrement)
	args := append([]any{submitted, reportBy}, int64Args(tr.Transitioned)...)
	_, err = q.ExecContext(ctx, s.rebind(
		"UPDATE task_instance SET submitted_date = ?, report_by_date = ? WHERE id IN ("+placeholders(len(tr.Transitioned))+")"),
		args...)
	if err != nil {
		return fmt.Errorf("failed to stamp launch dates: %w", err)
	}

	taskIDs, err := s.tasksOfInstances(ctx, q, tr.Transitioned)
	if err != nil {
		return err
	}
	_, err = s.TransitionTasks(ctx, q, taskIDs, core.TaskLaunched, LockSkipLocked)
	return err
}

// LogDistributorIDs records the cluster backend's ids for the batch's
// instances after submission.
func (s *Store) LogDistributorIDs(ctx context.Context, q Querier, batchID int64, pairs []core.DistributorIDPair) error {
	for _, p := range pairs {
		_, err := q.ExecContext(ctx, s.rebind(
			"UPDATE task_instance SET distributor_id = ? WHERE id = ? AND batch_id = ?"),
			p.DistributorID, p.TaskInstanceID, batchID)
		if err != nil {
			return fmt.Errorf("failed to log distributor id: %w", err)
		}
	}
	return nil
}

// tasksOfInstances returns the distinct owning task ids.
func (s *Store) tasksOfInstances(ctx context.Context, q Querier, tiIDs []int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, s.rebind(
		"SELECT DISTINCT task_id FROM task_instance WHERE id IN ("+placeholders(len(tiIDs))+")"),
		int64Args(tiIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to select owning tasks: %w", err)
	}
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func diffIDs(all, taken []int64) []int64 {
	in := make(map[int64]bool, len(taken))
	for _, id := range taken {
		in[id] = true
	}
	var out []int64
	for _, id := range all {
		if !in[id] {
			out = append(out, id)
		}
	}
	return out
}
