package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jobmon-org/jobmon/internal/core"
)

// BindWorkflow finds or creates the workflow identified by
// (tool_version_id, workflow_args_hash). Binding an existing workflow with a
// different task hash is rejected: identical args must mean identical tasks.
func (s *Store) BindWorkflow(ctx context.Context, q Querier, req core.BindWorkflowRequest) (core.Workflow, bool, error) {
	res, err := q.ExecContext(ctx, s.rebind(
		"INSERT INTO workflow (tool_version_id, dag_id, workflow_args_hash, task_hash, name, description, max_concurrently_running, status, status_date, created_date) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING"),
		req.ToolVersionID, req.DagID, req.WorkflowArgsHash, req.TaskHash, req.Name,
		req.Description, req.MaxConcurrentlyRunning, string(core.WorkflowRegistering), now(), now())
	if err != nil {
		return core.Workflow{}, false, fmt.Errorf("failed to insert workflow: %w", err)
	}
	created, _ := res.RowsAffected()

	wf, err := s.getWorkflowBy(ctx, q,
		"tool_version_id = ? AND workflow_args_hash = ?", req.ToolVersionID, req.WorkflowArgsHash)
	if err != nil {
		return core.Workflow{}, false, err
	}

	if created == 0 {
		if wf.TaskHash != req.TaskHash {
			return core.Workflow{}, false, core.NewInvalidUsage(
				"workflow %d exists with identical args but different tasks", wf.ID)
		}
		if req.MaxConcurrentlyRunning > 0 && req.MaxConcurrentlyRunning != wf.MaxConcurrentlyRunning {
			_, err = q.ExecContext(ctx, s.rebind(
				"UPDATE workflow SET max_concurrently_running = ? WHERE id = ?"),
				req.MaxConcurrentlyRunning, wf.ID)
			if err != nil {
				return core.Workflow{}, false, fmt.Errorf("failed to update workflow concurrency: %w", err)
			}
			wf.MaxConcurrentlyRunning = req.MaxConcurrentlyRunning
		}
	}
	return wf, created > 0, nil
}

func (s *Store) GetWorkflow(ctx context.Context, q Querier, id int64) (core.Workflow, error) {
	return s.getWorkflowBy(ctx, q, "id = ?", id)
}

func (s *Store) getWorkflowBy(ctx context.Context, q Querier, where string, args ...any) (core.Workflow, error) {
	var (
		wf     core.Workflow
		status string
	)
	err := q.QueryRowContext(ctx, s.rebind(
		"SELECT id, tool_version_id, dag_id, workflow_args_hash, task_hash, name, description, max_concurrently_running, status, status_date, created_date "+
			"FROM workflow WHERE "+where), args...).
		Scan(&wf.ID, &wf.ToolVersionID, &wf.DagID, &wf.WorkflowArgsHash, &wf.TaskHash,
			&wf.Name, &wf.Description, &wf.MaxConcurrentlyRunning, &status,
			&wf.StatusDate, &wf.CreatedDate)
	if errors.Is(err, sql.ErrNoRows) {
		return wf, fmt.Errorf("workflow: %w", core.ErrNotFound)
	}
	if err != nil {
		return wf, fmt.Errorf("failed to select workflow: %w", err)
	}
	wf.Status = core.WorkflowStatus(status)
	return wf, nil
}

// WorkflowTaskCounts aggregates the workflow's tasks by status name.
func (s *Store) WorkflowTaskCounts(ctx context.Context, q Querier, workflowID int64) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, s.rebind(
		"SELECT status, COUNT(*) FROM task WHERE workflow_id = ? GROUP BY status"), workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[core.TaskStatus(status).String()] = n
	}
	return counts, rows.Err()
}

// activeTaskStatuses are the statuses that consume a concurrency slot.
var activeTaskStatuses = core.ActiveTaskStatuses

func taskStatusArgs(statuses []core.TaskStatus) []any {
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return args
}

// WorkflowConcurrency returns the workflow's concurrency cap and the number
// of tasks currently holding a slot.
func (s *Store) WorkflowConcurrency(ctx context.Context, q Querier, workflowID int64) (core.WorkflowConcurrencyResponse, error) {
	var out core.WorkflowConcurrencyResponse
	err := q.QueryRowContext(ctx, s.rebind(
		"SELECT max_concurrently_running FROM workflow WHERE id = ?"), workflowID).
		Scan(&out.MaxConcurrentlyRunning)
	if errors.Is(err, sql.ErrNoRows) {
		return out, fmt.Errorf("workflow: %w", core.ErrNotFound)
	}
	if err != nil {
		return out, fmt.Errorf("failed to select workflow concurrency: %w", err)
	}

	args := append([]any{workflowID}, taskStatusArgs(activeTaskStatuses)...)
	err = q.QueryRowContext(ctx, s.rebind(
		"SELECT COUNT(*) FROM task WHERE workflow_id = ? AND status IN ("+placeholders(len(activeTaskStatuses))+")"), args...).
		Scan(&out.NumActive)
	if err != nil {
		return out, fmt.Errorf("failed to count active tasks: %w", err)
	}
	return out, nil
}

// ArrayConcurrency returns per-array caps and active counts for a workflow.
func (s *Store) ArrayConcurrency(ctx context.Context, q Querier, workflowID int64) ([]core.ArrayConcurrency, error) {
	args := append(taskStatusArgs(activeTaskStatuses), workflowID)
	rows, err := q.QueryContext(ctx, s.rebind(
		"SELECT a.id, a.max_concurrently_running, "+
			"(SELECT COUNT(*) FROM task t WHERE t.array_id = a.id AND t.status IN ("+placeholders(len(activeTaskStatuses))+")) "+
			"FROM task_array a WHERE a.workflow_id = ?"),
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select array concurrency: %w", err)
	}
	defer rows.Close()

	var out []core.ArrayConcurrency
	for rows.Next() {
		var ac core.ArrayConcurrency
		if err := rows.Scan(&ac.ArrayID, &ac.MaxConcurrentlyRunning, &ac.NumActive); err != nil {
			return nil, err
		}
		out = append(out, ac)
	}
	return out, rows.Err()
}

// IsResumable reports whether no run of the workflow currently owns it.
func (s *Store) IsResumable(ctx context.Context, q Querier, workflowID int64) (bool, error) {
	statuses := make([]any, len(core.ActiveWorkflowRunStatuses))
	for i, st := range core.ActiveWorkflowRunStatuses {
		statuses[i] = string(st)
	}
	args := append([]any{workflowID}, statuses...)

	var n int
	err := q.QueryRowContext(ctx, s.rebind(
		"SELECT COUNT(*) FROM workflow_run WHERE workflow_id = ? AND status IN ("+placeholders(len(statuses))+")"), args...).
		Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count active workflow runs: %w", err)
	}
	return n == 0, nil
}

// SetResume signals the workflow's alive run to resume and halts the
// workflow. With resetRunningJobs the signal is COLD_RESUME and every live
// task instance of the run is ordered to kill itself.
func (s *Store) SetResume(ctx context.Context, q Querier, workflowID int64, resetRunningJobs bool) error {
	target := core.RunHotResume
	if resetRunningJobs {
		target = core.RunColdResume
	}

	runs, err := s.activeWorkflowRuns(ctx, q, workflowID)
	if err != nil {
		return err
	}
	var invalidTransition *core.InvalidStateTransitionError
	for _, run := range runs {
		if run.Status.IsResume() {
			continue
		}
		if err := s.TransitionWorkflowRun(ctx, q, run.ID, target); err != nil {
			// Runs still REGISTERED or LINKING are left for the reaper.
			if errors.As(err, &invalidTransition) {
				continue
			}
			return err
		}
		if resetRunningJobs {
			if err := s.killRunInstances(ctx, q, run.ID); err != nil {
				return err
			}
		}
	}

	if err := s.TransitionWorkflow(ctx, q, workflowID, core.WorkflowHalted); err != nil {
		if !errors.As(err, &invalidTransition) {
			return err
		}
	}
	return nil
}

func (s *Store) killRunInstances(ctx context.Context, q Querier, workflowRunID int64) error {
	live := []core.TaskInstanceStatus{
		core.InstanceQueued, core.InstanceInstantiated, core.InstanceLaunched, core.InstanceRunning,
	}
	args := []any{workflowRunID}
	for _, st := range live {
		args = append(args, string(st))
	}
	rows, err := q.QueryContext(ctx, s.rebind(
		"SELECT id FROM task_instance WHERE workflow_run_id = ? AND status IN ("+placeholders(len(live))+")"), args...)
	if err != nil {
		return fmt.Errorf("failed to select live task instances: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	_, err = s.TransitionTaskInstances(ctx, q, ids, core.InstanceKillSelf, LockSkipLocked)
	return err
}

// ResetTasks rewinds every unfinished task to REGISTERING with a fresh
// attempt budget. keepRunning preserves RUNNING tasks (hot resume). A
// workflow that stopped short of DONE re-registers along with its tasks so
// the next run can take it through the lifecycle again.
func (s *Store) ResetTasks(ctx context.Context, q Querier, workflowID int64, keepRunning bool) error {
	query := "UPDATE task SET status = ?, num_attempts = 0, status_date = ? WHERE workflow_id = ? AND status != ?"
	args := []any{string(core.TaskRegistering), now(), workflowID, string(core.TaskDone)}
	if keepRunning {
		query += " AND status != ?"
		args = append(args, string(core.TaskRunning))
	}
	if _, err := q.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return fmt.Errorf("failed to reset tasks: %w", err)
	}

	wf, err := s.GetWorkflow(ctx, q, workflowID)
	if err != nil {
		return err
	}
	if wf.Status.CanTransitionTo(core.WorkflowRegistering) {
		return s.TransitionWorkflow(ctx, q, workflowID, core.WorkflowRegistering)
	}
	return nil
}

// FixStatusInconsistency repairs FAILED workflows whose tasks all reached
// DONE, scanning ids in (startID, startID+step]. The write bypasses the FSM:
// it is a consistency repair, not a lifecycle event. Returns the current max
// workflow id so the caller can wrap its cursor.
func (s *Store) FixStatusInconsistency(ctx context.Context, q Querier, startID, step int64) (int64, error) {
	rows, err := q.QueryContext(ctx, s.rebind(
		"SELECT w.id FROM workflow w WHERE w.id > ? AND w.id <= ? AND w.status = ? "+
			"AND EXISTS (SELECT 1 FROM task t WHERE t.workflow_id = w.id) "+
			"AND NOT EXISTS (SELECT 1 FROM task t WHERE t.workflow_id = w.id AND t.status != ?)"),
		startID, startID+step, string(core.WorkflowFailed), string(core.TaskDone))
	if err != nil {
		return 0, fmt.Errorf("failed to scan inconsistent workflows: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	if len(ids) > 0 {
		update := s.rebind("UPDATE workflow SET status = ?, status_date = ? WHERE id IN (" + placeholders(len(ids)) + ")")
		args := append([]any{string(core.WorkflowDone), now()}, int64Args(ids)...)
		if _, err := q.ExecContext(ctx, update, args...); err != nil {
			return 0, fmt.Errorf("failed to repair workflow status: %w", err)
		}
	}

	var maxID sql.NullInt64
	if err := q.QueryRowContext(ctx, "SELECT MAX(id) FROM workflow").Scan(&maxID); err != nil {
		return 0, fmt.Errorf("failed to select max workflow id: %w", err)
	}
	return maxID.Int64, nil
}

// WorkflowUsage aggregates resource usage over the workflow's finished task
// instances.
func (s *Store) WorkflowUsage(ctx context.Context, q Querier, workflowID int64) (core.WorkflowUsageResponse, error) {
	var (
		out           core.WorkflowUsageResponse
		meanWallclock sql.NullFloat64
		maxWallclock  sql.NullInt64
		meanRSS       sql.NullFloat64
		maxRSS        sql.NullInt64
	)
	err := q.QueryRowContext(ctx, s.rebind(
		"SELECT COUNT(*), AVG(ti.wallclock), MAX(ti.wallclock), AVG(ti.maxrss), MAX(ti.maxrss) "+
			"FROM task_instance ti JOIN task t ON t.id = ti.task_id "+
			"WHERE t.workflow_id = ? AND ti.status = ?"),
		workflowID, string(core.InstanceDone)).
		Scan(&out.NumTaskInstances, &meanWallclock, &maxWallclock, &meanRSS, &maxRSS)
	if err != nil {
		return out, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	out.MeanWallclock = meanWallclock.Float64
	out.MaxWallclock = maxWallclock.Int64
	out.MeanMaxRSS = meanRSS.Float64
	out.MaxMaxRSS = maxRSS.Int64
	return out, nil
}

// TaskStatusUpdates returns the workflow's task deltas since the watermark,
// or all tasks when since is zero.
func (s *Store) TaskStatusUpdates(ctx context.Context, q Querier, workflowID int64, since time.Time) ([]core.TaskStatusDelta, error) {
	query := "SELECT id, status, num_attempts, status_date FROM task WHERE workflow_id = ?"
	args := []any{workflowID}
	if !since.IsZero() {
		query += " AND status_date >= ?"
		args = append(args, since)
	}
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select task status updates: %w", err)
	}
	defer rows.Close()

	var out []core.TaskStatusDelta
	for rows.Next() {
		var (
			d      core.TaskStatusDelta
			status string
		)
		if err := rows.Scan(&d.TaskID, &status, &d.NumAttempts, &d.StatusDate); err != nil {
			return nil, err
		}
		d.Status = core.TaskStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}
