package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jobmon-org/jobmon/internal/cmn/logger"
	"github.com/jobmon-org/jobmon/internal/cmn/logger/tag"
	"github.com/jobmon-org/jobmon/internal/core"
)

func (s *Store) instanceTask(ctx context.Context, q Querier, tiID int64) (int64, core.TaskInstanceStatus, error) {
	var (
		taskID int64
		status string
	)
	err := q.QueryRowContext(ctx, s.rebind(
		"SELECT task_id, status FROM task_instance WHERE id = ?"), tiID).Scan(&taskID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", fmt.Errorf("task instance: %w", core.ErrNotFound)
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to select task instance: %w", err)
	}
	return taskID, core.TaskInstanceStatus(status), nil
}

func (s *Store) instanceStatus(ctx context.Context, q Querier, tiID int64) (core.TaskInstanceStatus, error) {
	_, status, err := s.instanceTask(ctx, q, tiID)
	return status, err
}

// GetTaskInstance returns the run context a worker needs for one instance.
func (s *Store) GetTaskInstance(ctx context.Context, q Querier, tiID int64) (core.TaskInstanceDetailResponse, error) {
	var (
		out    core.TaskInstanceDetailResponse
		status string
	)
	err := q.QueryRowContext(ctx, s.rebind(`
		SELECT ti.id, ti.task_id, ti.workflow_run_id, ti.batch_id,
		       t.name, t.command, ti.status
		FROM task_instance ti
		JOIN task t ON t.id = ti.task_id
		WHERE ti.id = ?`), tiID).Scan(
		&out.TaskInstanceID, &out.TaskID, &out.WorkflowRunID, &out.BatchID,
		&out.Name, &out.Command, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return out, fmt.Errorf("task instance: %w", core.ErrNotFound)
	}
	if err != nil {
		return out, fmt.Errorf("failed to select task instance detail: %w", err)
	}
	out.Status = core.TaskInstanceStatus(status)
	return out, nil
}

func (s *Store) taskStatus(ctx context.Context, q Querier, taskID int64) (core.TaskStatus, error) {
	var status string
	err := q.QueryRowContext(ctx, s.rebind(
		"SELECT status FROM task WHERE id = ?"), taskID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("task: %w", core.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to select task status: %w", err)
	}
	return core.TaskStatus(status), nil
}

// LogRunning records the worker's start report and renews the heartbeat
// lease. The returned status is authoritative: a worker that does not get
// RUNNING back must stop.
func (s *Store) LogRunning(ctx context.Context, q Querier, tiID int64, req core.LogRunningRequest) (core.TaskInstanceStatus, error) {
	taskID, _, err := s.instanceTask(ctx, q, tiID)
	if err != nil {
		return "", err
	}

	err = s.TransitionTaskInstance(ctx, q, tiID, core.InstanceRunning)
	var invalid *core.InvalidStateTransitionError
	if errors.As(err, &invalid) {
		return s.instanceStatus(ctx, q, tiID)
	}
	if err != nil {
		return "", err
	}

	reportBy := now().Add(secondsToDuration(req.NextReportIncrement))
	_, err = q.ExecContext(ctx, s.rebind(
		"UPDATE task_instance SET nodename = ?, process_group_id = ?, report_by_date = ? WHERE id = ?"),
		req.Nodename, req.ProcessGroupID, reportBy, tiID)
	if err != nil {
		return "", fmt.Errorf("failed to record running report: %w", err)
	}

	if _, err := s.TransitionTasks(ctx, q, []int64{taskID}, core.TaskRunning, LockSkipLocked); err != nil {
		return "", err
	}
	return core.InstanceRunning, nil
}

// LogDone records a successful completion with its usage stats and finishes
// the owning task.
func (s *Store) LogDone(ctx context.Context, q Querier, tiID int64, req core.LogDoneRequest) (core.TaskInstanceStatus, error) {
	taskID, _, err := s.instanceTask(ctx, q, tiID)
	if err != nil {
		return "", err
	}

	err = s.TransitionTaskInstance(ctx, q, tiID, core.InstanceDone)
	var invalid *core.InvalidStateTransitionError
	if errors.As(err, &invalid) {
		return s.instanceStatus(ctx, q, tiID)
	}
	if err != nil {
		return "", err
	}

	_, err = q.ExecContext(ctx, s.rebind(
		"UPDATE task_instance SET nodename = ?, wallclock = ?, maxrss = ?, stdout = ?, stderr = ? WHERE id = ?"),
		req.Nodename, req.WallclockSecs, req.MaxRSS, req.Stdout, req.Stderr, tiID)
	if err != nil {
		return "", fmt.Errorf("failed to record done report: %w", err)
	}

	// A done report that raced ahead of log_running routes through RUNNING.
	taskSt, err := s.taskStatus(ctx, q, taskID)
	if err != nil {
		return "", err
	}
	if taskSt == core.TaskLaunched {
		if _, err := s.TransitionTasks(ctx, q, []int64{taskID}, core.TaskRunning, LockSkipLocked); err != nil {
			return "", err
		}
	}
	if _, err := s.TransitionTasks(ctx, q, []int64{taskID}, core.TaskDone, LockSkipLocked); err != nil {
		return "", err
	}
	return core.InstanceDone, nil
}

// LogReportBy extends the instance's heartbeat lease and echoes its status.
// KILL_SELF comes back through here to tell the worker to die.
func (s *Store) LogReportBy(ctx context.Context, q Querier, tiID int64, req core.LogReportByRequest) (core.TaskInstanceStatus, error) {
	reportBy := now().Add(secondsToDuration(req.NextReportIncrement))
	var err error
	if req.DistributorID != "" {
		_, err = q.ExecContext(ctx, s.rebind(
			"UPDATE task_instance SET report_by_date = ?, distributor_id = ? WHERE id = ?"),
			reportBy, req.DistributorID, tiID)
	} else {
		_, err = q.ExecContext(ctx, s.rebind(
			"UPDATE task_instance SET report_by_date = ? WHERE id = ?"), reportBy, tiID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to extend report_by lease: %w", err)
	}
	return s.instanceStatus(ctx, q, tiID)
}

// LogErrorWorkerNode records a worker-observed failure with its usage stats,
// then resolves the instance and its task.
func (s *Store) LogErrorWorkerNode(ctx context.Context, q Querier, tiID int64, req core.LogErrorWorkerNodeRequest) (core.TaskInstanceStatus, error) {
	_, err := q.ExecContext(ctx, s.rebind(
		"UPDATE task_instance SET nodename = ?, wallclock = ?, maxrss = ? WHERE id = ?"),
		req.Nodename, req.WallclockSecs, req.MaxRSS, tiID)
	if err != nil {
		return "", fmt.Errorf("failed to record worker error report: %w", err)
	}
	return s.logInstanceError(ctx, q, tiID, req.ErrorState, req.Description)
}

// LogKnownError resolves a triaged instance to the error state the
// distributor diagnosed from remote exit info.
func (s *Store) LogKnownError(ctx context.Context, q Querier, tiID int64, req core.LogKnownErrorRequest) (core.TaskInstanceStatus, error) {
	return s.logInstanceError(ctx, q, tiID, req.ErrorState, req.Description)
}

// LogUnknownError resolves an instance whose failure the distributor could
// not classify.
func (s *Store) LogUnknownError(ctx context.Context, q Querier, tiID int64, req core.LogUnknownErrorRequest) (core.TaskInstanceStatus, error) {
	return s.logInstanceError(ctx, q, tiID, core.InstanceUnknownError, req.Description)
}

// LogNoDistributorID marks an instance the cluster backend never assigned an
// id to. Terminal for the instance; the task gets another attempt.
func (s *Store) LogNoDistributorID(ctx context.Context, q Querier, tiID int64, req core.LogNoDistributorIDRequest) (core.TaskInstanceStatus, error) {
	return s.logInstanceError(ctx, q, tiID, core.InstanceNoDistributorID, req.Description)
}

// logInstanceError appends the error record, moves the instance to the error
// state, and decides the owning task's fate from its retry budget. The log
// row is written even when the instance has already moved on.
func (s *Store) logInstanceError(ctx context.Context, q Querier, tiID int64, errorState core.TaskInstanceStatus, description string) (core.TaskInstanceStatus, error) {
	if !errorState.IsErrorState() {
		return "", core.NewInvalidUsage("%s is not an error state", errorState)
	}
	taskID, _, err := s.instanceTask(ctx, q, tiID)
	if err != nil {
		return "", err
	}

	_, err = q.ExecContext(ctx, s.rebind(
		"INSERT INTO task_instance_error_log (task_instance_id, error_time, description) VALUES (?, ?, ?)"),
		tiID, now(), description)
	if err != nil {
		return "", fmt.Errorf("failed to insert error log: %w", err)
	}

	err = s.TransitionTaskInstance(ctx, q, tiID, errorState)
	var invalid *core.InvalidStateTransitionError
	if errors.As(err, &invalid) {
		current, err := s.instanceStatus(ctx, q, tiID)
		if err != nil {
			return "", err
		}
		logger.Warn(ctx, "Error report for instance no longer in a reportable state",
			tag.TaskInstanceID(tiID), tag.Status(string(current)))
		return current, nil
	}
	if err != nil {
		return "", err
	}

	t, err := s.GetTask(ctx, q, taskID)
	if err != nil {
		return "", err
	}
	next := core.NextTaskStatusOnError(errorState, t.NumAttempts, t.MaxAttempts, t.HasScales())
	for _, hop := range core.TaskErrorPath(t.Status, next) {
		if _, err := s.TransitionTasks(ctx, q, []int64{taskID}, hop, LockSkipLocked); err != nil {
			return "", err
		}
	}
	return errorState, nil
}

// RequestTriage sweeps the run's overdue instances: LAUNCHED past its lease
// lost its heartbeat, RUNNING past its lease needs triage. Tasks are left
// alone until the distributor reports a diagnosis.
func (s *Store) RequestTriage(ctx context.Context, q Querier, workflowRunID int64) (core.RequestTriageResponse, error) {
	var resp core.RequestTriageResponse

	sweep := func(from, to core.TaskInstanceStatus) (int, error) {
		rows, err := q.QueryContext(ctx, s.rebind(
			"SELECT id FROM task_instance WHERE workflow_run_id = ? AND status = ? AND report_by_date IS NOT NULL AND report_by_date < ?"),
			workflowRunID, string(from), now())
		if err != nil {
			return 0, fmt.Errorf("failed to select overdue instances: %w", err)
		}
		ids, err := scanIDs(rows)
		if err != nil {
			return 0, err
		}
		if len(ids) == 0 {
			return 0, nil
		}
		tr, err := s.TransitionTaskInstances(ctx, q, ids, to, LockSkipLocked)
		if err != nil {
			return 0, err
		}
		return len(tr.Transitioned), nil
	}

	var err error
	if resp.NoHeartbeat, err = sweep(core.InstanceLaunched, core.InstanceNoHeartbeat); err != nil {
		return resp, err
	}
	if resp.Triaging, err = sweep(core.InstanceRunning, core.InstanceTriaging); err != nil {
		return resp, err
	}
	return resp, nil
}

// GetErrorLogs returns the instance's error records oldest first.
func (s *Store) GetErrorLogs(ctx context.Context, q Querier, tiID int64) ([]core.TaskInstanceErrorLog, error) {
	rows, err := q.QueryContext(ctx, s.rebind(
		"SELECT id, task_instance_id, error_time, description FROM task_instance_error_log WHERE task_instance_id = ? ORDER BY id"),
		tiID)
	if err != nil {
		return nil, fmt.Errorf("failed to select error logs: %w", err)
	}
	defer rows.Close()

	var logs []core.TaskInstanceErrorLog
	for rows.Next() {
		var l core.TaskInstanceErrorLog
		if err := rows.Scan(&l.ID, &l.TaskInstanceID, &l.ErrorTime, &l.Description); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// SyncTaskInstances returns the distributor instance's task instances in the
// given status, the delta feed its poll loop consumes.
func (s *Store) SyncTaskInstances(ctx context.Context, q Querier, distributorInstanceID int64, status core.TaskInstanceStatus) ([]core.TaskInstanceRef, error) {
	rows, err := q.QueryContext(ctx, s.rebind(
		"SELECT ti.id, ti.task_id, ti.batch_id, ti.array_step_id, ti.distributor_id, ti.status "+
			"FROM task_instance ti JOIN batch b ON b.id = ti.batch_id "+
			"WHERE b.distributor_instance_id = ? AND ti.status = ? ORDER BY ti.id"),
		distributorInstanceID, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to sync task instances: %w", err)
	}
	defer rows.Close()

	var refs []core.TaskInstanceRef
	for rows.Next() {
		var (
			ref core.TaskInstanceRef
			st  string
		)
		if err := rows.Scan(&ref.TaskInstanceID, &ref.TaskID, &ref.BatchID, &ref.ArrayStepID, &ref.DistributorID, &st); err != nil {
			return nil, err
		}
		ref.Status = core.TaskInstanceStatus(st)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
