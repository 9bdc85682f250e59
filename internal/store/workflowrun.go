package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jobmon-org/jobmon/internal/core"
)

// RegisterWorkflowRun creates a run in REGISTERED. Ownership of the workflow
// is only taken later, through the link gate.
func (s *Store) RegisterWorkflowRun(ctx context.Context, q Querier, workflowID int64, user, serverVersion string) (core.WorkflowRun, error) {
	ts := now()
	var id int64
	err := q.QueryRowContext(ctx, s.rebind(
		"INSERT INTO workflow_run (workflow_id, username, jobmon_server_version, status, status_date, created_date, heartbeat_date) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id"),
		workflowID, user, serverVersion, string(core.RunRegistered), ts, ts, ts).Scan(&id)
	if err != nil {
		return core.WorkflowRun{}, fmt.Errorf("failed to insert workflow run: %w", err)
	}
	return core.WorkflowRun{
		ID:            id,
		WorkflowID:    workflowID,
		User:          user,
		ServerVersion: serverVersion,
		Status:        core.RunRegistered,
		StatusDate:    ts,
		CreatedDate:   ts,
		HeartbeatDate: ts,
	}, nil
}

func (s *Store) GetWorkflowRun(ctx context.Context, q Querier, id int64) (core.WorkflowRun, error) {
	var (
		run    core.WorkflowRun
		status string
	)
	err := q.QueryRowContext(ctx, s.rebind(
		"SELECT id, workflow_id, username, jobmon_server_version, status, status_date, created_date, heartbeat_date "+
			"FROM workflow_run WHERE id = ?"), id).
		Scan(&run.ID, &run.WorkflowID, &run.User, &run.ServerVersion, &status,
			&run.StatusDate, &run.CreatedDate, &run.HeartbeatDate)
	if errors.Is(err, sql.ErrNoRows) {
		return run, fmt.Errorf("workflow run: %w", core.ErrNotFound)
	}
	if err != nil {
		return run, fmt.Errorf("failed to select workflow run: %w", err)
	}
	run.Status = core.WorkflowRunStatus(status)
	return run, nil
}

func (s *Store) activeWorkflowRuns(ctx context.Context, q Querier, workflowID int64) ([]core.WorkflowRun, error) {
	args := []any{workflowID}
	for _, st := range core.ActiveWorkflowRunStatuses {
		args = append(args, string(st))
	}
	rows, err := q.QueryContext(ctx, s.rebind(
		"SELECT id, workflow_id, status FROM workflow_run WHERE workflow_id = ? AND status IN ("+
			placeholders(len(core.ActiveWorkflowRunStatuses))+")"), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select active workflow runs: %w", err)
	}
	defer rows.Close()

	var runs []core.WorkflowRun
	for rows.Next() {
		var (
			run    core.WorkflowRun
			status string
		)
		if err := rows.Scan(&run.ID, &run.WorkflowID, &status); err != nil {
			return nil, err
		}
		run.Status = core.WorkflowRunStatus(status)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LinkWorkflowRun is the single-transaction race gate: exactly one
// REGISTERED run per workflow can flip to LINKING, and only while no other
// run is active. The returned status tells the caller whether it won (it
// equals LINKING) or which state blocked it.
func (s *Store) LinkWorkflowRun(ctx context.Context, q Querier, runID int64, nextReportIncrement time.Duration) (core.WorkflowRunStatus, error) {
	run, err := s.GetWorkflowRun(ctx, q, runID)
	if err != nil {
		return "", err
	}
	if run.Status != core.RunRegistered {
		return run.Status, nil
	}

	// Serialize racing links on the workflow row.
	var wfID int64
	err = q.QueryRowContext(ctx, s.rebind(
		"SELECT id FROM workflow WHERE id = ?"+s.dialect.ForUpdateNowait()), run.WorkflowID).Scan(&wfID)
	if err != nil {
		if s.dialect.IsLockNotAvailable(err) {
			return "", &core.DeadlockError{Cause: err}
		}
		return "", fmt.Errorf("failed to lock workflow: %w", err)
	}

	runs, err := s.activeWorkflowRuns(ctx, q, run.WorkflowID)
	if err != nil {
		return "", err
	}
	for _, other := range runs {
		if other.ID != runID {
			return run.Status, nil
		}
	}

	if err := s.TransitionWorkflowRun(ctx, q, runID, core.RunLinking); err != nil {
		return "", err
	}
	if err := s.touchWorkflowRunHeartbeat(ctx, q, runID, nextReportIncrement); err != nil {
		return "", err
	}
	return core.RunLinking, nil
}

func (s *Store) touchWorkflowRunHeartbeat(ctx context.Context, q Querier, runID int64, nextReportIncrement time.Duration) error {
	_, err := q.ExecContext(ctx, s.rebind(
		"UPDATE workflow_run SET heartbeat_date = ? WHERE id = ?"),
		now().Add(nextReportIncrement), runID)
	if err != nil {
		return fmt.Errorf("failed to update workflow run heartbeat: %w", err)
	}
	return nil
}

// LogWorkflowRunHeartbeat extends the run's lease and echoes its current
// status so the swarm notices server-initiated state changes.
func (s *Store) LogWorkflowRunHeartbeat(ctx context.Context, q Querier, runID int64, nextReportIncrement time.Duration) (core.WorkflowRunStatus, error) {
	if err := s.touchWorkflowRunHeartbeat(ctx, q, runID, nextReportIncrement); err != nil {
		return "", err
	}
	run, err := s.GetWorkflowRun(ctx, q, runID)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}

// workflowStatusForRun maps a run transition to the owning workflow's
// lifecycle edge.
var workflowStatusForRun = map[core.WorkflowRunStatus]core.WorkflowStatus{
	core.RunBound:        core.WorkflowQueued,
	core.RunInstantiated: core.WorkflowInstantiating,
	core.RunLaunched:     core.WorkflowLaunched,
	core.RunRunning:      core.WorkflowRunning,
	core.RunDone:         core.WorkflowDone,
	core.RunError:        core.WorkflowFailed,
	core.RunStopped:      core.WorkflowHalted,
	core.RunAborted:      core.WorkflowAborted,
}

// UpdateWorkflowRunStatus transitions the run and cascades the matching
// workflow transition. A workflow edge that is not legal from the current
// workflow status is skipped rather than failing the run update.
func (s *Store) UpdateWorkflowRunStatus(ctx context.Context, q Querier, runID int64, to core.WorkflowRunStatus) (core.WorkflowRunStatus, error) {
	run, err := s.GetWorkflowRun(ctx, q, runID)
	if err != nil {
		return "", err
	}
	if run.Status == to {
		return run.Status, nil
	}
	if err := s.TransitionWorkflowRun(ctx, q, runID, to); err != nil {
		return "", err
	}
	if wfStatus, ok := workflowStatusForRun[to]; ok {
		if err := s.TransitionWorkflow(ctx, q, run.WorkflowID, wfStatus); err != nil {
			var invalid *core.InvalidStateTransitionError
			if !errors.As(err, &invalid) {
				return "", err
			}
		}
	}
	return to, nil
}

// LostWorkflowRuns finds runs of the given statuses and server version whose
// heartbeat lease has expired.
func (s *Store) LostWorkflowRuns(ctx context.Context, q Querier, statuses []core.WorkflowRunStatus, version string) ([]core.LostWorkflowRun, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := []any{now(), version}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	rows, err := q.QueryContext(ctx, s.rebind(
		"SELECT id, workflow_id, status, heartbeat_date FROM workflow_run "+
			"WHERE heartbeat_date < ? AND jobmon_server_version = ? AND status IN ("+placeholders(len(statuses))+")"),
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select lost workflow runs: %w", err)
	}
	defer rows.Close()

	var out []core.LostWorkflowRun
	for rows.Next() {
		var (
			lost   core.LostWorkflowRun
			status string
		)
		if err := rows.Scan(&lost.WorkflowRunID, &lost.WorkflowID, &status, &lost.HeartbeatDate); err != nil {
			return nil, err
		}
		lost.Status = core.WorkflowRunStatus(status)
		out = append(out, lost)
	}
	return out, rows.Err()
}

// ReapWorkflowRun moves a lost run to its failure state and cascades the
// workflow. The heartbeat is re-checked inside the transaction so a revived
// run is left alone.
func (s *Store) ReapWorkflowRun(ctx context.Context, q Querier, runID int64) (core.WorkflowRunStatus, core.WorkflowStatus, error) {
	run, err := s.GetWorkflowRun(ctx, q, runID)
	if err != nil {
		return "", "", err
	}
	wf, err := s.GetWorkflow(ctx, q, run.WorkflowID)
	if err != nil {
		return "", "", err
	}
	if !run.HeartbeatDate.Before(now()) {
		return run.Status, wf.Status, nil
	}

	var runTo core.WorkflowRunStatus
	var wfTo core.WorkflowStatus
	switch run.Status {
	case core.RunLinking:
		runTo, wfTo = core.RunAborted, core.WorkflowAborted
	case core.RunColdResume, core.RunHotResume:
		runTo, wfTo = core.RunTerminated, core.WorkflowHalted
	case core.RunLaunched, core.RunRunning:
		runTo, wfTo = core.RunError, core.WorkflowFailed
	default:
		// BOUND and INSTANTIATED have no failure edge; a later resume
		// moves them through COLD/HOT_RESUME instead.
		return run.Status, wf.Status, nil
	}

	if err := s.TransitionWorkflowRun(ctx, q, runID, runTo); err != nil {
		return "", "", err
	}
	if err := s.TransitionWorkflow(ctx, q, run.WorkflowID, wfTo); err != nil {
		var invalid *core.InvalidStateTransitionError
		if !errors.As(err, &invalid) {
			return "", "", err
		}
		wfTo = wf.Status
	}
	return runTo, wfTo, nil
}
