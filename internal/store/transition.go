package store

import (
	"context"
	"fmt"

	"github.com/jobmon-org/jobmon/internal/core"
)

// LockPolicy selects the row-locking strategy for a transition.
type LockPolicy int

const (
	// LockNowait fails fast when the row is held by another transaction;
	// callers back off and retry the whole request.
	LockNowait LockPolicy = iota
	// LockSkipLocked makes progress on unlocked rows and reports the rest
	// as locked.
	LockSkipLocked
)

// TransitionResult classifies every requested id after a bulk transition.
type TransitionResult struct {
	Transitioned []int64
	Invalid      []int64
	Locked       []int64
	NotFound     []int64
}

// transition moves rows of table to status `to`, honoring the FSM via the
// valid callback. All reads and the update run on q, which is expected to be
// an open transaction.
func (s *Store) transition(ctx context.Context, q Querier, table string, ids []int64, to string, valid func(from string) bool, policy LockPolicy) (TransitionResult, error) {
	var res TransitionResult
	if len(ids) == 0 {
		return res, nil
	}
	args := int64Args(ids)

	existing := make(map[int64]bool, len(ids))
	query := s.rebind("SELECT id FROM " + table + " WHERE id IN (" + placeholders(len(ids)) + ")")
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return res, fmt.Errorf("failed to select %s rows: %w", table, err)
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return res, err
		}
		existing[id] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return res, err
	}
	_ = rows.Close()

	lockQuery := "SELECT id, status FROM " + table + " WHERE id IN (" + placeholders(len(ids)) + ")"
	switch policy {
	case LockNowait:
		lockQuery += s.dialect.ForUpdateNowait()
	case LockSkipLocked:
		lockQuery += s.dialect.ForUpdateSkipLocked()
	}
	rows, err = q.QueryContext(ctx, s.rebind(lockQuery), args...)
	if err != nil {
		if s.dialect.IsLockNotAvailable(err) {
			return res, &core.DeadlockError{Cause: err}
		}
		return res, fmt.Errorf("failed to lock %s rows: %w", table, err)
	}
	statuses := make(map[int64]string, len(ids))
	for rows.Next() {
		var (
			id     int64
			status string
		)
		if err := rows.Scan(&id, &status); err != nil {
			_ = rows.Close()
			return res, err
		}
		statuses[id] = status
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return res, err
	}
	_ = rows.Close()

	var candidates []int64
	for _, id := range ids {
		from, locked := statuses[id]
		switch {
		case !existing[id]:
			res.NotFound = append(res.NotFound, id)
		case !locked:
			res.Locked = append(res.Locked, id)
		case !valid(from):
			res.Invalid = append(res.Invalid, id)
		default:
			candidates = append(candidates, id)
		}
	}

	if len(candidates) > 0 {
		update := s.rebind("UPDATE " + table + " SET status = ?, status_date = ? WHERE id IN (" + placeholders(len(candidates)) + ")")
		updateArgs := append([]any{to, now()}, int64Args(candidates)...)
		if _, err := q.ExecContext(ctx, update, updateArgs...); err != nil {
			return res, fmt.Errorf("failed to update %s status: %w", table, err)
		}
		res.Transitioned = candidates
	}
	return res, nil
}

// TransitionTasks bulk-moves tasks to the target status.
func (s *Store) TransitionTasks(ctx context.Context, q Querier, ids []int64, to core.TaskStatus, policy LockPolicy) (TransitionResult, error) {
	return s.transition(ctx, q, "task", ids, string(to), func(from string) bool {
		return core.TaskStatus(from).CanTransitionTo(to)
	}, policy)
}

// TransitionTaskInstances bulk-moves task instances to the target status.
func (s *Store) TransitionTaskInstances(ctx context.Context, q Querier, ids []int64, to core.TaskInstanceStatus, policy LockPolicy) (TransitionResult, error) {
	return s.transition(ctx, q, "task_instance", ids, string(to), func(from string) bool {
		return core.TaskInstanceStatus(from).CanTransitionTo(to)
	}, policy)
}

// TransitionTask moves a single task, returning a typed error on any
// non-transition.
func (s *Store) TransitionTask(ctx context.Context, q Querier, id int64, to core.TaskStatus) error {
	res, err := s.TransitionTasks(ctx, q, []int64{id}, to, LockNowait)
	if err != nil {
		return err
	}
	return singleResult(res, "task", id, string(to))
}

// TransitionTaskInstance moves a single task instance.
func (s *Store) TransitionTaskInstance(ctx context.Context, q Querier, id int64, to core.TaskInstanceStatus) error {
	res, err := s.TransitionTaskInstances(ctx, q, []int64{id}, to, LockNowait)
	if err != nil {
		return err
	}
	return singleResult(res, "task_instance", id, string(to))
}

// TransitionWorkflow moves a single workflow.
func (s *Store) TransitionWorkflow(ctx context.Context, q Querier, id int64, to core.WorkflowStatus) error {
	res, err := s.transition(ctx, q, "workflow", []int64{id}, string(to), func(from string) bool {
		return core.WorkflowStatus(from).CanTransitionTo(to)
	}, LockNowait)
	if err != nil {
		return err
	}
	return singleResult(res, "workflow", id, string(to))
}

// TransitionWorkflowRun moves a single workflow run.
func (s *Store) TransitionWorkflowRun(ctx context.Context, q Querier, id int64, to core.WorkflowRunStatus) error {
	res, err := s.transition(ctx, q, "workflow_run", []int64{id}, string(to), func(from string) bool {
		return core.WorkflowRunStatus(from).CanTransitionTo(to)
	}, LockNowait)
	if err != nil {
		return err
	}
	return singleResult(res, "workflow_run", id, string(to))
}

func singleResult(res TransitionResult, entity string, id int64, to string) error {
	switch {
	case len(res.Transitioned) == 1:
		return nil
	case len(res.NotFound) == 1:
		return fmt.Errorf("%s %d: %w", entity, id, core.ErrNotFound)
	case len(res.Locked) == 1:
		return &core.DeadlockError{Cause: fmt.Errorf("%s %d is locked", entity, id)}
	default:
		return &core.InvalidStateTransitionError{Entity: entity, ID: id, To: to}
	}
}
