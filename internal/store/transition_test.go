package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobmon-org/jobmon/internal/core"
)

func TestTransitionTask_SingleHappyPath(t *testing.T) {
	s, ctx := setupTestStore(t)
	tw := createTestWorkflow(t, ctx, s, 1)
	taskID := tw.taskIDs[0]

	require.NoError(t, s.TransitionTask(ctx, s.DB(), taskID, core.TaskQueued))

	status, err := s.taskStatus(ctx, s.DB(), taskID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskQueued, status)
}

func TestTransitionTask_InvalidEdge(t *testing.T) {
	s, ctx := setupTestStore(t)
	tw := createTestWorkflow(t, ctx, s, 1)
	taskID := tw.taskIDs[0]

	err := s.TransitionTask(ctx, s.DB(), taskID, core.TaskRunning)
	var invalid *core.InvalidStateTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, taskID, invalid.ID)

	// The row is untouched on a rejected transition.
	status, err := s.taskStatus(ctx, s.DB(), taskID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskRegistering, status)
}

func TestTransitionTask_NotFound(t *testing.T) {
	s, ctx := setupTestStore(t)

	err := s.TransitionTask(ctx, s.DB(), 999999, core.TaskQueued)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestTransitionTasks_BulkClassification(t *testing.T) {
	s, ctx := setupTestStore(t)
	tw := createTestWorkflow(t, ctx, s, 3)

	// One task is already past QUEUED, one id does not exist.
	require.NoError(t, s.TransitionTask(ctx, s.DB(), tw.taskIDs[0], core.TaskQueued))
	require.NoError(t, s.TransitionTask(ctx, s.DB(), tw.taskIDs[0], core.TaskInstantiating))

	ids := append([]int64{}, tw.taskIDs...)
	ids = append(ids, 999999)
	res, err := s.TransitionTasks(ctx, s.DB(), ids, core.TaskQueued, LockSkipLocked)
	require.NoError(t, err)

	assert.ElementsMatch(t, []int64{tw.taskIDs[1], tw.taskIDs[2]}, res.Transitioned)
	assert.ElementsMatch(t, []int64{tw.taskIDs[0]}, res.Invalid)
	assert.ElementsMatch(t, []int64{int64(999999)}, res.NotFound)
	assert.Empty(t, res.Locked)
}

func TestTransitionTasks_TerminalStateRejects(t *testing.T) {
	s, ctx := setupTestStore(t)
	tw := createTestWorkflow(t, ctx, s, 1)
	taskID := tw.taskIDs[0]

	for _, to := range []core.TaskStatus{
		core.TaskQueued, core.TaskInstantiating, core.TaskLaunched,
		core.TaskRunning, core.TaskDone,
	} {
		require.NoError(t, s.TransitionTask(ctx, s.DB(), taskID, to))
	}

	res, err := s.TransitionTasks(ctx, s.DB(), []int64{taskID}, core.TaskRegistering, LockSkipLocked)
	require.NoError(t, err)
	assert.Empty(t, res.Transitioned)
	assert.Equal(t, []int64{taskID}, res.Invalid)
}

func TestTransitionTasks_EmptyInput(t *testing.T) {
	s, ctx := setupTestStore(t)

	res, err := s.TransitionTasks(ctx, s.DB(), nil, core.TaskQueued, LockSkipLocked)
	require.NoError(t, err)
	assert.Empty(t, res.Transitioned)
	assert.Empty(t, res.Invalid)
	assert.Empty(t, res.NotFound)
}
