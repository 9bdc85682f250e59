package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobmon-org/jobmon/internal/core"
)

func TestRegisterWorkflowRun(t *testing.T) {
	s, ctx := setupTestStore(t)
	tw := createTestWorkflow(t, ctx, s, 1)

	run, err := s.GetWorkflowRun(ctx, s.DB(), tw.runID)
	require.NoError(t, err)
	assert.Equal(t, core.RunRegistered, run.Status)
	assert.Equal(t, "tester", run.User)
	assert.Equal(t, "3.0.0", run.ServerVersion)
	assert.False(t, run.HeartbeatDate.IsZero())
}

func TestLinkWorkflowRun_Gate(t *testing.T) {
	s, ctx := setupTestStore(t)
	tw := createTestWorkflow(t, ctx, s, 1)

	second, err := s.RegisterWorkflowRun(ctx, s.DB(), tw.workflowID, "tester", "3.0.0")
	require.NoError(t, err)

	got, err := s.LinkWorkflowRun(ctx, s.DB(), tw.runID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, core.RunLinking, got, "first linker wins")

	got, err = s.LinkWorkflowRun(ctx, s.DB(), second.ID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, core.RunRegistered, got, "second linker stays REGISTERED")

	// Re-linking the winner just echoes its current status.
	got, err = s.LinkWorkflowRun(ctx, s.DB(), tw.runID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, core.RunLinking, got)
}

func TestLogWorkflowRunHeartbeat(t *testing.T) {
	s, ctx := setupTestStore(t)
	tw := createTestWorkflow(t, ctx, s, 1)

	_, err := s.LinkWorkflowRun(ctx, s.DB(), tw.runID, time.Minute)
	require.NoError(t, err)
	before, err := s.GetWorkflowRun(ctx, s.DB(), tw.runID)
	require.NoError(t, err)

	status, err := s.LogWorkflowRunHeartbeat(ctx, s.DB(), tw.runID, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, core.RunLinking, status)

	after, err := s.GetWorkflowRun(ctx, s.DB(), tw.runID)
	require.NoError(t, err)
	assert.True(t, after.HeartbeatDate.After(before.HeartbeatDate))
}

func TestUpdateWorkflowRunStatus_CascadesWorkflow(t *testing.T) {
	s, ctx := setupTestStore(t)
	tw := createTestWorkflow(t, ctx, s, 1)

	_, err := s.LinkWorkflowRun(ctx, s.DB(), tw.runID, time.Minute)
	require.NoError(t, err)

	steps := []struct {
		run core.WorkflowRunStatus
		wf  core.WorkflowStatus
	}{
		{core.RunBound, core.WorkflowQueued},
		{core.RunInstantiated, core.WorkflowInstantiating},
		{core.RunLaunched, core.WorkflowLaunched},
		{core.RunRunning, core.WorkflowRunning},
		{core.RunDone, core.WorkflowDone},
	}
	for _, step := range steps {
		_, err := s.UpdateWorkflowRunStatus(ctx, s.DB(), tw.runID, step.run)
		require.NoError(t, err)

		wf, err := s.GetWorkflow(ctx, s.DB(), tw.workflowID)
		require.NoError(t, err)
		assert.Equal(t, step.wf, wf.Status)
	}
}

func TestLostWorkflowRuns(t *testing.T) {
	s, ctx := setupTestStore(t)
	tw := createTestWorkflow(t, ctx, s, 1)

	// A lease in the past marks the run lost.
	_, err := s.LinkWorkflowRun(ctx, s.DB(), tw.runID, -time.Minute)
	require.NoError(t, err)

	lost, err := s.LostWorkflowRuns(ctx, s.DB(), []core.WorkflowRunStatus{core.RunLinking}, "3.0.0")
	require.NoError(t, err)
	require.Len(t, lost, 1)
	assert.Equal(t, tw.runID, lost[0].WorkflowRunID)
	assert.Equal(t, tw.workflowID, lost[0].WorkflowID)

	// A different server version is not ours to reap.
	other, err := s.LostWorkflowRuns(ctx, s.DB(), []core.WorkflowRunStatus{core.RunLinking}, "9.9.9")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestReapWorkflowRun(t *testing.T) {
	t.Run("linking aborts", func(t *testing.T) {
		s, ctx := setupTestStore(t)
		tw := createTestWorkflow(t, ctx, s, 1)
		_, err := s.LinkWorkflowRun(ctx, s.DB(), tw.runID, -time.Minute)
		require.NoError(t, err)

		runStatus, wfStatus, err := s.ReapWorkflowRun(ctx, s.DB(), tw.runID)
		require.NoError(t, err)
		assert.Equal(t, core.RunAborted, runStatus)
		assert.Equal(t, core.WorkflowAborted, wfStatus)
	})

	t.Run("running errors out", func(t *testing.T) {
		s, ctx := setupTestStore(t)
		tw := createTestWorkflow(t, ctx, s, 1)
		_, err := s.LinkWorkflowRun(ctx, s.DB(), tw.runID, time.Minute)
		require.NoError(t, err)
		for _, to := range []core.WorkflowRunStatus{core.RunBound, core.RunInstantiated, core.RunLaunched, core.RunRunning} {
			_, err := s.UpdateWorkflowRunStatus(ctx, s.DB(), tw.runID, to)
			require.NoError(t, err)
		}
		_, err = s.LogWorkflowRunHeartbeat(ctx, s.DB(), tw.runID, -time.Minute)
		require.NoError(t, err)

		runStatus, wfStatus, err := s.ReapWorkflowRun(ctx, s.DB(), tw.runID)
		require.NoError(t, err)
		assert.Equal(t, core.RunError, runStatus)
		assert.Equal(t, core.WorkflowFailed, wfStatus)
	})

	t.Run("cold resume terminates", func(t *testing.T) {
		s, ctx := setupTestStore(t)
		tw := createTestWorkflow(t, ctx, s, 1)
		_, err := s.LinkWorkflowRun(ctx, s.DB(), tw.runID, time.Minute)
		require.NoError(t, err)
		_, err = s.UpdateWorkflowRunStatus(ctx, s.DB(), tw.runID, core.RunBound)
		require.NoError(t, err)
		require.NoError(t, s.SetResume(ctx, s.DB(), tw.workflowID, true))
		_, err = s.LogWorkflowRunHeartbeat(ctx, s.DB(), tw.runID, -time.Minute)
		require.NoError(t, err)

		runStatus, wfStatus, err := s.ReapWorkflowRun(ctx, s.DB(), tw.runID)
		require.NoError(t, err)
		assert.Equal(t, core.RunTerminated, runStatus)
		assert.Equal(t, core.WorkflowHalted, wfStatus)
	})

	t.Run("fresh heartbeat is a no-op", func(t *testing.T) {
		s, ctx := setupTestStore(t)
		tw := createTestWorkflow(t, ctx, s, 1)
		_, err := s.LinkWorkflowRun(ctx, s.DB(), tw.runID, time.Hour)
		require.NoError(t, err)

		runStatus, _, err := s.ReapWorkflowRun(ctx, s.DB(), tw.runID)
		require.NoError(t, err)
		assert.Equal(t, core.RunLinking, runStatus)
	})

	t.Run("bound waits for resume", func(t *testing.T) {
		s, ctx := setupTestStore(t)
		tw := createTestWorkflow(t, ctx, s, 1)
		_, err := s.LinkWorkflowRun(ctx, s.DB(), tw.runID, time.Minute)
		require.NoError(t, err)
		_, err = s.UpdateWorkflowRunStatus(ctx, s.DB(), tw.runID, core.RunBound)
		require.NoError(t, err)
		_, err = s.LogWorkflowRunHeartbeat(ctx, s.DB(), tw.runID, -time.Minute)
		require.NoError(t, err)

		runStatus, _, err := s.ReapWorkflowRun(ctx, s.DB(), tw.runID)
		require.NoError(t, err)
		assert.Equal(t, core.RunBound, runStatus)
	})
}
