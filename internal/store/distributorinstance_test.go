package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobmon-org/jobmon/internal/core"
)

func TestRegisterDistributorInstance(t *testing.T) {
	s, ctx := setupTestStore(t)

	di, err := s.RegisterDistributorInstance(ctx, s.DB(), core.RegisterDistributorInstanceRequest{
		ClusterName:         "multiprocess",
		NextReportIncrement: 600,
	})
	require.NoError(t, err)
	assert.NotZero(t, di.ID)
	assert.Nil(t, di.WorkflowRunID)
	assert.False(t, di.Local())
	assert.True(t, di.ReportByDate.After(time.Now().UTC()))

	_, err = s.RegisterDistributorInstance(ctx, s.DB(), core.RegisterDistributorInstanceRequest{
		ClusterName: "no-such-cluster",
	})
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestDistributorInstanceHeartbeat(t *testing.T) {
	s, ctx := setupTestStore(t)
	diID := registerTestDistributor(t, ctx, s, nil)

	before, err := s.GetDistributorInstance(ctx, s.DB(), diID)
	require.NoError(t, err)

	expunged, err := s.LogDistributorInstanceHeartbeat(ctx, s.DB(), diID, 7200)
	require.NoError(t, err)
	assert.False(t, expunged)

	after, err := s.GetDistributorInstance(ctx, s.DB(), diID)
	require.NoError(t, err)
	assert.True(t, after.ReportByDate.After(before.ReportByDate))
}

func TestExpungeDistributorInstances(t *testing.T) {
	s, ctx := setupTestStore(t)

	lapsed, err := s.RegisterDistributorInstance(ctx, s.DB(), core.RegisterDistributorInstanceRequest{
		ClusterName:         "sequential",
		NextReportIncrement: -60,
	})
	require.NoError(t, err)
	alive := registerTestDistributor(t, ctx, s, nil)

	swept, err := s.ExpungeDistributorInstances(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, []int64{lapsed.ID}, swept)

	// The lapsed instance learns its fate on the next heartbeat and gets no
	// lease extension.
	expunged, err := s.LogDistributorInstanceHeartbeat(ctx, s.DB(), lapsed.ID, 600)
	require.NoError(t, err)
	assert.True(t, expunged)

	expunged, err = s.LogDistributorInstanceHeartbeat(ctx, s.DB(), alive, 600)
	require.NoError(t, err)
	assert.False(t, expunged)

	// Nothing left to sweep.
	swept, err = s.ExpungeDistributorInstances(ctx, s.DB())
	require.NoError(t, err)
	assert.Empty(t, swept)
}

func TestExpungeResolvesStrandedInstances(t *testing.T) {
	s, ctx := setupTestStore(t)
	tw := createTestWorkflow(t, ctx, s, 2)
	diID := registerTestDistributor(t, ctx, s, &tw.runID)

	// Queue and instantiate a batch, then let the distributor die before
	// anything reached the cluster.
	_, err := s.QueueTaskBatch(ctx, s.DB(), core.QueueTaskBatchRequest{
		WorkflowRunID:   tw.runID,
		WorkflowID:      tw.workflowID,
		ArrayID:         tw.arrayID,
		TaskResourcesID: tw.resourcesID,
		TaskIDs:         tw.taskIDs,
	})
	require.NoError(t, err)
	batches, err := s.InstantiateTaskInstances(ctx, s.DB(), diID)
	require.NoError(t, err)
	require.Len(t, batches, 1)

	_, err = s.DB().ExecContext(ctx, s.rebind(
		"UPDATE distributor_instance SET report_by_date = ? WHERE id = ?"),
		time.Now().UTC().Add(-time.Minute), diID)
	require.NoError(t, err)

	swept, err := s.ExpungeDistributorInstances(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, []int64{diID}, swept)

	for _, tiID := range batches[0].TaskInstanceIDs {
		status, err := s.instanceStatus(ctx, s.DB(), tiID)
		require.NoError(t, err)
		assert.Equal(t, core.InstanceNoDistributorID, status)
	}
	for _, taskID := range tw.taskIDs {
		task, err := s.GetTask(ctx, s.DB(), taskID)
		require.NoError(t, err)
		assert.Equal(t, core.TaskRegistering, task.Status)
	}
}
