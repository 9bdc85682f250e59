package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobmon-org/jobmon/internal/cmn/config"
	"github.com/jobmon-org/jobmon/internal/core"
)

func setupTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	cfg := config.DB{
		URI:         filepath.Join(t.TempDir(), "jobmon.db"),
		AutoMigrate: true,
	}
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, context.Background()
}

// testWorkflow is a fully bound workflow on the sequential cluster: a linear
// chain of tasks, one registered (unlinked) workflow run.
type testWorkflow struct {
	workflowID  int64
	dagID       int64
	runID       int64
	arrayID     int64
	resourcesID int64
	queueID     int64
	taskIDs     []int64
}

func createTestWorkflow(t *testing.T, ctx context.Context, s *Store, numTasks int) *testWorkflow {
	t.Helper()
	db := s.DB()

	toolID, err := s.GetOrCreateTool(ctx, db, "phylofit")
	require.NoError(t, err)
	toolVersionID, err := s.AddToolVersion(ctx, db, toolID)
	require.NoError(t, err)
	templateID, err := s.GetOrCreateTaskTemplate(ctx, db, toolVersionID, "fit_model")
	require.NoError(t, err)
	ttvID, err := s.GetOrCreateTaskTemplateVersion(ctx, db, templateID,
		"fit_model --loc {loc}", "argmap-v1", map[string]core.ArgClass{"loc": core.NodeArg})
	require.NoError(t, err)

	specs := make([]core.NodeSpec, numTasks)
	for i := range specs {
		specs[i] = core.NodeSpec{
			TaskTemplateVersionID: ttvID,
			NodeArgsHash:          fmt.Sprintf("loc-%d", i),
			NodeArgs:              map[string]string{"loc": fmt.Sprintf("%d", i)},
		}
	}
	nodes, err := s.AddNodes(ctx, db, specs)
	require.NoError(t, err)
	require.Len(t, nodes, numTasks)

	dagID, _, err := s.GetOrCreateDag(ctx, db, fmt.Sprintf("dag-%s", t.Name()))
	require.NoError(t, err)
	edges := make([]core.EdgeSpec, numTasks)
	for i, n := range nodes {
		edges[i] = core.EdgeSpec{NodeID: n.NodeID}
		if i > 0 {
			edges[i].UpstreamNodeIDs = []int64{nodes[i-1].NodeID}
		}
		if i < numTasks-1 {
			edges[i].DownstreamNodeIDs = []int64{nodes[i+1].NodeID}
		}
	}
	require.NoError(t, s.AddEdges(ctx, db, dagID, edges, true))

	wf, created, err := s.BindWorkflow(ctx, db, core.BindWorkflowRequest{
		ToolVersionID:          toolVersionID,
		DagID:                  dagID,
		WorkflowArgsHash:       fmt.Sprintf("args-%s", t.Name()),
		TaskHash:               "tasks-v1",
		Name:                   "fit all locations",
		MaxConcurrentlyRunning: 100,
	})
	require.NoError(t, err)
	require.True(t, created)

	queue, err := s.GetQueueByName(ctx, db, "sequential", "null.q")
	require.NoError(t, err)
	resourcesID, err := s.GetOrCreateTaskResources(ctx, db, queue.ID, map[string]any{"cores": 1})
	require.NoError(t, err)

	taskSpecs := make([]core.TaskSpec, numTasks)
	for i, n := range nodes {
		taskSpecs[i] = core.TaskSpec{
			NodeID:          n.NodeID,
			TaskArgsHash:    "",
			Name:            fmt.Sprintf("fit_%d", i),
			Command:         fmt.Sprintf("fit_model --loc %d", i),
			MaxAttempts:     3,
			TaskResourcesID: resourcesID,
			ArrayName:       "fit_model",
		}
	}
	bound, err := s.BindTasks(ctx, db, wf.ID, taskSpecs)
	require.NoError(t, err)
	require.Len(t, bound, numTasks)

	run, err := s.RegisterWorkflowRun(ctx, db, wf.ID, "tester", "3.0.0")
	require.NoError(t, err)

	tw := &testWorkflow{
		workflowID:  wf.ID,
		dagID:       dagID,
		runID:       run.ID,
		arrayID:     bound[0].ArrayID,
		resourcesID: resourcesID,
		queueID:     queue.ID,
	}
	for _, b := range bound {
		tw.taskIDs = append(tw.taskIDs, b.TaskID)
	}
	return tw
}

// registerTestDistributor registers an alive distributor instance for the
// sequential cluster, pinned to the run when runID is non-nil.
func registerTestDistributor(t *testing.T, ctx context.Context, s *Store, runID *int64) int64 {
	t.Helper()
	di, err := s.RegisterDistributorInstance(ctx, s.DB(), core.RegisterDistributorInstanceRequest{
		ClusterName:         "sequential",
		WorkflowRunID:       runID,
		NextReportIncrement: 600,
	})
	require.NoError(t, err)
	return di.ID
}

func TestOpen_AppliesMigrations(t *testing.T) {
	s, ctx := setupTestStore(t)

	for _, name := range []string{"sequential", "multiprocess", "dummy"} {
		cluster, err := s.GetClusterByName(ctx, s.DB(), name)
		require.NoError(t, err)
		assert.Equal(t, name, cluster.Name)

		queue, err := s.GetQueueByName(ctx, s.DB(), name, "null.q")
		require.NoError(t, err)
		assert.Equal(t, cluster.ID, queue.ClusterID)
	}
}

func TestOpen_RejectsEmptyURI(t *testing.T) {
	_, err := Open(context.Background(), config.DB{})
	require.Error(t, err)
}

func TestTx_CommitsOnSuccess(t *testing.T) {
	s, ctx := setupTestStore(t)

	var toolID int64
	err := s.Tx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		toolID, err = s.GetOrCreateTool(ctx, tx, "committed")
		return err
	})
	require.NoError(t, err)

	got, err := s.GetOrCreateTool(ctx, s.DB(), "committed")
	require.NoError(t, err)
	assert.Equal(t, toolID, got)
}

func TestTx_RollsBackOnError(t *testing.T) {
	s, ctx := setupTestStore(t)

	boom := errors.New("boom")
	err := s.Tx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := s.GetOrCreateTool(ctx, tx, "rolled_back"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	err = s.DB().QueryRowContext(ctx, s.rebind(
		"SELECT COUNT(*) FROM tool WHERE name = ?"), "rolled_back").Scan(&count)
	require.NoError(t, err)
	assert.Zero(t, count)
}
