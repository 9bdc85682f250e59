package reaper

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobmon-org/jobmon/internal/client"
	"github.com/jobmon-org/jobmon/internal/cmn/config"
	"github.com/jobmon-org/jobmon/internal/core"
	"github.com/jobmon-org/jobmon/internal/server"
	"github.com/jobmon-org/jobmon/internal/store"
)

func setupReaperTest(t *testing.T) (*client.Client, *client.Factory, *store.Store) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Core.LogFormat = "text"
	cfg.Server = config.Server{Host: "127.0.0.1", UpdateStatusMaxIDs: 10000}
	cfg.DB = config.DB{
		URI:         filepath.Join(t.TempDir(), "jobmon.db"),
		AutoMigrate: true,
	}

	st, err := store.Open(context.Background(), cfg.DB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	srv := server.New(cfg, st, prometheus.NewRegistry())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c := client.New(config.HTTP{
		ServiceURL:           ts.URL,
		RequestTimeout:       5 * time.Second,
		RetriesTimeout:       2 * time.Second,
		RetryInitialInterval: 10 * time.Millisecond,
		RetryMaxInterval:     100 * time.Millisecond,
	})
	f, err := client.NewFactory(c, config.Heartbeat{
		WorkflowRunInterval:  10 * time.Second,
		TaskInstanceInterval: 50 * time.Millisecond,
		ReportByBuffer:       3,
	})
	require.NoError(t, err)
	return c, f, st
}

func testReaperConfig() config.Reaper {
	return config.Reaper{
		PollInterval:      20 * time.Millisecond,
		InconsistencyStep: 2500,
	}
}

// bindTestWorkflow binds a one-task workflow. Distinct names make distinct
// workflows through the workflow args hash.
func bindTestWorkflow(t *testing.T, ctx context.Context, f *client.Factory, name string) *client.Workflow {
	t.Helper()
	tool := client.NewTool("reaper-e2e")
	tt := tool.NewTaskTemplate("sleep", "sleep {sec}", []string{"sec"}, nil, nil)
	wf := tool.NewWorkflow(map[string]string{"wf": name},
		client.WithWorkflowName(name),
		client.WithDefaultResources("dummy", "null.q", map[string]any{"cores": 1}),
	)
	task, err := tt.NewTask(map[string]string{"sec": "1"})
	require.NoError(t, err)
	require.NoError(t, wf.AddTask(task))
	require.NoError(t, f.BindWorkflow(ctx, wf))
	return wf
}

func workflowStatus(t *testing.T, ctx context.Context, c *client.Client, wfID int64) core.WorkflowStatus {
	t.Helper()
	resp, err := c.WorkflowStatus(ctx, wfID)
	require.NoError(t, err)
	return resp.Status
}

func runStatus(t *testing.T, ctx context.Context, st *store.Store, runID int64) core.WorkflowRunStatus {
	t.Helper()
	var s string
	require.NoError(t, st.DB().QueryRowContext(ctx,
		"SELECT status FROM workflow_run WHERE id = ?", runID).Scan(&s))
	return core.WorkflowRunStatus(s)
}

func TestSweepReapsLostRuns(t *testing.T) {
	c, f, st := setupReaperTest(t)
	ctx := context.Background()

	// A RUNNING run whose swarm stopped heartbeating.
	wfRunning := bindTestWorkflow(t, ctx, f, "running")
	runRunning, err := f.CreateWorkflowRun(ctx, wfRunning)
	require.NoError(t, err)
	for _, status := range []core.WorkflowRunStatus{
		core.RunInstantiated, core.RunLaunched, core.RunRunning,
	} {
		_, err = c.UpdateWorkflowRunStatus(ctx, runRunning.ID, status)
		require.NoError(t, err)
	}
	_, err = c.LogWorkflowRunHeartbeat(ctx, runRunning.ID, -3600)
	require.NoError(t, err)

	// A run that died between winning the link race and binding.
	wfLinking := bindTestWorkflow(t, ctx, f, "linking")
	registered, err := c.RegisterWorkflowRun(ctx, wfLinking.ID(), "tester", config.Version)
	require.NoError(t, err)
	linked, err := c.LinkWorkflowRun(ctx, registered.WorkflowRunID, -3600)
	require.NoError(t, err)
	require.Equal(t, core.RunLinking, linked)

	// A resume order nobody picked up.
	wfResume := bindTestWorkflow(t, ctx, f, "resume")
	runResume, err := f.CreateWorkflowRun(ctx, wfResume)
	require.NoError(t, err)
	require.NoError(t, c.SetResume(ctx, wfResume.ID(), true))
	_, err = c.LogWorkflowRunHeartbeat(ctx, runResume.ID, -3600)
	require.NoError(t, err)

	r, err := New(c, testReaperConfig(), config.Version)
	require.NoError(t, err)
	r.sweep(ctx)

	assert.Equal(t, core.RunError, runStatus(t, ctx, st, runRunning.ID))
	assert.Equal(t, core.WorkflowFailed, workflowStatus(t, ctx, c, wfRunning.ID()))

	assert.Equal(t, core.RunAborted, runStatus(t, ctx, st, registered.WorkflowRunID))
	assert.Equal(t, core.WorkflowAborted, workflowStatus(t, ctx, c, wfLinking.ID()))

	assert.Equal(t, core.RunTerminated, runStatus(t, ctx, st, runResume.ID))
	assert.Equal(t, core.WorkflowHalted, workflowStatus(t, ctx, c, wfResume.ID()))
}

func TestSweepSkipsFreshAndForeignRuns(t *testing.T) {
	c, f, st := setupReaperTest(t)
	ctx := context.Background()

	// Alive and beating: not reapable.
	wfFresh := bindTestWorkflow(t, ctx, f, "fresh")
	runFresh, err := f.CreateWorkflowRun(ctx, wfFresh)
	require.NoError(t, err)
	for _, status := range []core.WorkflowRunStatus{
		core.RunInstantiated, core.RunLaunched, core.RunRunning,
	} {
		_, err = c.UpdateWorkflowRunStatus(ctx, runFresh.ID, status)
		require.NoError(t, err)
	}
	_, err = c.LogWorkflowRunHeartbeat(ctx, runFresh.ID, 600)
	require.NoError(t, err)

	// Lapsed but stamped by another release: its own reaper handles it.
	wfForeign := bindTestWorkflow(t, ctx, f, "foreign")
	runForeign, err := f.CreateWorkflowRun(ctx, wfForeign)
	require.NoError(t, err)
	for _, status := range []core.WorkflowRunStatus{
		core.RunInstantiated, core.RunLaunched, core.RunRunning,
	} {
		_, err = c.UpdateWorkflowRunStatus(ctx, runForeign.ID, status)
		require.NoError(t, err)
	}
	_, err = c.LogWorkflowRunHeartbeat(ctx, runForeign.ID, -3600)
	require.NoError(t, err)
	_, err = st.DB().ExecContext(ctx,
		"UPDATE workflow_run SET jobmon_server_version = 'v99' WHERE id = ?", runForeign.ID)
	require.NoError(t, err)

	r, err := New(c, testReaperConfig(), config.Version)
	require.NoError(t, err)
	r.sweep(ctx)

	assert.Equal(t, core.RunRunning, runStatus(t, ctx, st, runFresh.ID))
	assert.Equal(t, core.RunRunning, runStatus(t, ctx, st, runForeign.ID))
}

func TestSweepExpungesDeadDistributors(t *testing.T) {
	c, f, st := setupReaperTest(t)
	ctx := context.Background()

	bindTestWorkflow(t, ctx, f, "expunge")
	id, err := c.RegisterDistributorInstance(ctx, core.RegisterDistributorInstanceRequest{
		ClusterName:         "dummy",
		NextReportIncrement: -60,
	})
	require.NoError(t, err)

	r, err := New(c, testReaperConfig(), config.Version)
	require.NoError(t, err)
	r.sweep(ctx)

	var expunged bool
	require.NoError(t, st.DB().QueryRowContext(ctx,
		"SELECT expunged FROM distributor_instance WHERE id = ?", id).Scan(&expunged))
	assert.True(t, expunged)
}

func TestRepairCursorWalksAndWraps(t *testing.T) {
	c, f, st := setupReaperTest(t)
	ctx := context.Background()

	wf1 := bindTestWorkflow(t, ctx, f, "consistent")
	wf2 := bindTestWorkflow(t, ctx, f, "inconsistent")

	// wf2's tasks all finished but its status stuck at FAILED.
	_, err := st.DB().ExecContext(ctx,
		"UPDATE task SET status = 'D' WHERE workflow_id = ?", wf2.ID())
	require.NoError(t, err)
	_, err = st.DB().ExecContext(ctx,
		"UPDATE workflow SET status = 'F' WHERE id = ?", wf2.ID())
	require.NoError(t, err)

	cfg := testReaperConfig()
	cfg.InconsistencyStep = 1
	cfg.MaintenanceSchedule = "* * * * *"
	r, err := New(c, cfg, config.Version)
	require.NoError(t, err)

	// Window (0,1] holds only wf1; the cursor advances without wrapping.
	r.repair(ctx)
	assert.Equal(t, int64(1), r.fixStart)
	assert.Equal(t, core.WorkflowFailed, workflowStatus(t, ctx, c, wf2.ID()))

	// Window (1,2] repairs wf2 and the cursor wraps past the table's end.
	r.repair(ctx)
	assert.Equal(t, int64(0), r.fixStart)
	assert.Equal(t, core.WorkflowDone, workflowStatus(t, ctx, c, wf2.ID()))
	assert.Equal(t, core.WorkflowRegistering, workflowStatus(t, ctx, c, wf1.ID()))
}

func TestNewRejectsBadSchedule(t *testing.T) {
	c, _, _ := setupReaperTest(t)

	cfg := testReaperConfig()
	cfg.MaintenanceSchedule = "not a cron line"
	_, err := New(c, cfg, config.Version)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maintenance schedule")
}

func TestRunStopsOnCancel(t *testing.T) {
	c, _, _ := setupReaperTest(t)
	ctx, cancel := context.WithCancel(context.Background())

	r, err := New(c, testReaperConfig(), config.Version)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(60 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reaper did not stop")
	}
}
