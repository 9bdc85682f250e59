package distributor

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobmon-org/jobmon/internal/client"
	"github.com/jobmon-org/jobmon/internal/cluster"
	"github.com/jobmon-org/jobmon/internal/cmn/config"
	"github.com/jobmon-org/jobmon/internal/core"
	"github.com/jobmon-org/jobmon/internal/server"
	"github.com/jobmon-org/jobmon/internal/store"
)

func setupDistributorTest(t *testing.T) (*client.Client, *client.Factory, *store.Store) {
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
	f, err := client.NewFactory(c, testHeartbeat())
	require.NoError(t, err)
	return c, f, st
}

func testHeartbeat() config.Heartbeat {
	return config.Heartbeat{
		WorkflowRunInterval:  10 * time.Second,
		TaskInstanceInterval: 50 * time.Millisecond,
		ReportByBuffer:       3,
	}
}

func testDistributorConfig(t *testing.T) config.Distributor {
	return config.Distributor{
		PollInterval: 20 * time.Millisecond,
		TickBudget:   2 * time.Second,
		StateDir:     t.TempDir(),
	}
}

// bindWorkflow builds an n-task workflow on the dummy cluster, binds it, and
// drives its run to RUNNING.
func bindWorkflow(t *testing.T, ctx context.Context, c *client.Client, f *client.Factory, n int) (*client.Workflow, []*client.Task, int64) {
	t.Helper()
	tool := client.NewTool("dist-e2e")
	tt := tool.NewTaskTemplate("simulate", "simulate --rep {rep}", []string{"rep"}, nil, nil)
	wf := tool.NewWorkflow(nil,
		client.WithDefaultResources("dummy", "null.q", map[string]any{"cores": 1}),
	)
	tasks := make([]*client.Task, n)
	for i := range tasks {
		task, err := tt.NewTask(map[string]string{"rep": strconv.Itoa(i)})
		require.NoError(t, err)
		require.NoError(t, wf.AddTask(task))
		tasks[i] = task
	}
	require.NoError(t, f.BindWorkflow(ctx, wf))

	run, err := f.CreateWorkflowRun(ctx, wf)
	require.NoError(t, err)
	for _, status := range []core.WorkflowRunStatus{
		core.RunInstantiated, core.RunLaunched, core.RunRunning,
	} {
		_, err = c.UpdateWorkflowRunStatus(ctx, run.ID, status)
		require.NoError(t, err)
	}
	return wf, tasks, run.ID
}

func queueBatch(t *testing.T, ctx context.Context, c *client.Client, wf *client.Workflow, tasks []*client.Task, runID int64) core.QueueTaskBatchResponse {
	t.Helper()
	taskIDs := make([]int64, len(tasks))
	for i, task := range tasks {
		taskIDs[i] = task.ID()
	}
	resp, err := c.QueueTaskBatch(ctx, core.QueueTaskBatchRequest{
		WorkflowRunID:   runID,
		WorkflowID:      wf.ID(),
		ArrayID:         tasks[0].ArrayID(),
		TaskResourcesID: tasks[0].TaskResourcesID(),
		TaskIDs:         taskIDs,
	})
	require.NoError(t, err)
	require.Len(t, resp.QueuedTaskIDs, len(tasks))
	return resp
}

// registerInstance registers a distributor instance the way Run would and
// pins it on d, so tests can drive tick by tick.
func registerInstance(t *testing.T, ctx context.Context, c *client.Client, d *Distributor) {
	t.Helper()
	id, err := c.RegisterDistributorInstance(ctx, core.RegisterDistributorInstanceRequest{
		ClusterName:         d.clusterName,
		NextReportIncrement: 600,
	})
	require.NoError(t, err)
	d.instanceID = id
}

func instanceStatus(t *testing.T, ctx context.Context, c *client.Client, tiID int64) core.TaskInstanceStatus {
	t.Helper()
	detail, err := c.TaskInstance(ctx, tiID)
	require.NoError(t, err)
	return detail.Status
}

type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestRunLifecycle(t *testing.T) {
	c, f, _ := setupDistributorTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wf, tasks, runID := bindWorkflow(t, ctx, c, f, 3)

	driver, err := cluster.New(cluster.TypeDummy, cluster.Options{})
	require.NoError(t, err)

	handshake := &syncBuffer{}
	d := New(c, driver, "dummy", testDistributorConfig(t), testHeartbeat(), WithHandshake(handshake))

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(handshake.String(), AliveMarker)
	}, 5*time.Second, 10*time.Millisecond, "distributor never reported alive")

	queueBatch(t, ctx, c, wf, tasks, runID)

	// The poll loop instantiates the batch, submits it through the driver,
	// and moves everything to LAUNCHED.
	require.Eventually(t, func() bool {
		status, err := c.TaskStatus(ctx, tasks[0].ID())
		return err == nil && status.Status == core.TaskLaunched
	}, 5*time.Second, 10*time.Millisecond)

	refs, err := c.SyncTaskInstances(ctx, d.instanceID, core.InstanceLaunched)
	require.NoError(t, err)
	require.Len(t, refs, 3)
	for _, ref := range refs {
		assert.NotEmpty(t, ref.DistributorID)
	}
	held, err := driver.SubmittedOrRunning(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, held, 3)

	// A cold resume orders every live instance dead. The distributor
	// terminates them on the cluster and resolves them as fatal; their
	// tasks rewind for the resumed run.
	require.NoError(t, c.SetResume(ctx, wf.ID(), true))
	require.Eventually(t, func() bool {
		held, err := driver.SubmittedOrRunning(ctx, nil)
		return err == nil && len(held) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		status, err := c.TaskStatus(ctx, tasks[0].ID())
		return err == nil && status.Status == core.TaskRegistering
	}, 5*time.Second, 10*time.Millisecond)

	for _, ref := range refs {
		assert.Equal(t, core.InstanceErrorFatal, instanceStatus(t, ctx, c, ref.TaskInstanceID))
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("distributor did not stop")
	}
	assert.Contains(t, handshake.String(), ShutdownMarker)
}

func TestSharedModeRefusesSecondDistributor(t *testing.T) {
	c, _, _ := setupDistributorTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testDistributorConfig(t)
	driver, err := cluster.New(cluster.TypeDummy, cluster.Options{})
	require.NoError(t, err)

	handshake := &syncBuffer{}
	first := New(c, driver, "dummy", cfg, testHeartbeat(), WithHandshake(handshake))
	done := make(chan error, 1)
	go func() { done <- first.Run(ctx) }()
	require.Eventually(t, func() bool {
		return strings.Contains(handshake.String(), AliveMarker)
	}, 5*time.Second, 10*time.Millisecond)

	second := New(c, driver, "dummy", cfg, testHeartbeat(), WithHandshake(&syncBuffer{}))
	err = second.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has a shared distributor")

	cancel()
	<-done
}

func TestLaunchDefersWhenOverCapacity(t *testing.T) {
	c, f, st := setupDistributorTest(t)
	ctx := context.Background()

	wf, tasks, runID := bindWorkflow(t, ctx, c, f, 3)

	driver, err := cluster.New(cluster.TypeDummy, cluster.Options{})
	require.NoError(t, err)
	d := New(c, driver, "dummy", testDistributorConfig(t), testHeartbeat())
	registerInstance(t, ctx, c, d)

	queueBatch(t, ctx, c, wf, tasks, runID)

	// Lower the cap below the queued batch. The launch must wait until the
	// overage drains.
	_, err = st.DB().ExecContext(ctx,
		"UPDATE workflow SET max_concurrently_running = 1 WHERE id = ?", wf.ID())
	require.NoError(t, err)

	require.NoError(t, d.tick(ctx))

	refs, err := c.SyncTaskInstances(ctx, d.instanceID, core.InstanceInstantiated)
	require.NoError(t, err)
	assert.Len(t, refs, 3, "instances should wait at INSTANTIATED")
	assert.Len(t, d.queue, 1, "the launch command should roll over")
	held, err := driver.SubmittedOrRunning(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, held)

	_, err = st.DB().ExecContext(ctx,
		"UPDATE workflow SET max_concurrently_running = 100 WHERE id = ?", wf.ID())
	require.NoError(t, err)

	require.NoError(t, d.tick(ctx))

	refs, err = c.SyncTaskInstances(ctx, d.instanceID, core.InstanceLaunched)
	require.NoError(t, err)
	assert.Len(t, refs, 3)
	assert.Empty(t, d.queue)
}

func TestTriageResolvesSilentInstances(t *testing.T) {
	c, f, _ := setupDistributorTest(t)
	ctx := context.Background()

	wf, tasks, runID := bindWorkflow(t, ctx, c, f, 2)

	driver, err := cluster.New(cluster.TypeDummy, cluster.Options{})
	require.NoError(t, err)
	d := New(c, driver, "dummy", testDistributorConfig(t), testHeartbeat())
	registerInstance(t, ctx, c, d)

	queueBatch(t, ctx, c, wf, tasks, runID)
	require.NoError(t, d.tick(ctx))

	refs, err := c.SyncTaskInstances(ctx, d.instanceID, core.InstanceLaunched)
	require.NoError(t, err)
	require.Len(t, refs, 2)

	// One instance starts running and goes silent, the other never reports
	// at all. Both leases lapse before the triage sweep.
	_, err = c.LogRunning(ctx, refs[0].TaskInstanceID, core.LogRunningRequest{
		Nodename:            "node-1",
		ProcessGroupID:      4242,
		NextReportIncrement: -60,
	})
	require.NoError(t, err)
	time.Sleep(250 * time.Millisecond)

	triaged, err := c.RequestTriage(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, 1, triaged.Triaging)
	require.Equal(t, 1, triaged.NoHeartbeat)

	// The dummy cluster has no exit information, so both resolve as
	// UNKNOWN_ERROR and the tasks get another attempt.
	require.NoError(t, d.tick(ctx))

	for _, ref := range refs {
		assert.Equal(t, core.InstanceUnknownError, instanceStatus(t, ctx, c, ref.TaskInstanceID))
	}
	for _, task := range tasks {
		status, err := c.TaskStatus(ctx, task.ID())
		require.NoError(t, err)
		assert.Equal(t, core.TaskRegistering, status.Status)
	}
}

func TestRecoverStrandedBatch(t *testing.T) {
	c, f, _ := setupDistributorTest(t)
	ctx := context.Background()

	wf, tasks, runID := bindWorkflow(t, ctx, c, f, 2)

	driver, err := cluster.New(cluster.TypeDummy, cluster.Options{})
	require.NoError(t, err)
	d := New(c, driver, "dummy", testDistributorConfig(t), testHeartbeat())
	registerInstance(t, ctx, c, d)

	// Simulate a crash mid-submission: the batch instantiated and one
	// instance got its distributor id logged, then the launch died.
	resp := queueBatch(t, ctx, c, wf, tasks, runID)
	batches, err := c.InstantiateTaskInstances(ctx, d.instanceID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	tiIDs := batches[0].TaskInstanceIDs
	require.Len(t, tiIDs, 2)
	require.NoError(t, c.LogDistributorIDs(ctx, resp.BatchID, []core.DistributorIDPair{
		{TaskInstanceID: tiIDs[0], DistributorID: "dummy-7"},
	}))

	require.NoError(t, d.tick(ctx))

	// The submitted instance moves on; the lost one goes back to the
	// server for rescheduling.
	assert.Equal(t, core.InstanceLaunched, instanceStatus(t, ctx, c, tiIDs[0]))
	assert.Equal(t, core.InstanceNoDistributorID, instanceStatus(t, ctx, c, tiIDs[1]))

	status, err := c.TaskStatus(ctx, tasks[1].ID())
	require.NoError(t, err)
	assert.Equal(t, core.TaskRegistering, status.Status)
}

type failingDriver struct {
	cluster.Driver
	allow int
	n     int
}

func (d *failingDriver) Submit(ctx context.Context, req cluster.SubmitRequest) (string, error) {
	if d.n >= d.allow {
		return "", errors.New("queue rejected submission")
	}
	d.n++
	return d.Driver.Submit(ctx, req)
}

func TestQueueingErrorResolvesRemainder(t *testing.T) {
	c, f, _ := setupDistributorTest(t)
	ctx := context.Background()

	wf, tasks, runID := bindWorkflow(t, ctx, c, f, 3)

	dummy, err := cluster.New(cluster.TypeDummy, cluster.Options{})
	require.NoError(t, err)
	driver := &failingDriver{Driver: dummy, allow: 1}
	d := New(c, driver, "dummy", testDistributorConfig(t), testHeartbeat())
	registerInstance(t, ctx, c, d)

	queueBatch(t, ctx, c, wf, tasks, runID)
	require.NoError(t, d.tick(ctx))

	// First submission landed, the second hit a queueing error: the
	// remainder resolves as NO_DISTRIBUTOR_ID and those tasks rewind.
	launched, err := c.SyncTaskInstances(ctx, d.instanceID, core.InstanceLaunched)
	require.NoError(t, err)
	require.Len(t, launched, 1)
	assert.NotEmpty(t, launched[0].DistributorID)

	statuses := map[core.TaskStatus]int{}
	for _, task := range tasks {
		status, err := c.TaskStatus(ctx, task.ID())
		require.NoError(t, err)
		statuses[status.Status]++
	}
	assert.Equal(t, map[core.TaskStatus]int{
		core.TaskLaunched:    1,
		core.TaskRegistering: 2,
	}, statuses)
	assert.Empty(t, d.queue, "a queueing error must not retry forever")
}

func TestSpawnHandshake(t *testing.T) {
	ctx := context.Background()

	t.Run("ReportsAlive", func(t *testing.T) {
		p, err := Spawn(ctx, "dummy",
			[]string{"/bin/sh", "-c", "echo starting up >&2; echo ALIVE >&2; sleep 60"},
			5*time.Second)
		require.NoError(t, err)
		p.Stop(2 * time.Second)
		select {
		case <-p.Exited():
		default:
			t.Fatal("proc should be exited after Stop")
		}
	})

	t.Run("EarlyExit", func(t *testing.T) {
		_, err := Spawn(ctx, "dummy",
			[]string{"/bin/sh", "-c", "echo bad cluster config >&2; exit 3"},
			5*time.Second)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exited before reporting alive")
		assert.Contains(t, err.Error(), "bad cluster config")
	})

	t.Run("StartupTimeout", func(t *testing.T) {
		_, err := Spawn(ctx, "dummy",
			[]string{"/bin/sh", "-c", "sleep 60"},
			100*time.Millisecond)
		var timeoutErr *core.DistributorStartupTimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, "dummy", timeoutErr.Cluster)
	})
}

func TestLocalArgv(t *testing.T) {
	argv := LocalArgv("sequential", 42)
	require.GreaterOrEqual(t, len(argv), 6)
	assert.Equal(t, "distributor", argv[1])
	assert.Equal(t, []string{"--cluster", "sequential", "--workflow-run-id", "42"}, argv[2:])
}
