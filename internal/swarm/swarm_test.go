package swarm

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
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
	"github.com/jobmon-org/jobmon/internal/distributor"
	"github.com/jobmon-org/jobmon/internal/otel"
	"github.com/jobmon-org/jobmon/internal/server"
	"github.com/jobmon-org/jobmon/internal/store"
)

func setupSwarmTest(t *testing.T) (*client.Client, *client.Factory, *store.Store) {
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
		WorkflowRunInterval:  20 * time.Millisecond,
		TaskInstanceInterval: 100 * time.Millisecond,
		ReportByBuffer:       3,
	}
}

func testSwarmConfig() config.Swarm {
	return config.Swarm{SyncInterval: 25 * time.Millisecond}
}

func testDistributorConfig(t *testing.T) config.Distributor {
	return config.Distributor{
		PollInterval:   15 * time.Millisecond,
		TickBudget:     2 * time.Second,
		StartupTimeout: 5 * time.Second,
		StateDir:       t.TempDir(),
	}
}

// taskSpec declares one task of a test workflow. Tasks of the same template
// land in the same array; deps name earlier specs.
type taskSpec struct {
	name     string
	template string
	deps     []string
	opts     []client.TaskOption
}

// buildWorkflow binds a workflow on the dummy cluster and creates its run.
// The run comes back BOUND; the swarm advances it from there.
func buildWorkflow(t *testing.T, ctx context.Context, f *client.Factory, specs []taskSpec, wfOpts ...client.WorkflowOption) (*client.Workflow, *client.WorkflowRun) {
	t.Helper()
	tool := client.NewTool("swarm-e2e")
	templates := map[string]*client.TaskTemplate{}
	template := func(name string) *client.TaskTemplate {
		tt := templates[name]
		if tt == nil {
			tt = tool.NewTaskTemplate(name, name+" --name {name}", []string{"name"}, nil, nil)
			templates[name] = tt
		}
		return tt
	}

	opts := append([]client.WorkflowOption{
		client.WithDefaultResources("dummy", "null.q", map[string]any{"cores": 1}),
	}, wfOpts...)
	wf := tool.NewWorkflow(nil, opts...)
	for _, spec := range specs {
		name := spec.template
		if name == "" {
			name = "phase"
		}
		topts := append([]client.TaskOption{client.WithTaskName(spec.name)}, spec.opts...)
		task, err := template(name).NewTask(map[string]string{"name": spec.name}, topts...)
		require.NoError(t, err)
		for _, dep := range spec.deps {
			up := wf.TaskByName(dep)
			require.NotNil(t, up, "unknown dependency %q", dep)
			task.AddUpstream(up)
		}
		require.NoError(t, wf.AddTask(task))
	}
	require.NoError(t, f.BindWorkflow(ctx, wf))

	run, err := f.CreateWorkflowRun(ctx, wf)
	require.NoError(t, err)
	return wf, run
}

// runDistributor serves the dummy cluster in-process and returns once it
// reports alive.
func runDistributor(t *testing.T, ctx context.Context, c *client.Client) {
	t.Helper()
	driver, err := cluster.New(cluster.TypeDummy, cluster.Options{})
	require.NoError(t, err)

	handshake := &syncBuffer{}
	d := distributor.New(c, driver, "dummy", testDistributorConfig(t), testHeartbeat(),
		distributor.WithHandshake(handshake))
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Log("distributor did not stop")
		}
	})
	require.Eventually(t, func() bool {
		return strings.Contains(handshake.String(), distributor.AliveMarker)
	}, 5*time.Second, 10*time.Millisecond, "distributor never reported alive")
}

// fakeWorkers plays the worker nodes: it polls for launched instances and
// reports each one running, then finished. act decides the outcome per task;
// nil means success. The callback runs on a single goroutine.
func fakeWorkers(t *testing.T, ctx context.Context, c *client.Client, st *store.Store, act func(taskID int64) *core.LogErrorWorkerNodeRequest) {
	t.Helper()
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			type inst struct{ id, taskID int64 }
			var launched []inst
			rows, err := st.DB().QueryContext(ctx,
				"SELECT id, task_id FROM task_instance WHERE status = 'O'")
			if err != nil {
				continue
			}
			for rows.Next() {
				var i inst
				if rows.Scan(&i.id, &i.taskID) == nil {
					launched = append(launched, i)
				}
			}
			rows.Close()
			for _, i := range launched {
				if _, err := c.LogRunning(ctx, i.id, core.LogRunningRequest{
					Nodename:            "fake-node",
					ProcessGroupID:      1,
					NextReportIncrement: 600,
				}); err != nil {
					continue
				}
				if failure := act(i.taskID); failure != nil {
					_, _ = c.LogErrorWorkerNode(ctx, i.id, *failure)
					continue
				}
				_, _ = c.LogDone(ctx, i.id, core.LogDoneRequest{
					Nodename:      "fake-node",
					WallclockSecs: 1,
					MaxRSS:        1024,
				})
			}
		}
	}()
}

func taskStatus(t *testing.T, ctx context.Context, c *client.Client, taskID int64) core.TaskStatus {
	t.Helper()
	resp, err := c.TaskStatus(ctx, taskID)
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

func advanceRun(t *testing.T, ctx context.Context, c *client.Client, runID int64) {
	t.Helper()
	for _, status := range []core.WorkflowRunStatus{
		core.RunInstantiated, core.RunLaunched, core.RunRunning,
	} {
		_, err := c.UpdateWorkflowRunStatus(ctx, runID, status)
		require.NoError(t, err)
	}
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

func TestRunCompletesLinearDag(t *testing.T) {
	c, f, st := setupSwarmTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wf, run := buildWorkflow(t, ctx, f, []taskSpec{
		{name: "extract"},
		{name: "transform", deps: []string{"extract"}},
		{name: "load", deps: []string{"transform"}},
	})
	runDistributor(t, ctx, c)

	var mu sync.Mutex
	var order []int64
	fakeWorkers(t, ctx, c, st, func(taskID int64) *core.LogErrorWorkerNodeRequest {
		mu.Lock()
		order = append(order, taskID)
		mu.Unlock()
		return nil
	})

	tracer, err := otel.NewTracer(ctx, config.OTLPConfig{})
	require.NoError(t, err)
	s := New(c, run, testSwarmConfig(), testDistributorConfig(t), testHeartbeat(),
		WithoutDistributors(), WithTracer(tracer))
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("swarm did not finish")
	}

	for _, name := range []string{"extract", "transform", "load"} {
		assert.Equal(t, core.TaskDone, taskStatus(t, ctx, c, wf.TaskByName(name).ID()))
	}
	assert.Equal(t, core.RunDone, runStatus(t, ctx, st, run.ID))
	wfStatus, err := c.WorkflowStatus(ctx, wf.ID())
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowDone, wfStatus.Status)

	// Dependencies force one at a time, in dag order.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{
		wf.TaskByName("extract").ID(),
		wf.TaskByName("transform").ID(),
		wf.TaskByName("load").ID(),
	}, order)
}

func TestRunFailsWhenAttemptsExhausted(t *testing.T) {
	c, f, st := setupSwarmTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wf, run := buildWorkflow(t, ctx, f, []taskSpec{
		{name: "flaky", opts: []client.TaskOption{client.WithMaxAttempts(1)}},
		{name: "blocked", deps: []string{"flaky"}},
	})
	runDistributor(t, ctx, c)
	fakeWorkers(t, ctx, c, st, func(int64) *core.LogErrorWorkerNodeRequest {
		return &core.LogErrorWorkerNodeRequest{
			ErrorState:  core.InstanceError,
			Description: "command exited 1",
			Nodename:    "fake-node",
		}
	})

	s := New(c, run, testSwarmConfig(), testDistributorConfig(t), testHeartbeat(), WithoutDistributors())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	var err error
	select {
	case err = <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("swarm did not settle")
	}

	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 1, failed.Fatal)
	assert.Equal(t, 1, failed.Blocked)

	// The blocked task never left REGISTERING; the failed branch does not
	// hold the run open.
	assert.Equal(t, core.TaskErrorFatal, taskStatus(t, ctx, c, wf.TaskByName("flaky").ID()))
	assert.Equal(t, core.TaskRegistering, taskStatus(t, ctx, c, wf.TaskByName("blocked").ID()))
	assert.Equal(t, core.RunError, runStatus(t, ctx, st, run.ID))
	wfStatus, err := c.WorkflowStatus(ctx, wf.ID())
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowFailed, wfStatus.Status)
}

func TestResourceAdjustment(t *testing.T) {
	c, f, st := setupSwarmTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wf, run := buildWorkflow(t, ctx, f, []taskSpec{
		{name: "hungry", opts: []client.TaskOption{
			client.WithResources("dummy", "null.q", map[string]any{"memory": 8}),
			client.WithResourceScales(map[string]core.ResourceScale{
				"memory": {Kind: core.ScaleMultiplier, Factor: 0.5},
			}),
		}},
	})
	task := wf.TaskByName("hungry")
	boundResources := task.TaskResourcesID()

	runDistributor(t, ctx, c)
	attempts := map[int64]int{}
	fakeWorkers(t, ctx, c, st, func(taskID int64) *core.LogErrorWorkerNodeRequest {
		attempts[taskID]++
		if attempts[taskID] == 1 {
			return &core.LogErrorWorkerNodeRequest{
				ErrorState:  core.InstanceResourceError,
				Description: "oom killed",
				Nodename:    "fake-node",
			}
		}
		return nil
	})

	s := New(c, run, testSwarmConfig(), testDistributorConfig(t), testHeartbeat(), WithoutDistributors())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("swarm did not finish")
	}

	// The resource error rebound the task to an escalated request before
	// the second attempt.
	assert.Equal(t, core.TaskDone, taskStatus(t, ctx, c, task.ID()))
	var gotResources int64
	require.NoError(t, st.DB().QueryRowContext(ctx,
		"SELECT task_resources_id FROM task WHERE id = ?", task.ID()).Scan(&gotResources))
	assert.NotEqual(t, boundResources, gotResources)

	var requested string
	require.NoError(t, st.DB().QueryRowContext(ctx,
		"SELECT requested_resources FROM task_resources WHERE id = ?", gotResources).Scan(&requested))
	assert.Contains(t, requested, `"memory":12`)
}

func TestHeartbeatDetectsResume(t *testing.T) {
	c, f, st := setupSwarmTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wf, run := buildWorkflow(t, ctx, f, []taskSpec{{name: "solo"}})
	_, err := c.RegisterDistributorInstance(ctx, core.RegisterDistributorInstanceRequest{
		ClusterName:         "dummy",
		NextReportIncrement: 600,
	})
	require.NoError(t, err)

	// No launcher serves the cluster, so the task sits queued while the run
	// heartbeats.
	s := New(c, run, testSwarmConfig(), testDistributorConfig(t), testHeartbeat(), WithoutDistributors())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return runStatus(t, ctx, st, run.ID) == core.RunRunning
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.SetResume(ctx, wf.ID(), true))

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrResumed)
	case <-time.After(15 * time.Second):
		t.Fatal("swarm did not notice the resume")
	}
	assert.Equal(t, core.RunTerminated, runStatus(t, ctx, st, run.ID))
}

func TestWorkflowTimeout(t *testing.T) {
	c, f, st := setupSwarmTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wf, run := buildWorkflow(t, ctx, f, []taskSpec{{name: "stuck"}})
	_, err := c.RegisterDistributorInstance(ctx, core.RegisterDistributorInstanceRequest{
		ClusterName:         "dummy",
		NextReportIncrement: 600,
	})
	require.NoError(t, err)

	cfg := testSwarmConfig()
	cfg.WorkflowTimeout = 150 * time.Millisecond
	s := New(c, run, cfg, testDistributorConfig(t), testHeartbeat(), WithoutDistributors())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	var runErr error
	select {
	case runErr = <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("swarm did not time out")
	}

	var expired *TimeoutError
	require.ErrorAs(t, runErr, &expired)
	assert.Equal(t, 150*time.Millisecond, expired.Timeout)
	assert.Equal(t, core.RunError, runStatus(t, ctx, st, run.ID))
	wfStatus, err := c.WorkflowStatus(ctx, wf.ID())
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowFailed, wfStatus.Status)
}

func TestGraphReadiness(t *testing.T) {
	_, f, _ := setupSwarmTest(t)
	ctx := context.Background()

	wf, run := buildWorkflow(t, ctx, f, []taskSpec{
		{name: "root"},
		{name: "left", deps: []string{"root"}},
		{name: "right", deps: []string{"root"}},
		{name: "join", deps: []string{"left", "right"}},
	})
	rootID := wf.TaskByName("root").ID()
	joinID := wf.TaskByName("join").ID()

	g, err := newGraph(run.Workflow)
	require.NoError(t, err)
	assert.Equal(t, 4, g.open)
	assert.Equal(t, 0, g.inflight)
	require.Len(t, g.ready, 1)
	assert.Equal(t, rootID, g.ready[0].task.ID())

	// Root runs and finishes: both branches become ready at once.
	g.ready = nil
	g.nodes[rootID].inReady = false
	n, was := g.apply(core.TaskStatusDelta{TaskID: rootID, Status: core.TaskQueued, NumAttempts: 1})
	require.NotNil(t, n)
	assert.Equal(t, core.TaskRegistering, was)
	assert.Equal(t, 1, g.inflight)
	n, _ = g.apply(core.TaskStatusDelta{TaskID: rootID, Status: core.TaskDone, NumAttempts: 1})
	require.NotNil(t, n)
	assert.Equal(t, 3, g.open)
	assert.Equal(t, 0, g.inflight)
	require.Len(t, g.ready, 2)
	assert.Equal(t, wf.TaskByName("left").ID(), g.ready[0].task.ID())
	assert.Equal(t, wf.TaskByName("right").ID(), g.ready[1].task.ID())

	// A repeated delta is a no-op.
	n, _ = g.apply(core.TaskStatusDelta{TaskID: rootID, Status: core.TaskDone})
	assert.Nil(t, n)

	// The join waits for its second upstream.
	g.ready = nil
	for _, name := range []string{"left", "right"} {
		g.nodes[wf.TaskByName(name).ID()].inReady = false
	}
	g.apply(core.TaskStatusDelta{TaskID: wf.TaskByName("left").ID(), Status: core.TaskDone, NumAttempts: 1})
	assert.Empty(t, g.ready)
	g.apply(core.TaskStatusDelta{TaskID: wf.TaskByName("right").ID(), Status: core.TaskDone, NumAttempts: 1})
	require.Len(t, g.ready, 1)
	assert.Equal(t, joinID, g.ready[0].task.ID())
	assert.False(t, g.finished())

	g.ready = nil
	g.nodes[joinID].inReady = false
	g.apply(core.TaskStatusDelta{TaskID: joinID, Status: core.TaskDone, NumAttempts: 1})
	assert.Equal(t, 0, g.open)
	assert.True(t, g.finished())
}

func TestGraphSettlesAroundFatalTask(t *testing.T) {
	_, f, _ := setupSwarmTest(t)
	ctx := context.Background()

	wf, run := buildWorkflow(t, ctx, f, []taskSpec{
		{name: "doomed"},
		{name: "blocked", deps: []string{"doomed"}},
	})
	doomedID := wf.TaskByName("doomed").ID()

	g, err := newGraph(run.Workflow)
	require.NoError(t, err)
	g.ready = nil
	g.nodes[doomedID].inReady = false

	g.apply(core.TaskStatusDelta{TaskID: doomedID, Status: core.TaskQueued, NumAttempts: 1})
	assert.False(t, g.finished(), "an in-flight task holds the run open")
	g.apply(core.TaskStatusDelta{TaskID: doomedID, Status: core.TaskErrorFatal, NumAttempts: 1})

	// The blocked task can never become ready, so the run settles with it
	// still open.
	assert.Equal(t, 1, g.open)
	assert.Equal(t, 1, g.fatal)
	assert.Equal(t, 0, g.inflight)
	assert.True(t, g.finished())
}

func TestGraphRejectsCycle(t *testing.T) {
	_, f, _ := setupSwarmTest(t)
	ctx := context.Background()

	wf, run := buildWorkflow(t, ctx, f, []taskSpec{
		{name: "a"},
		{name: "b", deps: []string{"a"}},
	})
	// Close the loop after binding; the graph build must refuse it.
	wf.TaskByName("a").AddUpstream(wf.TaskByName("b"))

	_, err := newGraph(run.Workflow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestScheduleRespectsWorkflowCap(t *testing.T) {
	c, f, _ := setupSwarmTest(t)
	ctx := context.Background()

	specs := make([]taskSpec, 5)
	for i := range specs {
		specs[i] = taskSpec{name: fmt.Sprintf("t%d", i)}
	}
	_, run := buildWorkflow(t, ctx, f, specs, client.WithMaxConcurrentlyRunning(2))
	advanceRun(t, ctx, c, run.ID)
	_, err := c.RegisterDistributorInstance(ctx, core.RegisterDistributorInstanceRequest{
		ClusterName:         "dummy",
		NextReportIncrement: 600,
	})
	require.NoError(t, err)

	s := New(c, run, testSwarmConfig(), testDistributorConfig(t), testHeartbeat(), WithoutDistributors())
	s.graph, err = newGraph(run.Workflow)
	require.NoError(t, err)
	s.prime()

	s.schedule(ctx)
	assert.Len(t, s.graph.ready, 3, "the cap admits two tasks")
	assert.Equal(t, 2, s.caps.workflow.active)

	// No headroom opened up, so another pass moves nothing.
	s.schedule(ctx)
	assert.Len(t, s.graph.ready, 3)

	// The server reports the first two finished; the refresh replaces the
	// optimistic counts and two more go out.
	s.applyUpdate(ctx, stateUpdate{
		Workflow: &core.WorkflowConcurrencyResponse{MaxConcurrentlyRunning: 2, NumActive: 0},
	})
	s.schedule(ctx)
	assert.Len(t, s.graph.ready, 1)

	statuses := map[core.TaskStatus]int{}
	for _, task := range run.Workflow.Tasks() {
		statuses[taskStatus(t, ctx, c, task.ID())]++
	}
	assert.Equal(t, map[core.TaskStatus]int{
		core.TaskQueued:      4,
		core.TaskRegistering: 1,
	}, statuses)
}

func TestScheduleArrayCapKeepsOrder(t *testing.T) {
	c, f, _ := setupSwarmTest(t)
	ctx := context.Background()

	wf, run := buildWorkflow(t, ctx, f, []taskSpec{
		{name: "a1", template: "alpha"},
		{name: "a2", template: "alpha"},
		{name: "b1", template: "beta"},
	})
	advanceRun(t, ctx, c, run.ID)
	_, err := c.RegisterDistributorInstance(ctx, core.RegisterDistributorInstanceRequest{
		ClusterName:         "dummy",
		NextReportIncrement: 600,
	})
	require.NoError(t, err)

	a1, a2, b1 := wf.TaskByName("a1"), wf.TaskByName("a2"), wf.TaskByName("b1")
	require.NotEqual(t, a1.ArrayID(), b1.ArrayID())

	s := New(c, run, testSwarmConfig(), testDistributorConfig(t), testHeartbeat(), WithoutDistributors())
	s.graph, err = newGraph(run.Workflow)
	require.NoError(t, err)
	s.prime()
	s.applyUpdate(ctx, stateUpdate{
		Arrays: []core.ArrayConcurrency{{ArrayID: a1.ArrayID(), MaxConcurrentlyRunning: 1}},
	})

	// The capped array admits one task; the excluded one keeps its place
	// while the other array still goes out.
	s.schedule(ctx)
	assert.Equal(t, core.TaskQueued, taskStatus(t, ctx, c, a1.ID()))
	assert.Equal(t, core.TaskRegistering, taskStatus(t, ctx, c, a2.ID()))
	assert.Equal(t, core.TaskQueued, taskStatus(t, ctx, c, b1.ID()))
	require.Len(t, s.graph.ready, 1)
	assert.Equal(t, a2.ID(), s.graph.ready[0].task.ID())
	assert.Equal(t, 2, s.caps.workflow.active)
	assert.Equal(t, 1, s.caps.arrays[a1.ArrayID()].active)
}

func TestStartDistributors(t *testing.T) {
	c, f, _ := setupSwarmTest(t)
	ctx := context.Background()

	_, run := buildWorkflow(t, ctx, f, []taskSpec{{name: "solo"}})

	t.Run("SpawnsPerCluster", func(t *testing.T) {
		var calls []string
		s := New(c, run, testSwarmConfig(), testDistributorConfig(t), testHeartbeat(),
			WithDistributorArgv(func(clusterName string, runID int64) []string {
				calls = append(calls, fmt.Sprintf("%s/%d", clusterName, runID))
				return []string{"/bin/sh", "-c", "echo ALIVE >&2; sleep 60"}
			}))
		require.NoError(t, s.startDistributors(ctx))
		require.Len(t, s.procs, 1)
		assert.Equal(t, []string{fmt.Sprintf("dummy/%d", run.ID)}, calls)

		proc := s.procs[0]
		s.stopDistributors()
		assert.Empty(t, s.procs)
		select {
		case <-proc.Exited():
		default:
			t.Fatal("distributor should be exited after stop")
		}
	})

	t.Run("StartupFailure", func(t *testing.T) {
		s := New(c, run, testSwarmConfig(), testDistributorConfig(t), testHeartbeat(),
			WithDistributorArgv(func(string, int64) []string {
				return []string{"/bin/sh", "-c", "echo no cluster driver >&2; exit 3"}
			}))
		err := s.startDistributors(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exited before reporting alive")
		assert.Empty(t, s.procs)
	})
}
