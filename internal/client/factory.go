package client

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"

	"github.com/jobmon-org/jobmon/internal/cmn/config"
	"github.com/jobmon-org/jobmon/internal/cmn/logger"
	"github.com/jobmon-org/jobmon/internal/cmn/logger/tag"
	"github.com/jobmon-org/jobmon/internal/core"
)

const (
	nodeCacheSize     = 10_000
	resourceCacheSize = 1_000

	nodeBindChunkSize = 500
	taskBindChunkSize = 1_000

	resumePollInterval   = time.Second
	defaultResumeTimeout = 5 * time.Minute
)

// Factory binds client-side workflow definitions and creates workflow runs.
// Node and resource ids are cached across binds, so iterative pipelines that
// rebuild the same definitions skip the round trips.
type Factory struct {
	client    *Client
	heartbeat config.Heartbeat
	user      string

	nodeIDs     *lru.Cache[string, int64]
	resourceIDs *lru.Cache[string, int64]
	queues      map[string]core.GetQueueResponse
}

// NewFactory builds a factory over the client. The heartbeat section sets
// the report-by increment stamped when a run links.
func NewFactory(client *Client, heartbeat config.Heartbeat) (*Factory, error) {
	nodeIDs, err := lru.New[string, int64](nodeCacheSize)
	if err != nil {
		return nil, err
	}
	resourceIDs, err := lru.New[string, int64](resourceCacheSize)
	if err != nil {
		return nil, err
	}
	return &Factory{
		client:      client,
		heartbeat:   heartbeat,
		user:        currentUser(),
		nodeIDs:     nodeIDs,
		resourceIDs: resourceIDs,
		queues:      make(map[string]core.GetQueueResponse),
	}, nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}

// BindWorkflow registers the definition with the server in dependency order:
// tool, templates, nodes, dag, the workflow row, resources, tasks. Binding
// is idempotent; rebinding an existing definition recovers the same ids.
func (f *Factory) BindWorkflow(ctx context.Context, wf *Workflow) error {
	if len(wf.tasks) == 0 {
		return core.NewInvalidUsage("workflow %q has no tasks", wf.Name)
	}
	if err := f.bindTool(ctx, wf.tool); err != nil {
		return err
	}
	if err := f.bindTemplates(ctx, wf); err != nil {
		return err
	}
	if err := f.bindNodes(ctx, wf); err != nil {
		return err
	}
	if err := f.bindDag(ctx, wf); err != nil {
		return err
	}

	resp, err := f.client.BindWorkflow(ctx, core.BindWorkflowRequest{
		ToolVersionID:          wf.tool.versionID,
		DagID:                  wf.dagID,
		WorkflowArgsHash:       wf.ArgsHash(),
		TaskHash:               wf.taskHash(),
		Name:                   wf.Name,
		Description:            wf.Description,
		MaxConcurrentlyRunning: wf.MaxConcurrentlyRunning,
	})
	if err != nil {
		return err
	}
	wf.workflowID = resp.WorkflowID
	wf.status = resp.Status
	wf.newlyCreated = resp.NewlyCreated

	if err := f.bindResources(ctx, wf); err != nil {
		return err
	}
	if err := f.bindTasks(ctx, wf); err != nil {
		return err
	}
	logger.Info(ctx, "Workflow bound",
		tag.WorkflowID(wf.workflowID), tag.Count(len(wf.tasks)))
	return nil
}

// bindTool resolves the tool's newest version, creating the first one on
// demand. Workflow identity hangs off the tool version, so reusing the
// newest keeps rebinding idempotent across processes.
func (f *Factory) bindTool(ctx context.Context, t *Tool) error {
	if t.versionID != 0 {
		return nil
	}
	id, err := f.client.BindTool(ctx, t.Name)
	if err != nil {
		return err
	}
	versions, err := f.client.ListToolVersions(ctx, id)
	if err != nil {
		return err
	}
	var versionID int64
	if len(versions) > 0 {
		versionID = versions[len(versions)-1]
	} else {
		versionID, err = f.client.AddToolVersion(ctx, id)
		if err != nil {
			return err
		}
	}
	t.id = id
	t.versionID = versionID
	return nil
}

func (f *Factory) bindTemplates(ctx context.Context, wf *Workflow) error {
	for _, t := range wf.tasks {
		tt := t.template
		if tt.tool != wf.tool {
			return core.NewInvalidUsage("task %q uses template %q from a different tool", t.Name, tt.Name)
		}
		if tt.versionID != 0 {
			continue
		}
		id, err := f.client.BindTaskTemplate(ctx, tt.tool.versionID, tt.Name)
		if err != nil {
			return err
		}
		resp, err := f.client.AddTaskTemplateVersion(ctx, id, core.AddTaskTemplateVersionRequest{
			CommandTemplate: tt.CommandTemplate,
			NodeArgs:        tt.NodeArgs,
			TaskArgs:        tt.TaskArgs,
			OpArgs:          tt.OpArgs,
		})
		if err != nil {
			return err
		}
		tt.id = id
		tt.versionID = resp.TaskTemplateVersionID
		tt.argMappingHash = resp.ArgMappingHash
	}
	return nil
}

func (f *Factory) bindNodes(ctx context.Context, wf *Workflow) error {
	// Several tasks can share a node, and the cache may already hold it.
	seen := make(map[string]bool)
	var specs []core.NodeSpec
	for _, t := range wf.tasks {
		key := t.nodeKey()
		if seen[key] || f.nodeIDs.Contains(key) {
			continue
		}
		seen[key] = true
		specs = append(specs, core.NodeSpec{
			TaskTemplateVersionID: t.template.versionID,
			NodeArgsHash:          t.NodeArgsHash(),
			NodeArgs:              t.nodeArgs,
		})
	}
	for _, chunk := range lo.Chunk(specs, nodeBindChunkSize) {
		refs, err := f.client.AddNodes(ctx, chunk)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			key := strconv.FormatInt(ref.TaskTemplateVersionID, 10) + ":" + ref.NodeArgsHash
			f.nodeIDs.Add(key, ref.NodeID)
		}
	}
	for _, t := range wf.tasks {
		id, ok := f.nodeIDs.Get(t.nodeKey())
		if !ok {
			return fmt.Errorf("node for task %q was not returned by the server", t.Name)
		}
		t.nodeID = id
	}
	return nil
}

func (f *Factory) bindDag(ctx context.Context, wf *Workflow) error {
	resp, err := f.client.AddDag(ctx, wf.dagHash())
	if err != nil {
		return err
	}
	wf.dagID = resp.DagID
	if !resp.Created {
		return nil
	}

	up := make(map[int64][]int64)
	down := make(map[int64][]int64)
	var order []int64
	seen := make(map[int64]bool)
	for _, t := range wf.tasks {
		if !seen[t.nodeID] {
			seen[t.nodeID] = true
			order = append(order, t.nodeID)
		}
		for _, u := range t.upstream {
			up[t.nodeID] = append(up[t.nodeID], u.nodeID)
			down[u.nodeID] = append(down[u.nodeID], t.nodeID)
		}
	}
	edges := make([]core.EdgeSpec, len(order))
	for i, nodeID := range order {
		edges[i] = core.EdgeSpec{
			NodeID:            nodeID,
			UpstreamNodeIDs:   lo.Uniq(up[nodeID]),
			DownstreamNodeIDs: lo.Uniq(down[nodeID]),
		}
	}
	chunks := lo.Chunk(edges, nodeBindChunkSize)
	for i, chunk := range chunks {
		// The last chunk stamps the dag complete.
		if err := f.client.AddEdges(ctx, wf.dagID, chunk, i == len(chunks)-1); err != nil {
			return err
		}
	}
	return nil
}

// bindResources resolves each task's effective cluster, queue and requested
// resources (falling back to workflow defaults), binds them and writes the
// resolution back onto the task.
func (f *Factory) bindResources(ctx context.Context, wf *Workflow) error {
	for _, t := range wf.tasks {
		if t.ClusterName == "" {
			t.ClusterName = wf.DefaultClusterName
			t.QueueName = wf.DefaultQueueName
			t.RequestedResources = wf.DefaultResources
		}
		if t.ClusterName == "" || t.QueueName == "" {
			return core.NewInvalidUsage("task %q names no cluster queue and the workflow has no default", t.Name)
		}
		id, err := f.resourcesID(ctx, t.ClusterName, t.QueueName, t.RequestedResources)
		if err != nil {
			return err
		}
		t.taskResourcesID = id
	}
	return nil
}

func (f *Factory) resourcesID(ctx context.Context, clusterName, queueName string, requested map[string]any) (int64, error) {
	queue, err := f.queue(ctx, clusterName, queueName)
	if err != nil {
		return 0, err
	}
	key := core.ResourcesHash(queue.QueueID, requested)
	if id, ok := f.resourceIDs.Get(key); ok {
		return id, nil
	}
	id, err := f.client.BindTaskResources(ctx, queue.QueueID, requested)
	if err != nil {
		return 0, err
	}
	f.resourceIDs.Add(key, id)
	return id, nil
}

func (f *Factory) queue(ctx context.Context, clusterName, queueName string) (core.GetQueueResponse, error) {
	key := clusterName + "/" + queueName
	if q, ok := f.queues[key]; ok {
		return q, nil
	}
	q, err := f.client.GetQueue(ctx, clusterName, queueName)
	if err != nil {
		return core.GetQueueResponse{}, err
	}
	f.queues[key] = q
	return q, nil
}

func (f *Factory) bindTasks(ctx context.Context, wf *Workflow) error {
	for _, tasks := range lo.Chunk(wf.tasks, taskBindChunkSize) {
		specs := make([]core.TaskSpec, len(tasks))
		index := make(map[string]*Task, len(tasks))
		for i, t := range tasks {
			specs[i] = core.TaskSpec{
				NodeID:          t.nodeID,
				TaskArgsHash:    t.TaskArgsHash(),
				Name:            t.Name,
				Command:         t.command,
				MaxAttempts:     t.MaxAttempts,
				TaskResourcesID: t.taskResourcesID,
				ResourceScales:  t.ResourceScales,
				ArrayName:       t.ArrayName,
				TaskArgs:        t.taskArgs,
			}
			index[taskKey(t.nodeID, t.TaskArgsHash())] = t
		}
		bound, err := f.client.BindTasks(ctx, wf.workflowID, specs)
		if err != nil {
			return err
		}
		for _, b := range bound {
			t, ok := index[taskKey(b.NodeID, b.TaskArgsHash)]
			if !ok {
				return fmt.Errorf("server bound unknown task node=%d hash=%s", b.NodeID, b.TaskArgsHash)
			}
			t.taskID = b.TaskID
			t.arrayID = b.ArrayID
			t.status = b.Status
		}
	}
	return nil
}

func taskKey(nodeID int64, taskArgsHash string) string {
	return strconv.FormatInt(nodeID, 10) + ":" + taskArgsHash
}

// WorkflowRun is a bound run handle, ready for the swarm to drive.
type WorkflowRun struct {
	ID       int64
	Workflow *Workflow
	Status   core.WorkflowRunStatus
}

type runConfig struct {
	resume           bool
	resetRunningJobs bool
	resumeTimeout    time.Duration
}

// RunOption adjusts workflow run creation.
type RunOption func(*runConfig)

// WithResume takes over a workflow whose previous run may still be alive.
// With resetRunningJobs the live run is cold-resumed and its running task
// instances are killed; without it they keep running (hot resume).
func WithResume(resetRunningJobs bool) RunOption {
	return func(c *runConfig) {
		c.resume = true
		c.resetRunningJobs = resetRunningJobs
	}
}

// WithResumeTimeout bounds the wait for the previous run to release the
// workflow.
func WithResumeTimeout(d time.Duration) RunOption {
	return func(c *runConfig) { c.resumeTimeout = d }
}

// CreateWorkflowRun registers a run and links it as the workflow's active
// one. Without WithResume, a workflow whose previous run is still alive is
// rejected with WorkflowNotResumableError.
func (f *Factory) CreateWorkflowRun(ctx context.Context, wf *Workflow, opts ...RunOption) (*WorkflowRun, error) {
	if wf.workflowID == 0 {
		return nil, core.NewInvalidUsage("workflow %q is not bound", wf.Name)
	}
	cfg := runConfig{resumeTimeout: defaultResumeTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.resume {
		if err := f.resume(ctx, wf, cfg); err != nil {
			return nil, err
		}
	} else {
		resumable, err := f.client.IsResumable(ctx, wf.workflowID)
		if err != nil {
			return nil, err
		}
		if !resumable {
			return nil, &core.WorkflowNotResumableError{WorkflowID: wf.workflowID}
		}
		if !wf.newlyCreated {
			// A previous run finished or died; rewind its unfinished tasks.
			if err := f.client.ResetTasks(ctx, wf.workflowID, false); err != nil {
				return nil, err
			}
		}
	}

	run, err := f.client.RegisterWorkflowRun(ctx, wf.workflowID, f.user, config.Version)
	if err != nil {
		return nil, err
	}
	status, err := f.client.LinkWorkflowRun(ctx, run.WorkflowRunID, f.heartbeat.WorkflowRunReportBy().Seconds())
	if err != nil {
		return nil, err
	}
	if status != core.RunLinking {
		// Another run won the race between register and link.
		return nil, &core.WorkflowNotResumableError{WorkflowID: wf.workflowID}
	}
	status, err = f.client.UpdateWorkflowRunStatus(ctx, run.WorkflowRunID, core.RunBound)
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "Workflow run created",
		tag.WorkflowID(wf.workflowID), tag.WorkflowRunID(run.WorkflowRunID))
	return &WorkflowRun{ID: run.WorkflowRunID, Workflow: wf, Status: status}, nil
}

// resume signals the live run, waits for it to let go of the workflow, bumps
// resources for tasks parked on resource errors, and rewinds task statuses.
func (f *Factory) resume(ctx context.Context, wf *Workflow, cfg runConfig) error {
	if err := f.client.SetResume(ctx, wf.workflowID, cfg.resetRunningJobs); err != nil {
		return err
	}
	if err := f.waitResumable(ctx, wf.workflowID, cfg.resumeTimeout); err != nil {
		return err
	}
	// Scale before the reset wipes the ADJUSTING_RESOURCES statuses.
	if err := f.increaseResources(ctx, wf); err != nil {
		return err
	}
	return f.client.ResetTasks(ctx, wf.workflowID, !cfg.resetRunningJobs)
}

func (f *Factory) waitResumable(ctx context.Context, workflowID int64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		resumable, err := f.client.IsResumable(ctx, workflowID)
		if err != nil {
			return err
		}
		if resumable {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("workflow %d did not become resumable within %s", workflowID, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(resumePollInterval):
		}
	}
}

// increaseResources rebinds resources for tasks that stopped on a resource
// error, so the next run starts them with scaled requests instead of
// replaying the failure.
func (f *Factory) increaseResources(ctx context.Context, wf *Workflow) error {
	rows, err := f.client.WorkflowTaskStatuses(ctx, wf.workflowID, []core.TaskStatus{core.TaskAdjustingResources})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	byID := make(map[int64]*Task, len(wf.tasks))
	for _, t := range wf.tasks {
		byID[t.taskID] = t
	}
	for _, row := range rows {
		t := byID[row.TaskID]
		if t == nil || len(t.ResourceScales) == 0 {
			continue
		}
		scaled := core.ScaleResources(t.RequestedResources, t.ResourceScales, row.NumAttempts)
		id, err := f.resourcesID(ctx, t.ClusterName, t.QueueName, scaled)
		if err != nil {
			return err
		}
		if err := f.client.UpdateTaskResources(ctx, t.taskID, id); err != nil {
			return err
		}
		t.RequestedResources = scaled
		t.taskResourcesID = id
		logger.Debug(ctx, "Increased task resources",
			tag.TaskID(t.taskID), tag.Attempt(row.NumAttempts))
	}
	return nil
}
