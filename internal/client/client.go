package client

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/jobmon-org/jobmon/internal/cmn/config"
	"github.com/jobmon-org/jobmon/internal/core"
)

// distributorIDChunkSize bounds one log_distributor_ids request.
const distributorIDChunkSize = 1000

// Client exposes one typed method per server route.
type Client struct {
	rq *Requester
}

// New builds a client from the HTTP section of the config.
func New(cfg config.HTTP) *Client {
	return &Client{rq: NewRequester(cfg)}
}

// NewWithRequester wraps an existing requester, sharing its log context.
func NewWithRequester(rq *Requester) *Client {
	return &Client{rq: rq}
}

// Requester returns the underlying transport.
func (c *Client) Requester() *Requester { return c.rq }

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// --- metadata binding ---

func (c *Client) BindTool(ctx context.Context, name string) (int64, error) {
	var resp core.BindToolResponse
	err := c.rq.post(ctx, "/tool", core.BindToolRequest{Name: name}, &resp)
	return resp.ToolID, err
}

func (c *Client) AddToolVersion(ctx context.Context, toolID int64) (int64, error) {
	var resp core.AddToolVersionResponse
	err := c.rq.post(ctx, "/tool_version", core.AddToolVersionRequest{ToolID: toolID}, &resp)
	return resp.ToolVersionID, err
}

func (c *Client) ListToolVersions(ctx context.Context, toolID int64) ([]int64, error) {
	var resp core.ListToolVersionsResponse
	err := c.rq.get(ctx, fmt.Sprintf("/tool/%d/tool_versions", toolID), &resp)
	return resp.ToolVersionIDs, err
}

func (c *Client) BindTaskTemplate(ctx context.Context, toolVersionID int64, name string) (int64, error) {
	var resp core.BindTaskTemplateResponse
	err := c.rq.post(ctx, "/task_template", core.BindTaskTemplateRequest{
		ToolVersionID: toolVersionID,
		Name:          name,
	}, &resp)
	return resp.TaskTemplateID, err
}

func (c *Client) AddTaskTemplateVersion(ctx context.Context, templateID int64, req core.AddTaskTemplateVersionRequest) (core.AddTaskTemplateVersionResponse, error) {
	var resp core.AddTaskTemplateVersionResponse
	err := c.rq.post(ctx, fmt.Sprintf("/task_template/%d/version", templateID), req, &resp)
	return resp, err
}

func (c *Client) AddNodes(ctx context.Context, specs []core.NodeSpec) ([]core.NodeRef, error) {
	var resp core.AddNodesResponse
	err := c.rq.post(ctx, "/nodes", core.AddNodesRequest{Nodes: specs}, &resp)
	return resp.Nodes, err
}

func (c *Client) AddDag(ctx context.Context, hash string) (core.AddDagResponse, error) {
	var resp core.AddDagResponse
	err := c.rq.post(ctx, "/dag", core.AddDagRequest{Hash: hash}, &resp)
	return resp, err
}

func (c *Client) AddEdges(ctx context.Context, dagID int64, edges []core.EdgeSpec, markCreated bool) error {
	return c.rq.post(ctx, fmt.Sprintf("/dag/%d/edges", dagID), core.AddEdgesRequest{
		Edges:       edges,
		MarkCreated: markCreated,
	}, nil)
}

func (c *Client) GetCluster(ctx context.Context, name string) (core.GetClusterResponse, error) {
	var resp core.GetClusterResponse
	err := c.rq.get(ctx, "/cluster/"+name, &resp)
	return resp, err
}

func (c *Client) GetQueue(ctx context.Context, clusterName, queueName string) (core.GetQueueResponse, error) {
	var resp core.GetQueueResponse
	err := c.rq.get(ctx, fmt.Sprintf("/cluster/%s/queue/%s", clusterName, queueName), &resp)
	return resp, err
}

// --- workflow lifecycle ---

func (c *Client) BindWorkflow(ctx context.Context, req core.BindWorkflowRequest) (core.BindWorkflowResponse, error) {
	var resp core.BindWorkflowResponse
	err := c.rq.post(ctx, "/workflow", req, &resp)
	return resp, err
}

func (c *Client) BindTasks(ctx context.Context, workflowID int64, specs []core.TaskSpec) ([]core.BoundTask, error) {
	var resp core.BindTasksResponse
	err := c.rq.post(ctx, fmt.Sprintf("/workflow/%d/tasks", workflowID), core.BindTasksRequest{Tasks: specs}, &resp)
	return resp.Tasks, err
}

func (c *Client) SetResume(ctx context.Context, workflowID int64, resetRunningJobs bool) error {
	return c.rq.post(ctx, fmt.Sprintf("/workflow/%d/resume", workflowID), core.SetResumeRequest{
		ResetRunningJobs: resetRunningJobs,
	}, nil)
}

func (c *Client) ResetTasks(ctx context.Context, workflowID int64, keepRunning bool) error {
	return c.rq.post(ctx, fmt.Sprintf("/workflow/%d/reset_tasks", workflowID), core.ResetTasksRequest{
		KeepRunning: keepRunning,
	}, nil)
}

func (c *Client) IsResumable(ctx context.Context, workflowID int64) (bool, error) {
	var resp core.IsResumableResponse
	err := c.rq.get(ctx, fmt.Sprintf("/workflow/%d/is_resumable", workflowID), &resp)
	return resp.Resumable, err
}

func (c *Client) WorkflowStatus(ctx context.Context, workflowID int64) (core.WorkflowStatusResponse, error) {
	var resp core.WorkflowStatusResponse
	err := c.rq.get(ctx, fmt.Sprintf("/workflow/%d/status", workflowID), &resp)
	return resp, err
}

func (c *Client) WorkflowTaskStatuses(ctx context.Context, workflowID int64, statuses []core.TaskStatus) ([]core.TaskStatusRow, error) {
	path := fmt.Sprintf("/workflow/%d/task_statuses", workflowID)
	if len(statuses) > 0 {
		codes := make([]string, len(statuses))
		for i, s := range statuses {
			codes[i] = string(s)
		}
		path += "?status=" + strings.Join(codes, ",")
	}
	var resp core.WorkflowTasksResponse
	err := c.rq.get(ctx, path, &resp)
	return resp.Tasks, err
}

func (c *Client) WorkflowUsage(ctx context.Context, workflowID int64) (core.WorkflowUsageResponse, error) {
	var resp core.WorkflowUsageResponse
	err := c.rq.get(ctx, fmt.Sprintf("/workflow/%d/usage", workflowID), &resp)
	return resp, err
}

// TaskStatusUpdates returns status changes since the given server time (zero
// means everything) along with the server time to echo on the next call.
func (c *Client) TaskStatusUpdates(ctx context.Context, workflowID int64, since time.Time) (core.TaskStatusUpdatesResponse, error) {
	path := fmt.Sprintf("/workflow/%d/task_status_updates", workflowID)
	if !since.IsZero() {
		path += "?since=" + since.UTC().Format(time.RFC3339Nano)
	}
	var resp core.TaskStatusUpdatesResponse
	err := c.rq.get(ctx, path, &resp)
	return resp, err
}

func (c *Client) WorkflowConcurrency(ctx context.Context, workflowID int64) (core.WorkflowConcurrencyResponse, error) {
	var resp core.WorkflowConcurrencyResponse
	err := c.rq.get(ctx, fmt.Sprintf("/workflow/%d/concurrency", workflowID), &resp)
	return resp, err
}

func (c *Client) ArrayConcurrency(ctx context.Context, workflowID int64) ([]core.ArrayConcurrency, error) {
	var resp core.ArrayConcurrencyResponse
	err := c.rq.get(ctx, fmt.Sprintf("/workflow/%d/array_concurrency", workflowID), &resp)
	return resp.Arrays, err
}

func (c *Client) FixStatusInconsistency(ctx context.Context, startID, step int64) (int64, error) {
	var resp core.FixStatusInconsistencyResponse
	err := c.rq.post(ctx, "/workflow/fix_status_inconsistency", core.FixStatusInconsistencyRequest{
		StartID: startID,
		Step:    step,
	}, &resp)
	return resp.MaxID, err
}

// --- workflow runs ---

func (c *Client) RegisterWorkflowRun(ctx context.Context, workflowID int64, user, serverVersion string) (core.RegisterWorkflowRunResponse, error) {
	var resp core.RegisterWorkflowRunResponse
	err := c.rq.post(ctx, "/workflow_run", core.RegisterWorkflowRunRequest{
		WorkflowID:    workflowID,
		User:          user,
		ServerVersion: serverVersion,
	}, &resp)
	return resp, err
}

func (c *Client) LinkWorkflowRun(ctx context.Context, runID int64, nextReportIncrement float64) (core.WorkflowRunStatus, error) {
	var resp core.LinkWorkflowRunResponse
	err := c.rq.put(ctx, fmt.Sprintf("/workflow_run/%d/link", runID), core.LinkWorkflowRunRequest{
		NextReportIncrement: nextReportIncrement,
	}, &resp)
	return resp.Status, err
}

func (c *Client) UpdateWorkflowRunStatus(ctx context.Context, runID int64, status core.WorkflowRunStatus) (core.WorkflowRunStatus, error) {
	var resp core.UpdateWorkflowRunStatusResponse
	err := c.rq.put(ctx, fmt.Sprintf("/workflow_run/%d/status", runID), core.UpdateWorkflowRunStatusRequest{
		Status: status,
	}, &resp)
	return resp.Status, err
}

func (c *Client) LogWorkflowRunHeartbeat(ctx context.Context, runID int64, nextReportIncrement float64) (core.WorkflowRunStatus, error) {
	var resp core.LogHeartbeatResponse
	err := c.rq.post(ctx, fmt.Sprintf("/workflow_run/%d/log_heartbeat", runID), core.LogHeartbeatRequest{
		NextReportIncrement: nextReportIncrement,
	}, &resp)
	return resp.Status, err
}

func (c *Client) RequestTriage(ctx context.Context, runID int64) (core.RequestTriageResponse, error) {
	var resp core.RequestTriageResponse
	err := c.rq.post(ctx, fmt.Sprintf("/workflow_run/%d/request_triage", runID), struct{}{}, &resp)
	return resp, err
}

func (c *Client) LostWorkflowRuns(ctx context.Context, statuses []core.WorkflowRunStatus, version string) ([]core.LostWorkflowRun, error) {
	codes := make([]string, len(statuses))
	for i, s := range statuses {
		codes[i] = string(s)
	}
	path := fmt.Sprintf("/workflow_run/lost?statuses=%s&version=%s", strings.Join(codes, ","), version)
	var resp core.LostWorkflowRunsResponse
	err := c.rq.get(ctx, path, &resp)
	return resp.WorkflowRuns, err
}

func (c *Client) ReapWorkflowRun(ctx context.Context, runID int64) (core.ReapWorkflowRunResponse, error) {
	var resp core.ReapWorkflowRunResponse
	err := c.rq.put(ctx, fmt.Sprintf("/workflow_run/%d/reap", runID), struct{}{}, &resp)
	return resp, err
}

// --- tasks and resources ---

func (c *Client) BindTaskResources(ctx context.Context, queueID int64, requested map[string]any) (int64, error) {
	var resp core.BindTaskResourcesResponse
	err := c.rq.post(ctx, "/task_resources", core.BindTaskResourcesRequest{
		QueueID:            queueID,
		RequestedResources: requested,
	}, &resp)
	return resp.TaskResourcesID, err
}

func (c *Client) UpdateTaskResources(ctx context.Context, taskID, taskResourcesID int64) error {
	return c.rq.post(ctx, fmt.Sprintf("/task/%d/update_resources", taskID), core.UpdateTaskResourcesRequest{
		TaskResourcesID: taskResourcesID,
	}, nil)
}

func (c *Client) TaskStatus(ctx context.Context, taskID int64) (core.TaskStatusResponse, error) {
	var resp core.TaskStatusResponse
	err := c.rq.get(ctx, fmt.Sprintf("/task/%d/status", taskID), &resp)
	return resp, err
}

func (c *Client) TaskDependencies(ctx context.Context, taskID int64) (core.TaskDependenciesResponse, error) {
	var resp core.TaskDependenciesResponse
	err := c.rq.get(ctx, fmt.Sprintf("/task/%d/dependencies", taskID), &resp)
	return resp, err
}

// RecursiveTasks returns the transitive closure of the given tasks, upstream
// or downstream.
func (c *Client) RecursiveTasks(ctx context.Context, taskIDs []int64, up bool) ([]int64, error) {
	direction := "down"
	if up {
		direction = "up"
	}
	path := fmt.Sprintf("/task/recursive?task_ids=%s&direction=%s", joinIDs(taskIDs), direction)
	var resp core.RecursiveTasksResponse
	err := c.rq.get(ctx, path, &resp)
	return resp.TaskIDs, err
}

func (c *Client) UpdateTaskStatuses(ctx context.Context, req core.UpdateTaskStatusesRequest) (int, error) {
	var resp core.UpdateTaskStatusesResponse
	err := c.rq.post(ctx, "/task/update_statuses", req, &resp)
	return resp.TasksUpdated, err
}

// --- batching ---

func (c *Client) QueueTaskBatch(ctx context.Context, req core.QueueTaskBatchRequest) (core.QueueTaskBatchResponse, error) {
	var resp core.QueueTaskBatchResponse
	err := c.rq.post(ctx, "/batch", req, &resp)
	return resp, err
}

func (c *Client) TransitionBatchToLaunched(ctx context.Context, batchID int64, nextReportIncrement float64) error {
	return c.rq.post(ctx, fmt.Sprintf("/batch/%d/transition_to_launched", batchID), core.TransitionBatchToLaunchedRequest{
		NextReportIncrement: nextReportIncrement,
	}, nil)
}

// LogDistributorIDs records backend ids for a batch, chunked so arbitrarily
// large arrays stay within request limits.
func (c *Client) LogDistributorIDs(ctx context.Context, batchID int64, pairs []core.DistributorIDPair) error {
	for _, chunk := range lo.Chunk(pairs, distributorIDChunkSize) {
		err := c.rq.post(ctx, fmt.Sprintf("/batch/%d/log_distributor_ids", batchID), core.LogDistributorIDsRequest{
			DistributorIDs: chunk,
		}, nil)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) InstantiateTaskInstances(ctx context.Context, distributorInstanceID int64) ([]core.InstantiatedBatch, error) {
	var resp core.InstantiateTaskInstancesResponse
	err := c.rq.post(ctx, "/task_instance/instantiate", core.InstantiateTaskInstancesRequest{
		DistributorInstanceID: distributorInstanceID,
	}, &resp)
	return resp.Batches, err
}

func (c *Client) TaskInstance(ctx context.Context, tiID int64) (core.TaskInstanceDetailResponse, error) {
	var resp core.TaskInstanceDetailResponse
	err := c.rq.get(ctx, fmt.Sprintf("/task_instance/%d", tiID), &resp)
	return resp, err
}

// --- task instance reports ---

func (c *Client) LogRunning(ctx context.Context, tiID int64, req core.LogRunningRequest) (core.TaskInstanceStatus, error) {
	var resp core.TaskInstanceStatusResponse
	err := c.rq.post(ctx, fmt.Sprintf("/task_instance/%d/log_running", tiID), req, &resp)
	return resp.Status, err
}

func (c *Client) LogDone(ctx context.Context, tiID int64, req core.LogDoneRequest) (core.TaskInstanceStatus, error) {
	var resp core.TaskInstanceStatusResponse
	err := c.rq.post(ctx, fmt.Sprintf("/task_instance/%d/log_done", tiID), req, &resp)
	return resp.Status, err
}

func (c *Client) LogReportBy(ctx context.Context, tiID int64, req core.LogReportByRequest) (core.TaskInstanceStatus, error) {
	var resp core.TaskInstanceStatusResponse
	err := c.rq.post(ctx, fmt.Sprintf("/task_instance/%d/log_report_by", tiID), req, &resp)
	return resp.Status, err
}

func (c *Client) LogErrorWorkerNode(ctx context.Context, tiID int64, req core.LogErrorWorkerNodeRequest) (core.TaskInstanceStatus, error) {
	var resp core.TaskInstanceStatusResponse
	err := c.rq.post(ctx, fmt.Sprintf("/task_instance/%d/log_error_worker_node", tiID), req, &resp)
	return resp.Status, err
}

func (c *Client) LogKnownError(ctx context.Context, tiID int64, req core.LogKnownErrorRequest) (core.TaskInstanceStatus, error) {
	var resp core.TaskInstanceStatusResponse
	err := c.rq.post(ctx, fmt.Sprintf("/task_instance/%d/log_known_error", tiID), req, &resp)
	return resp.Status, err
}

func (c *Client) LogUnknownError(ctx context.Context, tiID int64, req core.LogUnknownErrorRequest) (core.TaskInstanceStatus, error) {
	var resp core.TaskInstanceStatusResponse
	err := c.rq.post(ctx, fmt.Sprintf("/task_instance/%d/log_unknown_error", tiID), req, &resp)
	return resp.Status, err
}

func (c *Client) LogNoDistributorID(ctx context.Context, tiID int64, req core.LogNoDistributorIDRequest) (core.TaskInstanceStatus, error) {
	var resp core.TaskInstanceStatusResponse
	err := c.rq.post(ctx, fmt.Sprintf("/task_instance/%d/log_no_distributor_id", tiID), req, &resp)
	return resp.Status, err
}

// --- distributor instances ---

func (c *Client) RegisterDistributorInstance(ctx context.Context, req core.RegisterDistributorInstanceRequest) (int64, error) {
	var resp core.RegisterDistributorInstanceResponse
	err := c.rq.post(ctx, "/distributor_instance", req, &resp)
	return resp.DistributorInstanceID, err
}

func (c *Client) DistributorHeartbeat(ctx context.Context, distributorInstanceID int64, nextReportIncrement float64) (bool, error) {
	var resp core.DistributorHeartbeatResponse
	err := c.rq.post(ctx, fmt.Sprintf("/distributor_instance/%d/heartbeat", distributorInstanceID), core.DistributorHeartbeatRequest{
		NextReportIncrement: nextReportIncrement,
	}, &resp)
	return resp.Expunged, err
}

func (c *Client) ExpungeDistributorInstances(ctx context.Context) ([]int64, error) {
	var resp core.ExpungeDistributorInstancesResponse
	err := c.rq.post(ctx, "/distributor_instance/expunge", struct{}{}, &resp)
	return resp.ExpungedIDs, err
}

func (c *Client) SyncTaskInstances(ctx context.Context, distributorInstanceID int64, status core.TaskInstanceStatus) ([]core.TaskInstanceRef, error) {
	path := fmt.Sprintf("/distributor_instance/%d/task_instances?status=%s", distributorInstanceID, status)
	var resp core.SyncTaskInstancesResponse
	err := c.rq.get(ctx, path, &resp)
	return resp.TaskInstances, err
}

// --- system ---

func (c *Client) Health(ctx context.Context) error {
	var resp core.HealthResponse
	return c.rq.get(ctx, "/health", &resp)
}

func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var resp core.TimeResponse
	err := c.rq.get(ctx, "/time", &resp)
	return resp.Time, err
}
