package core

import "time"

// Request and response bodies shared by the server handlers and the HTTP
// client. Field names follow the wire convention of snake_case JSON keys;
// status fields carry the single-character codes from status.go.

// ErrorEnvelope is the body of every non-2xx response.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type             string `json:"type"`
	ExceptionMessage string `json:"exception_message"`
	StatusCode       int    `json:"status_code"`
}

// --- metadata binding ---

type BindToolRequest struct {
	Name string `json:"tool_name"`
}

type BindToolResponse struct {
	ToolID int64 `json:"tool_id"`
}

type AddToolVersionRequest struct {
	ToolID int64 `json:"tool_id"`
}

type AddToolVersionResponse struct {
	ToolVersionID int64 `json:"tool_version_id"`
}

type ListToolVersionsResponse struct {
	ToolVersionIDs []int64 `json:"tool_version_ids"`
}

type BindTaskTemplateRequest struct {
	ToolVersionID int64  `json:"tool_version_id"`
	Name          string `json:"task_template_name"`
}

type BindTaskTemplateResponse struct {
	TaskTemplateID int64 `json:"task_template_id"`
}

type AddTaskTemplateVersionRequest struct {
	CommandTemplate string   `json:"command_template"`
	NodeArgs        []string `json:"node_args"`
	TaskArgs        []string `json:"task_args"`
	OpArgs          []string `json:"op_args"`
}

type AddTaskTemplateVersionResponse struct {
	TaskTemplateVersionID int64  `json:"task_template_version_id"`
	ArgMappingHash        string `json:"arg_mapping_hash"`
}

type NodeSpec struct {
	TaskTemplateVersionID int64             `json:"task_template_version_id"`
	NodeArgsHash          string            `json:"node_args_hash"`
	NodeArgs              map[string]string `json:"node_args"`
}

type AddNodesRequest struct {
	Nodes []NodeSpec `json:"nodes"`
}

type NodeRef struct {
	NodeID                int64  `json:"node_id"`
	TaskTemplateVersionID int64  `json:"task_template_version_id"`
	NodeArgsHash          string `json:"node_args_hash"`
}

type AddNodesResponse struct {
	Nodes []NodeRef `json:"nodes"`
}

type AddDagRequest struct {
	Hash string `json:"dag_hash"`
}

type AddDagResponse struct {
	DagID   int64 `json:"dag_id"`
	Created bool  `json:"created"`
}

type EdgeSpec struct {
	NodeID            int64   `json:"node_id"`
	UpstreamNodeIDs   []int64 `json:"upstream_node_ids"`
	DownstreamNodeIDs []int64 `json:"downstream_node_ids"`
}

type AddEdgesRequest struct {
	Edges       []EdgeSpec `json:"edges"`
	MarkCreated bool       `json:"mark_created"`
}

// --- cluster metadata ---

type GetClusterResponse struct {
	ClusterID int64  `json:"cluster_id"`
	Name      string `json:"cluster_name"`
	Type      string `json:"cluster_type"`
}

type GetQueueResponse struct {
	QueueID    int64          `json:"queue_id"`
	Name       string         `json:"queue_name"`
	Parameters map[string]any `json:"parameters"`
}

// --- workflow binding ---

type BindWorkflowRequest struct {
	ToolVersionID          int64  `json:"tool_version_id"`
	DagID                  int64  `json:"dag_id"`
	WorkflowArgsHash       string `json:"workflow_args_hash"`
	TaskHash               string `json:"task_hash"`
	Name                   string `json:"name"`
	Description            string `json:"description"`
	MaxConcurrentlyRunning int    `json:"max_concurrently_running"`
}

type BindWorkflowResponse struct {
	WorkflowID   int64          `json:"workflow_id"`
	Status       WorkflowStatus `json:"status"`
	NewlyCreated bool           `json:"newly_created"`
}

type TaskSpec struct {
	NodeID          int64                    `json:"node_id"`
	TaskArgsHash    string                   `json:"task_args_hash"`
	Name            string                   `json:"name"`
	Command         string                   `json:"command"`
	MaxAttempts     int                      `json:"max_attempts"`
	TaskResourcesID int64                    `json:"task_resources_id"`
	ResourceScales  map[string]ResourceScale `json:"resource_scales,omitempty"`
	ArrayName       string                   `json:"array_name"`
	TaskArgs        map[string]string        `json:"task_args,omitempty"`
}

type BindTasksRequest struct {
	Tasks []TaskSpec `json:"tasks"`
}

type BoundTask struct {
	TaskID       int64      `json:"task_id"`
	NodeID       int64      `json:"node_id"`
	TaskArgsHash string     `json:"task_args_hash"`
	ArrayID      int64      `json:"array_id"`
	Status       TaskStatus `json:"status"`
}

type BindTasksResponse struct {
	Tasks []BoundTask `json:"tasks"`
}

type SetResumeRequest struct {
	ResetRunningJobs bool `json:"reset_running_jobs"`
}

type ResetTasksRequest struct {
	// KeepRunning preserves tasks currently RUNNING (hot resume).
	KeepRunning bool `json:"keep_running"`
}

type IsResumableResponse struct {
	Resumable bool `json:"workflow_is_resumable"`
}

// --- workflow run lifecycle ---

type RegisterWorkflowRunRequest struct {
	WorkflowID    int64  `json:"workflow_id"`
	User          string `json:"user"`
	ServerVersion string `json:"jobmon_server_version"`
}

type RegisterWorkflowRunResponse struct {
	WorkflowRunID int64             `json:"workflow_run_id"`
	Status        WorkflowRunStatus `json:"status"`
}

type LinkWorkflowRunRequest struct {
	NextReportIncrement float64 `json:"next_report_increment"`
}

type LinkWorkflowRunResponse struct {
	// Status is the run's status after the link attempt. The caller won the
	// race iff it equals LINKING.
	Status WorkflowRunStatus `json:"status"`
}

type UpdateWorkflowRunStatusRequest struct {
	Status WorkflowRunStatus `json:"status"`
}

type UpdateWorkflowRunStatusResponse struct {
	Status WorkflowRunStatus `json:"status"`
}

type LogHeartbeatRequest struct {
	NextReportIncrement float64 `json:"next_report_increment"`
}

type LogHeartbeatResponse struct {
	Status WorkflowRunStatus `json:"status"`
}

// --- task resources ---

type BindTaskResourcesRequest struct {
	QueueID            int64          `json:"queue_id"`
	RequestedResources map[string]any `json:"requested_resources"`
}

type BindTaskResourcesResponse struct {
	TaskResourcesID int64 `json:"task_resources_id"`
}

type UpdateTaskResourcesRequest struct {
	TaskResourcesID int64 `json:"task_resources_id"`
}

// --- batching ---

type QueueTaskBatchRequest struct {
	WorkflowRunID   int64   `json:"workflow_run_id"`
	WorkflowID      int64   `json:"workflow_id"`
	ArrayID         int64   `json:"array_id"`
	TaskResourcesID int64   `json:"task_resources_id"`
	TaskIDs         []int64 `json:"task_ids"`
}

type QueueTaskBatchResponse struct {
	BatchID               int64   `json:"batch_id"`
	DistributorInstanceID int64   `json:"distributor_instance_id"`
	QueuedTaskIDs         []int64 `json:"queued_task_ids"`
	SkippedTaskIDs        []int64 `json:"skipped_task_ids"`
}

type TransitionBatchToLaunchedRequest struct {
	NextReportIncrement float64 `json:"next_report_increment"`
}

type DistributorIDPair struct {
	TaskInstanceID int64  `json:"task_instance_id"`
	DistributorID  string `json:"distributor_id"`
}

type LogDistributorIDsRequest struct {
	DistributorIDs []DistributorIDPair `json:"distributor_ids"`
}

// --- task instance reports ---

type InstantiateTaskInstancesRequest struct {
	DistributorInstanceID int64 `json:"distributor_instance_id"`
}

// InstantiatedBatch is the submission payload for one batch: every
// INSTANTIATED task instance of the batch in array_step_id order, plus the
// resources and names the cluster driver needs.
type InstantiatedBatch struct {
	BatchID            int64          `json:"batch_id"`
	ArrayID            int64          `json:"array_id"`
	ArrayName          string         `json:"array_name"`
	WorkflowID         int64          `json:"workflow_id"`
	WorkflowRunID      int64          `json:"workflow_run_id"`
	TaskResourcesID    int64          `json:"task_resources_id"`
	QueueName          string         `json:"queue_name"`
	RequestedResources map[string]any `json:"requested_resources"`
	TaskInstanceIDs    []int64        `json:"task_instance_ids"`
}

type InstantiateTaskInstancesResponse struct {
	Batches []InstantiatedBatch `json:"batches"`
}

type LogRunningRequest struct {
	Nodename            string  `json:"nodename"`
	ProcessGroupID      int     `json:"process_group_id"`
	NextReportIncrement float64 `json:"next_report_increment"`
}

type LogDoneRequest struct {
	Nodename      string `json:"nodename"`
	WallclockSecs int64  `json:"wallclock"`
	MaxRSS        int64  `json:"maxrss"`
	Stdout        string `json:"stdout,omitempty"`
	Stderr        string `json:"stderr,omitempty"`
}

type LogErrorWorkerNodeRequest struct {
	ErrorState    TaskInstanceStatus `json:"error_state"`
	Description   string             `json:"error_description"`
	Nodename      string             `json:"nodename"`
	WallclockSecs int64              `json:"wallclock"`
	MaxRSS        int64              `json:"maxrss"`
}

type LogReportByRequest struct {
	NextReportIncrement float64 `json:"next_report_increment"`
	DistributorID       string  `json:"distributor_id,omitempty"`
}

type LogNoDistributorIDRequest struct {
	Description string `json:"no_id_err_msg"`
}

type LogKnownErrorRequest struct {
	ErrorState  TaskInstanceStatus `json:"error_state"`
	Description string             `json:"error_description"`
}

type LogUnknownErrorRequest struct {
	Description string `json:"error_description"`
}

// TaskInstanceStatusResponse echoes the instance's status after a report;
// workers watch for KILL_SELF.
type TaskInstanceStatusResponse struct {
	Status TaskInstanceStatus `json:"status"`
}

// TaskInstanceDetailResponse is what a worker needs to run its instance.
type TaskInstanceDetailResponse struct {
	TaskInstanceID int64              `json:"task_instance_id"`
	TaskID         int64              `json:"task_id"`
	WorkflowRunID  int64              `json:"workflow_run_id"`
	BatchID        int64              `json:"batch_id"`
	Name           string             `json:"name"`
	Command        string             `json:"command"`
	Status         TaskInstanceStatus `json:"status"`
}

type RequestTriageResponse struct {
	NoHeartbeat int `json:"launched_to_no_heartbeat"`
	Triaging    int `json:"running_to_triaging"`
}

// --- distributor instances ---

type RegisterDistributorInstanceRequest struct {
	ClusterName         string  `json:"cluster_name"`
	WorkflowRunID       *int64  `json:"workflow_run_id,omitempty"`
	NextReportIncrement float64 `json:"next_report_increment"`
}

type RegisterDistributorInstanceResponse struct {
	DistributorInstanceID int64 `json:"distributor_instance_id"`
}

type DistributorHeartbeatRequest struct {
	NextReportIncrement float64 `json:"next_report_increment"`
}

type DistributorHeartbeatResponse struct {
	Expunged bool `json:"expunged"`
}

type ExpungeDistributorInstancesResponse struct {
	ExpungedIDs []int64 `json:"expunged_ids"`
}

// TaskInstanceRef is one row of a distributor sync: enough to batch, triage
// or terminate the instance.
type TaskInstanceRef struct {
	TaskInstanceID int64              `json:"task_instance_id"`
	TaskID         int64              `json:"task_id"`
	BatchID        int64              `json:"batch_id"`
	ArrayStepID    int                `json:"array_step_id"`
	DistributorID  string             `json:"distributor_id,omitempty"`
	Status         TaskInstanceStatus `json:"status"`
}

type SyncTaskInstancesResponse struct {
	TaskInstances []TaskInstanceRef `json:"task_instances"`
}

// --- query API ---

type WorkflowStatusResponse struct {
	WorkflowID  int64          `json:"workflow_id"`
	Name        string         `json:"name"`
	Status      WorkflowStatus `json:"status"`
	CreatedDate time.Time      `json:"created_date"`
	TaskCounts  map[string]int `json:"task_counts"`
}

type TaskStatusRow struct {
	TaskID      int64      `json:"task_id"`
	Name        string     `json:"name"`
	Status      TaskStatus `json:"status"`
	NumAttempts int        `json:"num_attempts"`
	MaxAttempts int        `json:"max_attempts"`
	StatusDate  time.Time  `json:"status_date"`
}

type WorkflowTasksResponse struct {
	Tasks []TaskStatusRow `json:"tasks"`
}

type TaskInstanceSummary struct {
	TaskInstanceID int64              `json:"task_instance_id"`
	Status         TaskInstanceStatus `json:"status"`
	DistributorID  string             `json:"distributor_id,omitempty"`
	Nodename       string             `json:"nodename,omitempty"`
	Stdout         string             `json:"stdout,omitempty"`
	Stderr         string             `json:"stderr,omitempty"`
	ErrorLog       string             `json:"error_description,omitempty"`
}

type TaskStatusResponse struct {
	TaskID        int64                 `json:"task_id"`
	Name          string                `json:"name"`
	Status        TaskStatus            `json:"status"`
	TaskInstances []TaskInstanceSummary `json:"task_instances"`
}

type TaskDependencyRow struct {
	TaskID int64      `json:"task_id"`
	Name   string     `json:"name"`
	Status TaskStatus `json:"status"`
}

type TaskDependenciesResponse struct {
	Upstream   []TaskDependencyRow `json:"up"`
	Downstream []TaskDependencyRow `json:"down"`
}

type RecursiveTasksResponse struct {
	TaskIDs []int64 `json:"task_ids"`
}

type UpdateTaskStatusesRequest struct {
	TaskIDs        []int64    `json:"task_ids"`
	NewStatus      TaskStatus `json:"new_status"`
	WorkflowID     int64      `json:"workflow_id"`
	WorkflowStatus string     `json:"workflow_status,omitempty"`
}

type UpdateTaskStatusesResponse struct {
	TasksUpdated int `json:"tasks_updated"`
}

type WorkflowUsageResponse struct {
	NumTaskInstances int     `json:"num_task_instances"`
	MeanWallclock    float64 `json:"mean_wallclock"`
	MaxWallclock     int64   `json:"max_wallclock"`
	MeanMaxRSS       float64 `json:"mean_maxrss"`
	MaxMaxRSS        int64   `json:"max_maxrss"`
}

type TaskStatusDelta struct {
	TaskID      int64      `json:"task_id"`
	Status      TaskStatus `json:"status"`
	NumAttempts int        `json:"num_attempts"`
	StatusDate  time.Time  `json:"status_date"`
}

type TaskStatusUpdatesResponse struct {
	Tasks []TaskStatusDelta `json:"tasks"`
	// ServerTime is the watermark for the next since= query; clients must
	// not substitute their own clock.
	ServerTime time.Time `json:"server_time"`
}

type WorkflowConcurrencyResponse struct {
	MaxConcurrentlyRunning int `json:"max_concurrently_running"`
	NumActive              int `json:"num_active"`
}

type ArrayConcurrency struct {
	ArrayID                int64 `json:"array_id"`
	MaxConcurrentlyRunning int   `json:"max_concurrently_running"`
	NumActive              int   `json:"num_active"`
}

type ArrayConcurrencyResponse struct {
	Arrays []ArrayConcurrency `json:"arrays"`
}

// --- reaper API ---

type LostWorkflowRun struct {
	WorkflowRunID int64             `json:"workflow_run_id"`
	WorkflowID    int64             `json:"workflow_id"`
	Status        WorkflowRunStatus `json:"status"`
	HeartbeatDate time.Time         `json:"heartbeat_date"`
}

type LostWorkflowRunsResponse struct {
	WorkflowRuns []LostWorkflowRun `json:"workflow_runs"`
}

type ReapWorkflowRunResponse struct {
	Status         WorkflowRunStatus `json:"status"`
	WorkflowStatus WorkflowStatus    `json:"workflow_status"`
}

type FixStatusInconsistencyRequest struct {
	StartID int64 `json:"start_id"`
	Step    int64 `json:"step"`
}

type FixStatusInconsistencyResponse struct {
	MaxID int64 `json:"max_id"`
}

// --- utility ---

type HealthResponse struct {
	Status string `json:"status"`
}

type TimeResponse struct {
	Time time.Time `json:"time"`
}
