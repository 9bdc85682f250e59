package core

import (
	"fmt"
	"time"
)

// Tool is a top-level namespace owning versioned task templates.
type Tool struct {
	ID   int64
	Name string
}

// ToolVersion pins a tool at a point in time. Workflows bind against a
// specific tool version.
type ToolVersion struct {
	ID     int64
	ToolID int64
}

// TaskTemplate names a parameterized unit of work within a tool version.
type TaskTemplate struct {
	ID            int64
	ToolVersionID int64
	Name          string
}

// TaskTemplateVersion is the content-addressed shape of a template: its
// command template plus the classification of its arguments.
type TaskTemplateVersion struct {
	ID              int64
	TaskTemplateID  int64
	CommandTemplate string
	// ArgMappingHash digests the command template and the sorted node, task,
	// and op arg name lists.
	ArgMappingHash string
}

// ArgClass distinguishes the roles an argument plays in a template.
type ArgClass string

const (
	// NodeArg values vary across the parallel expansion of a template and
	// identify a node.
	NodeArg ArgClass = "node_arg"
	// TaskArg values identify a task within a workflow but not its node.
	TaskArg ArgClass = "task_arg"
	// OpArg values do not affect identity (e.g. verbosity flags).
	OpArg ArgClass = "op_arg"
)

// Node is a content-addressed vertex of a DAG: a template version plus its
// node-arg values. Nodes are shared across workflows.
type Node struct {
	ID                    int64
	TaskTemplateVersionID int64
	NodeArgsHash          string
}

// Dag is a content-addressed DAG of nodes. CreatedDate is set once all edges
// are recorded, after which the dag is immutable.
type Dag struct {
	ID          int64
	Hash        string
	CreatedDate *time.Time
}

// Edge stores the adjacency of one node in a dag. The id lists are stored as
// opaque JSON.
type Edge struct {
	DagID             int64
	NodeID            int64
	UpstreamNodeIDs   []int64
	DownstreamNodeIDs []int64
}

// DefaultMaxConcurrentlyRunning is the workflow concurrency cap applied
// when the client does not set one.
const DefaultMaxConcurrentlyRunning = 10_000

// Workflow is a bound instance of a dag, unique on
// (tool_version_id, workflow_args_hash).
type Workflow struct {
	ID                     int64
	ToolVersionID          int64
	DagID                  int64
	WorkflowArgsHash       string
	TaskHash               string
	Name                   string
	Description            string
	MaxConcurrentlyRunning int
	Status                 WorkflowStatus
	StatusDate             time.Time
	CreatedDate            time.Time
}

// WorkflowRun is one execution attempt of a workflow. At most one run is
// active per workflow at any time.
type WorkflowRun struct {
	ID            int64
	WorkflowID    int64
	User          string
	ServerVersion string
	Status        WorkflowRunStatus
	StatusDate    time.Time
	CreatedDate   time.Time
	HeartbeatDate time.Time
}

// Array groups the tasks of one template version within a workflow for
// array-style batch submission and per-array concurrency limits.
type Array struct {
	ID                     int64
	Name                   string
	WorkflowID             int64
	TaskTemplateVersionID  int64
	MaxConcurrentlyRunning int
}

// Task is a node bound into a workflow with concrete arguments, resources,
// and retry policy.
type Task struct {
	ID              int64
	WorkflowID      int64
	NodeID          int64
	TaskArgsHash    string
	ArrayID         int64
	Name            string
	Command         string
	TaskResourcesID int64
	NumAttempts     int
	MaxAttempts     int
	ResourceScales  map[string]ResourceScale
	Status          TaskStatus
	StatusDate      time.Time
}

// HasScales reports whether any resource scaling is configured.
func (t *Task) HasScales() bool {
	return len(t.ResourceScales) > 0
}

// Batch is the unit of submission: task instances sharing
// (workflow_run_id, array_id, task_resources_id), assigned to one
// distributor instance.
type Batch struct {
	ID                    int64
	WorkflowRunID         int64
	ArrayID               int64
	ArrayName             string
	TaskResourcesID       int64
	DistributorInstanceID int64
	CreatedDate           time.Time
}

// SubmissionName is the name handed to the cluster backend for this batch.
func (b *Batch) SubmissionName() string {
	return fmt.Sprintf("%s-%d", b.ArrayName, b.ID)
}

// TaskInstance is a single execution attempt of a task.
type TaskInstance struct {
	ID            int64
	TaskID        int64
	WorkflowRunID int64
	ArrayID       int64
	BatchID       int64
	// ArrayStepID is the dense 0-based index of this instance within its
	// batch, ordered by task id.
	ArrayStepID    int
	DistributorID  string
	Nodename       string
	ProcessGroupID int
	Status         TaskInstanceStatus
	StatusDate     time.Time
	SubmittedDate  *time.Time
	ReportByDate   *time.Time
	WallclockSecs  int64
	MaxRSS         int64
	Stdout         string
	Stderr         string
}

// TaskInstanceErrorLog is an append-only error record for a task instance.
type TaskInstanceErrorLog struct {
	ID             int64
	TaskInstanceID int64
	ErrorTime      time.Time
	Description    string
}

// Cluster identifies an execution backend.
type Cluster struct {
	ID   int64
	Name string
	Type string
}

// Queue is a named submission target within a cluster, carrying backend
// specific parameters such as resource ceilings.
type Queue struct {
	ID         int64
	ClusterID  int64
	Name       string
	Parameters map[string]any
}

// TaskResources is an immutable, content-addressed resource request against
// a queue. Tasks point at resources; adjusting creates a new row.
type TaskResources struct {
	ID        int64
	QueueID   int64
	Requested map[string]any
	Hash      string
}

// DistributorInstance is a registered distributor process. A nil
// WorkflowRunID marks a shared instance serving a whole cluster; otherwise
// the instance is local to one workflow run.
type DistributorInstance struct {
	ID            int64
	ClusterID     int64
	WorkflowRunID *int64
	ReportByDate  time.Time
	Expunged      bool
}

// Local reports whether the instance is pinned to a single workflow run.
func (d *DistributorInstance) Local() bool {
	return d.WorkflowRunID != nil
}
