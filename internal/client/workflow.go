package client

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jobmon-org/jobmon/internal/cmn/hashing"
	"github.com/jobmon-org/jobmon/internal/core"
)

// Tool groups workflows that share task templates. Binding assigns the tool
// id and a fresh tool version id.
type Tool struct {
	Name string

	id        int64
	versionID int64
}

// NewTool declares a tool by name. The tool is created on the server when a
// workflow built from it is bound.
func NewTool(name string) *Tool {
	return &Tool{Name: name}
}

// VersionID returns the tool version assigned at bind time.
func (t *Tool) VersionID() int64 { return t.versionID }

// TaskTemplate is a parameterized command. Placeholders in the command
// template are written {name} and must be covered by exactly one arg class.
type TaskTemplate struct {
	Name            string
	CommandTemplate string
	NodeArgs        []string
	TaskArgs        []string
	OpArgs          []string

	tool           *Tool
	id             int64
	versionID      int64
	argMappingHash string
}

// NewTaskTemplate declares a task template under the tool. Node args
// parameterize the DAG node identity, task args the task identity, op args
// neither.
func (t *Tool) NewTaskTemplate(name, commandTemplate string, nodeArgs, taskArgs, opArgs []string) *TaskTemplate {
	return &TaskTemplate{
		Name:            name,
		CommandTemplate: commandTemplate,
		NodeArgs:        nodeArgs,
		TaskArgs:        taskArgs,
		OpArgs:          opArgs,
		tool:            t,
	}
}

// VersionID returns the template version assigned at bind time.
func (tt *TaskTemplate) VersionID() int64 { return tt.versionID }

// ArgMappingHash returns the server-computed mapping hash, empty before bind.
func (tt *TaskTemplate) ArgMappingHash() string { return tt.argMappingHash }

func (tt *TaskTemplate) declaredArgs() []string {
	args := make([]string, 0, len(tt.NodeArgs)+len(tt.TaskArgs)+len(tt.OpArgs))
	args = append(args, tt.NodeArgs...)
	args = append(args, tt.TaskArgs...)
	args = append(args, tt.OpArgs...)
	return args
}

func subset(args map[string]string, names []string) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		out[name] = args[name]
	}
	return out
}

// TaskOption adjusts a task at creation time.
type TaskOption func(*Task)

// WithTaskName overrides the derived task name.
func WithTaskName(name string) TaskOption {
	return func(t *Task) { t.Name = name }
}

// WithMaxAttempts sets the retry budget.
func WithMaxAttempts(n int) TaskOption {
	return func(t *Task) { t.MaxAttempts = n }
}

// WithResources pins the task to a cluster queue with concrete requested
// resources, overriding the workflow defaults.
func WithResources(clusterName, queueName string, requested map[string]any) TaskOption {
	return func(t *Task) {
		t.ClusterName = clusterName
		t.QueueName = queueName
		t.RequestedResources = requested
	}
}

// WithResourceScales sets per-resource scaling applied after resource errors.
func WithResourceScales(scales map[string]core.ResourceScale) TaskOption {
	return func(t *Task) { t.ResourceScales = scales }
}

// WithArrayName overrides the array grouping, which defaults to the template
// name.
func WithArrayName(name string) TaskOption {
	return func(t *Task) { t.ArrayName = name }
}

// WithUpstream declares dependencies on earlier tasks.
func WithUpstream(tasks ...*Task) TaskOption {
	return func(t *Task) { t.upstream = append(t.upstream, tasks...) }
}

// Task is one command invocation in a workflow DAG. It is built from a
// template and a full set of arg values, and carries the server-assigned ids
// after binding.
type Task struct {
	Name               string
	MaxAttempts        int
	ArrayName          string
	ClusterName        string
	QueueName          string
	RequestedResources map[string]any
	ResourceScales     map[string]core.ResourceScale

	template *TaskTemplate
	command  string
	nodeArgs map[string]string
	taskArgs map[string]string
	upstream []*Task

	nodeID          int64
	taskID          int64
	arrayID         int64
	taskResourcesID int64
	status          core.TaskStatus
}

// NewTask renders the template with the given arg values. Every declared arg
// must be supplied and no undeclared args are accepted.
func (tt *TaskTemplate) NewTask(args map[string]string, opts ...TaskOption) (*Task, error) {
	declared := tt.declaredArgs()
	if len(args) != len(declared) {
		return nil, fmt.Errorf("task template %q takes %d args, got %d", tt.Name, len(declared), len(args))
	}
	command := tt.CommandTemplate
	for _, name := range declared {
		value, ok := args[name]
		if !ok {
			return nil, fmt.Errorf("task template %q: missing arg %q", tt.Name, name)
		}
		command = strings.ReplaceAll(command, "{"+name+"}", value)
	}

	task := &Task{
		MaxAttempts: 3,
		ArrayName:   tt.Name,
		template:    tt,
		command:     command,
		nodeArgs:    subset(args, tt.NodeArgs),
		taskArgs:    subset(args, tt.TaskArgs),
	}
	for _, opt := range opts {
		opt(task)
	}
	if task.Name == "" {
		task.Name = derivedTaskName(tt.Name, args)
	}
	return task, nil
}

// derivedTaskName builds a stable human-readable name from the arg values.
func derivedTaskName(template string, args map[string]string) string {
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := []string{template}
	for _, name := range names {
		parts = append(parts, args[name])
	}
	return strings.Join(parts, "_")
}

// AddUpstream declares dependencies after creation.
func (t *Task) AddUpstream(tasks ...*Task) {
	t.upstream = append(t.upstream, tasks...)
}

// Upstream returns the declared dependencies.
func (t *Task) Upstream() []*Task { return t.upstream }

// ID returns the server-assigned task id, zero before bind.
func (t *Task) ID() int64 { return t.taskID }

// NodeID returns the server-assigned node id, zero before bind.
func (t *Task) NodeID() int64 { return t.nodeID }

// ArrayID returns the server-assigned array id, zero before bind.
func (t *Task) ArrayID() int64 { return t.arrayID }

// TaskResourcesID returns the bound resource row, zero before bind.
func (t *Task) TaskResourcesID() int64 { return t.taskResourcesID }

// Status returns the status reported at bind time.
func (t *Task) Status() core.TaskStatus { return t.status }

// Command returns the rendered command line.
func (t *Task) Command() string { return t.command }

// NodeArgsHash identifies the node within its template version.
func (t *Task) NodeArgsHash() string { return hashing.KV(t.nodeArgs) }

// TaskArgsHash identifies the task within its node.
func (t *Task) TaskArgsHash() string { return hashing.KV(t.taskArgs) }

// identityHash distinguishes tasks across templates for the workflow task
// hash.
func (t *Task) identityHash() string {
	return hashing.Concat(t.template.Name, t.NodeArgsHash(), t.TaskArgsHash())
}

// nodeKey identifies the node for deduplication before ids are known.
func (t *Task) nodeKey() string {
	return strconv.FormatInt(t.template.versionID, 10) + ":" + t.NodeArgsHash()
}

// WorkflowOption adjusts a workflow at creation time.
type WorkflowOption func(*Workflow)

// WithWorkflowName sets a display name, which defaults to the args hash.
func WithWorkflowName(name string) WorkflowOption {
	return func(w *Workflow) { w.Name = name }
}

// WithDescription sets a free-text description.
func WithDescription(desc string) WorkflowOption {
	return func(w *Workflow) { w.Description = desc }
}

// WithMaxConcurrentlyRunning caps tasks holding a concurrency slot at once.
func WithMaxConcurrentlyRunning(n int) WorkflowOption {
	return func(w *Workflow) { w.MaxConcurrentlyRunning = n }
}

// WithDefaultResources sets the cluster, queue and requested resources used
// by tasks that do not pin their own.
func WithDefaultResources(clusterName, queueName string, requested map[string]any) WorkflowOption {
	return func(w *Workflow) {
		w.DefaultClusterName = clusterName
		w.DefaultQueueName = queueName
		w.DefaultResources = requested
	}
}

// Workflow is a client-side DAG definition. Identical args against the same
// tool version always bind to the same server workflow.
type Workflow struct {
	Args                   map[string]string
	Name                   string
	Description            string
	MaxConcurrentlyRunning int
	DefaultClusterName     string
	DefaultQueueName       string
	DefaultResources       map[string]any

	tool   *Tool
	tasks  []*Task
	byName map[string]*Task

	workflowID   int64
	dagID        int64
	status       core.WorkflowStatus
	newlyCreated bool
}

// NewWorkflow declares a workflow over the tool. The args map is the
// workflow's identity; two binds with equal args reach the same workflow.
func (t *Tool) NewWorkflow(args map[string]string, opts ...WorkflowOption) *Workflow {
	wf := &Workflow{
		Args:                   args,
		MaxConcurrentlyRunning: core.DefaultMaxConcurrentlyRunning,
		tool:                   t,
		byName:                 make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(wf)
	}
	if wf.Name == "" {
		wf.Name = wf.ArgsHash()
	}
	return wf
}

// AddTask registers a task, rejecting duplicate names.
func (w *Workflow) AddTask(t *Task) error {
	if _, dup := w.byName[t.Name]; dup {
		return fmt.Errorf("workflow already has a task named %q", t.Name)
	}
	w.byName[t.Name] = t
	w.tasks = append(w.tasks, t)
	return nil
}

// AddTasks registers tasks in order, stopping at the first duplicate.
func (w *Workflow) AddTasks(tasks ...*Task) error {
	for _, t := range tasks {
		if err := w.AddTask(t); err != nil {
			return err
		}
	}
	return nil
}

// Tasks returns the registered tasks in insertion order.
func (w *Workflow) Tasks() []*Task { return w.tasks }

// TaskByName returns a registered task, nil when absent.
func (w *Workflow) TaskByName(name string) *Task { return w.byName[name] }

// ID returns the server-assigned workflow id, zero before bind.
func (w *Workflow) ID() int64 { return w.workflowID }

// DagID returns the server-assigned dag id, zero before bind.
func (w *Workflow) DagID() int64 { return w.dagID }

// Status returns the status reported at bind time.
func (w *Workflow) Status() core.WorkflowStatus { return w.status }

// NewlyCreated reports whether the bind created the workflow rather than
// finding an existing one.
func (w *Workflow) NewlyCreated() bool { return w.newlyCreated }

// ArgsHash identifies the workflow within its tool version.
func (w *Workflow) ArgsHash() string { return hashing.KV(w.Args) }

// taskHash fingerprints the full task set so rebinding with equal args but
// different tasks is rejected by the server.
func (w *Workflow) taskHash() string {
	hashes := make([]string, len(w.tasks))
	for i, t := range w.tasks {
		hashes[i] = t.identityHash()
	}
	return hashing.Digest(hashing.SortedList(hashes))
}

// dagHash fingerprints the edge structure over bound node ids. Valid only
// after nodes are bound.
func (w *Workflow) dagHash() string {
	lines := make([]string, len(w.tasks))
	for i, t := range w.tasks {
		ups := make([]int64, len(t.upstream))
		for j, up := range t.upstream {
			ups[j] = up.nodeID
		}
		sort.Slice(ups, func(a, b int) bool { return ups[a] < ups[b] })
		lines[i] = strconv.FormatInt(t.nodeID, 10) + ":" + joinIDs(ups)
	}
	return hashing.Digest(hashing.SortedList(lines))
}
