package core

// The transition tables below are data, not code: every status change made
// by the server is checked against them inside the owning transaction. A
// transition absent from its table is rejected regardless of caller.

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskRegistering:   {TaskQueued},
	TaskQueued:        {TaskInstantiating, TaskErrorRecoverable},
	TaskInstantiating: {TaskLaunched, TaskRunning, TaskErrorRecoverable},
	TaskLaunched:      {TaskRunning, TaskErrorRecoverable, TaskErrorFatal},
	// Error classification is decided atomically on the server, so RUNNING
	// carries direct edges to the retry states as well as ERROR_RECOVERABLE.
	TaskRunning:            {TaskDone, TaskErrorRecoverable, TaskRegistering, TaskAdjustingResources, TaskErrorFatal},
	TaskErrorRecoverable:   {TaskRegistering, TaskAdjustingResources, TaskErrorFatal, TaskQueued},
	TaskAdjustingResources: {TaskQueued, TaskErrorFatal},
	TaskDone:               {},
	TaskErrorFatal:         {},
}

var taskInstanceTransitions = map[TaskInstanceStatus][]TaskInstanceStatus{
	InstanceQueued:       {InstanceInstantiated, InstanceNoDistributorID, InstanceKillSelf},
	InstanceInstantiated: {InstanceLaunched, InstanceNoDistributorID, InstanceKillSelf, InstanceError},
	InstanceLaunched:     {InstanceRunning, InstanceNoHeartbeat, InstanceKillSelf, InstanceError, InstanceUnknownError, InstanceResourceError},
	InstanceRunning:      {InstanceDone, InstanceError, InstanceTriaging, InstanceKillSelf, InstanceUnknownError, InstanceResourceError},
	InstanceTriaging:     {InstanceError, InstanceUnknownError, InstanceResourceError, InstanceErrorFatal},
	InstanceNoHeartbeat:  {InstanceError, InstanceUnknownError, InstanceResourceError, InstanceErrorFatal},
	InstanceKillSelf:     {InstanceErrorFatal},

	InstanceDone:            {},
	InstanceError:           {},
	InstanceUnknownError:    {},
	InstanceResourceError:   {},
	InstanceNoDistributorID: {},
	InstanceErrorFatal:      {},
}

var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowRegistering:   {WorkflowQueued, WorkflowAborted},
	WorkflowQueued:        {WorkflowInstantiating, WorkflowHalted},
	WorkflowInstantiating: {WorkflowLaunched, WorkflowHalted},
	WorkflowLaunched:      {WorkflowRunning, WorkflowHalted},
	WorkflowRunning:       {WorkflowDone, WorkflowFailed, WorkflowHalted},
	// Resume re-registers a workflow that previously stopped short of DONE.
	WorkflowAborted: {WorkflowRegistering},
	WorkflowFailed:  {WorkflowRegistering},
	WorkflowHalted:  {WorkflowRegistering},
	WorkflowDone:    {},
}

var workflowRunTransitions = map[WorkflowRunStatus][]WorkflowRunStatus{
	RunRegistered:   {RunLinking},
	RunLinking:      {RunBound, RunAborted},
	RunBound:        {RunInstantiated, RunColdResume, RunHotResume, RunStopped},
	RunInstantiated: {RunLaunched, RunColdResume, RunHotResume, RunStopped, RunError},
	RunLaunched:     {RunRunning, RunColdResume, RunHotResume, RunStopped, RunError},
	RunRunning:      {RunDone, RunError, RunColdResume, RunHotResume, RunStopped},
	RunColdResume:   {RunTerminated},
	RunHotResume:    {RunTerminated},

	RunAborted:    {},
	RunDone:       {},
	RunStopped:    {},
	RunError:      {},
	RunTerminated: {},
}

func contains[S ~string](set []S, s S) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// ValidTransitions returns the allowed successor statuses of a task status.
func (s TaskStatus) ValidTransitions() []TaskStatus {
	return taskTransitions[s]
}

// CanTransitionTo reports whether s -> to is a legal task transition.
func (s TaskStatus) CanTransitionTo(to TaskStatus) bool {
	return contains(taskTransitions[s], to)
}

// IsTerminal reports whether no transitions leave this status.
func (s TaskStatus) IsTerminal() bool {
	next, ok := taskTransitions[s]
	return ok && len(next) == 0
}

// ValidTransitions returns the allowed successor statuses of a task instance
// status.
func (s TaskInstanceStatus) ValidTransitions() []TaskInstanceStatus {
	return taskInstanceTransitions[s]
}

// CanTransitionTo reports whether s -> to is a legal task instance transition.
func (s TaskInstanceStatus) CanTransitionTo(to TaskInstanceStatus) bool {
	return contains(taskInstanceTransitions[s], to)
}

// IsTerminal reports whether no transitions leave this status.
func (s TaskInstanceStatus) IsTerminal() bool {
	next, ok := taskInstanceTransitions[s]
	return ok && len(next) == 0
}

// ValidTransitions returns the allowed successor statuses of a workflow
// status.
func (s WorkflowStatus) ValidTransitions() []WorkflowStatus {
	return workflowTransitions[s]
}

// CanTransitionTo reports whether s -> to is a legal workflow transition.
func (s WorkflowStatus) CanTransitionTo(to WorkflowStatus) bool {
	return contains(workflowTransitions[s], to)
}

// IsTerminal reports whether no transitions leave this status.
func (s WorkflowStatus) IsTerminal() bool {
	next, ok := workflowTransitions[s]
	return ok && len(next) == 0
}

// ValidTransitions returns the allowed successor statuses of a workflow run
// status.
func (s WorkflowRunStatus) ValidTransitions() []WorkflowRunStatus {
	return workflowRunTransitions[s]
}

// CanTransitionTo reports whether s -> to is a legal workflow run transition.
func (s WorkflowRunStatus) CanTransitionTo(to WorkflowRunStatus) bool {
	return contains(workflowRunTransitions[s], to)
}

// IsTerminal reports whether no transitions leave this status.
func (s WorkflowRunStatus) IsTerminal() bool {
	next, ok := workflowRunTransitions[s]
	return ok && len(next) == 0
}

// ActiveWorkflowRunStatuses are the statuses during which a run owns its
// workflow. link_workflow_run refuses to start a new run while another run
// holds one of these.
var ActiveWorkflowRunStatuses = []WorkflowRunStatus{
	RunLinking, RunBound, RunInstantiated, RunLaunched, RunRunning,
	RunColdResume, RunHotResume,
}

// DistributorOwnedInstanceStatuses are the task instance statuses a
// distributor polls for and acts on.
var DistributorOwnedInstanceStatuses = []TaskInstanceStatus{
	InstanceQueued, InstanceInstantiated, InstanceTriaging,
	InstanceNoHeartbeat, InstanceKillSelf,
}

// TaskErrorPath returns the hop sequence that moves a task from its current
// status to the classified error outcome, routing through ERROR_RECOVERABLE
// when no direct edge exists. A nil result means the move is illegal.
func TaskErrorPath(from, to TaskStatus) []TaskStatus {
	if from.CanTransitionTo(to) {
		return []TaskStatus{to}
	}
	if from.CanTransitionTo(TaskErrorRecoverable) && TaskErrorRecoverable.CanTransitionTo(to) {
		return []TaskStatus{TaskErrorRecoverable, to}
	}
	return nil
}

// NextTaskStatusOnError is the server's error-classification decision for a
// task whose instance ended in errorStatus. Attempts are counted at
// instantiation time, so a task out of attempts is fatal; a resource error
// with scales configured goes through resource adjustment; everything else
// retries from REGISTERING.
func NextTaskStatusOnError(errorStatus TaskInstanceStatus, numAttempts, maxAttempts int, hasScales bool) TaskStatus {
	if numAttempts >= maxAttempts {
		return TaskErrorFatal
	}
	if errorStatus == InstanceResourceError && hasScales {
		return TaskAdjustingResources
	}
	return TaskRegistering
}
