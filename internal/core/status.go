// Package core defines the jobmon domain model: entity types, per-entity
// status codes, and the finite state machines that govern every status
// change. Statuses are persisted as single-character codes; the transition
// tables in fsm.go are the single source of truth for which changes are
// legal.
package core

import (
	"fmt"
	"strings"
)

// TaskStatus is the lifecycle state of a Task, persisted as a single
// character.
type TaskStatus string

const (
	TaskRegistering        TaskStatus = "G"
	TaskQueued             TaskStatus = "Q"
	TaskInstantiating      TaskStatus = "I"
	TaskLaunched           TaskStatus = "O"
	TaskRunning            TaskStatus = "R"
	TaskDone               TaskStatus = "D"
	TaskErrorRecoverable   TaskStatus = "E"
	TaskAdjustingResources TaskStatus = "A"
	TaskErrorFatal         TaskStatus = "F"
)

var taskStatusNames = map[TaskStatus]string{
	TaskRegistering:        "REGISTERING",
	TaskQueued:             "QUEUED",
	TaskInstantiating:      "INSTANTIATING",
	TaskLaunched:           "LAUNCHED",
	TaskRunning:            "RUNNING",
	TaskDone:               "DONE",
	TaskErrorRecoverable:   "ERROR_RECOVERABLE",
	TaskAdjustingResources: "ADJUSTING_RESOURCES",
	TaskErrorFatal:         "ERROR_FATAL",
}

// String returns the human-readable name of the status.
func (s TaskStatus) String() string {
	if name, ok := taskStatusNames[s]; ok {
		return name
	}
	return "UNKNOWN(" + string(s) + ")"
}

// Valid reports whether s is a known task status code.
func (s TaskStatus) Valid() bool {
	_, ok := taskStatusNames[s]
	return ok
}

// ActiveTaskStatuses are the statuses in which a task holds a concurrency
// slot. A task consumes its slot when it queues and releases it when it
// finishes or rewinds for another attempt.
var ActiveTaskStatuses = []TaskStatus{
	TaskQueued, TaskInstantiating, TaskLaunched, TaskRunning,
}

// IsActive reports whether the task holds a concurrency slot.
func (s TaskStatus) IsActive() bool {
	return contains(ActiveTaskStatuses, s)
}

// ParseTaskStatus accepts either the single-character code or the
// human-readable label. Labels are matched case-insensitively.
func ParseTaskStatus(s string) (TaskStatus, error) {
	if st := TaskStatus(s); st.Valid() {
		return st, nil
	}
	label := strings.ToUpper(s)
	for code, name := range taskStatusNames {
		if name == label {
			return code, nil
		}
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// TaskInstanceStatus is the lifecycle state of a TaskInstance, persisted as a
// single character.
type TaskInstanceStatus string

const (
	InstanceQueued          TaskInstanceStatus = "Q"
	InstanceInstantiated    TaskInstanceStatus = "I"
	InstanceLaunched        TaskInstanceStatus = "O"
	InstanceRunning         TaskInstanceStatus = "R"
	InstanceTriaging        TaskInstanceStatus = "T"
	InstanceNoHeartbeat     TaskInstanceStatus = "X"
	InstanceKillSelf        TaskInstanceStatus = "K"
	InstanceDone            TaskInstanceStatus = "D"
	InstanceError           TaskInstanceStatus = "E"
	InstanceUnknownError    TaskInstanceStatus = "U"
	InstanceResourceError   TaskInstanceStatus = "Z"
	InstanceNoDistributorID TaskInstanceStatus = "W"
	InstanceErrorFatal      TaskInstanceStatus = "F"
)

var taskInstanceStatusNames = map[TaskInstanceStatus]string{
	InstanceQueued:          "QUEUED",
	InstanceInstantiated:    "INSTANTIATED",
	InstanceLaunched:        "LAUNCHED",
	InstanceRunning:         "RUNNING",
	InstanceTriaging:        "TRIAGING",
	InstanceNoHeartbeat:     "NO_HEARTBEAT",
	InstanceKillSelf:        "KILL_SELF",
	InstanceDone:            "DONE",
	InstanceError:           "ERROR",
	InstanceUnknownError:    "UNKNOWN_ERROR",
	InstanceResourceError:   "RESOURCE_ERROR",
	InstanceNoDistributorID: "NO_DISTRIBUTOR_ID",
	InstanceErrorFatal:      "ERROR_FATAL",
}

// String returns the human-readable name of the status.
func (s TaskInstanceStatus) String() string {
	if name, ok := taskInstanceStatusNames[s]; ok {
		return name
	}
	return "UNKNOWN(" + string(s) + ")"
}

// Valid reports whether s is a known task instance status code.
func (s TaskInstanceStatus) Valid() bool {
	_, ok := taskInstanceStatusNames[s]
	return ok
}

// IsErrorState reports whether the status represents a failed instance whose
// owning task needs an error-classification decision.
func (s TaskInstanceStatus) IsErrorState() bool {
	switch s {
	case InstanceError, InstanceUnknownError, InstanceResourceError,
		InstanceNoDistributorID, InstanceErrorFatal:
		return true
	}
	return false
}

// WorkflowStatus is the lifecycle state of a Workflow, persisted as a single
// character.
type WorkflowStatus string

const (
	WorkflowRegistering   WorkflowStatus = "G"
	WorkflowQueued        WorkflowStatus = "Q"
	WorkflowInstantiating WorkflowStatus = "I"
	WorkflowLaunched      WorkflowStatus = "O"
	WorkflowRunning       WorkflowStatus = "R"
	WorkflowDone          WorkflowStatus = "D"
	WorkflowFailed        WorkflowStatus = "F"
	WorkflowAborted       WorkflowStatus = "A"
	WorkflowHalted        WorkflowStatus = "H"
)

var workflowStatusNames = map[WorkflowStatus]string{
	WorkflowRegistering:   "REGISTERING",
	WorkflowQueued:        "QUEUED",
	WorkflowInstantiating: "INSTANTIATING",
	WorkflowLaunched:      "LAUNCHED",
	WorkflowRunning:       "RUNNING",
	WorkflowDone:          "DONE",
	WorkflowFailed:        "FAILED",
	WorkflowAborted:       "ABORTED",
	WorkflowHalted:        "HALTED",
}

// String returns the human-readable name of the status.
func (s WorkflowStatus) String() string {
	if name, ok := workflowStatusNames[s]; ok {
		return name
	}
	return "UNKNOWN(" + string(s) + ")"
}

// Valid reports whether s is a known workflow status code.
func (s WorkflowStatus) Valid() bool {
	_, ok := workflowStatusNames[s]
	return ok
}

// WorkflowRunStatus is the lifecycle state of a WorkflowRun, persisted as a
// single character.
type WorkflowRunStatus string

const (
	RunRegistered   WorkflowRunStatus = "G"
	RunLinking      WorkflowRunStatus = "L"
	RunBound        WorkflowRunStatus = "B"
	RunAborted      WorkflowRunStatus = "A"
	RunInstantiated WorkflowRunStatus = "I"
	RunLaunched     WorkflowRunStatus = "O"
	RunRunning      WorkflowRunStatus = "R"
	RunDone         WorkflowRunStatus = "D"
	RunStopped      WorkflowRunStatus = "S"
	RunError        WorkflowRunStatus = "E"
	RunColdResume   WorkflowRunStatus = "C"
	RunHotResume    WorkflowRunStatus = "H"
	RunTerminated   WorkflowRunStatus = "T"
)

var workflowRunStatusNames = map[WorkflowRunStatus]string{
	RunRegistered:   "REGISTERED",
	RunLinking:      "LINKING",
	RunBound:        "BOUND",
	RunAborted:      "ABORTED",
	RunInstantiated: "INSTANTIATED",
	RunLaunched:     "LAUNCHED",
	RunRunning:      "RUNNING",
	RunDone:         "DONE",
	RunStopped:      "STOPPED",
	RunError:        "ERROR",
	RunColdResume:   "COLD_RESUME",
	RunHotResume:    "HOT_RESUME",
	RunTerminated:   "TERMINATED",
}

// String returns the human-readable name of the status.
func (s WorkflowRunStatus) String() string {
	if name, ok := workflowRunStatusNames[s]; ok {
		return name
	}
	return "UNKNOWN(" + string(s) + ")"
}

// Valid reports whether s is a known workflow run status code.
func (s WorkflowRunStatus) Valid() bool {
	_, ok := workflowRunStatusNames[s]
	return ok
}

// IsResume reports whether the status is one of the resume signals.
func (s WorkflowRunStatus) IsResume() bool {
	return s == RunColdResume || s == RunHotResume
}
