package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskTransitions(t *testing.T) {
	t.Parallel()

	t.Run("HappyPath", func(t *testing.T) {
		path := []TaskStatus{
			TaskRegistering, TaskQueued, TaskInstantiating,
			TaskLaunched, TaskRunning, TaskDone,
		}
		for i := 0; i+1 < len(path); i++ {
			assert.True(t, path[i].CanTransitionTo(path[i+1]),
				"%s -> %s", path[i], path[i+1])
		}
	})

	t.Run("TerminalStatesHaveNoTransitions", func(t *testing.T) {
		for _, s := range []TaskStatus{TaskDone, TaskErrorFatal} {
			assert.True(t, s.IsTerminal())
			assert.Empty(t, s.ValidTransitions())
		}
	})

	t.Run("RetryLoop", func(t *testing.T) {
		// ERROR_RECOVERABLE routes back to REGISTERING for a plain retry and
		// through ADJUSTING_RESOURCES for a resource retry.
		assert.True(t, TaskErrorRecoverable.CanTransitionTo(TaskRegistering))
		assert.True(t, TaskErrorRecoverable.CanTransitionTo(TaskAdjustingResources))
		assert.True(t, TaskAdjustingResources.CanTransitionTo(TaskQueued))
	})

	t.Run("NoSkippingQueue", func(t *testing.T) {
		assert.False(t, TaskRegistering.CanTransitionTo(TaskInstantiating))
		assert.False(t, TaskQueued.CanTransitionTo(TaskRunning))
	})
}

func TestTaskErrorPath(t *testing.T) {
	t.Parallel()

	t.Run("DirectEdge", func(t *testing.T) {
		path := TaskErrorPath(TaskRunning, TaskErrorFatal)
		assert.Equal(t, []TaskStatus{TaskErrorFatal}, path)
	})

	t.Run("RoutesThroughErrorRecoverable", func(t *testing.T) {
		// LAUNCHED has no direct edge to REGISTERING; the retry decision
		// must pass through ERROR_RECOVERABLE.
		path := TaskErrorPath(TaskLaunched, TaskRegistering)
		assert.Equal(t, []TaskStatus{TaskErrorRecoverable, TaskRegistering}, path)
	})

	t.Run("UnreachableTarget", func(t *testing.T) {
		assert.Nil(t, TaskErrorPath(TaskDone, TaskRegistering))
	})
}

func TestNextTaskStatusOnError(t *testing.T) {
	t.Parallel()

	t.Run("AttemptsExhausted", func(t *testing.T) {
		got := NextTaskStatusOnError(InstanceError, 3, 3, true)
		assert.Equal(t, TaskErrorFatal, got)
	})

	t.Run("ResourceErrorWithScales", func(t *testing.T) {
		got := NextTaskStatusOnError(InstanceResourceError, 1, 3, true)
		assert.Equal(t, TaskAdjustingResources, got)
	})

	t.Run("ResourceErrorWithoutScales", func(t *testing.T) {
		got := NextTaskStatusOnError(InstanceResourceError, 1, 3, false)
		assert.Equal(t, TaskRegistering, got)
	})

	t.Run("PlainErrorRetries", func(t *testing.T) {
		got := NextTaskStatusOnError(InstanceError, 1, 3, true)
		assert.Equal(t, TaskRegistering, got)
	})

	t.Run("UnknownErrorCountsAsAttempt", func(t *testing.T) {
		got := NextTaskStatusOnError(InstanceUnknownError, 2, 2, false)
		assert.Equal(t, TaskErrorFatal, got)
	})
}

func TestTaskInstanceTransitions(t *testing.T) {
	t.Parallel()

	t.Run("HappyPath", func(t *testing.T) {
		path := []TaskInstanceStatus{
			InstanceQueued, InstanceInstantiated, InstanceLaunched,
			InstanceRunning, InstanceDone,
		}
		for i := 0; i+1 < len(path); i++ {
			assert.True(t, path[i].CanTransitionTo(path[i+1]),
				"%s -> %s", path[i], path[i+1])
		}
	})

	t.Run("TriageOutcomes", func(t *testing.T) {
		for _, to := range []TaskInstanceStatus{InstanceError, InstanceUnknownError, InstanceResourceError, InstanceErrorFatal} {
			assert.True(t, InstanceTriaging.CanTransitionTo(to), "T -> %s", to)
		}
		assert.False(t, InstanceTriaging.CanTransitionTo(InstanceDone))
	})

	t.Run("KillSelfOnlyFatal", func(t *testing.T) {
		assert.Equal(t, []TaskInstanceStatus{InstanceErrorFatal}, InstanceKillSelf.ValidTransitions())
	})

	t.Run("NoHeartbeatNeverRecovers", func(t *testing.T) {
		assert.False(t, InstanceNoHeartbeat.CanTransitionTo(InstanceRunning))
		assert.False(t, InstanceNoHeartbeat.CanTransitionTo(InstanceDone))
	})

	t.Run("TerminalStates", func(t *testing.T) {
		terminal := []TaskInstanceStatus{
			InstanceDone, InstanceError, InstanceUnknownError,
			InstanceResourceError, InstanceNoDistributorID, InstanceErrorFatal,
		}
		for _, s := range terminal {
			assert.True(t, s.IsTerminal(), "%s", s)
		}
		active := []TaskInstanceStatus{
			InstanceQueued, InstanceInstantiated, InstanceLaunched,
			InstanceRunning, InstanceTriaging, InstanceNoHeartbeat, InstanceKillSelf,
		}
		for _, s := range active {
			assert.False(t, s.IsTerminal(), "%s", s)
		}
	})
}

func TestWorkflowTransitions(t *testing.T) {
	t.Parallel()

	t.Run("ResumeFromAnyFailureState", func(t *testing.T) {
		for _, s := range []WorkflowStatus{WorkflowAborted, WorkflowFailed, WorkflowHalted} {
			assert.True(t, s.CanTransitionTo(WorkflowRegistering), "%s", s)
		}
	})

	t.Run("DoneIsFinal", func(t *testing.T) {
		assert.True(t, WorkflowDone.IsTerminal())
		assert.False(t, WorkflowDone.CanTransitionTo(WorkflowRegistering))
	})

	t.Run("HaltableWhileActive", func(t *testing.T) {
		active := []WorkflowStatus{
			WorkflowQueued, WorkflowInstantiating, WorkflowLaunched, WorkflowRunning,
		}
		for _, s := range active {
			assert.True(t, s.CanTransitionTo(WorkflowHalted), "%s", s)
		}
	})
}

func TestWorkflowRunTransitions(t *testing.T) {
	t.Parallel()

	t.Run("LinkingOutcomes", func(t *testing.T) {
		assert.True(t, RunLinking.CanTransitionTo(RunBound))
		assert.True(t, RunLinking.CanTransitionTo(RunAborted))
		assert.False(t, RunLinking.CanTransitionTo(RunRunning))
	})

	t.Run("ResumeSignalsLeadToTerminated", func(t *testing.T) {
		assert.Equal(t, []WorkflowRunStatus{RunTerminated}, RunColdResume.ValidTransitions())
		assert.Equal(t, []WorkflowRunStatus{RunTerminated}, RunHotResume.ValidTransitions())
	})

	t.Run("ActiveStatuses", func(t *testing.T) {
		for _, s := range ActiveWorkflowRunStatuses {
			assert.False(t, s.IsTerminal(), "%s", s)
		}
		assert.NotContains(t, ActiveWorkflowRunStatuses, RunDone)
		assert.NotContains(t, ActiveWorkflowRunStatuses, RunError)
	})

	t.Run("IsResume", func(t *testing.T) {
		assert.True(t, RunColdResume.IsResume())
		assert.True(t, RunHotResume.IsResume())
		assert.False(t, RunRunning.IsResume())
	})
}

func TestTransitionTargetsAreValidStatuses(t *testing.T) {
	t.Parallel()

	for from, targets := range taskTransitions {
		assert.True(t, from.Valid(), "%s", from)
		for _, to := range targets {
			assert.True(t, to.Valid(), "%s -> %s", from, to)
		}
	}
	for from, targets := range taskInstanceTransitions {
		assert.True(t, from.Valid(), "%s", from)
		for _, to := range targets {
			assert.True(t, to.Valid(), "%s -> %s", from, to)
		}
	}
	for from, targets := range workflowTransitions {
		assert.True(t, from.Valid(), "%s", from)
		for _, to := range targets {
			assert.True(t, to.Valid(), "%s -> %s", from, to)
		}
	}
	for from, targets := range workflowRunTransitions {
		assert.True(t, from.Valid(), "%s", from)
		for _, to := range targets {
			assert.True(t, to.Valid(), "%s -> %s", from, to)
		}
	}
}

func TestDistributorOwnedStatuses(t *testing.T) {
	t.Parallel()

	want := []TaskInstanceStatus{
		InstanceQueued, InstanceInstantiated, InstanceTriaging,
		InstanceNoHeartbeat, InstanceKillSelf,
	}
	assert.ElementsMatch(t, want, DistributorOwnedInstanceStatuses)
}
