package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrNoActiveDistributor indicates no alive distributor instance serves
	// the cluster a batch was queued for.
	ErrNoActiveDistributor = errors.New("no active distributor instance for cluster")

	// ErrRemoteExitInfoNotAvailable indicates the cluster backend could not
	// report exit information for a distributor id.
	ErrRemoteExitInfoNotAvailable = errors.New("remote exit info not available")

	// ErrRetryBudgetExceeded indicates HTTP retries were exhausted without a
	// successful response.
	ErrRetryBudgetExceeded = errors.New("Exceeded HTTP retry budget")
)

// KillSelfExitCode is the exit code a worker uses when terminating itself
// after the server ordered a kill. The distributor's triage treats it as an
// unknown error rather than a worker failure.
const KillSelfExitCode = 199

// InvalidUsageError reports a malformed or out-of-contract request. The
// server maps it to HTTP 400.
type InvalidUsageError struct {
	Msg string
}

func (e *InvalidUsageError) Error() string { return e.Msg }

// NewInvalidUsage builds an InvalidUsageError with a formatted message.
func NewInvalidUsage(format string, args ...any) error {
	return &InvalidUsageError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidStateTransitionError reports an FSM violation: the entity was not
// in a status from which the requested transition is legal.
type InvalidStateTransitionError struct {
	Entity string
	ID     int64
	From   string
	To     string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for %s %d: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// DeadlockError reports that a transaction lost a lock race and should be
// retried by the caller. The server maps it to HTTP 423.
type DeadlockError struct {
	Cause error
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("deadlock detected, retry the request: %v", e.Cause)
}

func (e *DeadlockError) Unwrap() error { return e.Cause }

// WorkflowNotResumableError reports a bind attempt against a workflow whose
// current run is still alive and not set to resume.
type WorkflowNotResumableError struct {
	WorkflowID int64
}

func (e *WorkflowNotResumableError) Error() string {
	return fmt.Sprintf("workflow %d has an active run and resume was not set", e.WorkflowID)
}

// DistributorStartupTimeoutError reports that a spawned distributor process
// did not write its alive marker before the deadline.
type DistributorStartupTimeoutError struct {
	Cluster string
}

func (e *DistributorStartupTimeoutError) Error() string {
	return fmt.Sprintf("distributor for cluster %q did not report alive before timeout", e.Cluster)
}
