// Package cluster defines the capability surface the distributor consumes
// to place task instances on a compute backend, plus the builtin local
// drivers (sequential, multiprocess, dummy). Remote backends such as Slurm
// implement the same contract out of tree.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jobmon-org/jobmon/internal/core"
)

// Driver is the minimum contract every cluster backend provides.
type Driver interface {
	// ClusterType returns the registry key, matching cluster.cluster_type.
	ClusterType() string

	// Submit places one command on the backend and returns the backend's
	// distributor id. An error means the submission itself failed and the
	// task instance should be marked NO_DISTRIBUTOR_ID.
	Submit(ctx context.Context, req SubmitRequest) (string, error)

	// RemoteExitInfo reports how a previously submitted id finished.
	// Returns core.ErrRemoteExitInfoNotAvailable when the backend no longer
	// knows the id.
	RemoteExitInfo(ctx context.Context, distributorID string) (ExitInfo, error)

	// QueueingErrors maps ids that the backend accepted but later refused to
	// run onto their error messages. Local drivers fail synchronously and
	// always return an empty map.
	QueueingErrors(ctx context.Context, ids []string) (map[string]string, error)

	// SubmittedOrRunning filters ids down to those the backend still holds.
	// A nil ids slice asks for everything currently held.
	SubmittedOrRunning(ctx context.Context, ids []string) ([]string, error)

	// Terminate forcibly removes the given ids from the backend.
	Terminate(ctx context.Context, ids []string) error

	// WorkerCommand builds the argv that runs the worker runtime for one
	// task instance on whatever node the backend picks.
	WorkerCommand(taskInstanceID int64) []string
}

// ArraySubmitter is implemented by drivers that can place a whole batch in
// one backend call. Drivers without it get one Submit per step.
type ArraySubmitter interface {
	SubmitArray(ctx context.Context, req ArraySubmitRequest) (map[int]string, error)
}

// ResourceCoercer is implemented by drivers that sanity-check and normalize
// requested resources before submission.
type ResourceCoercer interface {
	ValidateResources(resources map[string]any) (bool, string)
	CoerceResources(resources map[string]any) map[string]any
}

// SubmitRequest carries one submission.
type SubmitRequest struct {
	Name      string
	Command   []string
	Resources map[string]any
}

// ArraySubmitRequest carries one batch. Commands is keyed by the dense
// array step id; the returned distributor ids use the same keys.
type ArraySubmitRequest struct {
	Name      string
	Resources map[string]any
	Commands  map[int][]string
}

// Options configures a driver at construction time.
type Options struct {
	// WorkerArgv is the argv prefix for worker processes. Defaults to the
	// current executable's "worker" subcommand.
	WorkerArgv []string

	// LogDir receives per-submission stdout/stderr files. Empty discards.
	LogDir string

	// Concurrency caps parallel workers for drivers that spawn locally.
	// Zero means unbounded.
	Concurrency int
}

func (o Options) workerArgv() []string {
	if len(o.WorkerArgv) > 0 {
		return o.WorkerArgv
	}
	exe, err := os.Executable()
	if err != nil {
		exe = "jobmon"
	}
	return []string{exe, "worker"}
}

// Creator builds a driver from options.
type Creator func(opts Options) (Driver, error)

// Builtin cluster types, matching the rows seeded by the migrations.
const (
	TypeSequential   = "sequential"
	TypeMultiprocess = "multiprocess"
	TypeDummy        = "dummy"
)

var (
	drivers          = make(map[string]Creator)
	errUnknownDriver = errors.New("unknown cluster type")
)

// Register adds a driver creator under a cluster type.
func Register(clusterType string, c Creator) {
	drivers[clusterType] = c
}

// New builds the driver registered for clusterType.
func New(clusterType string, opts Options) (Driver, error) {
	c, ok := drivers[clusterType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownDriver, clusterType)
	}
	return c(opts)
}

// ExitKind tags how a finished submission should be classified.
type ExitKind int

const (
	// ExitUnknown is an unexplained death; the owning task may retry.
	ExitUnknown ExitKind = iota
	// ExitResource is a resource-enforcement kill; the task escalates its
	// resources before retrying.
	ExitResource
	// ExitKnown is an ordinary nonzero exit with a usable message.
	ExitKnown
	// ExitFatal is unrecoverable; the task stops retrying.
	ExitFatal
)

// ExitInfo is the backend's verdict on one finished distributor id.
type ExitInfo struct {
	Kind     ExitKind
	ExitCode int
	Message  string
}

// InstanceStatus maps the verdict onto the error status the distributor
// reports for the task instance.
func (e ExitInfo) InstanceStatus() core.TaskInstanceStatus {
	switch e.Kind {
	case ExitResource:
		return core.InstanceResourceError
	case ExitKnown:
		return core.InstanceError
	case ExitFatal:
		return core.InstanceErrorFatal
	default:
		return core.InstanceUnknownError
	}
}
