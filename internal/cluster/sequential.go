package cluster

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/jobmon-org/jobmon/internal/core"
)

// sequentialDriver runs each submission to completion before returning
// from Submit. One task at a time is the point; the distributor's poll
// loop tolerates the block.
type sequentialDriver struct {
	opts Options

	mu     sync.Mutex
	nextID int64
	exits  map[string]ExitInfo
}

func newSequential(opts Options) (Driver, error) {
	return &sequentialDriver{opts: opts, exits: make(map[string]ExitInfo)}, nil
}

func (d *sequentialDriver) ClusterType() string { return TypeSequential }

func (d *sequentialDriver) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	cmd, closers, err := newWorkerCmd(ctx, req, d.opts.LogDir)
	if err != nil {
		return "", err
	}
	defer closeAll(closers)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting %q: %w", req.Name, err)
	}
	waitErr := cmd.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := strconv.FormatInt(d.nextID, 10)
	d.exits[id] = classifyWait(waitErr)
	return id, nil
}

func (d *sequentialDriver) RemoteExitInfo(_ context.Context, distributorID string) (ExitInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.exits[distributorID]
	if !ok {
		return ExitInfo{}, core.ErrRemoteExitInfoNotAvailable
	}
	return info, nil
}

func (d *sequentialDriver) QueueingErrors(context.Context, []string) (map[string]string, error) {
	return map[string]string{}, nil
}

// SubmittedOrRunning is always empty: by the time Submit returns, the
// process has already finished.
func (d *sequentialDriver) SubmittedOrRunning(context.Context, []string) ([]string, error) {
	return nil, nil
}

func (d *sequentialDriver) Terminate(context.Context, []string) error { return nil }

func (d *sequentialDriver) WorkerCommand(taskInstanceID int64) []string {
	return workerCommand(d.opts, taskInstanceID)
}

func init() {
	Register(TypeSequential, newSequential)
}
