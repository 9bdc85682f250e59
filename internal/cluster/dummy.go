package cluster

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/jobmon-org/jobmon/internal/core"
)

// dummyDriver accepts every submission and runs nothing. Tests drive the
// task instance transitions through the API instead.
type dummyDriver struct {
	opts Options

	mu     sync.Mutex
	nextID int64
	held   map[string]string
}

func newDummy(opts Options) (Driver, error) {
	return &dummyDriver{opts: opts, held: make(map[string]string)}, nil
}

func (d *dummyDriver) ClusterType() string { return TypeDummy }

func (d *dummyDriver) Submit(_ context.Context, req SubmitRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := strconv.FormatInt(d.nextID, 10)
	d.held[id] = req.Name
	return id, nil
}

func (d *dummyDriver) SubmitArray(ctx context.Context, req ArraySubmitRequest) (map[int]string, error) {
	ids := make(map[int]string, len(req.Commands))
	for step := range req.Commands {
		id, err := d.Submit(ctx, SubmitRequest{Name: fmt.Sprintf("%s.%d", req.Name, step)})
		if err != nil {
			return nil, err
		}
		ids[step] = id
	}
	return ids, nil
}

func (d *dummyDriver) RemoteExitInfo(context.Context, string) (ExitInfo, error) {
	return ExitInfo{}, core.ErrRemoteExitInfoNotAvailable
}

func (d *dummyDriver) QueueingErrors(context.Context, []string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (d *dummyDriver) SubmittedOrRunning(_ context.Context, ids []string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ids == nil {
		for id := range d.held {
			ids = append(ids, id)
		}
		return ids, nil
	}
	var held []string
	for _, id := range ids {
		if _, ok := d.held[id]; ok {
			held = append(held, id)
		}
	}
	return held, nil
}

func (d *dummyDriver) Terminate(_ context.Context, ids []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		delete(d.held, id)
	}
	return nil
}

func (d *dummyDriver) WorkerCommand(taskInstanceID int64) []string {
	return workerCommand(d.opts, taskInstanceID)
}

func init() {
	Register(TypeDummy, newDummy)
}
