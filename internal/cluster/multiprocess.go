package cluster

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"sync"

	"github.com/jobmon-org/jobmon/internal/core"
)

// multiprocessDriver spawns one local worker process per submission, each
// in its own process group. Exit verdicts are collected by a reaper
// goroutine per process.
type multiprocessDriver struct {
	opts Options
	sem  chan struct{}

	mu     sync.Mutex
	nextID int64
	procs  map[string]*workerProc
}

type workerProc struct {
	cmd        *exec.Cmd
	done       chan struct{}
	terminated bool
	exit       ExitInfo
}

func newMultiprocess(opts Options) (Driver, error) {
	d := &multiprocessDriver{opts: opts, procs: make(map[string]*workerProc)}
	if opts.Concurrency > 0 {
		d.sem = make(chan struct{}, opts.Concurrency)
	}
	return d, nil
}

func (d *multiprocessDriver) ClusterType() string { return TypeMultiprocess }

func (d *multiprocessDriver) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if d.sem != nil {
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	// The worker must outlive this call, so it is not bound to ctx.
	cmd, closers, err := newWorkerCmd(context.Background(), req, d.opts.LogDir)
	if err != nil {
		d.release()
		return "", err
	}
	if err := cmd.Start(); err != nil {
		closeAll(closers)
		d.release()
		return "", fmt.Errorf("starting %q: %w", req.Name, err)
	}

	p := &workerProc{cmd: cmd, done: make(chan struct{})}
	d.mu.Lock()
	d.nextID++
	id := strconv.FormatInt(d.nextID, 10)
	d.procs[id] = p
	d.mu.Unlock()

	go d.reap(p, closers)
	return id, nil
}

func (d *multiprocessDriver) reap(p *workerProc, closers []io.Closer) {
	err := p.cmd.Wait()
	closeAll(closers)
	d.release()

	d.mu.Lock()
	if p.terminated {
		p.exit = ExitInfo{
			Kind:     ExitFatal,
			ExitCode: p.cmd.ProcessState.ExitCode(),
			Message:  "terminated on distributor kill request",
		}
	} else {
		p.exit = classifyWait(err)
	}
	d.mu.Unlock()
	close(p.done)
}

func (d *multiprocessDriver) release() {
	if d.sem != nil {
		<-d.sem
	}
}

func (d *multiprocessDriver) SubmitArray(ctx context.Context, req ArraySubmitRequest) (map[int]string, error) {
	steps := make([]int, 0, len(req.Commands))
	for step := range req.Commands {
		steps = append(steps, step)
	}
	sort.Ints(steps)

	ids := make(map[int]string, len(steps))
	for _, step := range steps {
		id, err := d.Submit(ctx, SubmitRequest{
			Name:      fmt.Sprintf("%s.%d", req.Name, step),
			Command:   req.Commands[step],
			Resources: req.Resources,
		})
		if err != nil {
			// The batch submits as a unit; tear down what already started.
			started := make([]string, 0, len(ids))
			for _, sid := range ids {
				started = append(started, sid)
			}
			_ = d.Terminate(ctx, started)
			return nil, fmt.Errorf("array %q step %d: %w", req.Name, step, err)
		}
		ids[step] = id
	}
	return ids, nil
}

// RemoteExitInfo reports the verdict for finished processes only. A still
// running process has no exit info yet.
func (d *multiprocessDriver) RemoteExitInfo(_ context.Context, distributorID string) (ExitInfo, error) {
	d.mu.Lock()
	p, ok := d.procs[distributorID]
	d.mu.Unlock()
	if !ok {
		return ExitInfo{}, core.ErrRemoteExitInfoNotAvailable
	}
	select {
	case <-p.done:
		return p.exit, nil
	default:
		return ExitInfo{}, core.ErrRemoteExitInfoNotAvailable
	}
}

func (d *multiprocessDriver) QueueingErrors(context.Context, []string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (d *multiprocessDriver) SubmittedOrRunning(_ context.Context, ids []string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ids == nil {
		for id := range d.procs {
			ids = append(ids, id)
		}
	}
	var held []string
	for _, id := range ids {
		p, ok := d.procs[id]
		if !ok {
			continue
		}
		select {
		case <-p.done:
		default:
			held = append(held, id)
		}
	}
	return held, nil
}

func (d *multiprocessDriver) Terminate(_ context.Context, ids []string) error {
	d.mu.Lock()
	var pids []int
	for _, id := range ids {
		p, ok := d.procs[id]
		if !ok || p.cmd.Process == nil {
			continue
		}
		p.terminated = true
		pids = append(pids, p.cmd.Process.Pid)
	}
	d.mu.Unlock()
	for _, pid := range pids {
		killGroup(pid)
	}
	return nil
}

func (d *multiprocessDriver) WorkerCommand(taskInstanceID int64) []string {
	return workerCommand(d.opts, taskInstanceID)
}

func (d *multiprocessDriver) ValidateResources(resources map[string]any) (bool, string) {
	v, ok := resources["cores"]
	if !ok {
		return true, ""
	}
	if _, ok := asPositiveInt(v); !ok {
		return false, fmt.Sprintf("cores must be a positive number, got %v", v)
	}
	return true, ""
}

func (d *multiprocessDriver) CoerceResources(resources map[string]any) map[string]any {
	out := make(map[string]any, len(resources))
	for k, v := range resources {
		out[k] = v
	}
	if v, ok := resources["cores"]; ok {
		if n, ok := asPositiveInt(v); ok {
			out["cores"] = n
		}
	}
	return out
}

func asPositiveInt(v any) (int, bool) {
	var n int
	switch x := v.(type) {
	case int:
		n = x
	case int64:
		n = int(x)
	case float64:
		n = int(x)
	default:
		return 0, false
	}
	if n < 1 {
		return 0, false
	}
	return n, true
}

func init() {
	Register(TypeMultiprocess, newMultiprocess)
}
