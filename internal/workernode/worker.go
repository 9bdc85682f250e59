// Package workernode runs a single task instance on a compute node: it
// executes the task's command, keeps the instance's heartbeat lease alive,
// samples memory usage, obeys kill orders, and reports the outcome.
package workernode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/jobmon-org/jobmon/internal/client"
	"github.com/jobmon-org/jobmon/internal/cmn/config"
	"github.com/jobmon-org/jobmon/internal/cmn/logger"
	"github.com/jobmon-org/jobmon/internal/cmn/logger/tag"
	"github.com/jobmon-org/jobmon/internal/core"
)

// Worker runs one task instance to completion.
type Worker struct {
	client    *client.Client
	heartbeat config.Heartbeat
	logDir    string
	hostname  string
}

func New(c *client.Client, hb config.Heartbeat, logDir string) *Worker {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Worker{client: c, heartbeat: hb, logDir: logDir, hostname: hostname}
}

// Run executes the instance's command and reports its lifecycle. The
// returned code is what the worker process should exit with; a kill order
// from the server maps to core.KillSelfExitCode.
func (w *Worker) Run(ctx context.Context, tiID int64) (int, error) {
	w.client.Requester().SetLogContext(map[string]any{"task_instance_id": tiID})

	detail, err := w.client.TaskInstance(ctx, tiID)
	if err != nil {
		return 1, fmt.Errorf("fetching task instance %d: %w", tiID, err)
	}
	if detail.Status == core.InstanceKillSelf {
		return core.KillSelfExitCode, nil
	}

	cmd := exec.Command("/bin/sh", "-c", detail.Command)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
	stdoutPath, stderrPath, closers, err := w.routeOutput(cmd, detail.Name, tiID)
	if err != nil {
		_, rerr := w.client.LogErrorWorkerNode(ctx, tiID, core.LogErrorWorkerNodeRequest{
			ErrorState:  core.InstanceError,
			Description: err.Error(),
			Nodename:    w.hostname,
		})
		return 1, errors.Join(err, rerr)
	}
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		_, rerr := w.client.LogErrorWorkerNode(ctx, tiID, core.LogErrorWorkerNodeRequest{
			ErrorState:  core.InstanceError,
			Description: fmt.Sprintf("failed to start command: %s", err),
			Nodename:    w.hostname,
		})
		return 1, errors.Join(err, rerr)
	}
	pid := cmd.Process.Pid

	status, err := w.client.LogRunning(ctx, tiID, core.LogRunningRequest{
		Nodename:            w.hostname,
		ProcessGroupID:      pid,
		NextReportIncrement: w.reportBy(),
	})
	if err != nil {
		killGroup(pid)
		_ = cmd.Wait()
		return 1, fmt.Errorf("reporting running: %w", err)
	}
	if status != core.InstanceRunning {
		// The server moved the instance on without us; stop the command.
		killGroup(pid)
		_ = cmd.Wait()
		if status == core.InstanceKillSelf {
			return core.KillSelfExitCode, nil
		}
		return 1, fmt.Errorf("instance moved to %s before running", status)
	}
	logger.Info(ctx, "Task instance running",
		tag.TaskInstanceID(tiID), tag.PID(pid))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(w.heartbeat.TaskInstanceInterval)
	defer ticker.Stop()

	maxRSS := sampleRSS(pid)
	for {
		select {
		case waitErr := <-done:
			wallclock := int64(time.Since(start).Seconds())
			return w.report(ctx, tiID, waitErr, wallclock, maxRSS, stdoutPath, stderrPath)

		case <-ticker.C:
			if rss := sampleRSS(pid); rss > maxRSS {
				maxRSS = rss
			}
			status, err := w.client.LogReportBy(ctx, tiID, core.LogReportByRequest{
				NextReportIncrement: w.reportBy(),
			})
			if err != nil {
				// A missed beat is survivable until the lease expires.
				logger.Warn(ctx, "Heartbeat failed",
					tag.TaskInstanceID(tiID), tag.Error(err))
				continue
			}
			if status == core.InstanceKillSelf {
				logger.Warn(ctx, "Kill order received, terminating command",
					tag.TaskInstanceID(tiID), tag.PID(pid))
				killGroup(pid)
				<-done
				return core.KillSelfExitCode, nil
			}

		case <-ctx.Done():
			killGroup(pid)
			<-done
			return 1, ctx.Err()
		}
	}
}

// report sends the final verdict and converts it to the worker's exit code.
func (w *Worker) report(ctx context.Context, tiID int64, waitErr error, wallclock, maxRSS int64, stdoutPath, stderrPath string) (int, error) {
	if waitErr == nil {
		_, err := w.client.LogDone(ctx, tiID, core.LogDoneRequest{
			Nodename:      w.hostname,
			WallclockSecs: wallclock,
			MaxRSS:        maxRSS,
			Stdout:        stdoutPath,
			Stderr:        stderrPath,
		})
		if err != nil {
			return 1, fmt.Errorf("reporting done: %w", err)
		}
		return 0, nil
	}

	code := exitCode(waitErr)
	_, err := w.client.LogErrorWorkerNode(ctx, tiID, core.LogErrorWorkerNodeRequest{
		ErrorState:    core.InstanceError,
		Description:   fmt.Sprintf("command exited with code %d", code),
		Nodename:      w.hostname,
		WallclockSecs: wallclock,
		MaxRSS:        maxRSS,
	})
	if err != nil {
		return code, fmt.Errorf("reporting error: %w", err)
	}
	return code, nil
}

func (w *Worker) routeOutput(cmd *exec.Cmd, name string, tiID int64) (string, string, []*os.File, error) {
	if w.logDir == "" {
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
		return "", "", nil, nil
	}
	base := filepath.Join(w.logDir, fmt.Sprintf("%s.%d", name, tiID))
	stdout, err := os.Create(base + ".out")
	if err != nil {
		return "", "", nil, fmt.Errorf("creating stdout file: %w", err)
	}
	stderr, err := os.Create(base + ".err")
	if err != nil {
		_ = stdout.Close()
		return "", "", nil, fmt.Errorf("creating stderr file: %w", err)
	}
	cmd.Stdout, cmd.Stderr = stdout, stderr
	return stdout.Name(), stderr.Name(), []*os.File{stdout, stderr}, nil
}

func (w *Worker) reportBy() float64 {
	return w.heartbeat.TaskInstanceReportBy().Seconds()
}

// sampleRSS sums resident memory of the command process and its direct
// children.
func sampleRSS(pid int) int64 {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	var total int64
	if mi, err := proc.MemoryInfo(); err == nil {
		total += int64(mi.RSS)
	}
	if children, err := proc.Children(); err == nil {
		for _, c := range children {
			if mi, err := c.MemoryInfo(); err == nil {
				total += int64(mi.RSS)
			}
		}
	}
	return total
}

func killGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return 1
}
