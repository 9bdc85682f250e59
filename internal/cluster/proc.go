package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/jobmon-org/jobmon/internal/core"
)

// newWorkerCmd prepares a submission command in its own process group with
// stdout/stderr routed to per-submission files under logDir.
func newWorkerCmd(ctx context.Context, req SubmitRequest, logDir string) (*exec.Cmd, []io.Closer, error) {
	if len(req.Command) == 0 {
		return nil, nil, fmt.Errorf("empty command for submission %q", req.Name)
	}
	cmd := exec.CommandContext(ctx, req.Command[0], req.Command[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
	if logDir == "" {
		return cmd, nil, nil
	}
	stdout, err := os.Create(filepath.Join(logDir, req.Name+".out"))
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdout for %q: %w", req.Name, err)
	}
	stderr, err := os.Create(filepath.Join(logDir, req.Name+".err"))
	if err != nil {
		_ = stdout.Close()
		return nil, nil, fmt.Errorf("creating stderr for %q: %w", req.Name, err)
	}
	cmd.Stdout, cmd.Stderr = stdout, stderr
	return cmd, []io.Closer{stdout, stderr}, nil
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}

// killGroup kills the whole process group so worker children die with the
// worker.
func killGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// classifyWait turns a Wait result into the backend's verdict. SIGKILL
// reads as a resource-enforcement kill, the kill-self exit code as an
// unknown death (the server already knows why), and ordinary nonzero exits
// as recoverable errors.
func classifyWait(err error) ExitInfo {
	if err == nil {
		return ExitInfo{Kind: ExitKnown, ExitCode: 0, Message: "process exited cleanly without reporting done"}
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ExitInfo{Kind: ExitUnknown, ExitCode: -1, Message: err.Error()}
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		if ws.Signal() == syscall.SIGKILL {
			return ExitInfo{
				Kind:     ExitResource,
				ExitCode: 128 + int(syscall.SIGKILL),
				Message:  "killed by SIGKILL, likely the resource enforcer",
			}
		}
		return ExitInfo{
			Kind:     ExitUnknown,
			ExitCode: 128 + int(ws.Signal()),
			Message:  fmt.Sprintf("terminated by signal %s", ws.Signal()),
		}
	}
	code := exitErr.ExitCode()
	if code == core.KillSelfExitCode {
		return ExitInfo{Kind: ExitUnknown, ExitCode: code, Message: "worker killed itself on server order"}
	}
	return ExitInfo{Kind: ExitKnown, ExitCode: code, Message: fmt.Sprintf("worker exited with code %d", code)}
}

func workerCommand(opts Options, taskInstanceID int64) []string {
	argv := append([]string{}, opts.workerArgv()...)
	return append(argv, "--task-instance-id", fmt.Sprintf("%d", taskInstanceID))
}
