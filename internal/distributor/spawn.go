package distributor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jobmon-org/jobmon/internal/core"
)

// tailLines is how many recent stderr lines a Proc keeps for diagnostics.
const tailLines = 20

// Proc is a spawned distributor subprocess. The parent owns its lifetime:
// Spawn waits for the alive marker, Stop tears the process group down.
type Proc struct {
	cmd     *exec.Cmd
	alive   chan struct{}
	exited  chan struct{}
	waitErr error

	mu   sync.Mutex
	tail []string
}

// LocalArgv builds the argv for a run-pinned distributor subprocess running
// this executable.
func LocalArgv(clusterName string, runID int64) []string {
	exe, err := os.Executable()
	if err != nil {
		exe = "jobmon"
	}
	return []string{exe, "distributor",
		"--cluster", clusterName,
		"--workflow-run-id", strconv.FormatInt(runID, 10),
	}
}

// Spawn starts argv in its own process group and waits for the alive marker
// on its stderr. A child that exits, stays silent past the timeout, or
// outlives ctx before reporting alive is killed and reported as an error.
func Spawn(ctx context.Context, clusterName string, argv []string, timeout time.Duration) (*Proc, error) {
	if len(argv) == 0 {
		return nil, core.NewInvalidUsage("distributor argv is empty")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: 0}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start distributor: %w", err)
	}

	p := &Proc{
		cmd:    cmd,
		alive:  make(chan struct{}),
		exited: make(chan struct{}),
	}
	go func() {
		p.scan(stderr)
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	select {
	case <-p.alive:
		return p, nil
	case <-p.exited:
		return nil, fmt.Errorf("distributor exited before reporting alive: %s", strings.Join(p.Tail(), " | "))
	case <-ctx.Done():
		p.Stop(0)
		return nil, ctx.Err()
	case <-time.After(timeout):
		p.Stop(0)
		return nil, &core.DistributorStartupTimeoutError{Cluster: clusterName}
	}
}

// scan consumes the child's stderr line by line, watching for the alive
// marker and keeping a short tail for diagnostics. Everything else on the
// stream is the child's ordinary log output.
func (p *Proc) scan(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	seen := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == AliveMarker && !seen {
			seen = true
			close(p.alive)
			continue
		}
		p.mu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > tailLines {
			p.tail = p.tail[1:]
		}
		p.mu.Unlock()
	}
}

// Pid returns the child's process id.
func (p *Proc) Pid() int { return p.cmd.Process.Pid }

// Exited is closed when the child has exited and its stderr is drained.
func (p *Proc) Exited() <-chan struct{} { return p.exited }

// Err returns the child's wait error. Valid after Exited is closed.
func (p *Proc) Err() error { return p.waitErr }

// Tail returns the most recent stderr lines the child wrote.
func (p *Proc) Tail() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tail...)
}

// Stop asks the child to exit with SIGTERM and escalates to killing its
// process group when it does not comply within grace. It returns once the
// child has exited.
func (p *Proc) Stop(grace time.Duration) {
	select {
	case <-p.exited:
		return
	default:
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	if grace > 0 {
		select {
		case <-p.exited:
			return
		case <-time.After(grace):
		}
	}
	_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	<-p.exited
}
