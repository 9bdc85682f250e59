// Package swarm drives one workflow run to completion. It keeps the
// authoritative in-memory view of DAG readiness, queues ready tasks in
// capacity-sized batches, reconciles task state with the server, scales
// resources after resource errors, and writes the run's terminal status.
//
// Three services cooperate: a heartbeat loop that keeps the run's lease
// alive and surfaces server-initiated status changes, a synchronizer that
// pulls task deltas and concurrency numbers, and the main loop that owns
// all state and does the scheduling. The services only produce updates;
// the main loop is the single writer.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jobmon-org/jobmon/internal/client"
	"github.com/jobmon-org/jobmon/internal/cmn/config"
	"github.com/jobmon-org/jobmon/internal/cmn/logger"
	"github.com/jobmon-org/jobmon/internal/cmn/logger/tag"
	"github.com/jobmon-org/jobmon/internal/core"
	"github.com/jobmon-org/jobmon/internal/distributor"
	"github.com/jobmon-org/jobmon/internal/otel"
)

// stopGrace is how long a spawned distributor gets to shut down cleanly
// before its process group is killed.
const stopGrace = 10 * time.Second

// finishTimeout bounds the terminal status write after the run settles.
const finishTimeout = 30 * time.Second

// ErrResumed means the server handed the workflow to a newer run and this
// one terminated to make way.
var ErrResumed = errors.New("workflow run terminated for resume")

// FailedError reports a run that settled with tasks in fatal error.
type FailedError struct {
	WorkflowRunID int64
	Fatal         int
	Blocked       int
}

func (e *FailedError) Error() string {
	msg := fmt.Sprintf("workflow run %d finished with %d tasks in fatal error", e.WorkflowRunID, e.Fatal)
	if e.Blocked > 0 {
		msg += fmt.Sprintf(" and %d blocked behind them", e.Blocked)
	}
	return msg
}

// TimeoutError reports a run that exceeded its configured wall time.
type TimeoutError struct {
	WorkflowRunID int64
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("workflow run %d exceeded its %s timeout", e.WorkflowRunID, e.Timeout)
}

// Option configures a Swarm.
type Option func(*Swarm)

// WithDistributorArgv overrides the command line used to spawn the run's
// distributor processes.
func WithDistributorArgv(fn func(clusterName string, workflowRunID int64) []string) Option {
	return func(s *Swarm) { s.argv = fn }
}

// WithoutDistributors skips spawning run-pinned distributor processes, for
// deployments where a shared distributor already serves each cluster.
func WithoutDistributors() Option {
	return func(s *Swarm) { s.argv = nil }
}

// WithTracer wraps the run in an OpenTelemetry span.
func WithTracer(tr *otel.Tracer) Option {
	return func(s *Swarm) { s.tracer = tr }
}

// Swarm owns one workflow run from BOUND to its terminal status.
type Swarm struct {
	client     *client.Client
	run        *client.WorkflowRun
	cfg        config.Swarm
	dist       config.Distributor
	heartbeat  config.Heartbeat
	workflowID int64

	argv   func(clusterName string, workflowRunID int64) []string
	procs  []*distributor.Proc
	tracer *otel.Tracer

	// Everything below belongs to the main loop goroutine.
	graph     *graph
	caps      capacities
	adjust    []*node
	queueIDs  map[string]int64
	runStatus core.WorkflowRunStatus
}

// New builds a swarm over a bound workflow run. By default it spawns one
// run-pinned distributor per cluster using the running binary's own command.
func New(c *client.Client, run *client.WorkflowRun, cfg config.Swarm, dist config.Distributor, hb config.Heartbeat, opts ...Option) *Swarm {
	s := &Swarm{
		client:     c,
		run:        run,
		cfg:        cfg,
		dist:       dist,
		heartbeat:  hb,
		workflowID: run.Workflow.ID(),
		argv:       distributor.LocalArgv,
		queueIDs:   make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives the workflow run until every task settles, the server takes
// the run away, the configured timeout passes, or ctx is canceled. The run
// and workflow statuses on the server reflect the outcome when Run returns.
func (s *Swarm) Run(ctx context.Context) (err error) {
	ctx = logger.WithValues(ctx,
		tag.WorkflowID(s.workflowID), tag.WorkflowRunID(s.run.ID))

	var span trace.Span
	ctx, span = s.tracer.Start(ctx, "workflow_run", trace.WithAttributes(
		attribute.Int64("jobmon.workflow_id", s.workflowID),
		attribute.Int64("jobmon.workflow_run_id", s.run.ID),
	))
	defer func() { otel.EndSpan(span, err) }()

	g, err := newGraph(s.run.Workflow)
	if err != nil {
		return err
	}
	s.graph = g
	s.prime()
	logger.Info(ctx, "Swarm starting", tag.Count(len(g.nodes)))

	if _, err := s.client.UpdateWorkflowRunStatus(ctx, s.run.ID, core.RunInstantiated); err != nil {
		return err
	}
	if err := s.startDistributors(ctx); err != nil {
		if _, uerr := s.client.UpdateWorkflowRunStatus(ctx, s.run.ID, core.RunError); uerr != nil {
			logger.Error(ctx, "Failed to mark workflow run failed", tag.Error(uerr))
		}
		return err
	}
	defer s.stopDistributors()

	for _, status := range []core.WorkflowRunStatus{core.RunLaunched, core.RunRunning} {
		if _, err := s.client.UpdateWorkflowRunStatus(ctx, s.run.ID, status); err != nil {
			return err
		}
	}
	s.runStatus = core.RunRunning

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	grp, runCtx := errgroup.WithContext(runCtx)
	updates := make(chan stateUpdate, 4)
	grp.Go(func() error { return s.heartbeatLoop(runCtx, updates) })
	grp.Go(func() error { return s.syncLoop(runCtx, updates) })
	for _, p := range s.procs {
		grp.Go(func() error { return watchDistributor(runCtx, p) })
	}

	v := s.drive(runCtx, updates)
	cancel()
	_ = grp.Wait()
	return s.finish(ctx, v)
}

// prime seeds the capacity counters and picks up work a previous run left
// behind: tasks already holding slots and tasks parked on an unfinished
// resource adjustment.
func (s *Swarm) prime() {
	s.caps = capacities{
		workflow: capacity{max: s.run.Workflow.MaxConcurrentlyRunning},
		arrays:   make(map[int64]*capacity),
	}
	for _, n := range s.graph.nodes {
		a := s.caps.array(n.task.ArrayID())
		if n.status.IsActive() {
			s.caps.workflow.active++
			a.active++
		}
		if n.status == core.TaskAdjustingResources {
			s.adjust = append(s.adjust, n)
		}
	}
}

// verdict is why the main loop stopped.
type verdict int

const (
	verdictDone verdict = iota
	verdictFailed
	verdictTimeout
	verdictResume  // the server moved the run to a resume status
	verdictHalted  // the server wrote a terminal status itself
	verdictStopped // ctx canceled
)

// drive is the main loop: apply updates from the background services, run
// pending resource adjustments, and queue what capacity allows. It owns all
// swarm state, so nothing in here needs a lock.
func (s *Swarm) drive(ctx context.Context, updates <-chan stateUpdate) verdict {
	var timeout <-chan time.Time
	if s.cfg.WorkflowTimeout > 0 {
		timer := time.NewTimer(s.cfg.WorkflowTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		if s.graph.finished() {
			if s.graph.fatal > 0 {
				return verdictFailed
			}
			return verdictDone
		}
		s.drainAdjust(ctx)
		s.schedule(ctx)

		select {
		case <-ctx.Done():
			return verdictStopped
		case <-timeout:
			return verdictTimeout
		case u := <-updates:
			s.applyUpdate(ctx, u)
			if s.runStatus.IsResume() {
				return verdictResume
			}
			if s.runStatus.IsTerminal() {
				return verdictHalted
			}
		}
	}
}

// applyUpdate folds one observed state batch into the graph and the
// capacity counters.
func (s *Swarm) applyUpdate(ctx context.Context, u stateUpdate) {
	if u.Workflow != nil {
		s.caps.workflow.max = u.Workflow.MaxConcurrentlyRunning
		s.caps.workflow.active = u.Workflow.NumActive
	}
	for _, a := range u.Arrays {
		arr := s.caps.array(a.ArrayID)
		arr.max = a.MaxConcurrentlyRunning
		arr.active = a.NumActive
	}
	for _, delta := range u.Tasks {
		n, was := s.graph.apply(delta)
		if n == nil {
			continue
		}
		s.caps.transition(n.task.ArrayID(), was, n.status)
		if n.status == core.TaskAdjustingResources {
			s.adjust = append(s.adjust, n)
		}
	}
	if u.RunStatus != "" && u.RunStatus != s.runStatus {
		logger.Info(ctx, "Server moved the workflow run", tag.Status(string(u.RunStatus)))
		s.runStatus = u.RunStatus
	}
}

// heartbeatLoop extends the run's lease every heartbeat interval. The
// response echoes the run's current status; a resume order or a terminal
// status set behind our back goes to the main loop as an update.
func (s *Swarm) heartbeatLoop(ctx context.Context, updates chan<- stateUpdate) error {
	ticker := time.NewTicker(s.heartbeat.WorkflowRunInterval)
	defer ticker.Stop()

	var last core.WorkflowRunStatus
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		status, err := s.client.LogWorkflowRunHeartbeat(ctx, s.run.ID, s.heartbeat.WorkflowRunReportBy().Seconds())
		if err != nil {
			// A missed beat is survivable until the lease expires.
			logger.Warn(ctx, "Workflow run heartbeat failed", tag.Error(err))
			continue
		}
		if status == last {
			continue
		}
		last = status
		if !status.IsResume() && !status.IsTerminal() {
			continue
		}
		select {
		case updates <- stateUpdate{RunStatus: status}:
		case <-ctx.Done():
			return nil
		}
	}
}

// finish writes the run's terminal status. The caller's context may already
// be canceled, so the write happens on a short detached one.
func (s *Swarm) finish(ctx context.Context, v verdict) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	switch v {
	case verdictDone:
		if _, err := s.client.UpdateWorkflowRunStatus(ctx, s.run.ID, core.RunDone); err != nil {
			return err
		}
		logger.Info(ctx, "Workflow run done", tag.Count(len(s.graph.nodes)))
		return nil

	case verdictFailed:
		failed := &FailedError{
			WorkflowRunID: s.run.ID,
			Fatal:         s.graph.fatal,
			Blocked:       s.graph.open,
		}
		logger.Error(ctx, "Workflow run failed",
			tag.Count(failed.Fatal), tag.Error(failed))
		if _, err := s.client.UpdateWorkflowRunStatus(ctx, s.run.ID, core.RunError); err != nil {
			return errors.Join(failed, err)
		}
		return failed

	case verdictTimeout:
		expired := &TimeoutError{WorkflowRunID: s.run.ID, Timeout: s.cfg.WorkflowTimeout}
		logger.Error(ctx, "Workflow run timed out", tag.Interval(s.cfg.WorkflowTimeout))
		if _, err := s.client.UpdateWorkflowRunStatus(ctx, s.run.ID, core.RunError); err != nil {
			return errors.Join(expired, err)
		}
		return expired

	case verdictResume:
		logger.Info(ctx, "Workflow run resumed elsewhere, terminating")
		if _, err := s.client.UpdateWorkflowRunStatus(ctx, s.run.ID, core.RunTerminated); err != nil {
			return errors.Join(ErrResumed, err)
		}
		return ErrResumed

	case verdictHalted:
		if s.runStatus == core.RunDone {
			return nil
		}
		return fmt.Errorf("server moved workflow run %d to %s", s.run.ID, s.runStatus)

	default: // verdictStopped
		logger.Info(ctx, "Workflow run stopped on request")
		if _, err := s.client.UpdateWorkflowRunStatus(ctx, s.run.ID, core.RunStopped); err != nil {
			return err
		}
		return nil
	}
}

// startDistributors spawns one run-pinned distributor per cluster the
// workflow submits to. The server prefers pinned instances when routing
// batches, so these coexist with a shared distributor on the same cluster.
func (s *Swarm) startDistributors(ctx context.Context) error {
	if s.argv == nil {
		return nil
	}
	for _, name := range s.clusterNames() {
		proc, err := distributor.Spawn(ctx, name, s.argv(name, s.run.ID), s.dist.StartupTimeout)
		if err != nil {
			s.stopDistributors()
			return err
		}
		logger.Info(ctx, "Distributor started", tag.Cluster(name), tag.PID(proc.Pid()))
		s.procs = append(s.procs, proc)
	}
	return nil
}

func (s *Swarm) clusterNames() []string {
	return lo.Uniq(lo.Map(s.run.Workflow.Tasks(), func(t *client.Task, _ int) string {
		return t.ClusterName
	}))
}

func (s *Swarm) stopDistributors() {
	for _, p := range s.procs {
		p.Stop(stopGrace)
	}
	s.procs = nil
}

// watchDistributor flags a distributor process that dies mid-run. The run
// keeps going: the server's expunge sweep rewinds whatever the dead process
// was holding, and queued batches wait for a replacement distributor.
func watchDistributor(ctx context.Context, p *distributor.Proc) error {
	select {
	case <-ctx.Done():
	case <-p.Exited():
		logger.Error(ctx, "Distributor process exited mid-run",
			tag.PID(p.Pid()), tag.Error(p.Err()))
	}
	return nil
}
