// Package distributor drains queued task instances from the server onto a
// cluster and reconciles what the cluster reports back. One distributor
// instance serves one cluster, either pinned to a single workflow run or
// shared by every run submitting to that cluster from this host.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jobmon-org/jobmon/internal/client"
	"github.com/jobmon-org/jobmon/internal/cluster"
	"github.com/jobmon-org/jobmon/internal/cmn/config"
	"github.com/jobmon-org/jobmon/internal/cmn/dirlock"
	"github.com/jobmon-org/jobmon/internal/cmn/logger"
	"github.com/jobmon-org/jobmon/internal/cmn/logger/tag"
	"github.com/jobmon-org/jobmon/internal/core"
)

// AliveMarker and ShutdownMarker frame the stderr handshake with the parent
// process. The parent scans the stream for the markers; everything else on
// stderr is ordinary log output.
const (
	AliveMarker    = "ALIVE"
	ShutdownMarker = "SHUTDOWN"
)

// maxBatchSize caps how many task instances one submission wave carries.
const maxBatchSize = 500

// distributorIDChunk caps how many distributor ids one report carries.
const distributorIDChunk = 1000

// ErrExpunged means the server declared this instance dead while it was
// still polling. The instance must exit; a fresh one can take over.
var ErrExpunged = errors.New("distributor instance expunged by server")

// errDefer re-queues a command for the next poll without treating it as a
// failure. Launch commands defer while concurrency limits are exceeded.
var errDefer = errors.New("deferred to next poll")

// command is one unit of work produced by a status sync. Commands execute in
// order under the tick budget; leftovers roll over to the next poll.
type command struct {
	name string
	run  func(ctx context.Context) error
}

// Option configures a Distributor.
type Option func(*Distributor)

// WithWorkflowRun pins the distributor to a single workflow run. A pinned
// instance only receives batches for that run and skips the state dir lock.
func WithWorkflowRun(runID int64) Option {
	return func(d *Distributor) { d.runID = &runID }
}

// WithHandshake redirects the alive and shutdown markers. Defaults to stderr.
func WithHandshake(w io.Writer) Option {
	return func(d *Distributor) { d.handshake = w }
}

// Distributor owns the submission side of one cluster: it instantiates
// queued batches, submits them through the cluster driver, triages instances
// whose worker went silent, and executes kill orders. All state lives on the
// server; the in-memory queue only carries work between polls.
type Distributor struct {
	client      *client.Client
	driver      cluster.Driver
	clusterName string
	cfg         config.Distributor
	heartbeat   config.Heartbeat

	runID     *int64
	handshake io.Writer

	instanceID int64

	// queue and the tracking sets below are touched only by the poll loop
	// goroutine, so none of this is locked.
	queue       []*command
	deferred    []*command
	launching   map[int64]struct{} // batch ids with a queued or deferred launch
	resolving   map[int64]struct{} // task instance ids with a queued triage or kill
	instantiate bool               // an instantiate command is already queued
}

// New builds a distributor for one cluster. The driver must serve the same
// cluster type the server has on record for clusterName.
func New(c *client.Client, driver cluster.Driver, clusterName string, cfg config.Distributor, hb config.Heartbeat, opts ...Option) *Distributor {
	d := &Distributor{
		client:      c,
		driver:      driver,
		clusterName: clusterName,
		cfg:         cfg,
		heartbeat:   hb,
		handshake:   os.Stderr,
		launching:   map[int64]struct{}{},
		resolving:   map[int64]struct{}{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run registers the distributor instance and polls until ctx is canceled or
// the server expunges the instance. The alive marker is written once the
// instance can accept batches; the shutdown marker is the last write before
// returning.
func (d *Distributor) Run(ctx context.Context) error {
	if d.runID == nil {
		lock := dirlock.New(filepath.Join(d.cfg.StateDir, d.clusterName), nil)
		if err := lock.TryLock(); err != nil {
			return fmt.Errorf("cluster %s already has a shared distributor on this host: %w", d.clusterName, err)
		}
		defer func() { _ = lock.Unlock() }()
	}

	id, err := d.client.RegisterDistributorInstance(ctx, core.RegisterDistributorInstanceRequest{
		ClusterName:         d.clusterName,
		WorkflowRunID:       d.runID,
		NextReportIncrement: d.reportBy(),
	})
	if err != nil {
		return fmt.Errorf("failed to register distributor instance: %w", err)
	}
	d.instanceID = id

	ctx = logger.WithValues(ctx, tag.DistributorInstanceID(id), tag.Cluster(d.clusterName))
	logger.Info(ctx, "Distributor instance registered", tag.Interval(d.cfg.PollInterval))

	fmt.Fprintln(d.handshake, AliveMarker)
	defer fmt.Fprintln(d.handshake, ShutdownMarker)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := d.tick(ctx); err != nil {
			if errors.Is(err, ErrExpunged) {
				logger.Warn(ctx, "Distributor instance expunged, shutting down")
				return err
			}
			// Server trouble is retried on the next poll; the work
			// queue keeps whatever was already enqueued.
			logger.Error(ctx, "Distributor poll failed", tag.Error(err))
		}
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Distributor stopping", tag.Count(len(d.queue)))
			return nil
		case <-ticker.C:
		}
	}
}

// tick runs one poll round: heartbeat, one sync per owned status, then the
// command queue under the tick budget.
func (d *Distributor) tick(ctx context.Context) error {
	expunged, err := d.client.DistributorHeartbeat(ctx, d.instanceID, d.reportBy())
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if expunged {
		return ErrExpunged
	}

	if err := d.syncQueued(ctx); err != nil {
		return err
	}
	if err := d.syncInstantiated(ctx); err != nil {
		return err
	}
	for _, status := range []core.TaskInstanceStatus{core.InstanceTriaging, core.InstanceNoHeartbeat} {
		if err := d.syncSilent(ctx, status); err != nil {
			return err
		}
	}
	if err := d.syncKillSelf(ctx); err != nil {
		return err
	}

	d.execute(ctx)
	return nil
}

// execute drains the command queue until it is empty or the tick budget runs
// out. Deferred and unreached commands roll over to the next poll in order.
func (d *Distributor) execute(ctx context.Context) {
	deadline := time.Now().Add(d.cfg.TickBudget)
	for len(d.queue) > 0 {
		if time.Now().After(deadline) {
			logger.Info(ctx, "Tick budget spent, rolling over commands", tag.Count(len(d.queue)))
			break
		}
		cmd := d.queue[0]
		d.queue = d.queue[1:]
		if err := cmd.run(ctx); err != nil {
			if errors.Is(err, errDefer) {
				d.deferred = append(d.deferred, cmd)
				continue
			}
			logger.Error(ctx, "Distributor command failed", tag.String("command", cmd.name), tag.Error(err))
		}
	}
	if len(d.deferred) > 0 {
		d.queue = append(d.deferred, d.queue...)
		d.deferred = nil
	}
}

func (d *Distributor) enqueue(cmd *command) {
	d.queue = append(d.queue, cmd)
}

// reportBy is the heartbeat lease in seconds. The lease covers the poll
// interval with the configured buffer so one slow poll does not expunge us.
func (d *Distributor) reportBy() float64 {
	return d.cfg.PollInterval.Seconds() * d.heartbeat.ReportByBuffer
}
