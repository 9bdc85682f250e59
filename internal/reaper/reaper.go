// Package reaper recovers workflow runs whose driver died. A live swarm
// extends its run's heartbeat lease; when the lease lapses the reaper moves
// the run and its workflow to the failure status the lifecycle prescribes.
// The sweep also expunges dead distributor instances so their batched work
// reschedules, and a cron-scheduled pass repairs workflow statuses that
// drifted from their tasks.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jobmon-org/jobmon/internal/client"
	"github.com/jobmon-org/jobmon/internal/cmn/config"
	"github.com/jobmon-org/jobmon/internal/cmn/logger"
	"github.com/jobmon-org/jobmon/internal/cmn/logger/tag"
	"github.com/jobmon-org/jobmon/internal/core"
)

// reapableStatuses are the run states a heartbeat lease protects. BOUND and
// INSTANTIATED runs have no failure edge; they wait for the next resume.
var reapableStatuses = []core.WorkflowRunStatus{
	core.RunLinking,
	core.RunColdResume, core.RunHotResume,
	core.RunLaunched, core.RunRunning,
}

// Reaper sweeps for lost workflow runs carrying its own version stamp, so
// rolling deployments can run one reaper per release side by side.
type Reaper struct {
	client   *client.Client
	cfg      config.Reaper
	version  string
	notifier *Notifier

	schedule   cron.Schedule
	nextRepair time.Time
	fixStart   int64
}

// New builds a reaper. The maintenance schedule is parsed up front so a bad
// expression fails at startup, not on the first scheduled round.
func New(c *client.Client, cfg config.Reaper, version string) (*Reaper, error) {
	r := &Reaper{client: c, cfg: cfg, version: version}
	if cfg.MaintenanceSchedule != "" {
		schedule, err := cron.ParseStandard(cfg.MaintenanceSchedule)
		if err != nil {
			return nil, core.NewInvalidUsage(
				"invalid maintenance schedule %q: %v", cfg.MaintenanceSchedule, err)
		}
		r.schedule = schedule
	}
	if cfg.Slack.Enabled() {
		r.notifier = NewNotifier(cfg.Slack)
	}
	return r, nil
}

// Run sweeps until ctx is canceled. The first sweep happens immediately.
func (r *Reaper) Run(ctx context.Context) error {
	logger.Info(ctx, "Reaper started",
		tag.Interval(r.cfg.PollInterval), tag.String("version", r.version))
	if r.schedule != nil {
		r.nextRepair = r.schedule.Next(time.Now())
	}

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		r.sweep(ctx)
		if r.schedule != nil && !time.Now().Before(r.nextRepair) {
			r.repair(ctx)
			r.nextRepair = r.schedule.Next(time.Now())
		}
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Reaper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// sweep expunges dead distributor instances first: their orphaned task
// instances resolve and rewind before the lost-run scan looks at anything.
func (r *Reaper) sweep(ctx context.Context) {
	expunged, err := r.client.ExpungeDistributorInstances(ctx)
	if err != nil {
		logger.Warn(ctx, "Distributor expunge sweep failed", tag.Error(err))
	} else if len(expunged) > 0 {
		logger.Info(ctx, "Expunged dead distributor instances", tag.Count(len(expunged)))
	}

	lost, err := r.client.LostWorkflowRuns(ctx, reapableStatuses, r.version)
	if err != nil {
		logger.Warn(ctx, "Lost workflow run scan failed", tag.Error(err))
		return
	}
	for _, run := range lost {
		r.reap(ctx, run)
	}
}

func (r *Reaper) reap(ctx context.Context, lost core.LostWorkflowRun) {
	resp, err := r.client.ReapWorkflowRun(ctx, lost.WorkflowRunID)
	if err != nil {
		logger.Warn(ctx, "Failed to reap workflow run",
			tag.WorkflowRunID(lost.WorkflowRunID), tag.Error(err))
		return
	}
	logger.Info(ctx, "Reaped lost workflow run",
		tag.WorkflowRunID(lost.WorkflowRunID), tag.WorkflowID(lost.WorkflowID),
		tag.Status(string(resp.Status)))

	if r.notifier == nil {
		return
	}
	text := fmt.Sprintf(
		"workflow run %d (workflow %d) lost heartbeat in %s at %s, reaped to %s",
		lost.WorkflowRunID, lost.WorkflowID, lost.Status.String(),
		lost.HeartbeatDate.UTC().Format(time.RFC3339), resp.Status.String())
	if err := r.notifier.Post(ctx, text); err != nil {
		logger.Warn(ctx, "Reap notification failed", tag.Error(err))
	}
}

// repair sweeps one id window of the workflow table, promoting FAILED
// workflows whose tasks all reached DONE. The cursor wraps past the table's
// end so every workflow is revisited eventually.
func (r *Reaper) repair(ctx context.Context) {
	maxID, err := r.client.FixStatusInconsistency(ctx, r.fixStart, r.cfg.InconsistencyStep)
	if err != nil {
		logger.Warn(ctx, "Status repair sweep failed", tag.Error(err))
		return
	}
	r.fixStart += r.cfg.InconsistencyStep
	if r.fixStart >= maxID {
		r.fixStart = 0
	}
}
