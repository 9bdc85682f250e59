package swarm

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jobmon-org/jobmon/internal/cmn/logger"
	"github.com/jobmon-org/jobmon/internal/cmn/logger/tag"
	"github.com/jobmon-org/jobmon/internal/core"
)

// stateUpdate carries what a background service observed in one pass. The
// main loop is the only consumer; applying updates there is the only way
// swarm state changes.
type stateUpdate struct {
	Tasks     []core.TaskStatusDelta
	RunStatus core.WorkflowRunStatus            // empty unless the server moved the run
	Workflow  *core.WorkflowConcurrencyResponse // nil when the fetch failed
	Arrays    []core.ArrayConcurrency
}

// syncLoop reconciles local state with the server every sync interval. Each
// round also triggers the server's triage sweep so silent task instances
// resolve and come back as task deltas. A failed fetch drops out of the
// round instead of failing it.
func (s *Swarm) syncLoop(ctx context.Context, updates chan<- stateUpdate) error {
	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	var since time.Time // zero asks for the full history on the first round
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		u, next := s.syncOnce(ctx, since)
		since = next
		select {
		case updates <- u:
		case <-ctx.Done():
			return nil
		}
	}
}

// syncOnce runs the round's fetches in parallel. Each goroutine fills its
// own field of the update, so the join is the only synchronization needed.
// The returned time is the watermark for the next round, taken from the
// server's clock.
func (s *Swarm) syncOnce(ctx context.Context, since time.Time) (stateUpdate, time.Time) {
	var u stateUpdate
	next := since

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := s.client.RequestTriage(ctx, s.run.ID); err != nil {
			logger.Warn(ctx, "Triage request failed", tag.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		resp, err := s.client.TaskStatusUpdates(ctx, s.workflowID, since)
		if err != nil {
			logger.Warn(ctx, "Task status sync failed", tag.Error(err))
			return nil
		}
		u.Tasks = resp.Tasks
		next = resp.ServerTime
		return nil
	})
	g.Go(func() error {
		resp, err := s.client.WorkflowConcurrency(ctx, s.workflowID)
		if err != nil {
			logger.Warn(ctx, "Workflow concurrency sync failed", tag.Error(err))
			return nil
		}
		u.Workflow = &resp
		return nil
	})
	g.Go(func() error {
		arrays, err := s.client.ArrayConcurrency(ctx, s.workflowID)
		if err != nil {
			logger.Warn(ctx, "Array concurrency sync failed", tag.Error(err))
			return nil
		}
		u.Arrays = arrays
		return nil
	})
	_ = g.Wait()
	return u, next
}
