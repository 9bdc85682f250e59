package distributor

import (
	"context"
	"errors"
	"fmt"

	"github.com/jobmon-org/jobmon/internal/cluster"
	"github.com/jobmon-org/jobmon/internal/cmn/logger"
	"github.com/jobmon-org/jobmon/internal/cmn/logger/tag"
	"github.com/jobmon-org/jobmon/internal/core"
)

// syncSilent queues a triage for every instance whose worker stopped
// reporting: TRIAGING for workers that were running, NO_HEARTBEAT for
// workers that never started reporting at all.
func (d *Distributor) syncSilent(ctx context.Context, status core.TaskInstanceStatus) error {
	refs, err := d.client.SyncTaskInstances(ctx, d.instanceID, status)
	if err != nil {
		return fmt.Errorf("sync %s: %w", status, err)
	}
	for _, ref := range refs {
		if _, busy := d.resolving[ref.TaskInstanceID]; busy {
			continue
		}
		d.resolving[ref.TaskInstanceID] = struct{}{}
		d.enqueue(d.triageCommand(ref))
	}
	return nil
}

func (d *Distributor) triageCommand(ref core.TaskInstanceRef) *command {
	return &command{
		name: fmt.Sprintf("triage instance %d", ref.TaskInstanceID),
		run: func(ctx context.Context) error {
			defer delete(d.resolving, ref.TaskInstanceID)
			return d.triage(ctx, ref)
		},
	}
}

// triage resolves one silent instance using the cluster's exit information.
// Resource kills, known failures, and fatal conditions report their error
// state; anything the cluster cannot explain resolves as UNKNOWN_ERROR and
// the server decides the task's fate.
func (d *Distributor) triage(ctx context.Context, ref core.TaskInstanceRef) error {
	if ref.DistributorID == "" {
		return d.logUnknown(ctx, ref, "instance went silent before a distributor id was recorded")
	}
	info, err := d.driver.RemoteExitInfo(ctx, ref.DistributorID)
	switch {
	case errors.Is(err, core.ErrRemoteExitInfoNotAvailable):
		return d.logUnknown(ctx, ref, fmt.Sprintf(
			"worker stopped reporting and cluster %s has no exit information for %s", d.clusterName, ref.DistributorID))
	case err != nil:
		return d.logUnknown(ctx, ref, fmt.Sprintf("exit info lookup failed: %v", err))
	}

	logger.Info(ctx, "Triaged task instance",
		tag.TaskInstanceID(ref.TaskInstanceID), tag.DistributorID(ref.DistributorID),
		tag.ExitCode(info.ExitCode), tag.Status(info.InstanceStatus().String()))

	if info.Kind == cluster.ExitUnknown {
		return d.logUnknown(ctx, ref, info.Message)
	}
	_, err = d.client.LogKnownError(ctx, ref.TaskInstanceID, core.LogKnownErrorRequest{
		ErrorState:  info.InstanceStatus(),
		Description: info.Message,
	})
	return err
}

func (d *Distributor) logUnknown(ctx context.Context, ref core.TaskInstanceRef, msg string) error {
	_, err := d.client.LogUnknownError(ctx, ref.TaskInstanceID, core.LogUnknownErrorRequest{Description: msg})
	return err
}

// syncKillSelf terminates instances the server ordered dead and resolves
// them as ERROR_FATAL. Instances that never reached the cluster have
// nothing to terminate and just resolve.
func (d *Distributor) syncKillSelf(ctx context.Context) error {
	refs, err := d.client.SyncTaskInstances(ctx, d.instanceID, core.InstanceKillSelf)
	if err != nil {
		return fmt.Errorf("sync kill self: %w", err)
	}
	var pending []core.TaskInstanceRef
	for _, ref := range refs {
		if _, busy := d.resolving[ref.TaskInstanceID]; busy {
			continue
		}
		d.resolving[ref.TaskInstanceID] = struct{}{}
		pending = append(pending, ref)
	}
	if len(pending) == 0 {
		return nil
	}
	d.enqueue(&command{
		name: fmt.Sprintf("kill %d instances", len(pending)),
		run:  func(ctx context.Context) error { return d.kill(ctx, pending) },
	})
	return nil
}

// kill tears the instances off the cluster in one terminate call, then
// reports each as fatal. Termination failures are logged and the instances
// resolve anyway; the worker's own kill-self check is the backstop.
func (d *Distributor) kill(ctx context.Context, refs []core.TaskInstanceRef) error {
	defer func() {
		for _, ref := range refs {
			delete(d.resolving, ref.TaskInstanceID)
		}
	}()

	var distributorIDs []string
	for _, ref := range refs {
		if ref.DistributorID != "" {
			distributorIDs = append(distributorIDs, ref.DistributorID)
		}
	}
	if len(distributorIDs) > 0 {
		if err := d.driver.Terminate(ctx, distributorIDs); err != nil {
			logger.Warn(ctx, "Cluster terminate failed", tag.Count(len(distributorIDs)), tag.Error(err))
		}
	}
	logger.Info(ctx, "Killed task instances on server order", tag.Count(len(refs)))

	var firstErr error
	for _, ref := range refs {
		_, err := d.client.LogKnownError(ctx, ref.TaskInstanceID, core.LogKnownErrorRequest{
			ErrorState:  core.InstanceErrorFatal,
			Description: "killed by distributor on kill-self order",
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
