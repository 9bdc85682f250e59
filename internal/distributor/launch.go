package distributor

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/jobmon-org/jobmon/internal/cluster"
	"github.com/jobmon-org/jobmon/internal/cmn/logger"
	"github.com/jobmon-org/jobmon/internal/cmn/logger/tag"
	"github.com/jobmon-org/jobmon/internal/core"
)

// syncQueued enqueues one instantiate command when the server holds QUEUED
// instances batched to this distributor instance.
func (d *Distributor) syncQueued(ctx context.Context) error {
	if d.instantiate {
		return nil
	}
	refs, err := d.client.SyncTaskInstances(ctx, d.instanceID, core.InstanceQueued)
	if err != nil {
		return fmt.Errorf("sync queued: %w", err)
	}
	if len(refs) == 0 {
		return nil
	}
	logger.Info(ctx, "Queued task instances waiting", tag.Count(len(refs)))
	d.instantiate = true
	d.enqueue(&command{name: "instantiate", run: d.runInstantiate})
	return nil
}

// runInstantiate claims every queued instance into INSTANTIATED batches and
// queues one launch command per batch.
func (d *Distributor) runInstantiate(ctx context.Context) error {
	d.instantiate = false
	batches, err := d.client.InstantiateTaskInstances(ctx, d.instanceID)
	if err != nil {
		return fmt.Errorf("instantiate task instances: %w", err)
	}
	for _, b := range batches {
		d.launching[b.BatchID] = struct{}{}
		d.enqueue(d.launchCommand(b))
	}
	return nil
}

// launchCommand submits one instantiated batch. The command keeps its own
// submission offset so a deferred launch resumes where it stopped.
func (d *Distributor) launchCommand(b core.InstantiatedBatch) *command {
	offset := 0
	return &command{
		name: fmt.Sprintf("launch batch %d", b.BatchID),
		run: func(ctx context.Context) error {
			next, err := d.launchBatch(ctx, b, offset)
			offset = next
			if !errors.Is(err, errDefer) {
				delete(d.launching, b.BatchID)
			}
			return err
		},
	}
}

// launchBatch submits the batch's instances in waves of maxBatchSize, logs
// the distributor ids the cluster assigned, and moves the batch to LAUNCHED.
// A queueing error resolves the unsubmitted remainder as NO_DISTRIBUTOR_ID
// so the server can reschedule those tasks; instances already on the cluster
// keep going.
func (d *Distributor) launchBatch(ctx context.Context, b core.InstantiatedBatch, offset int) (int, error) {
	ids := b.TaskInstanceIDs
	resources := b.RequestedResources
	if rc, ok := d.driver.(cluster.ResourceCoercer); ok {
		if valid, msg := rc.ValidateResources(resources); !valid {
			err := d.abandon(ctx, ids[offset:], fmt.Sprintf("invalid resources for cluster %s: %s", d.clusterName, msg))
			if err != nil {
				return offset, err
			}
			return len(ids), d.transitionLaunched(ctx, b)
		}
		resources = rc.CoerceResources(resources)
	}

	for offset < len(ids) {
		over, err := d.overCapacity(ctx, b)
		if err != nil {
			return offset, err
		}
		if over {
			logger.Debug(ctx, "Concurrency limit exceeded, deferring batch",
				tag.BatchID(b.BatchID), tag.Count(len(ids)-offset))
			return offset, errDefer
		}
		n := min(maxBatchSize, len(ids)-offset)
		pairs, err := d.submitWave(ctx, b, resources, ids[offset:offset+n], offset)
		if rerr := d.reportLaunched(ctx, b, pairs); rerr != nil {
			return offset, rerr
		}
		if err != nil {
			if aerr := d.abandon(ctx, ids[offset+len(pairs):], err.Error()); aerr != nil {
				return offset, aerr
			}
			return len(ids), d.transitionLaunched(ctx, b)
		}
		offset += n
	}

	if err := d.transitionLaunched(ctx, b); err != nil {
		return offset, err
	}
	logger.Info(ctx, "Batch launched", tag.BatchID(b.BatchID), tag.ArrayID(b.ArrayID), tag.Count(len(ids)))
	return offset, nil
}

// submitWave hands one wave to the cluster, as a job array when the driver
// supports arrays, otherwise one submission per instance. The returned pairs
// cover the instances that made it onto the cluster before any error.
func (d *Distributor) submitWave(ctx context.Context, b core.InstantiatedBatch, resources map[string]any, wave []int64, base int) ([]core.DistributorIDPair, error) {
	if as, ok := d.driver.(cluster.ArraySubmitter); ok && len(wave) > 1 {
		req := cluster.ArraySubmitRequest{
			Name:      fmt.Sprintf("%s-%d", b.ArrayName, b.BatchID),
			Resources: resources,
			Commands:  make(map[int][]string, len(wave)),
		}
		for i, tiID := range wave {
			req.Commands[base+i] = d.driver.WorkerCommand(tiID)
		}
		assigned, err := as.SubmitArray(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("array submission failed: %w", err)
		}
		pairs := make([]core.DistributorIDPair, 0, len(wave))
		for i, tiID := range wave {
			distributorID, ok := assigned[base+i]
			if !ok {
				return pairs, fmt.Errorf("cluster returned no distributor id for step %d", base+i)
			}
			pairs = append(pairs, core.DistributorIDPair{TaskInstanceID: tiID, DistributorID: distributorID})
		}
		return pairs, nil
	}

	var pairs []core.DistributorIDPair
	for i, tiID := range wave {
		distributorID, err := d.driver.Submit(ctx, cluster.SubmitRequest{
			Name:      fmt.Sprintf("%s-%d.%d", b.ArrayName, b.BatchID, base+i),
			Command:   d.driver.WorkerCommand(tiID),
			Resources: resources,
		})
		if err != nil {
			return pairs, fmt.Errorf("submission failed: %w", err)
		}
		pairs = append(pairs, core.DistributorIDPair{TaskInstanceID: tiID, DistributorID: distributorID})
	}
	return pairs, nil
}

// abandon reports NO_DISTRIBUTOR_ID for instances that never reached the
// cluster. The server rewinds their tasks for another attempt.
func (d *Distributor) abandon(ctx context.Context, tiIDs []int64, msg string) error {
	if len(tiIDs) == 0 {
		return nil
	}
	logger.Warn(ctx, "Abandoning submission", tag.Count(len(tiIDs)), tag.String("reason", msg))
	for _, tiID := range tiIDs {
		if _, err := d.client.LogNoDistributorID(ctx, tiID, core.LogNoDistributorIDRequest{Description: msg}); err != nil {
			return fmt.Errorf("log no distributor id for instance %d: %w", tiID, err)
		}
	}
	return nil
}

// reportLaunched records which cluster job id each instance landed on.
func (d *Distributor) reportLaunched(ctx context.Context, b core.InstantiatedBatch, pairs []core.DistributorIDPair) error {
	for _, chunk := range lo.Chunk(pairs, distributorIDChunk) {
		if err := d.client.LogDistributorIDs(ctx, b.BatchID, chunk); err != nil {
			return fmt.Errorf("log distributor ids for batch %d: %w", b.BatchID, err)
		}
	}
	return nil
}

func (d *Distributor) transitionLaunched(ctx context.Context, b core.InstantiatedBatch) error {
	err := d.client.TransitionBatchToLaunched(ctx, b.BatchID, d.heartbeat.TaskInstanceReportBy().Seconds())
	if err != nil {
		return fmt.Errorf("transition batch %d to launched: %w", b.BatchID, err)
	}
	return nil
}

// overCapacity reports whether the workflow or the batch's array holds more
// active tasks than its concurrency cap allows. Tasks consume their slot
// when they queue, so a batch within limits counts itself already; an
// overage only appears when a cap was lowered after queueing, and it drains
// as running tasks finish.
func (d *Distributor) overCapacity(ctx context.Context, b core.InstantiatedBatch) (bool, error) {
	wc, err := d.client.WorkflowConcurrency(ctx, b.WorkflowID)
	if err != nil {
		return false, fmt.Errorf("workflow concurrency: %w", err)
	}
	if wc.NumActive > wc.MaxConcurrentlyRunning {
		return true, nil
	}
	arrays, err := d.client.ArrayConcurrency(ctx, b.WorkflowID)
	if err != nil {
		return false, fmt.Errorf("array concurrency: %w", err)
	}
	for _, a := range arrays {
		if a.ArrayID == b.ArrayID && a.NumActive > a.MaxConcurrentlyRunning {
			return true, nil
		}
	}
	return false, nil
}

// syncInstantiated resolves batches stranded between instantiation and
// launch by a distributor that died mid-submission. Instances whose
// distributor id made it to the server keep going; the rest go back for
// rescheduling.
func (d *Distributor) syncInstantiated(ctx context.Context) error {
	refs, err := d.client.SyncTaskInstances(ctx, d.instanceID, core.InstanceInstantiated)
	if err != nil {
		return fmt.Errorf("sync instantiated: %w", err)
	}
	stranded := map[int64][]core.TaskInstanceRef{}
	for _, ref := range refs {
		if _, busy := d.launching[ref.BatchID]; busy {
			continue
		}
		stranded[ref.BatchID] = append(stranded[ref.BatchID], ref)
	}
	for batchID, brefs := range stranded {
		logger.Warn(ctx, "Recovering stranded batch", tag.BatchID(batchID), tag.Count(len(brefs)))
		d.launching[batchID] = struct{}{}
		d.enqueue(d.recoverCommand(batchID, brefs))
	}
	return nil
}

// recoverCommand finishes a stranded batch: instances without a distributor
// id are handed back as NO_DISTRIBUTOR_ID, the rest move to LAUNCHED.
func (d *Distributor) recoverCommand(batchID int64, refs []core.TaskInstanceRef) *command {
	return &command{
		name: fmt.Sprintf("recover batch %d", batchID),
		run: func(ctx context.Context) error {
			defer delete(d.launching, batchID)
			submitted := false
			for _, ref := range refs {
				if ref.DistributorID != "" {
					submitted = true
					continue
				}
				_, err := d.client.LogNoDistributorID(ctx, ref.TaskInstanceID, core.LogNoDistributorIDRequest{
					Description: "submission state lost before a distributor id was recorded",
				})
				if err != nil {
					return fmt.Errorf("log no distributor id for instance %d: %w", ref.TaskInstanceID, err)
				}
			}
			if !submitted {
				return nil
			}
			err := d.client.TransitionBatchToLaunched(ctx, batchID, d.heartbeat.TaskInstanceReportBy().Seconds())
			if err != nil {
				return fmt.Errorf("transition batch %d to launched: %w", batchID, err)
			}
			return nil
		},
	}
}
