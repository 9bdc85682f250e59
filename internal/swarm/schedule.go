package swarm

import (
	"context"
	"math"

	"github.com/jobmon-org/jobmon/internal/cmn/logger"
	"github.com/jobmon-org/jobmon/internal/cmn/logger/tag"
	"github.com/jobmon-org/jobmon/internal/core"
)

// capacity tracks one concurrency cap against its active task count. A max
// of zero or below means uncapped.
type capacity struct {
	max    int
	active int
}

func (c *capacity) headroom() int {
	if c == nil || c.max <= 0 {
		return math.MaxInt
	}
	if c.max <= c.active {
		return 0
	}
	return c.max - c.active
}

// capacities is the swarm's local view of the workflow and per-array
// concurrency limits. Queueing bumps the active counts optimistically;
// every sync round replaces them with the server's numbers.
type capacities struct {
	workflow capacity
	arrays   map[int64]*capacity
}

func (cs *capacities) array(id int64) *capacity {
	a := cs.arrays[id]
	if a == nil {
		a = &capacity{}
		cs.arrays[id] = a
	}
	return a
}

// transition keeps the active counts in step with an observed task status
// change.
func (cs *capacities) transition(arrayID int64, from, to core.TaskStatus) {
	var d int
	switch {
	case !from.IsActive() && to.IsActive():
		d = 1
	case from.IsActive() && !to.IsActive():
		d = -1
	default:
		return
	}
	cs.workflow.active += d
	cs.array(arrayID).active += d
}

type batchKey struct {
	arrayID     int64
	resourcesID int64
}

// schedule queues ready tasks in arrival order, one batch per array and
// resource binding, stopping at the workflow's concurrency headroom. Tasks
// an array cap excludes keep their place in the queue; later tasks of other
// arrays may still go.
func (s *Swarm) schedule(ctx context.Context) {
	if len(s.graph.ready) == 0 {
		return
	}

	var (
		take  = make(map[batchKey][]*node)
		order []batchKey
		keep  []*node
	)
	wfRoom := s.caps.workflow.headroom()
	arrayRoom := make(map[int64]int)
	for i, n := range s.graph.ready {
		if wfRoom == 0 {
			keep = append(keep, s.graph.ready[i:]...)
			break
		}
		arrayID := n.task.ArrayID()
		room, ok := arrayRoom[arrayID]
		if !ok {
			room = s.caps.arrays[arrayID].headroom()
		}
		if room == 0 {
			arrayRoom[arrayID] = 0
			keep = append(keep, n)
			continue
		}
		arrayRoom[arrayID] = room - 1
		wfRoom--
		n.inReady = false
		key := batchKey{arrayID, n.resourcesID}
		if _, seen := take[key]; !seen {
			order = append(order, key)
		}
		take[key] = append(take[key], n)
	}
	s.graph.ready = keep

	for _, key := range order {
		s.queueBatch(ctx, key, take[key])
	}
}

// queueBatch posts one batch. Queued tasks move to QUEUED locally and take
// a concurrency slot; a rejected batch goes back to the front of the ready
// queue for the next round.
func (s *Swarm) queueBatch(ctx context.Context, key batchKey, nodes []*node) {
	ids := make([]int64, len(nodes))
	for i, n := range nodes {
		ids[i] = n.task.ID()
	}
	resp, err := s.client.QueueTaskBatch(ctx, core.QueueTaskBatchRequest{
		WorkflowRunID:   s.run.ID,
		WorkflowID:      s.workflowID,
		ArrayID:         key.arrayID,
		TaskResourcesID: key.resourcesID,
		TaskIDs:         ids,
	})
	if err != nil {
		logger.Warn(ctx, "Task batch rejected, requeueing",
			tag.ArrayID(key.arrayID), tag.Count(len(ids)), tag.Error(err))
		s.graph.requeue(nodes)
		return
	}

	for _, id := range resp.QueuedTaskIDs {
		n, was := s.graph.apply(core.TaskStatusDelta{TaskID: id, Status: core.TaskQueued})
		if n != nil {
			s.caps.transition(key.arrayID, was, core.TaskQueued)
		}
	}
	logger.Info(ctx, "Task batch queued", tag.BatchID(resp.BatchID),
		tag.ArrayID(key.arrayID), tag.Count(len(resp.QueuedTaskIDs)))
	if len(resp.SkippedTaskIDs) > 0 {
		// The server saw these in a state with no edge to QUEUED; the next
		// sync round brings their real statuses.
		logger.Debug(ctx, "Tasks skipped by batch",
			tag.BatchID(resp.BatchID), tag.Count(len(resp.SkippedTaskIDs)))
	}
}

// drainAdjust retries pending resource adjustments. A task that cannot be
// rebound stays parked until a later round.
func (s *Swarm) drainAdjust(ctx context.Context) {
	if len(s.adjust) == 0 {
		return
	}
	var retry []*node
	for _, n := range s.adjust {
		if err := s.adjustResources(ctx, n); err != nil {
			logger.Warn(ctx, "Resource adjustment failed",
				tag.TaskID(n.task.ID()), tag.Error(err))
			retry = append(retry, n)
		}
	}
	s.adjust = retry
}

// adjustResources rebinds a task that stopped on a resource error with its
// scaled request and puts it back in line. Queueing moves the task from
// ADJUSTING_RESOURCES to QUEUED; the new binding is what the batch carries.
func (s *Swarm) adjustResources(ctx context.Context, n *node) error {
	t := n.task
	attempt := n.attempts
	if attempt < 1 {
		attempt = 1
	}
	scaled := core.ScaleResources(n.requested, t.ResourceScales, attempt)
	queueID, err := s.queueID(ctx, t.ClusterName, t.QueueName)
	if err != nil {
		return err
	}
	// Content-addressed binding: an unchanged request resolves to the same
	// task resources row.
	resourcesID, err := s.client.BindTaskResources(ctx, queueID, scaled)
	if err != nil {
		return err
	}
	if err := s.client.UpdateTaskResources(ctx, t.ID(), resourcesID); err != nil {
		return err
	}
	n.requested = scaled
	n.resourcesID = resourcesID
	logger.Info(ctx, "Adjusted task resources",
		tag.TaskID(t.ID()), tag.Attempt(attempt))
	s.graph.push(n)
	return nil
}

func (s *Swarm) queueID(ctx context.Context, clusterName, queueName string) (int64, error) {
	key := clusterName + "/" + queueName
	if id, ok := s.queueIDs[key]; ok {
		return id, nil
	}
	q, err := s.client.GetQueue(ctx, clusterName, queueName)
	if err != nil {
		return 0, err
	}
	s.queueIDs[key] = q.QueueID
	return q.QueueID, nil
}
