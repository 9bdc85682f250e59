package swarm

import (
	"github.com/jobmon-org/jobmon/internal/client"
	"github.com/jobmon-org/jobmon/internal/core"
)

// node tracks one task's place in the run: its last observed status, the
// countdown of unfinished upstreams, and the resource binding its next
// attempt should queue with.
type node struct {
	task        *client.Task
	status      core.TaskStatus
	attempts    int
	resourcesID int64
	requested   map[string]any

	downstream []*node
	pending    int // upstream tasks not yet DONE
	inReady    bool
}

// graph is the swarm's in-memory view of the run: per-task state, dependency
// countdowns and the ready-to-run queue. Only the main loop touches it, so
// nothing here is locked.
type graph struct {
	nodes map[int64]*node // by task id
	ready []*node         // FIFO; requeued work goes back to the front

	open     int // tasks not yet terminal
	inflight int // tasks past REGISTERING but not yet terminal
	fatal    int
}

// newGraph builds the arena from a bound workflow. Tasks already DONE from a
// previous run pre-satisfy their downstream edges; tasks whose remaining
// upstreams are all satisfied seed the ready queue in insertion order.
func newGraph(wf *client.Workflow) (*graph, error) {
	tasks := wf.Tasks()
	g := &graph{nodes: make(map[int64]*node, len(tasks))}
	for _, t := range tasks {
		if t.ID() == 0 {
			return nil, core.NewInvalidUsage("task %q is not bound", t.Name)
		}
		g.nodes[t.ID()] = &node{
			task:        t,
			status:      t.Status(),
			resourcesID: t.TaskResourcesID(),
			requested:   t.RequestedResources,
		}
	}

	for _, t := range tasks {
		n := g.nodes[t.ID()]
		seen := make(map[int64]bool, len(t.Upstream()))
		for _, up := range t.Upstream() {
			if seen[up.ID()] {
				continue
			}
			seen[up.ID()] = true
			upNode, ok := g.nodes[up.ID()]
			if !ok {
				return nil, core.NewInvalidUsage(
					"task %q depends on %q, which is not in the workflow", t.Name, up.Name)
			}
			upNode.downstream = append(upNode.downstream, n)
			if upNode.status != core.TaskDone {
				n.pending++
			}
		}
	}
	if err := checkAcyclic(tasks); err != nil {
		return nil, err
	}

	for _, t := range tasks {
		n := g.nodes[t.ID()]
		switch {
		case n.status.IsTerminal():
			if n.status == core.TaskErrorFatal {
				g.fatal++
			}
		default:
			g.open++
			if n.status != core.TaskRegistering {
				g.inflight++
			}
			if n.status == core.TaskRegistering && n.pending == 0 {
				g.push(n)
			}
		}
	}
	return g, nil
}

// checkAcyclic peels zero-upstream tasks until none remain. Anything left
// sits on a cycle, which would otherwise hang the run until its timeout.
func checkAcyclic(tasks []*client.Task) error {
	degree := make(map[int64]int, len(tasks))
	down := make(map[int64][]int64, len(tasks))
	for _, t := range tasks {
		seen := make(map[int64]bool, len(t.Upstream()))
		for _, up := range t.Upstream() {
			if seen[up.ID()] {
				continue
			}
			seen[up.ID()] = true
			degree[t.ID()]++
			down[up.ID()] = append(down[up.ID()], t.ID())
		}
	}
	var queue []int64
	for _, t := range tasks {
		if degree[t.ID()] == 0 {
			queue = append(queue, t.ID())
		}
	}
	peeled := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		peeled++
		for _, d := range down[id] {
			if degree[d]--; degree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if peeled != len(tasks) {
		return core.NewInvalidUsage("workflow dag has a cycle involving %d tasks", len(tasks)-peeled)
	}
	return nil
}

// apply folds one observed transition into the graph and reports the node
// with its previous status. Unknown tasks and repeated statuses return nil.
// Transitions out of a terminal status are ignored: a user reset of a DONE
// task takes effect on the next run, not this one.
func (g *graph) apply(delta core.TaskStatusDelta) (*node, core.TaskStatus) {
	n := g.nodes[delta.TaskID]
	if n == nil || n.status == delta.Status || n.status.IsTerminal() {
		return nil, ""
	}
	was := n.status
	n.status = delta.Status
	if delta.NumAttempts > n.attempts {
		n.attempts = delta.NumAttempts
	}

	if was != core.TaskRegistering {
		g.inflight--
	}
	if delta.Status != core.TaskRegistering && !delta.Status.IsTerminal() {
		g.inflight++
	}

	switch delta.Status {
	case core.TaskDone:
		g.open--
		for _, down := range n.downstream {
			if down.pending--; down.pending == 0 && down.status == core.TaskRegistering {
				g.push(down)
			}
		}
	case core.TaskErrorFatal:
		g.open--
		g.fatal++
	case core.TaskRegistering:
		// The task rewound for another attempt; its upstreams are
		// necessarily satisfied unless this is a stale full-sync row.
		if n.pending == 0 {
			g.push(n)
		}
	}
	return n, was
}

func (g *graph) push(n *node) {
	if n.inReady {
		return
	}
	n.inReady = true
	g.ready = append(g.ready, n)
}

// requeue returns tasks to the front of the ready queue in their original
// relative order.
func (g *graph) requeue(nodes []*node) {
	if len(nodes) == 0 {
		return
	}
	for _, n := range nodes {
		n.inReady = true
	}
	merged := make([]*node, 0, len(nodes)+len(g.ready))
	merged = append(merged, nodes...)
	merged = append(merged, g.ready...)
	g.ready = merged
}

// finished reports whether the run can make no further progress: every task
// is terminal, or the survivors sit behind failed upstreams with nothing in
// flight and nothing left to queue.
func (g *graph) finished() bool {
	if g.open == 0 {
		return true
	}
	return g.fatal > 0 && len(g.ready) == 0 && g.inflight == 0
}
