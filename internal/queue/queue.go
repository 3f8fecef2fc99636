// Package queue turns a target graph into work unit assignments and absorbs
// completion reports. One Queue serves one build session.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/msageha/stampede/internal/graph"
	"github.com/msageha/stampede/internal/model"
)

var (
	ErrUnknownTarget = errors.New("unknown target")
	ErrNotAssigned   = errors.New("target was never assigned")
)

type node struct {
	name       string
	state      model.TargetState
	deps       []*node
	dependents []*node
	// remaining counts dependencies that are not finished yet.
	remaining int
}

// Queue is safe for concurrent use. DequeueNext and ReportFinished each run
// as one critical section; IsFullyBuilt never blocks.
type Queue struct {
	mu    sync.Mutex
	nodes map[string]*node
	// ready holds chain heads in the order they became ready.
	ready []*node
	total int

	finished atomic.Int64
}

// New builds a queue over g. Targets without dependencies start ready.
func New(g *graph.Graph) *Queue {
	q := &Queue{
		nodes: make(map[string]*node, g.Len()),
		total: g.Len(),
	}
	order := g.Targets()
	for _, name := range order {
		q.nodes[name] = &node{name: name, state: model.TargetUnstarted}
	}
	for _, name := range order {
		n := q.nodes[name]
		for _, dep := range g.Dependencies(name) {
			d := q.nodes[dep]
			n.deps = append(n.deps, d)
			d.dependents = append(d.dependents, n)
		}
		n.remaining = len(n.deps)
	}
	for _, name := range order {
		n := q.nodes[name]
		if n.remaining == 0 {
			q.transition(n, model.TargetReady)
			q.ready = append(q.ready, n)
		}
	}
	return q
}

// DequeueNext returns up to maxUnits work units and marks every target in
// them assigned. An empty result means nothing is ready right now; it does
// not mean the build is done, see IsFullyBuilt.
func (q *Queue) DequeueNext(maxUnits int) []model.WorkUnit {
	q.mu.Lock()
	defer q.mu.Unlock()

	units := []model.WorkUnit{}
	for len(units) < maxUnits && len(q.ready) > 0 {
		head := q.ready[0]
		q.ready = q.ready[1:]
		if head.state != model.TargetReady {
			continue
		}
		units = append(units, model.WorkUnit{Targets: q.claimChain(head)})
	}
	return units
}

// claimChain assigns head and then follows the chain while it stays linear:
// the current target has exactly one dependent, and that dependent depends
// on nothing else. Such a dependent becomes buildable the moment its
// predecessor in the same unit is built.
func (q *Queue) claimChain(head *node) []string {
	q.transition(head, model.TargetAssigned)
	chain := []string{head.name}

	cur := head
	for len(cur.dependents) == 1 {
		next := cur.dependents[0]
		if len(next.deps) != 1 || next.state != model.TargetUnstarted {
			break
		}
		q.transition(next, model.TargetReady)
		q.transition(next, model.TargetAssigned)
		chain = append(chain, next.name)
		cur = next
	}
	return chain
}

// ReportFinished marks targets finished and promotes dependents whose
// dependencies are now all finished. Targets already finished are ignored,
// so duplicate reports are harmless. The batch is validated before anything
// changes: an unknown target or one that was never assigned rejects it whole.
func (q *Queue) ReportFinished(targets []string) error {
	_, err := q.Finish(targets)
	return err
}

// Finish is ReportFinished that also returns how many targets moved to
// finished because of this call.
func (q *Queue) Finish(targets []string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := make([]*node, 0, len(targets))
	for _, name := range targets {
		n, ok := q.nodes[name]
		if !ok {
			return 0, fmt.Errorf("report %q: %w", name, ErrUnknownTarget)
		}
		switch n.state {
		case model.TargetFinished:
			continue
		case model.TargetAssigned:
			batch = append(batch, n)
		default:
			return 0, fmt.Errorf("report %q in state %s: %w", name, n.state, ErrNotAssigned)
		}
	}

	finished := 0
	for _, n := range batch {
		if n.state == model.TargetFinished {
			// Listed twice in the same batch.
			continue
		}
		q.transition(n, model.TargetFinished)
		q.finished.Add(1)
		finished++
		for _, d := range n.dependents {
			d.remaining--
			if d.remaining == 0 && d.state == model.TargetUnstarted {
				q.transition(d, model.TargetReady)
				q.ready = append(q.ready, d)
			}
		}
	}
	return finished, nil
}

// IsFullyBuilt reports whether every target is finished. It reads an atomic
// counter and may trail a report that is still in flight.
func (q *Queue) IsFullyBuilt() bool {
	return q.finished.Load() == int64(q.total)
}

// Finished returns the number of finished targets.
func (q *Queue) Finished() int {
	return int(q.finished.Load())
}

// Len returns the number of targets in the queue.
func (q *Queue) Len() int {
	return q.total
}

// State returns the current state of target.
func (q *Queue) State(target string) (model.TargetState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n, ok := q.nodes[target]
	if !ok {
		return "", fmt.Errorf("state of %q: %w", target, ErrUnknownTarget)
	}
	return n.state, nil
}

// Snapshot counts targets per state under the lock.
type Snapshot struct {
	Unstarted int
	Ready     int
	Assigned  int
	Finished  int
}

func (s Snapshot) ByState() map[model.TargetState]int {
	return map[model.TargetState]int{
		model.TargetUnstarted: s.Unstarted,
		model.TargetReady:     s.Ready,
		model.TargetAssigned:  s.Assigned,
		model.TargetFinished:  s.Finished,
	}
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Snapshot
	for _, n := range q.nodes {
		switch n.state {
		case model.TargetUnstarted:
			s.Unstarted++
		case model.TargetReady:
			s.Ready++
		case model.TargetAssigned:
			s.Assigned++
		case model.TargetFinished:
			s.Finished++
		}
	}
	return s
}

// transition moves n to a new state. The transition table is the single
// authority; an illegal move is a bug in this package, so it panics.
func (q *Queue) transition(n *node, to model.TargetState) {
	if err := model.ValidateTargetTransition(n.state, to); err != nil {
		panic(fmt.Sprintf("queue: target %q: %v", n.name, err))
	}
	n.state = to
}
