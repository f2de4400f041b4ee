package pipeline

import (
	"context"
	"fmt"
	"sort"
)

// NodeState is the scheduler's view of one stage.
type NodeState string

const (
	NodePending  NodeState = "pending"
	NodeReady    NodeState = "ready"
	NodeBlocked  NodeState = "blocked"
	NodeComplete NodeState = "complete"
	NodeSkipped  NodeState = "skipped"
)

// Node is a stage plus its dependency edges.
type Node struct {
	ID           Name
	Stage        Stage
	Dependencies []Name
	Dependents   []Name

	State     NodeState
	BlockedBy []Name
}

// Graph schedules stages over their declared Requires edges. Among ready
// stages the earliest declared runs first, so a topologically ordered stage
// list executes in the same order as Sequential.
type Graph struct {
	nodes   map[Name]*Node
	ordered []Name
}

// NewGraph validates the stage list: unique names, declared dependencies,
// no cycles.
func NewGraph(stages []Stage) (*Graph, error) {
	nodes := make(map[Name]*Node, len(stages))
	ordered := make([]Name, 0, len(stages))
	for _, stage := range stages {
		if _, dup := nodes[stage.Name]; dup {
			return nil, fmt.Errorf("pipeline graph: duplicate stage %s", stage.Name)
		}
		nodes[stage.Name] = &Node{
			ID:           stage.Name,
			Stage:        stage,
			Dependencies: append([]Name(nil), stage.Requires...),
		}
		ordered = append(ordered, stage.Name)
	}
	for _, id := range ordered {
		node := nodes[id]
		for _, depID := range node.Dependencies {
			dep, ok := nodes[depID]
			if !ok {
				return nil, fmt.Errorf("pipeline graph: dependency %s referenced by %s not declared", depID, node.ID)
			}
			dep.Dependents = append(dep.Dependents, node.ID)
		}
	}
	for _, node := range nodes {
		if len(node.Dependents) > 1 {
			sort.Slice(node.Dependents, func(i, j int) bool { return node.Dependents[i] < node.Dependents[j] })
		}
	}
	g := &Graph{nodes: nodes, ordered: ordered}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// Nodes returns the nodes in declaration order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.ordered))
	for _, id := range g.ordered {
		out = append(out, g.nodes[id])
	}
	return out
}

func (g *Graph) checkAcyclic() error {
	indegree := make(map[Name]int, len(g.nodes))
	for id, node := range g.nodes {
		indegree[id] = len(node.Dependencies)
	}
	queue := make([]Name, 0, len(g.nodes))
	for _, id := range g.ordered {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range g.nodes[id].Dependents {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	if visited != len(g.nodes) {
		return fmt.Errorf("pipeline graph: dependency cycle detected")
	}
	return nil
}

// Execute runs every reachable stage. A halting stage marks its transitive
// dependents skipped; stages that do not depend on it still run.
func (g *Graph) Execute(ctx context.Context, state *State, observe Observer) (Outcome, error) {
	nodes := g.snapshot()
	var outcome Outcome
	for {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
		g.refresh(nodes)
		next := g.firstReady(nodes)
		if next == nil {
			break
		}
		result, err := runStage(ctx, next.Stage, state)
		if err != nil {
			return outcome, err
		}
		next.State = NodeComplete
		outcome.record(result)
		if observe != nil {
			if err := observe(ctx, result); err != nil {
				return outcome, fmt.Errorf("observe %s: %w", next.ID, err)
			}
		}
		if result.Halt {
			g.skipDependents(nodes, next.ID)
		}
	}
	for _, id := range g.ordered {
		if nodes[id].State == NodeSkipped {
			outcome.Skipped = append(outcome.Skipped, id)
		}
	}
	return outcome, nil
}

func (g *Graph) snapshot() map[Name]*Node {
	out := make(map[Name]*Node, len(g.nodes))
	for id, node := range g.nodes {
		clone := *node
		clone.State = NodePending
		clone.BlockedBy = nil
		out[id] = &clone
	}
	return out
}

func (g *Graph) refresh(nodes map[Name]*Node) {
	for _, id := range g.ordered {
		node := nodes[id]
		if node.State == NodeComplete || node.State == NodeSkipped {
			continue
		}
		var blockers []Name
		for _, depID := range node.Dependencies {
			if nodes[depID].State != NodeComplete {
				blockers = append(blockers, depID)
			}
		}
		node.BlockedBy = blockers
		if len(blockers) == 0 {
			node.State = NodeReady
		} else {
			node.State = NodeBlocked
		}
	}
}

func (g *Graph) firstReady(nodes map[Name]*Node) *Node {
	for _, id := range g.ordered {
		if nodes[id].State == NodeReady {
			return nodes[id]
		}
	}
	return nil
}

func (g *Graph) skipDependents(nodes map[Name]*Node, haltedID Name) {
	pending := append([]Name(nil), nodes[haltedID].Dependents...)
	for len(pending) > 0 {
		id := pending[0]
		pending = pending[1:]
		node := nodes[id]
		if node.State == NodeSkipped || node.State == NodeComplete {
			continue
		}
		node.State = NodeSkipped
		node.BlockedBy = []Name{haltedID}
		pending = append(pending, node.Dependents...)
	}
}
