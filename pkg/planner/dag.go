// Package planner discovers candidate capabilities for a matched intent and
// turns them into a validated task graph.
package planner

import (
	"errors"
	"fmt"
	"sort"
)

// ErrCycle is returned by TopoOrder when the graph is not acyclic.
var ErrCycle = errors.New("task graph contains a cycle")

// TaskNode is one planned unit of work. Requires lists the capability tags
// whoever runs the node must declare.
type TaskNode struct {
	ID           string            `json:"node_id"`
	CapabilityID string            `json:"capability_id"`
	Requires     []string          `json:"requires,omitempty"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	Inputs       map[string]string `json:"inputs,omitempty"`
}

// TaskDAG is the full plan. Nodes keep the order they were planned in.
type TaskDAG struct {
	Nodes []TaskNode `json:"nodes"`
}

// Node returns the node with id.
func (d *TaskDAG) Node(id string) (TaskNode, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return TaskNode{}, false
}

// Len returns the number of nodes.
func (d *TaskDAG) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Nodes)
}

// Clone returns a deep copy.
func (d *TaskDAG) Clone() *TaskDAG {
	if d == nil {
		return nil
	}
	out := &TaskDAG{Nodes: make([]TaskNode, len(d.Nodes))}
	for i, n := range d.Nodes {
		n.DependsOn = append([]string(nil), n.DependsOn...)
		n.Requires = append([]string(nil), n.Requires...)
		if n.Inputs != nil {
			inputs := make(map[string]string, len(n.Inputs))
			for k, v := range n.Inputs {
				inputs[k] = v
			}
			n.Inputs = inputs
		}
		out.Nodes[i] = n
	}
	return out
}

// Bind returns a copy with node capabilities replaced from choices. Nodes
// missing from choices keep their capability.
func (d *TaskDAG) Bind(choices map[string]string) *TaskDAG {
	out := d.Clone()
	for i, n := range out.Nodes {
		if c, ok := choices[n.ID]; ok {
			out.Nodes[i].CapabilityID = c
		}
	}
	return out
}

// TopoOrder returns node ids in dependency order using Kahn's algorithm.
// Among ready nodes the smallest id goes first, so the order is
// deterministic. Unknown dependencies are reported as errors.
func (d *TaskDAG) TopoOrder() ([]string, error) {
	indegree := make(map[string]int, len(d.Nodes))
	dependents := make(map[string][]string, len(d.Nodes))
	for _, n := range d.Nodes {
		if _, dup := indegree[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node %s", n.ID)
		}
		indegree[n.ID] = 0
	}
	for _, n := range d.Nodes {
		for _, dep := range n.DependsOn {
			if _, ok := indegree[dep]; !ok {
				return nil, fmt.Errorf("node %s depends on unknown node %s", n.ID, dep)
			}
			indegree[n.ID]++
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(d.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
				sort.Strings(ready)
			}
		}
	}
	if len(order) != len(d.Nodes) {
		return nil, ErrCycle
	}
	return order, nil
}
