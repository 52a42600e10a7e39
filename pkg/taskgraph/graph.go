// Package taskgraph runs acyclic graphs of dependent tasks.
//
// A Graph is built once, submitted once and evaluated toward a target node.
// Each node receives the results of its dependencies in declaration order.
// The only synchronization point exposed to callers is Handle.Result.
package taskgraph

import (
	"context"
	"errors"
	"fmt"
)

// NodeID identifies a node within its Graph.
type NodeID int

// Func computes a node from the results of its dependencies.
type Func func(ctx context.Context, deps []any) (any, error)

// ErrInvalidGraph indicates a graph or target that cannot be evaluated.
var ErrInvalidGraph = errors.New("invalid task graph")

type node struct {
	fn   Func
	deps []NodeID
}

// Graph is an append-only DAG. Dependencies must be added before their
// dependents, which rules out cycles by construction.
type Graph struct {
	nodes []node
	err   error
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{}
}

// Add appends a node depending on deps and returns its ID.
func (g *Graph) Add(fn Func, deps ...NodeID) NodeID {
	id := NodeID(len(g.nodes))
	for _, d := range deps {
		if d < 0 || d >= id {
			if g.err == nil {
				g.err = fmt.Errorf("%w: node %d depends on unknown node %d", ErrInvalidGraph, id, d)
			}
		}
	}
	if fn == nil && g.err == nil {
		g.err = fmt.Errorf("%w: node %d has no function", ErrInvalidGraph, id)
	}
	g.nodes = append(g.nodes, node{fn: fn, deps: append([]NodeID(nil), deps...)})
	return id
}

// Len returns the node count.
func (g *Graph) Len() int { return len(g.nodes) }

// closure returns the nodes needed to compute target, in ascending order.
func (g *Graph) closure(target NodeID) ([]NodeID, error) {
	if g.err != nil {
		return nil, g.err
	}
	if target < 0 || int(target) >= len(g.nodes) {
		return nil, fmt.Errorf("%w: target %d out of range", ErrInvalidGraph, target)
	}
	need := make([]bool, len(g.nodes))
	need[target] = true
	for id := target; id >= 0; id-- {
		if !need[id] {
			continue
		}
		for _, d := range g.nodes[id].deps {
			need[d] = true
		}
	}
	var out []NodeID
	for id, ok := range need {
		if ok {
			out = append(out, NodeID(id))
		}
	}
	return out, nil
}

// Handle refers to a submitted graph.
type Handle interface {
	ID() string
	// Result blocks until the target completes or ctx ends.
	Result(ctx context.Context) (any, error)
}

// Client executes graphs.
type Client interface {
	Submit(ctx context.Context, g *Graph, target NodeID) (Handle, error)
	// DashboardLink returns the monitoring URL, or "" if there is none.
	DashboardLink() string
	Close() error
}
