//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

package graph

import "fmt"

// StateGraph builds a Graph incrementally. Calls chain; the first error is
// latched and returned by Compile so call sites stay linear.
type StateGraph struct {
	graph *Graph
	err   error
}

// NewStateGraph creates a builder over the given schema.
func NewStateGraph(schema *StateSchema) *StateGraph {
	return &StateGraph{graph: New(schema)}
}

// NodeOption configures a node at build time.
type NodeOption func(*Node)

// WithName sets a display name for the node.
func WithName(name string) NodeOption {
	return func(n *Node) { n.Name = name }
}

// WithDescription sets a human-readable description.
func WithDescription(desc string) NodeOption {
	return func(n *Node) { n.Description = desc }
}

// WithTags attaches free-form tags to the node.
func WithTags(tags ...string) NodeOption {
	return func(n *Node) { n.Tags = append(n.Tags, tags...) }
}

// WithRetryPolicy appends retry policies for the node. Policies are
// consulted in order; the first whose condition matches a failure governs
// the retry decision.
func WithRetryPolicy(policies ...RetryPolicy) NodeOption {
	return func(n *Node) { n.retryPolicies = append(n.retryPolicies, policies...) }
}

// WithCachePolicy enables result caching for the node.
func WithCachePolicy(policy *CachePolicy) NodeOption {
	return func(n *Node) { n.cachePolicy = policy }
}

// WithNodeCallbacks registers lifecycle callbacks for the node.
func WithNodeCallbacks(cb *NodeCallbacks) NodeOption {
	return func(n *Node) { n.callbacks = cb }
}

// WithDestinations declares the targets a node may route to dynamically
// via Command or Send, so they can be validated at compile time. The map
// value is an optional label for visualization.
func WithDestinations(dests map[string]string) NodeOption {
	return func(n *Node) { n.destinations = dests }
}

// WithTriggerChannels subscribes the node to updates of the named state
// channels, in addition to its own routing channel.
func WithTriggerChannels(channels ...string) NodeOption {
	return func(n *Node) {
		for _, c := range channels {
			n.triggers = appendUnique(n.triggers, c)
		}
	}
}

// WithReadChannels restricts the state keys visible to the node. By
// default a node sees the full state.
func WithReadChannels(channels ...string) NodeOption {
	return func(n *Node) {
		for _, c := range channels {
			n.reads = appendUnique(n.reads, c)
		}
	}
}

// WithWriteEntry maps the node's return value onto a channel through an
// optional transformation, replacing the default key-by-key state merge.
func WithWriteEntry(channelName string, mapper func(any) any) NodeOption {
	return func(n *Node) {
		n.writers = append(n.writers, WriteEntry{Channel: channelName, Mapper: mapper})
	}
}

// AddNode adds a node with the given ID and function.
func (sg *StateGraph) AddNode(id string, fn NodeFunc, opts ...NodeOption) *StateGraph {
	if sg.err != nil {
		return sg
	}
	if fn == nil {
		sg.err = fmt.Errorf("node %s has no function", id)
		return sg
	}
	node := &Node{ID: id, Name: id, Function: fn}
	for _, opt := range opts {
		opt(node)
	}
	sg.err = sg.graph.addNode(node)
	return sg
}

// AddEdge adds a static edge from one node to another.
func (sg *StateGraph) AddEdge(from, to string) *StateGraph {
	if sg.err != nil {
		return sg
	}
	if from == Start {
		sg.err = sg.graph.setEntryPoint(to)
		return sg
	}
	sg.err = sg.graph.addEdge(&Edge{From: from, To: to})
	return sg
}

// AddConditionalEdges routes from a node through a condition function.
// PathMap translates the condition's return value to a node ID; a nil
// pathMap uses the return value directly.
func (sg *StateGraph) AddConditionalEdges(from string, condition ConditionalFunc, pathMap map[string]string) *StateGraph {
	if sg.err != nil {
		return sg
	}
	if condition == nil {
		sg.err = fmt.Errorf("conditional edge from %s has no condition", from)
		return sg
	}
	sg.err = sg.graph.addConditionalEdge(&ConditionalEdge{
		From:      from,
		Condition: condition,
		PathMap:   pathMap,
	})
	return sg
}

// SetEntryPoint marks the node that receives the initial input.
func (sg *StateGraph) SetEntryPoint(nodeID string) *StateGraph {
	if sg.err != nil {
		return sg
	}
	sg.err = sg.graph.setEntryPoint(nodeID)
	return sg
}

// SetFinishPoint adds an edge from the node to End.
func (sg *StateGraph) SetFinishPoint(nodeID string) *StateGraph {
	if sg.err != nil {
		return sg
	}
	sg.err = sg.graph.addEdge(&Edge{From: nodeID, To: End})
	return sg
}

// Compile validates the wiring and materializes the channels. The
// returned Graph is immutable.
func (sg *StateGraph) Compile() (*Graph, error) {
	if sg.err != nil {
		return nil, sg.err
	}
	if err := sg.graph.validate(); err != nil {
		return nil, err
	}
	if err := sg.graph.buildChannels(); err != nil {
		return nil, err
	}
	return sg.graph, nil
}

// MustCompile is Compile that panics on error, for static graphs built at
// program start.
func (sg *StateGraph) MustCompile() *Graph {
	g, err := sg.Compile()
	if err != nil {
		panic(err)
	}
	return g
}
