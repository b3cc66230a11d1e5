//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

// Package graph provides a bulk-synchronous graph execution engine: named
// nodes communicate through reducer-governed state channels, execute in
// synchronized supersteps, and checkpoint their progress so a run can be
// paused, inspected, edited, and resumed.
package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/stepfn/stepflow/graph/internal/channel"
)

// Special node identifiers for routing.
const (
	// Start is the virtual node that feeds the entry point.
	Start = "__start__"
	// End is the virtual node that terminates a path.
	End = "__end__"
)

// NodeFunc is the single polymorphic action capability: every node body,
// whatever its original shape, is adapted to this signature at build time.
// It returns either a State delta or a *Command.
type NodeFunc func(ctx context.Context, state State) (any, error)

// ConditionalFunc routes execution after a node based on state.
type ConditionalFunc func(ctx context.Context, state State) (string, error)

// NodeCallbacks hook into a node's lifecycle inside a superstep.
type NodeCallbacks struct {
	BeforeNode func(ctx context.Context, nodeID string, state State)
	AfterNode  func(ctx context.Context, nodeID string, result any, err error)
}

// WriteEntry maps a node's raw return value onto a channel, optionally
// through a transformation.
type WriteEntry struct {
	Channel string
	Mapper  func(any) any
}

// Node is one unit of work in the graph. Wiring is fixed at compile time.
type Node struct {
	ID          string
	Name        string
	Description string
	Function    NodeFunc
	Tags        []string

	triggers      []string // channels whose update wakes this node
	reads         []string // channels visible to this node; empty means all
	writers       []WriteEntry
	retryPolicies []RetryPolicy
	cachePolicy   *CachePolicy
	callbacks     *NodeCallbacks

	// destinations declares dynamic routing targets for static validation.
	destinations map[string]string
}

// Edge is a static edge between two nodes.
type Edge struct {
	From string
	To   string
}

// ConditionalEdge routes from a node through a condition function.
type ConditionalEdge struct {
	From      string
	Condition ConditionalFunc
	PathMap   map[string]string
}

// Send dynamically dispatches one payload to one node in the next
// superstep, bypassing trigger matching. Fan-out is expressed as multiple
// Sends to the same node with distinct payloads.
type Send struct {
	Node string `json:"node"`
	Arg  any    `json:"arg"`
}

// Command is a node result that combines a state update with routing,
// overriding static edges for this step only.
type Command struct {
	Update    State
	GoTo      string
	Sends     []Send
	Resume    any
	ResumeMap map[string]any
}

// Graph is the compiled, immutable runtime structure. Build one with
// StateGraph and execute it with an Executor.
type Graph struct {
	mu               sync.RWMutex
	schema           *StateSchema
	nodes            map[string]*Node
	edges            map[string][]*Edge
	conditionalEdges map[string]*ConditionalEdge
	entryPoint       string

	channels       *channel.Manager
	triggerToNodes map[string][]string
}

// New creates an empty graph with the given state schema.
func New(schema *StateSchema) *Graph {
	if schema == nil {
		schema = NewStateSchema()
	}
	return &Graph{
		schema:           schema,
		nodes:            make(map[string]*Node),
		edges:            make(map[string][]*Edge),
		conditionalEdges: make(map[string]*ConditionalEdge),
		channels:         channel.NewManager(),
		triggerToNodes:   make(map[string][]string),
	}
}

// Node returns a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// NodeIDs returns the IDs of all nodes.
func (g *Graph) NodeIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		out = append(out, id)
	}
	return out
}

// Edges returns the outgoing static edges of a node.
func (g *Graph) Edges(nodeID string) []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[nodeID]
}

// ConditionalEdge returns the conditional edge leaving a node, if any.
func (g *Graph) ConditionalEdge(nodeID string) (*ConditionalEdge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.conditionalEdges[nodeID]
	return e, ok
}

// EntryPoint returns the entry node ID.
func (g *Graph) EntryPoint() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entryPoint
}

// Schema returns the state schema.
func (g *Graph) Schema() *StateSchema { return g.schema }

// TriggeredBy returns the nodes woken by an update to the named channel.
func (g *Graph) TriggeredBy(channelName string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.triggerToNodes[channelName]...)
}

func (g *Graph) addNode(node *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if node.ID == "" {
		return fmt.Errorf("node ID cannot be empty")
	}
	if node.ID == Start || node.ID == End {
		return fmt.Errorf("node ID %s is reserved", node.ID)
	}
	if _, exists := g.nodes[node.ID]; exists {
		return fmt.Errorf("node %s already exists", node.ID)
	}
	g.nodes[node.ID] = node
	return nil
}

func (g *Graph) addEdge(edge *Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if edge.From == "" || edge.To == "" {
		return fmt.Errorf("edge endpoints cannot be empty")
	}
	if edge.From != Start {
		if _, ok := g.nodes[edge.From]; !ok {
			return fmt.Errorf("source node %s does not exist", edge.From)
		}
	}
	if edge.To != End {
		if _, ok := g.nodes[edge.To]; !ok {
			return fmt.Errorf("target node %s does not exist", edge.To)
		}
	}
	g.edges[edge.From] = append(g.edges[edge.From], edge)
	return nil
}

func (g *Graph) addConditionalEdge(condEdge *ConditionalEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if condEdge.From == "" {
		return fmt.Errorf("conditional edge source cannot be empty")
	}
	if _, ok := g.nodes[condEdge.From]; !ok && condEdge.From != Start {
		return fmt.Errorf("source node %s does not exist", condEdge.From)
	}
	for _, to := range condEdge.PathMap {
		if to == End {
			continue
		}
		if _, ok := g.nodes[to]; !ok {
			return fmt.Errorf("conditional target node %s does not exist", to)
		}
	}
	g.conditionalEdges[condEdge.From] = condEdge
	return nil
}

func (g *Graph) setEntryPoint(nodeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if nodeID != "" {
		if _, ok := g.nodes[nodeID]; !ok {
			return fmt.Errorf("entry point node %s does not exist", nodeID)
		}
	}
	g.entryPoint = nodeID
	return nil
}

// triggerChannelName returns the routing channel that wakes a node.
func triggerChannelName(nodeID string) string {
	return ChannelBranchPrefix + nodeID
}

// buildChannels materializes the schema fields and the routing channels.
// Called once from Compile.
func (g *Graph) buildChannels() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for name, field := range g.schema.Fields {
		ch, err := channelForField(name, field)
		if err != nil {
			return err
		}
		g.channels.Add(ch)
	}

	// One ephemeral routing channel per node; the node triggers on it.
	for id, node := range g.nodes {
		trig := triggerChannelName(id)
		g.channels.Add(channel.New(trig, channel.BehaviorEphemeral))
		node.triggers = appendUnique(node.triggers, trig)
		for _, t := range node.triggers {
			g.triggerToNodes[t] = appendUnique(g.triggerToNodes[t], id)
		}
	}
	return nil
}

func channelForField(name string, field StateField) (*channel.Channel, error) {
	switch field.Kind {
	case KindDefault:
		if field.Reducer != nil {
			return channel.NewReducer(name, channel.ReducerFunc(field.Reducer)), nil
		}
		return channel.New(name, channel.BehaviorLastValue), nil
	case KindLastValue:
		return channel.New(name, channel.BehaviorLastValue), nil
	case KindTopic:
		return channel.New(name, channel.BehaviorTopic), nil
	case KindEphemeral:
		return channel.New(name, channel.BehaviorEphemeral), nil
	case KindUntracked:
		return channel.New(name, channel.BehaviorUntracked), nil
	case KindBarrier:
		return channel.NewBarrier(name, field.BarrierSources, false), nil
	case KindBarrierAfterFinish:
		return channel.NewBarrier(name, field.BarrierSources, true), nil
	}
	return nil, fmt.Errorf("field %s has unknown channel kind %d", name, field.Kind)
}

// validate checks the graph wiring. All configuration errors surface here
// or in Compile, never mid-run.
func (g *Graph) validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.entryPoint == "" {
		return fmt.Errorf("graph must have an entry point")
	}
	if _, ok := g.nodes[g.entryPoint]; !ok {
		return fmt.Errorf("entry point node %s does not exist", g.entryPoint)
	}
	if err := g.schema.validateFields(); err != nil {
		return err
	}
	for _, n := range g.nodes {
		for to := range n.destinations {
			if to == End {
				continue
			}
			if _, ok := g.nodes[to]; !ok {
				return fmt.Errorf("node %s declares destination %s which does not exist", n.ID, to)
			}
		}
		for _, w := range n.writers {
			if _, ok := g.schema.Fields[w.Channel]; !ok {
				return fmt.Errorf("node %s writes to undeclared channel %s", n.ID, w.Channel)
			}
		}
	}
	// Barrier sources must be real nodes; anything else could never arrive.
	for name, field := range g.schema.Fields {
		for _, src := range field.BarrierSources {
			if _, ok := g.nodes[src]; !ok {
				return fmt.Errorf("barrier field %s waits on unknown node %s", name, src)
			}
		}
	}
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
