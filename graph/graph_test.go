//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

package graph

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
)

func noopNode(ctx context.Context, state State) (any, error) { return nil, nil }

func TestCompileRequiresEntryPoint(t *testing.T) {
	_, err := NewStateGraph(testSchema()).
		AddNode("a", noopNode).
		Compile()
	require.Error(t, err)
	require.Contains(t, err.Error(), "entry point")
}

func TestCompileSimpleGraph(t *testing.T) {
	g, err := NewStateGraph(testSchema()).
		AddNode("a", noopNode).
		AddNode("b", noopNode).
		AddEdge(Start, "a").
		AddEdge("a", "b").
		SetFinishPoint("b").
		Compile()
	require.NoError(t, err)
	require.Equal(t, "a", g.EntryPoint())

	_, ok := g.Node("a")
	require.True(t, ok)
	_, ok = g.Node("missing")
	require.False(t, ok)
	require.ElementsMatch(t, []string{"a", "b"}, g.NodeIDs())
}

func TestAddNodeRejectsDuplicates(t *testing.T) {
	_, err := NewStateGraph(testSchema()).
		AddNode("a", noopNode).
		AddNode("a", noopNode).
		AddEdge(Start, "a").
		Compile()
	require.Error(t, err)
}

func TestAddEdgeRejectsUnknownNodes(t *testing.T) {
	_, err := NewStateGraph(testSchema()).
		AddNode("a", noopNode).
		AddEdge(Start, "a").
		AddEdge("a", "ghost").
		Compile()
	require.Error(t, err)
}

func TestCompileRejectsUnknownDestination(t *testing.T) {
	_, err := NewStateGraph(testSchema()).
		AddNode("a", noopNode, WithDestinations(map[string]string{"ghost": ""})).
		AddEdge(Start, "a").
		Compile()
	require.Error(t, err)
	require.Contains(t, err.Error(), "destination")
}

func TestCompileRejectsUndeclaredWriter(t *testing.T) {
	_, err := NewStateGraph(testSchema()).
		AddNode("a", noopNode, WithWriteEntry("ghost_channel", nil)).
		AddEdge(Start, "a").
		Compile()
	require.Error(t, err)
	require.Contains(t, err.Error(), "undeclared channel")
}

func TestCompileRejectsUnknownBarrierSource(t *testing.T) {
	schema := testSchema().
		AddField("gate", StateField{
			Type:           reflect.TypeOf([]string{}),
			Kind:           KindBarrier,
			BarrierSources: []string{"ghost"},
		})
	_, err := NewStateGraph(schema).
		AddNode("a", noopNode).
		AddEdge(Start, "a").
		Compile()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown node")
}

func TestBuilderErrorLatches(t *testing.T) {
	sg := NewStateGraph(testSchema()).
		AddEdge("ghost", "also-ghost").
		AddNode("a", noopNode).
		AddEdge(Start, "a")
	_, err := sg.Compile()
	require.Error(t, err)
}

func TestMustCompilePanicsOnError(t *testing.T) {
	require.Panics(t, func() {
		NewStateGraph(testSchema()).MustCompile()
	})
}

func TestNodeOptionsApplied(t *testing.T) {
	g := NewStateGraph(testSchema()).
		AddNode("a", noopNode,
			WithName("Worker"),
			WithDescription("does the work"),
			WithTags("core", "worker")).
		AddEdge(Start, "a").
		SetFinishPoint("a").
		MustCompile()

	n, ok := g.Node("a")
	require.True(t, ok)
	require.Equal(t, "Worker", n.Name)
	require.Equal(t, "does the work", n.Description)
	require.Equal(t, []string{"core", "worker"}, n.Tags)
}

func TestTriggerChannelMapping(t *testing.T) {
	g := NewStateGraph(testSchema()).
		AddNode("a", noopNode).
		AddNode("b", noopNode, WithTriggerChannels("value")).
		AddEdge(Start, "a").
		AddEdge("a", "b").
		SetFinishPoint("b").
		MustCompile()

	require.Equal(t, []string{"a"}, g.TriggeredBy(triggerChannelName("a")))
	require.Equal(t, []string{"b"}, g.TriggeredBy("value"))
	require.Empty(t, g.TriggeredBy("logs"))
}
