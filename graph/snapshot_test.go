//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

package graph_test

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stepfn/stepflow/graph"
)

func buildTwoStepGraph(t *testing.T) *graph.Graph {
	t.Helper()
	schema := graph.NewStateSchema().
		AddField("value", graph.StateField{Type: reflect.TypeOf("")})
	return graph.NewStateGraph(schema).
		AddNode("first", func(ctx context.Context, state graph.State) (any, error) {
			return graph.State{"value": state["value"].(string) + ":first"}, nil
		}).
		AddNode("second", func(ctx context.Context, state graph.State) (any, error) {
			return graph.State{"value": state["value"].(string) + ":second"}, nil
		}).
		AddEdge(graph.Start, "first").
		AddEdge("first", "second").
		SetFinishPoint("second").
		MustCompile()
}

func TestGetStateReturnsLatest(t *testing.T) {
	exec := newPausableExecutor(t, buildTwoStepGraph(t))
	ctx := context.Background()

	_, err := exec.Invoke(ctx, graph.State{"value": "seed"}, graph.WithThreadID("t1"))
	require.NoError(t, err)

	snap, err := exec.GetState(ctx, graph.CreateCheckpointConfig("t1", "", ""))
	require.NoError(t, err)
	require.Equal(t, "seed:first:second", snap.Values["value"])
	require.Empty(t, snap.Next)
	require.Nil(t, snap.Interrupt)
	require.NotNil(t, snap.Metadata)
}

func TestGetStateUnknownThread(t *testing.T) {
	exec := newPausableExecutor(t, buildTwoStepGraph(t))

	_, err := exec.GetState(context.Background(), graph.CreateCheckpointConfig("missing", "", ""))
	require.ErrorIs(t, err, graph.ErrCheckpointNotFound)
}

func TestGetStateRequiresThreadID(t *testing.T) {
	exec := newPausableExecutor(t, buildTwoStepGraph(t))

	_, err := exec.GetState(context.Background(), map[string]any{})
	require.ErrorIs(t, err, graph.ErrThreadIDRequired)
}

func TestGetStateHistoryNewestFirst(t *testing.T) {
	exec := newPausableExecutor(t, buildTwoStepGraph(t))
	ctx := context.Background()

	_, err := exec.Invoke(ctx, graph.State{"value": "seed"}, graph.WithThreadID("t1"))
	require.NoError(t, err)

	history, err := exec.GetStateHistory(ctx, graph.CreateCheckpointConfig("t1", "", ""), nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(history), 3)
	for i := 1; i < len(history); i++ {
		require.False(t, history[i].CreatedAt.After(history[i-1].CreatedAt))
	}
	// The newest snapshot is the finished state, the oldest the input.
	require.Equal(t, "seed:first:second", history[0].Values["value"])
	require.Equal(t, "seed", history[len(history)-1].Values["value"])
}

func TestUpdateStateForksAndResumes(t *testing.T) {
	exec := newPausableExecutor(t, buildTwoStepGraph(t))
	ctx := context.Background()

	_, err := exec.Invoke(ctx, graph.State{"value": "seed"}, graph.WithThreadID("t1"))
	require.NoError(t, err)

	// Rewrite the value as if "first" had produced it. Its successor is
	// armed, so the next run re-executes "second" on the patched value.
	newConfig, err := exec.UpdateState(ctx, graph.CreateCheckpointConfig("t1", "", ""),
		graph.State{"value": "patched"}, "first")
	require.NoError(t, err)

	snap, err := exec.GetState(ctx, newConfig)
	require.NoError(t, err)
	require.Equal(t, "patched", snap.Values["value"])
	require.Contains(t, snap.Next, "second")
	require.Equal(t, graph.CheckpointSourceUpdate, snap.Metadata.Source)

	final, err := exec.Invoke(ctx, nil, graph.WithThreadID("t1"))
	require.NoError(t, err)
	require.Equal(t, "patched:second", final["value"])
}

func TestUpdateStateEvaluatesConditionalRoute(t *testing.T) {
	schema := graph.NewStateSchema().
		AddField("value", graph.StateField{Type: reflect.TypeOf("")})
	g := graph.NewStateGraph(schema).
		AddNode("router", func(ctx context.Context, state graph.State) (any, error) {
			return nil, nil
		}).
		AddNode("upper", func(ctx context.Context, state graph.State) (any, error) {
			return graph.State{"value": strings.ToUpper(state["value"].(string))}, nil
		}).
		AddNode("lower", func(ctx context.Context, state graph.State) (any, error) {
			return graph.State{"value": strings.ToLower(state["value"].(string))}, nil
		}).
		AddEdge(graph.Start, "router").
		AddConditionalEdges("router", func(ctx context.Context, state graph.State) (string, error) {
			v, _ := state["value"].(string)
			if strings.HasPrefix(v, "shout") {
				return "up", nil
			}
			return "down", nil
		}, map[string]string{"up": "upper", "down": "lower"}).
		SetFinishPoint("upper").
		SetFinishPoint("lower").
		MustCompile()
	exec := newPausableExecutor(t, g)
	ctx := context.Background()

	_, err := exec.Invoke(ctx, graph.State{"value": "Mixed"}, graph.WithThreadID("t1"))
	require.NoError(t, err)

	// The edit re-routes through the conditional edge: the condition runs
	// against the patched value and arms the branch it picks.
	newConfig, err := exec.UpdateState(ctx, graph.CreateCheckpointConfig("t1", "", ""),
		graph.State{"value": "shout now"}, "router")
	require.NoError(t, err)

	snap, err := exec.GetState(ctx, newConfig)
	require.NoError(t, err)
	require.Equal(t, []string{"upper"}, snap.Next)

	final, err := exec.Invoke(ctx, nil, graph.WithThreadID("t1"))
	require.NoError(t, err)
	require.Equal(t, "SHOUT NOW", final["value"])
}

func TestUpdateStateRejectsUnknownNode(t *testing.T) {
	exec := newPausableExecutor(t, buildTwoStepGraph(t))

	_, err := exec.UpdateState(context.Background(),
		graph.CreateCheckpointConfig("t1", "", ""), graph.State{"value": "x"}, "nope")
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not exist")
}

func TestUpdateStateRejectsUndeclaredChannel(t *testing.T) {
	exec := newPausableExecutor(t, buildTwoStepGraph(t))

	_, err := exec.UpdateState(context.Background(),
		graph.CreateCheckpointConfig("t1", "", ""), graph.State{"bogus": 1}, "")
	require.Error(t, err)
	require.True(t, graph.IsInvalidUpdate(err))
}

func TestUpdateStateAppliesReducer(t *testing.T) {
	schema := graph.NewStateSchema().
		AddField("logs", graph.StateField{Type: reflect.TypeOf([]any{}), Kind: graph.KindTopic})
	g := graph.NewStateGraph(schema).
		AddNode("emit", func(ctx context.Context, state graph.State) (any, error) {
			return graph.State{"logs": "a"}, nil
		}).
		AddEdge(graph.Start, "emit").
		SetFinishPoint("emit").
		MustCompile()
	exec := newPausableExecutor(t, g)
	ctx := context.Background()

	_, err := exec.Invoke(ctx, graph.State{}, graph.WithThreadID("t1"))
	require.NoError(t, err)

	newConfig, err := exec.UpdateState(ctx, graph.CreateCheckpointConfig("t1", "", ""),
		graph.State{"logs": "b"}, "")
	require.NoError(t, err)

	snap, err := exec.GetState(ctx, newConfig)
	require.NoError(t, err)
	require.Equal(t, []any{"a", "b"}, snap.Values["logs"])
}
