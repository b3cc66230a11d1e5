//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

package graph_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stepfn/stepflow/graph"
	"github.com/stepfn/stepflow/graph/checkpoint/inmemory"
)

// countingSaver counts Put calls on its way to the wrapped saver.
type countingSaver struct {
	graph.CheckpointSaver
	puts atomic.Int32
}

func (s *countingSaver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	s.puts.Add(1)
	return s.CheckpointSaver.Put(ctx, req)
}

func newCountingSaver() *countingSaver {
	return &countingSaver{CheckpointSaver: inmemory.NewSaver()}
}

func TestDurabilitySyncCheckpointsEveryStep(t *testing.T) {
	saver := newCountingSaver()
	g := buildTwoStepGraph(t)
	exec, err := graph.NewExecutor(g, graph.WithCheckpointSaver(saver))
	require.NoError(t, err)
	t.Cleanup(exec.Close)
	ctx := context.Background()

	_, err = exec.Invoke(ctx, graph.State{"value": "seed"}, graph.WithThreadID("t1"))
	require.NoError(t, err)

	// One input checkpoint plus one per committed step, all before return.
	require.Equal(t, int32(3), saver.puts.Load())

	history, err := exec.GetStateHistory(ctx, graph.CreateCheckpointConfig("t1", "", ""), nil)
	require.NoError(t, err)
	require.Len(t, history, 3)
}

func TestDurabilityExitCheckpointsOnce(t *testing.T) {
	saver := newCountingSaver()
	g := buildTwoStepGraph(t)
	exec, err := graph.NewExecutor(g, graph.WithCheckpointSaver(saver))
	require.NoError(t, err)
	t.Cleanup(exec.Close)
	ctx := context.Background()

	_, err = exec.Invoke(ctx, graph.State{"value": "seed"},
		graph.WithThreadID("t1"),
		graph.WithRunDurability(graph.DurabilityExit))
	require.NoError(t, err)

	// The input checkpoint and one final checkpoint, nothing per step.
	require.Equal(t, int32(2), saver.puts.Load())

	snap, err := exec.GetState(ctx, graph.CreateCheckpointConfig("t1", "", ""))
	require.NoError(t, err)
	require.Equal(t, "seed:first:second", snap.Values["value"])
	require.Equal(t, graph.CheckpointSourceLoop, snap.Metadata.Source)
}

func TestDurabilityAsyncEventuallyPersists(t *testing.T) {
	saver := newCountingSaver()
	g := buildTwoStepGraph(t)
	exec, err := graph.NewExecutor(g, graph.WithCheckpointSaver(saver))
	require.NoError(t, err)
	t.Cleanup(exec.Close)
	ctx := context.Background()

	_, err = exec.Invoke(ctx, graph.State{"value": "seed"},
		graph.WithThreadID("t1"),
		graph.WithRunDurability(graph.DurabilityAsync))
	require.NoError(t, err)

	// Step checkpoints land in the background.
	require.Eventually(t, func() bool {
		return saver.puts.Load() == 3
	}, 2*time.Second, 10*time.Millisecond)

	snap, err := exec.GetState(ctx, graph.CreateCheckpointConfig("t1", "", ""))
	require.NoError(t, err)
	require.Equal(t, "seed:first:second", snap.Values["value"])
}

func TestExecutorDurabilityDefault(t *testing.T) {
	saver := newCountingSaver()
	g := buildTwoStepGraph(t)
	exec, err := graph.NewExecutor(g,
		graph.WithCheckpointSaver(saver),
		graph.WithDurability(graph.DurabilityExit))
	require.NoError(t, err)
	t.Cleanup(exec.Close)

	_, err = exec.Invoke(context.Background(), graph.State{"value": "seed"},
		graph.WithThreadID("t1"))
	require.NoError(t, err)
	require.Equal(t, int32(2), saver.puts.Load())
}
