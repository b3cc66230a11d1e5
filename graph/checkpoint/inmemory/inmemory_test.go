//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

package inmemory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stepfn/stepflow/graph"
	"github.com/stepfn/stepflow/graph/internal/channel"
)

func newTestCheckpoint(step int) *graph.Checkpoint {
	channels := map[string]channel.Snapshot{
		"counter": {Value: step, HasValue: true, Version: int64(step)},
	}
	versions := map[string]int64{"counter": int64(step)}
	return graph.NewCheckpoint(channels, versions)
}

func TestSaverPutAndGet(t *testing.T) {
	saver := NewSaver()
	defer saver.Close()
	ctx := context.Background()

	cfg := graph.CreateCheckpointConfig("thread-1", "", "")
	ckpt := newTestCheckpoint(0)
	updated, err := saver.Put(ctx, graph.PutRequest{
		Config:     cfg,
		Checkpoint: ckpt,
		Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceInput, 0),
	})
	require.NoError(t, err)
	require.Equal(t, ckpt.ID, graph.GetCheckpointID(updated))

	// Latest without an explicit ID.
	tuple, err := saver.GetTuple(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	require.Equal(t, ckpt.ID, tuple.Checkpoint.ID)

	// Direct lookup by ID.
	tuple, err = saver.GetTuple(ctx, updated)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	require.Equal(t, ckpt.ID, tuple.Checkpoint.ID)

	// The stored checkpoint is isolated from caller mutation.
	ckpt.ChannelVersions["counter"] = 99
	tuple, err = saver.GetTuple(ctx, updated)
	require.NoError(t, err)
	require.Equal(t, int64(0), tuple.Checkpoint.ChannelVersions["counter"])
}

func TestSaverRequiresThreadID(t *testing.T) {
	saver := NewSaver()
	defer saver.Close()
	ctx := context.Background()

	_, err := saver.GetTuple(ctx, map[string]any{})
	require.ErrorIs(t, err, graph.ErrThreadIDRequired)

	_, err = saver.Put(ctx, graph.PutRequest{
		Config:     map[string]any{},
		Checkpoint: newTestCheckpoint(0),
	})
	require.ErrorIs(t, err, graph.ErrThreadIDRequired)
}

func TestSaverGetMissing(t *testing.T) {
	saver := NewSaver()
	defer saver.Close()
	ctx := context.Background()

	tuple, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("ghost", "", ""))
	require.NoError(t, err)
	require.Nil(t, tuple)
}

func TestSaverLatestAcrossPuts(t *testing.T) {
	saver := NewSaver()
	defer saver.Close()
	ctx := context.Background()
	cfg := graph.CreateCheckpointConfig("thread-1", "", "")

	var last string
	for step := 0; step < 3; step++ {
		ckpt := newTestCheckpoint(step)
		_, err := saver.Put(ctx, graph.PutRequest{
			Config:     cfg,
			Checkpoint: ckpt,
			Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, step),
		})
		require.NoError(t, err)
		last = ckpt.ID
	}

	tuple, err := saver.GetTuple(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, last, tuple.Checkpoint.ID)
}

func TestSaverListOrderAndFilters(t *testing.T) {
	saver := NewSaver()
	defer saver.Close()
	ctx := context.Background()
	cfg := graph.CreateCheckpointConfig("thread-1", "", "")

	ids := make([]string, 0, 4)
	for step := 0; step < 4; step++ {
		ckpt := newTestCheckpoint(step)
		source := graph.CheckpointSourceLoop
		if step == 0 {
			source = graph.CheckpointSourceInput
		}
		_, err := saver.Put(ctx, graph.PutRequest{
			Config:     cfg,
			Checkpoint: ckpt,
			Metadata:   graph.NewCheckpointMetadata(source, step),
		})
		require.NoError(t, err)
		ids = append(ids, ckpt.ID)
	}

	tuples, err := saver.List(ctx, cfg, nil)
	require.NoError(t, err)
	require.Len(t, tuples, 4)
	for i, tuple := range tuples {
		require.Equal(t, ids[len(ids)-1-i], tuple.Checkpoint.ID)
	}

	// Limit keeps the newest entries.
	tuples, err = saver.List(ctx, cfg, &graph.CheckpointFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	require.Equal(t, ids[3], tuples[0].Checkpoint.ID)

	// Before excludes the reference checkpoint and anything newer.
	before := graph.CreateCheckpointConfig("thread-1", ids[2], "")
	tuples, err = saver.List(ctx, cfg, &graph.CheckpointFilter{Before: before})
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	require.Equal(t, ids[1], tuples[0].Checkpoint.ID)

	// Metadata filter on source.
	tuples, err = saver.List(ctx, cfg, &graph.CheckpointFilter{
		Metadata: map[string]any{"source": graph.CheckpointSourceInput},
	})
	require.NoError(t, err)
	require.Len(t, tuples, 1)
	require.Equal(t, ids[0], tuples[0].Checkpoint.ID)
}

func TestSaverPendingWrites(t *testing.T) {
	saver := NewSaver()
	defer saver.Close()
	ctx := context.Background()
	cfg := graph.CreateCheckpointConfig("thread-1", "", "")

	ckpt := newTestCheckpoint(0)
	updated, err := saver.Put(ctx, graph.PutRequest{
		Config:     cfg,
		Checkpoint: ckpt,
		Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, 0),
	})
	require.NoError(t, err)

	writes := []graph.PendingWrite{
		{TaskID: "worker:0:0", Channel: "counter", Value: 1, Sequence: 0},
		{TaskID: "worker:0:0", Channel: "log", Value: "done", Sequence: 1},
	}
	require.NoError(t, saver.PutWrites(ctx, graph.PutWritesRequest{
		Config: updated,
		Writes: writes,
		TaskID: "worker:0:0",
	}))

	tuple, err := saver.GetTuple(ctx, updated)
	require.NoError(t, err)
	require.Equal(t, writes, tuple.PendingWrites)
}

func TestSaverPutFull(t *testing.T) {
	saver := NewSaver()
	defer saver.Close()
	ctx := context.Background()
	cfg := graph.CreateCheckpointConfig("thread-1", "", "")

	parent := newTestCheckpoint(0)
	parentCfg, err := saver.Put(ctx, graph.PutRequest{
		Config:     cfg,
		Checkpoint: parent,
		Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceInput, 0),
	})
	require.NoError(t, err)

	child := newTestCheckpoint(1)
	child.ParentCheckpointID = parent.ID
	childCfg, err := saver.PutFull(ctx, graph.PutFullRequest{
		Config:     cfg,
		Checkpoint: child,
		Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceInterrupt, 1),
		PendingWrites: []graph.PendingWrite{
			{TaskID: "worker:1:0", Channel: "counter", Value: 2},
		},
	})
	require.NoError(t, err)

	tuple, err := saver.GetTuple(ctx, childCfg)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 1)
	require.NotNil(t, tuple.ParentConfig)
	require.Equal(t, graph.GetCheckpointID(parentCfg), graph.GetCheckpointID(tuple.ParentConfig))
}

func TestSaverEviction(t *testing.T) {
	saver := NewSaver().WithMaxCheckpointsPerThread(2)
	defer saver.Close()
	ctx := context.Background()
	cfg := graph.CreateCheckpointConfig("thread-1", "", "")

	ids := make([]string, 0, 3)
	for step := 0; step < 3; step++ {
		ckpt := newTestCheckpoint(step)
		_, err := saver.Put(ctx, graph.PutRequest{
			Config:     cfg,
			Checkpoint: ckpt,
			Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, step),
		})
		require.NoError(t, err)
		ids = append(ids, ckpt.ID)
	}

	tuples, err := saver.List(ctx, cfg, nil)
	require.NoError(t, err)
	require.Len(t, tuples, 2)

	// The oldest checkpoint is gone.
	gone, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("thread-1", ids[0], ""))
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestSaverDeleteThread(t *testing.T) {
	saver := NewSaver()
	defer saver.Close()
	ctx := context.Background()

	for _, thread := range []string{"alpha", "beta"} {
		cfg := graph.CreateCheckpointConfig(thread, "", "")
		_, err := saver.Put(ctx, graph.PutRequest{
			Config:     cfg,
			Checkpoint: newTestCheckpoint(0),
			Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceInput, 0),
		})
		require.NoError(t, err)
	}

	require.NoError(t, saver.DeleteThread(ctx, "alpha"))

	tuple, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("alpha", "", ""))
	require.NoError(t, err)
	require.Nil(t, tuple)

	tuple, err = saver.GetTuple(ctx, graph.CreateCheckpointConfig("beta", "", ""))
	require.NoError(t, err)
	require.NotNil(t, tuple)
}
