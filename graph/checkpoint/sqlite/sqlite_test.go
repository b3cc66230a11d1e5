//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/stepfn/stepflow/graph"
	"github.com/stepfn/stepflow/graph/internal/channel"
)

func newTestSaver(t *testing.T) *Saver {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	saver, err := NewSaver(db)
	require.NoError(t, err)
	t.Cleanup(func() { saver.Close() })
	return saver
}

func newTestCheckpoint(step int) *graph.Checkpoint {
	channels := map[string]channel.Snapshot{
		"counter": {Value: float64(step), HasValue: true, Version: int64(step)},
	}
	return graph.NewCheckpoint(channels, map[string]int64{"counter": int64(step)})
}

func TestSaverRejectsNilDB(t *testing.T) {
	_, err := NewSaver(nil)
	require.Error(t, err)
}

func TestSaverPutAndGetTuple(t *testing.T) {
	saver := newTestSaver(t)
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

	// Latest without an ID, then direct lookup.
	tuple, err := saver.GetTuple(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	require.Equal(t, ckpt.ID, tuple.Checkpoint.ID)
	require.Equal(t, graph.CheckpointSourceInput, tuple.Metadata.Source)

	tuple, err = saver.GetTuple(ctx, updated)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	require.Equal(t, int64(0), tuple.Checkpoint.ChannelVersions["counter"])

	// Channel values survive the JSON round trip.
	snap, ok := tuple.Checkpoint.Channels["counter"]
	require.True(t, ok)
	require.True(t, snap.HasValue)
	require.Equal(t, float64(0), snap.Value)
}

func TestSaverGetMissing(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()

	tuple, err := saver.GetTuple(ctx, graph.CreateCheckpointConfig("ghost", "", ""))
	require.NoError(t, err)
	require.Nil(t, tuple)

	_, err = saver.GetTuple(ctx, map[string]any{})
	require.ErrorIs(t, err, graph.ErrThreadIDRequired)
}

func TestSaverLatestOrdering(t *testing.T) {
	saver := newTestSaver(t)
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

func TestSaverListFilters(t *testing.T) {
	saver := newTestSaver(t)
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
	require.Equal(t, ids[3], tuples[0].Checkpoint.ID)
	require.Equal(t, ids[0], tuples[3].Checkpoint.ID)

	tuples, err = saver.List(ctx, cfg, &graph.CheckpointFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	require.Equal(t, ids[3], tuples[0].Checkpoint.ID)

	before := graph.CreateCheckpointConfig("thread-1", ids[2], "")
	tuples, err = saver.List(ctx, cfg, &graph.CheckpointFilter{Before: before})
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	require.Equal(t, ids[1], tuples[0].Checkpoint.ID)

	tuples, err = saver.List(ctx, cfg, &graph.CheckpointFilter{
		Metadata: map[string]any{"source": graph.CheckpointSourceInput},
	})
	require.NoError(t, err)
	require.Len(t, tuples, 1)
	require.Equal(t, ids[0], tuples[0].Checkpoint.ID)
}

func TestSaverWrites(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()
	cfg := graph.CreateCheckpointConfig("thread-1", "", "")

	ckpt := newTestCheckpoint(0)
	updated, err := saver.Put(ctx, graph.PutRequest{
		Config:     cfg,
		Checkpoint: ckpt,
		Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, 0),
	})
	require.NoError(t, err)

	require.NoError(t, saver.PutWrites(ctx, graph.PutWritesRequest{
		Config: updated,
		Writes: []graph.PendingWrite{
			{TaskID: "worker:0:0", Channel: "counter", Value: float64(7), Sequence: 0},
			{TaskID: "worker:0:0", Channel: "log", Value: "done", Sequence: 1},
		},
		TaskID: "worker:0:0",
	}))

	tuple, err := saver.GetTuple(ctx, updated)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 2)
	require.Equal(t, "counter", tuple.PendingWrites[0].Channel)
	require.Equal(t, float64(7), tuple.PendingWrites[0].Value)
	require.Equal(t, "done", tuple.PendingWrites[1].Value)
}

func TestSaverPutFull(t *testing.T) {
	saver := newTestSaver(t)
	ctx := context.Background()
	cfg := graph.CreateCheckpointConfig("thread-1", "", "")

	parent := newTestCheckpoint(0)
	_, err := saver.Put(ctx, graph.PutRequest{
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
			{TaskID: "worker:1:0", Channel: "counter", Value: float64(2), Sequence: 3},
		},
	})
	require.NoError(t, err)

	tuple, err := saver.GetTuple(ctx, childCfg)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 1)
	require.Equal(t, int64(3), tuple.PendingWrites[0].Sequence)
	require.NotNil(t, tuple.ParentConfig)
	require.Equal(t, parent.ID, graph.GetCheckpointID(tuple.ParentConfig))
}

func TestSaverDeleteThread(t *testing.T) {
	saver := newTestSaver(t)
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
