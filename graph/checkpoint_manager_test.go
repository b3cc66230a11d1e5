//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

package graph_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stepfn/stepflow/graph"
	"github.com/stepfn/stepflow/graph/checkpoint/inmemory"
	"github.com/stepfn/stepflow/graph/internal/channel"
)

// seedChain stores a linear run of checkpoints for threadID and returns
// them oldest first.
func seedChain(t *testing.T, saver graph.CheckpointSaver, threadID string, n int) []*graph.Checkpoint {
	t.Helper()
	ctx := context.Background()
	var out []*graph.Checkpoint
	parentID := ""
	for step := 0; step < n; step++ {
		ckpt := graph.NewCheckpoint(map[string]channel.Snapshot{
			"value": {Value: step, HasValue: true, Version: int64(step + 1)},
		}, map[string]int64{"value": int64(step + 1)})
		ckpt.ParentCheckpointID = parentID
		_, err := saver.Put(ctx, graph.PutRequest{
			Config:      graph.CreateCheckpointConfig(threadID, "", ""),
			Checkpoint:  ckpt,
			Metadata:    graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, step),
			NewVersions: ckpt.ChannelVersions,
		})
		require.NoError(t, err)
		parentID = ckpt.ID
		out = append(out, ckpt)
		time.Sleep(2 * time.Millisecond)
	}
	return out
}

func TestManagerLatest(t *testing.T) {
	saver := inmemory.NewSaver()
	cm := graph.NewCheckpointManager(saver)
	chain := seedChain(t, saver, "t1", 3)

	tuple, err := cm.Latest(context.Background(), "t1", "")
	require.NoError(t, err)
	require.NotNil(t, tuple)
	require.Equal(t, chain[2].ID, tuple.Checkpoint.ID)

	none, err := cm.Latest(context.Background(), "empty-thread", "")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestManagerGoto(t *testing.T) {
	saver := inmemory.NewSaver()
	cm := graph.NewCheckpointManager(saver)
	chain := seedChain(t, saver, "t1", 3)

	tuple, err := cm.Goto(context.Background(), "t1", "", chain[1].ID)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	require.Equal(t, chain[1].ID, tuple.Checkpoint.ID)
}

func TestManagerBranchFrom(t *testing.T) {
	saver := inmemory.NewSaver()
	cm := graph.NewCheckpointManager(saver)
	chain := seedChain(t, saver, "t1", 2)
	ctx := context.Background()

	branch, err := cm.BranchFrom(ctx, "t1", "", chain[0].ID)
	require.NoError(t, err)
	require.NotEqual(t, chain[0].ID, branch.Checkpoint.ID)
	require.Equal(t, chain[0].ID, branch.Checkpoint.ParentCheckpointID)
	require.Equal(t, graph.CheckpointSourceFork, branch.Metadata.Source)

	// The fork carries the source's channel snapshots.
	snap, ok := branch.Checkpoint.Channels["value"]
	require.True(t, ok)
	require.Equal(t, 0, snap.Value)

	_, err = cm.BranchFrom(ctx, "t1", "", "no-such-id")
	require.ErrorIs(t, err, graph.ErrCheckpointNotFound)
}

func TestManagerCheckpointTree(t *testing.T) {
	saver := inmemory.NewSaver()
	cm := graph.NewCheckpointManager(saver)
	chain := seedChain(t, saver, "t1", 3)
	ctx := context.Background()

	branch, err := cm.BranchFrom(ctx, "t1", "", chain[1].ID)
	require.NoError(t, err)

	tree, err := cm.GetCheckpointTree(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, tree.Root)
	require.Equal(t, chain[0].ID, tree.Root.Checkpoint.Checkpoint.ID)
	require.Len(t, tree.Branches, 4)

	// chain[1] now has two children: chain[2] and the fork, oldest first.
	mid := tree.Branches[chain[1].ID]
	require.Len(t, mid.Children, 2)
	require.Equal(t, chain[2].ID, mid.Children[0].Checkpoint.Checkpoint.ID)
	require.Equal(t, branch.Checkpoint.ID, mid.Children[1].Checkpoint.Checkpoint.ID)
	require.Equal(t, tree.Root, mid.Parent)
}

func TestManagerListChildren(t *testing.T) {
	saver := inmemory.NewSaver()
	cm := graph.NewCheckpointManager(saver)
	chain := seedChain(t, saver, "t1", 2)
	ctx := context.Background()

	children, err := cm.ListChildren(ctx, graph.CreateCheckpointConfig("t1", chain[0].ID, ""))
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, chain[1].ID, children[0].Checkpoint.ID)

	leaf, err := cm.ListChildren(ctx, graph.CreateCheckpointConfig("t1", chain[1].ID, ""))
	require.NoError(t, err)
	require.Empty(t, leaf)
}

func TestManagerGetParent(t *testing.T) {
	saver := inmemory.NewSaver()
	cm := graph.NewCheckpointManager(saver)
	chain := seedChain(t, saver, "t1", 2)
	ctx := context.Background()

	parent, err := cm.GetParent(ctx, graph.CreateCheckpointConfig("t1", chain[1].ID, ""))
	require.NoError(t, err)
	require.NotNil(t, parent)
	require.Equal(t, chain[0].ID, parent.Checkpoint.ID)

	root, err := cm.GetParent(ctx, graph.CreateCheckpointConfig("t1", chain[0].ID, ""))
	require.NoError(t, err)
	require.Nil(t, root)
}

func TestManagerDeleteThread(t *testing.T) {
	saver := inmemory.NewSaver()
	cm := graph.NewCheckpointManager(saver)
	seedChain(t, saver, "t1", 2)
	seedChain(t, saver, "t2", 1)
	ctx := context.Background()

	require.NoError(t, cm.DeleteThread(ctx, "t1"))

	gone, err := cm.Latest(ctx, "t1", "")
	require.NoError(t, err)
	require.Nil(t, gone)

	kept, err := cm.Latest(ctx, "t2", "")
	require.NoError(t, err)
	require.NotNil(t, kept)
}

func TestManagerRequiresSaver(t *testing.T) {
	cm := graph.NewCheckpointManager(nil)
	ctx := context.Background()

	_, err := cm.Latest(ctx, "t1", "")
	require.ErrorIs(t, err, graph.ErrCheckpointSaverRequired)
	_, err = cm.GetCheckpointTree(ctx, "t1")
	require.ErrorIs(t, err, graph.ErrCheckpointSaverRequired)
	require.ErrorIs(t, cm.DeleteThread(ctx, "t1"), graph.ErrCheckpointSaverRequired)
}
