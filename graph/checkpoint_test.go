//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stepfn/stepflow/graph/internal/channel"
)

func TestCheckpointCopyIsDeep(t *testing.T) {
	ckpt := NewCheckpoint(map[string]channel.Snapshot{
		"items": {Values: []any{"a", "b"}, Version: 1},
		"value": {Value: map[string]any{"k": "v"}, HasValue: true, Version: 2},
	}, map[string]int64{"items": 1, "value": 2})
	ckpt.PendingSends = []PendingSend{{Node: "worker", Arg: map[string]any{"n": 1}, TaskID: "worker:0:send:0"}}
	ckpt.SetInterruptState("ask", "ask:0:0", "proceed?", 3, []string{"ask"})

	cp := ckpt.Copy()
	require.Equal(t, ckpt.ID, cp.ID)
	require.Equal(t, ckpt.Timestamp, cp.Timestamp)

	cp.Channels["items"].Values[0] = "mutated"
	cp.Channels["value"].Value.(map[string]any)["k"] = "mutated"
	cp.PendingSends[0].Arg.(map[string]any)["n"] = 99
	cp.InterruptState.NodeID = "other"

	require.Equal(t, "a", ckpt.Channels["items"].Values[0])
	require.Equal(t, "v", ckpt.Channels["value"].Value.(map[string]any)["k"])
	require.Equal(t, 1, ckpt.PendingSends[0].Arg.(map[string]any)["n"])
	require.Equal(t, "ask", ckpt.InterruptState.NodeID)
}

func TestCheckpointFork(t *testing.T) {
	ckpt := NewCheckpoint(map[string]channel.Snapshot{
		"value": {Value: 7, HasValue: true, Version: 1},
	}, map[string]int64{"value": 1})

	forked := ckpt.Fork()
	require.NotEqual(t, ckpt.ID, forked.ID)
	require.Equal(t, ckpt.ID, forked.ParentCheckpointID)
	require.False(t, forked.Timestamp.Before(ckpt.Timestamp))
	require.Equal(t, ckpt.Channels["value"], forked.Channels["value"])
}

func TestCheckpointInterruptState(t *testing.T) {
	ckpt := NewCheckpoint(nil, nil)
	require.False(t, ckpt.IsInterrupted())

	ckpt.SetInterruptState("ask", "ask:2:0", "why?", 2, []string{"start", "ask"})
	require.True(t, ckpt.IsInterrupted())
	require.Equal(t, "ask", ckpt.InterruptState.NodeID)
	require.Equal(t, 2, ckpt.InterruptState.Step)

	ckpt.ClearInterruptState()
	require.False(t, ckpt.IsInterrupted())
}

func TestCheckpointConfigRoundTrip(t *testing.T) {
	config := CreateCheckpointConfig("t1", "ck-9", "ns-a")
	require.Equal(t, "t1", GetThreadID(config))
	require.Equal(t, "ck-9", GetCheckpointID(config))
	require.Equal(t, "ns-a", GetNamespace(config))

	bare := CreateCheckpointConfig("t2", "", "")
	require.Equal(t, "t2", GetThreadID(bare))
	require.Equal(t, "", GetCheckpointID(bare))
	require.Equal(t, DefaultCheckpointNamespace, GetNamespace(bare))

	require.Equal(t, "", GetThreadID(map[string]any{}))
	require.Nil(t, GetResumeMap(map[string]any{}))
}

func TestCheckpointConfigResumeMap(t *testing.T) {
	cfg := NewCheckpointConfig("t1").WithResumeMap(map[string]any{"approval": "yes"})
	m := cfg.ToMap()
	rm := GetResumeMap(m)
	require.Equal(t, "yes", rm["approval"])
}

func TestCheckpointIDsAreTimeOrdered(t *testing.T) {
	a := NewCheckpoint(nil, nil)
	b := NewCheckpoint(nil, nil)
	// UUIDv7 identifiers sort by creation time, which the savers rely on
	// to break timestamp ties.
	require.Less(t, a.ID, b.ID)
}
