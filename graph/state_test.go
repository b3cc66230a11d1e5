//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

package graph

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateGet(t *testing.T) {
	s := State{"value": "v", "zero": 0}

	v, err := s.Get("value")
	require.NoError(t, err)
	require.Equal(t, "v", v)

	// A present zero value is not an empty read.
	z, err := s.Get("zero")
	require.NoError(t, err)
	require.Equal(t, 0, z)

	_, err = s.Get("absent")
	require.Error(t, err)
	require.True(t, IsEmptyChannel(err))
	var ece *EmptyChannelError
	require.True(t, errors.As(err, &ece))
	require.Equal(t, "absent", ece.Channel)
}

func TestStateGetEmptyBarrierRead(t *testing.T) {
	schema := NewStateSchema().
		AddField("value", StateField{Type: reflect.TypeOf("")}).
		AddField("gate", StateField{
			Type:           reflect.TypeOf(""),
			Kind:           KindBarrier,
			BarrierSources: []string{"left", "right"},
		})
	g := NewStateGraph(schema).
		AddNode("left", func(ctx context.Context, state State) (any, error) {
			return nil, nil
		}).
		AddNode("right", func(ctx context.Context, state State) (any, error) {
			return nil, nil
		}).
		AddNode("check", func(ctx context.Context, state State) (any, error) {
			// With "right" never scheduled, the barrier has not collected
			// all sources and must read as empty, not as a stale value.
			if _, err := state.Get("gate"); err != nil {
				if !IsEmptyChannel(err) {
					return nil, err
				}
				return State{"value": "gate-empty"}, nil
			}
			return State{"value": "gate-open"}, nil
		}).
		AddEdge(Start, "left").
		AddEdge("left", "check").
		SetFinishPoint("check").
		MustCompile()
	exec := newTestExecutor(t, g)

	final, err := exec.Invoke(context.Background(), State{})
	require.NoError(t, err)
	require.Equal(t, "gate-empty", final["value"])
}
