//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/stepfn/stepflow/graph/internal/channel"
)

// StateSnapshot is the inspectable form of one checkpoint: the state
// values, what would run next, and any pending pause.
type StateSnapshot struct {
	// Values is the user-visible state at this checkpoint.
	Values State `json:"values"`
	// Next lists the nodes scheduled to run next.
	Next []string `json:"next,omitempty"`
	// Interrupt is the pending pause, if the run is suspended here.
	Interrupt *InterruptState `json:"interrupt,omitempty"`
	// Metadata describes how the checkpoint was produced.
	Metadata *CheckpointMetadata `json:"metadata,omitempty"`
	// Config addresses this checkpoint.
	Config map[string]any `json:"config"`
	// ParentConfig addresses the parent checkpoint, if any.
	ParentConfig map[string]any `json:"parent_config,omitempty"`
	// CreatedAt is the checkpoint timestamp.
	CreatedAt time.Time `json:"created_at"`
}

// restoredView rebuilds the state a checkpoint captured by loading its
// snapshots into a fresh channel set.
func (e *Executor) restoredView(ckpt *Checkpoint) (State, error) {
	channels := e.graph.channels.CloneEmpty()
	if err := channels.RestoreAll(ckpt.Channels); err != nil {
		return nil, err
	}
	return e.viewOf(channels), nil
}

// viewOf assembles the user state from a channel set, applying declared
// defaults for empty channels.
func (e *Executor) viewOf(channels *channel.Manager) State {
	out := make(State)
	for name, field := range e.graph.Schema().Fields {
		ch, ok := channels.Get(name)
		if !ok {
			continue
		}
		if v, has := ch.Get(); has {
			out[name] = v
		} else if field.Default != nil {
			out[name] = field.Default()
		}
	}
	for k := range out {
		if isReservedStateKey(k) {
			delete(out, k)
		}
	}
	return out
}

func (e *Executor) snapshotFromTuple(tuple *CheckpointTuple) (*StateSnapshot, error) {
	values, err := e.restoredView(tuple.Checkpoint)
	if err != nil {
		return nil, err
	}
	return &StateSnapshot{
		Values:       values,
		Next:         append([]string(nil), tuple.Checkpoint.NextNodes...),
		Interrupt:    tuple.Checkpoint.InterruptState,
		Metadata:     tuple.Metadata,
		Config:       tuple.Config,
		ParentConfig: tuple.ParentConfig,
		CreatedAt:    tuple.Checkpoint.Timestamp,
	}, nil
}

// GetState returns the snapshot of a thread's latest checkpoint, or of
// the checkpoint the config names.
func (e *Executor) GetState(ctx context.Context, config map[string]any) (*StateSnapshot, error) {
	if e.saver == nil {
		return nil, ErrCheckpointSaverRequired
	}
	if GetThreadID(config) == "" {
		return nil, ErrThreadIDRequired
	}
	tuple, err := e.saver.GetTuple(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if tuple == nil {
		return nil, ErrCheckpointNotFound
	}
	return e.snapshotFromTuple(tuple)
}

// GetStateHistory returns a thread's snapshots, newest first.
func (e *Executor) GetStateHistory(ctx context.Context, config map[string]any, filter *CheckpointFilter) ([]*StateSnapshot, error) {
	if e.saver == nil {
		return nil, ErrCheckpointSaverRequired
	}
	if GetThreadID(config) == "" {
		return nil, ErrThreadIDRequired
	}
	tuples, err := e.saver.List(ctx, config, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	out := make([]*StateSnapshot, 0, len(tuples))
	for _, tuple := range tuples {
		snap, err := e.snapshotFromTuple(tuple)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// UpdateState edits a thread's state as if asNode had produced the
// values: declared reducers apply, and with asNode set the node's
// outgoing routing is armed so a subsequent run continues from its
// successors. It forks a new checkpoint and returns the config
// addressing it.
func (e *Executor) UpdateState(ctx context.Context, config map[string]any, values State, asNode string) (map[string]any, error) {
	if e.saver == nil {
		return nil, ErrCheckpointSaverRequired
	}
	threadID := GetThreadID(config)
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	if asNode != "" {
		if _, ok := e.graph.Node(asNode); !ok {
			return nil, fmt.Errorf("node %s does not exist", asNode)
		}
	}

	tuple, err := e.saver.GetTuple(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	channels := e.graph.channels.CloneEmpty()
	step := 0
	parentID := ""
	if tuple != nil {
		if err := channels.RestoreAll(tuple.Checkpoint.Channels); err != nil {
			return nil, err
		}
		parentID = tuple.Checkpoint.ID
		if tuple.Metadata != nil {
			step = tuple.Metadata.Step + 1
		}
	}

	var updated []string
	for k, v := range values {
		if isReservedStateKey(k) {
			continue
		}
		ch, ok := channels.Get(k)
		if !ok {
			return nil, &InvalidUpdateError{Channel: k, Reason: "channel not declared in state schema"}
		}
		if _, conflict := ch.Update([]any{v}, step); conflict != nil {
			return nil, &InvalidUpdateError{Channel: conflict.Channel, Reason: conflict.Reason}
		}
		updated = append(updated, k)
	}

	if asNode != "" {
		// Arm the successors of asNode so the next run picks up there. A
		// conditional route is evaluated against the updated values and
		// takes precedence over static edges, as it does during a run.
		var targets []string
		if condEdge, ok := e.graph.ConditionalEdge(asNode); ok {
			result, err := condEdge.Condition(ctx, e.viewOf(channels))
			if err != nil {
				return nil, fmt.Errorf("conditional edge from %s failed: %w", asNode, err)
			}
			target := result
			if condEdge.PathMap != nil {
				mapped, ok := condEdge.PathMap[result]
				if !ok {
					return nil, fmt.Errorf(
						"conditional edge from %s returned %q which is not in its path map", asNode, result)
				}
				target = mapped
			}
			targets = []string{target}
		} else {
			for _, edge := range e.graph.Edges(asNode) {
				targets = append(targets, edge.To)
			}
		}
		for _, to := range targets {
			if to == End {
				continue
			}
			trigger := triggerChannelName(to)
			if ch, ok := channels.Get(trigger); ok {
				ch.Update([]any{asNode}, step)
				updated = append(updated, trigger)
			}
		}
	}

	rc := &run{cfg: runConfig{threadID: threadID, namespace: GetNamespace(config)}, channels: channels}
	rc.frontier = rc.availableTriggers(e.graph, updated)
	rc.parentID = parentID
	rc.step = step

	ckpt := e.buildCheckpoint(rc)
	metadata := NewCheckpointMetadata(CheckpointSourceUpdate, step)
	if asNode != "" {
		metadata.Extra["as_node"] = asNode
	}
	newConfig, err := e.saver.Put(ctx, PutRequest{
		Config:      CreateCheckpointConfig(threadID, "", GetNamespace(config)),
		Checkpoint:  ckpt,
		Metadata:    metadata,
		NewVersions: ckpt.ChannelVersions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save updated checkpoint: %w", err)
	}
	return newConfig, nil
}
