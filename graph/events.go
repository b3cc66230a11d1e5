//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

package graph

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies events emitted during streaming execution.
type EventType string

const (
	// EventRunStarted opens a run.
	EventRunStarted EventType = "run.started"
	// EventStepStarted opens a superstep.
	EventStepStarted EventType = "step.started"
	// EventNodeStarted opens a node invocation.
	EventNodeStarted EventType = "node.started"
	// EventNodeCompleted closes a node invocation.
	EventNodeCompleted EventType = "node.completed"
	// EventNodeError reports a failed node invocation.
	EventNodeError EventType = "node.error"
	// EventStepCommitted closes a superstep after its writes applied.
	EventStepCommitted EventType = "step.committed"
	// EventCheckpointSaved reports a persisted checkpoint.
	EventCheckpointSaved EventType = "checkpoint.saved"
	// EventInterrupted reports a paused run.
	EventInterrupted EventType = "run.interrupted"
	// EventRunCompleted closes a run with its final state.
	EventRunCompleted EventType = "run.completed"
	// EventRunError closes a run with a failure.
	EventRunError EventType = "run.error"
)

// PregelPhase names the scheduler phase an event belongs to.
type PregelPhase string

const (
	// PhasePlanning selects the tasks for the step.
	PhasePlanning PregelPhase = "planning"
	// PhaseExecution runs the selected tasks.
	PhaseExecution PregelPhase = "execution"
	// PhaseCommit applies the collected writes.
	PhaseCommit PregelPhase = "commit"
)

// Event is one item of a run's stream.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`
	// Type classifies the event.
	Type EventType `json:"type"`
	// Timestamp is when the event was produced.
	Timestamp time.Time `json:"ts"`
	// RunID ties the event to one Invoke or Stream call.
	RunID string `json:"run_id"`
	// Step is the superstep index, -1 for run-level events.
	Step int `json:"step"`
	// Phase is set on step-level events.
	Phase PregelPhase `json:"phase,omitempty"`
	// NodeID and TaskID are set on node-level events.
	NodeID string `json:"node_id,omitempty"`
	TaskID string `json:"task_id,omitempty"`
	// ActiveNodes lists the nodes selected for the step.
	ActiveNodes []string `json:"active_nodes,omitempty"`
	// StateDelta carries the node's state update on completion events and
	// the final state on run completion.
	StateDelta State `json:"state_delta,omitempty"`
	// CheckpointID is set on checkpoint events.
	CheckpointID string `json:"checkpoint_id,omitempty"`
	// Interrupt is set on interrupt events.
	Interrupt *InterruptError `json:"interrupt,omitempty"`
	// Error is set on error events.
	Error string `json:"error,omitempty"`
	// Attempt is the 1-based attempt number on node events.
	Attempt int `json:"attempt,omitempty"`
	// CacheHit marks node completions served from the result cache.
	CacheHit bool `json:"cache_hit,omitempty"`
	// Duration is the node or step wall time on completion events.
	Duration time.Duration `json:"duration,omitempty"`
}

func newEvent(runID string, typ EventType, step int) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		Step:      step,
	}
}
