//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// InterruptError signals a cooperative pause. It is not a failure: the
// executor checkpoints the run and surfaces this to the caller, who
// resumes later with a ResumeCommand.
type InterruptError struct {
	// Value is the payload given to Interrupt, typically a prompt for a
	// human operator.
	Value any
	// NodeID is where execution paused.
	NodeID string
	// TaskID is the paused task.
	TaskID string
	// Step is the superstep during which the pause occurred.
	Step int
	// Timestamp is when the pause occurred.
	Timestamp time.Time
	// Path is the execution path to the paused node.
	Path []string
	// Key identifies the pause point for targeted resume maps.
	Key string
}

func (e *InterruptError) Error() string {
	return fmt.Sprintf("graph interrupted at node %s (step %d): %v", e.NodeID, e.Step, e.Value)
}

// NewInterruptError creates an InterruptError carrying the given value.
func NewInterruptError(value any) *InterruptError {
	return &InterruptError{Value: value, Timestamp: time.Now().UTC()}
}

// IsInterruptError reports whether err is (or wraps) an interrupt.
func IsInterruptError(err error) bool {
	var ie *InterruptError
	return errors.As(err, &ie)
}

// GetInterruptError extracts the interrupt from an error chain.
func GetInterruptError(err error) (*InterruptError, bool) {
	var ie *InterruptError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// ResumeCommand carries the values that answer one or more pause points.
type ResumeCommand struct {
	// Resume answers the next pause point regardless of key.
	Resume any
	// ResumeMap answers specific pause points by key.
	ResumeMap map[string]any
}

// NewResumeCommand creates an empty resume command.
func NewResumeCommand() *ResumeCommand {
	return &ResumeCommand{ResumeMap: make(map[string]any)}
}

// WithResume sets the untargeted resume value.
func (c *ResumeCommand) WithResume(value any) *ResumeCommand {
	c.Resume = value
	return c
}

// WithResumeMap sets the keyed resume values.
func (c *ResumeCommand) WithResumeMap(resumeMap map[string]any) *ResumeCommand {
	c.ResumeMap = resumeMap
	return c
}

// AddResumeValue adds a keyed resume value.
func (c *ResumeCommand) AddResumeValue(key string, value any) *ResumeCommand {
	if c.ResumeMap == nil {
		c.ResumeMap = make(map[string]any)
	}
	c.ResumeMap[key] = value
	return c
}

// interruptCallsKey counts Interrupt calls within one node invocation, so
// unkeyed pause points get stable call-order keys across replays.
const interruptCallsKey = "__interrupt_calls__"

// Interrupt pauses execution at the current node and surfaces prompt to
// the caller. On resume the node re-executes from the top and this call
// returns the resume value instead of pausing again, so any code before
// it must be idempotent.
//
// An empty key is derived from the node ID and the call's position within
// the invocation, which stays stable as long as the node calls Interrupt
// in a deterministic order.
func Interrupt(ctx context.Context, state State, key string, prompt any) (any, error) {
	calls, _ := state[interruptCallsKey].(int)
	state[interruptCallsKey] = calls + 1
	if key == "" {
		nodeID, _ := state[StateKeyCurrentNodeID].(string)
		key = fmt.Sprintf("%s:%d", nodeID, calls)
	}

	// A pause point that already consumed a resume value returns the same
	// value on every replay within this run.
	usedMap, _ := state[StateKeyUsedInterrupts].(map[string]any)
	if usedMap == nil {
		usedMap = make(map[string]any)
		state[StateKeyUsedInterrupts] = usedMap
	}
	if used, ok := usedMap[key]; ok {
		return used, nil
	}

	if resumeValue, ok := state[ResumeChannel]; ok {
		usedMap[key] = resumeValue
		delete(state, ResumeChannel)
		return resumeValue, nil
	}

	if resumeMap, ok := state[StateKeyResumeMap].(map[string]any); ok {
		if resumeValue, ok := resumeMap[key]; ok {
			usedMap[key] = resumeValue
			delete(resumeMap, key)
			return resumeValue, nil
		}
	}

	err := NewInterruptError(prompt)
	err.Key = key
	if nodeID, ok := state[StateKeyCurrentNodeID].(string); ok {
		err.NodeID = nodeID
	}
	return nil, err
}
