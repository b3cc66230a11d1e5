//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrThreadIDRequired is returned when an operation needs checkpointing
	// but no thread ID was supplied.
	ErrThreadIDRequired = errors.New("thread_id is required")
	// ErrCheckpointNotFound is returned when a referenced checkpoint does
	// not exist.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrCheckpointSaverRequired is returned when a node interrupts but the
	// executor has no checkpoint saver configured. Suspending without
	// durable state would lose the run, so this fails fast.
	ErrCheckpointSaverRequired = errors.New(
		"interrupt requires a checkpoint saver: configure one with WithCheckpointSaver")
	// ErrStepTimeout is returned when a superstep exceeds its configured
	// timeout. None of the step's writes are committed.
	ErrStepTimeout = errors.New("superstep timed out before all tasks finished")
)

// EmptyChannelError reports a read from a channel that holds no value,
// including a barrier that has not heard from all of its sources. Node
// bodies may catch it with errors.As and treat the channel as absent.
type EmptyChannelError struct {
	Channel string
}

func (e *EmptyChannelError) Error() string {
	return fmt.Sprintf("channel %s is empty", e.Channel)
}

// InvalidUpdateError reports an update batch a channel rejected, typically
// two tasks writing distinct values to a single-writer channel in the same
// superstep. The whole step is aborted; no channel is partially updated.
type InvalidUpdateError struct {
	Channel string
	Reason  string
}

func (e *InvalidUpdateError) Error() string {
	return fmt.Sprintf("invalid update to channel %s: %s", e.Channel, e.Reason)
}

// RecursionLimitError is returned when a run performs more supersteps than
// its recursion limit allows. It is distinguishable from ordinary task
// failures and names both the limit and the remediation.
type RecursionLimitError struct {
	Limit int
}

func (e *RecursionLimitError) Error() string {
	return fmt.Sprintf(
		"recursion limit of %d supersteps reached without hitting a finish point; "+
			"raise it with WithRecursionLimit if the graph legitimately needs more steps",
		e.Limit)
}

// TaskError wraps a node failure that survived its retry policies. Attempts
// counts every invocation including the first.
type TaskError struct {
	NodeID   string
	TaskID   string
	Attempts int
	Err      error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("node %s failed after %d attempt(s): %v", e.NodeID, e.Attempts, e.Err)
}

// Unwrap exposes the original node error to errors.Is/As.
func (e *TaskError) Unwrap() error { return e.Err }

// IsEmptyChannel reports whether err is an empty-read error.
func IsEmptyChannel(err error) bool {
	var e *EmptyChannelError
	return errors.As(err, &e)
}

// IsInvalidUpdate reports whether err is an update-conflict error.
func IsInvalidUpdate(err error) bool {
	var e *InvalidUpdateError
	return errors.As(err, &e)
}

// IsRecursionLimit reports whether err is a recursion-limit error.
func IsRecursionLimit(err error) bool {
	var e *RecursionLimitError
	return errors.As(err, &e)
}
