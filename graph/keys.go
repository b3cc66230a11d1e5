//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

package graph

// Config map keys (used under config["configurable"]).
const (
	CfgKeyConfigurable = "configurable"
	CfgKeyThreadID     = "thread_id"
	CfgKeyCheckpointID = "checkpoint_id"
	CfgKeyCheckpointNS = "checkpoint_ns"
	CfgKeyResumeMap    = "resume_map"
)

// Reserved state keys. Keys with the dunder shape are engine-owned and are
// stripped from node cache keys and from checkpoints.
const (
	// StateKeyCommand carries a Command injected by the caller, typically a
	// resume after an interrupt.
	StateKeyCommand = "__command__"
	// StateKeyResumeMap maps interrupt keys to caller-supplied resume values.
	StateKeyResumeMap = "__resume_map__"
	// StateKeyUsedInterrupts records which interrupt call sites already
	// consumed a resume value, so replay returns the same value.
	StateKeyUsedInterrupts = "__used_interrupts__"
	// StateKeyCurrentNodeID names the node a task is executing.
	StateKeyCurrentNodeID = "__current_node__"
	// StateKeyTaskPayload carries the payload of a dynamically sent task.
	StateKeyTaskPayload = "__send_payload__"
	// StateKeyStore exposes the cross-run store to node bodies.
	StateKeyStore = "__store__"
)

// ResumeChannel holds a run-scoped resume value while a resumed node
// replays up to its suspend point.
const ResumeChannel = "__resume__"

// Channel name prefixes. Routing channels are ephemeral: they trigger
// planning for exactly one superstep.
const (
	ChannelBranchPrefix  = "branch:to:"
	ChannelTriggerPrefix = "trigger:"
)

// isReservedStateKey reports whether the key is engine-owned rather than a
// user state field.
func isReservedStateKey(key string) bool {
	switch key {
	case StateKeyCommand, StateKeyResumeMap, StateKeyUsedInterrupts,
		StateKeyCurrentNodeID, StateKeyTaskPayload, StateKeyStore, ResumeChannel:
		return true
	}
	return false
}
