//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

// Package channel implements the typed state cells that nodes communicate
// through. Each channel has an update policy deciding how concurrent writes
// from one superstep combine into the next value.
package channel

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Behavior selects the update policy of a channel.
type Behavior int

const (
	// BehaviorLastValue stores a single value and rejects conflicting
	// concurrent writers within one step.
	BehaviorLastValue Behavior = iota
	// BehaviorReducer folds incoming values into the current value with an
	// associative reducer function.
	BehaviorReducer
	// BehaviorTopic accumulates every written value into a list.
	BehaviorTopic
	// BehaviorEphemeral behaves like LastValue but is cleared at the start
	// of every superstep.
	BehaviorEphemeral
	// BehaviorUntracked behaves like LastValue but is excluded from
	// checkpoints.
	BehaviorUntracked
	// BehaviorBarrier withholds its value until every required source has
	// written since the last reset.
	BehaviorBarrier
	// BehaviorBarrierAfterFinish is the barrier variant that re-arms after
	// each consumption, so every round waits for all sources again.
	BehaviorBarrierAfterFinish
)

// String returns the behavior name used in logs and conflict reports.
func (b Behavior) String() string {
	switch b {
	case BehaviorLastValue:
		return "last_value"
	case BehaviorReducer:
		return "reducer"
	case BehaviorTopic:
		return "topic"
	case BehaviorEphemeral:
		return "ephemeral"
	case BehaviorUntracked:
		return "untracked"
	case BehaviorBarrier:
		return "barrier"
	case BehaviorBarrierAfterFinish:
		return "barrier_after_finish"
	}
	return fmt.Sprintf("behavior(%d)", int(b))
}

// ReducerFunc folds an update into the existing value. The executor applies
// one batch per superstep; the function must be associative so that the
// outcome does not depend on task completion order.
type ReducerFunc func(existing, update any) any

// Conflict describes an update batch a channel cannot accept. The engine
// layer converts it into its public update-conflict error.
type Conflict struct {
	Channel  string
	Behavior Behavior
	Reason   string
}

// Channel is one named state cell. All methods are safe for concurrent use;
// the executor only mutates channels at superstep boundaries.
type Channel struct {
	mu       sync.RWMutex
	name     string
	behavior Behavior
	reducer  ReducerFunc

	value    any
	hasValue bool
	values   []any // topic accumulation

	required map[string]struct{} // barrier sources
	seen     map[string]struct{}

	version         int64
	lastUpdatedStep int
}

// New creates a channel for behaviors without extra configuration.
func New(name string, behavior Behavior) *Channel {
	return &Channel{
		name:            name,
		behavior:        behavior,
		seen:            make(map[string]struct{}),
		lastUpdatedStep: -1,
	}
}

// NewReducer creates a reducer-aggregate channel.
func NewReducer(name string, fn ReducerFunc) *Channel {
	c := New(name, BehaviorReducer)
	c.reducer = fn
	return c
}

// NewBarrier creates a barrier channel waiting on the given source names.
// When afterFinish is true the barrier re-arms every time it is consumed.
func NewBarrier(name string, sources []string, afterFinish bool) *Channel {
	behavior := BehaviorBarrier
	if afterFinish {
		behavior = BehaviorBarrierAfterFinish
	}
	c := New(name, behavior)
	c.required = make(map[string]struct{}, len(sources))
	for _, s := range sources {
		c.required[s] = struct{}{}
	}
	return c
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Behavior returns the channel's update policy.
func (c *Channel) Behavior() Behavior { return c.behavior }

// Version returns the number of committed updates.
func (c *Channel) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// RequiredSources returns the barrier source set, sorted. Nil for
// non-barrier channels.
func (c *Channel) RequiredSources() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.required == nil {
		return nil
	}
	out := make([]string, 0, len(c.required))
	for s := range c.required {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Get returns the current value. ok is false when the channel holds no
// value, including a barrier that has not collected all required sources.
func (c *Channel) Get() (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.behavior {
	case BehaviorTopic:
		if len(c.values) == 0 && !c.hasValue {
			return nil, false
		}
		out := make([]any, len(c.values))
		copy(out, c.values)
		return out, true
	case BehaviorBarrier, BehaviorBarrierAfterFinish:
		if !c.barrierCompleteLocked() {
			return nil, false
		}
		out := make([]string, 0, len(c.seen))
		for s := range c.seen {
			out = append(out, s)
		}
		sort.Strings(out)
		return out, true
	default:
		if !c.hasValue {
			return nil, false
		}
		return c.value, true
	}
}

// IsAvailable reports whether Get would succeed.
func (c *Channel) IsAvailable() bool {
	_, ok := c.Get()
	return ok
}

// Validate checks whether the batch can be applied without mutating the
// channel. A nil result means Update with the same batch will succeed.
// Validating every channel before applying any of them keeps a superstep's
// commit atomic across channels.
func (c *Channel) Validate(values []any) *Conflict {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validateLocked(values)
}

func (c *Channel) validateLocked(values []any) *Conflict {
	if len(values) == 0 {
		return nil
	}
	switch c.behavior {
	case BehaviorLastValue, BehaviorEphemeral, BehaviorUntracked:
		if len(values) > 1 && !allDeepEqual(values) {
			return &Conflict{
				Channel:  c.name,
				Behavior: c.behavior,
				Reason: fmt.Sprintf(
					"%d tasks wrote distinct values in the same step; single-writer channels need an explicit reducer to combine them",
					len(values)),
			}
		}
	case BehaviorBarrier, BehaviorBarrierAfterFinish:
		for _, v := range values {
			src, ok := v.(string)
			if !ok {
				return &Conflict{
					Channel:  c.name,
					Behavior: c.behavior,
					Reason:   fmt.Sprintf("barrier updates must be source names, got %T", v),
				}
			}
			if _, known := c.required[src]; !known {
				return &Conflict{
					Channel:  c.name,
					Behavior: c.behavior,
					Reason:   fmt.Sprintf("source %q is not in the barrier's required set", src),
				}
			}
		}
	}
	return nil
}

// Update applies one superstep's batch of writes. changed reports whether
// the observable value advanced. The batch is treated as unordered: any
// permutation of values must produce the same final state, which Validate
// enforces for single-writer behaviors and the reducer contract guarantees
// for aggregating ones.
func (c *Channel) Update(values []any, step int) (bool, *Conflict) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conflict := c.validateLocked(values); conflict != nil {
		return false, conflict
	}
	if len(values) == 0 {
		return false, nil
	}
	switch c.behavior {
	case BehaviorLastValue, BehaviorEphemeral, BehaviorUntracked:
		c.value = values[0]
		c.hasValue = true
	case BehaviorReducer:
		acc := c.value
		if !c.hasValue {
			acc = nil
		}
		for _, v := range values {
			acc = c.reducer(acc, v)
		}
		c.value = acc
		c.hasValue = true
	case BehaviorTopic:
		c.values = append(c.values, values...)
		c.hasValue = true
	case BehaviorBarrier, BehaviorBarrierAfterFinish:
		for _, v := range values {
			c.seen[v.(string)] = struct{}{}
		}
	}
	c.version++
	c.lastUpdatedStep = step
	return true, nil
}

// CloneEmpty returns a fresh channel with the same configuration and no
// state. Each run clones the compiled channel set so concurrent runs of
// one graph never share values.
func (c *Channel) CloneEmpty() *Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	clone := New(c.name, c.behavior)
	clone.reducer = c.reducer
	if c.required != nil {
		clone.required = make(map[string]struct{}, len(c.required))
		for s := range c.required {
			clone.required[s] = struct{}{}
		}
	}
	return clone
}

// BeginStep resets per-step state before a new superstep runs. Ephemeral
// channels drop their value here regardless of whether it was read.
func (c *Channel) BeginStep(step int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.behavior == BehaviorEphemeral {
		c.value = nil
		c.hasValue = false
	}
}

// Acknowledge marks the channel consumed by planning so it does not trigger
// the same nodes again next step. After-finish barriers re-arm here.
func (c *Channel) Acknowledge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.behavior == BehaviorBarrierAfterFinish && c.barrierCompleteLocked() {
		c.seen = make(map[string]struct{})
	}
}

// UpdatedInStep reports whether the last committed update happened in the
// given step.
func (c *Channel) UpdatedInStep(step int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdatedStep == step
}

func (c *Channel) barrierCompleteLocked() bool {
	if len(c.required) == 0 {
		return false
	}
	for s := range c.required {
		if _, ok := c.seen[s]; !ok {
			return false
		}
	}
	return true
}

// Snapshot is the serializable persisted form of a channel.
type Snapshot struct {
	Value    any      `json:"value"`
	HasValue bool     `json:"has_value"`
	Values   []any    `json:"values,omitempty"`
	Seen     []string `json:"seen,omitempty"`
	Version  int64    `json:"version"`
}

// Checkpoint captures the channel state. ok is false for untracked
// channels, which are excluded from persistence by contract.
func (c *Channel) Checkpoint() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.behavior == BehaviorUntracked {
		return Snapshot{}, false
	}
	snap := Snapshot{
		Value:    c.value,
		HasValue: c.hasValue,
		Version:  c.version,
	}
	if c.values != nil {
		snap.Values = make([]any, len(c.values))
		copy(snap.Values, c.values)
	}
	if len(c.seen) > 0 {
		snap.Seen = make([]string, 0, len(c.seen))
		for s := range c.seen {
			snap.Seen = append(snap.Seen, s)
		}
		sort.Strings(snap.Seen)
	}
	return snap, true
}

// Restore replaces the channel state with a previously checkpointed
// snapshot. Restoring a snapshot produced by Checkpoint yields a channel
// observably identical to the original.
func (c *Channel) Restore(snap Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.behavior == BehaviorUntracked {
		return fmt.Errorf("channel %s: untracked channels cannot be restored", c.name)
	}
	for _, s := range snap.Seen {
		if _, ok := c.required[s]; !ok {
			return fmt.Errorf(
				"channel %s: checkpoint waits on source %q which the compiled barrier no longer requires",
				c.name, s)
		}
	}
	c.value = snap.Value
	c.hasValue = snap.HasValue
	c.values = nil
	if snap.Values != nil {
		c.values = make([]any, len(snap.Values))
		copy(c.values, snap.Values)
	}
	c.seen = make(map[string]struct{}, len(snap.Seen))
	for _, s := range snap.Seen {
		c.seen[s] = struct{}{}
	}
	c.version = snap.Version
	return nil
}

func allDeepEqual(values []any) bool {
	for i := 1; i < len(values); i++ {
		if !reflect.DeepEqual(values[0], values[i]) {
			return false
		}
	}
	return true
}

// Manager owns every channel of a compiled graph.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewManager creates an empty channel manager.
func NewManager() *Manager {
	return &Manager{channels: make(map[string]*Channel)}
}

// Add registers a channel. Adding a name twice keeps the first channel.
func (m *Manager) Add(c *Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[c.name]; !ok {
		m.channels[c.name] = c
	}
}

// Get returns a channel by name.
func (m *Manager) Get(name string) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[name]
	return c, ok
}

// All returns a copy of the channel map.
func (m *Manager) All() map[string]*Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Channel, len(m.channels))
	for k, v := range m.channels {
		out[k] = v
	}
	return out
}

// CloneEmpty clones every channel's configuration into a fresh manager
// with no values.
func (m *Manager) CloneEmpty() *Manager {
	clone := NewManager()
	for _, c := range m.All() {
		clone.Add(c.CloneEmpty())
	}
	return clone
}

// Versions returns each channel's committed version, excluding untracked
// channels.
func (m *Manager) Versions() map[string]int64 {
	out := make(map[string]int64)
	for name, c := range m.All() {
		if c.Behavior() == BehaviorUntracked {
			continue
		}
		out[name] = c.Version()
	}
	return out
}

// BeginStep resets every channel's per-step state.
func (m *Manager) BeginStep(step int) {
	for _, c := range m.All() {
		c.BeginStep(step)
	}
}

// UpdatedIn returns the names of channels committed in the given step,
// sorted for determinism.
func (m *Manager) UpdatedIn(step int) []string {
	var out []string
	for name, c := range m.All() {
		if c.UpdatedInStep(step) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// CheckpointAll captures every tracked channel.
func (m *Manager) CheckpointAll() map[string]Snapshot {
	out := make(map[string]Snapshot)
	for name, c := range m.All() {
		if snap, ok := c.Checkpoint(); ok {
			out[name] = snap
		}
	}
	return out
}

// RestoreAll loads snapshots into existing channels. Snapshots for channels
// the compiled graph no longer declares are rejected rather than silently
// dropped.
func (m *Manager) RestoreAll(snaps map[string]Snapshot) error {
	for name, snap := range snaps {
		c, ok := m.Get(name)
		if !ok {
			return fmt.Errorf("checkpoint contains channel %s which the compiled graph does not declare", name)
		}
		if err := c.Restore(snap); err != nil {
			return err
		}
	}
	return nil
}
