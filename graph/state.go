//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

package graph

import (
	"fmt"
	"reflect"
	"sync"
)

// State is the view of channel values a node receives and the shape of the
// update it returns. A returned State is a delta: each key is routed to the
// channel of the same name and merged by that channel's policy.
type State map[string]any

// Clone creates a shallow copy of the state.
func (s State) Clone() State {
	clone := make(State, len(s))
	for k, v := range s {
		clone[k] = v
	}
	return clone
}

// Get reads a channel value from the state view, failing with an
// EmptyChannelError when the channel held no value at the time the view
// was taken. A barrier channel that has not heard from every required
// source reads as empty. Node bodies that can proceed without the value
// catch it with IsEmptyChannel.
func (s State) Get(key string) (any, error) {
	if v, ok := s[key]; ok {
		return v, nil
	}
	return nil, &EmptyChannelError{Channel: key}
}

// StateReducer merges an update into the existing value of a field.
// Reducers must be associative: within one superstep the engine may fold
// concurrent task writes in any order.
type StateReducer func(existing, update any) any

// ChannelKind optionally overrides how a state field is stored.
type ChannelKind int

const (
	// KindDefault derives the channel from the field: LastValue without a
	// reducer, reducer-aggregate with one.
	KindDefault ChannelKind = iota
	// KindLastValue forces a single-writer last-value cell.
	KindLastValue
	// KindTopic accumulates every write into a list.
	KindTopic
	// KindEphemeral clears the field at the start of every superstep.
	KindEphemeral
	// KindUntracked keeps the field out of checkpoints.
	KindUntracked
	// KindBarrier withholds the field until all BarrierSources wrote.
	KindBarrier
	// KindBarrierAfterFinish is a barrier that re-arms after each round.
	KindBarrierAfterFinish
)

// StateField declares one field of the graph state: its Go type, how
// concurrent updates combine, and how the backing channel behaves.
type StateField struct {
	Type     reflect.Type
	Reducer  StateReducer
	Default  func() any
	Required bool

	// Kind selects a channel behavior other than the reducer-derived one.
	Kind ChannelKind
	// BarrierSources names the nodes a barrier field waits for. Only
	// meaningful for the barrier kinds.
	BarrierSources []string
}

// StateSchema declares the fields of the graph state. Channels are created
// from it at compile time.
type StateSchema struct {
	mu     sync.RWMutex
	Fields map[string]StateField
}

// NewStateSchema creates an empty state schema.
func NewStateSchema() *StateSchema {
	return &StateSchema{Fields: make(map[string]StateField)}
}

// AddField adds a field to the schema and returns the schema for chaining.
func (s *StateSchema) AddField(name string, field StateField) *StateSchema {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Fields[name] = field
	return s
}

// Field returns the declared field, if any.
func (s *StateSchema) Field(name string) (StateField, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.Fields[name]
	return f, ok
}

// FieldNames returns the declared field names.
func (s *StateSchema) FieldNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		out = append(out, name)
	}
	return out
}

// ApplyUpdate merges an update into a state using the declared reducers.
// Used for manual state edits; during normal execution the channels
// themselves perform the merge.
func (s *StateSchema) ApplyUpdate(current State, update State) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := current.Clone()
	for key, updateValue := range update {
		field, ok := s.Fields[key]
		if !ok || field.Reducer == nil {
			result[key] = updateValue
			continue
		}
		existing, has := result[key]
		if !has && field.Default != nil {
			existing = field.Default()
		}
		result[key] = field.Reducer(existing, updateValue)
	}
	return result
}

// Validate checks required fields and declared types.
func (s *StateSchema) Validate(state State) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, field := range s.Fields {
		value, exists := state[name]
		if field.Required && !exists {
			return fmt.Errorf("required field %s is missing", name)
		}
		if exists && value != nil && field.Type != nil {
			valueType := reflect.TypeOf(value)
			if !valueType.AssignableTo(field.Type) {
				return fmt.Errorf("field %s has wrong type: expected %v, got %v",
					name, field.Type, valueType)
			}
		}
	}
	return nil
}

// validateFields rejects schema declarations that cannot be realized as
// channels. Configuration errors surface here, at compile time, never
// mid-run.
func (s *StateSchema) validateFields() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, field := range s.Fields {
		if isReservedStateKey(name) {
			return fmt.Errorf("field %s collides with a reserved state key", name)
		}
		switch field.Kind {
		case KindBarrier, KindBarrierAfterFinish:
			if len(field.BarrierSources) == 0 {
				return fmt.Errorf("barrier field %s declares no sources", name)
			}
		default:
			if len(field.BarrierSources) > 0 {
				return fmt.Errorf("field %s names barrier sources but is not a barrier", name)
			}
		}
	}
	return nil
}

// Common reducers.

// OverwriteReducer replaces the existing value with the update.
func OverwriteReducer(existing, update any) any {
	return update
}

// AppendReducer concatenates []any slices.
func AppendReducer(existing, update any) any {
	if existing == nil {
		existing = []any{}
	}
	existingSlice, ok1 := existing.([]any)
	updateSlice, ok2 := update.([]any)
	if !ok1 || !ok2 {
		return update
	}
	merged := make([]any, 0, len(existingSlice)+len(updateSlice))
	merged = append(merged, existingSlice...)
	return append(merged, updateSlice...)
}

// StringSliceReducer concatenates []string slices.
func StringSliceReducer(existing, update any) any {
	if existing == nil {
		existing = []string{}
	}
	existingSlice, ok1 := existing.([]string)
	updateSlice, ok2 := update.([]string)
	if !ok1 || !ok2 {
		return update
	}
	merged := make([]string, 0, len(existingSlice)+len(updateSlice))
	merged = append(merged, existingSlice...)
	return append(merged, updateSlice...)
}

// MergeReducer merges map[string]any updates key by key.
func MergeReducer(existing, update any) any {
	if existing == nil {
		existing = make(map[string]any)
	}
	existingMap, ok1 := existing.(map[string]any)
	updateMap, ok2 := update.(map[string]any)
	if !ok1 || !ok2 {
		return update
	}
	result := make(map[string]any, len(existingMap)+len(updateMap))
	for k, v := range existingMap {
		result[k] = v
	}
	for k, v := range updateMap {
		result[k] = v
	}
	return result
}

// IntSumReducer adds int updates to an int total.
func IntSumReducer(existing, update any) any {
	e, ok1 := existing.(int)
	u, ok2 := update.(int)
	if !ok2 {
		return update
	}
	if !ok1 {
		return u
	}
	return e + u
}
