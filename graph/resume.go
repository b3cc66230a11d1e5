//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

package graph

import "context"

// ResumeValue extracts a typed resume value for a pause key, consuming it.
func ResumeValue[T any](ctx context.Context, state State, key string) (T, bool) {
	var zero T
	if resumeValue, ok := state[ResumeChannel]; ok {
		if typed, ok := resumeValue.(T); ok {
			delete(state, ResumeChannel)
			return typed, true
		}
	}
	if resumeMap, ok := state[StateKeyResumeMap].(map[string]any); ok {
		if resumeValue, ok := resumeMap[key]; ok {
			if typed, ok := resumeValue.(T); ok {
				delete(resumeMap, key)
				return typed, true
			}
		}
	}
	return zero, false
}

// ResumeValueOrDefault is ResumeValue with a fallback.
func ResumeValueOrDefault[T any](ctx context.Context, state State, key string, defaultValue T) T {
	if value, ok := ResumeValue[T](ctx, state, key); ok {
		return value
	}
	return defaultValue
}

// HasResumeValue reports whether a resume value is available for the key.
func HasResumeValue(state State, key string) bool {
	if _, ok := state[ResumeChannel]; ok {
		return true
	}
	if resumeMap, ok := state[StateKeyResumeMap].(map[string]any); ok {
		_, ok := resumeMap[key]
		return ok
	}
	return false
}

// ClearResumeValue drops the keyed resume value without consuming it.
func ClearResumeValue(state State, key string) {
	if resumeMap, ok := state[StateKeyResumeMap].(map[string]any); ok {
		delete(resumeMap, key)
	}
}

// ClearAllResumeValues drops every pending resume value.
func ClearAllResumeValues(state State) {
	delete(state, ResumeChannel)
	delete(state, StateKeyResumeMap)
}
