//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

// Package store provides the namespaced key-value storage nodes use to
// share data across threads, as opposed to channel state which is scoped
// to one thread.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Item is one stored record.
type Item struct {
	// Namespace is a hierarchical path, e.g. ["users", "u42"].
	Namespace []string `json:"namespace"`
	// Key identifies the item within its namespace.
	Key string `json:"key"`
	// Value is the stored document.
	Value map[string]any `json:"value"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the cross-thread storage interface. Implementations must be
// safe for concurrent use.
type Store interface {
	// Put creates or replaces an item.
	Put(ctx context.Context, namespace []string, key string, value map[string]any) error
	// Get returns an item, or nil when absent.
	Get(ctx context.Context, namespace []string, key string) (*Item, error)
	// Delete removes an item. Deleting an absent item is not an error.
	Delete(ctx context.Context, namespace []string, key string) error
	// List returns all items under a namespace prefix, newest first.
	List(ctx context.Context, namespace []string) ([]*Item, error)
}

const nsSeparator = "\x1f"

func nsKey(namespace []string) string {
	return strings.Join(namespace, nsSeparator)
}

// InMemoryStore is a process-local Store for tests and single-process
// deployments.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string]map[string]*Item // namespace -> key -> item
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]map[string]*Item)}
}

// Put implements Store.
func (s *InMemoryStore) Put(ctx context.Context, namespace []string, key string, value map[string]any) error {
	now := time.Now().UTC()
	ns := nsKey(namespace)
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.items[ns]
	if !ok {
		bucket = make(map[string]*Item)
		s.items[ns] = bucket
	}
	createdAt := now
	if existing, ok := bucket[key]; ok {
		createdAt = existing.CreatedAt
	}
	bucket[key] = &Item{
		Namespace: append([]string(nil), namespace...),
		Key:       key,
		Value:     copyValue(value),
		CreatedAt: createdAt,
		UpdatedAt: now,
	}
	return nil
}

// Get implements Store.
func (s *InMemoryStore) Get(ctx context.Context, namespace []string, key string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket, ok := s.items[nsKey(namespace)]
	if !ok {
		return nil, nil
	}
	item, ok := bucket[key]
	if !ok {
		return nil, nil
	}
	return copyItem(item), nil
}

// Delete implements Store.
func (s *InMemoryStore) Delete(ctx context.Context, namespace []string, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok := s.items[nsKey(namespace)]; ok {
		delete(bucket, key)
	}
	return nil
}

// List implements Store. The namespace acts as a prefix: listing
// ["users"] also returns items stored under ["users", "u42"].
func (s *InMemoryStore) List(ctx context.Context, namespace []string) ([]*Item, error) {
	prefix := nsKey(namespace)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Item
	for ns, bucket := range s.items {
		if prefix != "" && ns != prefix && !strings.HasPrefix(ns, prefix+nsSeparator) {
			continue
		}
		for _, item := range bucket {
			out = append(out, copyItem(item))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func copyItem(item *Item) *Item {
	return &Item{
		Namespace: append([]string(nil), item.Namespace...),
		Key:       item.Key,
		Value:     copyValue(item.Value),
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.UpdatedAt,
	}
}

func copyValue(value map[string]any) map[string]any {
	if value == nil {
		return nil
	}
	out := make(map[string]any, len(value))
	for k, v := range value {
		out[k] = v
	}
	return out
}
