//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

// Package inmemory provides in-memory checkpoint storage for graph
// execution state. It is suitable for tests and single-process runs; the
// sqlite and redis savers cover durable deployments.
package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/stepfn/stepflow/graph"
)

// thread holds one thread's checkpoints, partitioned by namespace.
type thread struct {
	// tuples maps namespace -> checkpointID -> stored tuple.
	tuples map[string]map[string]*graph.CheckpointTuple
	// writes maps namespace -> checkpointID -> pending task writes.
	writes map[string]map[string][]graph.PendingWrite
}

func newThread() *thread {
	return &thread{
		tuples: make(map[string]map[string]*graph.CheckpointTuple),
		writes: make(map[string]map[string][]graph.PendingWrite),
	}
}

// Saver is an in-memory graph.CheckpointSaver.
type Saver struct {
	mu      sync.RWMutex
	threads map[string]*thread
	// maxPerThread caps retained checkpoints per thread and namespace;
	// oldest are evicted first.
	maxPerThread int
}

// NewSaver creates an empty in-memory saver.
func NewSaver() *Saver {
	return &Saver{
		threads:      make(map[string]*thread),
		maxPerThread: graph.DefaultMaxCheckpointsPerThread,
	}
}

// WithMaxCheckpointsPerThread sets the retention cap per thread.
func (s *Saver) WithMaxCheckpointsPerThread(max int) *Saver {
	if max > 0 {
		s.maxPerThread = max
	}
	return s
}

// Get retrieves a checkpoint by configuration.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

// GetTuple retrieves a checkpoint tuple by configuration. With no
// checkpoint ID in the config it returns the thread's newest checkpoint;
// with an empty namespace it searches every namespace.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	th, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}

	namespace := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)
	if checkpointID == "" {
		tuple, ns := latestTuple(th, namespace)
		if tuple == nil {
			return nil, nil
		}
		return th.result(tuple, ns), nil
	}

	tuple, ns := findByID(th, namespace, checkpointID)
	if tuple == nil {
		return nil, nil
	}
	return th.result(tuple, ns), nil
}

// latestTuple returns the newest tuple in the namespace, or across all
// namespaces when it is empty. V7 checkpoint IDs order by creation time,
// with the timestamp as tie-break for foreign IDs.
func latestTuple(th *thread, namespace string) (*graph.CheckpointTuple, string) {
	var best *graph.CheckpointTuple
	bestNS := ""
	consider := func(ns string, tuple *graph.CheckpointTuple) {
		if tuple.Checkpoint == nil {
			return
		}
		if best == nil || newerThan(tuple, best) {
			best = tuple
			bestNS = ns
		}
	}
	for ns, checkpoints := range th.tuples {
		if namespace != "" && ns != namespace {
			continue
		}
		for _, tuple := range checkpoints {
			consider(ns, tuple)
		}
	}
	return best, bestNS
}

func newerThan(a, b *graph.CheckpointTuple) bool {
	if !a.Checkpoint.Timestamp.Equal(b.Checkpoint.Timestamp) {
		return a.Checkpoint.Timestamp.After(b.Checkpoint.Timestamp)
	}
	return a.Checkpoint.ID > b.Checkpoint.ID
}

func findByID(th *thread, namespace, checkpointID string) (*graph.CheckpointTuple, string) {
	if namespace != "" {
		if checkpoints, ok := th.tuples[namespace]; ok {
			return checkpoints[checkpointID], namespace
		}
		return nil, ""
	}
	for ns, checkpoints := range th.tuples {
		if tuple, ok := checkpoints[checkpointID]; ok {
			return tuple, ns
		}
	}
	return nil, ""
}

// result copies a stored tuple and attaches its pending writes.
func (th *thread) result(tuple *graph.CheckpointTuple, namespace string) *graph.CheckpointTuple {
	out := &graph.CheckpointTuple{
		Config:       tuple.Config,
		Checkpoint:   tuple.Checkpoint.Copy(),
		Metadata:     tuple.Metadata,
		ParentConfig: tuple.ParentConfig,
	}
	if writes, ok := th.writes[namespace][tuple.Checkpoint.ID]; ok {
		out.PendingWrites = make([]graph.PendingWrite, len(writes))
		copy(out.PendingWrites, writes)
	}
	return out
}

// List retrieves a thread's checkpoints, newest first.
func (s *Saver) List(ctx context.Context, config map[string]any, filter *graph.CheckpointFilter) ([]*graph.CheckpointTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	th, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	namespace := graph.GetNamespace(config)

	var results []*graph.CheckpointTuple
	for ns, checkpoints := range th.tuples {
		if namespace != "" && ns != namespace {
			continue
		}
		for _, tuple := range checkpoints {
			if !passesFilter(tuple, checkpoints, filter) {
				continue
			}
			results = append(results, th.result(tuple, ns))
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return newerThan(results[i], results[j])
	})
	if filter != nil && filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// Put stores a checkpoint and returns the config addressing it.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(req.Config, req.Checkpoint, req.Metadata, nil)
}

// PutWrites stores task writes linked to an existing checkpoint.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	threadID := graph.GetThreadID(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if threadID == "" {
		return graph.ErrThreadIDRequired
	}
	if checkpointID == "" {
		return graph.ErrCheckpointNotFound
	}
	th, ok := s.threads[threadID]
	if !ok {
		return graph.ErrCheckpointNotFound
	}
	namespace := graph.GetNamespace(req.Config)
	if th.writes[namespace] == nil {
		th.writes[namespace] = make(map[string][]graph.PendingWrite)
	}
	writes := make([]graph.PendingWrite, len(req.Writes))
	copy(writes, req.Writes)
	th.writes[namespace][checkpointID] = writes
	return nil
}

// PutFull stores a checkpoint together with its pending writes.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(req.Config, req.Checkpoint, req.Metadata, req.PendingWrites)
}

func (s *Saver) putLocked(config map[string]any, ckpt *graph.Checkpoint, metadata *graph.CheckpointMetadata, writes []graph.PendingWrite) (map[string]any, error) {
	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	if ckpt == nil {
		return nil, graph.ErrCheckpointNotFound
	}
	namespace := graph.GetNamespace(config)

	th, ok := s.threads[threadID]
	if !ok {
		th = newThread()
		s.threads[threadID] = th
	}
	if th.tuples[namespace] == nil {
		th.tuples[namespace] = make(map[string]*graph.CheckpointTuple)
	}

	// The returned config carries this checkpoint's ID so callers can
	// address it directly.
	updatedConfig := graph.CreateCheckpointConfig(threadID, ckpt.ID, namespace)
	tuple := &graph.CheckpointTuple{
		Config:     updatedConfig,
		Checkpoint: ckpt.Copy(),
		Metadata:   metadata,
	}
	if parentID := ckpt.ParentCheckpointID; parentID != "" {
		parentNS := namespace
		if _, ns := findByID(th, "", parentID); ns != "" {
			parentNS = ns
		}
		tuple.ParentConfig = graph.CreateCheckpointConfig(threadID, parentID, parentNS)
	}
	th.tuples[namespace][ckpt.ID] = tuple

	if len(writes) > 0 {
		if th.writes[namespace] == nil {
			th.writes[namespace] = make(map[string][]graph.PendingWrite)
		}
		stored := make([]graph.PendingWrite, len(writes))
		copy(stored, writes)
		th.writes[namespace][ckpt.ID] = stored
	}

	s.evictLocked(th, namespace)
	return updatedConfig, nil
}

// evictLocked drops the oldest checkpoints beyond the retention cap.
func (s *Saver) evictLocked(th *thread, namespace string) {
	checkpoints := th.tuples[namespace]
	if len(checkpoints) <= s.maxPerThread {
		return
	}
	ids := make([]string, 0, len(checkpoints))
	for id := range checkpoints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return newerThan(checkpoints[ids[j]], checkpoints[ids[i]])
	})
	for _, id := range ids[:len(ids)-s.maxPerThread] {
		delete(checkpoints, id)
		delete(th.writes[namespace], id)
	}
}

// DeleteThread removes all checkpoints and writes for a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

// Close drops all stored data.
func (s *Saver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = make(map[string]*thread)
	return nil
}

func passesFilter(tuple *graph.CheckpointTuple, checkpoints map[string]*graph.CheckpointTuple, filter *graph.CheckpointFilter) bool {
	if filter == nil {
		return true
	}
	if beforeID := graph.GetCheckpointID(filter.Before); beforeID != "" {
		before, ok := checkpoints[beforeID]
		if !ok || !newerThan(before, tuple) {
			return false
		}
	}
	if filter.Metadata != nil {
		if tuple.Metadata == nil {
			return false
		}
		for key, value := range filter.Metadata {
			if key == "source" {
				if src, ok := value.(string); !ok || tuple.Metadata.Source != src {
					return false
				}
				continue
			}
			if tuple.Metadata.Extra == nil || tuple.Metadata.Extra[key] != value {
				return false
			}
		}
	}
	return true
}
