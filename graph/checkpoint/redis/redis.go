//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

// Package redis provides Redis-backed checkpoint storage. Checkpoints are
// stored as JSON in per-thread hashes with a sorted-set index for
// time-ordered listing, which suits multi-process deployments sharing one
// Redis instance.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stepfn/stepflow/graph"
)

const keyPrefix = "stepflow:ckpt"

// checkpointKey is the hash holding checkpointID -> record JSON.
func checkpointKey(threadID, namespace string) string {
	return fmt.Sprintf("%s:data:{%s}:%s", keyPrefix, threadID, namespace)
}

// indexKey is the sorted set scoring checkpoint IDs by timestamp.
func indexKey(threadID, namespace string) string {
	return fmt.Sprintf("%s:index:{%s}:%s", keyPrefix, threadID, namespace)
}

// writesKey holds the pending writes JSON for one checkpoint.
func writesKey(threadID, namespace, checkpointID string) string {
	return fmt.Sprintf("%s:writes:{%s}:%s:%s", keyPrefix, threadID, namespace, checkpointID)
}

// namespacesKey is the set of namespaces seen for a thread.
func namespacesKey(threadID string) string {
	return fmt.Sprintf("%s:ns:{%s}", keyPrefix, threadID)
}

// record is the stored envelope for one checkpoint.
type record struct {
	Checkpoint *graph.Checkpoint         `json:"checkpoint"`
	Metadata   *graph.CheckpointMetadata `json:"metadata"`
}

// Saver is a Redis-backed graph.CheckpointSaver.
type Saver struct {
	client   redis.UniversalClient
	ownsConn bool
}

// NewSaver wraps an existing client. The caller keeps ownership of the
// client; Close does not close it.
func NewSaver(client redis.UniversalClient) (*Saver, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	return &Saver{client: client}, nil
}

// NewSaverFromURL connects to the given redis URL
// (redis://<user>:<pass>@<host>:<port>/<db>) and owns the connection.
func NewSaverFromURL(url string) (*Saver, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Saver{client: redis.NewClient(opts), ownsConn: true}, nil
}

// Get retrieves a checkpoint by configuration.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

// GetTuple retrieves a checkpoint tuple. Without a checkpoint ID it
// returns the thread's newest checkpoint; an empty namespace searches
// every namespace the thread has written to.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	namespace := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)

	namespaces, err := s.resolveNamespaces(ctx, threadID, namespace)
	if err != nil || len(namespaces) == 0 {
		return nil, err
	}

	if checkpointID != "" {
		for _, ns := range namespaces {
			tuple, err := s.loadTuple(ctx, threadID, ns, checkpointID)
			if err != nil {
				return nil, err
			}
			if tuple != nil {
				return tuple, nil
			}
		}
		return nil, nil
	}

	// Newest across the candidate namespaces.
	bestNS, bestID := "", ""
	bestScore := float64(0)
	for _, ns := range namespaces {
		entries, err := s.client.ZRevRangeWithScores(ctx, indexKey(threadID, ns), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("read checkpoint index: %w", err)
		}
		if len(entries) == 0 {
			continue
		}
		id, _ := entries[0].Member.(string)
		if bestID == "" || entries[0].Score > bestScore ||
			(entries[0].Score == bestScore && id > bestID) {
			bestNS, bestID, bestScore = ns, id, entries[0].Score
		}
	}
	if bestID == "" {
		return nil, nil
	}
	return s.loadTuple(ctx, threadID, bestNS, bestID)
}

func (s *Saver) resolveNamespaces(ctx context.Context, threadID, namespace string) ([]string, error) {
	if namespace != "" {
		return []string{namespace}, nil
	}
	namespaces, err := s.client.SMembers(ctx, namespacesKey(threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read namespaces: %w", err)
	}
	return namespaces, nil
}

func (s *Saver) loadTuple(ctx context.Context, threadID, namespace, checkpointID string) (*graph.CheckpointTuple, error) {
	data, err := s.client.HGet(ctx, checkpointKey(threadID, namespace), checkpointID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var rec record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}

	tuple := &graph.CheckpointTuple{
		Config:     graph.CreateCheckpointConfig(threadID, checkpointID, namespace),
		Checkpoint: rec.Checkpoint,
		Metadata:   rec.Metadata,
	}
	if rec.Checkpoint != nil && rec.Checkpoint.ParentCheckpointID != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(threadID, rec.Checkpoint.ParentCheckpointID, namespace)
	}

	raw, err := s.client.Get(ctx, writesKey(threadID, namespace, checkpointID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read writes: %w", err)
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &tuple.PendingWrites); err != nil {
			return nil, fmt.Errorf("unmarshal writes: %w", err)
		}
	}
	return tuple, nil
}

// List retrieves a thread's checkpoints, newest first.
func (s *Saver) List(ctx context.Context, config map[string]any, filter *graph.CheckpointFilter) ([]*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	namespace := graph.GetNamespace(config)
	namespaces, err := s.resolveNamespaces(ctx, threadID, namespace)
	if err != nil {
		return nil, err
	}

	beforeScore, hasBefore, err := s.beforeScore(ctx, threadID, namespaces, filter)
	if err != nil {
		return nil, err
	}

	type entry struct {
		ns    string
		id    string
		score float64
	}
	var entries []entry
	for _, ns := range namespaces {
		members, err := s.client.ZRevRangeWithScores(ctx, indexKey(threadID, ns), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("read checkpoint index: %w", err)
		}
		for _, m := range members {
			id, _ := m.Member.(string)
			if hasBefore && m.Score >= beforeScore {
				continue
			}
			entries = append(entries, entry{ns: ns, id: id, score: m.Score})
		}
	}
	// Merge namespaces newest first; V7 IDs break timestamp ties.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].id > entries[j].id
	})

	var tuples []*graph.CheckpointTuple
	for _, e := range entries {
		tuple, err := s.loadTuple(ctx, threadID, e.ns, e.id)
		if err != nil {
			return nil, err
		}
		if tuple == nil || !matchesMetadata(tuple, filter) {
			continue
		}
		tuples = append(tuples, tuple)
		if filter != nil && filter.Limit > 0 && len(tuples) >= filter.Limit {
			break
		}
	}
	return tuples, nil
}

func (s *Saver) beforeScore(ctx context.Context, threadID string, namespaces []string, filter *graph.CheckpointFilter) (float64, bool, error) {
	if filter == nil || filter.Before == nil {
		return 0, false, nil
	}
	beforeID := graph.GetCheckpointID(filter.Before)
	if beforeID == "" {
		return 0, false, nil
	}
	for _, ns := range namespaces {
		score, err := s.client.ZScore(ctx, indexKey(threadID, ns), beforeID).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return 0, false, fmt.Errorf("resolve before filter: %w", err)
		}
		return score, true, nil
	}
	return 0, false, nil
}

func matchesMetadata(tuple *graph.CheckpointTuple, filter *graph.CheckpointFilter) bool {
	if filter == nil || filter.Metadata == nil {
		return true
	}
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
	return true
}

// Put stores a checkpoint and returns the config addressing it.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	return s.store(ctx, req.Config, req.Checkpoint, req.Metadata, nil)
}

// PutWrites stores task writes linked to an existing checkpoint.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	threadID := graph.GetThreadID(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if threadID == "" {
		return graph.ErrThreadIDRequired
	}
	if checkpointID == "" {
		return errors.New("checkpoint_id is required")
	}
	namespace := graph.GetNamespace(req.Config)
	data, err := json.Marshal(req.Writes)
	if err != nil {
		return fmt.Errorf("marshal writes: %w", err)
	}
	if err := s.client.Set(ctx, writesKey(threadID, namespace, checkpointID), data, 0).Err(); err != nil {
		return fmt.Errorf("store writes: %w", err)
	}
	return nil
}

// PutFull stores a checkpoint with its pending writes in one pipeline.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	return s.store(ctx, req.Config, req.Checkpoint, req.Metadata, req.PendingWrites)
}

func (s *Saver) store(ctx context.Context, config map[string]any, ckpt *graph.Checkpoint,
	meta *graph.CheckpointMetadata, writes []graph.PendingWrite) (map[string]any, error) {
	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	if ckpt == nil {
		return nil, errors.New("checkpoint cannot be nil")
	}
	namespace := graph.GetNamespace(config)

	data, err := json.Marshal(record{Checkpoint: ckpt, Metadata: meta})
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	ts := ckpt.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, checkpointKey(threadID, namespace), ckpt.ID, data)
	pipe.ZAdd(ctx, indexKey(threadID, namespace), redis.Z{
		Score:  float64(ts.UnixNano()),
		Member: ckpt.ID,
	})
	pipe.SAdd(ctx, namespacesKey(threadID), namespace)
	if len(writes) > 0 {
		writesData, err := json.Marshal(writes)
		if err != nil {
			return nil, fmt.Errorf("marshal writes: %w", err)
		}
		pipe.Set(ctx, writesKey(threadID, namespace, ckpt.ID), writesData, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store checkpoint: %w", err)
	}
	return graph.CreateCheckpointConfig(threadID, ckpt.ID, namespace), nil
}

// DeleteThread removes all checkpoints and writes for a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return graph.ErrThreadIDRequired
	}
	namespaces, err := s.resolveNamespaces(ctx, threadID, "")
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	for _, ns := range namespaces {
		ids, err := s.client.ZRange(ctx, indexKey(threadID, ns), 0, -1).Result()
		if err != nil {
			return fmt.Errorf("read checkpoint index: %w", err)
		}
		for _, id := range ids {
			pipe.Del(ctx, writesKey(threadID, ns, id))
		}
		pipe.Del(ctx, checkpointKey(threadID, ns), indexKey(threadID, ns))
	}
	pipe.Del(ctx, namespacesKey(threadID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

// Close closes the connection when this saver created it.
func (s *Saver) Close() error {
	if s.ownsConn {
		return s.client.Close()
	}
	return nil
}
