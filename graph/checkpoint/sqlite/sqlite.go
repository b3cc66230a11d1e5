//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

// Package sqlite provides SQLite-backed checkpoint storage. Checkpoints
// and metadata are stored as JSON blobs, pending writes as one row per
// channel write. Pair it with a persistent database file for durable
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stepfn/stepflow/graph"
)

const (
	createCheckpointsTable = `CREATE TABLE IF NOT EXISTS checkpoints (
		thread_id TEXT NOT NULL,
		checkpoint_ns TEXT NOT NULL,
		checkpoint_id TEXT NOT NULL,
		parent_checkpoint_id TEXT,
		ts INTEGER NOT NULL,
		checkpoint_json BLOB NOT NULL,
		metadata_json BLOB NOT NULL,
		PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
	)`

	createWritesTable = `CREATE TABLE IF NOT EXISTS checkpoint_writes (
		thread_id TEXT NOT NULL,
		checkpoint_ns TEXT NOT NULL,
		checkpoint_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		channel TEXT NOT NULL,
		value_json BLOB NOT NULL,
		seq INTEGER NOT NULL,
		PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)
	)`

	insertCheckpointSQL = `INSERT OR REPLACE INTO checkpoints
		(thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, ts, checkpoint_json, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	insertWriteSQL = `INSERT OR REPLACE INTO checkpoint_writes
		(thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, value_json, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	selectWrites = `SELECT task_id, channel, value_json, seq FROM checkpoint_writes
		WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? ORDER BY seq, idx`

	deleteThreadCheckpoints = `DELETE FROM checkpoints WHERE thread_id = ?`
	deleteThreadWrites      = `DELETE FROM checkpoint_writes WHERE thread_id = ?`
)

// Saver is a SQLite-backed graph.CheckpointSaver. It expects an opened
// *sql.DB using a SQLite driver and creates its schema on construction.
type Saver struct {
	db *sql.DB
}

// NewSaver wraps db and creates the checkpoint tables if needed.
func NewSaver(db *sql.DB) (*Saver, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if _, err := db.Exec(createCheckpointsTable); err != nil {
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}
	if _, err := db.Exec(createWritesTable); err != nil {
		return nil, fmt.Errorf("create writes table: %w", err)
	}
	return &Saver{db: db}, nil
}

// Get retrieves a checkpoint by configuration.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

// row is one checkpoints table row ready for decoding.
type row struct {
	threadID       string
	namespace      string
	checkpointID   string
	parentID       sql.NullString
	checkpointJSON []byte
	metadataJSON   []byte
}

// GetTuple retrieves a checkpoint tuple. Without a checkpoint ID it
// returns the newest checkpoint; an empty namespace searches every
// namespace.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	namespace := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)

	r, err := s.queryRow(ctx, threadID, namespace, checkpointID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s.decodeTuple(ctx, r)
}

// queryRow fetches a single checkpoint row. The four shapes come from the
// cross product of (latest, by ID) x (all namespaces, one namespace).
func (s *Saver) queryRow(ctx context.Context, threadID, namespace, checkpointID string) (*row, error) {
	query := `SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, checkpoint_json, metadata_json
		FROM checkpoints WHERE thread_id = ?`
	args := []any{threadID}
	if namespace != "" {
		query += " AND checkpoint_ns = ?"
		args = append(args, namespace)
	}
	if checkpointID != "" {
		query += " AND checkpoint_id = ?"
		args = append(args, checkpointID)
	} else {
		query += " ORDER BY ts DESC, checkpoint_id DESC"
	}
	query += " LIMIT 1"

	var r row
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&r.threadID, &r.namespace, &r.checkpointID, &r.parentID, &r.checkpointJSON, &r.metadataJSON)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Saver) decodeTuple(ctx context.Context, r *row) (*graph.CheckpointTuple, error) {
	var ckpt graph.Checkpoint
	if err := json.Unmarshal(r.checkpointJSON, &ckpt); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	var meta graph.CheckpointMetadata
	if err := json.Unmarshal(r.metadataJSON, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	writes, err := s.loadWrites(ctx, r.threadID, r.namespace, r.checkpointID)
	if err != nil {
		return nil, err
	}
	tuple := &graph.CheckpointTuple{
		Config:        graph.CreateCheckpointConfig(r.threadID, r.checkpointID, r.namespace),
		Checkpoint:    &ckpt,
		Metadata:      &meta,
		PendingWrites: writes,
	}
	if r.parentID.Valid && r.parentID.String != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(r.threadID, r.parentID.String, r.namespace)
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

	query := `SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, checkpoint_json, metadata_json
		FROM checkpoints WHERE thread_id = ?`
	args := []any{threadID}
	if namespace != "" {
		query += " AND checkpoint_ns = ?"
		args = append(args, namespace)
	}
	if beforeTS, ok, err := s.beforeTimestamp(ctx, threadID, filter); err != nil {
		return nil, err
	} else if ok {
		query += " AND ts < ?"
		args = append(args, beforeTS)
	}
	query += " ORDER BY ts DESC, checkpoint_id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select checkpoints: %w", err)
	}
	defer rows.Close()

	var tuples []*graph.CheckpointTuple
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.threadID, &r.namespace, &r.checkpointID, &r.parentID,
			&r.checkpointJSON, &r.metadataJSON); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		tuple, err := s.decodeTuple(ctx, &r)
		if err != nil {
			return nil, err
		}
		if !matchesMetadata(tuple, filter) {
			continue
		}
		tuples = append(tuples, tuple)
		if filter != nil && filter.Limit > 0 && len(tuples) >= filter.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter checkpoints: %w", err)
	}
	return tuples, nil
}

// beforeTimestamp resolves the Before filter to the referenced
// checkpoint's timestamp. A missing reference disables the filter.
func (s *Saver) beforeTimestamp(ctx context.Context, threadID string, filter *graph.CheckpointFilter) (int64, bool, error) {
	if filter == nil || filter.Before == nil {
		return 0, false, nil
	}
	beforeID := graph.GetCheckpointID(filter.Before)
	if beforeID == "" {
		return 0, false, nil
	}
	var ts int64
	err := s.db.QueryRowContext(ctx,
		"SELECT ts FROM checkpoints WHERE thread_id = ? AND checkpoint_id = ? LIMIT 1",
		threadID, beforeID).Scan(&ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("resolve before filter: %w", err)
	}
	return ts, true, nil
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
	threadID, namespace, err := validatePut(req.Config, req.Checkpoint)
	if err != nil {
		return nil, err
	}
	if err := s.insertCheckpoint(ctx, s.db, threadID, namespace, req.Checkpoint, req.Metadata); err != nil {
		return nil, err
	}
	return graph.CreateCheckpointConfig(threadID, req.Checkpoint.ID, namespace), nil
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := insertWrites(ctx, tx, threadID, namespace, checkpointID, req.Writes); err != nil {
		return err
	}
	return tx.Commit()
}

// PutFull stores a checkpoint and its pending writes in one transaction.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	threadID, namespace, err := validatePut(req.Config, req.Checkpoint)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertCheckpoint(ctx, tx, threadID, namespace, req.Checkpoint, req.Metadata); err != nil {
		return nil, err
	}
	if err := insertWrites(ctx, tx, threadID, namespace, req.Checkpoint.ID, req.PendingWrites); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return graph.CreateCheckpointConfig(threadID, req.Checkpoint.ID, namespace), nil
}

func validatePut(config map[string]any, ckpt *graph.Checkpoint) (threadID, namespace string, err error) {
	threadID = graph.GetThreadID(config)
	if threadID == "" {
		return "", "", graph.ErrThreadIDRequired
	}
	if ckpt == nil {
		return "", "", errors.New("checkpoint cannot be nil")
	}
	return threadID, graph.GetNamespace(config), nil
}

// execer covers *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Saver) insertCheckpoint(ctx context.Context, db execer, threadID, namespace string,
	ckpt *graph.Checkpoint, meta *graph.CheckpointMetadata) error {
	checkpointJSON, err := json.Marshal(ckpt)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if meta == nil {
		meta = graph.NewCheckpointMetadata(graph.CheckpointSourceUpdate, 0)
	}
	metadataJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	ts := ckpt.Timestamp.UnixNano()
	if ckpt.Timestamp.IsZero() {
		ts = time.Now().UTC().UnixNano()
	}
	_, err = db.ExecContext(ctx, insertCheckpointSQL,
		threadID, namespace, ckpt.ID, ckpt.ParentCheckpointID, ts, checkpointJSON, metadataJSON)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

func insertWrites(ctx context.Context, db execer, threadID, namespace, checkpointID string,
	writes []graph.PendingWrite) error {
	for idx, w := range writes {
		valueJSON, err := json.Marshal(w.Value)
		if err != nil {
			return fmt.Errorf("marshal write value: %w", err)
		}
		_, err = db.ExecContext(ctx, insertWriteSQL,
			threadID, namespace, checkpointID, w.TaskID, idx, w.Channel, valueJSON, w.Sequence)
		if err != nil {
			return fmt.Errorf("insert write: %w", err)
		}
	}
	return nil
}

func (s *Saver) loadWrites(ctx context.Context, threadID, namespace, checkpointID string) ([]graph.PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, selectWrites, threadID, namespace, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("select writes: %w", err)
	}
	defer rows.Close()

	var writes []graph.PendingWrite
	for rows.Next() {
		var w graph.PendingWrite
		var valueJSON []byte
		if err := rows.Scan(&w.TaskID, &w.Channel, &valueJSON, &w.Sequence); err != nil {
			return nil, fmt.Errorf("scan write: %w", err)
		}
		if err := json.Unmarshal(valueJSON, &w.Value); err != nil {
			return nil, fmt.Errorf("unmarshal write value: %w", err)
		}
		writes = append(writes, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter writes: %w", err)
	}
	return writes, nil
}

// DeleteThread removes all checkpoints and writes for a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return graph.ErrThreadIDRequired
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, deleteThreadCheckpoints, threadID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	if _, err := tx.ExecContext(ctx, deleteThreadWrites, threadID); err != nil {
		return fmt.Errorf("delete writes: %w", err)
	}
	return tx.Commit()
}

// Close closes the underlying database.
func (s *Saver) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
