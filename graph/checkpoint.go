//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

package graph

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/stepfn/stepflow/graph/internal/channel"
)

const (
	// CheckpointVersion is the current version of the checkpoint format.
	CheckpointVersion = 1

	// CheckpointSourceInput marks a checkpoint taken before the first superstep.
	CheckpointSourceInput = "input"
	// CheckpointSourceLoop marks a checkpoint taken after a superstep commit.
	CheckpointSourceLoop = "loop"
	// CheckpointSourceUpdate marks a checkpoint created by a manual state edit.
	CheckpointSourceUpdate = "update"
	// CheckpointSourceFork marks a checkpoint created as a branch copy.
	CheckpointSourceFork = "fork"
	// CheckpointSourceInterrupt marks a checkpoint taken when a run paused.
	CheckpointSourceInterrupt = "interrupt"

	// DefaultCheckpointNamespace is the default namespace for checkpoints.
	DefaultCheckpointNamespace = ""
	// DefaultMaxCheckpointsPerThread caps retained checkpoints per thread in
	// bounded savers.
	DefaultMaxCheckpointsPerThread = 100
)

// newCheckpointID returns a time-ordered unique ID. V7 UUIDs sort
// lexically in creation order, which List implementations rely on.
func newCheckpointID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Checkpoint is a durable snapshot of every tracked channel plus the
// scheduling frontier, sufficient to restart the run mid-flight.
type Checkpoint struct {
	// Version is the checkpoint format version.
	Version int `json:"v"`
	// ID is unique and time-ordered within a thread.
	ID string `json:"id"`
	// Timestamp is when the checkpoint was created.
	Timestamp time.Time `json:"ts"`
	// Channels holds the per-channel snapshots. Untracked channels are
	// absent.
	Channels map[string]channel.Snapshot `json:"channels"`
	// ChannelVersions records each channel's monotonic version.
	ChannelVersions map[string]int64 `json:"channel_versions"`
	// ParentCheckpointID links to the checkpoint this one extends or forks.
	ParentCheckpointID string `json:"parent_checkpoint_id,omitempty"`
	// UpdatedChannels lists the channels committed in the step that
	// produced this checkpoint. Planning for the next step starts here.
	UpdatedChannels []string `json:"updated_channels,omitempty"`
	// PendingSends are dynamic dispatches queued for the next step.
	PendingSends []PendingSend `json:"pending_sends,omitempty"`
	// InterruptState is set when the run paused inside a node.
	InterruptState *InterruptState `json:"interrupt_state,omitempty"`
	// NextNodes are the nodes the scheduler would run next.
	NextNodes []string `json:"next_nodes,omitempty"`
	// NextChannels are the trigger channels pending consumption.
	NextChannels []string `json:"next_channels,omitempty"`
}

// InterruptState records where and why a run paused.
type InterruptState struct {
	NodeID string `json:"node_id"`
	TaskID string `json:"task_id"`
	// InterruptValue is the payload surfaced to the caller.
	InterruptValue any `json:"interrupt_value"`
	// ResumeValues are consumed in order by repeated pause points.
	ResumeValues []any `json:"resume_values,omitempty"`
	// UsedInterrupts maps pause keys to the resume values already consumed,
	// so replayed code takes the recorded branch.
	UsedInterrupts map[string]any `json:"used_interrupts,omitempty"`
	Step           int            `json:"step"`
	Path           []string       `json:"path,omitempty"`
}

// PendingSend is one queued dynamic dispatch.
type PendingSend struct {
	Node   string `json:"node"`
	Arg    any    `json:"arg"`
	TaskID string `json:"task_id,omitempty"`
}

// PendingWrite is one committed task write awaiting replay after a resume.
type PendingWrite struct {
	TaskID  string `json:"task_id"`
	Channel string `json:"channel"`
	Value   any    `json:"value"`
	// Sequence orders writes globally for deterministic replay.
	Sequence int64 `json:"sequence"`
}

// CheckpointMetadata describes how and when a checkpoint was produced.
type CheckpointMetadata struct {
	// Source is one of the CheckpointSource constants.
	Source string `json:"source"`
	// Step is -1 for input checkpoints and the superstep index otherwise.
	Step int `json:"step"`
	// Parents maps namespaces to parent checkpoint IDs.
	Parents map[string]string `json:"parents"`
	Extra   map[string]any    `json:"extra,omitempty"`
}

// CheckpointTuple bundles a checkpoint with its addressing config,
// metadata, and uncommitted writes.
type CheckpointTuple struct {
	Config        map[string]any      `json:"config"`
	Checkpoint    *Checkpoint         `json:"checkpoint"`
	Metadata      *CheckpointMetadata `json:"metadata"`
	ParentConfig  map[string]any      `json:"parent_config,omitempty"`
	PendingWrites []PendingWrite      `json:"pending_writes,omitempty"`
}

// PutRequest carries a checkpoint to storage.
type PutRequest struct {
	Config      map[string]any
	Checkpoint  *Checkpoint
	Metadata    *CheckpointMetadata
	NewVersions map[string]int64
}

// PutWritesRequest carries task writes linked to a checkpoint.
type PutWritesRequest struct {
	Config   map[string]any
	Writes   []PendingWrite
	TaskID   string
	TaskPath string
}

// PutFullRequest stores a checkpoint and its writes atomically.
type PutFullRequest struct {
	Config        map[string]any
	Checkpoint    *Checkpoint
	Metadata      *CheckpointMetadata
	NewVersions   map[string]int64
	PendingWrites []PendingWrite
}

// CheckpointSaver is the storage interface for checkpoints. Savers must
// serialize writes within a thread; cross-thread operations may run
// concurrently.
type CheckpointSaver interface {
	// Get retrieves a checkpoint by configuration.
	Get(ctx context.Context, config map[string]any) (*Checkpoint, error)
	// GetTuple retrieves a checkpoint with metadata and pending writes.
	GetTuple(ctx context.Context, config map[string]any) (*CheckpointTuple, error)
	// List returns checkpoints for a thread, newest first.
	List(ctx context.Context, config map[string]any, filter *CheckpointFilter) ([]*CheckpointTuple, error)
	// Put stores a checkpoint and returns the config addressing it.
	Put(ctx context.Context, req PutRequest) (map[string]any, error)
	// PutWrites stores intermediate task writes linked to a checkpoint.
	PutWrites(ctx context.Context, req PutWritesRequest) error
	// PutFull stores a checkpoint with its writes in one transaction.
	PutFull(ctx context.Context, req PutFullRequest) (map[string]any, error)
	// DeleteThread removes all checkpoints for a thread.
	DeleteThread(ctx context.Context, threadID string) error
	// Close releases resources held by the saver.
	Close() error
}

// CheckpointFilter narrows List results.
type CheckpointFilter struct {
	// Before limits results to checkpoints older than the referenced one.
	Before map[string]any `json:"before,omitempty"`
	// Limit caps the number of results. Zero means no cap.
	Limit int `json:"limit,omitempty"`
	// Metadata requires exact matches on metadata fields.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CheckpointTree is the fork structure of a thread's checkpoints.
type CheckpointTree struct {
	Root     *CheckpointNode            `json:"root"`
	Branches map[string]*CheckpointNode `json:"branches"`
}

// CheckpointNode is one checkpoint in the tree.
type CheckpointNode struct {
	Checkpoint *CheckpointTuple  `json:"checkpoint"`
	Children   []*CheckpointNode `json:"children"`
	Parent     *CheckpointNode   `json:"-"`
}

// CheckpointConfig addresses checkpoints within a thread.
type CheckpointConfig struct {
	// ThreadID identifies the durable run this checkpoint belongs to.
	ThreadID string
	// CheckpointID selects a specific checkpoint; empty means latest.
	CheckpointID string
	// Namespace partitions checkpoints within a thread.
	Namespace string
	// ResumeMap maps pause keys to resume values.
	ResumeMap map[string]any
	Extra     map[string]any
}

// NewCheckpoint creates a checkpoint from channel snapshots.
func NewCheckpoint(channels map[string]channel.Snapshot, versions map[string]int64) *Checkpoint {
	if channels == nil {
		channels = make(map[string]channel.Snapshot)
	}
	if versions == nil {
		versions = make(map[string]int64)
	}
	return &Checkpoint{
		Version:         CheckpointVersion,
		ID:              newCheckpointID(),
		Timestamp:       time.Now().UTC(),
		Channels:        channels,
		ChannelVersions: versions,
	}
}

// NewCheckpointMetadata creates metadata for the given source and step.
func NewCheckpointMetadata(source string, step int) *CheckpointMetadata {
	return &CheckpointMetadata{
		Source:  source,
		Step:    step,
		Parents: make(map[string]string),
		Extra:   make(map[string]any),
	}
}

// NewCheckpointConfig creates a config for the given thread.
func NewCheckpointConfig(threadID string) *CheckpointConfig {
	return &CheckpointConfig{
		ThreadID:  threadID,
		Namespace: DefaultCheckpointNamespace,
		ResumeMap: make(map[string]any),
		Extra:     make(map[string]any),
	}
}

// WithCheckpointID selects a specific checkpoint.
func (c *CheckpointConfig) WithCheckpointID(checkpointID string) *CheckpointConfig {
	c.CheckpointID = checkpointID
	return c
}

// WithNamespace sets the namespace.
func (c *CheckpointConfig) WithNamespace(namespace string) *CheckpointConfig {
	c.Namespace = namespace
	return c
}

// WithResumeMap sets the resume map.
func (c *CheckpointConfig) WithResumeMap(resumeMap map[string]any) *CheckpointConfig {
	c.ResumeMap = resumeMap
	return c
}

// ToMap flattens the config into the map form savers consume.
func (c *CheckpointConfig) ToMap() map[string]any {
	configurable := map[string]any{
		CfgKeyThreadID:     c.ThreadID,
		CfgKeyCheckpointNS: c.Namespace,
	}
	if c.CheckpointID != "" {
		configurable[CfgKeyCheckpointID] = c.CheckpointID
	}
	if len(c.ResumeMap) > 0 {
		configurable[CfgKeyResumeMap] = c.ResumeMap
	}
	config := map[string]any{CfgKeyConfigurable: configurable}
	maps.Copy(config, c.Extra)
	return config
}

// CreateCheckpointConfig builds a config map directly.
func CreateCheckpointConfig(threadID, checkpointID, namespace string) map[string]any {
	cfg := NewCheckpointConfig(threadID).WithNamespace(namespace)
	if checkpointID != "" {
		cfg.WithCheckpointID(checkpointID)
	}
	return cfg.ToMap()
}

// GetThreadID extracts the thread ID from a config map.
func GetThreadID(config map[string]any) string {
	if configurable, ok := config[CfgKeyConfigurable].(map[string]any); ok {
		if id, ok := configurable[CfgKeyThreadID].(string); ok {
			return id
		}
	}
	return ""
}

// GetCheckpointID extracts the checkpoint ID from a config map.
func GetCheckpointID(config map[string]any) string {
	if configurable, ok := config[CfgKeyConfigurable].(map[string]any); ok {
		if id, ok := configurable[CfgKeyCheckpointID].(string); ok {
			return id
		}
	}
	return ""
}

// GetNamespace extracts the namespace from a config map.
func GetNamespace(config map[string]any) string {
	if configurable, ok := config[CfgKeyConfigurable].(map[string]any); ok {
		if ns, ok := configurable[CfgKeyCheckpointNS].(string); ok {
			return ns
		}
	}
	return DefaultCheckpointNamespace
}

// GetResumeMap extracts the resume map from a config map.
func GetResumeMap(config map[string]any) map[string]any {
	if configurable, ok := config[CfgKeyConfigurable].(map[string]any); ok {
		if rm, ok := configurable[CfgKeyResumeMap].(map[string]any); ok {
			return rm
		}
	}
	return nil
}

// Copy deep-copies the checkpoint, preserving its ID.
func (c *Checkpoint) Copy() *Checkpoint {
	if c == nil {
		return nil
	}
	channels := make(map[string]channel.Snapshot, len(c.Channels))
	for name, snap := range c.Channels {
		channels[name] = channel.Snapshot{
			Value:    deepCopyAny(snap.Value),
			HasValue: snap.HasValue,
			Values:   deepCopySlice(snap.Values),
			Seen:     deepCopyStringSlice(snap.Seen),
			Version:  snap.Version,
		}
	}
	versions := make(map[string]int64, len(c.ChannelVersions))
	for k, v := range c.ChannelVersions {
		versions[k] = v
	}
	pendingSends := make([]PendingSend, len(c.PendingSends))
	for i, send := range c.PendingSends {
		pendingSends[i] = PendingSend{
			Node:   send.Node,
			Arg:    deepCopyAny(send.Arg),
			TaskID: send.TaskID,
		}
	}
	var interruptState *InterruptState
	if c.InterruptState != nil {
		interruptState = &InterruptState{
			NodeID:         c.InterruptState.NodeID,
			TaskID:         c.InterruptState.TaskID,
			InterruptValue: deepCopyAny(c.InterruptState.InterruptValue),
			Step:           c.InterruptState.Step,
			Path:           deepCopyStringSlice(c.InterruptState.Path),
			ResumeValues:   deepCopySlice(c.InterruptState.ResumeValues),
		}
		if c.InterruptState.UsedInterrupts != nil {
			interruptState.UsedInterrupts = deepCopyMap(c.InterruptState.UsedInterrupts)
		}
	}
	return &Checkpoint{
		Version:            c.Version,
		ID:                 c.ID,
		Timestamp:          c.Timestamp,
		Channels:           channels,
		ChannelVersions:    versions,
		ParentCheckpointID: c.ParentCheckpointID,
		UpdatedChannels:    deepCopyStringSlice(c.UpdatedChannels),
		PendingSends:       pendingSends,
		InterruptState:     interruptState,
		NextNodes:          deepCopyStringSlice(c.NextNodes),
		NextChannels:       deepCopyStringSlice(c.NextChannels),
	}
}

// Fork copies the checkpoint under a new ID, parented to the original.
func (c *Checkpoint) Fork() *Checkpoint {
	if c == nil {
		return nil
	}
	forked := c.Copy()
	forked.ParentCheckpointID = c.ID
	forked.ID = newCheckpointID()
	forked.Timestamp = time.Now().UTC()
	return forked
}

// IsInterrupted reports whether the checkpoint captured a paused run.
func (c *Checkpoint) IsInterrupted() bool {
	return c.InterruptState != nil && c.InterruptState.NodeID != ""
}

// SetInterruptState records where the run paused.
func (c *Checkpoint) SetInterruptState(nodeID, taskID string, value any, step int, path []string) {
	c.InterruptState = &InterruptState{
		NodeID:         nodeID,
		TaskID:         taskID,
		InterruptValue: value,
		Step:           step,
		Path:           append([]string(nil), path...),
	}
}

// ClearInterruptState removes any recorded pause.
func (c *Checkpoint) ClearInterruptState() {
	c.InterruptState = nil
}

// CheckpointManager layers thread-level operations over a saver.
type CheckpointManager struct {
	saver CheckpointSaver
}

// NewCheckpointManager creates a manager over the given saver.
func NewCheckpointManager(saver CheckpointSaver) *CheckpointManager {
	return &CheckpointManager{saver: saver}
}

// Saver returns the underlying saver.
func (cm *CheckpointManager) Saver() CheckpointSaver { return cm.saver }

// Latest returns the newest checkpoint for a thread and namespace, or nil.
func (cm *CheckpointManager) Latest(ctx context.Context, threadID, namespace string) (*CheckpointTuple, error) {
	if cm.saver == nil {
		return nil, ErrCheckpointSaverRequired
	}
	config := CreateCheckpointConfig(threadID, "", namespace)
	tuples, err := cm.saver.List(ctx, config, &CheckpointFilter{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(tuples) == 0 {
		return nil, nil
	}
	return tuples[0], nil
}

// Goto fetches a specific checkpoint by ID.
func (cm *CheckpointManager) Goto(ctx context.Context, threadID, namespace, checkpointID string) (*CheckpointTuple, error) {
	if cm.saver == nil {
		return nil, ErrCheckpointSaverRequired
	}
	config := CreateCheckpointConfig(threadID, checkpointID, namespace)
	return cm.saver.GetTuple(ctx, config)
}

// List returns checkpoints for a thread, newest first.
func (cm *CheckpointManager) List(ctx context.Context, config map[string]any, filter *CheckpointFilter) ([]*CheckpointTuple, error) {
	if cm.saver == nil {
		return nil, ErrCheckpointSaverRequired
	}
	return cm.saver.List(ctx, config, filter)
}

// DeleteThread removes all checkpoints for a thread.
func (cm *CheckpointManager) DeleteThread(ctx context.Context, threadID string) error {
	if cm.saver == nil {
		return ErrCheckpointSaverRequired
	}
	return cm.saver.DeleteThread(ctx, threadID)
}

// BranchFrom forks an existing checkpoint into a new branch within the
// same thread. The forked checkpoint records the source as its parent, so
// both timelines remain listable and resumable.
func (cm *CheckpointManager) BranchFrom(ctx context.Context, threadID, namespace, checkpointID string) (*CheckpointTuple, error) {
	if cm.saver == nil {
		return nil, ErrCheckpointSaverRequired
	}
	sourceConfig := CreateCheckpointConfig(threadID, checkpointID, namespace)
	source, err := cm.saver.GetTuple(ctx, sourceConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to get source checkpoint: %w", err)
	}
	if source == nil || source.Checkpoint == nil {
		return nil, ErrCheckpointNotFound
	}
	forked := source.Checkpoint.Fork()
	step := 0
	if source.Metadata != nil {
		step = source.Metadata.Step
	}
	metadata := NewCheckpointMetadata(CheckpointSourceFork, step)
	updatedConfig, err := cm.saver.PutFull(ctx, PutFullRequest{
		Config:      CreateCheckpointConfig(threadID, "", namespace),
		Checkpoint:  forked,
		Metadata:    metadata,
		NewVersions: forked.ChannelVersions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store branch checkpoint: %w", err)
	}
	return &CheckpointTuple{
		Config:       updatedConfig,
		Checkpoint:   forked,
		Metadata:     metadata,
		ParentConfig: sourceConfig,
	}, nil
}

// GetCheckpointTree reconstructs the fork tree for a thread from parent
// links. The root is the oldest parentless checkpoint.
func (cm *CheckpointManager) GetCheckpointTree(ctx context.Context, threadID string) (*CheckpointTree, error) {
	if cm.saver == nil {
		return nil, ErrCheckpointSaverRequired
	}
	config := CreateCheckpointConfig(threadID, "", "")
	all, err := cm.saver.List(ctx, config, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	tree := &CheckpointTree{Branches: make(map[string]*CheckpointNode)}
	if len(all) == 0 {
		return tree, nil
	}
	for _, tuple := range all {
		tree.Branches[tuple.Checkpoint.ID] = &CheckpointNode{Checkpoint: tuple}
	}
	var roots []*CheckpointNode
	for _, tuple := range all {
		node := tree.Branches[tuple.Checkpoint.ID]
		parent, ok := tree.Branches[tuple.Checkpoint.ParentCheckpointID]
		if tuple.Checkpoint.ParentCheckpointID != "" && ok {
			parent.Children = append(parent.Children, node)
			node.Parent = parent
			continue
		}
		roots = append(roots, node)
	}
	for _, node := range tree.Branches {
		sort.Slice(node.Children, func(i, j int) bool {
			return node.Children[i].Checkpoint.Checkpoint.Timestamp.Before(
				node.Children[j].Checkpoint.Checkpoint.Timestamp)
		})
	}
	if len(roots) > 0 {
		root := roots[0]
		for _, node := range roots[1:] {
			if node.Checkpoint.Checkpoint.Timestamp.Before(root.Checkpoint.Checkpoint.Timestamp) {
				root = node
			}
		}
		tree.Root = root
	}
	return tree, nil
}

// ListChildren returns the direct forks of a checkpoint, oldest first.
func (cm *CheckpointManager) ListChildren(ctx context.Context, config map[string]any) ([]*CheckpointTuple, error) {
	if cm.saver == nil {
		return nil, ErrCheckpointSaverRequired
	}
	parent, err := cm.saver.GetTuple(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to get parent checkpoint: %w", err)
	}
	if parent == nil {
		return nil, ErrCheckpointNotFound
	}
	all, err := cm.saver.List(ctx, CreateCheckpointConfig(GetThreadID(config), "", ""), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	var children []*CheckpointTuple
	for _, tuple := range all {
		if tuple.Checkpoint.ParentCheckpointID == parent.Checkpoint.ID {
			children = append(children, tuple)
		}
	}
	sort.Slice(children, func(i, j int) bool {
		return children[i].Checkpoint.Timestamp.Before(children[j].Checkpoint.Timestamp)
	})
	return children, nil
}

// GetParent returns the parent of a checkpoint, or nil at the root.
func (cm *CheckpointManager) GetParent(ctx context.Context, config map[string]any) (*CheckpointTuple, error) {
	if cm.saver == nil {
		return nil, ErrCheckpointSaverRequired
	}
	current, err := cm.saver.GetTuple(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	if current == nil {
		return nil, ErrCheckpointNotFound
	}
	parentID := current.Checkpoint.ParentCheckpointID
	if parentID == "" {
		return nil, nil
	}
	if current.ParentConfig != nil {
		if tuple, err := cm.saver.GetTuple(ctx, current.ParentConfig); err != nil {
			return nil, fmt.Errorf("failed to get parent checkpoint: %w", err)
		} else if tuple != nil {
			return tuple, nil
		}
	}
	parentConfig := CreateCheckpointConfig(GetThreadID(config), parentID, GetNamespace(config))
	return cm.saver.GetTuple(ctx, parentConfig)
}
