//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/stepfn/stepflow/graph/internal/channel"
	"github.com/stepfn/stepflow/log"
	"github.com/stepfn/stepflow/store"
	"github.com/stepfn/stepflow/telemetry/trace"
)

// Executor defaults.
const (
	// DefaultRecursionLimit bounds the supersteps of one run.
	DefaultRecursionLimit = 25
	// DefaultChannelBufferSize is the event stream buffer.
	DefaultChannelBufferSize = 256
	// DefaultParallelism caps concurrently executing tasks per executor.
	DefaultParallelism = 16
)

// DurabilityMode controls when loop checkpoints are persisted.
type DurabilityMode string

const (
	// DurabilitySync persists every checkpoint before the next superstep.
	DurabilitySync DurabilityMode = "sync"
	// DurabilityAsync persists checkpoints in the background. A crash may
	// lose the most recent steps.
	DurabilityAsync DurabilityMode = "async"
	// DurabilityExit persists only the final checkpoint. Interrupt
	// checkpoints are always persisted synchronously regardless of mode.
	DurabilityExit DurabilityMode = "exit"
)

// Executor runs a compiled graph in supersteps: plan the tasks whose
// trigger channels updated, execute them in parallel, then commit all of
// their writes atomically.
type Executor struct {
	graph           *Graph
	saver           CheckpointSaver
	manager         *CheckpointManager
	cache           Cache
	flight          flightGroup
	store           store.Store
	pool            *ants.Pool
	tracer          oteltrace.Tracer
	maxSteps        int
	parallelism     int
	stepTimeout     time.Duration
	durability      DurabilityMode
	interruptBefore map[string]struct{}
	interruptAfter  map[string]struct{}
	bufferSize      int
}

// Option configures an Executor.
type Option func(*Executor)

// WithCheckpointSaver enables durable execution through the given saver.
func WithCheckpointSaver(saver CheckpointSaver) Option {
	return func(e *Executor) { e.saver = saver }
}

// WithMaxSteps sets the default recursion limit for runs.
func WithMaxSteps(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithStepTimeout bounds the wall time of one superstep. A step that
// exceeds it fails with ErrStepTimeout and commits nothing.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Executor) { e.stepTimeout = d }
}

// WithNodeCache installs a result cache consulted by nodes that declare a
// CachePolicy.
func WithNodeCache(cache Cache) Option {
	return func(e *Executor) { e.cache = cache }
}

// WithParallelism caps how many tasks execute concurrently within a step.
func WithParallelism(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithStore exposes a cross-thread store to node bodies under
// StateKeyStore.
func WithStore(st store.Store) Option {
	return func(e *Executor) { e.store = st }
}

// WithDurability sets when loop checkpoints are persisted.
func WithDurability(mode DurabilityMode) Option {
	return func(e *Executor) { e.durability = mode }
}

// WithInterruptBefore pauses the run whenever one of the named nodes is
// about to execute.
func WithInterruptBefore(nodes ...string) Option {
	return func(e *Executor) {
		for _, n := range nodes {
			e.interruptBefore[n] = struct{}{}
		}
	}
}

// WithInterruptAfter pauses the run whenever one of the named nodes has
// just committed.
func WithInterruptAfter(nodes ...string) Option {
	return func(e *Executor) {
		for _, n := range nodes {
			e.interruptAfter[n] = struct{}{}
		}
	}
}

// WithChannelBufferSize sets the buffer of the Stream event channel.
func WithChannelBufferSize(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.bufferSize = n
		}
	}
}

// NewExecutor creates an executor over a compiled graph.
func NewExecutor(g *Graph, opts ...Option) (*Executor, error) {
	if g == nil {
		return nil, fmt.Errorf("graph cannot be nil")
	}
	e := &Executor{
		graph:           g,
		tracer:          trace.Tracer,
		maxSteps:        DefaultRecursionLimit,
		durability:      DurabilitySync,
		interruptBefore: make(map[string]struct{}),
		interruptAfter:  make(map[string]struct{}),
		bufferSize:      DefaultChannelBufferSize,
		parallelism:     DefaultParallelism,
	}
	for _, opt := range opts {
		opt(e)
	}
	for n := range e.interruptBefore {
		if _, ok := g.Node(n); !ok {
			return nil, fmt.Errorf("interrupt-before node %s does not exist", n)
		}
	}
	for n := range e.interruptAfter {
		if _, ok := g.Node(n); !ok {
			return nil, fmt.Errorf("interrupt-after node %s does not exist", n)
		}
	}
	pool, err := ants.NewPool(e.parallelism)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	e.pool = pool
	e.manager = NewCheckpointManager(e.saver)
	return e, nil
}

// Close releases the executor's worker pool. The saver is owned by the
// caller and is not closed.
func (e *Executor) Close() {
	if e.pool != nil {
		e.pool.Release()
	}
}

// CheckpointManager returns the manager over the configured saver.
func (e *Executor) CheckpointManager() *CheckpointManager { return e.manager }

// runConfig is the per-run configuration assembled from RunOptions.
type runConfig struct {
	threadID       string
	checkpointID   string
	namespace      string
	resume         *ResumeCommand
	recursionLimit int
	stepTimeout    time.Duration
	durability     DurabilityMode
}

// RunOption configures one Invoke or Stream call.
type RunOption func(*runConfig)

// WithThreadID addresses the durable thread this run extends.
func WithThreadID(id string) RunOption {
	return func(c *runConfig) { c.threadID = id }
}

// WithCheckpointID starts the run from a specific checkpoint instead of
// the thread's latest.
func WithCheckpointID(id string) RunOption {
	return func(c *runConfig) { c.checkpointID = id }
}

// WithNamespace selects a checkpoint namespace.
func WithNamespace(ns string) RunOption {
	return func(c *runConfig) { c.namespace = ns }
}

// WithResume answers the pending pause point with a single value.
func WithResume(value any) RunOption {
	return func(c *runConfig) {
		if c.resume == nil {
			c.resume = NewResumeCommand()
		}
		c.resume.Resume = value
	}
}

// WithResumeMap answers pause points by key.
func WithResumeMap(m map[string]any) RunOption {
	return func(c *runConfig) {
		if c.resume == nil {
			c.resume = NewResumeCommand()
		}
		c.resume.ResumeMap = m
	}
}

// WithResumeCommand supplies a prepared resume command.
func WithResumeCommand(cmd *ResumeCommand) RunOption {
	return func(c *runConfig) { c.resume = cmd }
}

// WithRecursionLimit overrides the executor's superstep limit for this run.
func WithRecursionLimit(n int) RunOption {
	return func(c *runConfig) {
		if n > 0 {
			c.recursionLimit = n
		}
	}
}

// WithRunStepTimeout overrides the step timeout for this run.
func WithRunStepTimeout(d time.Duration) RunOption {
	return func(c *runConfig) { c.stepTimeout = d }
}

// WithRunDurability overrides the durability mode for this run.
func WithRunDurability(mode DurabilityMode) RunOption {
	return func(c *runConfig) { c.durability = mode }
}

// task is one planned node invocation within a superstep.
type task struct {
	id      string
	nodeID  string
	input   State
	payload any
	isSend  bool
	path    []string
}

// taskResult is the outcome of one task.
type taskResult struct {
	task      *task
	writes    []PendingWrite
	sends     []Send
	err       error
	interrupt *InterruptError
	attempts  int
	cacheHit  bool
	duration  time.Duration
	replayed  bool
}

// run carries the mutable state of one Invoke/Stream call.
type run struct {
	id       string
	cfg      runConfig
	channels *channel.Manager
	// frontier holds the channels whose commit triggers the next planning.
	frontier       []string
	pendingSends   []PendingSend
	replayWrites   map[string][]PendingWrite
	usedInterrupts map[string]any
	interrupted    *InterruptState
	resume         *ResumeCommand
	step           int
	parentID       string
	emit           func(Event)
	// stepSnapshot holds the channels as the running step's tasks saw
	// them, taken before ephemeral channels reset. Interrupt checkpoints
	// persist this view so a resumed task re-reads the same input.
	stepSnapshot map[string]channel.Snapshot
	stepVersions map[string]int64
}

func (r *run) emitEvent(ev Event) {
	if r.emit != nil {
		r.emit(ev)
	}
}

// Invoke runs the graph to completion and returns the final state. A
// paused run returns an *InterruptError; resume it by invoking again on
// the same thread with WithResume.
func (e *Executor) Invoke(ctx context.Context, input State, opts ...RunOption) (State, error) {
	cfg, err := e.buildRunConfig(opts)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, input, cfg, nil)
}

// Stream runs the graph and emits execution events. The returned channel
// closes when the run finishes; failures and interrupts arrive as events.
// A consumer that stops reading before the channel closes must cancel ctx,
// otherwise the run goroutine blocks on the next emit once the event
// buffer fills.
func (e *Executor) Stream(ctx context.Context, input State, opts ...RunOption) (<-chan Event, error) {
	cfg, err := e.buildRunConfig(opts)
	if err != nil {
		return nil, err
	}
	events := make(chan Event, e.bufferSize)
	emit := func(ev Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
	go func() {
		defer close(events)
		if _, err := e.execute(ctx, input, cfg, emit); err != nil {
			// Interrupts already produced their event.
			if !IsInterruptError(err) {
				ev := newEvent("", EventRunError, -1)
				ev.Error = err.Error()
				emit(ev)
			}
		}
	}()
	return events, nil
}

func (e *Executor) buildRunConfig(opts []RunOption) (runConfig, error) {
	cfg := runConfig{
		recursionLimit: e.maxSteps,
		stepTimeout:    e.stepTimeout,
		durability:     e.durability,
		namespace:      DefaultCheckpointNamespace,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if e.saver != nil && cfg.threadID == "" {
		return cfg, ErrThreadIDRequired
	}
	if e.saver == nil {
		if cfg.resume != nil || cfg.checkpointID != "" {
			return cfg, ErrCheckpointSaverRequired
		}
		if cfg.durability != DurabilityExit {
			// Without a saver there is nothing to persist.
			cfg.durability = DurabilityExit
		}
	}
	return cfg, nil
}

func (e *Executor) execute(ctx context.Context, input State, cfg runConfig, emit func(Event)) (State, error) {
	rc := &run{
		id:       uuid.NewString(),
		cfg:      cfg,
		channels: e.graph.channels.CloneEmpty(),
		resume:   cfg.resume,
		emit:     emit,
	}
	ctx, span := e.tracer.Start(ctx, "graph.execute",
		oteltrace.WithAttributes(
			attribute.String("graph.run_id", rc.id),
			attribute.String("graph.thread_id", cfg.threadID),
		))
	defer span.End()

	if err := e.prepare(ctx, rc, input); err != nil {
		return nil, err
	}

	ev := newEvent(rc.id, EventRunStarted, -1)
	rc.emitEvent(ev)

	final, err := e.loop(ctx, rc)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	done := newEvent(rc.id, EventRunCompleted, rc.step)
	done.StateDelta = final
	rc.emitEvent(done)
	return final, nil
}

// prepare restores the run from its thread's checkpoint or seeds the
// input, establishing the first planning frontier.
func (e *Executor) prepare(ctx context.Context, rc *run, input State) error {
	var restored *CheckpointTuple
	if e.saver != nil {
		configMap := CreateCheckpointConfig(rc.cfg.threadID, rc.cfg.checkpointID, rc.cfg.namespace)
		tuple, err := e.saver.GetTuple(ctx, configMap)
		if err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if tuple == nil && rc.cfg.checkpointID != "" {
			return ErrCheckpointNotFound
		}
		restored = tuple
	}

	if restored == nil {
		if input == nil {
			return fmt.Errorf("no input provided and no checkpoint to resume from")
		}
		return e.seedInput(ctx, rc, input)
	}

	if err := rc.channels.RestoreAll(restored.Checkpoint.Channels); err != nil {
		return fmt.Errorf("failed to restore channels: %w", err)
	}
	rc.parentID = restored.Checkpoint.ID
	rc.pendingSends = restored.Checkpoint.PendingSends
	rc.frontier = restored.Checkpoint.NextChannels
	if restored.Metadata != nil {
		rc.step = restored.Metadata.Step + 1
	}

	if is := restored.Checkpoint.InterruptState; is != nil {
		// Replay the interrupted step: same step number, same frontier,
		// with the completed sibling writes preloaded.
		rc.interrupted = is
		rc.step = is.Step
		rc.usedInterrupts = deepCopyMap(is.UsedInterrupts)
		rc.replayWrites = make(map[string][]PendingWrite)
		for _, w := range restored.PendingWrites {
			rc.replayWrites[w.TaskID] = append(rc.replayWrites[w.TaskID], w)
		}
		if rc.resume == nil && len(GetResumeMap(restored.Config)) > 0 {
			rc.resume = NewResumeCommand().WithResumeMap(GetResumeMap(restored.Config))
		}
		return nil
	}

	if input != nil {
		// New input on an existing thread continues the conversation.
		return e.seedInput(ctx, rc, input)
	}
	return nil
}

// seedInput writes the initial values and arms the entry point's trigger.
func (e *Executor) seedInput(ctx context.Context, rc *run, input State) error {
	var updated []string
	for k, v := range input {
		if isReservedStateKey(k) {
			continue
		}
		ch, ok := rc.channels.Get(k)
		if !ok {
			return &InvalidUpdateError{Channel: k, Reason: "channel not declared in state schema"}
		}
		if _, conflict := ch.Update([]any{v}, rc.step-1); conflict != nil {
			return &InvalidUpdateError{Channel: conflict.Channel, Reason: conflict.Reason}
		}
		updated = append(updated, k)
	}
	entryTrigger := triggerChannelName(e.graph.EntryPoint())
	if ch, ok := rc.channels.Get(entryTrigger); ok {
		ch.Update([]any{Start}, rc.step-1)
		updated = append(updated, entryTrigger)
	}
	sort.Strings(updated)
	rc.frontier = rc.availableTriggers(e.graph, updated)

	if e.saver != nil {
		ckpt := e.buildCheckpoint(rc)
		if err := e.saveCheckpoint(ctx, rc, ckpt, NewCheckpointMetadata(CheckpointSourceInput, rc.step-1), true); err != nil {
			return err
		}
	}
	return nil
}

// availableTriggers filters committed channels down to those that should
// wake nodes: someone triggers on them and, for barriers, the value is
// actually ready.
func (rc *run) availableTriggers(g *Graph, updated []string) []string {
	var out []string
	for _, name := range updated {
		if len(g.TriggeredBy(name)) == 0 {
			continue
		}
		ch, ok := rc.channels.Get(name)
		if !ok || !ch.IsAvailable() {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// loop is the superstep scheduler.
func (e *Executor) loop(ctx context.Context, rc *run) (State, error) {
	for {
		tasks := e.plan(rc)
		if len(tasks) == 0 {
			break
		}
		if rc.step >= rc.cfg.recursionLimit {
			return nil, &RecursionLimitError{Limit: rc.cfg.recursionLimit}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.checkInterruptBefore(ctx, rc, tasks); err != nil {
			return nil, err
		}

		stepStart := time.Now()
		ev := newEvent(rc.id, EventStepStarted, rc.step)
		ev.Phase = PhasePlanning
		for _, t := range tasks {
			ev.ActiveNodes = append(ev.ActiveNodes, t.nodeID)
		}
		rc.emitEvent(ev)

		// The task input view is frozen before ephemeral channels reset, so
		// values written last step stay visible for exactly one step. The
		// snapshot backs interrupt checkpoints taken while this step runs.
		base := e.viewOf(rc.channels)
		rc.stepSnapshot = rc.channels.CheckpointAll()
		rc.stepVersions = rc.channels.Versions()
		rc.acknowledgeFrontier()
		rc.channels.BeginStep(rc.step)
		e.bindTaskInputs(rc, tasks, base)

		results, err := e.runTasks(ctx, rc, tasks)
		if err != nil {
			return nil, err
		}
		if err := e.resolveFailures(ctx, rc, tasks, results); err != nil {
			return nil, err
		}

		executed := make([]string, 0, len(tasks))
		for _, t := range tasks {
			executed = append(executed, t.nodeID)
		}
		if err := e.commit(ctx, rc, results); err != nil {
			return nil, err
		}
		// The interrupted step completed; later checkpoints are clean.
		rc.interrupted = nil
		rc.replayWrites = nil
		rc.resume = nil

		committed := newEvent(rc.id, EventStepCommitted, rc.step)
		committed.Phase = PhaseCommit
		committed.ActiveNodes = executed
		committed.Duration = time.Since(stepStart)
		rc.emitEvent(committed)

		if err := e.checkpointAfterStep(ctx, rc); err != nil {
			return nil, err
		}
		if err := e.checkInterruptAfter(ctx, rc, executed); err != nil {
			return nil, err
		}
		rc.step++
	}

	final := e.viewOf(rc.channels)
	if e.saver != nil && rc.cfg.durability == DurabilityExit {
		ckpt := e.buildCheckpoint(rc)
		if err := e.saveCheckpoint(ctx, rc, ckpt, NewCheckpointMetadata(CheckpointSourceLoop, rc.step-1), true); err != nil {
			return nil, err
		}
	}
	return final, nil
}

// plan derives this step's tasks from the frontier and pending sends.
// Task IDs are deterministic so a replayed step reproduces them.
func (e *Executor) plan(rc *run) []*task {
	seen := make(map[string]struct{})
	var nodeIDs []string
	for _, name := range rc.frontier {
		for _, nodeID := range e.graph.TriggeredBy(name) {
			if _, ok := seen[nodeID]; ok {
				continue
			}
			seen[nodeID] = struct{}{}
			nodeIDs = append(nodeIDs, nodeID)
		}
	}
	sort.Strings(nodeIDs)

	var tasks []*task
	for _, nodeID := range nodeIDs {
		tasks = append(tasks, &task{
			id:     fmt.Sprintf("%s:%d:0", nodeID, rc.step),
			nodeID: nodeID,
			path:   []string{nodeID},
		})
	}
	for i, send := range rc.pendingSends {
		tasks = append(tasks, &task{
			id:      fmt.Sprintf("%s:%d:send:%d", send.Node, rc.step, i),
			nodeID:  send.Node,
			payload: send.Arg,
			isSend:  true,
			path:    []string{send.Node},
		})
	}
	return tasks
}

// acknowledgeFrontier marks consumed trigger channels, re-arming
// after-finish barriers.
func (rc *run) acknowledgeFrontier() {
	for _, name := range rc.frontier {
		if ch, ok := rc.channels.Get(name); ok {
			ch.Acknowledge()
		}
	}
}

// bindTaskInputs gives every task an isolated deep copy of the state plus
// its engine-internal keys.
func (e *Executor) bindTaskInputs(rc *run, tasks []*task, base State) {
	resumeNode := ""
	if rc.interrupted != nil {
		resumeNode = rc.interrupted.NodeID
	}
	for _, t := range tasks {
		node, _ := e.graph.Node(t.nodeID)
		st := State(deepCopyMap(base))
		if node != nil && len(node.reads) > 0 {
			filtered := make(State, len(node.reads))
			for _, k := range node.reads {
				if v, ok := st[k]; ok {
					filtered[k] = v
				}
			}
			st = filtered
		}
		st[StateKeyCurrentNodeID] = t.nodeID
		if t.payload != nil {
			st[StateKeyTaskPayload] = deepCopyAny(t.payload)
		}
		if e.store != nil {
			st[StateKeyStore] = e.store
		}
		if rc.usedInterrupts != nil {
			st[StateKeyUsedInterrupts] = deepCopyMap(rc.usedInterrupts)
		}
		if rc.resume != nil && (resumeNode == "" || resumeNode == t.nodeID) {
			if rc.resume.Resume != nil {
				st[ResumeChannel] = rc.resume.Resume
			}
			if len(rc.resume.ResumeMap) > 0 {
				st[StateKeyResumeMap] = deepCopyMap(rc.resume.ResumeMap)
			}
		}
		t.input = st
	}
}

// runTasks executes the step's tasks on the worker pool and waits for all
// of them, honoring the step timeout.
func (e *Executor) runTasks(ctx context.Context, rc *run, tasks []*task) ([]*taskResult, error) {
	stepCtx := ctx
	cancel := context.CancelFunc(func() {})
	if rc.cfg.stepTimeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, rc.cfg.stepTimeout)
	}
	defer cancel()

	results := make([]*taskResult, len(tasks))
	var wg sync.WaitGroup
	for i, t := range tasks {
		i, t := i, t
		wg.Add(1)
		job := func() {
			defer wg.Done()
			results[i] = e.runTask(stepCtx, rc, t)
		}
		if err := e.pool.Submit(job); err != nil {
			// Pool released or saturated beyond recovery; run inline.
			job()
		}
	}
	wg.Wait()

	if stepCtx.Err() != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("step %d: %w", rc.step, ErrStepTimeout)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// runTask executes one task: replay, cache, retries, then write
// collection.
func (e *Executor) runTask(ctx context.Context, rc *run, t *task) *taskResult {
	res := &taskResult{task: t}
	if writes, ok := rc.replayWrites[t.id]; ok {
		res.writes = writes
		res.replayed = true
		return res
	}
	node, ok := e.graph.Node(t.nodeID)
	if !ok {
		res.err = fmt.Errorf("planned node %s does not exist", t.nodeID)
		return res
	}

	started := time.Now()
	startedEv := newEvent(rc.id, EventNodeStarted, rc.step)
	startedEv.NodeID = t.nodeID
	startedEv.TaskID = t.id
	startedEv.Phase = PhaseExecution
	rc.emitEvent(startedEv)

	ctx, span := e.tracer.Start(ctx, "graph.node",
		oteltrace.WithAttributes(
			attribute.String("graph.node_id", t.nodeID),
			attribute.Int("graph.step", rc.step),
		))
	defer span.End()

	if node.callbacks != nil && node.callbacks.BeforeNode != nil {
		node.callbacks.BeforeNode(ctx, t.nodeID, t.input)
	}

	output, err := e.invokeNode(ctx, rc, node, t, res)
	res.duration = time.Since(started)

	if node.callbacks != nil && node.callbacks.AfterNode != nil {
		node.callbacks.AfterNode(ctx, t.nodeID, output, err)
	}
	if err != nil {
		if ie, ok := GetInterruptError(err); ok {
			ie.NodeID = t.nodeID
			ie.TaskID = t.id
			ie.Step = rc.step
			ie.Path = t.path
			res.interrupt = ie
			return res
		}
		span.RecordError(err)
		res.err = &TaskError{NodeID: t.nodeID, TaskID: t.id, Attempts: res.attempts, Err: err}
		ev := newEvent(rc.id, EventNodeError, rc.step)
		ev.NodeID = t.nodeID
		ev.TaskID = t.id
		ev.Error = err.Error()
		ev.Attempt = res.attempts
		rc.emitEvent(ev)
		return res
	}

	writes, sends, werr := e.collectWrites(ctx, rc, node, t, output)
	if werr != nil {
		res.err = werr
		return res
	}
	res.writes = writes
	res.sends = sends

	ev := newEvent(rc.id, EventNodeCompleted, rc.step)
	ev.NodeID = t.nodeID
	ev.TaskID = t.id
	ev.Attempt = res.attempts
	ev.CacheHit = res.cacheHit
	ev.Duration = res.duration
	if delta, ok := output.(State); ok {
		ev.StateDelta = delta
	}
	rc.emitEvent(ev)
	return res
}

// invokeNode runs the node function under its cache policy and retry
// policies.
func (e *Executor) invokeNode(ctx context.Context, rc *run, node *Node, t *task, res *taskResult) (any, error) {
	if node.cachePolicy != nil && e.cache != nil {
		keyInput := any(t.input)
		if t.payload != nil {
			keyInput = map[string]any{"state": sanitizeForCacheKey(t.input), "payload": t.payload}
		}
		key, err := node.cachePolicy.KeyFunc(keyInput)
		if err == nil {
			ns := buildCacheNamespace(node.ID)
			if cached, ok := e.cache.Get(ns, string(key)); ok {
				res.cacheHit = true
				res.attempts = 0
				return cached, nil
			}
			out, ferr := e.flight.Do(ns, string(key), func() (any, error) {
				v, err := e.invokeWithRetry(ctx, rc, node, t, res)
				if err != nil {
					return nil, err
				}
				e.cache.Set(ns, string(key), v, node.cachePolicy.TTL)
				return v, nil
			})
			return out, ferr
		}
		log.Warnf("cache key derivation failed for node %s: %v", node.ID, err)
	}
	return e.invokeWithRetry(ctx, rc, node, t, res)
}

// invokeWithRetry applies the node's retry policies. The first policy
// whose condition matches the failure governs the decision; interrupts are
// never retried.
func (e *Executor) invokeWithRetry(ctx context.Context, rc *run, node *Node, t *task, res *taskResult) (any, error) {
	started := time.Now()
	attempt := 0
	for {
		attempt++
		res.attempts = attempt
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if d := perAttemptTimeout(node.retryPolicies); d > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, d)
		}
		output, err := node.Function(attemptCtx, t.input)
		cancel()
		if err == nil || IsInterruptError(err) {
			return output, err
		}
		policy, ok := matchPolicy(node.retryPolicies, err)
		if !ok || attempt >= policy.MaxAttempts {
			return nil, err
		}
		if policy.MaxElapsedTime > 0 && time.Since(started) >= policy.MaxElapsedTime {
			return nil, err
		}
		delay := policy.NextDelay(attempt)
		log.Debugf("node %s attempt %d failed, retrying in %s: %v", node.ID, attempt, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func perAttemptTimeout(policies []RetryPolicy) time.Duration {
	for _, p := range policies {
		if p.PerAttemptTimeout > 0 {
			return p.PerAttemptTimeout
		}
	}
	return 0
}

func matchPolicy(policies []RetryPolicy, err error) (RetryPolicy, bool) {
	for _, p := range policies {
		if p.ShouldRetry(err) {
			return p, true
		}
	}
	return RetryPolicy{}, false
}

// collectWrites turns a node's output into channel writes, barrier
// arrivals, routing writes, and dynamic sends.
func (e *Executor) collectWrites(ctx context.Context, rc *run, node *Node, t *task, output any) ([]PendingWrite, []Send, error) {
	var writes []PendingWrite
	var sends []Send
	var delta State
	goTo := ""

	switch v := output.(type) {
	case nil:
	case *Command:
		if v != nil {
			delta = v.Update
			goTo = v.GoTo
			sends = append(sends, v.Sends...)
		}
	case Command:
		delta = v.Update
		goTo = v.GoTo
		sends = append(sends, v.Sends...)
	case State:
		delta = v
	case map[string]any:
		delta = State(v)
	default:
		if len(node.writers) == 0 {
			return nil, nil, fmt.Errorf(
				"node %s returned %T; node results must be a State delta or a *Command", node.ID, output)
		}
	}

	if len(node.writers) > 0 {
		for _, w := range node.writers {
			value := output
			if w.Mapper != nil {
				value = w.Mapper(output)
			}
			writes = append(writes, PendingWrite{TaskID: t.id, Channel: w.Channel, Value: value})
		}
	} else {
		for k, v := range delta {
			if isReservedStateKey(k) || k == interruptCallsKey {
				continue
			}
			if _, ok := e.graph.Schema().Field(k); !ok {
				return nil, nil, &InvalidUpdateError{Channel: k, Reason: "channel not declared in state schema"}
			}
			writes = append(writes, PendingWrite{TaskID: t.id, Channel: k, Value: v})
		}
	}

	// Arrival at any barrier that lists this node as a source.
	for name, field := range e.graph.Schema().Fields {
		if field.Kind != KindBarrier && field.Kind != KindBarrierAfterFinish {
			continue
		}
		for _, src := range field.BarrierSources {
			if src == node.ID {
				writes = append(writes, PendingWrite{TaskID: t.id, Channel: name, Value: node.ID})
			}
		}
	}

	routes, err := e.routeFrom(ctx, node, t, delta, goTo)
	if err != nil {
		return nil, nil, err
	}
	writes = append(writes, routes...)

	for _, s := range sends {
		if _, ok := e.graph.Node(s.Node); !ok {
			return nil, nil, fmt.Errorf("node %s sends to unknown node %s", node.ID, s.Node)
		}
	}
	return writes, sends, nil
}

// routeFrom produces the trigger writes that drive the next superstep. A
// Command's GoTo overrides the node's edges for this step.
func (e *Executor) routeFrom(ctx context.Context, node *Node, t *task, delta State, goTo string) ([]PendingWrite, error) {
	targetWrite := func(target string) (PendingWrite, bool, error) {
		if target == End || target == "" {
			return PendingWrite{}, false, nil
		}
		if _, ok := e.graph.Node(target); !ok {
			return PendingWrite{}, false, fmt.Errorf("node %s routes to unknown node %s", node.ID, target)
		}
		if len(node.destinations) > 0 {
			if _, ok := node.destinations[target]; !ok {
				return PendingWrite{}, false, fmt.Errorf(
					"node %s routes to %s which is not among its declared destinations", node.ID, target)
			}
		}
		return PendingWrite{TaskID: t.id, Channel: triggerChannelName(target), Value: node.ID}, true, nil
	}

	if goTo != "" {
		w, ok, err := targetWrite(goTo)
		if err != nil || !ok {
			return nil, err
		}
		return []PendingWrite{w}, nil
	}

	if condEdge, ok := e.graph.ConditionalEdge(node.ID); ok {
		// The condition sees the task's view plus its own update.
		overlay := State(deepCopyMap(t.input))
		for k, v := range delta {
			overlay[k] = v
		}
		result, err := condEdge.Condition(ctx, overlay)
		if err != nil {
			return nil, fmt.Errorf("conditional edge from %s failed: %w", node.ID, err)
		}
		target := result
		if condEdge.PathMap != nil {
			mapped, ok := condEdge.PathMap[result]
			if !ok {
				return nil, fmt.Errorf("conditional edge from %s returned %q which is not in its path map", node.ID, result)
			}
			target = mapped
		}
		w, ok, err := targetWrite(target)
		if err != nil || !ok {
			return nil, err
		}
		return []PendingWrite{w}, nil
	}

	var out []PendingWrite
	for _, edge := range e.graph.Edges(node.ID) {
		w, ok, err := targetWrite(edge.To)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, w)
		}
	}
	return out, nil
}

// resolveFailures sorts out interrupts and hard errors before commit.
// Interrupt wins over error so the run stays resumable.
func (e *Executor) resolveFailures(ctx context.Context, rc *run, tasks []*task, results []*taskResult) error {
	var interrupt *taskResult
	var failed *taskResult
	for _, r := range results {
		if r == nil {
			continue
		}
		if r.interrupt != nil && interrupt == nil {
			interrupt = r
		}
		if r.err != nil && failed == nil {
			failed = r
		}
	}
	if interrupt != nil {
		return e.handleInterrupt(ctx, rc, tasks, results, interrupt)
	}
	if failed != nil {
		return failed.err
	}
	return nil
}

// handleInterrupt checkpoints the paused step, including the writes of
// tasks that completed, then surfaces the interrupt to the caller. The
// interrupt checkpoint is always persisted synchronously.
func (e *Executor) handleInterrupt(ctx context.Context, rc *run, tasks []*task, results []*taskResult, intr *taskResult) error {
	ie := intr.interrupt
	if e.saver == nil {
		return ErrCheckpointSaverRequired
	}

	// The checkpoint records the state the step started from, not the live
	// channels: BeginStep already cleared ephemeral values the interrupted
	// task may have read, and they must survive into the replayed step.
	ckpt := NewCheckpoint(rc.stepSnapshot, rc.stepVersions)
	ckpt.ParentCheckpointID = rc.parentID
	ckpt.SetInterruptState(ie.NodeID, ie.TaskID, ie.Value, rc.step, ie.Path)
	if used, ok := intr.task.input[StateKeyUsedInterrupts].(map[string]any); ok {
		ckpt.InterruptState.UsedInterrupts = deepCopyMap(used)
	}
	var nextNodes []string
	for _, t := range tasks {
		nextNodes = append(nextNodes, t.nodeID)
	}
	ckpt.NextNodes = nextNodes
	ckpt.NextChannels = rc.frontier
	ckpt.PendingSends = rc.pendingSends

	var seq int64
	var pendingWrites []PendingWrite
	for _, r := range results {
		if r == nil || r.err != nil || r.interrupt != nil {
			continue
		}
		for _, w := range r.writes {
			seq++
			w.Sequence = seq
			pendingWrites = append(pendingWrites, w)
		}
	}

	metadata := NewCheckpointMetadata(CheckpointSourceInterrupt, rc.step)
	if _, err := e.saver.PutFull(ctx, PutFullRequest{
		Config:        CreateCheckpointConfig(rc.cfg.threadID, "", rc.cfg.namespace),
		Checkpoint:    ckpt,
		Metadata:      metadata,
		NewVersions:   ckpt.ChannelVersions,
		PendingWrites: pendingWrites,
	}); err != nil {
		return fmt.Errorf("failed to persist interrupt checkpoint: %w", err)
	}

	ev := newEvent(rc.id, EventInterrupted, rc.step)
	ev.NodeID = ie.NodeID
	ev.TaskID = ie.TaskID
	ev.Interrupt = ie
	ev.CheckpointID = ckpt.ID
	rc.emitEvent(ev)
	return ie
}

// checkInterruptBefore pauses the run when a statically declared
// pause-before node is planned, except while resuming past it.
func (e *Executor) checkInterruptBefore(ctx context.Context, rc *run, tasks []*task) error {
	if len(e.interruptBefore) == 0 || rc.resume != nil || rc.interrupted != nil {
		return nil
	}
	for _, t := range tasks {
		if _, ok := e.interruptBefore[t.nodeID]; !ok {
			continue
		}
		if e.saver == nil {
			return ErrCheckpointSaverRequired
		}
		ckpt := e.buildCheckpoint(rc)
		ckpt.SetInterruptState(t.nodeID, "", map[string]any{"before": t.nodeID}, rc.step, t.path)
		var nextNodes []string
		for _, pt := range tasks {
			nextNodes = append(nextNodes, pt.nodeID)
		}
		ckpt.NextNodes = nextNodes
		ckpt.NextChannels = rc.frontier
		ckpt.PendingSends = rc.pendingSends
		metadata := NewCheckpointMetadata(CheckpointSourceInterrupt, rc.step)
		if err := e.saveCheckpoint(ctx, rc, ckpt, metadata, true); err != nil {
			return err
		}
		ie := NewInterruptError(map[string]any{"before": t.nodeID})
		ie.NodeID = t.nodeID
		ie.Step = rc.step
		ie.Path = t.path
		ev := newEvent(rc.id, EventInterrupted, rc.step)
		ev.NodeID = t.nodeID
		ev.Interrupt = ie
		ev.CheckpointID = ckpt.ID
		rc.emitEvent(ev)
		return ie
	}
	return nil
}

// checkInterruptAfter pauses the run after a pause-after node committed.
// The checkpoint's frontier already points past the node, so resuming
// continues with its successors.
func (e *Executor) checkInterruptAfter(ctx context.Context, rc *run, executed []string) error {
	if len(e.interruptAfter) == 0 {
		return nil
	}
	for _, nodeID := range executed {
		if _, ok := e.interruptAfter[nodeID]; !ok {
			continue
		}
		if e.saver == nil {
			return ErrCheckpointSaverRequired
		}
		ckpt := e.buildCheckpoint(rc)
		ckpt.NextChannels = rc.frontier
		ckpt.PendingSends = rc.pendingSends
		metadata := NewCheckpointMetadata(CheckpointSourceInterrupt, rc.step)
		if err := e.saveCheckpoint(ctx, rc, ckpt, metadata, true); err != nil {
			return err
		}
		ie := NewInterruptError(map[string]any{"after": nodeID})
		ie.NodeID = nodeID
		ie.Step = rc.step
		ev := newEvent(rc.id, EventInterrupted, rc.step)
		ev.NodeID = nodeID
		ev.Interrupt = ie
		ev.CheckpointID = ckpt.ID
		rc.emitEvent(ev)
		return ie
	}
	return nil
}

// commit validates every channel's batch, then applies them all. A single
// conflict aborts the step with no channel updated.
func (e *Executor) commit(ctx context.Context, rc *run, results []*taskResult) error {
	ordered := make([]PendingWrite, 0)
	var seq int64
	var sends []PendingSend
	for _, r := range results {
		if r == nil {
			continue
		}
		for _, w := range r.writes {
			seq++
			w.Sequence = seq
			ordered = append(ordered, w)
		}
		for _, s := range r.sends {
			sends = append(sends, PendingSend{Node: s.Node, Arg: s.Arg, TaskID: r.task.id})
		}
	}

	byChannel := make(map[string][]any)
	var names []string
	for _, w := range ordered {
		if _, ok := byChannel[w.Channel]; !ok {
			names = append(names, w.Channel)
		}
		byChannel[w.Channel] = append(byChannel[w.Channel], w.Value)
	}
	sort.Strings(names)

	for _, name := range names {
		ch, ok := rc.channels.Get(name)
		if !ok {
			return &InvalidUpdateError{Channel: name, Reason: "channel not declared in state schema"}
		}
		if conflict := ch.Validate(byChannel[name]); conflict != nil {
			return &InvalidUpdateError{Channel: conflict.Channel, Reason: conflict.Reason}
		}
	}

	var updated []string
	for _, name := range names {
		ch, _ := rc.channels.Get(name)
		changed, conflict := ch.Update(byChannel[name], rc.step)
		if conflict != nil {
			// Validate accepted the batch; a conflict here is a bug.
			return &InvalidUpdateError{Channel: conflict.Channel, Reason: conflict.Reason}
		}
		if changed {
			updated = append(updated, name)
		}
	}

	rc.frontier = rc.availableTriggers(e.graph, updated)
	rc.pendingSends = sends
	return nil
}

// checkpointAfterStep persists the loop checkpoint per the durability
// mode.
func (e *Executor) checkpointAfterStep(ctx context.Context, rc *run) error {
	if e.saver == nil || rc.cfg.durability == DurabilityExit {
		return nil
	}
	ckpt := e.buildCheckpoint(rc)
	metadata := NewCheckpointMetadata(CheckpointSourceLoop, rc.step)
	sync := rc.cfg.durability == DurabilitySync
	return e.saveCheckpoint(ctx, rc, ckpt, metadata, sync)
}

// buildCheckpoint snapshots the run's channels and frontier.
func (e *Executor) buildCheckpoint(rc *run) *Checkpoint {
	ckpt := NewCheckpoint(rc.channels.CheckpointAll(), rc.channels.Versions())
	ckpt.ParentCheckpointID = rc.parentID
	ckpt.NextChannels = rc.frontier
	ckpt.PendingSends = rc.pendingSends
	var nextNodes []string
	seen := make(map[string]struct{})
	for _, name := range rc.frontier {
		for _, n := range e.graph.TriggeredBy(name) {
			if _, ok := seen[n]; !ok {
				seen[n] = struct{}{}
				nextNodes = append(nextNodes, n)
			}
		}
	}
	for _, s := range rc.pendingSends {
		if _, ok := seen[s.Node]; !ok {
			seen[s.Node] = struct{}{}
			nextNodes = append(nextNodes, s.Node)
		}
	}
	sort.Strings(nextNodes)
	ckpt.NextNodes = nextNodes
	return ckpt
}

// saveCheckpoint persists a checkpoint and advances the parent pointer.
// Async saves log failures instead of failing the run.
func (e *Executor) saveCheckpoint(ctx context.Context, rc *run, ckpt *Checkpoint, metadata *CheckpointMetadata, sync bool) error {
	req := PutRequest{
		Config:      CreateCheckpointConfig(rc.cfg.threadID, "", rc.cfg.namespace),
		Checkpoint:  ckpt,
		Metadata:    metadata,
		NewVersions: ckpt.ChannelVersions,
	}
	rc.parentID = ckpt.ID
	if !sync {
		go func() {
			saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := e.saver.Put(saveCtx, req); err != nil {
				log.Errorf("async checkpoint save failed for thread %s: %v", rc.cfg.threadID, err)
			}
		}()
		return nil
	}
	if _, err := e.saver.Put(ctx, req); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	ev := newEvent(rc.id, EventCheckpointSaved, metadata.Step)
	ev.CheckpointID = ckpt.ID
	rc.emitEvent(ev)
	return nil
}
