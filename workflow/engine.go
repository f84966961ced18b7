package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/floorworks/forgefloor/core"
	"github.com/floorworks/forgefloor/eventbus"
	"github.com/floorworks/forgefloor/judgment"
	"github.com/floorworks/forgefloor/ruledeploy"
	"github.com/floorworks/forgefloor/toolhub"
)

// Config configures an Engine via the teacher's functional-options
// convention.
type Config struct {
	Registry    *Registry
	Store       *Store
	Bus         *eventbus.Bus
	ToolHub     *toolhub.Hub
	Judgment    *judgment.Engine
	RuleDeploy  *ruledeploy.Hub
	DataFetcher DataFetcher
	BIRenderer  BIRenderer
	MCPClient   MCPClient
	Logger      core.Logger

	// MaxConcurrentInstances bounds how many instances may be actively
	// advancing at once, per spec.md §5: "the engine admits at most N
	// concurrent instances (configurable). Beyond N, instances wait in
	// QUEUED."
	MaxConcurrentInstances int
}

type Option func(*Config)

func WithRegistry(r *Registry) Option          { return func(c *Config) { c.Registry = r } }
func WithStore(s *Store) Option                { return func(c *Config) { c.Store = s } }
func WithBus(b *eventbus.Bus) Option           { return func(c *Config) { c.Bus = b } }
func WithToolHub(h *toolhub.Hub) Option        { return func(c *Config) { c.ToolHub = h } }
func WithJudgmentEngine(j *judgment.Engine) Option { return func(c *Config) { c.Judgment = j } }
func WithRuleDeployHub(rd *ruledeploy.Hub) Option   { return func(c *Config) { c.RuleDeploy = rd } }
func WithDataFetcher(f DataFetcher) Option     { return func(c *Config) { c.DataFetcher = f } }
func WithBIRenderer(r BIRenderer) Option       { return func(c *Config) { c.BIRenderer = r } }
func WithMCPClient(m MCPClient) Option         { return func(c *Config) { c.MCPClient = m } }
func WithEngineLogger(l core.Logger) Option    { return func(c *Config) { c.Logger = l } }
func WithMaxConcurrentInstances(n int) Option  { return func(c *Config) { c.MaxConcurrentInstances = n } }

// Engine is the Workflow Engine: it composes every other package behind
// the node dispatch table and drives instances through their state
// machine, per spec.md §4.1.
type Engine struct {
	cfg     Config
	handlers map[NodeType]nodeHandler
	admission chan struct{}
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	cfg := Config{MaxConcurrentInstances: 32}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Store == nil {
		cfg.Store = NewStore()
	}
	if cfg.DataFetcher == nil {
		cfg.DataFetcher = NoOpDataFetcher{}
	}
	if cfg.BIRenderer == nil {
		cfg.BIRenderer = NoOpBIRenderer{}
	}
	if cfg.MCPClient == nil {
		cfg.MCPClient = NoOpMCPClient{}
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	} else if cal, ok := cfg.Logger.(core.ComponentAwareLogger); ok {
		cfg.Logger = cal.WithComponent("forgefloor/workflow")
	}

	e := &Engine{cfg: cfg, admission: make(chan struct{}, cfg.MaxConcurrentInstances)}
	e.handlers = defaultHandlers()
	return e
}

// Start implements spec.md §4.1's start(workflow_id, trigger_input,
// trace_id) → instance_id. Fails with core.ErrNotActive if no active
// version exists, core.ErrInvalidInput if the DSL can't be entered.
func (e *Engine) Start(ctx context.Context, workflowID string, triggerInput map[string]interface{}, traceID string) (string, error) {
	wf, err := e.cfg.Registry.Active(workflowID)
	if err != nil {
		return "", err
	}
	entry, err := EntryNode(wf.DSL)
	if err != nil {
		return "", err
	}

	if traceID == "" {
		traceID = uuid.NewString()
	}

	inst := &Instance{
		ID:             uuid.NewString(),
		WorkflowID:     workflowID,
		Version:        wf.Version,
		State:          StateCreated,
		RuntimeContext: NewRuntimeContext(map[string]interface{}{}, triggerInput),
		CurrentNode:    entry.ID,
		TraceID:        traceID,
		StartedAt:      time.Now().UTC(),
		Checkpoint:     Checkpoint{Frontier: []string{entry.ID}},
	}
	e.cfg.Store.Put(inst)

	e.transition(ctx, inst, StateCreated, StateRunning, "start")
	go e.drive(context.WithoutCancel(ctx), inst)

	return inst.ID, nil
}

// Resume implements spec.md §4.1's resume(instance_id). Fails with
// core.ErrNotResumable unless state ∈ {PAUSED, WAITING, RETRYING,
// AWAITING_APPROVAL, SUSPENDED_BREAKER}.
func (e *Engine) Resume(ctx context.Context, instanceID string) error {
	inst, ok := e.cfg.Store.Get(instanceID)
	if !ok {
		return fmt.Errorf("instance %s: %w", instanceID, core.ErrVersionNotFound)
	}

	lock := e.cfg.Registry.lockFor(instanceID)
	lock.Lock()
	if !IsResumable(inst.State) {
		lock.Unlock()
		return fmt.Errorf("instance %s in state %s: %w", instanceID, inst.State, core.ErrNotResumable)
	}
	from := inst.State
	inst.State = StateRunning
	inst.Checkpoint.Replay = true
	lock.Unlock()

	e.emit(ctx, inst, eventbus.Event{
		EventType: eventbus.EventWorkflowStateChanged,
		FromState: string(from),
		ToState:   string(StateRunning),
		Reason:    "resume",
	})

	go e.drive(context.WithoutCancel(ctx), inst)
	return nil
}

// Cancel implements spec.md §4.1's cancel(instance_id): transitions to
// CANCELLED, running compensation if any node executed so far is
// compensable.
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	inst, ok := e.cfg.Store.Get(instanceID)
	if !ok {
		return fmt.Errorf("instance %s: %w", instanceID, core.ErrVersionNotFound)
	}

	lock := e.cfg.Registry.lockFor(instanceID)
	lock.Lock()
	if IsTerminal(inst.State) {
		lock.Unlock()
		return nil
	}
	from := inst.State
	inst.State = StateCompensating
	needsCompensation := len(inst.compensable) > 0
	lock.Unlock()

	e.transition(ctx, inst, from, StateCompensating, "cancel")

	if needsCompensation {
		e.runCompensation(ctx, inst)
	}

	e.finish(ctx, inst, StateCancelled, "cancel")
	return nil
}

// Rollback implements spec.md §4.1's rollback(workflow_id, target_version):
// loads target_version's dsl into the live workflow row and emits a
// workflow_rollback event.
func (e *Engine) Rollback(ctx context.Context, workflowID string, targetVersion int) error {
	wf, err := e.cfg.Registry.Active(workflowID)
	fromVersion := 0
	if err == nil {
		fromVersion = wf.Version
	}

	if err := e.cfg.Registry.Rollback(workflowID, targetVersion); err != nil {
		return err
	}

	if e.cfg.Bus != nil {
		e.cfg.Bus.Publish(ctx, eventbus.Event{
			EventType:   eventbus.EventWorkflowRollback,
			InstanceID:  workflowID,
			Timestamp:   time.Now().UTC(),
			FromVersion: fromVersion,
			ToVersion:   targetVersion,
		})
	}
	return nil
}

// Subscribe implements spec.md §4.1's subscribe(instance_id) → stream of
// Event. Multi-consumer: every call returns its own channel.
func (e *Engine) Subscribe(instanceID string) (<-chan eventbus.Event, func()) {
	if e.cfg.Bus == nil {
		ch := make(chan eventbus.Event)
		close(ch)
		return ch, func() {}
	}
	return e.cfg.Bus.Subscribe(instanceID)
}

// Instance returns a copy of instanceID's current record.
func (e *Engine) Instance(instanceID string) (Instance, error) {
	inst, ok := e.cfg.Store.Get(instanceID)
	if !ok {
		return Instance{}, core.ErrVersionNotFound
	}
	lock := e.cfg.Registry.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()
	return *inst, nil
}

// emit publishes an event on the bus (if configured), filling the
// uniform envelope fields from inst, per spec.md §6.
func (e *Engine) emit(ctx context.Context, inst *Instance, event eventbus.Event) {
	if e.cfg.Bus == nil {
		return
	}
	event.InstanceID = inst.ID
	event.TraceID = inst.TraceID
	event.Timestamp = time.Now().UTC()
	event.Replay = inst.Checkpoint.Replay
	e.cfg.Bus.Publish(ctx, event)
}

func (e *Engine) transition(ctx context.Context, inst *Instance, from, to InstanceState, reason string) {
	inst.State = to
	e.emit(ctx, inst, eventbus.Event{
		EventType: eventbus.EventWorkflowStateChanged,
		FromState: string(from),
		ToState:   string(to),
		Reason:    reason,
	})
}

func (e *Engine) finish(ctx context.Context, inst *Instance, to InstanceState, reason string) {
	lock := e.cfg.Registry.lockFor(inst.ID)
	lock.Lock()
	from := inst.State
	inst.State = to
	now := time.Now().UTC()
	inst.EndedAt = &now
	lock.Unlock()

	e.emit(ctx, inst, eventbus.Event{
		EventType: eventbus.EventWorkflowStateChanged,
		FromState: string(from),
		ToState:   string(to),
		Reason:    reason,
	})
}
