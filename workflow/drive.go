package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/floorworks/forgefloor/core"
	"github.com/floorworks/forgefloor/eventbus"
	"github.com/floorworks/forgefloor/telemetry"
)

// drive is the owner goroutine for one instance: it walks the checkpoint
// frontier one node at a time, dispatching through the handler table and
// persisting progress back to Checkpoint after each step, per spec.md
// §5's "checkpoint is source of truth" rule. Start and Resume both spawn
// drive in its own goroutine; admission bounds how many run at once.
func (e *Engine) drive(ctx context.Context, inst *Instance) {
	select {
	case e.admission <- struct{}{}:
	default:
		e.park(ctx, inst, StateQueued)
		e.admission <- struct{}{}
		e.transition(ctx, inst, StateQueued, StateRunning, "admitted")
	}
	defer func() { <-e.admission }()

	e.run(ctx, inst)
}

func (e *Engine) run(ctx context.Context, inst *Instance) {
	for {
		lock := e.cfg.Registry.lockFor(inst.ID)

		lock.Lock()
		frontier := append([]string(nil), inst.Checkpoint.Frontier...)
		lock.Unlock()

		if len(frontier) == 0 {
			e.finish(ctx, inst, StateCompleted, "frontier empty")
			return
		}
		nodeID := frontier[0]

		node, ok := e.nodeByID(inst, nodeID)
		if !ok {
			e.failInstance(ctx, inst, fmt.Sprintf("node %s not found", nodeID), fmt.Errorf("node %s: %w", nodeID, core.ErrInvalidInput))
			return
		}
		handler, ok := e.handlers[node.Type]
		if !ok {
			e.failInstance(ctx, inst, fmt.Sprintf("node %s: unsupported type %q", nodeID, node.Type), fmt.Errorf("node %s: %w", nodeID, core.ErrInvalidInput))
			return
		}

		lock.Lock()
		inst.CurrentNode = nodeID
		lock.Unlock()

		e.emit(ctx, inst, eventbus.Event{
			EventType: eventbus.EventNodeStarted,
			NodeID:    node.ID,
			NodeType:  string(node.Type),
		})

		start := time.Now()
		res, err := e.executeWithRetry(ctx, inst, node, handler)
		durationMs := time.Since(start).Milliseconds()
		telemetry.Duration("workflow.node.duration_ms", start, "node_type", string(node.Type))

		if err != nil {
			telemetry.RecordError("workflow.node.result", core.ErrorKind(err), "node_type", string(node.Type))
			e.emit(ctx, inst, eventbus.Event{
				EventType:  eventbus.EventNodeFailed,
				NodeID:     node.ID,
				NodeType:   string(node.Type),
				DurationMs: durationMs,
				Error:      err.Error(),
			})

			if core.IsRetryable(err) {
				lock.Lock()
				inst.RetryCount++
				inst.ErrorCode = core.ErrorKind(err)
				inst.ErrorMessage = err.Error()
				lock.Unlock()
				e.park(ctx, inst, StateRetrying)
				return
			}

			e.failInstance(ctx, inst, err.Error(), err)
			return
		}

		telemetry.RecordSuccess("workflow.node.result", "node_type", string(node.Type))
		e.emit(ctx, inst, eventbus.Event{
			EventType:  eventbus.EventNodeCompleted,
			NodeID:     node.ID,
			NodeType:   string(node.Type),
			DurationMs: durationMs,
			Output:     res.output,
		})

		if res.output != nil {
			_ = inst.RuntimeContext.SetNodeResult(node.ID, res.output)
		}

		lock.Lock()
		if node.Compensation != "" {
			inst.compensable = append(inst.compensable, node.ID)
		}
		lock.Unlock()

		if res.suspend {
			e.park(ctx, inst, res.suspendState)
			return
		}

		lock.Lock()
		remaining := inst.Checkpoint.Frontier
		if len(remaining) > 0 {
			remaining = remaining[1:]
		}
		inst.Checkpoint.Frontier = append(append([]string{}, res.next...), remaining...)
		inst.Checkpoint.Sequence++
		lock.Unlock()
	}
}

// executeWithRetry runs handler once, or repeatedly under node.RetryPolicy
// (falling back to the workflow-level default) when the handler reports a
// transient failure, per spec.md §4.1's per-node retry_policy.
func (e *Engine) executeWithRetry(ctx context.Context, inst *Instance, node Node, handler nodeHandler) (handlerResult, error) {
	policy := node.RetryPolicy
	if policy == nil {
		if wf, err := e.cfg.Registry.Version(inst.WorkflowID, inst.Version); err == nil {
			policy = wf.DSL.RetryPolicy
		}
	}
	if policy == nil || policy.MaxAttempts <= 1 {
		return handler(ctx, e, inst, node)
	}

	operation := func() (handlerResult, error) {
		res, err := handler(ctx, e, inst, node)
		if err != nil {
			if core.IsRetryable(err) {
				return handlerResult{}, err
			}
			return handlerResult{}, backoff.Permanent(err)
		}
		return res, nil
	}

	b := backoff.NewExponentialBackOff()
	if policy.InitialWait > 0 {
		b.InitialInterval = policy.InitialWait
	}
	if policy.MaxWait > 0 {
		b.MaxInterval = policy.MaxWait
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
	)
}

// park transitions inst to a non-terminal suspended state (QUEUED, WAITING,
// AWAITING_APPROVAL, RETRYING, SUSPENDED_BREAKER). For QUEUED, drive itself
// waits for an admission slot and then moves the instance to RUNNING; for
// the other states drive's goroutine exits, and a later Resume picks the
// instance back up from its checkpoint frontier.
func (e *Engine) park(ctx context.Context, inst *Instance, state InstanceState) {
	lock := e.cfg.Registry.lockFor(inst.ID)
	lock.Lock()
	from := inst.State
	inst.State = state
	lock.Unlock()

	e.emit(ctx, inst, eventbus.Event{
		EventType: eventbus.EventWorkflowStateChanged,
		FromState: string(from),
		ToState:   string(state),
		Reason:    "parked",
	})
}

// failInstance runs compensation (if any node so far registered one) and
// then lands the instance in FAILED, per spec.md §4.1.
func (e *Engine) failInstance(ctx context.Context, inst *Instance, message string, cause error) {
	lock := e.cfg.Registry.lockFor(inst.ID)
	lock.Lock()
	inst.ErrorMessage = message
	inst.ErrorCode = core.ErrorKind(cause)
	needsCompensation := len(inst.compensable) > 0
	lock.Unlock()

	if needsCompensation {
		e.transition(ctx, inst, inst.State, StateCompensating, "compensate before fail")
		e.runCompensation(ctx, inst)
	}

	e.finish(ctx, inst, StateFailed, message)
}

// runCompensation walks inst.compensable in reverse — most recently
// completed node first — executing each node's Compensation target, per
// spec.md §4.1's implicit "undo what happened" ordering for cancel and
// rollback. A compensation node failing is logged, not re-raised: a
// COMPENSATING instance always reaches a terminal state.
func (e *Engine) runCompensation(ctx context.Context, inst *Instance) {
	lock := e.cfg.Registry.lockFor(inst.ID)
	lock.Lock()
	ids := append([]string(nil), inst.compensable...)
	lock.Unlock()

	for i := len(ids) - 1; i >= 0; i-- {
		nodeID := ids[i]
		node, ok := e.nodeByID(inst, nodeID)
		if !ok || node.Compensation == "" {
			continue
		}
		target, ok := e.nodeByID(inst, node.Compensation)
		if !ok {
			e.cfg.Logger.Warn("compensation target not found", map[string]interface{}{
				"operation":     "run_compensation",
				"instance_id":   inst.ID,
				"node_id":       nodeID,
				"compensation":  node.Compensation,
			})
			continue
		}
		handler, ok := e.handlers[target.Type]
		if !ok {
			continue
		}
		if _, err := handler(ctx, e, inst, target); err != nil {
			e.cfg.Logger.Error("compensation node failed", map[string]interface{}{
				"operation":    "run_compensation",
				"instance_id":  inst.ID,
				"node_id":      nodeID,
				"compensation": node.Compensation,
				"error":        err.Error(),
			})
		}
	}
}
