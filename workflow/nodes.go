package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/floorworks/forgefloor/core"
	"github.com/floorworks/forgefloor/eventbus"
	"github.com/floorworks/forgefloor/judgment"
	"github.com/floorworks/forgefloor/ruledeploy"
)

// handlerResult is what a nodeHandler returns: where to go next, or a
// suspension request with the InstanceState to park in.
type handlerResult struct {
	next         []string
	suspend      bool
	suspendState InstanceState
	output       interface{}
}

type nodeHandler func(ctx context.Context, e *Engine, inst *Instance, node Node) (handlerResult, error)

func defaultHandlers() map[NodeType]nodeHandler {
	return map[NodeType]nodeHandler{
		NodeTrigger:      handleTrigger,
		NodeData:         handleData,
		NodeJudgment:     handleJudgment,
		NodeCode:         handleCode,
		NodeSwitch:       handleSwitch,
		NodeIfElse:       handleIfElse,
		NodeCondition:    handleCondition,
		NodeLoop:         handleLoop,
		NodeParallel:     handleParallel,
		NodeAction:       handleAction,
		NodeBI:           handleBI,
		NodeMCP:          handleMCP,
		NodeWait:         handleWait,
		NodeApproval:     handleApproval,
		NodeCompensation: handleCompensation,
		NodeDeploy:       handleDeploy,
		NodeRollback:     handleRollback,
		NodeSimulate:     handleSimulate,
	}
}

func configString(config map[string]interface{}, key string) string {
	v, _ := config[key].(string)
	return v
}

func configInt(config map[string]interface{}, key string, def int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

func configFloat(config map[string]interface{}, key string, def float64) float64 {
	switch v := config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

func configMap(config map[string]interface{}, key string) map[string]interface{} {
	m, _ := config[key].(map[string]interface{})
	return m
}

func single(next []string) handlerResult { return handlerResult{next: next} }

func handleTrigger(ctx context.Context, e *Engine, inst *Instance, node Node) (handlerResult, error) {
	return single(node.Next), nil
}

func handleData(ctx context.Context, e *Engine, inst *Instance, node Node) (handlerResult, error) {
	resolved := inst.RuntimeContext.ResolveValue(node.Config)
	config, _ := resolved.(map[string]interface{})
	result, err := e.cfg.DataFetcher.Fetch(ctx, config)
	if err != nil {
		return handlerResult{}, fmt.Errorf("data node %s: %w", node.ID, err)
	}
	return handlerResult{next: node.Next, output: result}, nil
}

func handleJudgment(ctx context.Context, e *Engine, inst *Instance, node Node) (handlerResult, error) {
	if e.cfg.Judgment == nil {
		return handlerResult{}, fmt.Errorf("judgment node %s: %w: no judgment engine configured", node.ID, core.ErrInvalidConfiguration)
	}

	resolved := inst.RuntimeContext.ResolveValue(configMap(node.Config, "input"))
	data, _ := resolved.(map[string]interface{})

	result, err := e.cfg.Judgment.Execute(ctx, judgment.Input{
		RulesetID:       configString(node.Config, "ruleset_id"),
		PromptVersion:   configString(node.Config, "prompt_version"),
		WorkflowContext: inst.WorkflowID,
		Data:            data,
		Policy:          judgment.Policy(configString(node.Config, "policy")),
		Alpha:           configFloat(node.Config, "alpha", 0),
		GateThreshold:   configFloat(node.Config, "gate_threshold", 0),
		TraceID:         inst.TraceID,
	})
	if err != nil {
		return handlerResult{}, fmt.Errorf("judgment node %s: %w", node.ID, err)
	}
	return handlerResult{next: node.Next, output: result}, nil
}

func handleCode(ctx context.Context, e *Engine, inst *Instance, node Node) (handlerResult, error) {
	expression := configString(node.Config, "expression")
	varName := configString(node.Config, "var")
	if expression == "" || varName == "" {
		return handlerResult{}, fmt.Errorf("code node %s: %w: requires config.expression and config.var", node.ID, core.ErrInvalidInput)
	}

	value, err := inst.RuntimeContext.Resolve(expression)
	if err != nil {
		return handlerResult{}, fmt.Errorf("code node %s: %w", node.ID, err)
	}
	inst.RuntimeContext.SetVar(varName, value)
	return handlerResult{next: node.Next, output: value}, nil
}

func handleSwitch(ctx context.Context, e *Engine, inst *Instance, node Node) (handlerResult, error) {
	expression := configString(node.Config, "expression")
	value, err := inst.RuntimeContext.Resolve(expression)
	if err != nil {
		return handlerResult{}, fmt.Errorf("switch node %s: %w", node.ID, err)
	}

	key := fmt.Sprintf("%v", value)
	cases := configMap(node.Config, "cases")
	index := configInt(node.Config, "default_index", len(node.Next)-1)
	if raw, ok := cases[key]; ok {
		index = int(asFloat(raw))
	}
	if index < 0 || index >= len(node.Next) {
		return handlerResult{}, fmt.Errorf("switch node %s: %w: case index %d out of range", node.ID, core.ErrInvalidInput, index)
	}
	return handlerResult{next: []string{node.Next[index]}, output: value}, nil
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

func handleIfElse(ctx context.Context, e *Engine, inst *Instance, node Node) (handlerResult, error) {
	expression := configString(node.Config, "expression")
	ok, err := inst.RuntimeContext.EvalBool(expression)
	if err != nil {
		return handlerResult{}, fmt.Errorf("if_else node %s: %w", node.ID, err)
	}
	if len(node.Next) < 2 {
		return handlerResult{}, fmt.Errorf("if_else node %s: %w: requires two next targets", node.ID, core.ErrInvalidInput)
	}
	if ok {
		return handlerResult{next: []string{node.Next[0]}}, nil
	}
	return handlerResult{next: []string{node.Next[1]}}, nil
}

func handleCondition(ctx context.Context, e *Engine, inst *Instance, node Node) (handlerResult, error) {
	expression := configString(node.Config, "expression")
	ok, err := inst.RuntimeContext.EvalBool(expression)
	if err != nil {
		return handlerResult{}, fmt.Errorf("condition node %s: %w", node.ID, err)
	}
	if !ok {
		return handlerResult{}, nil
	}
	return handlerResult{next: node.Next}, nil
}

// handleLoop implements LOOP semantics: repeatedly execute the single
// body node named by config.body_node while config.condition evaluates
// true, bounded by config.max_iterations (spec.md §5 "LOOP-only cycles,
// max_iterations bound"). The body is a single node rather than an
// arbitrary subgraph — a deliberate scoping decision, see DESIGN.md.
func handleLoop(ctx context.Context, e *Engine, inst *Instance, node Node) (handlerResult, error) {
	bodyID := configString(node.Config, "body_node")
	condition := configString(node.Config, "condition")
	maxIterations := configInt(node.Config, "max_iterations", 1)

	body, ok := e.nodeByID(inst, bodyID)
	if !ok {
		return handlerResult{}, fmt.Errorf("loop node %s: %w: body_node %q not found", node.ID, core.ErrInvalidInput, bodyID)
	}

	for i := 0; i < maxIterations; i++ {
		if condition != "" {
			cont, err := inst.RuntimeContext.EvalBool(condition)
			if err != nil {
				return handlerResult{}, fmt.Errorf("loop node %s: %w", node.ID, err)
			}
			if !cont {
				break
			}
		}

		handler, ok := e.handlers[body.Type]
		if !ok {
			return handlerResult{}, fmt.Errorf("loop node %s: %w: unsupported body node type %q", node.ID, core.ErrInvalidInput, body.Type)
		}
		res, err := handler(ctx, e, inst, body)
		if err != nil {
			return handlerResult{}, fmt.Errorf("loop node %s iteration %d: %w", node.ID, i, err)
		}
		if res.suspend {
			return res, nil
		}
	}

	return handlerResult{next: node.Next}, nil
}

// handleParallel implements PARALLEL: each id in node.Next is a branch
// entry, run concurrently as a child goroutine per spec.md §5 ("PARALLEL
// branches as child goroutines reporting to the owner"), joined with a
// raw sync.WaitGroup (the teacher's own concurrency idiom for its
// parallel step type, see DESIGN.md for why errgroup was passed over).
// config.quorum (default: all branches) is how many branches must
// succeed before the join proceeds; once quorum is met, remaining
// branches are cancelled cooperatively via ctx but allowed to finish if
// already in flight.
func handleParallel(ctx context.Context, e *Engine, inst *Instance, node Node) (handlerResult, error) {
	branches := node.Next
	quorum := configInt(node.Config, "quorum", len(branches))
	joinNext := configString(node.Config, "join_next")

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type branchResult struct {
		id  string
		err error
	}
	results := make(chan branchResult, len(branches))

	var wg sync.WaitGroup
	for _, branchID := range branches {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := e.runBranch(branchCtx, inst, id)
			results <- branchResult{id: id, err: err}
		}(branchID)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	succeeded := 0
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		succeeded++
		if succeeded >= quorum {
			cancel() // quorum met: stop waiting on stragglers cooperatively
		}
	}

	if succeeded < quorum {
		if firstErr == nil {
			firstErr = fmt.Errorf("parallel node %s: quorum %d of %d branches not met", node.ID, quorum, len(branches))
		}
		return handlerResult{}, fmt.Errorf("parallel node %s: %w", node.ID, firstErr)
	}

	if joinNext == "" {
		return handlerResult{}, nil
	}
	return handlerResult{next: []string{joinNext}}, nil
}

// runBranch walks a PARALLEL branch from entryID to completion (no more
// next targets), executing each node in sequence. Suspension inside a
// branch fails the branch rather than suspending the whole instance — a
// deliberate scoping decision documented in DESIGN.md.
func (e *Engine) runBranch(ctx context.Context, inst *Instance, entryID string) error {
	currentID := entryID
	for currentID != "" {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		node, ok := e.nodeByID(inst, currentID)
		if !ok {
			return fmt.Errorf("branch node %s not found: %w", currentID, core.ErrInvalidInput)
		}
		handler, ok := e.handlers[node.Type]
		if !ok {
			return fmt.Errorf("branch node %s: %w: unsupported type %q", currentID, core.ErrInvalidInput, node.Type)
		}

		res, err := handler(ctx, e, inst, node)
		if err != nil {
			return err
		}
		if res.suspend {
			return fmt.Errorf("branch node %s: %w: suspension is not supported inside a parallel branch", currentID, core.ErrInvalidInput)
		}
		if res.output != nil {
			_ = inst.RuntimeContext.SetNodeResult(currentID, res.output)
		}
		if len(res.next) == 0 {
			return nil
		}
		currentID = res.next[0]
	}
	return nil
}

func handleAction(ctx context.Context, e *Engine, inst *Instance, node Node) (handlerResult, error) {
	if e.cfg.ToolHub == nil {
		return handlerResult{}, fmt.Errorf("action node %s: %w: no tool hub configured", node.ID, core.ErrInvalidConfiguration)
	}
	providerID := configString(node.Config, "provider_id")
	tool := configString(node.Config, "tool")
	resolved := inst.RuntimeContext.ResolveValue(configMap(node.Config, "args"))
	args, _ := resolved.(map[string]interface{})

	output, err := e.cfg.ToolHub.Call(ctx, providerID, tool, args)
	if err != nil {
		return handlerResult{}, fmt.Errorf("action node %s: %w", node.ID, err)
	}
	return handlerResult{next: node.Next, output: output}, nil
}

func handleBI(ctx context.Context, e *Engine, inst *Instance, node Node) (handlerResult, error) {
	resolved := inst.RuntimeContext.ResolveValue(node.Config)
	config, _ := resolved.(map[string]interface{})
	chartURL, err := e.cfg.BIRenderer.Render(ctx, config)
	if err != nil {
		return handlerResult{}, fmt.Errorf("bi node %s: %w", node.ID, err)
	}
	return handlerResult{next: node.Next, output: chartURL}, nil
}

func handleMCP(ctx context.Context, e *Engine, inst *Instance, node Node) (handlerResult, error) {
	server := configString(node.Config, "server")
	tool := configString(node.Config, "tool")
	resolved := inst.RuntimeContext.ResolveValue(configMap(node.Config, "args"))
	args, _ := resolved.(map[string]interface{})

	output, err := e.cfg.MCPClient.Call(ctx, server, tool, args)
	if err != nil {
		return handlerResult{}, fmt.Errorf("mcp node %s: %w", node.ID, err)
	}
	return handlerResult{next: node.Next, output: output}, nil
}

func handleWait(ctx context.Context, e *Engine, inst *Instance, node Node) (handlerResult, error) {
	durationStr := configString(node.Config, "duration")
	duration, err := time.ParseDuration(durationStr)
	if err != nil || duration <= 0 {
		return handlerResult{}, fmt.Errorf("wait node %s: %w: invalid config.duration %q", node.ID, core.ErrInvalidInput, durationStr)
	}

	instanceID := inst.ID
	time.AfterFunc(duration, func() {
		_ = e.Resume(context.Background(), instanceID)
	})

	return handlerResult{suspend: true, suspendState: StateWaiting}, nil
}

func handleApproval(ctx context.Context, e *Engine, inst *Instance, node Node) (handlerResult, error) {
	approvers, _ := node.Config["approvers"].([]interface{})
	names := make([]string, 0, len(approvers))
	for _, a := range approvers {
		if s, ok := a.(string); ok {
			names = append(names, s)
		}
	}
	timeoutStr := configString(node.Config, "timeout")
	var expiresAt time.Time
	if timeoutStr != "" {
		if d, err := time.ParseDuration(timeoutStr); err == nil {
			expiresAt = time.Now().UTC().Add(d)
		}
	}

	e.emit(ctx, inst, eventbus.Event{
		EventType: eventbus.EventApprovalRequested,
		Approvers: names,
		ExpiresAt: expiresAt,
	})
	return handlerResult{suspend: true, suspendState: StateAwaitingApproval}, nil
}

func handleCompensation(ctx context.Context, e *Engine, inst *Instance, node Node) (handlerResult, error) {
	if e.cfg.ToolHub == nil || configString(node.Config, "provider_id") == "" {
		return handlerResult{next: node.Next}, nil
	}
	resolved := inst.RuntimeContext.ResolveValue(configMap(node.Config, "args"))
	args, _ := resolved.(map[string]interface{})
	_, err := e.cfg.ToolHub.Call(ctx, configString(node.Config, "provider_id"), configString(node.Config, "tool"), args)
	if err != nil {
		return handlerResult{}, fmt.Errorf("compensation node %s: %w", node.ID, err)
	}
	return handlerResult{next: node.Next}, nil
}

func handleDeploy(ctx context.Context, e *Engine, inst *Instance, node Node) (handlerResult, error) {
	if e.cfg.RuleDeploy == nil {
		return handlerResult{}, fmt.Errorf("deploy node %s: %w: no rule deployment hub configured", node.ID, core.ErrInvalidConfiguration)
	}
	rulesetID := configString(node.Config, "ruleset_id")
	version := configInt(node.Config, "version", 0)

	var canary *ruledeploy.CanaryParams
	if raw := configMap(node.Config, "canary"); raw != nil {
		canary = &ruledeploy.CanaryParams{Fraction: configFloat(raw, "fraction", 0)}
	}
	deploymentID, err := e.cfg.RuleDeploy.Publish(rulesetID, version, canary)
	if err != nil {
		return handlerResult{}, fmt.Errorf("deploy node %s: %w", node.ID, err)
	}
	return handlerResult{next: node.Next, output: deploymentID}, nil
}

func handleRollback(ctx context.Context, e *Engine, inst *Instance, node Node) (handlerResult, error) {
	if e.cfg.RuleDeploy == nil {
		return handlerResult{}, fmt.Errorf("rollback node %s: %w: no rule deployment hub configured", node.ID, core.ErrInvalidConfiguration)
	}
	rulesetID := configString(node.Config, "ruleset_id")
	toVersion := configInt(node.Config, "to_version", 0)
	if err := e.cfg.RuleDeploy.Rollback(rulesetID, toVersion); err != nil {
		return handlerResult{}, fmt.Errorf("rollback node %s: %w", node.ID, err)
	}
	return handlerResult{next: node.Next}, nil
}

// handleSimulate implements SIMULATE: projects a judgment outcome
// without any side-effecting node being allowed to run for real. Only
// meaningful when config.ruleset_id is set; otherwise it's a passthrough.
func handleSimulate(ctx context.Context, e *Engine, inst *Instance, node Node) (handlerResult, error) {
	rulesetID := configString(node.Config, "ruleset_id")
	if rulesetID == "" || e.cfg.Judgment == nil {
		return handlerResult{next: node.Next}, nil
	}

	resolved := inst.RuntimeContext.ResolveValue(configMap(node.Config, "input"))
	data, _ := resolved.(map[string]interface{})

	result, err := e.cfg.Judgment.Execute(ctx, judgment.Input{
		RulesetID:     rulesetID,
		PromptVersion: configString(node.Config, "prompt_version"),
		Data:          data,
		Policy:        judgment.Policy(configString(node.Config, "policy")),
		TraceID:       inst.TraceID,
	})
	if err != nil {
		return handlerResult{}, fmt.Errorf("simulate node %s: %w", node.ID, err)
	}
	return handlerResult{next: node.Next, output: result}, nil
}

func (e *Engine) nodeByID(inst *Instance, id string) (Node, bool) {
	wf, err := e.cfg.Registry.Version(inst.WorkflowID, inst.Version)
	if err != nil {
		return Node{}, false
	}
	return NodeByID(wf.DSL, id)
}
