package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publishedEngine(t *testing.T, dsl DSL) (*Engine, string) {
	t.Helper()
	registry := NewRegistry()
	version, err := registry.CreateVersion("wf-1", dsl.Name, dsl)
	require.NoError(t, err)
	require.NoError(t, registry.Publish("wf-1", version))

	e := New(WithRegistry(registry), WithStore(NewStore()))
	return e, "wf-1"
}

func waitForTerminal(t *testing.T, e *Engine, instanceID string) Instance {
	t.Helper()
	var inst Instance
	require.Eventually(t, func() bool {
		var err error
		inst, err = e.Instance(instanceID)
		return err == nil && IsTerminal(inst.State)
	}, 2*time.Second, 5*time.Millisecond)
	return inst
}

func TestEngine_LinearWorkflowRunsToCompletion(t *testing.T) {
	dsl := DSL{
		Name: "linear", Version: "1",
		Nodes: []Node{
			{ID: "start", Type: NodeTrigger, Next: []string{"fetch"}},
			{ID: "fetch", Type: NodeData, Config: map[string]interface{}{"source": "historian"}, Next: []string{"calc"}},
			{ID: "calc", Type: NodeCode, Config: map[string]interface{}{"expression": "$.nodes.fetch.result.source", "var": "source_copy"}},
		},
	}
	e, workflowID := publishedEngine(t, dsl)

	instanceID, err := e.Start(context.Background(), workflowID, nil, "")
	require.NoError(t, err)

	inst := waitForTerminal(t, e, instanceID)
	assert.Equal(t, StateCompleted, inst.State)
	assert.Equal(t, "historian", inst.RuntimeContext.Vars()["source_copy"])
}

func TestEngine_StartFailsWithoutActiveWorkflow(t *testing.T) {
	e := New()
	_, err := e.Start(context.Background(), "missing", nil, "")
	assert.Error(t, err)
}

func TestEngine_IfElseRoutesOnCondition(t *testing.T) {
	dsl := DSL{
		Name: "branch", Version: "1",
		Nodes: []Node{
			{ID: "start", Type: NodeTrigger, Next: []string{"check"}},
			{ID: "check", Type: NodeIfElse, Config: map[string]interface{}{"expression": ".input.temperature_c > 80"}, Next: []string{"hot", "cold"}},
			{ID: "hot", Type: NodeCode, Config: map[string]interface{}{"expression": "$.input.temperature_c", "var": "route"}},
			{ID: "cold", Type: NodeCode, Config: map[string]interface{}{"expression": "$.input.temperature_c", "var": "route"}},
		},
	}
	e, workflowID := publishedEngine(t, dsl)

	instanceID, err := e.Start(context.Background(), workflowID, map[string]interface{}{"temperature_c": 95.0}, "")
	require.NoError(t, err)

	inst := waitForTerminal(t, e, instanceID)
	assert.Equal(t, StateCompleted, inst.State)
	assert.Equal(t, "hot", inst.CurrentNode)
}

func TestEngine_ParallelJoinsOnQuorum(t *testing.T) {
	dsl := DSL{
		Name: "fanout", Version: "1",
		Nodes: []Node{
			{ID: "start", Type: NodeTrigger, Next: []string{"fanout"}},
			{ID: "fanout", Type: NodeParallel, Config: map[string]interface{}{"quorum": 1, "join_next": "done"}, Next: []string{"branch_a", "branch_b"}},
			{ID: "branch_a", Type: NodeCode, Config: map[string]interface{}{"expression": "$.input.a", "var": "got_a"}},
			{ID: "branch_b", Type: NodeCode, Config: map[string]interface{}{"expression": "$.invalid[[[", "var": "got_b"}},
			{ID: "done", Type: NodeData},
		},
	}
	e, workflowID := publishedEngine(t, dsl)

	instanceID, err := e.Start(context.Background(), workflowID, map[string]interface{}{"a": 42.0}, "")
	require.NoError(t, err)

	inst := waitForTerminal(t, e, instanceID)
	assert.Equal(t, StateCompleted, inst.State)
	assert.EqualValues(t, 42.0, inst.RuntimeContext.Vars()["got_a"])
}

func TestEngine_ParallelFailsInstanceWhenQuorumNotMet(t *testing.T) {
	dsl := DSL{
		Name: "fanout-fail", Version: "1",
		Nodes: []Node{
			{ID: "start", Type: NodeTrigger, Next: []string{"fanout"}},
			{ID: "fanout", Type: NodeParallel, Config: map[string]interface{}{"quorum": 2, "join_next": "done"}, Next: []string{"branch_a", "branch_b"}},
			{ID: "branch_a", Type: NodeCode, Config: map[string]interface{}{"expression": "$.input.a", "var": "got_a"}},
			{ID: "branch_b", Type: NodeCode, Config: map[string]interface{}{"expression": "$.invalid[[[", "var": "got_b"}},
			{ID: "done", Type: NodeData},
		},
	}
	e, workflowID := publishedEngine(t, dsl)

	instanceID, err := e.Start(context.Background(), workflowID, map[string]interface{}{"a": 42.0}, "")
	require.NoError(t, err)

	inst := waitForTerminal(t, e, instanceID)
	assert.Equal(t, StateFailed, inst.State)
}

func TestEngine_CancelRunsCompensationInReverseOrder(t *testing.T) {
	dsl := DSL{
		Name: "cancellable", Version: "1",
		Nodes: []Node{
			{ID: "start", Type: NodeTrigger, Next: []string{"wait"}},
			{ID: "wait", Type: NodeWait, Config: map[string]interface{}{"duration": "1h"}, Compensation: "undo", Next: []string{"done"}},
			{ID: "undo", Type: NodeCode, Config: map[string]interface{}{"expression": "$.input.ok", "var": "compensated"}},
			{ID: "done", Type: NodeData},
		},
	}
	e, workflowID := publishedEngine(t, dsl)

	instanceID, err := e.Start(context.Background(), workflowID, map[string]interface{}{"ok": true}, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		inst, err := e.Instance(instanceID)
		return err == nil && inst.State == StateWaiting
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Cancel(context.Background(), instanceID))

	inst, err := e.Instance(instanceID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, inst.State)
	assert.Equal(t, true, inst.RuntimeContext.Vars()["compensated"])
}

func TestEngine_ResumeFailsFromNonResumableState(t *testing.T) {
	dsl := DSL{
		Name: "linear2", Version: "1",
		Nodes: []Node{
			{ID: "start", Type: NodeTrigger},
		},
	}
	e, workflowID := publishedEngine(t, dsl)
	instanceID, err := e.Start(context.Background(), workflowID, nil, "")
	require.NoError(t, err)

	waitForTerminal(t, e, instanceID)
	err = e.Resume(context.Background(), instanceID)
	assert.Error(t, err)
}

func TestEngine_RollbackEmitsWorkflowRollbackEvent(t *testing.T) {
	dsl := DSL{Name: "r", Version: "1", Nodes: []Node{{ID: "start", Type: NodeTrigger}}}
	registry := NewRegistry()
	v1, err := registry.CreateVersion("wf-rb", dsl.Name, dsl)
	require.NoError(t, err)
	require.NoError(t, registry.Publish("wf-rb", v1))
	v2, err := registry.CreateVersion("wf-rb", dsl.Name, dsl)
	require.NoError(t, err)
	require.NoError(t, registry.Publish("wf-rb", v2))

	e := New(WithRegistry(registry), WithStore(NewStore()))
	require.NoError(t, e.Rollback(context.Background(), "wf-rb", v1))

	wf, err := registry.Active("wf-rb")
	require.NoError(t, err)
	assert.Equal(t, v1, wf.Version)
}
