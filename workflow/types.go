// Package workflow implements the Workflow Engine: versioned node-graph
// documents, instance execution, checkpointing, and the 15-state
// instance lifecycle of spec.md §4.1. It composes eventbus, toolhub,
// judgment, and ruledeploy behind its node dispatch table.
package workflow

import "time"

// NodeType enumerates every node variant spec.md §3 names.
type NodeType string

const (
	NodeData         NodeType = "DATA"
	NodeJudgment     NodeType = "JUDGMENT"
	NodeCode         NodeType = "CODE"
	NodeSwitch       NodeType = "SWITCH"
	NodeIfElse       NodeType = "IF_ELSE"
	NodeLoop         NodeType = "LOOP"
	NodeParallel     NodeType = "PARALLEL"
	NodeCondition    NodeType = "CONDITION"
	NodeAction       NodeType = "ACTION"
	NodeBI           NodeType = "BI"
	NodeMCP          NodeType = "MCP"
	NodeTrigger      NodeType = "TRIGGER"
	NodeWait         NodeType = "WAIT"
	NodeApproval     NodeType = "APPROVAL"
	NodeCompensation NodeType = "COMPENSATION"
	NodeDeploy       NodeType = "DEPLOY"
	NodeRollback     NodeType = "ROLLBACK"
	NodeSimulate     NodeType = "SIMULATE"
)

// Node is one vertex of a workflow's graph: {id, type, config, next[]}.
// next is ordered; SWITCH/IF_ELSE encode branch selection in that order.
type Node struct {
	ID     string                 `json:"id" yaml:"id"`
	Type   NodeType               `json:"type" yaml:"type"`
	Config map[string]interface{} `json:"config" yaml:"config"`
	Next   []string               `json:"next" yaml:"next"`

	// RetryPolicy may appear at node level, overriding the workflow-level
	// default, per spec.md §4.1.
	RetryPolicy *RetryPolicy `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`

	// Compensation names the COMPENSATION node to run if this node's
	// effects must be undone during cancellation or rollback.
	Compensation string `json:"compensation,omitempty" yaml:"compensation,omitempty"`
}

// RetryPolicy bounds per-node retry of transient failures.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	InitialWait time.Duration `json:"initial_wait" yaml:"initial_wait"`
	MaxWait     time.Duration `json:"max_wait" yaml:"max_wait"`
}

// Trigger describes how a workflow is started.
type Trigger struct {
	Type   string                 `json:"type,omitempty" yaml:"type,omitempty"`
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// DSL is the parsed document shape accepted over the wire, per spec.md
// §6: required top-level keys {name, version, trigger?, nodes[]}.
type DSL struct {
	Name    string   `json:"name" yaml:"name"`
	Version string   `json:"version" yaml:"version"`
	Trigger *Trigger `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Nodes   []Node   `json:"nodes" yaml:"nodes"`

	// RetryPolicy is the workflow-level default, overridable per node.
	RetryPolicy *RetryPolicy `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
}

// VersionStatus is a WorkflowVersion's place in the publish lifecycle.
type VersionStatus string

const (
	VersionDraft      VersionStatus = "draft"
	VersionActive     VersionStatus = "active"
	VersionDeprecated VersionStatus = "deprecated"
	VersionArchived   VersionStatus = "archived"
)

// WorkflowVersion is one append-only entry in a workflow's version
// history, per spec.md §3.
type WorkflowVersion struct {
	WorkflowID string        `json:"workflow_id"`
	Version    int           `json:"version"`
	DSL        DSL           `json:"dsl"`
	Digest     string        `json:"digest"`
	Status     VersionStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Workflow is the tenant-scoped, versioned live document, per spec.md
// §3: {id, name, version, dsl, digest, status}. Version/dsl/digest/status
// always mirror the current active WorkflowVersion.
type Workflow struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Version   int           `json:"version"`
	DSL       DSL           `json:"dsl"`
	Digest    string        `json:"digest"`
	Status    VersionStatus `json:"status"`
	DeletedAt *time.Time    `json:"deleted_at,omitempty"`
}

// InstanceState is exactly one of the 15 values spec.md §4.1 enumerates.
type InstanceState string

const (
	StateCreated           InstanceState = "CREATED"
	StateRunning           InstanceState = "RUNNING"
	StatePaused            InstanceState = "PAUSED"
	StateWaiting           InstanceState = "WAITING"
	StateAwaitingApproval  InstanceState = "AWAITING_APPROVAL"
	StateQueued            InstanceState = "QUEUED"
	StateRetrying          InstanceState = "RETRYING"
	StateSuspendedBreaker  InstanceState = "SUSPENDED_BREAKER"
	StateCompensating      InstanceState = "COMPENSATING"
	StateCompleted         InstanceState = "COMPLETED"
	StateFailed            InstanceState = "FAILED"
	StateCancelled         InstanceState = "CANCELLED"
	StateTimeout           InstanceState = "TIMEOUT"
	StateCompensated       InstanceState = "COMPENSATED"
	StateRollingBack       InstanceState = "ROLLING_BACK"
)

// terminalStates are the instance lifecycle's terminal values, per
// spec.md §4.1: "terminals = {COMPLETED, FAILED, CANCELLED, TIMEOUT,
// COMPENSATED}".
var terminalStates = map[InstanceState]bool{
	StateCompleted:   true,
	StateFailed:      true,
	StateCancelled:   true,
	StateTimeout:     true,
	StateCompensated: true,
}

// IsTerminal reports whether s is one of the instance lifecycle's
// terminal states.
func IsTerminal(s InstanceState) bool { return terminalStates[s] }

// resumableStates are the states resume() accepts from, per spec.md
// §4.1: "Fails with NotResumable unless state ∈ {PAUSED, WAITING,
// FAILED-retryable}". RETRYING stands in for "FAILED-retryable" here: a
// retry-eligible failure parks the instance in RETRYING rather than the
// terminal FAILED, so resume has something non-terminal to act on.
var resumableStates = map[InstanceState]bool{
	StatePaused:           true,
	StateWaiting:          true,
	StateRetrying:         true,
	StateAwaitingApproval: true,
	StateSuspendedBreaker: true,
}

// IsResumable reports whether resume() may act on an instance in state s.
func IsResumable(s InstanceState) bool { return resumableStates[s] }

// Instance is one execution of a workflow, per spec.md §3.
type Instance struct {
	ID              string        `json:"id"`
	WorkflowID      string        `json:"workflow_id"`
	Version         int           `json:"version"`
	State           InstanceState `json:"state"`
	RuntimeContext  *RuntimeContext `json:"runtime_context"`
	Checkpoint      Checkpoint    `json:"checkpoint"`
	CurrentNode     string        `json:"current_node"`
	TraceID         string        `json:"trace_id"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	RetryCount      int           `json:"retry_count"`
	ParentInstanceID string       `json:"parent_instance_id,omitempty"`
	ErrorCode       string        `json:"error_code,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`

	// compensable records, in completion order, every node id whose
	// Compensation target must be run if the instance is cancelled or
	// rolled back. Reversed at compensation time per spec.md's implicit
	// "undo what happened" ordering.
	compensable []string
}

// Checkpoint is the crash-recovery record for an instance: the
// queue/frontier of node ids still pending plus a replay marker, per
// spec.md §5's "checkpoint is source of truth" transactionality rule.
type Checkpoint struct {
	Frontier []string `json:"frontier"`
	Replay   bool      `json:"replay"`
	Sequence int64     `json:"sequence"`
}
