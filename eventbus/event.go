// Package eventbus carries workflow engine events to a durable in-process
// log and to live subscribers, and optionally relays them to an external
// pub/sub transport. It implements both the Event Bus Adapter and the
// Real-Time Stream Adapter: the same publish path feeds the durable log,
// the in-process fanout, and (if configured) NATS.
package eventbus

import "time"

// EventType identifies the kind of event on the bus.
type EventType string

const (
	EventWorkflowStateChanged EventType = "workflow_state_changed"
	EventNodeStarted          EventType = "node_started"
	EventNodeCompleted        EventType = "node_completed"
	EventNodeFailed           EventType = "node_failed"
	EventWorkflowRollback     EventType = "workflow_rollback"
	EventApprovalRequested    EventType = "approval_requested"
)

// Event is the uniform envelope serialized across the durable log, the
// pub/sub channel, and live subscribers, per spec.md §6.
type Event struct {
	EventType EventType `json:"event_type"`
	InstanceID string   `json:"instance_id"`
	TraceID    string   `json:"trace_id"`
	Timestamp  time.Time `json:"timestamp"`

	NodeID   string `json:"node_id,omitempty"`
	NodeType string `json:"node_type,omitempty"`

	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`
	Reason    string `json:"reason,omitempty"`

	DurationMs int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
	Output     interface{} `json:"output,omitempty"`

	FromVersion int `json:"from_version,omitempty"`
	ToVersion   int `json:"to_version,omitempty"`

	Approvers []string  `json:"approvers,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// Replay marks an event re-emitted on instance resume, so consumers
	// that already observed it once can de-duplicate per spec.md §5
	// ("events can be re-emitted on resume with a replay=true marker").
	Replay bool `json:"replay,omitempty"`

	Payload map[string]interface{} `json:"payload,omitempty"`
}

// ChannelKey returns the subscription channel key for an instance, per
// spec.md §6: "workflow:{instance_id}:events".
func ChannelKey(instanceID string) string {
	return "workflow:" + instanceID + ":events"
}
