// Package toolhub mediates every external-tool call through a uniform
// interface guarded by a per-provider circuit breaker, per spec.md §4.3.
package toolhub

import "time"

// Protocol identifies how a provider's tools are invoked.
type Protocol string

const (
	ProtocolHTTP           Protocol = "http"
	ProtocolDataSourceBacked Protocol = "data_source_backed"
)

// BreakerState mirrors resilience.CircuitState as the three spec.md §4.3
// states, independent of the resilience package's own string spelling so
// callers serializing ToolProvider see exactly closed/open/half_open.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Tool describes one callable operation a provider advertises.
type Tool struct {
	Name        string                 `json:"name"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
	OutputSchema map[string]interface{} `json:"output_schema,omitempty"`
}

// ProviderSpec is the input to RegisterProvider: everything needed to
// reach a provider and fetch its tool catalog.
type ProviderSpec struct {
	ID       string
	Endpoint string
	Protocol Protocol
	Auth     AuthConfig

	// Tools seeds the catalog directly; used by data-source-backed
	// providers (spec.md §4.3 "synthesizes tools from a registered
	// external-system binding") and by tests. HTTP providers that leave
	// this empty are fetched via ProviderClient.FetchTools at
	// registration and on health-check refresh.
	Tools []Tool

	// Binding, for a data-source-backed provider, is opaque configuration
	// passed to the ToolSynthesizer that turns an external-system
	// connection (e.g. an MES/ERP) into a Tool catalog.
	Binding map[string]interface{}
}

// AuthConfig carries provider credentials. Never logged or included in
// Provider snapshots returned to callers.
type AuthConfig struct {
	Kind  string // "none", "bearer", "api_key", "basic"
	Token string
}

// ToolProvider is the read-only snapshot of a registered provider, per
// spec.md §3 `{id, endpoint, protocol, auth, breaker_state, fail_count}`.
type ToolProvider struct {
	ID           string       `json:"id"`
	Endpoint     string       `json:"endpoint"`
	Protocol     Protocol     `json:"protocol"`
	BreakerState BreakerState `json:"breaker_state"`
	FailCount    int64        `json:"fail_count"`
	Tools        []Tool       `json:"tools"`
	RegisteredAt time.Time    `json:"registered_at"`
}

// HealthResult is the output of Hub.Health.
type HealthResult struct {
	OK        bool  `json:"ok"`
	LatencyMs int64 `json:"latency_ms"`
}
