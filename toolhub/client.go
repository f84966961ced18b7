package toolhub

import (
	"context"
	"time"
)

// ProviderClient is the transport-level collaborator a Hub dispatches
// through once the breaker and schema checks pass. One implementation per
// Protocol; HTTPClient below covers ProtocolHTTP.
type ProviderClient interface {
	// Call invokes toolName on the provider with args and returns its raw
	// output. Implementations classify failures using the core sentinel
	// errors (core.ErrTimeout, core.ErrTransient, core.ErrAuthError, ...)
	// so the Hub's retry policy can tell retryable from permanent.
	Call(ctx context.Context, spec ProviderSpec, toolName string, args map[string]interface{}) (interface{}, error)

	// FetchTools retrieves the provider's current tool catalog, used at
	// registration and on health-check refresh.
	FetchTools(ctx context.Context, spec ProviderSpec) ([]Tool, error)

	// Ping performs a lightweight reachability check and returns latency.
	Ping(ctx context.Context, spec ProviderSpec) (time.Duration, error)
}
