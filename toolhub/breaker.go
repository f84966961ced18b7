package toolhub

import (
	"github.com/floorworks/forgefloor/core"
	"github.com/floorworks/forgefloor/resilience"
)

// breaker wraps a resilience.CircuitBreaker configured to the exact
// spec.md §4.3 state machine: fail_count >= 5 within window opens it, a
// 60s cooldown moves it to half-open, and a single probe decides the
// next transition.
type breaker struct {
	cb *resilience.CircuitBreaker
}

func newBreaker(providerID string, logger core.Logger) (*breaker, error) {
	cfg := resilience.DefaultConfig()
	cfg.Name = "toolhub." + providerID
	cfg.FailureThreshold = 5
	cfg.SleepWindow = toolHubCooldown
	cfg.HalfOpenRequests = 1
	cfg.SuccessThreshold = 0.5
	cfg.Logger = logger

	cb, err := resilience.NewCircuitBreaker(cfg)
	if err != nil {
		return nil, err
	}
	return &breaker{cb: cb}, nil
}

// state returns the spec.md §3 breaker_state value.
func (b *breaker) state() BreakerState {
	switch b.cb.GetState() {
	case "open":
		return BreakerOpen
	case "half-open":
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// failCount returns the window's current failure count, reported on
// ToolProvider as fail_count.
func (b *breaker) failCount() int64 {
	metrics := b.cb.GetMetrics()
	if v, ok := metrics["failure"].(uint64); ok {
		return int64(v)
	}
	return 0
}
