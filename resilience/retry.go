package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"
	
	"github.com/floorworks/forgefloor/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	JitterEnabled   bool
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry executes a function with retry logic
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	
	var lastErr error
	delay := config.InitialDelay
	
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		// Check context
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		
		// Try the function
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		
		// Don't sleep after the last attempt
		if attempt == config.MaxAttempts {
			break
		}
		
		// Calculate next delay with exponential backoff
		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}
		
		// Add jitter if enabled to prevent synchronized retries
		// across multiple clients (thundering herd mitigation)
		if config.JitterEnabled {
			jitter := time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
			delay += jitter
		}
		
		// Sleep with context cancellation
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	
	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w", config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}

// RetryWithCircuitBreaker combines retry logic with circuit breaker
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		if !cb.CanExecute() {
			return core.ErrCircuitBreakerOpen
		}

		err := fn()
		if err != nil {
			cb.RecordFailure()
			return err
		}

		cb.RecordSuccess()
		return nil
	})
}

// RetryExecutor runs the same attempt and backoff loop as Retry, without
// jitter, and logs each attempt and the final outcome through a structured
// logger.
type RetryExecutor struct {
	config           *RetryConfig
	logger           core.Logger
	telemetryEnabled bool
}

// NewRetryExecutor creates an executor with config, or DefaultRetryConfig if nil.
func NewRetryExecutor(config *RetryConfig) *RetryExecutor {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &RetryExecutor{
		config: config,
		logger: &core.NoOpLogger{},
	}
}

// SetLogger sets the logger used for per-attempt and outcome logging.
func (e *RetryExecutor) SetLogger(logger core.Logger) {
	if logger == nil {
		e.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		e.logger = cal.WithComponent("framework/resilience")
	} else {
		e.logger = logger
	}
}

// Execute runs fn under the executor's retry policy, logging retry_start,
// retry_backoff (between attempts), and the terminal outcome.
func (e *RetryExecutor) Execute(ctx context.Context, operation string, fn func() error) error {
	e.logger.Info("Starting retry operation", map[string]interface{}{
		"operation":      "retry_start",
		"retry_operation": operation,
		"max_attempts":   e.config.MaxAttempts,
	})

	var lastErr error
	delay := e.config.InitialDelay

	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			e.logger.Info("retry operation succeeded", map[string]interface{}{
				"operation":       "retry_success",
				"retry_operation": operation,
				"attempt":         attempt,
			})
			return nil
		} else {
			lastErr = err
			e.logger.Debug("retry attempt failed", map[string]interface{}{
				"operation":       "retry_attempt_failed",
				"retry_operation": operation,
				"attempt":         attempt,
				"error":           err.Error(),
			})
		}

		if attempt == e.config.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * e.config.BackoffFactor)
			if delay > e.config.MaxDelay {
				delay = e.config.MaxDelay
			}
		}

		e.logger.Debug("backing off before next retry attempt", map[string]interface{}{
			"operation":       "retry_backoff",
			"retry_operation": operation,
			"attempt":         attempt,
			"delay_ms":        delay.Milliseconds(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	e.logger.Error("retry attempts exhausted", map[string]interface{}{
		"operation":       "retry_exhausted",
		"retry_operation": operation,
		"max_attempts":    e.config.MaxAttempts,
		"last_error":      lastErr.Error(),
	})

	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w", e.config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}