package toolhub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/floorworks/forgefloor/core"
	"github.com/floorworks/forgefloor/telemetry"
)

const toolHubCooldown = 60 * time.Second

// HubConfig configures a Hub via the teacher's functional-options
// convention.
type HubConfig struct {
	Logger core.Logger

	// RequestTimeout bounds a single provider call; exceeding it surfaces
	// as core.ErrTimeout.
	RequestTimeout time.Duration

	// MaxRetries bounds retries on Timeout/Transient classes, spec.md
	// §4.3 "default max 2".
	MaxRetries int

	// HTTPClient is the default ProviderClient for ProtocolHTTP
	// providers. Tests substitute a fake.
	HTTPClient ProviderClient

	// Synthesizer builds a Tool catalog and ProviderClient for
	// ProtocolDataSourceBacked providers from ProviderSpec.Binding.
	Synthesizer ToolSynthesizer
}

// Option configures a Hub.
type Option func(*HubConfig)

func WithHubLogger(l core.Logger) Option       { return func(c *HubConfig) { c.Logger = l } }
func WithRequestTimeout(d time.Duration) Option { return func(c *HubConfig) { c.RequestTimeout = d } }
func WithMaxRetries(n int) Option              { return func(c *HubConfig) { c.MaxRetries = n } }
func WithHTTPProviderClient(pc ProviderClient) Option {
	return func(c *HubConfig) { c.HTTPClient = pc }
}
func WithSynthesizer(s ToolSynthesizer) Option { return func(c *HubConfig) { c.Synthesizer = s } }

func defaultHubConfig() HubConfig {
	return HubConfig{
		RequestTimeout: 10 * time.Second,
		MaxRetries:     2,
	}
}

// ToolSynthesizer turns a data-source-backed provider's binding into a
// Tool catalog and the ProviderClient used to dispatch calls against it,
// per spec.md §4.3 "synthesizes tools from a registered external-system
// binding (e.g., an enterprise MES/ERP)".
type ToolSynthesizer interface {
	Synthesize(ctx context.Context, spec ProviderSpec) ([]Tool, ProviderClient, error)
}

// Hub is the single process-wide ToolProvider registry and dispatcher,
// generalized from orchestration/catalog.go's AgentCatalog.
type Hub struct {
	cfg     HubConfig
	catalog *ProviderCatalog
}

// New creates a Hub.
func New(opts ...Option) *Hub {
	cfg := defaultHubConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	} else if cal, ok := cfg.Logger.(core.ComponentAwareLogger); ok {
		cfg.Logger = cal.WithComponent("forgefloor/toolhub")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(cfg.RequestTimeout)
	}
	return &Hub{cfg: cfg, catalog: newProviderCatalog(cfg.Logger)}
}

// RegisterProvider implements spec.md §4.3 register_provider(spec) →
// provider_id. An empty spec.ID is assigned a generated one.
func (h *Hub) RegisterProvider(ctx context.Context, spec ProviderSpec) (string, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.Protocol == "" {
		spec.Protocol = ProtocolHTTP
	}

	tools := spec.Tools
	var client ProviderClient = h.cfg.HTTPClient

	switch spec.Protocol {
	case ProtocolDataSourceBacked:
		if h.cfg.Synthesizer == nil {
			return "", fmt.Errorf("register provider %s: %w: no synthesizer configured for data_source_backed", spec.ID, core.ErrInvalidConfiguration)
		}
		synthTools, synthClient, err := h.cfg.Synthesizer.Synthesize(ctx, spec)
		if err != nil {
			return "", fmt.Errorf("synthesize tools for %s: %w", spec.ID, err)
		}
		tools = synthTools
		client = synthClient
	case ProtocolHTTP:
		if len(tools) == 0 {
			fetched, err := h.cfg.HTTPClient.FetchTools(ctx, spec)
			if err != nil {
				h.cfg.Logger.Warn("initial tool fetch failed, registering with empty catalog", map[string]interface{}{
					"operation":   "toolhub_register",
					"provider_id": spec.ID,
					"error":       err.Error(),
				})
			} else {
				tools = fetched
			}
		}
	default:
		return "", fmt.Errorf("register provider %s: %w: unknown protocol %q", spec.ID, core.ErrInvalidInput, spec.Protocol)
	}

	b, err := newBreaker(spec.ID, h.cfg.Logger)
	if err != nil {
		return "", fmt.Errorf("create breaker for %s: %w", spec.ID, err)
	}

	schemas, err := compileToolSchemas(tools)
	if err != nil {
		return "", fmt.Errorf("compile schemas for %s: %w", spec.ID, err)
	}

	entry := &providerEntry{
		spec:         spec,
		tools:        tools,
		schemas:      schemas,
		client:       client,
		breaker:      b,
		registeredAt: time.Now().UTC(),
	}
	h.catalog.put(entry)

	h.cfg.Logger.Info("provider registered", map[string]interface{}{
		"operation":   "toolhub_register",
		"provider_id": spec.ID,
		"protocol":    string(spec.Protocol),
		"tool_count":  len(tools),
	})

	return spec.ID, nil
}

// ListTools implements spec.md §4.3 list_tools(provider_id) → Tool[].
func (h *Hub) ListTools(ctx context.Context, providerID string) ([]Tool, error) {
	entry, ok := h.catalog.get(providerID)
	if !ok {
		return nil, fmt.Errorf("list tools for %s: %w", providerID, core.ErrVersionNotFound)
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	out := make([]Tool, len(entry.tools))
	copy(out, entry.tools)
	return out, nil
}

// Provider returns the ToolProvider snapshot for providerID.
func (h *Hub) Provider(providerID string) (ToolProvider, error) {
	entry, ok := h.catalog.get(providerID)
	if !ok {
		return ToolProvider{}, fmt.Errorf("get provider %s: %w", providerID, core.ErrVersionNotFound)
	}
	entry.mu.RLock()
	tools := make([]Tool, len(entry.tools))
	copy(tools, entry.tools)
	entry.mu.RUnlock()

	return ToolProvider{
		ID:           entry.spec.ID,
		Endpoint:     entry.spec.Endpoint,
		Protocol:     entry.spec.Protocol,
		BreakerState: entry.breaker.state(),
		FailCount:    entry.breaker.failCount(),
		Tools:        tools,
		RegisteredAt: entry.registeredAt,
	}, nil
}

// Call implements spec.md §4.3 call(provider_id, tool_name, args) →
// output. Failures are one of BreakerOpen, Timeout, ProviderError,
// SchemaMismatch (core.ErrBreakerOpen / core.ErrTimeout / core.ErrTransient
// / core.ErrSchemaMismatch).
func (h *Hub) Call(ctx context.Context, providerID, toolName string, args map[string]interface{}) (interface{}, error) {
	start := time.Now()
	entry, ok := h.catalog.get(providerID)
	if !ok {
		return nil, fmt.Errorf("call %s on %s: %w", toolName, providerID, core.ErrVersionNotFound)
	}

	entry.mu.RLock()
	schemas, hasSchema := entry.schemas[toolName]
	client := entry.client
	spec := entry.spec
	entry.mu.RUnlock()

	if client == nil {
		return nil, fmt.Errorf("call %s on %s: %w: no client bound", toolName, providerID, core.ErrInvalidConfiguration)
	}

	if hasSchema && schemas.input != nil {
		if err := validateAgainst(schemas.input, "input", args); err != nil {
			return nil, err
		}
	}

	operation := func() (interface{}, error) {
		callCtx := ctx
		var cancel context.CancelFunc
		if h.cfg.RequestTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, h.cfg.RequestTimeout)
			defer cancel()
		}

		var output interface{}
		err := entry.breaker.cb.Execute(callCtx, func() error {
			var callErr error
			output, callErr = client.Call(callCtx, spec, toolName, args)
			return callErr
		})
		if err != nil {
			if errors.Is(err, core.ErrCircuitBreakerOpen) {
				return nil, backoff.Permanent(fmt.Errorf("call %s on %s: %w", toolName, providerID, core.ErrBreakerOpen))
			}
			if errors.Is(err, core.ErrAuthError) || errors.Is(err, core.ErrSchemaMismatch) {
				return nil, backoff.Permanent(err)
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("call %s on %s: %w", toolName, providerID, core.ErrTimeout)
			}
			return nil, err
		}
		return output, nil
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(retryBackOff()),
		backoff.WithMaxTries(uint(maxRetryAttempts(h.cfg.MaxRetries))),
	)
	telemetry.Duration("toolhub.call.duration_ms", start, "provider_id", providerID, "tool", toolName)
	if err != nil {
		telemetry.RecordError("toolhub.call", core.ErrorKind(err), "provider_id", providerID, "tool", toolName)
		return nil, err
	}

	if hasSchema && schemas.output != nil {
		if err := validateAgainst(schemas.output, "output", result); err != nil {
			return nil, err
		}
	}

	telemetry.RecordSuccess("toolhub.call", "provider_id", providerID, "tool", toolName)
	return result, nil
}

// Providers returns a snapshot of every registered provider.
func (h *Hub) Providers() []ToolProvider {
	entries := h.catalog.list()
	out := make([]ToolProvider, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		tools := make([]Tool, len(e.tools))
		copy(tools, e.tools)
		e.mu.RUnlock()
		out = append(out, ToolProvider{
			ID:           e.spec.ID,
			Endpoint:     e.spec.Endpoint,
			Protocol:     e.spec.Protocol,
			BreakerState: e.breaker.state(),
			FailCount:    e.breaker.failCount(),
			Tools:        tools,
			RegisteredAt: e.registeredAt,
		})
	}
	return out
}

// ProvidersForTool returns the ids of every registered provider that
// advertises toolName, letting a workflow MCP node resolve a tool by name
// without knowing which provider hosts it.
func (h *Hub) ProvidersForTool(toolName string) []string {
	return h.catalog.providersFor(toolName)
}

// Health implements spec.md §4.3 health(provider_id) → {ok, latency_ms}.
// A successful ping also refreshes the provider's tool catalog for HTTP
// providers, per spec.md §3 "refreshed on health-check".
func (h *Hub) Health(ctx context.Context, providerID string) (HealthResult, error) {
	entry, ok := h.catalog.get(providerID)
	if !ok {
		return HealthResult{}, fmt.Errorf("health %s: %w", providerID, core.ErrVersionNotFound)
	}

	entry.mu.RLock()
	client := entry.client
	spec := entry.spec
	entry.mu.RUnlock()

	if client == nil {
		return HealthResult{OK: false}, nil
	}

	latency, err := client.Ping(ctx, spec)
	if err != nil {
		return HealthResult{OK: false, LatencyMs: latency.Milliseconds()}, nil
	}

	if err := h.catalog.refreshTools(ctx, client, providerID); err != nil {
		h.cfg.Logger.Warn("tool catalog refresh failed", map[string]interface{}{
			"operation":   "toolhub_health_refresh",
			"provider_id": providerID,
			"error":       err.Error(),
		})
	}

	return HealthResult{OK: true, LatencyMs: latency.Milliseconds()}, nil
}

func maxRetryAttempts(configured int) int {
	if configured <= 0 {
		return 1
	}
	return configured + 1
}

func retryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.Multiplier = 2.0
	return b
}
