package toolhub

import (
	"context"
	"fmt"
	"time"

	"github.com/floorworks/forgefloor/core"
)

// StaticSynthesizer implements ToolSynthesizer for data-source-backed
// providers whose tool catalog and dispatch are known up front — the
// common case for an MES/ERP binding where tools map onto a fixed set of
// stored procedures or report queries rather than a discoverable HTTP
// catalog. spec.Binding["tools"] supplies the Tool list; Handlers supplies
// the per-tool dispatch function.
type StaticSynthesizer struct {
	Handlers map[string]func(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// Synthesize implements ToolSynthesizer.
func (s *StaticSynthesizer) Synthesize(ctx context.Context, spec ProviderSpec) ([]Tool, ProviderClient, error) {
	tools, ok := spec.Binding["tools"].([]Tool)
	if !ok {
		return nil, nil, fmt.Errorf("synthesize %s: %w: binding missing tools", spec.ID, core.ErrInvalidInput)
	}
	return tools, &staticClient{handlers: s.Handlers}, nil
}

// staticClient is the ProviderClient for a StaticSynthesizer binding: a
// direct in-process function call rather than a network round trip.
type staticClient struct {
	handlers map[string]func(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

func (c *staticClient) Call(ctx context.Context, spec ProviderSpec, toolName string, args map[string]interface{}) (interface{}, error) {
	handler, ok := c.handlers[toolName]
	if !ok {
		return nil, fmt.Errorf("call %s on %s: %w: no handler bound", toolName, spec.ID, core.ErrInvalidInput)
	}
	return handler(ctx, args)
}

func (c *staticClient) FetchTools(ctx context.Context, spec ProviderSpec) ([]Tool, error) {
	if tools, ok := spec.Binding["tools"].([]Tool); ok {
		return tools, nil
	}
	return nil, nil
}

func (c *staticClient) Ping(ctx context.Context, spec ProviderSpec) (time.Duration, error) {
	return 0, nil
}
