package workflow

import (
	"context"
	"errors"
)

// DataFetcher is the external collaborator a DATA node calls out to —
// a plant historian, SCADA tag store, MES query, whatever the config's
// "source" names. Production deployments wire this to the real data
// plane; workflow only needs fetch-by-config.
type DataFetcher interface {
	Fetch(ctx context.Context, config map[string]interface{}) (interface{}, error)
}

// NoOpDataFetcher returns config unchanged, the same "smallest useful
// implementation" role InProcessRuleEngine plays for judgment.RuleEngine.
type NoOpDataFetcher struct{}

func (NoOpDataFetcher) Fetch(ctx context.Context, config map[string]interface{}) (interface{}, error) {
	return config, nil
}

// BIRenderer is the external collaborator a BI node calls to produce a
// chart or report artifact from resolved data.
type BIRenderer interface {
	Render(ctx context.Context, config map[string]interface{}) (chartURL string, err error)
}

// NoOpBIRenderer renders nothing, used when no renderer is configured.
type NoOpBIRenderer struct{}

func (NoOpBIRenderer) Render(ctx context.Context, config map[string]interface{}) (string, error) {
	return "", nil
}

// MCPClient is the external collaborator an MCP node calls: a Model
// Context Protocol server distinct from the Tool Hub's HTTP/data-source
// providers (spec.md lists MCP as its own node type, separate from
// ACTION's toolhub-backed calls).
type MCPClient interface {
	Call(ctx context.Context, server, tool string, args map[string]interface{}) (interface{}, error)
}

// NoOpMCPClient fails every call; configure a real MCPClient to use MCP
// nodes.
type NoOpMCPClient struct{}

func (NoOpMCPClient) Call(ctx context.Context, server, tool string, args map[string]interface{}) (interface{}, error) {
	return nil, errMCPNotConfigured
}

var errMCPNotConfigured = errors.New("no MCP client configured")
