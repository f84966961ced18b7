package toolhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/floorworks/forgefloor/core"
)

// HTTPClient implements ProviderClient for ProtocolHTTP providers: a tool
// call is `POST {endpoint}/tools/{tool_name}` with args as the JSON body,
// and the catalog is fetched from `GET {endpoint}/tools`, the same shape
// catalog.go uses for an agent's `/api/capabilities` endpoint.
type HTTPClient struct {
	httpClient *http.Client
}

// NewHTTPClient builds an HTTPClient whose transport is wrapped with
// otelhttp so every tool call and catalog fetch carries a trace span.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *HTTPClient) authorize(req *http.Request, auth AuthConfig) {
	switch auth.Kind {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "api_key":
		req.Header.Set("X-Api-Key", auth.Token)
	}
}

// Call implements ProviderClient.
func (c *HTTPClient) Call(ctx context.Context, spec ProviderSpec, toolName string, args map[string]interface{}) (interface{}, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal tool args: %w", err)
	}

	url := fmt.Sprintf("%s/tools/%s", spec.Endpoint, toolName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req, spec.Auth)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tool call to %s timed out: %w", spec.ID, core.ErrTimeout)
		}
		return nil, fmt.Errorf("tool call to %s: %w", spec.ID, core.ErrTransient)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tool response: %w", core.ErrTransient)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("provider %s rejected credentials: %w", spec.ID, core.ErrAuthError)
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("provider %s rejected arguments for %s: %w", spec.ID, toolName, core.ErrSchemaMismatch)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("provider %s returned %d: %w", spec.ID, resp.StatusCode, core.ErrTransient)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("provider %s returned %d: %s", spec.ID, resp.StatusCode, string(respBody))
	}

	var output interface{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &output); err != nil {
			return nil, fmt.Errorf("decode tool output from %s: %w", spec.ID, core.ErrSchemaMismatch)
		}
	}
	return output, nil
}

// FetchTools implements ProviderClient.
func (c *HTTPClient) FetchTools(ctx context.Context, spec ProviderSpec) ([]Tool, error) {
	url := spec.Endpoint + "/tools"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	c.authorize(req, spec.Auth)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tools from %s: %w", spec.ID, core.ErrTransient)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider %s catalog fetch returned %d", spec.ID, resp.StatusCode)
	}

	var tools []Tool
	if err := json.NewDecoder(resp.Body).Decode(&tools); err != nil {
		return nil, fmt.Errorf("decode tool catalog from %s: %w", spec.ID, err)
	}
	return tools, nil
}

// Ping implements ProviderClient with a GET to the provider's /health path.
func (c *HTTPClient) Ping(ctx context.Context, spec ProviderSpec) (time.Duration, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.Endpoint+"/health", nil)
	if err != nil {
		return 0, fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return time.Since(start), fmt.Errorf("ping %s: %w", spec.ID, core.ErrTransient)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return time.Since(start), fmt.Errorf("provider %s unhealthy, status %d", spec.ID, resp.StatusCode)
	}
	return time.Since(start), nil
}
