package toolhub

import (
	"context"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/floorworks/forgefloor/core"
)

// providerEntry is the Hub's internal bookkeeping for one registered
// provider: its spec, cached tool catalog, and breaker.
type providerEntry struct {
	spec    ProviderSpec
	tools   []Tool
	schemas map[string]compiledPair
	client  ProviderClient

	breaker *breaker

	mu           sync.RWMutex
	registeredAt time.Time
}

type compiledPair struct {
	input  *jsonschema.Schema
	output *jsonschema.Schema
}

// ProviderCatalog holds every registered provider, generalized from
// catalog.go's AgentCatalog: a capability index there becomes a tool
// index here, and "periodic refresh from discovery" becomes "refresh on
// health check" (spec.md §3 "advertises a set of tools ... refreshed on
// health-check").
type ProviderCatalog struct {
	mu        sync.RWMutex
	providers map[string]*providerEntry
	toolIndex map[string][]string // tool name -> provider ids

	logger core.Logger
}

func newProviderCatalog(logger core.Logger) *ProviderCatalog {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ProviderCatalog{
		providers: make(map[string]*providerEntry),
		toolIndex: make(map[string][]string),
		logger:    logger,
	}
}

func (c *ProviderCatalog) put(entry *providerEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[entry.spec.ID] = entry
	for _, t := range entry.tools {
		c.toolIndex[t.Name] = appendUnique(c.toolIndex[t.Name], entry.spec.ID)
	}
}

func (c *ProviderCatalog) get(providerID string) (*providerEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.providers[providerID]
	return e, ok
}

func (c *ProviderCatalog) updateTools(providerID string, tools []Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.providers[providerID]
	if !ok {
		return
	}
	e.mu.Lock()
	e.tools = tools
	e.mu.Unlock()
	for _, t := range tools {
		c.toolIndex[t.Name] = appendUnique(c.toolIndex[t.Name], providerID)
	}
}

func (c *ProviderCatalog) providersFor(toolName string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.toolIndex[toolName]))
	copy(out, c.toolIndex[toolName])
	return out
}

func (c *ProviderCatalog) list() []*providerEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*providerEntry, 0, len(c.providers))
	for _, e := range c.providers {
		out = append(out, e)
	}
	return out
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// refreshTools re-fetches a provider's tool catalog via client, the
// collaborator call spec.md §3 describes as "refreshed on health-check".
// Data-source-backed providers (ProtocolDataSourceBacked) keep their
// synthesized tools as-is; only HTTP providers are re-fetched.
func (c *ProviderCatalog) refreshTools(ctx context.Context, client ProviderClient, providerID string) error {
	entry, ok := c.get(providerID)
	if !ok {
		return core.ErrVersionNotFound
	}
	if entry.spec.Protocol != ProtocolHTTP {
		return nil
	}
	tools, err := client.FetchTools(ctx, entry.spec)
	if err != nil {
		return err
	}
	c.updateTools(providerID, tools)
	return nil
}
