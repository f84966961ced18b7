package workflow

import (
	"fmt"
	"strings"
	"sync"

	"github.com/itchyny/gojq"
)

// RuntimeContext is the keyed store behind a running instance, per
// spec.md §3: four scopes (global, input, nodes[node_id].result, vars),
// two of them (global, input) immutable after start and two
// (nodes, vars) write-once-per-node / freely-mutable respectively.
// Reads are JSON-path style: `$.input.x`, `$.global.x`,
// `$.nodes.<id>.result.path`, `$.vars.x`.
type RuntimeContext struct {
	mu     sync.RWMutex
	global map[string]interface{}
	input  map[string]interface{}
	nodes  map[string]interface{} // node id -> result
	vars   map[string]interface{}

	started bool
}

// NewRuntimeContext creates a context with global/input scopes sealed at
// construction time, matching "immutable after start".
func NewRuntimeContext(global, input map[string]interface{}) *RuntimeContext {
	if global == nil {
		global = map[string]interface{}{}
	}
	if input == nil {
		input = map[string]interface{}{}
	}
	return &RuntimeContext{
		global:  global,
		input:   input,
		nodes:   make(map[string]interface{}),
		vars:    make(map[string]interface{}),
		started: true,
	}
}

// SetNodeResult records node id's result. Fails if the node already has
// a result: completed nodes' results are never mutated, per spec.md §3.
func (c *RuntimeContext) SetNodeResult(nodeID string, result interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.nodes[nodeID]; exists {
		return fmt.Errorf("node %s result already set: write-once violation", nodeID)
	}
	c.nodes[nodeID] = result
	return nil
}

// SetVar mutates the vars scope, the only scope CODE nodes may write.
func (c *RuntimeContext) SetVar(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[key] = value
}

// snapshot returns a single map assembling all four scopes, used as the
// root document for JSON-path/jq resolution. Each node's result sits at
// nodes.<id>.result.
func (c *RuntimeContext) snapshot() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nodes := make(map[string]interface{}, len(c.nodes))
	for id, result := range c.nodes {
		nodes[id] = map[string]interface{}{"result": result}
	}
	return map[string]interface{}{
		"global": c.global,
		"input":  c.input,
		"nodes":  nodes,
		"vars":   c.vars,
	}
}

// Vars returns a shallow copy of the vars scope, for CODE node handlers
// that want to read-modify-write.
func (c *RuntimeContext) Vars() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]interface{}, len(c.vars))
	for k, v := range c.vars {
		out[k] = v
	}
	return out
}

// toJQQuery turns a `$.scope.path` reference into the equivalent gojq
// query string `.scope.path`.
func toJQQuery(ref string) (string, error) {
	if !strings.HasPrefix(ref, "$") {
		return "", fmt.Errorf("invalid variable reference %q: must start with $", ref)
	}
	return strings.TrimPrefix(ref, "$"), nil
}

// Resolve evaluates a `$.input.x` / `$.global.x` / `$.nodes.<id>.result.path`
// / `$.vars.x` style reference against the context's current snapshot,
// via itchyny/gojq (the teacher's workflow DSL choice for YAML parsing
// generalizes naturally to jq for path evaluation: both treat the
// document as plain JSON values).
func (c *RuntimeContext) Resolve(ref string) (interface{}, error) {
	query, err := toJQQuery(ref)
	if err != nil {
		return nil, err
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("parse reference %q: %w", ref, err)
	}

	iter := parsed.Run(c.snapshot())
	v, ok := iter.Next()
	if !ok {
		return nil, fmt.Errorf("reference %q resolved to nothing", ref)
	}
	if err, ok := v.(error); ok {
		return nil, fmt.Errorf("evaluate reference %q: %w", ref, err)
	}
	return v, nil
}

// ResolveValue walks value, replacing any string matching a `$.`
// reference with its resolved value, and recursing into maps/slices.
// Non-reference strings and other scalar types pass through unchanged.
// This is how node Config entries carry variable references in the DSL.
func (c *RuntimeContext) ResolveValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		if strings.HasPrefix(v, "$.") {
			resolved, err := c.Resolve(v)
			if err != nil {
				return v
			}
			return resolved
		}
		return v
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = c.ResolveValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = c.ResolveValue(item)
		}
		return out
	default:
		return v
	}
}

// EvalBool evaluates a jq boolean expression (e.g. a CONDITION/IF_ELSE
// node's config["expression"]) against the context snapshot.
func (c *RuntimeContext) EvalBool(expression string) (bool, error) {
	parsed, err := gojq.Parse(expression)
	if err != nil {
		return false, fmt.Errorf("parse expression %q: %w", expression, err)
	}
	iter := parsed.Run(c.snapshot())
	v, ok := iter.Next()
	if !ok {
		return false, fmt.Errorf("expression %q resolved to nothing", expression)
	}
	if err, ok := v.(error); ok {
		return false, fmt.Errorf("evaluate expression %q: %w", expression, err)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not evaluate to a boolean, got %T", expression, v)
	}
	return b, nil
}
