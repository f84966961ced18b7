package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/floorworks/forgefloor/core"
)

// validNodeTypes is the fixed vocabulary a DSL document's nodes must
// use, per spec.md §3.
var validNodeTypes = map[NodeType]bool{
	NodeData: true, NodeJudgment: true, NodeCode: true, NodeSwitch: true,
	NodeIfElse: true, NodeLoop: true, NodeParallel: true, NodeCondition: true,
	NodeAction: true, NodeBI: true, NodeMCP: true, NodeTrigger: true,
	NodeWait: true, NodeApproval: true, NodeCompensation: true,
	NodeDeploy: true, NodeRollback: true, NodeSimulate: true,
}

// ParseDSL decodes a workflow document from YAML, the teacher's own
// choice for WorkflowDefinition, per SPEC_FULL.md §6.
func ParseDSL(raw []byte) (DSL, error) {
	var dsl DSL
	if err := yaml.Unmarshal(raw, &dsl); err != nil {
		return DSL{}, fmt.Errorf("parse workflow DSL: %w: %v", core.ErrInvalidInput, err)
	}
	if err := ValidateDSL(dsl); err != nil {
		return DSL{}, err
	}
	return dsl, nil
}

// ValidateDSL enforces spec.md §6's required top-level keys and per-node
// shape: {name, version, trigger?, nodes[]}, each node {id, type,
// config, next[]} with a type from the fixed vocabulary and next ids
// that resolve to real nodes.
func ValidateDSL(dsl DSL) error {
	if dsl.Name == "" {
		return fmt.Errorf("workflow DSL missing name: %w", core.ErrInvalidInput)
	}
	if dsl.Version == "" {
		return fmt.Errorf("workflow DSL missing version: %w", core.ErrInvalidInput)
	}
	if len(dsl.Nodes) == 0 {
		return fmt.Errorf("workflow DSL has no nodes: %w", core.ErrInvalidInput)
	}

	seen := make(map[string]bool, len(dsl.Nodes))
	for _, n := range dsl.Nodes {
		if n.ID == "" {
			return fmt.Errorf("workflow DSL has a node with no id: %w", core.ErrInvalidInput)
		}
		if seen[n.ID] {
			return fmt.Errorf("workflow DSL has duplicate node id %q: %w", n.ID, core.ErrInvalidInput)
		}
		seen[n.ID] = true
		if !validNodeTypes[n.Type] {
			return fmt.Errorf("node %s has unknown type %q: %w", n.ID, n.Type, core.ErrInvalidInput)
		}
	}
	for _, n := range dsl.Nodes {
		for _, next := range n.Next {
			if !seen[next] {
				return fmt.Errorf("node %s references unknown next node %q: %w", n.ID, next, core.ErrInvalidInput)
			}
		}
	}
	return nil
}

// Digest computes spec.md §3's `digest = hash(dsl)` invariant: a stable
// content hash of the canonical JSON encoding, so two semantically
// identical DSL documents digest identically regardless of decode-order
// quirks from the YAML parser.
func Digest(dsl DSL) (string, error) {
	encoded, err := json.Marshal(dsl)
	if err != nil {
		return "", fmt.Errorf("encode dsl for digest: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// NodeByID returns the node with the given id from dsl, or false.
func NodeByID(dsl DSL, id string) (Node, bool) {
	for _, n := range dsl.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// EntryNode returns the DSL's starting node: the sole TRIGGER node if
// one exists, otherwise the first node in declaration order.
func EntryNode(dsl DSL) (Node, error) {
	for _, n := range dsl.Nodes {
		if n.Type == NodeTrigger {
			return n, nil
		}
	}
	if len(dsl.Nodes) == 0 {
		return Node{}, fmt.Errorf("workflow DSL has no nodes: %w", core.ErrInvalidInput)
	}
	return dsl.Nodes[0], nil
}
