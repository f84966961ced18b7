package toolhub

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/floorworks/forgefloor/core"
)

// compileSchema compiles a JSON-Schema document (already decoded into Go
// values, as Tool.InputSchema/OutputSchema are) into a validator. A nil or
// empty schema compiles to nil, meaning "no validation" — not every tool
// advertises a schema.
func compileSchema(resource string, doc map[string]interface{}) (*jsonschema.Schema, error) {
	if len(doc) == 0 {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", resource, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", resource, err)
	}
	return schema, nil
}

// compileToolSchemas compiles every tool's input/output schema up front at
// registration time, so Call pays no compile cost per invocation.
func compileToolSchemas(tools []Tool) (map[string]compiledPair, error) {
	out := make(map[string]compiledPair, len(tools))
	for _, t := range tools {
		input, err := compileSchema("forgefloor://toolhub/"+t.Name+"/input", t.InputSchema)
		if err != nil {
			return nil, err
		}
		output, err := compileSchema("forgefloor://toolhub/"+t.Name+"/output", t.OutputSchema)
		if err != nil {
			return nil, err
		}
		out[t.Name] = compiledPair{input: input, output: output}
	}
	return out, nil
}

// validateAgainst validates value against schema, wrapping any violation as
// core.ErrSchemaMismatch per spec.md §4.3.
func validateAgainst(schema *jsonschema.Schema, label string, value interface{}) error {
	if schema == nil {
		return nil
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("%s: %w: %v", label, core.ErrSchemaMismatch, err)
	}
	return nil
}
