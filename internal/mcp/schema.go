package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/truffle-ai/saiki/internal/llm"
)

// validateArguments checks a tool invocation's arguments against the tool's
// JSON Schema before it is sent to the server. A schema that fails to
// compile is treated as unvalidatable rather than fatal: the call proceeds
// and the server enforces its own contract.
func validateArguments(def llm.ToolDefinition, args map[string]any) error {
	if len(def.Parameters) == 0 {
		return nil
	}
	raw, err := json.Marshal(def.Parameters)
	if err != nil {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool://"+def.Name, bytes.NewReader(raw)); err != nil {
		return nil
	}
	schema, err := compiler.Compile("tool://" + def.Name)
	if err != nil {
		return nil
	}

	if args == nil {
		args = map[string]any{}
	}
	// Round-trip through JSON so numeric types match what the schema
	// library expects.
	encoded, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
