package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/fingate/internal/sessions"
	"github.com/haasonsaas/fingate/internal/tools/finance"
)

const userIDArg = "userId"

// schemaSet holds the compiled argument schema of every tool.
type schemaSet struct {
	byTool map[string]*jsonschema.Schema
}

func compileSchemas(tools []finance.Tool) (*schemaSet, error) {
	set := &schemaSet{byTool: make(map[string]*jsonschema.Schema, len(tools))}
	for _, tool := range tools {
		compiled, err := jsonschema.CompileString(tool.Name()+".schema.json", string(tool.Schema()))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", tool.Name(), err)
		}
		set.byTool[tool.Name()] = compiled
	}
	return set, nil
}

// decode parses and validates a tool's arguments. A missing userId is
// filled in with the calling user; a userId naming anyone else is rejected.
func (s *schemaSet) decode(toolName, userID string, raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		var decoded any
		if err := json.Unmarshal(trimmed, &decoded); err != nil {
			return nil, fmt.Errorf("%w: arguments are not valid JSON: %v", sessions.ErrInvalidInput, err)
		}
		obj, ok := decoded.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: arguments must be a JSON object", sessions.ErrInvalidInput)
		}
		args = obj
	}

	switch v := args[userIDArg].(type) {
	case nil:
		args[userIDArg] = userID
	case string:
		if v != userID {
			return nil, fmt.Errorf("%w: userId does not match the calling user", sessions.ErrInvalidInput)
		}
	default:
		return nil, fmt.Errorf("%w: userId must be a string", sessions.ErrInvalidInput)
	}

	schema := s.byTool[toolName]
	if schema == nil {
		return args, nil
	}
	if err := schema.Validate(args); err != nil {
		return nil, fmt.Errorf("%w: %s", sessions.ErrInvalidInput, validationMessage(err))
	}
	return args, nil
}

// validationMessage reduces a schema validation error to its leaf causes.
func validationMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	if ve.InstanceLocation == "" {
		return ve.Message
	}
	return ve.InstanceLocation + ": " + ve.Message
}

// forwardArguments strips fields that only make sense locally before the
// arguments are sent to the provider.
func forwardArguments(args map[string]any) json.RawMessage {
	forwarded := make(map[string]any, len(args))
	for k, v := range args {
		if k == userIDArg {
			continue
		}
		forwarded[k] = v
	}
	if len(forwarded) == 0 {
		return nil
	}
	data, err := json.Marshal(forwarded)
	if err != nil {
		return nil
	}
	return data
}
