package chat

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"aigate/internal/domain"
)

// ValidateTool checks that a tool is a named function whose parameters form a
// valid JSON Schema
func ValidateTool(t domain.Tool) error {
	if t.Type != "function" {
		return toolError(t, fmt.Errorf("unsupported tool type %q", t.Type))
	}
	if strings.TrimSpace(t.Function.Name) == "" {
		return toolError(t, fmt.Errorf("function name is required"))
	}
	if len(t.Function.Parameters) == 0 {
		return nil
	}
	if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(t.Function.Parameters)); err != nil {
		return toolError(t, fmt.Errorf("invalid parameter schema: %w", err))
	}
	return nil
}

// ValidateToolArguments checks a model-produced argument document against the
// tool's parameter schema
func ValidateToolArguments(t domain.Tool, arguments string) error {
	schema := gojsonschema.NewGoLoader(t.Function.Parameters)
	result, err := gojsonschema.Validate(schema, gojsonschema.NewStringLoader(arguments))
	if err != nil {
		return toolError(t, fmt.Errorf("schema validation failed: %w", err))
	}
	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return toolError(t, fmt.Errorf("arguments do not match schema: %s", strings.Join(errs, "; ")))
	}
	return nil
}

func toolError(t domain.Tool, err error) error {
	return &domain.ProviderError{
		Kind: domain.KindClient,
		Op:   "tool " + t.Function.Name,
		Err:  err,
	}
}
