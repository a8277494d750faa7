package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaValidator compiles a JSON Schema and returns a ValidateArgs function
// for tool registrations. The schema is compiled once; the returned validator
// is pure and safe for concurrent use.
func SchemaValidator(schemaBytes []byte) (func(args map[string]any) []FieldIssue, error) {
	var schemaDoc any
	if err := json.Unmarshal(schemaBytes, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return func(args map[string]any) []FieldIssue {
		var payload any = map[string]any{}
		if args != nil {
			payload = normalizeJSON(args)
		}
		err := schema.Validate(payload)
		if err == nil {
			return nil
		}
		var ve *jsonschema.ValidationError
		if !asValidationError(err, &ve) {
			return []FieldIssue{{Field: "args", Constraint: "invalid_format", Format: err.Error()}}
		}
		return flattenIssues(ve)
	}, nil
}

// normalizeJSON round-trips the argument object through encoding/json so
// numeric types match what the schema validator expects (float64, not int).
func normalizeJSON(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return args
	}
	return out
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// flattenIssues walks the validation error tree and emits one FieldIssue per
// leaf cause.
func flattenIssues(ve *jsonschema.ValidationError) []FieldIssue {
	if len(ve.Causes) == 0 {
		field := strings.Join(ve.InstanceLocation, ".")
		if field == "" {
			field = "args"
		}
		return []FieldIssue{{Field: field, Constraint: "invalid_format", Format: ve.Error()}}
	}
	var issues []FieldIssue
	for _, cause := range ve.Causes {
		issues = append(issues, flattenIssues(cause)...)
	}
	return issues
}
