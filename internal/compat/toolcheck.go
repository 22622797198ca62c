package compat

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// ToolSchema is the declared parameter schema for one tool, extracted from
// the request's tools array.
type ToolSchema struct {
	Name       string
	Properties map[string]PropertySchema
	Required   []string
}

// PropertySchema describes one parameter: its JSON type plus the array item
// constraints the validator enforces.
type PropertySchema struct {
	Type     string
	Items    string
	MinItems int
}

// ExtractToolSchemas reads the declared tool schemas from an OpenAI-chat
// request body.
func ExtractToolSchemas(rawJSON []byte) map[string]*ToolSchema {
	schemas := make(map[string]*ToolSchema)
	tools := gjson.GetBytes(rawJSON, "tools")
	if !tools.IsArray() {
		return schemas
	}
	tools.ForEach(func(_, tool gjson.Result) bool {
		fn := tool.Get("function")
		name := fn.Get("name").String()
		if name == "" {
			return true
		}
		schema := &ToolSchema{Name: name, Properties: make(map[string]PropertySchema)}
		fn.Get("parameters.properties").ForEach(func(key, prop gjson.Result) bool {
			schema.Properties[key.String()] = PropertySchema{
				Type:     prop.Get("type").String(),
				Items:    prop.Get("items.type").String(),
				MinItems: int(prop.Get("minItems").Int()),
			}
			return true
		})
		fn.Get("parameters.required").ForEach(func(_, req gjson.Result) bool {
			schema.Required = append(schema.Required, req.String())
			return true
		})
		schemas[name] = schema
		return true
	})
	return schemas
}

// ValidateToolCalls strictly checks every assistant tool call in a response
// against the declared schemas. An unknown tool name, non-JSON arguments, a
// missing required key, an unknown key or a value type mismatch all fail
// validation; the caller maps the error to a 400.
func ValidateToolCalls(responseJSON []byte, schemas map[string]*ToolSchema) error {
	if len(schemas) == 0 {
		return nil
	}
	var validationErr error
	gjson.GetBytes(responseJSON, "choices").ForEach(func(_, choice gjson.Result) bool {
		toolCalls := choice.Get("message.tool_calls")
		if !toolCalls.IsArray() {
			return true
		}
		toolCalls.ForEach(func(_, call gjson.Result) bool {
			name := call.Get("function.name").String()
			schema, ok := schemas[name]
			if !ok {
				validationErr = fmt.Errorf("tool call references undeclared tool %q", name)
				return false
			}
			args := call.Get("function.arguments").String()
			parsed := gjson.Parse(args)
			if !parsed.IsObject() {
				validationErr = fmt.Errorf("tool call %q has non-JSON arguments", name)
				return false
			}
			if err := validateArguments(name, parsed, schema); err != nil {
				validationErr = err
				return false
			}
			return true
		})
		return validationErr == nil
	})
	return validationErr
}

func validateArguments(name string, args gjson.Result, schema *ToolSchema) error {
	seen := make(map[string]bool)
	var err error
	args.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		seen[k] = true
		prop, ok := schema.Properties[k]
		if !ok {
			err = fmt.Errorf("tool call %q has unknown argument %q", name, k)
			return false
		}
		if e := validateValue(name, k, value, prop); e != nil {
			err = e
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	for _, req := range schema.Required {
		if !seen[req] {
			return fmt.Errorf("tool call %q missing required argument %q", name, req)
		}
	}
	return nil
}

func validateValue(tool, key string, value gjson.Result, prop PropertySchema) error {
	switch prop.Type {
	case "string":
		if value.Type != gjson.String {
			return fmt.Errorf("tool call %q argument %q must be a string", tool, key)
		}
	case "object":
		if !value.IsObject() {
			return fmt.Errorf("tool call %q argument %q must be an object", tool, key)
		}
	case "array":
		if !value.IsArray() {
			return fmt.Errorf("tool call %q argument %q must be an array", tool, key)
		}
		items := value.Array()
		if prop.MinItems > 0 && len(items) < prop.MinItems {
			return fmt.Errorf("tool call %q argument %q requires at least %d items", tool, key, prop.MinItems)
		}
		if prop.Items == "string" {
			for _, item := range items {
				if item.Type != gjson.String {
					return fmt.Errorf("tool call %q argument %q must contain only strings", tool, key)
				}
			}
		}
	}
	return nil
}
