package mcpservice

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/skycastlabs/weathermcp/mcp"
)

// ArgumentErrors collects every schema violation found in a tool call's
// arguments. Validation is total: it never stops at the first problem, so a
// client sees the complete list in one round trip.
type ArgumentErrors struct {
	Violations []string
}

func (e *ArgumentErrors) Error() string {
	return "invalid arguments: " + strings.Join(e.Violations, "; ")
}

func (e *ArgumentErrors) add(format string, a ...any) {
	e.Violations = append(e.Violations, fmt.Sprintf(format, a...))
}

// validateArguments checks raw against the declared input schema and returns
// the normalized argument object: defaults injected for absent optional
// properties and enum values folded to their canonical casing. A nil raw is
// treated as an empty object.
func validateArguments(schema mcp.ToolInputSchema, raw json.RawMessage) (map[string]any, *ArgumentErrors) {
	errs := &ArgumentErrors{}

	args := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			errs.add("arguments must be a JSON object")
			return nil, errs
		}
	}

	// Unknown keys. Sorted so that the violation list is deterministic.
	if !schema.AdditionalProperties {
		var unknown []string
		for k := range args {
			if _, ok := schema.Properties[k]; !ok {
				unknown = append(unknown, k)
			}
		}
		sort.Strings(unknown)
		for _, k := range unknown {
			errs.add("unknown argument %q", k)
		}
	}

	// Per-property checks in a stable order.
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		prop := schema.Properties[name]
		v, present := args[name]
		if !present {
			if prop.Default != nil {
				args[name] = prop.Default
			}
			continue
		}
		if prop.Type != "" && !jsonTypeMatches(prop.Type, v) {
			errs.add("argument %q must be of type %s", name, prop.Type)
			continue
		}
		if len(prop.Enum) > 0 {
			norm, ok := matchEnum(prop.Enum, v)
			if !ok {
				errs.add("argument %q must be one of %s", name, enumValues(prop.Enum))
				continue
			}
			args[name] = norm
		}
	}

	// Missing required properties, checked after defaults so a defaulted
	// property can satisfy its own requirement.
	for _, name := range schema.Required {
		if _, ok := args[name]; !ok {
			errs.add("missing required argument %q", name)
		}
	}

	if len(errs.Violations) > 0 {
		return nil, errs
	}
	return args, nil
}

// validateStructured checks a handler's structured output against the tool's
// declared output schema. A violation here is a server-side bug, not client
// error, so callers surface it as an internal fault.
func validateStructured(schema *mcp.ToolOutputSchema, structured map[string]any) error {
	if schema == nil {
		return nil
	}
	if structured == nil {
		return fmt.Errorf("tool declares an output schema but returned no structured content")
	}
	for _, name := range schema.Required {
		if _, ok := structured[name]; !ok {
			return fmt.Errorf("structured content missing required property %q", name)
		}
	}
	for name, v := range structured {
		prop, ok := schema.Properties[name]
		if !ok {
			continue
		}
		if prop.Type != "" && !jsonTypeMatches(prop.Type, v) {
			return fmt.Errorf("structured content property %q must be of type %s", name, prop.Type)
		}
	}
	return nil
}

// jsonTypeMatches reports whether a decoded JSON value inhabits the named
// JSON schema primitive type. Decoded numbers are float64; "integer" accepts
// only whole values.
func jsonTypeMatches(typ string, v any) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "null":
		return v == nil
	default:
		return true
	}
}

// matchEnum resolves v against the allowed enum members. String members
// compare case-insensitively and the canonical (declared) casing is returned
// so handlers only ever see one spelling.
func matchEnum(enum []any, v any) (any, bool) {
	for _, member := range enum {
		ms, mok := member.(string)
		vs, vok := v.(string)
		if mok && vok {
			if strings.EqualFold(ms, vs) {
				return ms, true
			}
			continue
		}
		if member == v {
			return member, true
		}
	}
	return nil, false
}

func enumValues(enum []any) string {
	parts := make([]string, 0, len(enum))
	for _, m := range enum {
		parts = append(parts, fmt.Sprintf("%v", m))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
