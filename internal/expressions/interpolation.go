package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/triflow/triflow/pkg/schema"
)

// Interpolator resolves {{variable}} references in node params against the
// instance context. References use dot paths into nested objects
// ("{{sensor.reading.value}}").
//
// Type preservation: when a JSON string value consists of exactly one
// placeholder ("{{count}}"), the resolved context value replaces the string
// with its native type. Placeholders embedded in a longer string are
// stringified in place.
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Resolve interpolates raw JSON params against the context map and returns
// the resolved JSON bytes. Unresolvable references are errors: a typo in a
// param should fail the node, not silently pass the literal downstream.
func (interp *Interpolator) Resolve(ctx context.Context, raw json.RawMessage, vars map[string]any) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	if !strings.Contains(string(raw), "{{") {
		return raw, nil
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "params are not valid JSON").WithCause(err)
	}

	resolved, err := interp.resolveValue(decoded, vars)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "cannot re-encode resolved params").WithCause(err)
	}
	return out, nil
}

// ResolveValue interpolates an already-decoded value. Used for nested node
// configs that are held decoded rather than as raw JSON.
func (interp *Interpolator) ResolveValue(val any, vars map[string]any) (any, error) {
	return interp.resolveValue(val, vars)
}

func (interp *Interpolator) resolveValue(val any, vars map[string]any) (any, error) {
	switch v := val.(type) {
	case string:
		return interp.resolveString(v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := interp.resolveValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := interp.resolveValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return val, nil
	}
}

// resolveString handles one string value. A whole-value placeholder keeps
// the resolved value's native type; anything else is textual substitution.
func (interp *Interpolator) resolveString(s string, vars map[string]any) (any, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	// Whole-value placeholder: "{{path}}" with nothing around it.
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if inner != "" && !strings.Contains(inner, "{{") && !strings.Contains(inner, "}}") {
			return lookupPath(inner, vars)
		}
	}

	var result strings.Builder
	result.Grow(len(s))

	rest := s
	for {
		idx := strings.Index(rest, "{{")
		if idx == -1 {
			result.WriteString(rest)
			break
		}
		result.WriteString(rest[:idx])
		rest = rest[idx+2:]

		end := strings.Index(rest, "}}")
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unclosed placeholder in %q", s)
		}
		ref := strings.TrimSpace(rest[:end])
		if ref == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "empty placeholder in %q", s)
		}

		val, err := lookupPath(ref, vars)
		if err != nil {
			return nil, err
		}
		result.WriteString(stringify(val))

		rest = rest[end+2:]
	}

	return result.String(), nil
}

// lookupPath resolves a dot-delimited path against the context map.
// A direct key match wins over traversal, so keys containing dots still
// resolve.
func lookupPath(path string, vars map[string]any) (any, error) {
	if vars != nil {
		if val, ok := vars[path]; ok {
			return val, nil
		}
	}

	segments := strings.Split(path, ".")
	var current any = vars
	for _, seg := range segments {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, unknownVarErr(path, vars)
		}
		current, ok = obj[seg]
		if !ok {
			return nil, unknownVarErr(path, vars)
		}
	}
	return current, nil
}

func unknownVarErr(path string, vars map[string]any) *schema.EngineError {
	available := make([]string, 0, len(vars))
	for k := range vars {
		available = append(available, k)
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"unknown context variable %q", path).
		WithDetails(map[string]any{"variable": path, "available": available})
}

// stringify renders a resolved value for embedding inside a larger string.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// HasInterpolation checks whether a JSON blob contains any {{...}} references.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "{{")
}
