// ABOUTME: Type-preserving ${node.path} variable substitution over node outputs.
// ABOUTME: Exact single-token templates keep the native value; mixed templates splice canonical string forms.
package expr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// deniedSegments are path segments that substitution refuses to traverse.
// Maps in Go carry no inherited keys, but the denylist is kept so templates
// behave identically across runtimes whose map types permit inheritance.
var deniedSegments = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// SubstituteVariables replaces ${node.path.segments} tokens in a template
// using the given node outputs.
//
// If the template is exactly one token with no surrounding text, the
// resolved value is returned with its native type (map, slice, number,
// bool, nil). Otherwise every resolvable token is serialized to its
// canonical string form and spliced into the template, and the result is a
// string. Tokens that reference a missing node, a missing path segment, or
// a denied segment are left in the template unchanged.
func SubstituteVariables(template string, outputs map[string]any) any {
	trimmed := strings.TrimSpace(template)
	if isSingleToken(trimmed) {
		path := trimmed[2 : len(trimmed)-1]
		if value, ok := resolvePath(outputs, path); ok {
			return value
		}
		return template
	}

	var b strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += start

		b.WriteString(rest[:start])
		token := rest[start : end+1]
		if value, ok := resolvePath(outputs, rest[start+2:end]); ok {
			b.WriteString(stringify(value))
		} else {
			b.WriteString(token)
		}
		rest = rest[end+1:]
	}
	return b.String()
}

// isSingleToken reports whether s is exactly one ${...} token.
func isSingleToken(s string) bool {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return false
	}
	// The first closing brace must be the final character, otherwise the
	// template mixes a token with trailing text (e.g. "${a.b} items").
	return strings.Index(s, "}") == len(s)-1
}

// resolvePath walks a dotted path through the outputs map. The first
// segment selects a node's output; later segments index into maps and
// slices. A denied segment anywhere aborts the walk.
func resolvePath(outputs map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	if len(segments) == 0 {
		return nil, false
	}

	for _, seg := range segments {
		if deniedSegments[seg] {
			return nil, false
		}
	}

	if outputs == nil {
		return nil, false
	}
	current, ok := outputs[segments[0]]
	if !ok {
		return nil, false
	}

	for _, seg := range segments[1:] {
		switch v := current.(type) {
		case map[string]any:
			next, exists := v[seg]
			if !exists {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// stringify renders a substituted value for splicing into a string
// template. Primitives use their canonical form; composites use stable
// JSON (encoding/json sorts map keys); nil renders as "null".
func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// ResolveConfig applies SubstituteVariables recursively through a node
// config, preserving map and list structure. String leaves are substituted;
// all other leaves pass through untouched. The input is never mutated.
func ResolveConfig(config map[string]any, outputs map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	resolved := make(map[string]any, len(config))
	for k, v := range config {
		resolved[k] = resolveValue(v, outputs)
	}
	return resolved
}

// resolveValue substitutes into a single config value, recursing into maps
// and slices.
func resolveValue(value any, outputs map[string]any) any {
	switch v := value.(type) {
	case string:
		return SubstituteVariables(v, outputs)
	case map[string]any:
		return ResolveConfig(v, outputs)
	case []any:
		resolved := make([]any, len(v))
		for i, item := range v {
			resolved[i] = resolveValue(item, outputs)
		}
		return resolved
	default:
		return value
	}
}
