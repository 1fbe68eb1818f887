package env

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var variablePattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// maxResolveDepth bounds nested {{a}} → "{{b}}" expansion.
const maxResolveDepth = 10

// ResolveWithVars replaces {{variable}} patterns with provided values.
// Unknown names are left untouched.
func ResolveWithVars(input string, vars map[string]string) string {
	return variablePattern.ReplaceAllStringFunc(input, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if val, ok := vars[name]; ok {
			return val
		}
		return match
	})
}

// ReplaceIn expands {{variable}} references against every scope of the store,
// following references that expand to further references.
func (s *Store) ReplaceIn(input string) string {
	vars := make(map[string]string)
	for k, v := range s.Merged() {
		vars[k] = Stringify(v)
	}
	out := input
	for i := 0; i < maxResolveDepth; i++ {
		next := ResolveWithVars(out, vars)
		if next == out {
			break
		}
		out = next
	}
	return out
}

// Stringify renders a variable value the way it is substituted into request
// text.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case undefinedValue:
		return ""
	case string:
		return t
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
