package expect

import (
	"strings"
	"unicode/utf8"

	"github.com/dop251/goja"

	"scriptcage/internal/cage"
)

const maxRenderDepth = 3

// render prints a value for assertion messages: strings single-quoted,
// numbers as JavaScript prints them, arrays and objects inspected.
func (e *Engine) render(v goja.Value) string {
	s := e.inspect(v, 0, map[*goja.Object]bool{})
	th := e.rules.TruncateThreshold
	if th <= 0 || utf8.RuneCountInString(s) < th {
		return s
	}
	obj, ok := v.(*goja.Object)
	if !ok || isCallable(v) {
		return s
	}
	switch obj.ClassName() {
	case "Array":
		n := obj.Get("length").String()
		return "[ Array(" + n + ") ]"
	case "Object":
		keys := obj.Keys()
		if len(keys) > 2 {
			keys = append(keys[:2], "...")
		}
		return "{ Object (" + strings.Join(keys, ", ") + ") }"
	}
	return s
}

func (e *Engine) inspect(v goja.Value, depth int, seen map[*goja.Object]bool) string {
	switch cage.TypeOf(v) {
	case "undefined":
		return "undefined"
	case "string":
		return "'" + v.String() + "'"
	case "number", "boolean", "symbol":
		return v.String()
	case "bigint":
		return v.String() + "n"
	case "function":
		name := ctorName(v.(*goja.Object))
		if name == "[Function]" {
			return name
		}
		return "[Function " + name + "]"
	}
	if goja.IsNull(v) {
		return "null"
	}

	obj := v.(*goja.Object)
	if seen[obj] {
		return "[Circular]"
	}

	switch obj.ClassName() {
	case "RegExp", "Date":
		return v.String()
	case "Error":
		return "[" + e.host.ErrorMessage(v) + "]"
	case "Array":
		if depth >= maxRenderDepth {
			return "[Array]"
		}
		seen[obj] = true
		defer delete(seen, obj)
		items := e.elements(obj)
		if len(items) == 0 {
			return "[]"
		}
		parts := make([]string, len(items))
		for i, it := range items {
			parts[i] = e.inspect(it, depth+1, seen)
		}
		return "[ " + strings.Join(parts, ", ") + " ]"
	}

	if depth >= maxRenderDepth {
		return "[Object]"
	}
	seen[obj] = true
	defer delete(seen, obj)
	keys := obj.Keys()
	if len(keys) == 0 {
		return "{}"
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.inspect(obj.Get(k), depth+1, seen)
	}
	return "{ " + strings.Join(parts, ", ") + " }"
}
