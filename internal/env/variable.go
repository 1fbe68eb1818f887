package env

import (
	"math"
	"reflect"
)

// Scope names one of the variable lists a run can see.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeSelected Scope = "selected"
	// ScopeTemp holds request variables. They are visible to the run with the
	// highest precedence but never reported in the diff.
	ScopeTemp Scope = "temp"
)

type undefinedValue struct{}

func (undefinedValue) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

// Undefined stands in for a JavaScript undefined value. Go nil is null.
var Undefined any = undefinedValue{}

// IsUndefined reports whether v is the Undefined marker.
func IsUndefined(v any) bool {
	_, ok := v.(undefinedValue)
	return ok
}

// Variable is one environment entry. Values keep whatever type the script or
// the host stored; strings are by far the most common.
type Variable struct {
	Key          string `json:"key"`
	CurrentValue any    `json:"currentValue"`
	InitialValue any    `json:"initialValue"`
	Secret       bool   `json:"secret"`
}

// Effective applies the fallback rule: an empty string, null or undefined
// current value yields the initial value. 0, false, NaN and empty containers
// are real values and are returned as-is.
func (v Variable) Effective() any {
	if absent(v.CurrentValue) {
		return v.InitialValue
	}
	return v.CurrentValue
}

func absent(v any) bool {
	if v == nil || IsUndefined(v) {
		return true
	}
	if s, ok := v.(string); ok && s == "" {
		return true
	}
	return false
}

// Snapshot is the environment as handed to (and returned from) a run.
type Snapshot struct {
	Global   []Variable `json:"global"`
	Selected []Variable `json:"selected"`
	Temp     []Variable `json:"temp,omitempty"`
}

// Copy returns a deep copy so that a run can never mutate the caller's lists.
func (s Snapshot) Copy() Snapshot {
	return Snapshot{
		Global:   copyVars(s.Global),
		Selected: copyVars(s.Selected),
		Temp:     copyVars(s.Temp),
	}
}

func copyVars(in []Variable) []Variable {
	out := make([]Variable, len(in))
	for i, v := range in {
		out[i] = Variable{
			Key:          v.Key,
			CurrentValue: copyValue(v.CurrentValue),
			InitialValue: copyValue(v.InitialValue),
			Secret:       v.Secret,
		}
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = copyValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = copyValue(e)
		}
		return s
	default:
		return v
	}
}

// valueEqual is reflect.DeepEqual except that NaN equals NaN.
func valueEqual(a, b any) bool {
	fa, aok := a.(float64)
	fb, bok := b.(float64)
	if aok && bok && math.IsNaN(fa) && math.IsNaN(fb) {
		return true
	}
	return reflect.DeepEqual(a, b)
}
