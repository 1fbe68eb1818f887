package namespace

import (
	"github.com/dop251/goja"

	"scriptcage/internal/cage"
	"scriptcage/internal/env"
)

// pmScope builds pm.environment (selected) or pm.globals (global).
func (n *Namespaces) pmScope(scope env.Scope, named bool) *goja.Object {
	vm := n.vm
	obj := vm.NewObject()

	_ = obj.Set("get", func(call goja.FunctionCall) goja.Value {
		v, ok := n.store.Get(scope, argString(call, 0))
		if !ok {
			return goja.Undefined()
		}
		return n.toJS(v)
	})
	_ = obj.Set("set", func(call goja.FunctionCall) goja.Value {
		n.store.Set(scope, argString(call, 0), fromJS(call.Argument(1)))
		return goja.Undefined()
	})
	_ = obj.Set("unset", func(call goja.FunctionCall) goja.Value {
		n.store.Unset(scope, argString(call, 0))
		return goja.Undefined()
	})
	_ = obj.Set("has", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(n.store.Has(scope, argString(call, 0)))
	})
	_ = obj.Set("toObject", func(goja.FunctionCall) goja.Value {
		return n.toJS(n.store.ToObject(scope))
	})
	_ = obj.Set("clear", func(goja.FunctionCall) goja.Value {
		n.store.Clear(scope)
		return goja.Undefined()
	})
	_ = obj.Set("replaceIn", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(n.store.ReplaceIn(argString(call, 0)))
	})
	if named {
		n.readOnly(obj, "name", n.opts.EnvironmentName)
	}
	return obj
}

// pmVariables reads through every scope; writes land in the transient
// request-variable scope.
func (n *Namespaces) pmVariables() *goja.Object {
	vm := n.vm
	obj := vm.NewObject()

	_ = obj.Set("get", func(call goja.FunctionCall) goja.Value {
		v, ok := n.store.Resolve(argString(call, 0))
		if !ok {
			return goja.Undefined()
		}
		return n.toJS(v)
	})
	_ = obj.Set("set", func(call goja.FunctionCall) goja.Value {
		n.store.Set(env.ScopeTemp, argString(call, 0), fromJS(call.Argument(1)))
		return goja.Undefined()
	})
	_ = obj.Set("unset", func(call goja.FunctionCall) goja.Value {
		n.store.Unset(env.ScopeTemp, argString(call, 0))
		return goja.Undefined()
	})
	_ = obj.Set("has", func(call goja.FunctionCall) goja.Value {
		_, ok := n.store.ResolveScope(argString(call, 0))
		return vm.ToValue(ok)
	})
	_ = obj.Set("toObject", func(goja.FunctionCall) goja.Value {
		return n.toJS(n.store.Merged())
	})
	_ = obj.Set("replaceIn", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(n.store.ReplaceIn(argString(call, 0)))
	})
	return obj
}

// hoppTarget picks the scope a hopp.env call operates on. found reports
// whether key already exists there.
type hoppTarget func(key string) (scope env.Scope, found bool)

func (n *Namespaces) hoppEnv() *goja.Object {
	obj := n.hoppScope(func(key string) (env.Scope, bool) {
		if scope, ok := n.store.ResolveScope(key); ok {
			return scope, true
		}
		return env.ScopeSelected, false
	})
	_ = obj.Set("resolve", func(call goja.FunctionCall) goja.Value {
		return n.vm.ToValue(n.store.ReplaceIn(n.hoppKey(call, 0, "resolve")))
	})
	_ = obj.Set("active", n.hoppScope(n.fixed(env.ScopeSelected)))
	_ = obj.Set("global", n.hoppScope(n.fixed(env.ScopeGlobal)))
	return obj
}

func (n *Namespaces) fixed(scope env.Scope) hoppTarget {
	return func(key string) (env.Scope, bool) { return scope, n.store.Has(scope, key) }
}

// hoppScope builds the hopp.env accessor set over target. Absent keys read as
// null.
func (n *Namespaces) hoppScope(target hoppTarget) *goja.Object {
	vm := n.vm
	obj := vm.NewObject()

	lookup := func(call goja.FunctionCall, fn string) (env.Variable, bool) {
		key := n.hoppKey(call, 0, fn)
		scope, found := target(key)
		if !found {
			return env.Variable{}, false
		}
		return n.store.Lookup(scope, key)
	}

	_ = obj.Set("get", func(call goja.FunctionCall) goja.Value {
		v, ok := lookup(call, "get")
		if !ok {
			return goja.Null()
		}
		if s, isStr := v.Effective().(string); isStr {
			return vm.ToValue(n.store.ReplaceIn(s))
		}
		return n.toJS(v.Effective())
	})
	_ = obj.Set("getRaw", func(call goja.FunctionCall) goja.Value {
		v, ok := lookup(call, "getRaw")
		if !ok {
			return goja.Null()
		}
		return n.toJS(v.Effective())
	})
	_ = obj.Set("getInitialRaw", func(call goja.FunctionCall) goja.Value {
		v, ok := lookup(call, "getInitialRaw")
		if !ok {
			return goja.Null()
		}
		return n.toJS(v.InitialValue)
	})
	_ = obj.Set("set", func(call goja.FunctionCall) goja.Value {
		key := n.hoppKey(call, 0, "set")
		value := n.hoppKey(call, 1, "set")
		scope, _ := target(key)
		n.store.Set(scope, key, value)
		return goja.Undefined()
	})
	_ = obj.Set("setInitial", func(call goja.FunctionCall) goja.Value {
		key := n.hoppKey(call, 0, "setInitial")
		value := n.hoppKey(call, 1, "setInitial")
		scope, _ := target(key)
		n.store.SetInitial(scope, key, value)
		return goja.Undefined()
	})
	_ = obj.Set("delete", func(call goja.FunctionCall) goja.Value {
		key := n.hoppKey(call, 0, "delete")
		if scope, found := target(key); found {
			n.store.Unset(scope, key)
		}
		return goja.Undefined()
	})
	_ = obj.Set("reset", func(call goja.FunctionCall) goja.Value {
		key := n.hoppKey(call, 0, "reset")
		if scope, found := target(key); found {
			n.store.Reset(scope, key)
		}
		return goja.Undefined()
	})
	return obj
}

// hoppKey enforces the hopp convention that keys and values are strings.
func (n *Namespaces) hoppKey(call goja.FunctionCall, i int, fn string) string {
	v := call.Argument(i)
	if cage.TypeOf(v) != "string" {
		n.host.ThrowTypeError("hopp.env.%s: expected a string argument, got %s", fn, cage.TypeOf(v))
	}
	return v.String()
}

// pwEnv is the legacy namespace: raw get, resolved getResolve, string-only
// set.
func (n *Namespaces) pwEnv() *goja.Object {
	vm := n.vm
	obj := vm.NewObject()

	get := func(key string) (any, bool) {
		scope, ok := n.store.ResolveScope(key)
		if !ok {
			return nil, false
		}
		return n.store.Get(scope, key)
	}
	_ = obj.Set("get", func(call goja.FunctionCall) goja.Value {
		v, ok := get(argString(call, 0))
		if !ok {
			return goja.Undefined()
		}
		return n.toJS(v)
	})
	_ = obj.Set("getResolve", func(call goja.FunctionCall) goja.Value {
		v, ok := get(argString(call, 0))
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(n.store.ReplaceIn(env.Stringify(v)))
	})
	_ = obj.Set("set", func(call goja.FunctionCall) goja.Value {
		if cage.TypeOf(call.Argument(0)) != "string" || cage.TypeOf(call.Argument(1)) != "string" {
			n.host.ThrowTypeError("pw.env.set: expected key and value to be strings")
		}
		n.store.SetAnywhere(call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	_ = obj.Set("unset", func(call goja.FunctionCall) goja.Value {
		n.store.UnsetAnywhere(argString(call, 0))
		return goja.Undefined()
	})
	_ = obj.Set("resolve", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(n.store.ReplaceIn(argString(call, 0)))
	})
	return obj
}
