package fetch

import (
	"errors"

	"github.com/dop251/goja"

	"scriptcage/internal/cage"
)

type listener struct {
	fn  goja.Callable
	val goja.Value
}

type signalState struct {
	sig       *Signal
	obj       *goja.Object
	reason    goja.Value
	listeners []listener
}

func (m *Module) abortControllerConstructor(call goja.ConstructorCall) *goja.Object {
	st := m.newSignal()
	_ = call.This.DefineDataProperty("signal", st.obj, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = call.This.Set("abort", func(c goja.FunctionCall) goja.Value {
		m.abort(st, c.Argument(0))
		return goja.Undefined()
	})
	return nil
}

func (m *Module) abortSignalConstructor(goja.ConstructorCall) *goja.Object {
	m.host.ThrowTypeError("Illegal constructor")
	return nil
}

func (m *Module) newSignal() *signalState {
	vm := m.host.VM
	obj := vm.NewObject()
	_ = obj.SetPrototype(m.signalProto)
	st := &signalState{sig: NewSignal(), obj: obj, reason: goja.Undefined()}
	m.signals[obj] = st

	_ = obj.DefineAccessorProperty("aborted", vm.ToValue(func(goja.FunctionCall) goja.Value {
		return vm.ToValue(st.sig.Aborted())
	}), nil, goja.FLAG_TRUE, goja.FLAG_TRUE)
	_ = obj.DefineAccessorProperty("reason", vm.ToValue(func(goja.FunctionCall) goja.Value {
		return st.reason
	}), nil, goja.FLAG_TRUE, goja.FLAG_TRUE)
	_ = obj.Set("onabort", goja.Null())

	_ = obj.Set("addEventListener", func(call goja.FunctionCall) goja.Value {
		if call.Argument(0).String() != "abort" {
			return goja.Undefined()
		}
		fn, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			return goja.Undefined()
		}
		for _, l := range st.listeners {
			if l.val.SameAs(call.Argument(1)) {
				return goja.Undefined()
			}
		}
		st.listeners = append(st.listeners, listener{fn: fn, val: call.Argument(1)})
		return goja.Undefined()
	})
	_ = obj.Set("removeEventListener", func(call goja.FunctionCall) goja.Value {
		kept := st.listeners[:0]
		for _, l := range st.listeners {
			if !l.val.SameAs(call.Argument(1)) {
				kept = append(kept, l)
			}
		}
		st.listeners = kept
		return goja.Undefined()
	})
	_ = obj.Set("throwIfAborted", func(goja.FunctionCall) goja.Value {
		if st.sig.Aborted() {
			panic(st.reason)
		}
		return goja.Undefined()
	})
	return st
}

// abort flips the signal and runs the listeners once, synchronously. A
// throwing listener does not stop the others.
func (m *Module) abort(st *signalState, reason goja.Value) {
	if st.sig.Aborted() {
		return
	}
	if !cage.Present(reason) {
		reason = m.host.NewError("AbortError", "This operation was aborted")
	}
	st.reason = reason
	st.sig.Abort(cage.PlainMessage(reason))

	vm := m.host.VM
	event := vm.NewObject()
	_ = event.Set("type", "abort")
	_ = event.Set("target", st.obj)

	listeners := st.listeners
	st.listeners = nil
	for _, l := range listeners {
		m.dispatch(l.fn, st.obj, event)
	}
	if fn, ok := goja.AssertFunction(st.obj.Get("onabort")); ok {
		m.dispatch(fn, st.obj, event)
	}
}

func (m *Module) dispatch(fn goja.Callable, this goja.Value, event goja.Value) {
	_, err := fn(this, event)
	if err == nil {
		return
	}
	var ex *goja.Exception
	if !errors.As(err, &ex) {
		panic(err)
	}
	m.host.Log.Debug().Str("error", ex.Error()).Msg("abort listener threw")
}

// signalFrom returns the Go signal behind an AbortSignal value, or nil.
func (m *Module) signalFrom(v goja.Value) *signalState {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	return m.signals[obj]
}
