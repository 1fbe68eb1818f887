// Package cage holds the per-run plumbing shared by every module injected into
// a script VM: the host event loop, error and promise helpers, byte
// conversion at the VM boundary and the global lockdown.
package cage

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

// Host bundles one VM with its loop. Intrinsics the modules rely on are
// captured at construction so that a script replacing Error or
// Promise.prototype.then cannot change how the host behaves.
type Host struct {
	VM      *goja.Runtime
	Loop    *Loop
	Log     zerolog.Logger
	Console *Console

	errorCtor      *goja.Object
	uint8ArrayCtor *goja.Object
	then           goja.Callable
}

// NewHost must be called before any user code runs in vm.
func NewHost(vm *goja.Runtime, loop *Loop, log zerolog.Logger) (*Host, error) {
	h := &Host{VM: vm, Loop: loop, Log: log, Console: newConsole()}

	h.errorCtor = vm.Get("Error").ToObject(vm)
	h.uint8ArrayCtor = vm.Get("Uint8Array").ToObject(vm)

	proto := vm.Get("Promise").ToObject(vm).Get("prototype").ToObject(vm)
	then, ok := goja.AssertFunction(proto.Get("then"))
	if !ok {
		return nil, errors.New("Promise.prototype.then is not callable")
	}
	h.then = then
	return h, nil
}

// NewError builds a script-visible Error with the given name.
func (h *Host) NewError(name, msg string) *goja.Object {
	obj, err := h.VM.New(h.errorCtor, h.VM.ToValue(msg))
	if err != nil {
		obj = h.VM.NewGoError(errors.New(msg))
	}
	if name != "" && name != "Error" {
		_ = obj.Set("name", name)
	}
	return obj
}

// Throw raises a named Error inside the VM. Only call it from a Go function
// that was invoked by script code.
func (h *Host) Throw(name, format string, args ...any) {
	panic(h.NewError(name, fmt.Sprintf(format, args...)))
}

// ThrowTypeError raises a TypeError inside the VM.
func (h *Host) ThrowTypeError(format string, args ...any) {
	panic(h.VM.NewTypeError(fmt.Sprintf(format, args...)))
}

// Resolver settles a promise created by NewPromise.
type Resolver struct {
	resolve func(any) error
	reject  func(any) error
}

// Resolve fulfils the promise.
func (r Resolver) Resolve(v any) error { return r.resolve(v) }

// Reject rejects the promise.
func (r Resolver) Reject(v any) error { return r.reject(v) }

// NewPromise returns a pending promise value and its resolver.
func (h *Host) NewPromise() (goja.Value, Resolver) {
	p, resolve, reject := h.VM.NewPromise()
	return h.VM.ToValue(p), Resolver{resolve: resolve, reject: reject}
}

// Resolved returns an already fulfilled promise.
func (h *Host) Resolved(v any) goja.Value {
	p, r := h.NewPromise()
	_ = r.Resolve(v)
	return p
}

// Rejected returns an already rejected promise.
func (h *Host) Rejected(v any) goja.Value {
	p, r := h.NewPromise()
	_ = r.Reject(v)
	return p
}

// AsPromise unwraps v if it is a native promise.
func AsPromise(v goja.Value) (*goja.Promise, bool) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	p, ok := obj.Export().(*goja.Promise)
	return p, ok
}

// Then subscribes to a promise through the captured Promise.prototype.then.
func (h *Host) Then(p goja.Value, onFulfilled, onRejected func(goja.Value)) error {
	ful := h.VM.ToValue(func(call goja.FunctionCall) goja.Value {
		onFulfilled(call.Argument(0))
		return goja.Undefined()
	})
	rej := h.VM.ToValue(func(call goja.FunctionCall) goja.Value {
		onRejected(call.Argument(0))
		return goja.Undefined()
	})
	_, err := h.then(p, ful, rej)
	return err
}

// ErrorMessage renders a thrown value the way it is shown in reports: Error
// objects as "Name: message", everything else via ToString.
func (h *Host) ErrorMessage(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			name := "Error"
			if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
				name = n.String()
			}
			return name + ": " + msg.String()
		}
	}
	return v.String()
}

// PlainMessage returns the message property of an Error-like value, or its
// string form.
func PlainMessage(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	if v == nil || goja.IsUndefined(v) {
		return ""
	}
	return v.String()
}

// IsErrorObject reports whether v looks like an Error instance.
func IsErrorObject(v goja.Value) bool {
	obj, ok := v.(*goja.Object)
	if !ok {
		return false
	}
	if obj.ClassName() == "Error" {
		return true
	}
	msg := obj.Get("message")
	stack := obj.Get("stack")
	return msg != nil && !goja.IsUndefined(msg) && stack != nil && !goja.IsUndefined(stack)
}

// TypeOf mirrors the JavaScript typeof operator.
func TypeOf(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "object"
	}
	if _, ok := v.(*goja.Symbol); ok {
		return "symbol"
	}
	if _, ok := goja.AssertFunction(v); ok {
		return "function"
	}
	if _, ok := v.(*goja.Object); ok {
		return "object"
	}
	switch v.Export().(type) {
	case bool:
		return "boolean"
	case string:
		return "string"
	case int64, float64:
		return "number"
	case *big.Int:
		return "bigint"
	}
	return "object"
}

// Present reports whether v is neither nil, undefined nor null.
func Present(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v) && !goja.IsNull(v)
}

// InstallGlobals exposes the host-independent web globals: console, text
// encoding, base64 and timers.
func (h *Host) InstallGlobals() error {
	for _, install := range []func() error{h.InstallConsole, h.InstallEncoding, h.InstallTimers} {
		if err := install(); err != nil {
			return err
		}
	}
	return nil
}
