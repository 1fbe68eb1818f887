package cage

import (
	"errors"
	"time"

	"github.com/dop251/goja"
)

// InstallTimers exposes setTimeout and clearTimeout backed by the loop.
func (h *Host) InstallTimers() error {
	vm := h.VM
	if err := vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			h.ThrowTypeError("setTimeout: callback is not a function")
		}
		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		if delay < 0 {
			delay = 0
		}
		var extra []goja.Value
		if len(call.Arguments) > 2 {
			extra = append(extra, call.Arguments[2:]...)
		}
		id := h.Loop.SetTimer(delay, func() error {
			_, err := fn(goja.Undefined(), extra...)
			return CallbackError(err)
		})
		return vm.ToValue(id)
	}); err != nil {
		return err
	}
	return vm.Set("clearTimeout", func(call goja.FunctionCall) goja.Value {
		if Present(call.Argument(0)) {
			h.Loop.ClearTimer(call.Argument(0).ToInteger())
		}
		return goja.Undefined()
	})
}

// UncaughtError is a script exception that escaped a host callback.
type UncaughtError struct {
	Value *goja.Exception
}

func (e *UncaughtError) Error() string { return e.Value.Error() }

func (e *UncaughtError) Unwrap() error { return e.Value }

// CallbackError wraps a script exception raised by a host-invoked callback in
// an UncaughtError. Interrupts and other errors pass through.
func CallbackError(err error) error {
	if err == nil {
		return nil
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return &UncaughtError{Value: ex}
	}
	return err
}
