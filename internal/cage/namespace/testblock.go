package namespace

import (
	"errors"

	"github.com/dop251/goja"

	"scriptcage/internal/cage"
	"scriptcage/internal/testrun"
)

// testFunc returns test(name, fn) with a test.skip(name) companion that adds
// the block without running it.
func (n *Namespaces) testFunc() goja.Value {
	vm := n.vm
	fn := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		body, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			n.host.ThrowTypeError("test: callback must be a function")
		}
		n.col.Test(argString(call, 0), n.body(body))
		return goja.Undefined()
	})
	_ = fn.ToObject(vm).Set("skip", func(call goja.FunctionCall) goja.Value {
		n.col.Test(argString(call, 0), func() (testrun.Wait, error) { return nil, nil })
		return goja.Undefined()
	})
	return fn
}

// body adapts a script callback to the collector. A returned promise makes the
// block asynchronous; its rejection becomes the block's script error.
func (n *Namespaces) body(fn goja.Callable) testrun.Body {
	return func() (testrun.Wait, error) {
		v, err := fn(goja.Undefined())
		if err != nil {
			var ex *goja.Exception
			if errors.As(err, &ex) {
				return nil, errors.New(n.host.ErrorMessage(ex.Value()))
			}
			panic(err)
		}
		if _, ok := cage.AsPromise(v); !ok {
			return nil, nil
		}
		return func(settle func(error)) {
			err := n.host.Then(v,
				func(goja.Value) { settle(nil) },
				func(reason goja.Value) { settle(errors.New(n.host.ErrorMessage(reason))) },
			)
			if err != nil {
				settle(err)
			}
		}, nil
	}
}
