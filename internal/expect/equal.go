package expect

import (
	"github.com/dop251/goja"

	"scriptcage/internal/cage"
)

type objPair struct{ x, y *goja.Object }

// deepEqual is structural equality: SameValue for primitives, element-wise for
// arrays (order-sensitive), key set plus values for plain objects. Cycles are
// assumed equal once both sides have been entered together.
func (e *Engine) deepEqual(x, y goja.Value) bool {
	return e.deepEq(x, y, map[objPair]bool{})
}

func (e *Engine) deepEq(x, y goja.Value, seen map[objPair]bool) bool {
	xo, xIsObj := x.(*goja.Object)
	yo, yIsObj := y.(*goja.Object)
	if !xIsObj || !yIsObj {
		if xIsObj != yIsObj {
			return false
		}
		return x.SameAs(y)
	}
	if xo == yo {
		return true
	}
	key := objPair{xo, yo}
	if seen[key] {
		return true
	}
	seen[key] = true

	if xo.ClassName() != yo.ClassName() {
		return false
	}
	if isCallable(x) || isCallable(y) {
		return false
	}

	switch xo.ClassName() {
	case "Date":
		return x.ToNumber().SameAs(y.ToNumber())
	case "RegExp":
		return x.String() == y.String()
	case "Error":
		return xo.Get("name").String() == yo.Get("name").String() &&
			cage.PlainMessage(x) == cage.PlainMessage(y)
	case "Array":
		xs, ys := e.elements(xo), e.elements(yo)
		if len(xs) != len(ys) {
			return false
		}
		for i := range xs {
			if !e.deepEq(xs[i], ys[i], seen) {
				return false
			}
		}
		return true
	case "Map", "Set":
		if !e.deepEq(e.entries(xo), e.entries(yo), seen) {
			return false
		}
	}

	xk, yk := xo.Keys(), yo.Keys()
	if len(xk) != len(yk) {
		return false
	}
	ykeys := make(map[string]bool, len(yk))
	for _, k := range yk {
		ykeys[k] = true
	}
	for _, k := range xk {
		if !ykeys[k] {
			return false
		}
		if !e.deepEq(xo.Get(k), yo.Get(k), seen) {
			return false
		}
	}
	return true
}

// entries materialises a Map or Set as an array via its entries() iterator.
func (e *Engine) entries(obj *goja.Object) goja.Value {
	arr := e.vm.NewArray()
	fn, ok := goja.AssertFunction(obj.Get("forEach"))
	if !ok {
		return arr
	}
	var items []any
	collect := e.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		items = append(items, e.vm.NewArray(call.Argument(1), call.Argument(0)))
		return goja.Undefined()
	})
	if _, ex := e.call(fn, obj, collect); ex != nil {
		return arr
	}
	return e.vm.NewArray(items...)
}
