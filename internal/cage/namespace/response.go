package namespace

import (
	"strings"

	"github.com/dop251/goja"
)

// pmResponse mirrors Postman: code is the number, status the reason phrase.
// sendRequest callbacks receive the same shape.
func (n *Namespaces) pmResponse(r *Response) *goja.Object {
	vm := n.vm
	obj := vm.NewObject()

	n.readOnly(obj, "code", r.Status)
	n.readOnly(obj, "status", r.StatusText)
	n.readOnly(obj, "responseTime", r.ResponseTime)
	n.readOnly(obj, "responseSize", len(r.Body))
	n.readOnly(obj, "headers", n.pmHeaders(r.Headers))
	_ = obj.Set("text", func(goja.FunctionCall) goja.Value { return vm.ToValue(r.Body) })
	_ = obj.Set("json", func(goja.FunctionCall) goja.Value { return n.parseJSON(r.Body) })
	n.toAccessor(obj, r)
	return obj
}

// hoppResponse exposes headers as a key/value list, like the host sends them.
func (n *Namespaces) hoppResponse() *goja.Object {
	vm := n.vm
	r := n.opts.Response
	obj := vm.NewObject()

	n.readOnly(obj, "statusCode", r.Status)
	n.readOnly(obj, "statusText", r.StatusText)
	n.readOnly(obj, "responseTime", r.ResponseTime)
	n.readOnly(obj, "headers", n.headerList(r.Headers))
	_ = obj.Set("text", func(goja.FunctionCall) goja.Value { return vm.ToValue(r.Body) })
	_ = obj.Set("json", func(goja.FunctionCall) goja.Value { return n.parseJSON(r.Body) })

	body := vm.NewObject()
	_ = body.Set("asText", func(goja.FunctionCall) goja.Value { return vm.ToValue(r.Body) })
	_ = body.Set("asJSON", func(goja.FunctionCall) goja.Value { return n.parseJSON(r.Body) })
	_ = body.Set("bytes", func(goja.FunctionCall) goja.Value { return n.host.NumberArray([]byte(r.Body)) })
	n.readOnly(obj, "body", body)
	n.toAccessor(obj, r)
	return obj
}

// pwResponse carries the body parsed as JSON when possible, the raw text
// otherwise.
func (n *Namespaces) pwResponse() *goja.Object {
	vm := n.vm
	r := n.opts.Response
	obj := vm.NewObject()

	n.readOnly(obj, "status", r.Status)
	n.readOnly(obj, "headers", n.headerList(r.Headers))
	var body goja.Value = vm.ToValue(r.Body)
	if v, err := n.jsonParse(goja.Undefined(), vm.ToValue(r.Body)); err == nil {
		body = v
	}
	n.readOnly(obj, "body", body)
	return obj
}

func (n *Namespaces) headerList(hs []Header) goja.Value {
	items := make([]any, len(hs))
	for i, h := range hs {
		o := n.vm.NewObject()
		_ = o.Set("key", h.Key)
		_ = o.Set("value", h.Value)
		items[i] = o
	}
	return n.vm.NewArray(items...)
}

// pmHeaders is the Postman HeaderList subset: get/has/toObject/each plus the
// lower-cased names as plain properties.
func (n *Namespaces) pmHeaders(hs []Header) *goja.Object {
	vm := n.vm
	obj := vm.NewObject()
	find := func(name string) (string, bool) {
		r := Response{Headers: hs}
		return r.Header(name)
	}
	seen := map[string]bool{}
	for _, h := range hs {
		k := strings.ToLower(h.Key)
		if !seen[k] {
			seen[k] = true
			_ = obj.Set(k, h.Value)
		}
	}
	_ = obj.Set("get", func(call goja.FunctionCall) goja.Value {
		if v, ok := find(argString(call, 0)); ok {
			return vm.ToValue(v)
		}
		return goja.Undefined()
	})
	_ = obj.Set("has", func(call goja.FunctionCall) goja.Value {
		v, ok := find(argString(call, 0))
		if ok && len(call.Arguments) > 1 {
			return vm.ToValue(v == argString(call, 1))
		}
		return vm.ToValue(ok)
	})
	_ = obj.Set("toObject", func(goja.FunctionCall) goja.Value {
		out := vm.NewObject()
		for _, h := range hs {
			if k := strings.ToLower(h.Key); out.Get(k) == nil {
				_ = out.Set(k, h.Value)
			}
		}
		return out
	})
	_ = obj.Set("each", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			n.host.ThrowTypeError("headers.each: callback is not a function")
		}
		for _, h := range hs {
			o := vm.NewObject()
			_ = o.Set("key", h.Key)
			_ = o.Set("value", h.Value)
			if _, err := fn(goja.Undefined(), o); err != nil {
				panic(err)
			}
		}
		return goja.Undefined()
	})
	return obj
}

// toAccessor defines response.to, which starts a fresh chain on every access
// so that a not in one statement never leaks into the next.
func (n *Namespaces) toAccessor(obj *goja.Object, resp *Response) {
	getter := n.vm.ToValue(func(goja.FunctionCall) goja.Value {
		return newChain(n, resp).obj
	})
	_ = obj.DefineAccessorProperty("to", getter, nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
}
