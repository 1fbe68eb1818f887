package namespace

import (
	"github.com/dop251/goja"
)

func (n *Namespaces) pmRequest() *goja.Object {
	vm := n.vm
	r := n.opts.Request
	obj := vm.NewObject()
	n.readOnly(obj, "url", r.URL)
	n.readOnly(obj, "method", r.Method)
	n.readOnly(obj, "headers", n.pmHeaders(r.Headers))

	body := vm.NewObject()
	n.readOnly(body, "raw", r.Body)
	_ = body.Set("toString", func(goja.FunctionCall) goja.Value { return vm.ToValue(r.Body) })
	n.readOnly(obj, "body", body)
	return obj
}

func (n *Namespaces) hoppRequest() *goja.Object {
	vm := n.vm
	r := n.opts.Request
	obj := vm.NewObject()
	n.readOnly(obj, "url", r.URL)
	n.readOnly(obj, "method", r.Method)
	n.readOnly(obj, "headers", n.headerList(r.Headers))
	n.readOnly(obj, "body", r.Body)
	return obj
}

func (n *Namespaces) pmInfo() *goja.Object {
	obj := n.vm.NewObject()
	i := n.opts.Info
	n.readOnly(obj, "eventName", i.EventName)
	n.readOnly(obj, "requestName", i.RequestName)
	n.readOnly(obj, "iteration", i.Iteration)
	return obj
}
