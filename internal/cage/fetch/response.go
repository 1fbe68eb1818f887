package fetch

import (
	"net/http"

	"github.com/dop251/goja"

	"scriptcage/internal/cage"
)

type responseState struct {
	status     int
	statusText string
	url        string
	typ        string
	redirected bool
	headers    *HeaderList
	body       *body
}

func nullBodyStatus(status int) bool {
	switch status {
	case 101, 103, 204, 205, 304:
		return true
	}
	return false
}

func (m *Module) readResponseInit(st *responseState, init goja.Value) {
	opts, ok := init.(*goja.Object)
	if !ok {
		return
	}
	if v := opts.Get("status"); cage.Present(v) {
		st.status = int(v.ToInteger())
		if st.status < 200 || st.status > 599 {
			panic(m.host.NewError("RangeError", "Response: status must be in the range 200 to 599"))
		}
	}
	if v := opts.Get("statusText"); cage.Present(v) {
		st.statusText = v.String()
	}
	if v := opts.Get("headers"); cage.Present(v) {
		st.headers = m.headersFromInit(v)
	}
}

func (m *Module) responseConstructor(call goja.ConstructorCall) *goja.Object {
	st := &responseState{status: 200, typ: "default", headers: NewHeaderList(), body: &body{}}
	m.readResponseInit(st, call.Argument(1))
	if b := call.Argument(0); cage.Present(b) {
		if nullBodyStatus(st.status) {
			m.host.ThrowTypeError("Response with null body status cannot have body")
		}
		data, ct := m.extractBody(b)
		st.body.data = data
		if ct != "" && !st.headers.Has("content-type") {
			st.headers.Set("content-type", ct)
		}
	}
	m.bindResponse(call.This, st)
	return nil
}

// NewResponse wraps a materialised hook response in a script Response.
func (m *Module) NewResponse(r *Response) *goja.Object {
	st := &responseState{
		status:     r.Status,
		statusText: r.StatusText,
		url:        r.URL,
		typ:        "basic",
		redirected: r.Redirected,
		headers:    r.HeaderList(),
		body:       &body{data: r.BodyBytes},
	}
	return m.newResponse(st)
}

func (m *Module) newResponse(st *responseState) *goja.Object {
	obj := m.host.VM.NewObject()
	_ = obj.SetPrototype(m.responseProto)
	m.bindResponse(obj, st)
	return obj
}

func (m *Module) bindResponse(obj *goja.Object, st *responseState) {
	vm := m.host.VM
	m.responses[obj] = st

	ro := func(name string, v any) {
		_ = obj.DefineDataProperty(name, vm.ToValue(v), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
	}
	ro("status", st.status)
	ro("statusText", st.statusText)
	ro("ok", st.status >= 200 && st.status < 300)
	ro("type", st.typ)
	ro("url", st.url)
	ro("redirected", st.redirected)
	ro("headers", m.newHeaders(st.headers))

	m.bindBody(obj, func() *body { return st.body }, func() string {
		v, _ := st.headers.Get("content-type")
		return v
	})

	_ = obj.Set("clone", func(goja.FunctionCall) goja.Value {
		if st.body.used {
			m.host.ThrowTypeError("Response.clone: body already consumed")
		}
		c := *st
		c.headers = st.headers.Clone()
		c.body = st.body.clone()
		return m.newResponse(&c)
	})
}

func (m *Module) installResponseStatics(ctor *goja.Object) error {
	vm := m.host.VM
	if err := ctor.Set("json", func(call goja.FunctionCall) goja.Value {
		s, err := m.jsonStringify(goja.Undefined(), call.Argument(0))
		if err != nil {
			panic(err)
		}
		if goja.IsUndefined(s) {
			m.host.ThrowTypeError("Response.json: data is not JSON serializable")
		}
		st := &responseState{status: 200, typ: "default", headers: NewHeaderList(), body: &body{data: []byte(s.String())}}
		m.readResponseInit(st, call.Argument(1))
		if !st.headers.Has("content-type") {
			st.headers.Set("content-type", jsonType)
		}
		return m.newResponse(st)
	}); err != nil {
		return err
	}
	if err := ctor.Set("error", func(goja.FunctionCall) goja.Value {
		return m.newResponse(&responseState{typ: "error", headers: NewHeaderList(), body: &body{}})
	}); err != nil {
		return err
	}
	return ctor.Set("redirect", func(call goja.FunctionCall) goja.Value {
		target := m.parseURL(call.Argument(0).String())
		status := http.StatusFound
		if v := call.Argument(1); cage.Present(v) {
			status = int(v.ToInteger())
		}
		switch status {
		case 301, 302, 303, 307, 308:
		default:
			panic(m.host.NewError("RangeError", "Response.redirect: invalid redirect status"))
		}
		l := NewHeaderList()
		l.Set("location", target)
		return vm.ToValue(m.newResponse(&responseState{status: status, typ: "default", headers: l, body: &body{}}))
	})
}
