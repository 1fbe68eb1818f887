package fetch

import (
	"net/url"
	"strings"

	"github.com/dop251/goja"

	"scriptcage/internal/cage"
)

var normalizedMethods = map[string]bool{
	"DELETE": true, "GET": true, "HEAD": true, "OPTIONS": true, "POST": true, "PUT": true, "PATCH": true,
}

var forbiddenMethods = map[string]bool{"CONNECT": true, "TRACE": true, "TRACK": true}

type requestState struct {
	url         string
	method      string
	headers     *HeaderList
	body        *body
	hasBody     bool
	signal      *signalState
	redirect    string
	credentials string
	mode        string
	cache       string
}

// wire is the plain-data request handed to the hook.
func (st *requestState) wire() *Request {
	r := &Request{
		URL:     st.url,
		Method:  st.method,
		Headers: st.headers.Map(),
		Signal:  st.signal.sig,
	}
	if st.hasBody {
		r.Body = append([]byte(nil), st.body.data...)
	}
	return r
}

func (m *Module) parseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		m.host.ThrowTypeError("Failed to parse URL from %s", raw)
	}
	return raw
}

func normalizeMethod(method string) string {
	if up := strings.ToUpper(method); normalizedMethods[up] {
		return up
	}
	return method
}

// buildRequest implements the Request(input, init) constructor steps.
func (m *Module) buildRequest(input, init goja.Value) *requestState {
	st := &requestState{
		method:      "GET",
		headers:     NewHeaderList(),
		body:        &body{},
		redirect:    "follow",
		credentials: "same-origin",
		mode:        "cors",
		cache:       "default",
	}

	if obj, ok := input.(*goja.Object); ok && m.requests[obj] != nil {
		src := m.requests[obj]
		if src.body.used {
			m.host.ThrowTypeError("Request: body already consumed")
		}
		*st = *src
		st.headers = src.headers.Clone()
		st.body = src.body.clone()
	} else {
		if !cage.Present(input) {
			m.host.ThrowTypeError("Request: input is required")
		}
		st.url = m.parseURL(input.String())
	}

	if opts, ok := init.(*goja.Object); ok {
		if v := opts.Get("method"); cage.Present(v) {
			method := v.String()
			if forbiddenMethods[strings.ToUpper(method)] {
				m.host.ThrowTypeError("Request: method %q is forbidden", method)
			}
			st.method = normalizeMethod(method)
		}
		if v := opts.Get("headers"); cage.Present(v) {
			st.headers = m.headersFromInit(v)
		}
		if v := opts.Get("body"); cage.Present(v) {
			data, ct := m.extractBody(v)
			st.body = &body{data: data}
			st.hasBody = true
			if ct != "" && !st.headers.Has("content-type") {
				st.headers.Set("content-type", ct)
			}
		}
		if v := opts.Get("signal"); v != nil && !goja.IsUndefined(v) {
			st.signal = nil
			if !goja.IsNull(v) {
				if st.signal = m.signalFrom(v); st.signal == nil {
					m.host.ThrowTypeError("Request: signal is not an AbortSignal")
				}
			}
		}
		for name, dst := range map[string]*string{
			"redirect":    &st.redirect,
			"credentials": &st.credentials,
			"mode":        &st.mode,
			"cache":       &st.cache,
		} {
			if v := opts.Get(name); cage.Present(v) {
				*dst = v.String()
			}
		}
	}

	if st.hasBody && (st.method == "GET" || st.method == "HEAD") {
		m.host.ThrowTypeError("Request with GET/HEAD method cannot have body.")
	}
	if st.signal == nil {
		st.signal = m.newSignal()
	}
	return st
}

func (m *Module) requestConstructor(call goja.ConstructorCall) *goja.Object {
	m.bindRequest(call.This, m.buildRequest(call.Argument(0), call.Argument(1)))
	return nil
}

func (m *Module) newRequest(st *requestState) *goja.Object {
	obj := m.host.VM.NewObject()
	_ = obj.SetPrototype(m.requestProto)
	m.bindRequest(obj, st)
	return obj
}

func (m *Module) bindRequest(obj *goja.Object, st *requestState) {
	vm := m.host.VM
	m.requests[obj] = st

	ro := func(name string, v any) {
		_ = obj.DefineDataProperty(name, vm.ToValue(v), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
	}
	ro("url", st.url)
	ro("method", st.method)
	ro("signal", st.signal.obj)
	ro("redirect", st.redirect)
	ro("credentials", st.credentials)
	ro("mode", st.mode)
	ro("cache", st.cache)

	// headers is a plain record of lower-cased names, rebuilt on each read.
	_ = obj.DefineAccessorProperty("headers", vm.ToValue(func(goja.FunctionCall) goja.Value {
		rec := vm.NewObject()
		for _, e := range st.headers.Entries() {
			if v, ok := st.headers.Get(e[0]); ok {
				_ = rec.Set(e[0], v)
			}
		}
		return rec
	}), nil, goja.FLAG_TRUE, goja.FLAG_TRUE)

	m.bindBody(obj, func() *body { return st.body }, func() string {
		v, _ := st.headers.Get("content-type")
		return v
	})

	_ = obj.Set("clone", func(goja.FunctionCall) goja.Value {
		if st.body.used {
			m.host.ThrowTypeError("Request.clone: body already consumed")
		}
		c := *st
		c.headers = st.headers.Clone()
		c.body = st.body.clone()
		return m.newRequest(&c)
	})
}
