package namespace

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"scriptcage/internal/cage"
	"scriptcage/internal/cage/fetch"
	"scriptcage/internal/testrun"
)

// ErrSendUnavailable is reported to sendRequest callbacks when the run has no
// network hook.
var ErrSendUnavailable = errors.New("pm.sendRequest is not available in this context")

// sendRequest implements pm.sendRequest(request, callback). The callback gets
// (error, response) once the hook answers; callbacks run in the order the
// requests were made and inside the test block that made them. The returned
// promise resolves with the response, or rejects with the error when no
// callback was given.
func (n *Namespaces) sendRequest(call goja.FunctionCall) goja.Value {
	h := n.host
	cb, hasCb := goja.AssertFunction(call.Argument(1))
	p, res := h.NewPromise()
	ctx := n.col.Capture()

	deliver := func(errV, respV goja.Value) error {
		if !hasCb {
			if !goja.IsNull(errV) {
				return res.Reject(errV)
			}
			return res.Resolve(respV)
		}
		var cbErr error
		n.col.Within(ctx, func() {
			_, cbErr = cb(goja.Undefined(), errV, respV)
		})
		if err := res.Resolve(respV); err != nil {
			return err
		}
		return n.callbackFailed(ctx.Node(), cbErr)
	}
	// fail still settles through the loop so that callbacks stay asynchronous
	// and ordered behind earlier requests.
	fail := func(errV goja.Value) {
		h.Loop.Start(func(context.Context) cage.Job {
			return func() error { return deliver(errV, goja.Null()) }
		})
	}

	req, err := n.wireRequest(call.Argument(0))
	if err != nil {
		fail(h.NewError("Error", err.Error()))
		return p
	}
	if n.opts.Fetch == nil {
		fail(h.NewError("Error", ErrSendUnavailable.Error()))
		return p
	}
	err = n.opts.Fetch.Send(req, func(r *fetch.Response, err error) error {
		if err != nil {
			return deliver(n.opts.Fetch.FetchError(err), goja.Null())
		}
		return deliver(goja.Null(), n.pmResponse(sentResponse(r)))
	})
	if err != nil {
		fail(n.opts.Fetch.FetchError(err))
	}
	return p
}

// callbackFailed records an exception thrown by a callback on the block that
// issued the request. At top level it is uncaught and ends the run.
func (n *Namespaces) callbackFailed(node *testrun.Descriptor, err error) error {
	if err == nil {
		return nil
	}
	var ex *goja.Exception
	if !errors.As(err, &ex) {
		return err
	}
	if node != nil && node != n.col.Root() {
		node.ScriptError = n.host.ErrorMessage(ex.Value())
		return nil
	}
	return cage.CallbackError(err)
}

func sentResponse(r *fetch.Response) *Response {
	out := &Response{Status: r.Status, StatusText: r.StatusText, Body: string(r.BodyBytes)}
	for _, kv := range r.HeaderList().Entries() {
		out.Headers = append(out.Headers, Header{Key: kv[0], Value: kv[1]})
	}
	return out
}

// wireRequest normalises a URL string or a Postman request object
// ({url, method, header, body: {mode, raw|urlencoded|formdata}}). Variable
// references are expanded against the run's environment.
func (n *Namespaces) wireRequest(v goja.Value) (*fetch.Request, error) {
	req := &fetch.Request{Method: "GET", Headers: map[string]string{}}
	switch cage.TypeOf(v) {
	case "string":
		req.URL = n.store.ReplaceIn(v.String())
	case "object":
		if goja.IsNull(v) {
			return nil, errors.New("request must be a URL or an object")
		}
		obj := v.(*goja.Object)
		req.URL = n.store.ReplaceIn(rawURL(obj.Get("url")))
		if m := obj.Get("method"); cage.Present(m) {
			req.Method = strings.ToUpper(m.String())
		}
		for _, name := range []string{"header", "headers"} {
			n.readHeaders(obj.Get(name), req.Headers)
		}
		if err := n.readBody(obj.Get("body"), req); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("request must be a URL or an object")
	}

	u, err := url.Parse(req.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid URL %q", req.URL)
	}
	return req, nil
}

// rawURL accepts a string or a Postman URL object with a raw member.
func rawURL(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		if raw := obj.Get("raw"); cage.Present(raw) {
			return raw.String()
		}
	}
	if !cage.Present(v) {
		return ""
	}
	return v.String()
}

// readHeaders accepts [{key, value, disabled}] or a plain record. Names are
// stored lower-cased.
func (n *Namespaces) readHeaders(v goja.Value, into map[string]string) {
	obj, ok := v.(*goja.Object)
	if !ok || !cage.Present(v) {
		return
	}
	if obj.ClassName() == "Array" {
		for _, e := range listEntries(obj) {
			into[strings.ToLower(e.key)] = n.store.ReplaceIn(e.value)
		}
		return
	}
	for _, k := range obj.Keys() {
		into[strings.ToLower(k)] = n.store.ReplaceIn(obj.Get(k).String())
	}
}

type listEntry struct {
	key   string
	value string
	typ   string
	src   goja.Value
}

// listEntries reads a Postman key/value list, skipping disabled rows.
func listEntries(arr *goja.Object) []listEntry {
	count, _ := cage.Length(arr)
	var out []listEntry
	for i := 0; i < count; i++ {
		e, ok := arr.Get(strconv.Itoa(i)).(*goja.Object)
		if !ok {
			continue
		}
		if d := e.Get("disabled"); cage.Present(d) && d.ToBoolean() {
			continue
		}
		out = append(out, listEntry{
			key:   stringOf(e.Get("key")),
			value: stringOf(e.Get("value")),
			typ:   stringOf(e.Get("type")),
			src:   e.Get("src"),
		})
	}
	return out
}

func stringOf(v goja.Value) string {
	if !cage.Present(v) {
		return ""
	}
	return v.String()
}

func (n *Namespaces) readBody(v goja.Value, req *fetch.Request) error {
	if !cage.Present(v) {
		return nil
	}
	if cage.TypeOf(v) == "string" {
		req.Body = []byte(n.store.ReplaceIn(v.String()))
		return nil
	}
	obj := v.ToObject(n.vm)
	setType := func(ct string) {
		if _, ok := req.Headers["content-type"]; !ok {
			req.Headers["content-type"] = ct
		}
	}

	switch mode := stringOf(obj.Get("mode")); mode {
	case "", "raw":
		raw := obj.Get("raw")
		switch cage.TypeOf(raw) {
		case "undefined":
			return nil
		case "string":
			req.Body = []byte(n.store.ReplaceIn(raw.String()))
		default:
			s, err := n.stringify(raw)
			if err != nil {
				return err
			}
			req.Body = []byte(s)
			setType("application/json")
		}
		if lang := obj.Get("options"); cage.Present(lang) {
			if l := lang.ToObject(n.vm).Get("raw"); cage.Present(l) {
				if stringOf(l.ToObject(n.vm).Get("language")) == "json" {
					setType("application/json")
				}
			}
		}
	case "urlencoded":
		f := &fetch.Form{}
		if arr, ok := obj.Get("urlencoded").(*goja.Object); ok {
			for _, e := range listEntries(arr) {
				f.AddField(e.key, n.store.ReplaceIn(e.value))
			}
		}
		req.Body = []byte(f.URLEncode())
		setType("application/x-www-form-urlencoded")
	case "formdata":
		f := &fetch.Form{}
		if arr, ok := obj.Get("formdata").(*goja.Object); ok {
			for _, e := range listEntries(arr) {
				if e.typ == "file" {
					data, err := n.host.Bytes(e.src)
					if err != nil {
						return fmt.Errorf("formdata %s: %w", e.key, err)
					}
					f.AddFile(e.key, e.key, "application/octet-stream", data)
					continue
				}
				f.AddField(e.key, n.store.ReplaceIn(e.value))
			}
		}
		body, ct, err := f.Encode()
		if err != nil {
			return err
		}
		req.Body = body
		req.Headers["content-type"] = ct
	default:
		return fmt.Errorf("unsupported body mode %q", mode)
	}
	return nil
}

func (n *Namespaces) stringify(v goja.Value) (string, error) {
	out, err := n.jsonStringify(goja.Undefined(), v)
	if err != nil {
		return "", err
	}
	return out.String(), nil
}
