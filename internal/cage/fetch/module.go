// Package fetch is the network cage module: fetch, Headers, Request,
// Response, Blob, FormData and AbortController. Every request leaves the VM
// as plain data through a Hook; responses come back fully materialised.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dop251/goja"

	"scriptcage/internal/cage"
)

// ErrUnknown stands in for a hook failure that carries no message.
var ErrUnknown = errors.New("Unknown error")

// Options bounds what one run may do over the network.
type Options struct {
	// MaxRequests caps fetch and sendRequest calls per run. Zero is unlimited.
	MaxRequests int
	// MaxBodyBytes caps a drained response body. Zero is unlimited.
	MaxBodyBytes int64
	// Observe, when set, is called from the hook goroutine after each request.
	Observe func(outcome string, elapsed time.Duration)
}

// Module holds the per-run state of the fetch globals.
type Module struct {
	host *cage.Host
	hook Hook
	opts Options

	jsonParse     goja.Callable
	jsonStringify goja.Callable
	arrayValues   goja.Callable

	requestCtor   *goja.Object
	headersProto  *goja.Object
	requestProto  *goja.Object
	responseProto *goja.Object
	blobProto     *goja.Object
	formDataProto *goja.Object
	signalProto   *goja.Object

	headers   map[*goja.Object]*HeaderList
	requests  map[*goja.Object]*requestState
	responses map[*goja.Object]*responseState
	blobs     map[*goja.Object]*blob
	forms     map[*goja.Object]*Form
	signals   map[*goja.Object]*signalState

	started int
}

// New captures the intrinsics the module relies on. hook may be nil, in which
// case every request fails with ErrNoHook.
func New(host *cage.Host, hook Hook, opts Options) (*Module, error) {
	vm := host.VM
	m := &Module{
		host:      host,
		hook:      hook,
		opts:      opts,
		headers:   map[*goja.Object]*HeaderList{},
		requests:  map[*goja.Object]*requestState{},
		responses: map[*goja.Object]*responseState{},
		blobs:     map[*goja.Object]*blob{},
		forms:     map[*goja.Object]*Form{},
		signals:   map[*goja.Object]*signalState{},
	}

	json := vm.Get("JSON").ToObject(vm)
	var ok bool
	if m.jsonParse, ok = goja.AssertFunction(json.Get("parse")); !ok {
		return nil, errors.New("JSON.parse unavailable")
	}
	if m.jsonStringify, ok = goja.AssertFunction(json.Get("stringify")); !ok {
		return nil, errors.New("JSON.stringify unavailable")
	}
	arrayProto := vm.Get("Array").ToObject(vm).Get("prototype").ToObject(vm)
	if m.arrayValues, ok = goja.AssertFunction(arrayProto.Get("values")); !ok {
		return nil, errors.New("Array.prototype.values unavailable")
	}
	return m, nil
}

// Install defines the fetch globals in the VM.
func (m *Module) Install() error {
	vm := m.host.VM
	classes := []struct {
		name  string
		ctor  func(goja.ConstructorCall) *goja.Object
		proto **goja.Object
	}{
		{"Headers", m.headersConstructor, &m.headersProto},
		{"Request", m.requestConstructor, &m.requestProto},
		{"Response", m.responseConstructor, &m.responseProto},
		{"Blob", m.blobConstructor, &m.blobProto},
		{"FormData", m.formDataConstructor, &m.formDataProto},
		{"AbortSignal", m.abortSignalConstructor, &m.signalProto},
		{"AbortController", m.abortControllerConstructor, nil},
	}
	for _, c := range classes {
		ctor := vm.ToValue(c.ctor).ToObject(vm)
		if c.proto != nil {
			*c.proto = ctor.Get("prototype").ToObject(vm)
		}
		switch c.name {
		case "Request":
			m.requestCtor = ctor
		case "Response":
			if err := m.installResponseStatics(ctor); err != nil {
				return err
			}
		case "AbortSignal":
			if err := ctor.Set("abort", func(call goja.FunctionCall) goja.Value {
				st := m.newSignal()
				m.abort(st, call.Argument(0))
				return st.obj
			}); err != nil {
				return err
			}
		}
		if err := vm.Set(c.name, ctor); err != nil {
			return fmt.Errorf("install %s: %w", c.name, err)
		}
	}
	return vm.Set("fetch", m.fetch)
}

func (m *Module) fetch(call goja.FunctionCall) goja.Value {
	h := m.host
	obj, err := h.VM.New(m.requestCtor, call.Argument(0), call.Argument(1))
	if err != nil {
		return m.rejection(err)
	}
	st := m.requests[obj]
	if st.body.used {
		return h.Rejected(h.VM.NewTypeError("body already consumed"))
	}
	st.body.used = st.hasBody
	// A Request passed as input gives up its body to the one being sent.
	if src, ok := call.Argument(0).(*goja.Object); ok {
		if in := m.requests[src]; in != nil && in.hasBody {
			in.body.used = true
		}
	}

	p, res := h.NewPromise()
	err = m.Send(st.wire(), func(r *Response, err error) error {
		if err != nil {
			return res.Reject(m.FetchError(err))
		}
		return res.Resolve(m.NewResponse(r))
	})
	if err != nil {
		return h.Rejected(m.FetchError(err))
	}
	return p
}

// Send runs req through the hook on its own goroutine. settle is called on
// the VM goroutine; network operations settle in the order they were sent.
func (m *Module) Send(req *Request, settle func(*Response, error) error) error {
	if m.hook == nil {
		return ErrNoHook
	}
	if n := m.opts.MaxRequests; n > 0 && m.started >= n {
		return fmt.Errorf("%w: at most %d per run", ErrTooManyRequests, n)
	}
	m.started++
	m.host.Log.Debug().Str("method", req.Method).Str("url", req.URL).Msg("fetch")

	hook, limit, observe := m.hook, m.opts.MaxBodyBytes, m.opts.Observe
	m.host.Loop.Start(func(ctx context.Context) cage.Job {
		begin := time.Now()
		resp, err := roundTrip(ctx, hook, req, limit)
		if observe != nil {
			observe(outcome(err), time.Since(begin))
		}
		return func() error { return settle(resp, err) }
	})
	return nil
}

// roundTrip runs the hook and drains its response. A panicking hook settles
// the request with ErrHookPanicked so the script sees a FetchError.
func roundTrip(ctx context.Context, hook Hook, req *Request, limit int64) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("%w: %v", ErrHookPanicked, r)
		}
	}()
	resp, err = hook.Fetch(ctx, req)
	if err == nil && resp == nil {
		err = ErrUnknown
	}
	if err == nil {
		err = resp.Materialize(limit)
	}
	return resp, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return "aborted"
	}
	return "error"
}

// FetchError converts a hook failure into the script-visible error.
func (m *Module) FetchError(err error) *goja.Object {
	msg := ErrUnknown.Error()
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return m.host.NewError("FetchError", msg)
}

// Started is the number of requests sent so far in this run.
func (m *Module) Started() int { return m.started }

func (m *Module) rejection(err error) goja.Value {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return m.host.Rejected(ex.Value())
	}
	panic(err)
}

func elements(obj *goja.Object) []goja.Value {
	n, _ := cage.Length(obj)
	out := make([]goja.Value, n)
	for i := range out {
		v := obj.Get(strconv.Itoa(i))
		if v == nil {
			v = goja.Undefined()
		}
		out[i] = v
	}
	return out
}
