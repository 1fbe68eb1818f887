// Package namespace installs the pm, hopp and pw script namespaces. All three
// read and write the same environment store, inspect the same response and
// record into the same collector; they differ in naming and in how an absent
// value is reported (pm: undefined, hopp: null).
package namespace

import (
	"errors"
	"math"
	"strings"

	"github.com/dop251/goja"

	"scriptcage/internal/cage"
	"scriptcage/internal/cage/fetch"
	"scriptcage/internal/env"
	"scriptcage/internal/expect"
	"scriptcage/internal/testrun"
)

// Header is one key/value pair as exchanged with the host.
type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Response is the read-only response a test script inspects.
type Response struct {
	Status       int      `json:"status"`
	StatusText   string   `json:"statusText"`
	Headers      []Header `json:"headers"`
	Body         string   `json:"body"`
	ResponseTime int64    `json:"responseTime,omitempty"`
}

// Header returns the first value of name, compared case-insensitively.
func (r *Response) Header(name string) (string, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Key, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Request describes the request the script belongs to.
type Request struct {
	URL     string   `json:"url"`
	Method  string   `json:"method"`
	Headers []Header `json:"headers"`
	Body    string   `json:"body"`
}

// Info identifies the run to the script through pm.info.
type Info struct {
	EventName   string `json:"eventName"`
	RequestName string `json:"requestName"`
	Iteration   int    `json:"iteration"`
}

// Options wires the namespaces to the rest of a run.
type Options struct {
	Store     *env.Store
	Collector *testrun.Collector
	Expect    *expect.Engine
	// Fetch backs pm.sendRequest. Without it sendRequest reports an error to
	// its callback.
	Fetch *fetch.Module
	// Response is nil for pre-request runs.
	Response        *Response
	Request         *Request
	Info            Info
	EnvironmentName string
}

// Namespaces is the per-run state behind pm, hopp and pw.
type Namespaces struct {
	host *cage.Host
	vm   *goja.Runtime
	opts Options

	store *env.Store
	col   *testrun.Collector
	exp   *expect.Engine

	jsonParse     goja.Callable
	jsonStringify goja.Callable
}

// New validates opts and captures the JSON intrinsics.
func New(host *cage.Host, opts Options) (*Namespaces, error) {
	if opts.Store == nil || opts.Collector == nil || opts.Expect == nil {
		return nil, errors.New("namespace: store, collector and expect engine are required")
	}
	if opts.Request == nil {
		opts.Request = &Request{Method: "GET"}
	}
	vm := host.VM
	json := vm.Get("JSON").ToObject(vm)
	parse, ok := goja.AssertFunction(json.Get("parse"))
	if !ok {
		return nil, errors.New("JSON.parse unavailable")
	}
	stringify, ok := goja.AssertFunction(json.Get("stringify"))
	if !ok {
		return nil, errors.New("JSON.stringify unavailable")
	}
	return &Namespaces{
		host:          host,
		vm:            vm,
		opts:          opts,
		store:         opts.Store,
		col:           opts.Collector,
		exp:           opts.Expect,
		jsonParse:     parse,
		jsonStringify: stringify,
	}, nil
}

// Install defines pm, hopp and pw.
func (n *Namespaces) Install() error {
	for name, build := range map[string]func() *goja.Object{
		"pm":   n.pm,
		"hopp": n.hopp,
		"pw":   n.pw,
	} {
		if err := n.vm.Set(name, build()); err != nil {
			return err
		}
	}
	return nil
}

func (n *Namespaces) pm() *goja.Object {
	vm := n.vm
	pm := vm.NewObject()
	_ = pm.Set("environment", n.pmScope(env.ScopeSelected, true))
	_ = pm.Set("globals", n.pmScope(env.ScopeGlobal, false))
	_ = pm.Set("variables", n.pmVariables())
	_ = pm.Set("test", n.testFunc())
	_ = pm.Set("expect", n.exp.Func())
	_ = pm.Set("request", n.pmRequest())
	_ = pm.Set("info", n.pmInfo())
	_ = pm.Set("sendRequest", n.sendRequest)
	if n.opts.Response != nil {
		_ = pm.Set("response", n.pmResponse(n.opts.Response))
	}
	return pm
}

func (n *Namespaces) hopp() *goja.Object {
	vm := n.vm
	hopp := vm.NewObject()
	_ = hopp.Set("env", n.hoppEnv())
	_ = hopp.Set("test", n.testFunc())
	_ = hopp.Set("expect", n.exp.Func())
	_ = hopp.Set("request", n.hoppRequest())
	if n.opts.Response != nil {
		_ = hopp.Set("response", n.hoppResponse())
	}
	return hopp
}

func (n *Namespaces) pw() *goja.Object {
	vm := n.vm
	pw := vm.NewObject()
	_ = pw.Set("env", n.pwEnv())
	_ = pw.Set("test", n.testFunc())
	_ = pw.Set("expect", n.exp.Func())
	if n.opts.Response != nil {
		_ = pw.Set("response", n.pwResponse())
	}
	return pw
}

// readOnly defines a non-writable, enumerable property.
func (n *Namespaces) readOnly(obj *goja.Object, name string, v any) {
	_ = obj.DefineDataProperty(name, n.vm.ToValue(v), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
}

// fromJS converts a script value into an environment value. Numbers are
// stored as float64 so that equality in the diff does not depend on how goja
// happened to represent them.
func fromJS(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) {
		return env.Undefined
	}
	return normalize(v.Export())
}

func normalize(v any) any {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	}
	return v
}

// toJS builds plain script objects and arrays from an environment value so
// that Array.isArray and JSON.stringify behave as scripts expect.
func (n *Namespaces) toJS(v any) goja.Value {
	vm := n.vm
	switch t := v.(type) {
	case nil:
		return goja.Null()
	case map[string]any:
		obj := vm.NewObject()
		for k, e := range t {
			_ = obj.Set(k, n.toJS(e))
		}
		return obj
	case []any:
		items := make([]any, len(t))
		for i, e := range t {
			items[i] = n.toJS(e)
		}
		return vm.NewArray(items...)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return vm.ToValue(int64(t))
		}
		return vm.ToValue(t)
	}
	if env.IsUndefined(v) {
		return goja.Undefined()
	}
	return vm.ToValue(v)
}

// parseJSON runs the captured JSON.parse; a parse failure is thrown into the
// script as a SyntaxError.
func (n *Namespaces) parseJSON(text string) goja.Value {
	v, err := n.jsonParse(goja.Undefined(), n.vm.ToValue(text))
	if err != nil {
		var ex *goja.Exception
		if errors.As(err, &ex) {
			panic(ex)
		}
		panic(err)
	}
	return v
}

func argString(call goja.FunctionCall, i int) string {
	v := call.Argument(i)
	if !cage.Present(v) {
		return ""
	}
	return v.String()
}
