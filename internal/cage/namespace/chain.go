package namespace

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"scriptcage/internal/cage"
)

// statusRange is an inclusive-exclusive range of status codes.
type statusRange struct {
	phrase   string
	min, max int
}

// Status matchers usable both as a property (to.be.ok) and as a call
// (to.be.ok()).
var statusMatchers = map[string]statusRange{
	"ok":           {"be ok", 200, 300},
	"success":      {"be successful", 200, 300},
	"info":         {"be informational", 100, 200},
	"redirection":  {"be a redirection", 300, 400},
	"clientError":  {"be a client error", 400, 500},
	"serverError":  {"be a server error", 500, 600},
	"error":        {"be an error", 400, 600},
	"accepted":     {"be accepted", 202, 203},
	"badRequest":   {"be a bad request", 400, 401},
	"unauthorized": {"be unauthorized", 401, 402},
	"forbidden":    {"be forbidden", 403, 404},
	"notFound":     {"be not found", 404, 405},
	"rateLimited":  {"be rate limited", 429, 430},
}

// Content-type matchers, same property-or-call shape.
var contentMatchers = map[string]string{
	"json": "json",
	"html": "html",
	"xml":  "xml",
	"text": "text/plain",
}

var chainNoops = []string{"to", "be", "have", "an", "a", "and", "that", "with", "is"}

// chain is one response.to expression. Each terminal records exactly one
// result through the expect engine.
type chain struct {
	n      *Namespaces
	resp   *Response
	obj    *goja.Object
	negate bool
}

func newChain(n *Namespaces, resp *Response) *chain {
	c := &chain{n: n, resp: resp, obj: n.vm.NewObject()}
	c.install()
	return c
}

func (c *chain) accessor(name string, fn func() goja.Value) {
	getter := c.n.vm.ToValue(func(goja.FunctionCall) goja.Value { return fn() })
	_ = c.obj.DefineAccessorProperty(name, getter, nil, goja.FLAG_FALSE, goja.FLAG_FALSE)
}

// done is what a property-style terminal returns: calling it is a no-op so
// that to.be.ok and to.be.ok() record the same single result.
func (c *chain) done() goja.Value {
	return c.n.vm.ToValue(func(goja.FunctionCall) goja.Value { return c.obj })
}

func (c *chain) method(name string, fn func(goja.FunctionCall)) {
	_ = c.obj.Set(name, func(call goja.FunctionCall) goja.Value {
		fn(call)
		return c.obj
	})
}

func (c *chain) install() {
	for _, w := range chainNoops {
		c.accessor(w, func() goja.Value { return c.obj })
	}
	c.accessor("not", func() goja.Value {
		c.negate = true
		return c.obj
	})
	for name, r := range statusMatchers {
		r := r
		c.accessor(name, func() goja.Value {
			code := c.resp.Status
			c.record(code >= r.min && code < r.max, r.phrase, strconv.Itoa(code))
			return c.done()
		})
	}
	for name, needle := range contentMatchers {
		name, needle := name, needle
		c.accessor(name, func() goja.Value {
			ct, _ := c.resp.Header("Content-Type")
			c.record(strings.Contains(strings.ToLower(ct), needle), "be "+name, "'"+ct+"'")
			return c.done()
		})
	}
	c.accessor("responseTime", func() goja.Value { return c.responseTime() })

	c.method("status", c.status)
	c.method("header", c.header)
	c.method("body", c.body)
	c.method("jsonBody", c.jsonBody)
	c.method("jsonSchema", c.jsonSchema)
}

// record renders "Expected response to <phrase>" with the observed value
// appended on failure.
func (c *chain) record(ok bool, phrase, got string) {
	passed := ok != c.negate
	verb := phrase
	if c.negate {
		verb = "not " + phrase
	}
	msg := "Expected response to " + verb
	if !passed && got != "" {
		msg += " but got " + got
	}
	c.n.exp.Assert(passed, msg)
}

// fail records a result that negation cannot turn into a pass.
func (c *chain) fail(msg string) {
	c.n.exp.Assert(false, msg)
}

func (c *chain) status(call goja.FunctionCall) {
	r := c.resp
	want := call.Argument(0)
	switch cage.TypeOf(want) {
	case "number":
		c.record(int64(r.Status) == want.ToInteger(), fmt.Sprintf("have status %d", want.ToInteger()), strconv.Itoa(r.Status))
	case "string":
		c.record(strings.EqualFold(r.StatusText, want.String()),
			"have status '"+want.String()+"'", "'"+r.StatusText+"'")
	default:
		c.fail("Expected response to have status but no status was given")
	}
}

func (c *chain) header(call goja.FunctionCall) {
	name := argString(call, 0)
	got, ok := c.resp.Header(name)
	if len(call.Arguments) < 2 {
		c.record(ok, "have header '"+name+"'", "")
		return
	}
	want := argString(call, 1)
	phrase := "have header '" + name + "' with value '" + want + "'"
	if !ok {
		c.record(false, phrase, "no such header")
		return
	}
	c.record(got == want, phrase, "'"+got+"'")
}

func (c *chain) body(call goja.FunctionCall) {
	body := c.resp.Body
	if len(call.Arguments) == 0 {
		c.record(body != "", "have a body", "")
		return
	}
	want := argString(call, 0)
	c.record(body == want, "have body '"+want+"'", "'"+body+"'")
}

// responseTime returns {above, below} bound to this chain's negation.
func (c *chain) responseTime() goja.Value {
	vm := c.n.vm
	t := c.resp.ResponseTime
	obj := vm.NewObject()
	cmp := func(word string, test func(ms int64) bool) {
		_ = obj.Set(word, func(call goja.FunctionCall) goja.Value {
			ms := call.Argument(0).ToInteger()
			c.record(test(ms), fmt.Sprintf("have response time %s %dms", word, ms), fmt.Sprintf("%dms", t))
			return c.obj
		})
	}
	cmp("above", func(ms int64) bool { return t > ms })
	cmp("below", func(ms int64) bool { return t < ms })
	return obj
}
