// Package expect implements the BDD assertion surface used by test scripts:
// chai-style chains (expect(x).to.be.above(1)) plus the jest-style matchers
// of the hopp and pw namespaces. Assertions never throw on failure; every
// terminal produces one ExpectResult through a Recorder.
package expect

import (
	"errors"

	"github.com/dop251/goja"

	"scriptcage/internal/cage"
	"scriptcage/internal/testrun"
)

// Recorder receives assertion outcomes. *testrun.Collector implements it.
type Recorder interface {
	Record(testrun.ExpectResult) testrun.ResultRef
	Amend(testrun.ResultRef, testrun.ExpectResult)
}

// Rules tunes assertion behaviour for one run. It is passed by value so that
// concurrent runs can never observe each other's settings.
type Rules struct {
	// TruncateThreshold is the rendered length above which objects and arrays
	// are abbreviated in messages. Zero disables truncation.
	TruncateThreshold int
	// StrictNumeric makes numeric comparisons fail on non-numeric subjects
	// instead of coercing them.
	StrictNumeric bool
}

// DefaultRules matches chai's defaults.
func DefaultRules() Rules {
	return Rules{TruncateThreshold: 40}
}

// Engine builds assertion objects inside one VM.
type Engine struct {
	host  *cage.Host
	vm    *goja.Runtime
	rec   Recorder
	rules Rules

	isFrozen     goja.Callable
	isSealed     goja.Callable
	isExtensible goja.Callable
	regexpCtor   *goja.Object
}

// New captures the intrinsics the engine needs; call it before user code runs.
func New(host *cage.Host, rec Recorder, rules Rules) (*Engine, error) {
	vm := host.VM
	e := &Engine{host: host, vm: vm, rec: rec, rules: rules}

	object := vm.Get("Object").ToObject(vm)
	var ok bool
	if e.isFrozen, ok = goja.AssertFunction(object.Get("isFrozen")); !ok {
		return nil, errors.New("Object.isFrozen unavailable")
	}
	if e.isSealed, ok = goja.AssertFunction(object.Get("isSealed")); !ok {
		return nil, errors.New("Object.isSealed unavailable")
	}
	if e.isExtensible, ok = goja.AssertFunction(object.Get("isExtensible")); !ok {
		return nil, errors.New("Object.isExtensible unavailable")
	}
	e.regexpCtor = vm.Get("RegExp").ToObject(vm)
	return e, nil
}

// Rules returns the rule set the engine was built with.
func (e *Engine) Rules() Rules { return e.rules }

// Assert records a single result with a prepared message.
func (e *Engine) Assert(passed bool, message string) testrun.ResultRef {
	return e.rec.Record(result(passed, message))
}

// Render formats v the way assertion messages show values.
func (e *Engine) Render(v goja.Value) string { return e.render(v) }

// Expect returns the chainable assertion object for subject.
func (e *Engine) Expect(subject goja.Value) goja.Value {
	return newAssertion(e, subject).obj
}

// Func is the script-facing expect(value) function.
func (e *Engine) Func() func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		return e.Expect(call.Argument(0))
	}
}

func result(passed bool, message string) testrun.ExpectResult {
	status := testrun.StatusFail
	if passed {
		status = testrun.StatusPass
	}
	return testrun.ExpectResult{Status: status, Message: message}
}

// call invokes fn, re-raising interrupts so a timed out run cannot be
// swallowed by an assertion.
func (e *Engine) call(fn goja.Callable, this goja.Value, args ...goja.Value) (goja.Value, *goja.Exception) {
	v, err := fn(this, args...)
	if err == nil {
		return v, nil
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return nil, ex
	}
	panic(err)
}
