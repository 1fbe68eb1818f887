package expect

import (
	"github.com/dop251/goja"

	"scriptcage/internal/testrun"
)

// chainWords are language chains that only return the assertion itself.
var chainWords = []string{
	"to", "be", "been", "is", "that", "which", "and", "has", "have",
	"with", "at", "of", "same", "but", "does", "still", "also",
}

// chainable names are both a chain word and a method: accessing them sets a
// flag, calling the assertion right after runs the method.
const (
	pendingNone    = ""
	pendingLength  = "length"
	pendingInclude = "include"
	pendingType    = "a"
)

// assertion is the flag state behind one expect(subject) object.
type assertion struct {
	e       *Engine
	subject goja.Value
	obj     *goja.Object

	negate   bool
	deep     bool
	own      bool
	nested   bool
	anyKeys  bool
	allKeys  bool
	doLength bool
	contains bool
	pending  string

	ref     *testrun.ResultRef
	passed  bool
	message string
}

func newAssertion(e *Engine, subject goja.Value) *assertion {
	if subject == nil {
		subject = goja.Undefined()
	}
	a := &assertion{e: e, subject: subject}
	a.obj = e.vm.ToValue(a.invoke).(*goja.Object)
	a.install()
	return a
}

// invoke runs when the assertion object itself is called, i.e. for
// expect(x).to.have.length(3), .include(2) and .a('string').
func (a *assertion) invoke(call goja.FunctionCall) goja.Value {
	pending := a.pending
	a.pending = pendingNone
	switch pending {
	case pendingLength:
		a.lengthOf(call)
	case pendingInclude:
		a.include(call)
	case pendingType:
		a.typeOf(call)
	default:
		a.e.host.ThrowTypeError("assertion is not a function")
	}
	return a.obj
}

func (a *assertion) getter(fn func()) goja.Value {
	return a.e.vm.ToValue(func(goja.FunctionCall) goja.Value {
		fn()
		return a.obj
	})
}

func (a *assertion) accessor(name string, fn func()) {
	_ = a.obj.DefineAccessorProperty(name, a.getter(fn), nil, goja.FLAG_TRUE, goja.FLAG_FALSE)
}

func (a *assertion) method(fn func(goja.FunctionCall)) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		a.pending = pendingNone
		fn(call)
		return a.obj
	}
}

func (a *assertion) install() {
	for _, w := range chainWords {
		a.accessor(w, func() { a.pending = pendingNone })
	}

	a.accessor("not", func() { a.negate = true; a.pending = pendingNone })
	a.accessor("deep", func() { a.deep = true; a.pending = pendingNone })
	a.accessor("own", func() { a.own = true; a.pending = pendingNone })
	a.accessor("nested", func() { a.nested = true; a.pending = pendingNone })
	a.accessor("any", func() { a.anyKeys = true; a.allKeys = false; a.pending = pendingNone })
	a.accessor("all", func() { a.allKeys = true; a.anyKeys = false; a.pending = pendingNone })

	a.accessor("length", func() { a.doLength = true; a.pending = pendingLength })
	for _, w := range []string{"include", "contain", "includes", "contains"} {
		a.accessor(w, func() { a.contains = true; a.pending = pendingInclude })
	}
	for _, w := range []string{"a", "an"} {
		a.accessor(w, func() { a.pending = pendingType })
	}

	// property terminals
	props := map[string]func(){
		"true":       a.isTrue,
		"false":      a.isFalse,
		"null":       a.isNull,
		"undefined":  a.isUndefined,
		"NaN":        a.isNaN,
		"ok":         a.isOk,
		"empty":      a.isEmpty,
		"exist":      a.exists,
		"exists":     a.exists,
		"finite":     a.isFinite,
		"extensible": a.isExtensible,
		"sealed":     a.isSealed,
		"frozen":     a.isFrozen,
	}
	for name, fn := range props {
		fn := fn
		a.accessor(name, func() { a.pending = pendingNone; fn() })
	}

	methods := map[string]func(goja.FunctionCall){
		"equal":              a.equal,
		"equals":             a.equal,
		"eq":                 a.equal,
		"eql":                a.eql,
		"eqls":               a.eql,
		"above":              a.above,
		"gt":                 a.above,
		"greaterThan":        a.above,
		"least":              a.least,
		"gte":                a.least,
		"greaterThanOrEqual": a.least,
		"below":              a.below,
		"lt":                 a.below,
		"lessThan":           a.below,
		"most":               a.most,
		"lte":                a.most,
		"lessThanOrEqual":    a.most,
		"within":             a.within,
		"closeTo":            a.closeTo,
		"approximately":      a.closeTo,
		"lengthOf":           a.lengthOf,
		"keys":               a.keys,
		"key":                a.keys,
		"throw":              a.throws,
		"throws":             a.throws,
		"Throw":              a.throws,
		"match":              a.match,
		"matches":            a.match,
		"instanceof":         a.instanceOf,
		"instanceOf":         a.instanceOf,
		"property":           a.property,
		"ownProperty":        a.ownProperty,
		"haveOwnProperty":    a.ownProperty,
		"members":            a.members,
		"oneOf":              a.oneOf,
		"satisfy":            a.satisfy,
		"satisfies":          a.satisfy,
		"respondTo":          a.respondTo,
		"respondsTo":         a.respondTo,
		"string":             a.containsString,
		"toBe":               a.jestToBe,
		"toBeLevel2xx":       a.jestLevel(2),
		"toBeLevel3xx":       a.jestLevel(3),
		"toBeLevel4xx":       a.jestLevel(4),
		"toBeLevel5xx":       a.jestLevel(5),
		"toBeType":           a.jestToBeType,
		"toHaveLength":       a.jestToHaveLength,
		"toInclude":          a.jestToInclude,
	}
	for name, fn := range methods {
		_ = a.obj.Set(name, a.method(fn))
	}
}

// record folds an outcome into this assertion's single ExpectResult. The first
// terminal creates the record; later terminals in the same chain amend it.
func (a *assertion) record(ok bool, phrase string) {
	passed := ok != a.negate
	verb := phrase
	if a.negate {
		verb = "not " + phrase
	}

	if a.ref == nil {
		a.message = "Expected " + a.e.render(a.subject) + " to " + verb
		a.passed = passed
		ref := a.e.rec.Record(result(a.passed, a.message))
		a.ref = &ref
		return
	}
	a.message += " and " + verb
	a.passed = a.passed && passed
	a.e.rec.Amend(*a.ref, result(a.passed, a.message))
}

// fail records an assertion that could not be evaluated, e.g. a type error in
// its arguments. Negation does not turn it into a pass.
func (a *assertion) fail(phrase string) {
	negate := a.negate
	a.negate = false
	a.record(false, phrase)
	a.negate = negate
}
