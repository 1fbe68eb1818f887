package expect

import (
	"math"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"scriptcage/internal/cage"
)

func isString(v goja.Value) bool { return cage.TypeOf(v) == "string" }

func isNumber(v goja.Value) bool { return cage.TypeOf(v) == "number" }

func className(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		return obj.ClassName()
	}
	return ""
}

func isArray(v goja.Value) bool { return className(v) == "Array" }

func isRegExp(v goja.Value) bool { return className(v) == "RegExp" }

func isCallable(v goja.Value) bool {
	_, ok := goja.AssertFunction(v)
	return ok
}

// typeName follows chai's type detection: "null", "array", "regexp", ...
func typeName(v goja.Value) string {
	t := cage.TypeOf(v)
	if t != "object" {
		return t
	}
	if goja.IsNull(v) {
		return "null"
	}
	cls := strings.ToLower(className(v))
	if cls == "" {
		return "object"
	}
	return cls
}

func article(word string) string {
	if word != "" && strings.ContainsRune("aeiou", rune(word[0])) {
		return "an " + word
	}
	return "a " + word
}

// sizeOf returns .length of strings and array-likes and .size of Map/Set.
func (a *assertion) sizeOf(v goja.Value) (int64, bool) {
	if !cage.Present(v) {
		return 0, false
	}
	vm := a.e.vm
	if isString(v) {
		return v.ToObject(vm).Get("length").ToInteger(), true
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return 0, false
	}
	switch obj.ClassName() {
	case "Map", "Set":
		return obj.Get("size").ToInteger(), true
	}
	l := obj.Get("length")
	if l == nil || goja.IsUndefined(l) {
		return 0, false
	}
	return l.ToInteger(), true
}

// measure yields the number numeric comparisons operate on: the length for
// strings, arrays and after .length, the value itself otherwise.
func (a *assertion) measure() (x float64, byLength, ok bool) {
	if a.doLength || isString(a.subject) || isArray(a.subject) {
		n, ok := a.sizeOf(a.subject)
		return float64(n), true, ok
	}
	if isNumber(a.subject) {
		return a.subject.ToFloat(), false, true
	}
	if a.e.rules.StrictNumeric {
		return 0, false, false
	}
	if className(a.subject) == "Date" {
		return a.subject.ToNumber().ToFloat(), false, true
	}
	return a.subject.ToFloat(), false, true
}

func (a *assertion) compare(call goja.FunctionCall, word string, cmp func(x, n float64) bool) {
	n := call.Argument(0)
	x, byLength, ok := a.measure()
	phrase := "be " + word + " " + a.e.render(n)
	if byLength {
		phrase = "have length " + word + " " + a.e.render(n)
	}
	if !ok || !(isNumber(n) || className(n) == "Date") {
		a.fail(phrase)
		return
	}
	a.record(cmp(x, n.ToFloat()), phrase)
}

func (a *assertion) above(call goja.FunctionCall) {
	a.compare(call, "above", func(x, n float64) bool { return x > n })
}

func (a *assertion) least(call goja.FunctionCall) {
	a.compare(call, "at least", func(x, n float64) bool { return x >= n })
}

func (a *assertion) below(call goja.FunctionCall) {
	a.compare(call, "below", func(x, n float64) bool { return x < n })
}

func (a *assertion) most(call goja.FunctionCall) {
	a.compare(call, "at most", func(x, n float64) bool { return x <= n })
}

func (a *assertion) within(call goja.FunctionCall) {
	lo, hi := call.Argument(0), call.Argument(1)
	x, byLength, ok := a.measure()
	phrase := "be within " + a.e.render(lo) + ".." + a.e.render(hi)
	if byLength {
		phrase = "have length within " + a.e.render(lo) + ".." + a.e.render(hi)
	}
	if !ok || !isNumber(lo) || !isNumber(hi) {
		a.fail(phrase)
		return
	}
	a.record(x >= lo.ToFloat() && x <= hi.ToFloat(), phrase)
}

func (a *assertion) closeTo(call goja.FunctionCall) {
	expected, delta := call.Argument(0), call.Argument(1)
	phrase := "be close to " + a.e.render(expected) + " +/- " + a.e.render(delta)
	if !isNumber(a.subject) || !isNumber(expected) || !isNumber(delta) {
		a.fail(phrase)
		return
	}
	a.record(math.Abs(a.subject.ToFloat()-expected.ToFloat()) <= delta.ToFloat(), phrase)
}

func (a *assertion) lengthOf(call goja.FunctionCall) {
	n := call.Argument(0)
	phrase := "have length " + a.e.render(n)
	size, ok := a.sizeOf(a.subject)
	if !ok {
		a.fail(phrase)
		return
	}
	a.record(float64(size) == n.ToFloat(), phrase)
}

func (a *assertion) typeOf(call goja.FunctionCall) {
	want := strings.ToLower(call.Argument(0).String())
	a.record(typeName(a.subject) == want, "be "+article(want))
}

func (a *assertion) same(x, y goja.Value) bool {
	if a.deep {
		return a.e.deepEqual(x, y)
	}
	return x.StrictEquals(y)
}

func (a *assertion) equal(call goja.FunctionCall) {
	exp := call.Argument(0)
	phrase := "equal " + a.e.render(exp)
	if a.deep {
		phrase = "deep equal " + a.e.render(exp)
	}
	a.record(a.same(a.subject, exp), phrase)
}

func (a *assertion) eql(call goja.FunctionCall) {
	exp := call.Argument(0)
	a.record(a.e.deepEqual(a.subject, exp), "deep equal "+a.e.render(exp))
}

func (a *assertion) isTrue() { a.record(a.subject.StrictEquals(a.e.vm.ToValue(true)), "be true") }
func (a *assertion) isFalse() { a.record(a.subject.StrictEquals(a.e.vm.ToValue(false)), "be false") }
func (a *assertion) isNull() { a.record(goja.IsNull(a.subject), "be null") }
func (a *assertion) isUndefined() { a.record(goja.IsUndefined(a.subject), "be undefined") }
func (a *assertion) isOk() { a.record(a.subject.ToBoolean(), "be truthy") }
func (a *assertion) exists() { a.record(cage.Present(a.subject), "exist") }

func (a *assertion) isNaN() {
	a.record(isNumber(a.subject) && math.IsNaN(a.subject.ToFloat()), "be NaN")
}

func (a *assertion) isFinite() {
	ok := false
	if isNumber(a.subject) {
		f := a.subject.ToFloat()
		ok = !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	a.record(ok, "be finite")
}

func (a *assertion) isEmpty() {
	v := a.subject
	switch {
	case isString(v) || isArray(v) || className(v) == "Map" || className(v) == "Set":
		n, _ := a.sizeOf(v)
		a.record(n == 0, "be empty")
	case cage.TypeOf(v) == "object" && !goja.IsNull(v):
		a.record(len(v.(*goja.Object).Keys()) == 0, "be empty")
	default:
		a.fail("be empty")
	}
}

func (a *assertion) objectState(fn goja.Callable, phrase string) {
	v, ex := a.e.call(fn, goja.Undefined(), a.subject)
	if ex != nil {
		a.fail(phrase)
		return
	}
	a.record(v.ToBoolean(), phrase)
}

func (a *assertion) isExtensible() { a.objectState(a.e.isExtensible, "be extensible") }
func (a *assertion) isSealed() { a.objectState(a.e.isSealed, "be sealed") }
func (a *assertion) isFrozen() { a.objectState(a.e.isFrozen, "be frozen") }

func (a *assertion) include(call goja.FunctionCall) {
	val := call.Argument(0)
	phrase := "include " + a.e.render(val)
	if a.deep {
		phrase = "deep include " + a.e.render(val)
	}
	v := a.subject

	switch {
	case isString(v):
		a.record(strings.Contains(v.String(), val.String()), phrase)
	case isArray(v):
		found := false
		for _, el := range a.e.elements(v.(*goja.Object)) {
			if a.same(el, val) {
				found = true
				break
			}
		}
		a.record(found, phrase)
	case className(v) == "Set" || className(v) == "Map":
		has, ok := goja.AssertFunction(v.(*goja.Object).Get("has"))
		if !ok {
			a.fail(phrase)
			return
		}
		r, ex := a.e.call(has, v, val)
		a.record(ex == nil && r.ToBoolean(), phrase)
	case cage.TypeOf(v) == "object" && !goja.IsNull(v) && cage.TypeOf(val) == "object" && !goja.IsNull(val):
		subj, want := v.(*goja.Object), val.(*goja.Object)
		ok := true
		for _, k := range want.Keys() {
			got := subj.Get(k)
			if got == nil || (a.own && !hasOwn(subj, k)) || !a.same(got, want.Get(k)) {
				ok = false
				break
			}
		}
		a.record(ok, phrase)
	default:
		a.fail(phrase)
	}
}

func hasOwn(obj *goja.Object, key string) bool {
	for _, k := range obj.GetOwnPropertyNames() {
		if k == key {
			return true
		}
	}
	return false
}

// elements reads an array-like into a slice of values.
func (e *Engine) elements(obj *goja.Object) []goja.Value {
	n := int(obj.Get("length").ToInteger())
	out := make([]goja.Value, n)
	for i := 0; i < n; i++ {
		v := obj.Get(strconv.Itoa(i))
		if v == nil {
			v = goja.Undefined()
		}
		out[i] = v
	}
	return out
}

func (a *assertion) containsString(call goja.FunctionCall) {
	s := call.Argument(0)
	phrase := "contain string " + a.e.render(s)
	if !isString(a.subject) {
		a.fail(phrase)
		return
	}
	a.record(strings.Contains(a.subject.String(), s.String()), phrase)
}

func (a *assertion) keys(call goja.FunctionCall) {
	var want []string
	args := call.Arguments
	switch {
	case len(args) == 1 && isArray(args[0]):
		for _, el := range a.e.elements(args[0].(*goja.Object)) {
			want = append(want, el.String())
		}
	case len(args) == 1 && cage.TypeOf(args[0]) == "object" && !goja.IsNull(args[0]):
		want = args[0].(*goja.Object).Keys()
	default:
		for _, arg := range args {
			want = append(want, arg.String())
		}
	}

	rendered := make([]string, len(want))
	for i, k := range want {
		rendered[i] = "'" + k + "'"
	}
	phrase := "have keys " + strings.Join(rendered, ", ")
	switch {
	case a.anyKeys:
		phrase = "have any of keys " + strings.Join(rendered, ", ")
	case a.contains:
		phrase = "contain keys " + strings.Join(rendered, ", ")
	}

	obj, ok := a.subject.(*goja.Object)
	if !ok || len(want) == 0 {
		a.fail(phrase)
		return
	}
	actual := map[string]bool{}
	for _, k := range obj.Keys() {
		actual[k] = true
	}

	if a.anyKeys {
		hit := false
		for _, k := range want {
			if actual[k] {
				hit = true
				break
			}
		}
		a.record(hit, phrase)
		return
	}
	all := true
	for _, k := range want {
		if !actual[k] {
			all = false
			break
		}
	}
	if all && !a.contains {
		all = len(actual) == len(uniq(want))
	}
	a.record(all, phrase)
}

func uniq(in []string) map[string]bool {
	m := make(map[string]bool, len(in))
	for _, s := range in {
		m[s] = true
	}
	return m
}

// regexpTest runs re.test(s) through the VM so JS regexp semantics apply.
func (e *Engine) regexpTest(re goja.Value, s string) bool {
	obj, ok := re.(*goja.Object)
	if !ok {
		return false
	}
	test, ok := goja.AssertFunction(obj.Get("test"))
	if !ok {
		return false
	}
	v, ex := e.call(test, obj, e.vm.ToValue(s))
	return ex == nil && v.ToBoolean()
}

func (a *assertion) match(call goja.FunctionCall) {
	re := call.Argument(0)
	if !isRegExp(re) {
		obj, err := a.e.vm.New(a.e.regexpCtor, re)
		if err != nil {
			a.fail("match " + a.e.render(re))
			return
		}
		re = obj
	}
	phrase := "match " + a.e.render(re)
	a.record(a.e.regexpTest(re, a.subject.String()), phrase)
}

func (a *assertion) throws(call goja.FunctionCall) {
	a0, a1 := call.Argument(0), call.Argument(1)
	var ctor *goja.Object
	var instance, pattern goja.Value
	switch {
	case isCallable(a0):
		ctor = a0.(*goja.Object)
		pattern = a1
	case cage.IsErrorObject(a0):
		instance = a0
	case cage.Present(a0):
		pattern = a0
	}

	phrase := "throw an error"
	switch {
	case ctor != nil:
		phrase = "throw " + ctorName(ctor)
	case instance != nil:
		phrase = "throw " + a.e.render(instance)
	}
	if cage.Present(pattern) {
		if isRegExp(pattern) {
			phrase += " matching " + a.e.render(pattern)
		} else {
			phrase += " including " + a.e.render(pattern)
		}
	}

	fn, ok := goja.AssertFunction(a.subject)
	if !ok {
		a.fail(phrase)
		return
	}
	_, ex := a.e.call(fn, goja.Undefined())
	thrown := ex != nil
	if thrown && ctor != nil {
		thrown = a.e.instanceOf(ex.Value(), ctor)
	}
	if thrown && instance != nil {
		thrown = ex.Value().StrictEquals(instance)
	}
	if thrown && cage.Present(pattern) {
		msg := cage.PlainMessage(ex.Value())
		if isRegExp(pattern) {
			thrown = a.e.regexpTest(pattern, msg)
		} else {
			thrown = strings.Contains(msg, pattern.String())
		}
	}
	a.record(thrown, phrase)
}

// instanceOf is `v instanceof ctor`; a TypeError from an invalid right-hand
// side counts as false.
func (e *Engine) instanceOf(v goja.Value, ctor *goja.Object) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			switch r.(type) {
			case *goja.Exception, *goja.Object:
				ok = false
			default:
				panic(r)
			}
		}
	}()
	return e.vm.InstanceOf(v, ctor)
}

func ctorName(ctor *goja.Object) string {
	if n := ctor.Get("name"); cage.Present(n) && n.String() != "" {
		return n.String()
	}
	return "[Function]"
}

func (a *assertion) instanceOf(call goja.FunctionCall) {
	c := call.Argument(0)
	if !isCallable(c) {
		a.fail("be an instance of " + a.e.render(c))
		return
	}
	ctor := c.(*goja.Object)
	phrase := "be an instance of " + ctorName(ctor)
	a.record(a.e.instanceOf(a.subject, ctor), phrase)
}

// lookup resolves name on v honouring the own and nested flags.
func (a *assertion) lookup(v goja.Value, name string) (goja.Value, bool) {
	if !cage.Present(v) {
		return nil, false
	}
	obj := v.ToObject(a.e.vm)
	if !a.nested {
		if a.own && !hasOwn(obj, name) {
			return nil, false
		}
		got := obj.Get(name)
		return got, got != nil
	}
	cur := goja.Value(obj)
	for _, part := range splitPath(name) {
		if !cage.Present(cur) {
			return nil, false
		}
		o := cur.ToObject(a.e.vm)
		next := o.Get(part)
		if next == nil {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// splitPath turns "a.b[1].c" into ["a", "b", "1", "c"].
func splitPath(path string) []string {
	var parts []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
		}
	}
	for _, r := range path {
		switch r {
		case '.', '[', ']':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return parts
}

func (a *assertion) property(call goja.FunctionCall) {
	name := call.Argument(0).String()
	hasVal := len(call.Arguments) > 1
	want := call.Argument(1)

	kind := "property"
	switch {
	case a.nested:
		kind = "nested property"
	case a.own:
		kind = "own property"
	}
	if a.deep && hasVal {
		kind = "deep " + kind
	}
	phrase := "have " + kind + " '" + name + "'"
	if hasVal {
		phrase += " of " + a.e.render(want)
	}

	got, exists := a.lookup(a.subject, name)
	ok := exists && (!hasVal || a.same(got, want))
	a.record(ok, phrase)
	if exists && !a.negate {
		a.subject = got
	}
}

func (a *assertion) ownProperty(call goja.FunctionCall) {
	a.own = true
	a.property(call)
}

func (a *assertion) members(call goja.FunctionCall) {
	set := call.Argument(0)
	phrase := "have the same members as " + a.e.render(set)
	if a.contains {
		phrase = "include members " + a.e.render(set)
	}
	if !isArray(a.subject) || !isArray(set) {
		a.fail(phrase)
		return
	}
	sub := a.e.elements(a.subject.(*goja.Object))
	exp := a.e.elements(set.(*goja.Object))

	contained := func(haystack []goja.Value, needles []goja.Value) bool {
		used := make([]bool, len(haystack))
		for _, n := range needles {
			found := false
			for i, h := range haystack {
				if !used[i] && a.same(h, n) {
					used[i] = true
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}

	if a.contains {
		a.record(contained(sub, exp), phrase)
		return
	}
	a.record(len(sub) == len(exp) && contained(sub, exp), phrase)
}

func (a *assertion) oneOf(call goja.FunctionCall) {
	list := call.Argument(0)
	phrase := "be one of " + a.e.render(list)
	if !isArray(list) {
		a.fail(phrase)
		return
	}
	for _, el := range a.e.elements(list.(*goja.Object)) {
		if a.same(a.subject, el) {
			a.record(true, phrase)
			return
		}
	}
	a.record(false, phrase)
}

func (a *assertion) satisfy(call goja.FunctionCall) {
	m := call.Argument(0)
	phrase := "satisfy " + a.e.render(m)
	fn, ok := goja.AssertFunction(m)
	if !ok {
		a.fail(phrase)
		return
	}
	v, ex := a.e.call(fn, goja.Undefined(), a.subject)
	if ex != nil {
		a.fail(phrase)
		return
	}
	a.record(v.ToBoolean(), phrase)
}

func (a *assertion) respondTo(call goja.FunctionCall) {
	name := call.Argument(0).String()
	phrase := "respond to '" + name + "'"
	target := a.subject
	if isCallable(target) {
		target = target.(*goja.Object).Get("prototype")
	}
	if !cage.Present(target) {
		a.fail(phrase)
		return
	}
	a.record(isCallable(target.ToObject(a.e.vm).Get(name)), phrase)
}
