package expect

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"scriptcage/internal/cage"
)

var jestTypes = map[string]bool{
	"string": true, "boolean": true, "number": true, "object": true,
	"undefined": true, "bigint": true, "symbol": true, "function": true,
}

func (a *assertion) jestToBe(call goja.FunctionCall) {
	exp := call.Argument(0)
	a.record(a.subject.StrictEquals(exp), "be "+a.e.render(exp))
}

// jestLevel checks that the subject, parsed as an integer, lies in
// [level*100, level*100+100).
func (a *assertion) jestLevel(level int) func(goja.FunctionCall) {
	return func(goja.FunctionCall) {
		phrase := fmt.Sprintf("be %d00-level status", level)
		code, ok := statusCode(a.subject)
		if !ok {
			a.fail(phrase + " (could not parse " + a.e.render(a.subject) + ")")
			return
		}
		a.record(code >= level*100 && code < level*100+100, phrase)
	}
}

func statusCode(v goja.Value) (int, bool) {
	switch cage.TypeOf(v) {
	case "number":
		f := v.ToFloat()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return int(f), true
	case "string":
		s := strings.TrimSpace(v.String())
		end := 0
		for end < len(s) && s[end] >= '0' && s[end] <= '9' {
			end++
		}
		n, err := strconv.Atoi(s[:end])
		return n, err == nil
	}
	return 0, false
}

func (a *assertion) jestToBeType(call goja.FunctionCall) {
	want := call.Argument(0).String()
	phrase := "be type '" + want + "'"
	if !jestTypes[want] {
		a.fail(phrase + " (unknown type)")
		return
	}
	a.record(cage.TypeOf(a.subject) == want, phrase)
}

func (a *assertion) jestToHaveLength(call goja.FunctionCall) {
	n := call.Argument(0)
	phrase := "have length " + a.e.render(n)
	if !isNumber(n) {
		a.fail(phrase)
		return
	}
	size, ok := a.sizeOf(a.subject)
	if !ok || !(isString(a.subject) || isArray(a.subject)) {
		a.fail(phrase)
		return
	}
	a.record(float64(size) == n.ToFloat(), phrase)
}

func (a *assertion) jestToInclude(call goja.FunctionCall) {
	val := call.Argument(0)
	phrase := "include " + a.e.render(val)
	switch {
	case !cage.Present(val):
		a.fail(phrase)
	case isString(a.subject):
		a.record(strings.Contains(a.subject.String(), val.String()), phrase)
	case isArray(a.subject):
		found := false
		for _, el := range a.e.elements(a.subject.(*goja.Object)) {
			if el.StrictEquals(val) {
				found = true
				break
			}
		}
		a.record(found, phrase)
	default:
		a.fail(phrase)
	}
}
