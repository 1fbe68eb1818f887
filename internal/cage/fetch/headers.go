package fetch

import (
	"sort"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"scriptcage/internal/cage"
)

const setCookie = "set-cookie"

// HeaderList stores headers under lower-cased names. Repeated values are
// comma-joined except set-cookie, whose values are kept apart.
type HeaderList struct {
	values  map[string]string
	cookies []string
}

func NewHeaderList() *HeaderList {
	return &HeaderList{values: map[string]string{}}
}

func normalizeValue(v string) string {
	return strings.Trim(v, " \t\r\n")
}

// validName accepts RFC 7230 token characters.
func validName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c <= ' ' || c >= 0x7f || strings.IndexByte(`"(),/:;<=>?@[\]{}`, c) >= 0 {
			return false
		}
	}
	return true
}

func (l *HeaderList) Append(name, value string) {
	name, value = strings.ToLower(name), normalizeValue(value)
	if name == setCookie {
		l.cookies = append(l.cookies, value)
		return
	}
	if cur, ok := l.values[name]; ok {
		l.values[name] = cur + ", " + value
		return
	}
	l.values[name] = value
}

func (l *HeaderList) Set(name, value string) {
	name, value = strings.ToLower(name), normalizeValue(value)
	if name == setCookie {
		l.cookies = []string{value}
		return
	}
	l.values[name] = value
}

func (l *HeaderList) Get(name string) (string, bool) {
	name = strings.ToLower(name)
	if name == setCookie {
		if len(l.cookies) == 0 {
			return "", false
		}
		return strings.Join(l.cookies, ", "), true
	}
	v, ok := l.values[name]
	return v, ok
}

func (l *HeaderList) Has(name string) bool {
	_, ok := l.Get(name)
	return ok
}

func (l *HeaderList) Delete(name string) {
	name = strings.ToLower(name)
	if name == setCookie {
		l.cookies = nil
		return
	}
	delete(l.values, name)
}

// SetCookies returns every set-cookie value separately.
func (l *HeaderList) SetCookies() []string {
	return append([]string(nil), l.cookies...)
}

// Entries lists name/value pairs sorted by name, one pair per set-cookie.
func (l *HeaderList) Entries() [][2]string {
	names := make([]string, 0, len(l.values)+1)
	for k := range l.values {
		names = append(names, k)
	}
	if len(l.cookies) > 0 {
		names = append(names, setCookie)
	}
	sort.Strings(names)

	out := make([][2]string, 0, len(names)+len(l.cookies))
	for _, n := range names {
		if n == setCookie {
			for _, c := range l.cookies {
				out = append(out, [2]string{n, c})
			}
			continue
		}
		out = append(out, [2]string{n, l.values[n]})
	}
	return out
}

// Map flattens the list into the plain object shape handed to hooks.
func (l *HeaderList) Map() map[string]string {
	m := make(map[string]string, len(l.values)+1)
	for k, v := range l.values {
		m[k] = v
	}
	if len(l.cookies) > 0 {
		m[setCookie] = strings.Join(l.cookies, ", ")
	}
	return m
}

func (l *HeaderList) Len() int {
	n := len(l.values)
	if len(l.cookies) > 0 {
		n++
	}
	return n
}

func (l *HeaderList) Clone() *HeaderList {
	c := NewHeaderList()
	for k, v := range l.values {
		c.values[k] = v
	}
	c.cookies = l.SetCookies()
	return c
}

// headersFromInit reads a HeadersInit: a Headers instance, an array of
// [name, value] pairs or a plain record.
func (m *Module) headersFromInit(v goja.Value) *HeaderList {
	l := NewHeaderList()
	if !cage.Present(v) {
		return l
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		m.host.ThrowTypeError("Headers: init must be an object")
	}
	if other, ok := m.headers[obj]; ok {
		return other.Clone()
	}
	if obj.ClassName() == "Array" {
		n, _ := cage.Length(obj)
		for i := 0; i < n; i++ {
			pair, ok := obj.Get(strconv.Itoa(i)).(*goja.Object)
			if !ok {
				m.host.ThrowTypeError("Headers: init pair must be an array")
			}
			if pl, _ := cage.Length(pair); pl != 2 {
				m.host.ThrowTypeError("Headers: init pair must contain exactly two items")
			}
			m.appendChecked(l, pair.Get("0").String(), pair.Get("1").String())
		}
		return l
	}
	for _, k := range obj.Keys() {
		m.appendChecked(l, k, obj.Get(k).String())
	}
	return l
}

func (m *Module) appendChecked(l *HeaderList, name, value string) {
	if !validName(name) {
		m.host.ThrowTypeError("Headers: invalid header name %q", name)
	}
	l.Append(name, value)
}

func (m *Module) headersConstructor(call goja.ConstructorCall) *goja.Object {
	m.bindHeaders(call.This, m.headersFromInit(call.Argument(0)))
	return nil
}

// newHeaders wraps l in a Headers instance without copying it.
func (m *Module) newHeaders(l *HeaderList) *goja.Object {
	obj := m.host.VM.NewObject()
	_ = obj.SetPrototype(m.headersProto)
	m.bindHeaders(obj, l)
	return obj
}

func (m *Module) bindHeaders(obj *goja.Object, l *HeaderList) {
	vm := m.host.VM
	m.headers[obj] = l

	name := func(call goja.FunctionCall) string {
		n := call.Argument(0).String()
		if !validName(n) {
			m.host.ThrowTypeError("Headers: invalid header name %q", n)
		}
		return n
	}
	methods := map[string]func(goja.FunctionCall) goja.Value{
		"append": func(call goja.FunctionCall) goja.Value {
			l.Append(name(call), call.Argument(1).String())
			return goja.Undefined()
		},
		"set": func(call goja.FunctionCall) goja.Value {
			l.Set(name(call), call.Argument(1).String())
			return goja.Undefined()
		},
		"get": func(call goja.FunctionCall) goja.Value {
			if v, ok := l.Get(name(call)); ok {
				return vm.ToValue(v)
			}
			return goja.Null()
		},
		"has": func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(l.Has(name(call)))
		},
		"delete": func(call goja.FunctionCall) goja.Value {
			l.Delete(name(call))
			return goja.Undefined()
		},
		"getSetCookie": func(goja.FunctionCall) goja.Value {
			items := make([]any, 0, len(l.cookies))
			for _, c := range l.cookies {
				items = append(items, c)
			}
			return vm.NewArray(items...)
		},
		"forEach": func(call goja.FunctionCall) goja.Value {
			fn, ok := goja.AssertFunction(call.Argument(0))
			if !ok {
				m.host.ThrowTypeError("Headers.forEach: callback is not a function")
			}
			for _, e := range l.Entries() {
				if _, err := fn(call.Argument(1), vm.ToValue(e[1]), vm.ToValue(e[0]), obj); err != nil {
					panic(err)
				}
			}
			return goja.Undefined()
		},
		"entries": func(goja.FunctionCall) goja.Value {
			return m.iterate(pairs(vm, l.Entries()))
		},
		"keys": func(goja.FunctionCall) goja.Value {
			es := l.Entries()
			items := make([]any, len(es))
			for i, e := range es {
				items[i] = e[0]
			}
			return m.iterate(items)
		},
		"values": func(goja.FunctionCall) goja.Value {
			es := l.Entries()
			items := make([]any, len(es))
			for i, e := range es {
				items[i] = e[1]
			}
			return m.iterate(items)
		},
	}
	for n, fn := range methods {
		_ = obj.Set(n, fn)
	}
	_ = obj.SetSymbol(goja.SymIterator, methods["entries"])
}

func pairs(vm *goja.Runtime, es [][2]string) []any {
	items := make([]any, len(es))
	for i, e := range es {
		items[i] = vm.NewArray(e[0], e[1])
	}
	return items
}

// iterate returns an Array iterator over items.
func (m *Module) iterate(items []any) goja.Value {
	arr := m.host.VM.NewArray(items...)
	it, err := m.arrayValues(arr)
	if err != nil {
		panic(err)
	}
	return it
}
