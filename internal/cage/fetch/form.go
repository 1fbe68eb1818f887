package fetch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/dop251/goja"

	"scriptcage/internal/cage"
)

var ErrUnsupportedForm = errors.New("content type is neither urlencoded nor multipart")

type formEntry struct {
	name     string
	value    string
	file     *blob
	filename string
	obj      *goja.Object
}

// Form is an ordered multipart/urlencoded field list.
type Form struct {
	entries []formEntry
}

// AddField appends a text field.
func (f *Form) AddField(name, value string) {
	f.entries = append(f.entries, formEntry{name: name, value: value})
}

// AddFile appends a file field.
func (f *Form) AddFile(name, filename, contentType string, data []byte) {
	f.entries = append(f.entries, formEntry{
		name:     name,
		file:     &blob{data: data, typ: contentType},
		filename: filename,
	})
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// Encode renders the form as multipart/form-data.
func (f *Form) Encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, e := range f.entries {
		if e.file == nil {
			if err := w.WriteField(e.name, e.value); err != nil {
				return nil, "", err
			}
			continue
		}
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			quoteEscaper.Replace(e.name), quoteEscaper.Replace(e.filename)))
		ct := e.file.typ
		if ct == "" {
			ct = "application/octet-stream"
		}
		hdr.Set("Content-Type", ct)
		part, err := w.CreatePart(hdr)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(e.file.data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// URLEncode renders the text fields as application/x-www-form-urlencoded,
// keeping their order.
func (f *Form) URLEncode() string {
	parts := make([]string, 0, len(f.entries))
	for _, e := range f.entries {
		parts = append(parts, url.QueryEscape(e.name)+"="+url.QueryEscape(e.value))
	}
	return strings.Join(parts, "&")
}

// parseForm decodes an urlencoded or multipart body.
func parseForm(contentType string, data []byte) (*Form, error) {
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedForm, contentType)
	}
	f := &Form{}
	switch mt {
	case urlencodedType:
		for _, pair := range strings.Split(string(data), "&") {
			if pair == "" {
				continue
			}
			k, v, _ := strings.Cut(pair, "=")
			name, err := url.QueryUnescape(k)
			if err != nil {
				return nil, err
			}
			value, err := url.QueryUnescape(v)
			if err != nil {
				return nil, err
			}
			f.AddField(name, value)
		}
	case "multipart/form-data":
		r := multipart.NewReader(bytes.NewReader(data), params["boundary"])
		for {
			p, err := r.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, err
			}
			content, err := io.ReadAll(p)
			if err != nil {
				return nil, err
			}
			if p.FileName() != "" {
				f.AddFile(p.FormName(), p.FileName(), p.Header.Get("Content-Type"), content)
			} else {
				f.AddField(p.FormName(), string(content))
			}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedForm, mt)
	}
	return f, nil
}

func (m *Module) formDataConstructor(call goja.ConstructorCall) *goja.Object {
	if cage.Present(call.Argument(0)) {
		m.host.ThrowTypeError("FormData: form elements are not supported")
	}
	m.bindFormData(call.This, &Form{})
	return nil
}

func (m *Module) newFormData(f *Form) *goja.Object {
	obj := m.host.VM.NewObject()
	_ = obj.SetPrototype(m.formDataProto)
	m.bindFormData(obj, f)
	return obj
}

func (m *Module) entryValue(e *formEntry) goja.Value {
	if e.file == nil {
		return m.host.VM.ToValue(e.value)
	}
	if e.obj == nil {
		e.obj = m.newBlob(e.file.data, e.file.typ)
		_ = e.obj.Set("name", e.filename)
	}
	return e.obj
}

// entryFromArgs builds an entry from FormData.append/set arguments.
func (m *Module) entryFromArgs(call goja.FunctionCall) formEntry {
	name := call.Argument(0).String()
	v := call.Argument(1)
	if obj, ok := v.(*goja.Object); ok {
		if b, ok := m.blobs[obj]; ok {
			filename := "blob"
			if fn := call.Argument(2); cage.Present(fn) {
				filename = fn.String()
			} else if n := obj.Get("name"); cage.Present(n) {
				filename = n.String()
			}
			return formEntry{name: name, file: b, filename: filename, obj: obj}
		}
	}
	return formEntry{name: name, value: v.String()}
}

func (m *Module) bindFormData(obj *goja.Object, f *Form) {
	vm := m.host.VM
	m.forms[obj] = f

	methods := map[string]func(goja.FunctionCall) goja.Value{
		"append": func(call goja.FunctionCall) goja.Value {
			f.entries = append(f.entries, m.entryFromArgs(call))
			return goja.Undefined()
		},
		"set": func(call goja.FunctionCall) goja.Value {
			e := m.entryFromArgs(call)
			kept := f.entries[:0]
			placed := false
			for _, cur := range f.entries {
				if cur.name != e.name {
					kept = append(kept, cur)
				} else if !placed {
					kept = append(kept, e)
					placed = true
				}
			}
			if !placed {
				kept = append(kept, e)
			}
			f.entries = kept
			return goja.Undefined()
		},
		"delete": func(call goja.FunctionCall) goja.Value {
			name := call.Argument(0).String()
			kept := f.entries[:0]
			for _, cur := range f.entries {
				if cur.name != name {
					kept = append(kept, cur)
				}
			}
			f.entries = kept
			return goja.Undefined()
		},
		"get": func(call goja.FunctionCall) goja.Value {
			name := call.Argument(0).String()
			for i := range f.entries {
				if f.entries[i].name == name {
					return m.entryValue(&f.entries[i])
				}
			}
			return goja.Null()
		},
		"getAll": func(call goja.FunctionCall) goja.Value {
			name := call.Argument(0).String()
			var items []any
			for i := range f.entries {
				if f.entries[i].name == name {
					items = append(items, m.entryValue(&f.entries[i]))
				}
			}
			return vm.NewArray(items...)
		},
		"has": func(call goja.FunctionCall) goja.Value {
			name := call.Argument(0).String()
			for _, e := range f.entries {
				if e.name == name {
					return vm.ToValue(true)
				}
			}
			return vm.ToValue(false)
		},
		"forEach": func(call goja.FunctionCall) goja.Value {
			fn, ok := goja.AssertFunction(call.Argument(0))
			if !ok {
				m.host.ThrowTypeError("FormData.forEach: callback is not a function")
			}
			for i := range f.entries {
				e := &f.entries[i]
				if _, err := fn(call.Argument(1), m.entryValue(e), vm.ToValue(e.name), obj); err != nil {
					panic(err)
				}
			}
			return goja.Undefined()
		},
		"entries": func(goja.FunctionCall) goja.Value {
			items := make([]any, len(f.entries))
			for i := range f.entries {
				items[i] = vm.NewArray(f.entries[i].name, m.entryValue(&f.entries[i]))
			}
			return m.iterate(items)
		},
		"keys": func(goja.FunctionCall) goja.Value {
			items := make([]any, len(f.entries))
			for i, e := range f.entries {
				items[i] = e.name
			}
			return m.iterate(items)
		},
		"values": func(goja.FunctionCall) goja.Value {
			items := make([]any, len(f.entries))
			for i := range f.entries {
				items[i] = m.entryValue(&f.entries[i])
			}
			return m.iterate(items)
		},
	}
	for n, fn := range methods {
		_ = obj.Set(n, fn)
	}
	_ = obj.SetSymbol(goja.SymIterator, methods["entries"])
}
