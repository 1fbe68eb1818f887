package fetch

import (
	"bytes"
	"strings"

	"github.com/dop251/goja"
	"github.com/gabriel-vasile/mimetype"

	"scriptcage/internal/cage"
)

const (
	textPlain      = "text/plain;charset=UTF-8"
	jsonType       = "application/json"
	urlencodedType = "application/x-www-form-urlencoded"
)

// body is a materialised, single-use message body.
type body struct {
	data []byte
	used bool
}

func (b *body) clone() *body {
	return &body{data: append([]byte(nil), b.data...)}
}

// extractBody converts a BodyInit into bytes and the content type it implies.
// The canonical wire shape {_bodyBytes: number[]} is accepted as well.
func (m *Module) extractBody(v goja.Value) ([]byte, string) {
	if !cage.Present(v) {
		return nil, ""
	}
	if cage.TypeOf(v) == "string" {
		return []byte(v.String()), textPlain
	}
	if obj, ok := v.(*goja.Object); ok {
		if b, ok := m.blobs[obj]; ok {
			return append([]byte(nil), b.data...), b.typ
		}
		if f, ok := m.forms[obj]; ok {
			data, ct, err := f.Encode()
			if err != nil {
				m.host.ThrowTypeError("FormData: %v", err)
			}
			return data, ct
		}
		if raw := obj.Get("_bodyBytes"); cage.Present(raw) {
			return m.host.MustBytes(raw, "_bodyBytes"), ""
		}
		if b, err := m.host.Bytes(obj); err == nil {
			return b, ""
		}
	}
	return []byte(v.String()), textPlain
}

// text decodes the body as UTF-8, cut at the first NUL byte.
func text(data []byte) string {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return strings.ToValidUTF8(string(data), "\uFFFD")
}

// bindBody installs the body-reading methods shared by Request and Response.
// Every reader consumes the body, successful or not.
func (m *Module) bindBody(obj *goja.Object, b func() *body, contentType func() string) {
	vm := m.host.VM
	h := m.host

	_ = obj.DefineAccessorProperty("bodyUsed", vm.ToValue(func(goja.FunctionCall) goja.Value {
		return vm.ToValue(b().used)
	}), nil, goja.FLAG_TRUE, goja.FLAG_TRUE)

	consume := func(read func(data []byte) goja.Value) func(goja.FunctionCall) goja.Value {
		return func(goja.FunctionCall) (ret goja.Value) {
			cur := b()
			if cur.used {
				return h.Rejected(vm.NewTypeError("body already consumed"))
			}
			cur.used = true
			defer func() {
				if r := recover(); r != nil {
					v, ok := thrown(r)
					if !ok {
						panic(r)
					}
					ret = h.Rejected(v)
				}
			}()
			return h.Resolved(read(cur.data))
		}
	}

	readers := map[string]func([]byte) goja.Value{
		"text": func(data []byte) goja.Value {
			return vm.ToValue(text(data))
		},
		"json": func(data []byte) goja.Value {
			v, err := m.jsonParse(goja.Undefined(), vm.ToValue(text(data)))
			if err != nil {
				panic(err)
			}
			return v
		},
		"arrayBuffer": func(data []byte) goja.Value {
			return h.ArrayBuffer(data)
		},
		"bytes": func(data []byte) goja.Value {
			return h.Uint8Array(data)
		},
		"blob": func(data []byte) goja.Value {
			return m.newBlob(data, blobType(contentType(), data))
		},
		"formData": func(data []byte) goja.Value {
			f, err := parseForm(contentType(), data)
			if err != nil {
				h.ThrowTypeError("Could not parse content as FormData: %v", err)
			}
			return m.newFormData(f)
		},
	}
	for name, read := range readers {
		_ = obj.Set(name, consume(read))
	}
}

// blobType prefers the declared content type and sniffs the bytes otherwise.
func blobType(declared string, data []byte) string {
	if declared != "" {
		return strings.ToLower(declared)
	}
	if len(data) == 0 {
		return ""
	}
	return mimetype.Detect(data).String()
}

// thrown extracts the script value from a recovered panic raised by a Go
// function on behalf of script code.
func thrown(r any) (goja.Value, bool) {
	switch x := r.(type) {
	case *goja.Exception:
		return x.Value(), true
	case *goja.Object:
		return x, true
	}
	return nil, false
}
