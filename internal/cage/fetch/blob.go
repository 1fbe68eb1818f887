package fetch

import (
	"strings"

	"github.com/dop251/goja"

	"scriptcage/internal/cage"
)

type blob struct {
	data []byte
	typ  string
}

func (m *Module) blobConstructor(call goja.ConstructorCall) *goja.Object {
	var data []byte
	if parts := call.Argument(0); cage.Present(parts) {
		obj, ok := parts.(*goja.Object)
		if !ok || obj.ClassName() != "Array" {
			m.host.ThrowTypeError("Blob: parts must be an array")
		}
		for _, p := range elements(obj) {
			data = append(data, m.blobPart(p)...)
		}
	}
	typ := ""
	if opts, ok := call.Argument(1).(*goja.Object); ok {
		if t := opts.Get("type"); cage.Present(t) {
			typ = strings.ToLower(t.String())
		}
	}
	m.bindBlob(call.This, &blob{data: data, typ: typ})
	return nil
}

func (m *Module) blobPart(v goja.Value) []byte {
	if cage.TypeOf(v) == "string" {
		return []byte(v.String())
	}
	if obj, ok := v.(*goja.Object); ok {
		if b, ok := m.blobs[obj]; ok {
			return b.data
		}
		if obj.ClassName() != "Array" {
			if b, err := m.host.Bytes(obj); err == nil {
				return b
			}
		}
	}
	return []byte(v.String())
}

func (m *Module) newBlob(data []byte, typ string) *goja.Object {
	obj := m.host.VM.NewObject()
	_ = obj.SetPrototype(m.blobProto)
	m.bindBlob(obj, &blob{data: append([]byte(nil), data...), typ: typ})
	return obj
}

func (m *Module) bindBlob(obj *goja.Object, b *blob) {
	vm := m.host.VM
	h := m.host
	m.blobs[obj] = b

	_ = obj.DefineDataProperty("size", vm.ToValue(len(b.data)), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = obj.DefineDataProperty("type", vm.ToValue(b.typ), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)

	_ = obj.Set("text", func(goja.FunctionCall) goja.Value {
		return h.Resolved(strings.ToValidUTF8(string(b.data), "\uFFFD"))
	})
	_ = obj.Set("arrayBuffer", func(goja.FunctionCall) goja.Value {
		return h.Resolved(h.ArrayBuffer(b.data))
	})
	_ = obj.Set("bytes", func(goja.FunctionCall) goja.Value {
		return h.Resolved(h.Uint8Array(b.data))
	})
	_ = obj.Set("slice", func(call goja.FunctionCall) goja.Value {
		n := int64(len(b.data))
		start := clampIndex(call.Argument(0), 0, n)
		end := clampIndex(call.Argument(1), n, n)
		if end < start {
			end = start
		}
		typ := ""
		if t := call.Argument(2); cage.Present(t) {
			typ = strings.ToLower(t.String())
		}
		return m.newBlob(b.data[start:end], typ)
	})
}

// clampIndex resolves a relative slice index the way Array.prototype.slice does.
func clampIndex(v goja.Value, def, n int64) int64 {
	if !cage.Present(v) {
		return def
	}
	i := v.ToInteger()
	if i < 0 {
		i += n
	}
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}
