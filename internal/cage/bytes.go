package cage

import (
	"errors"
	"strconv"

	"github.com/dop251/goja"
)

var ErrNotBufferSource = errors.New("value is not a BufferSource, array or string")

// Bytes copies the contents of an ArrayBuffer, any typed array or DataView, a
// plain array of numbers or a string (UTF-8) out of the VM.
func (h *Host) Bytes(v goja.Value) ([]byte, error) {
	if !Present(v) {
		return nil, ErrNotBufferSource
	}
	switch t := v.Export().(type) {
	case goja.ArrayBuffer:
		return append([]byte(nil), t.Bytes()...), nil
	case string:
		return []byte(t), nil
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, ErrNotBufferSource
	}
	if ab, off, n, ok := bufferView(obj); ok {
		raw := ab.Bytes()
		if off < 0 || n < 0 || off+n > len(raw) {
			return nil, ErrNotBufferSource
		}
		return append([]byte(nil), raw[off:off+n]...), nil
	}
	if isArray(obj) {
		n := int(obj.Get("length").ToInteger())
		out := make([]byte, n)
		for i := 0; i < n; i++ {
			out[i] = byte(obj.Get(strconv.Itoa(i)).ToInteger())
		}
		return out, nil
	}
	return nil, ErrNotBufferSource
}

// MustBytes is Bytes for use inside Go functions called by script code; it
// throws a TypeError instead of returning an error.
func (h *Host) MustBytes(v goja.Value, what string) []byte {
	b, err := h.Bytes(v)
	if err != nil {
		h.ThrowTypeError("%s: %v", what, err)
	}
	return b
}

// bufferView recognises typed arrays and DataViews by their backing buffer.
func bufferView(obj *goja.Object) (goja.ArrayBuffer, int, int, bool) {
	buf := obj.Get("buffer")
	if buf == nil {
		return goja.ArrayBuffer{}, 0, 0, false
	}
	ab, ok := buf.Export().(goja.ArrayBuffer)
	if !ok {
		return goja.ArrayBuffer{}, 0, 0, false
	}
	off := int(obj.Get("byteOffset").ToInteger())
	n := int(obj.Get("byteLength").ToInteger())
	return ab, off, n, true
}

func isArray(obj *goja.Object) bool {
	return obj.ClassName() == "Array"
}

// ArrayBuffer wraps b in a fresh ArrayBuffer.
func (h *Host) ArrayBuffer(b []byte) goja.Value {
	return h.VM.ToValue(h.VM.NewArrayBuffer(append([]byte(nil), b...)))
}

// Uint8Array wraps b in a fresh Uint8Array.
func (h *Host) Uint8Array(b []byte) goja.Value {
	obj, err := h.VM.New(h.uint8ArrayCtor, h.ArrayBuffer(b))
	if err != nil {
		panic(err)
	}
	return obj
}

// NumberArray returns b as a plain array of numbers, the canonical byte shape
// at the VM boundary.
func (h *Host) NumberArray(b []byte) goja.Value {
	items := make([]any, len(b))
	for i, c := range b {
		items[i] = int64(c)
	}
	return h.VM.NewArray(items...)
}

// Fill overwrites the elements of a typed array or plain array in place with
// bytes from src. It returns the element count.
func (h *Host) Fill(v goja.Value, src func(n int) []byte) (int, error) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return 0, ErrNotBufferSource
	}
	if ab, off, n, ok := bufferView(obj); ok {
		raw := ab.Bytes()
		if off < 0 || n < 0 || off+n > len(raw) {
			return 0, ErrNotBufferSource
		}
		copy(raw[off:off+n], src(n))
		return int(obj.Get("length").ToInteger()), nil
	}
	if isArray(obj) {
		n := int(obj.Get("length").ToInteger())
		data := src(n)
		for i := 0; i < n; i++ {
			if err := obj.Set(strconv.Itoa(i), int64(data[i])); err != nil {
				return 0, err
			}
		}
		return n, nil
	}
	return 0, ErrNotBufferSource
}

// Length returns the element count of an array-like value.
func Length(v goja.Value) (int, bool) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return 0, false
	}
	l := obj.Get("length")
	if l == nil || goja.IsUndefined(l) {
		return 0, false
	}
	return int(l.ToInteger()), true
}
