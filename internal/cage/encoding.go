package cage

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"

	"github.com/dop251/goja"
)

// InstallEncoding exposes TextEncoder, TextDecoder, btoa and atob.
func (h *Host) InstallEncoding() error {
	vm := h.VM

	if err := vm.Set("TextEncoder", func(call goja.ConstructorCall) *goja.Object {
		this := call.This
		_ = this.Set("encoding", "utf-8")
		_ = this.Set("encode", func(c goja.FunctionCall) goja.Value {
			s := ""
			if Present(c.Argument(0)) {
				s = c.Argument(0).String()
			}
			return h.Uint8Array([]byte(s))
		})
		return nil
	}); err != nil {
		return err
	}

	if err := vm.Set("TextDecoder", func(call goja.ConstructorCall) *goja.Object {
		label := "utf-8"
		if Present(call.Argument(0)) {
			label = strings.ToLower(call.Argument(0).String())
		}
		if label != "utf-8" && label != "utf8" {
			panic(h.NewError("RangeError", "The encoding label provided ('"+label+"') is invalid."))
		}
		this := call.This
		_ = this.Set("encoding", "utf-8")
		_ = this.Set("decode", func(c goja.FunctionCall) goja.Value {
			if !Present(c.Argument(0)) {
				return vm.ToValue("")
			}
			b := h.MustBytes(c.Argument(0), "TextDecoder.decode")
			return vm.ToValue(decodeUTF8(b))
		})
		return nil
	}); err != nil {
		return err
	}

	if err := vm.Set("btoa", func(call goja.FunctionCall) goja.Value {
		s := call.Argument(0).String()
		raw := make([]byte, 0, len(s))
		for _, r := range s {
			if r > 0xFF {
				h.Throw("InvalidCharacterError", "The string to be encoded contains characters outside of the Latin1 range.")
			}
			raw = append(raw, byte(r))
		}
		return vm.ToValue(base64.StdEncoding.EncodeToString(raw))
	}); err != nil {
		return err
	}

	return vm.Set("atob", func(call goja.FunctionCall) goja.Value {
		s := strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\t', '\n', '\f', '\r':
				return -1
			}
			return r
		}, call.Argument(0).String())
		enc := base64.StdEncoding
		if len(s)%4 != 0 {
			enc = base64.RawStdEncoding
			s = strings.TrimRight(s, "=")
		}
		raw, err := enc.DecodeString(s)
		if err != nil {
			h.Throw("InvalidCharacterError", "The string to be decoded is not correctly encoded.")
		}
		return vm.ToValue(latin1(raw))
	})
}

func latin1(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}

// decodeUTF8 replaces invalid sequences with U+FFFD and drops a leading BOM.
func decodeUTF8(b []byte) string {
	b = []byte(strings.TrimPrefix(string(b), "\uFEFF"))
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
