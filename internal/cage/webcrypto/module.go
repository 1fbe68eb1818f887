// Package webcrypto is the crypto cage module: crypto.getRandomValues,
// crypto.randomUUID and a crypto.subtle subset. Key material stays on the host
// side; scripts only ever hold opaque CryptoKey handles and plain bytes.
package webcrypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"scriptcage/internal/cage"
)

// MaxRandomBytes is the largest request getRandomValues accepts.
const MaxRandomBytes = 65536

// Module holds the per-run state of the crypto global.
type Module struct {
	host     *cage.Host
	rand     io.Reader
	keys     map[*goja.Object]*key
	keyProto *goja.Object
}

// New returns a module reading entropy from crypto/rand.
func New(host *cage.Host) (*Module, error) {
	if host == nil {
		return nil, errors.New("webcrypto: nil host")
	}
	return &Module{host: host, rand: rand.Reader, keys: map[*goja.Object]*key{}}, nil
}

// Install defines crypto and CryptoKey in the VM.
func (m *Module) Install() error {
	vm := m.host.VM
	ctor := vm.ToValue(func(goja.ConstructorCall) *goja.Object {
		panic(vm.NewTypeError("Illegal constructor"))
	}).ToObject(vm)
	m.keyProto = ctor.Get("prototype").ToObject(vm)
	if err := vm.Set("CryptoKey", ctor); err != nil {
		return fmt.Errorf("install CryptoKey: %w", err)
	}

	subtle := vm.NewObject()
	ops := map[string]func(goja.FunctionCall) (any, error){
		"digest":      m.digest,
		"generateKey": m.subtleGenerateKey,
		"importKey":   m.subtleImportKey,
		"exportKey":   m.subtleExportKey,
		"encrypt":     m.encrypt,
		"decrypt":     m.decrypt,
		"sign":        m.sign,
		"verify":      m.verify,
		"deriveBits":  m.deriveBits,
		"deriveKey":   m.deriveKey,
		"wrapKey":     m.wrapKey,
		"unwrapKey":   m.unwrapKey,
	}
	for name, op := range ops {
		if err := subtle.Set(name, m.promised(op)); err != nil {
			return err
		}
	}

	c := vm.NewObject()
	if err := c.Set("subtle", subtle); err != nil {
		return err
	}
	if err := c.Set("getRandomValues", m.getRandomValues); err != nil {
		return err
	}
	if err := c.Set("randomUUID", func() string { return uuid.NewString() }); err != nil {
		return err
	}
	return vm.Set("crypto", c)
}

func (m *Module) getRandomValues(call goja.FunctionCall) goja.Value {
	h := m.host
	arg := call.Argument(0)
	obj, ok := arg.(*goja.Object)
	if !ok {
		h.ThrowTypeError("getRandomValues: argument must be an integer array")
	}
	n, ok := cage.Length(arg)
	if bl := obj.Get("byteLength"); cage.Present(bl) {
		n, ok = int(bl.ToInteger()), true
	}
	if !ok {
		h.ThrowTypeError("getRandomValues: argument must be an integer array")
	}
	if n > MaxRandomBytes {
		h.Throw("QuotaExceededError",
			"getRandomValues: requested %d bytes exceeds the maximum of %d", n, MaxRandomBytes)
	}
	var readErr error
	if _, err := h.Fill(arg, func(n int) []byte {
		b := make([]byte, n)
		_, readErr = io.ReadFull(m.rand, b)
		return b
	}); err != nil {
		h.ThrowTypeError("getRandomValues: %v", err)
	}
	if readErr != nil {
		h.Throw("OperationError", "getRandomValues: %v", readErr)
	}
	return arg
}

// promised turns a host operation into a promise-returning script function.
// Results settle before the function returns; errors become rejections with
// the DOMException name as the error name.
func (m *Module) promised(op func(goja.FunctionCall) (any, error)) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) (ret goja.Value) {
		defer func() {
			if r := recover(); r != nil {
				switch e := r.(type) {
				case *goja.Exception:
					ret = m.host.Rejected(e.Value())
				case *goja.Object:
					ret = m.host.Rejected(e)
				default:
					panic(r)
				}
			}
		}()
		v, err := op(call)
		if err != nil {
			return m.host.Rejected(m.errorValue(err))
		}
		return m.host.Resolved(m.toJS(v))
	}
}

func (m *Module) errorValue(err error) goja.Value {
	var de *DOMError
	if errors.As(err, &de) {
		if de.Name == "TypeError" {
			return m.host.VM.NewTypeError(de.Message)
		}
		return m.host.NewError(de.Name, de.Message)
	}
	return m.host.NewError("OperationError", err.Error())
}

func (m *Module) toJS(v any) goja.Value {
	vm := m.host.VM
	switch t := v.(type) {
	case nil:
		return goja.Undefined()
	case goja.Value:
		return t
	case []byte:
		return m.host.ArrayBuffer(t)
	case map[string]any:
		obj := vm.NewObject()
		for k, val := range t {
			_ = obj.Set(k, m.toJS(val))
		}
		return obj
	case []any:
		items := make([]any, len(t))
		for i, val := range t {
			items[i] = m.toJS(val)
		}
		return vm.NewArray(items...)
	}
	return vm.ToValue(v)
}

// keyData reads importKey input: a JWK object for "jwk", bytes otherwise.
func (m *Module) keyData(format string, v goja.Value) (any, error) {
	if format == "jwk" {
		obj, ok := v.(*goja.Object)
		if !ok {
			return nil, typeError("jwk key data must be an object")
		}
		jwk, ok := obj.Export().(map[string]any)
		if !ok {
			return nil, typeError("jwk key data must be an object")
		}
		return jwk, nil
	}
	b, err := m.host.Bytes(v)
	if err != nil {
		return nil, typeError("key data: %v", err)
	}
	return b, nil
}

func (m *Module) subtleGenerateKey(call goja.FunctionCall) (any, error) {
	return m.generateKey(call.Argument(0), call.Argument(1).ToBoolean(), call.Argument(2))
}

func (m *Module) subtleImportKey(call goja.FunctionCall) (any, error) {
	format := call.Argument(0).String()
	p, err := m.algorithm(call.Argument(2))
	if err != nil {
		return nil, err
	}
	us, err := m.usages(call.Argument(4), p.name)
	if err != nil {
		return nil, err
	}
	data, err := m.keyData(format, call.Argument(1))
	if err != nil {
		return nil, err
	}
	k, err := m.importKey(format, data, p, call.Argument(3).ToBoolean(), us)
	if err != nil {
		return nil, err
	}
	if k.typ != "public" && len(k.usages) == 0 {
		return nil, syntaxError("usages must not be empty")
	}
	return m.keyObject(k), nil
}

func (m *Module) subtleExportKey(call goja.FunctionCall) (any, error) {
	k, err := m.keyFrom(call.Argument(1))
	if err != nil {
		return nil, err
	}
	if !k.extractable {
		return nil, invalidAccess("key is not extractable")
	}
	return exportData(call.Argument(0).String(), k)
}

func (m *Module) digest(call goja.FunctionCall) (any, error) {
	h, err := lookupHash(call.Argument(0))
	if err != nil {
		return nil, err
	}
	data, err := m.host.Bytes(call.Argument(1))
	if err != nil {
		return nil, typeError("digest: %v", err)
	}
	d := h.new()
	d.Write(data)
	return d.Sum(nil), nil
}
