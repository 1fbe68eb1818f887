package webcrypto

import (
	"io"

	"github.com/dop251/goja"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"scriptcage/internal/cage"
)

func (m *Module) deriveBits(call goja.FunctionCall) (any, error) {
	p, base, err := m.derivationKey(call, "deriveBits")
	if err != nil {
		return nil, err
	}
	lv := call.Argument(2)
	if !cage.Present(lv) {
		return nil, operationError("%s: length is required", p.name)
	}
	bits := int(lv.ToInteger())
	if bits <= 0 || bits%8 != 0 {
		return nil, operationError("%s: length must be a positive multiple of 8", p.name)
	}
	return m.derive(p, base, bits/8)
}

func (m *Module) deriveKey(call goja.FunctionCall) (any, error) {
	p, base, err := m.derivationKey(call, "deriveKey")
	if err != nil {
		return nil, err
	}
	target, err := m.algorithm(call.Argument(2))
	if err != nil {
		return nil, err
	}
	us, err := m.usages(call.Argument(4), target.name)
	if err != nil {
		return nil, err
	}
	if len(us) == 0 {
		return nil, syntaxError("usages must not be empty")
	}

	var bits int
	k := &key{typ: "secret", extractable: call.Argument(3).ToBoolean(), alg: target.name, usages: us}
	switch target.name {
	case algAESGCM, algAESCBC, algAESKW:
		if bits, err = aesLength(target); err != nil {
			return nil, err
		}
	case algHMAC:
		if k.hash, err = target.hash(); err != nil {
			return nil, err
		}
		bits = k.hash.blockBits
		if n, ok := target.int("length"); ok {
			bits = n
		}
		if bits <= 0 || bits%8 != 0 {
			return nil, operationError("HMAC: length must be a positive multiple of 8")
		}
	default:
		return nil, notSupported("cannot derive a %s key", target.name)
	}
	k.length = bits
	if k.secret, err = m.derive(p, base, bits/8); err != nil {
		return nil, err
	}
	return m.keyObject(k), nil
}

func (m *Module) derivationKey(call goja.FunctionCall, usage string) (params, *key, error) {
	p, err := m.algorithm(call.Argument(0))
	if err != nil {
		return p, nil, err
	}
	k, err := m.keyFrom(call.Argument(1))
	if err != nil {
		return p, nil, err
	}
	return p, k, checkKey(k, p.name, usage)
}

func (m *Module) derive(p params, base *key, n int) ([]byte, error) {
	h, err := p.hash()
	if err != nil {
		return nil, err
	}
	salt, err := m.bytesParam(p, "salt")
	if err != nil {
		return nil, err
	}

	switch p.name {
	case algPBKDF2:
		iter, ok := p.int("iterations")
		if !ok || iter <= 0 {
			return nil, operationError("PBKDF2: iterations must be positive")
		}
		return pbkdf2.Key(base.secret, salt, iter, n, h.new), nil
	case algHKDF:
		info, err := m.bytesParam(p, "info")
		if err != nil {
			return nil, err
		}
		out := make([]byte, n)
		if _, err := io.ReadFull(hkdf.New(h.new, base.secret, salt, info), out); err != nil {
			return nil, operationError("HKDF: %v", err)
		}
		return out, nil
	}
	return nil, notSupported("%s cannot derive", p.name)
}
