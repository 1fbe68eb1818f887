package webcrypto

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"math/big"

	"github.com/dop251/goja"
)

func (m *Module) sign(call goja.FunctionCall) (any, error) {
	p, k, err := m.signingKey(call, "sign")
	if err != nil {
		return nil, err
	}
	data, err := m.host.Bytes(call.Argument(2))
	if err != nil {
		return nil, typeError("sign: data: %v", err)
	}

	switch p.name {
	case algHMAC:
		return hmacSum(k, data), nil
	case algECDSA:
		h, err := p.hash()
		if err != nil {
			return nil, err
		}
		d := h.new()
		d.Write(data)
		r, s, err := ecdsa.Sign(m.rand, k.priv, d.Sum(nil))
		if err != nil {
			return nil, operationError("ECDSA: %v", err)
		}
		// IEEE P1363: fixed-width r || s.
		size := curves[k.curve].size
		out := make([]byte, 2*size)
		r.FillBytes(out[:size])
		s.FillBytes(out[size:])
		return out, nil
	}
	return nil, notSupported("%s cannot sign", p.name)
}

func (m *Module) verify(call goja.FunctionCall) (any, error) {
	p, k, err := m.signingKey(call, "verify")
	if err != nil {
		return nil, err
	}
	sig, err := m.host.Bytes(call.Argument(2))
	if err != nil {
		return nil, typeError("verify: signature: %v", err)
	}
	data, err := m.host.Bytes(call.Argument(3))
	if err != nil {
		return nil, typeError("verify: data: %v", err)
	}

	switch p.name {
	case algHMAC:
		return hmac.Equal(hmacSum(k, data), sig), nil
	case algECDSA:
		h, err := p.hash()
		if err != nil {
			return nil, err
		}
		size := curves[k.curve].size
		if len(sig) != 2*size {
			return false, nil
		}
		d := h.new()
		d.Write(data)
		r := new(big.Int).SetBytes(sig[:size])
		s := new(big.Int).SetBytes(sig[size:])
		return ecdsa.Verify(k.pub, d.Sum(nil), r, s), nil
	}
	return nil, notSupported("%s cannot verify", p.name)
}

func (m *Module) signingKey(call goja.FunctionCall, usage string) (params, *key, error) {
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

func hmacSum(k *key, data []byte) []byte {
	mac := hmac.New(k.hash.new, k.secret)
	mac.Write(data)
	return mac.Sum(nil)
}
