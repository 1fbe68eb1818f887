package webcrypto

import (
	"bytes"
	"encoding/json"

	"github.com/dop251/goja"
)

func (m *Module) wrapKey(call goja.FunctionCall) (any, error) {
	format := call.Argument(0).String()
	k, err := m.keyFrom(call.Argument(1))
	if err != nil {
		return nil, err
	}
	p, err := m.algorithm(call.Argument(3))
	if err != nil {
		return nil, err
	}
	kek, err := m.keyFrom(call.Argument(2))
	if err != nil {
		return nil, err
	}
	if err := checkKey(kek, p.name, "wrapKey"); err != nil {
		return nil, err
	}
	if !k.extractable {
		return nil, invalidAccess("key is not extractable")
	}

	exported, err := exportData(format, k)
	if err != nil {
		return nil, err
	}
	var plain []byte
	switch t := exported.(type) {
	case []byte:
		plain = t
	case map[string]any:
		if plain, err = json.Marshal(t); err != nil {
			return nil, operationError("wrapKey: %v", err)
		}
	}

	if p.name == algAESKW {
		if format == "jwk" && len(plain)%8 != 0 {
			plain = append(plain, bytes.Repeat([]byte(" "), 8-len(plain)%8)...)
		}
		return kwWrap(kek.secret, plain)
	}
	return m.crypt(p, kek, plain, true)
}

func (m *Module) unwrapKey(call goja.FunctionCall) (any, error) {
	format := call.Argument(0).String()
	wrapped, err := m.host.Bytes(call.Argument(1))
	if err != nil {
		return nil, typeError("unwrapKey: wrapped key: %v", err)
	}
	kek, err := m.keyFrom(call.Argument(2))
	if err != nil {
		return nil, err
	}
	p, err := m.algorithm(call.Argument(3))
	if err != nil {
		return nil, err
	}
	if err := checkKey(kek, p.name, "unwrapKey"); err != nil {
		return nil, err
	}
	target, err := m.algorithm(call.Argument(4))
	if err != nil {
		return nil, err
	}
	us, err := m.usages(call.Argument(6), target.name)
	if err != nil {
		return nil, err
	}

	var plain []byte
	if p.name == algAESKW {
		plain, err = kwUnwrap(kek.secret, wrapped)
	} else {
		plain, err = m.crypt(p, kek, wrapped, false)
	}
	if err != nil {
		return nil, err
	}

	var data any = plain
	if format == "jwk" {
		var jwk map[string]any
		if err := json.Unmarshal(plain, &jwk); err != nil {
			return nil, dataError("unwrapped jwk is not valid JSON")
		}
		data = jwk
	}
	k, err := m.importKey(format, data, target, call.Argument(5).ToBoolean(), us)
	if err != nil {
		return nil, err
	}
	if k.typ != "public" && len(k.usages) == 0 {
		return nil, syntaxError("usages must not be empty")
	}
	return m.keyObject(k), nil
}
