package webcrypto

import (
	"crypto/ecdsa"
	"slices"

	"github.com/dop251/goja"
)

var allowedUsages = map[string][]string{
	algHMAC:   {"sign", "verify"},
	algAESGCM: {"encrypt", "decrypt", "wrapKey", "unwrapKey"},
	algAESCBC: {"encrypt", "decrypt", "wrapKey", "unwrapKey"},
	algAESKW:  {"wrapKey", "unwrapKey"},
	algPBKDF2: {"deriveBits", "deriveKey"},
	algHKDF:   {"deriveBits", "deriveKey"},
	algECDSA:  {"sign", "verify"},
}

// key is the host side of a CryptoKey. Key material never enters the VM.
type key struct {
	typ         string
	extractable bool
	alg         string
	hash        hashAlg
	length      int
	curve       string
	usages      []string

	secret []byte
	priv   *ecdsa.PrivateKey
	pub    *ecdsa.PublicKey
}

func (k *key) can(usage string) bool { return slices.Contains(k.usages, usage) }

func (m *Module) usages(v goja.Value, alg string) ([]string, error) {
	obj, ok := v.(*goja.Object)
	if !ok || obj.ClassName() != "Array" {
		return nil, typeError("key usages must be an array")
	}
	var out []string
	for _, u := range obj.Export().([]any) {
		s, _ := u.(string)
		if !slices.Contains(allowedUsages[alg], s) {
			return nil, syntaxError("usage %q is not valid for %s", s, alg)
		}
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out, nil
}

// restrict narrows usages to those meaningful for one half of a key pair.
func restrict(usages []string, allowed ...string) []string {
	var out []string
	for _, u := range usages {
		if slices.Contains(allowed, u) {
			out = append(out, u)
		}
	}
	return out
}

func (m *Module) keyObject(k *key) *goja.Object {
	vm := m.host.VM
	obj := vm.NewObject()
	_ = obj.SetPrototype(m.keyProto)
	m.keys[obj] = k

	alg := vm.NewObject()
	_ = alg.Set("name", k.alg)
	switch k.alg {
	case algHMAC:
		h := vm.NewObject()
		_ = h.Set("name", k.hash.name)
		_ = alg.Set("hash", h)
		_ = alg.Set("length", k.length)
	case algAESGCM, algAESCBC, algAESKW:
		_ = alg.Set("length", k.length)
	case algECDSA:
		_ = alg.Set("namedCurve", k.curve)
	}

	usages := make([]any, len(k.usages))
	for i, u := range k.usages {
		usages[i] = u
	}
	ro := func(name string, v any) {
		_ = obj.DefineDataProperty(name, vm.ToValue(v), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
	}
	ro("type", k.typ)
	ro("extractable", k.extractable)
	ro("algorithm", alg)
	ro("usages", vm.NewArray(usages...))
	return obj
}

func (m *Module) keyFrom(v goja.Value) (*key, error) {
	if obj, ok := v.(*goja.Object); ok {
		if k, ok := m.keys[obj]; ok {
			return k, nil
		}
	}
	return nil, typeError("value is not a CryptoKey")
}

// checkKey verifies the key belongs to the requested algorithm and permits
// usage.
func checkKey(k *key, alg, usage string) error {
	if k.alg != alg {
		return invalidAccess("key algorithm %s does not match %s", k.alg, alg)
	}
	if !k.can(usage) {
		return invalidAccess("key does not permit %s", usage)
	}
	return nil
}
