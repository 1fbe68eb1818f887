package webcrypto

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"strings"

	"github.com/dop251/goja"

	"scriptcage/internal/cage"
)

const (
	algHMAC   = "HMAC"
	algAESGCM = "AES-GCM"
	algAESCBC = "AES-CBC"
	algAESKW  = "AES-KW"
	algPBKDF2 = "PBKDF2"
	algHKDF   = "HKDF"
	algECDSA  = "ECDSA"
)

var canonicalAlgs = map[string]string{
	"hmac":    algHMAC,
	"aes-gcm": algAESGCM,
	"aes-cbc": algAESCBC,
	"aes-kw":  algAESKW,
	"pbkdf2":  algPBKDF2,
	"hkdf":    algHKDF,
	"ecdsa":   algECDSA,
}

type hashAlg struct {
	name      string
	new       func() hash.Hash
	blockBits int
	jwk       string
}

var hashes = map[string]hashAlg{
	"sha-1":   {"SHA-1", sha1.New, 512, "HS1"},
	"sha-256": {"SHA-256", sha256.New, 512, "HS256"},
	"sha-384": {"SHA-384", sha512.New384, 1024, "HS384"},
	"sha-512": {"SHA-512", sha512.New, 1024, "HS512"},
}

// params is a normalised AlgorithmIdentifier.
type params struct {
	name string
	obj  *goja.Object
}

func (m *Module) algorithm(v goja.Value) (params, error) {
	var p params
	var raw string
	switch {
	case cage.TypeOf(v) == "string":
		raw = v.String()
	case cage.TypeOf(v) == "object" && !goja.IsNull(v):
		p.obj = v.(*goja.Object)
		n := p.obj.Get("name")
		if !cage.Present(n) {
			return p, typeError("algorithm name is required")
		}
		raw = n.String()
	default:
		return p, typeError("algorithm must be a string or an object")
	}
	name, ok := canonicalAlgs[strings.ToLower(raw)]
	if !ok {
		return p, notSupported("algorithm %s is not supported", raw)
	}
	p.name = name
	return p, nil
}

func (p params) get(name string) goja.Value {
	if p.obj == nil {
		return nil
	}
	v := p.obj.Get(name)
	if !cage.Present(v) {
		return nil
	}
	return v
}

func (p params) hash() (hashAlg, error) {
	v := p.get("hash")
	if v == nil {
		return hashAlg{}, typeError("%s: hash is required", p.name)
	}
	return lookupHash(v)
}

func lookupHash(v goja.Value) (hashAlg, error) {
	name := v.String()
	if obj, ok := v.(*goja.Object); ok {
		if n := obj.Get("name"); cage.Present(n) {
			name = n.String()
		}
	}
	h, ok := hashes[strings.ToLower(name)]
	if !ok {
		return hashAlg{}, notSupported("hash %s is not supported", name)
	}
	return h, nil
}

func (p params) int(name string) (int, bool) {
	v := p.get(name)
	if v == nil {
		return 0, false
	}
	return int(v.ToInteger()), true
}

func (m *Module) bytesParam(p params, name string) ([]byte, error) {
	v := p.get(name)
	if v == nil {
		return nil, typeError("%s: %s is required", p.name, name)
	}
	b, err := m.host.Bytes(v)
	if err != nil {
		return nil, typeError("%s: %s: %v", p.name, name, err)
	}
	return b, nil
}

func aesLength(p params) (int, error) {
	n, ok := p.int("length")
	if !ok {
		return 0, typeError("%s: length is required", p.name)
	}
	switch n {
	case 128, 192, 256:
		return n, nil
	}
	return 0, operationError("%s: length must be 128, 192 or 256", p.name)
}
