package webcrypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"

	"github.com/dop251/goja"
)

type curveInfo struct {
	name  string
	curve elliptic.Curve
	ecdh  ecdh.Curve
	size  int
}

var curves = map[string]curveInfo{
	"P-256": {"P-256", elliptic.P256(), ecdh.P256(), 32},
	"P-384": {"P-384", elliptic.P384(), ecdh.P384(), 48},
}

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func unb64(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func (m *Module) random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := m.rand.Read(b); err != nil {
		return nil, operationError("entropy source failed: %v", err)
	}
	return b, nil
}

func jwkAlg(k *key) string {
	switch k.alg {
	case algHMAC:
		return k.hash.jwk
	case algAESGCM:
		return fmt.Sprintf("A%dGCM", k.length)
	case algAESCBC:
		return fmt.Sprintf("A%dCBC", k.length)
	case algAESKW:
		return fmt.Sprintf("A%dKW", k.length)
	case algECDSA:
		if k.curve == "P-384" {
			return "ES384"
		}
		return "ES256"
	}
	return ""
}

func (m *Module) generateKey(algV goja.Value, extractable bool, usagesV goja.Value) (goja.Value, error) {
	p, err := m.algorithm(algV)
	if err != nil {
		return nil, err
	}
	us, err := m.usages(usagesV, p.name)
	if err != nil {
		return nil, err
	}
	if len(us) == 0 {
		return nil, syntaxError("usages must not be empty")
	}

	k := &key{typ: "secret", extractable: extractable, alg: p.name, usages: us}
	switch p.name {
	case algHMAC:
		if k.hash, err = p.hash(); err != nil {
			return nil, err
		}
		k.length = k.hash.blockBits
		if n, ok := p.int("length"); ok {
			k.length = n
		}
		if k.length <= 0 || k.length%8 != 0 {
			return nil, operationError("HMAC: length must be a positive multiple of 8")
		}
	case algAESGCM, algAESCBC, algAESKW:
		if k.length, err = aesLength(p); err != nil {
			return nil, err
		}
	case algPBKDF2, algHKDF:
		k.extractable = false
		k.length = 256
		if n, ok := p.int("length"); ok && n > 0 && n%8 == 0 {
			k.length = n
		}
	case algECDSA:
		return m.generateECDSA(p, extractable, us)
	}
	if k.secret, err = m.random(k.length / 8); err != nil {
		return nil, err
	}
	return m.keyObject(k), nil
}

func (m *Module) generateECDSA(p params, extractable bool, us []string) (goja.Value, error) {
	ci, err := namedCurve(p)
	if err != nil {
		return nil, err
	}
	priv, err := ecdsa.GenerateKey(ci.curve, m.rand)
	if err != nil {
		return nil, operationError("ECDSA: %v", err)
	}
	pub := &key{typ: "public", extractable: true, alg: algECDSA, curve: ci.name, usages: restrict(us, "verify"), pub: &priv.PublicKey}
	prv := &key{typ: "private", extractable: extractable, alg: algECDSA, curve: ci.name, usages: restrict(us, "sign"), priv: priv, pub: &priv.PublicKey}

	pair := m.host.VM.NewObject()
	_ = pair.Set("publicKey", m.keyObject(pub))
	_ = pair.Set("privateKey", m.keyObject(prv))
	return pair, nil
}

func namedCurve(p params) (curveInfo, error) {
	v := p.get("namedCurve")
	if v == nil {
		return curveInfo{}, typeError("ECDSA: namedCurve is required")
	}
	ci, ok := curves[v.String()]
	if !ok {
		return curveInfo{}, notSupported("curve %s is not supported", v.String())
	}
	return ci, nil
}

// importKey handles the raw, jwk, spki and pkcs8 formats. jwk data arrives
// already exported to Go values.
func (m *Module) importKey(format string, data any, p params, extractable bool, us []string) (*key, error) {
	k := &key{typ: "secret", extractable: extractable, alg: p.name, usages: us}

	if p.name == algECDSA {
		return m.importECDSA(format, data, p, k)
	}

	var secret []byte
	var wantAlg string
	switch format {
	case "raw":
		b, ok := data.([]byte)
		if !ok {
			return nil, typeError("raw key data must be a BufferSource")
		}
		secret = b
	case "jwk":
		jwk, ok := data.(map[string]any)
		if !ok {
			return nil, typeError("jwk key data must be an object")
		}
		if jwk["kty"] != "oct" {
			return nil, dataError("jwk kty must be \"oct\"")
		}
		ks, _ := jwk["k"].(string)
		b, err := unb64(ks)
		if err != nil || ks == "" {
			return nil, dataError("jwk k is not valid base64url")
		}
		if ext, ok := jwk["ext"].(bool); ok && !ext && extractable {
			return nil, dataError("jwk is not extractable")
		}
		secret = b
		wantAlg, _ = jwk["alg"].(string)
	default:
		return nil, notSupported("format %s is not supported for %s", format, p.name)
	}
	k.secret = append([]byte(nil), secret...)

	switch p.name {
	case algHMAC:
		h, err := p.hash()
		if err != nil {
			return nil, err
		}
		k.hash = h
		k.length = len(secret) * 8
		if n, ok := p.int("length"); ok && n != k.length {
			return nil, dataError("HMAC: length %d does not match key data", n)
		}
		if len(secret) == 0 {
			return nil, dataError("HMAC: key data is empty")
		}
	case algAESGCM, algAESCBC, algAESKW:
		switch len(secret) {
		case 16, 24, 32:
			k.length = len(secret) * 8
		default:
			return nil, dataError("%s: key must be 16, 24 or 32 bytes", p.name)
		}
	case algPBKDF2, algHKDF:
		if format != "raw" {
			return nil, notSupported("%s keys can only be imported as raw", p.name)
		}
		if extractable {
			return nil, syntaxError("%s keys cannot be extractable", p.name)
		}
		k.length = len(secret) * 8
	}
	if wantAlg != "" && wantAlg != jwkAlg(k) {
		return nil, dataError("jwk alg %s does not match %s", wantAlg, jwkAlg(k))
	}
	return k, nil
}

func (m *Module) importECDSA(format string, data any, p params, k *key) (*key, error) {
	ci, err := namedCurve(p)
	if err != nil {
		return nil, err
	}
	k.curve = ci.name
	switch format {
	case "raw":
		b, _ := data.([]byte)
		pub, err := parsePoint(ci, b)
		if err != nil {
			return nil, err
		}
		k.typ, k.pub = "public", pub
	case "spki":
		b, _ := data.([]byte)
		parsed, err := x509.ParsePKIXPublicKey(b)
		if err != nil {
			return nil, dataError("spki: %v", err)
		}
		pub, ok := parsed.(*ecdsa.PublicKey)
		if !ok || pub.Curve != ci.curve {
			return nil, dataError("spki does not hold a %s ECDSA key", ci.name)
		}
		k.typ, k.pub = "public", pub
	case "pkcs8":
		b, _ := data.([]byte)
		parsed, err := x509.ParsePKCS8PrivateKey(b)
		if err != nil {
			return nil, dataError("pkcs8: %v", err)
		}
		priv, ok := parsed.(*ecdsa.PrivateKey)
		if !ok || priv.Curve != ci.curve {
			return nil, dataError("pkcs8 does not hold a %s ECDSA key", ci.name)
		}
		k.typ, k.priv, k.pub = "private", priv, &priv.PublicKey
	case "jwk":
		jwk, ok := data.(map[string]any)
		if !ok || jwk["kty"] != "EC" || jwk["crv"] != ci.name {
			return nil, dataError("jwk is not a %s EC key", ci.name)
		}
		x, errX := unb64(str(jwk["x"]))
		y, errY := unb64(str(jwk["y"]))
		if errX != nil || errY != nil {
			return nil, dataError("jwk x/y are not valid base64url")
		}
		pub, err := parsePoint(ci, append(append([]byte{4}, x...), y...))
		if err != nil {
			return nil, err
		}
		k.typ, k.pub = "public", pub
		if d, ok := jwk["d"].(string); ok {
			db, err := unb64(d)
			if err != nil {
				return nil, dataError("jwk d is not valid base64url")
			}
			priv, err := privateFromScalar(ci, db)
			if err != nil {
				return nil, err
			}
			k.typ, k.priv, k.pub = "private", priv, &priv.PublicKey
		}
	default:
		return nil, notSupported("format %s is not supported for ECDSA", format)
	}
	if k.typ == "public" {
		k.usages = restrict(k.usages, "verify")
	} else {
		k.usages = restrict(k.usages, "sign")
		if len(k.usages) == 0 {
			return nil, syntaxError("usages must not be empty")
		}
	}
	return k, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// parsePoint validates an uncompressed point through crypto/ecdh.
func parsePoint(ci curveInfo, b []byte) (*ecdsa.PublicKey, error) {
	if _, err := ci.ecdh.NewPublicKey(b); err != nil {
		return nil, dataError("invalid %s public key", ci.name)
	}
	return &ecdsa.PublicKey{
		Curve: ci.curve,
		X:     new(big.Int).SetBytes(b[1 : 1+ci.size]),
		Y:     new(big.Int).SetBytes(b[1+ci.size:]),
	}, nil
}

func privateFromScalar(ci curveInfo, d []byte) (*ecdsa.PrivateKey, error) {
	ek, err := ci.ecdh.NewPrivateKey(d)
	if err != nil {
		return nil, dataError("invalid %s private key", ci.name)
	}
	pub, err := parsePoint(ci, ek.PublicKey().Bytes())
	if err != nil {
		return nil, err
	}
	return &ecdsa.PrivateKey{PublicKey: *pub, D: new(big.Int).SetBytes(d)}, nil
}

func pointBytes(ci curveInfo, pub *ecdsa.PublicKey) []byte {
	out := make([]byte, 1+2*ci.size)
	out[0] = 4
	pub.X.FillBytes(out[1 : 1+ci.size])
	pub.Y.FillBytes(out[1+ci.size:])
	return out
}

// exportData returns the key in format: []byte for binary formats, a JWK
// map for "jwk".
func exportData(format string, k *key) (any, error) {
	if k.alg == algPBKDF2 || k.alg == algHKDF {
		return nil, invalidAccess("%s keys cannot be exported", k.alg)
	}
	if k.alg == algECDSA {
		return exportECDSA(format, k)
	}
	switch format {
	case "raw":
		return append([]byte(nil), k.secret...), nil
	case "jwk":
		ops := make([]any, len(k.usages))
		for i, u := range k.usages {
			ops[i] = u
		}
		return map[string]any{
			"kty":     "oct",
			"k":       b64(k.secret),
			"alg":     jwkAlg(k),
			"ext":     k.extractable,
			"key_ops": ops,
		}, nil
	}
	return nil, notSupported("format %s is not supported for %s", format, k.alg)
}

func exportECDSA(format string, k *key) (any, error) {
	ci := curves[k.curve]
	switch format {
	case "raw":
		if k.typ != "public" {
			return nil, invalidAccess("raw export requires a public key")
		}
		return pointBytes(ci, k.pub), nil
	case "spki":
		if k.typ != "public" {
			return nil, invalidAccess("spki export requires a public key")
		}
		b, err := x509.MarshalPKIXPublicKey(k.pub)
		if err != nil {
			return nil, operationError("spki: %v", err)
		}
		return b, nil
	case "pkcs8":
		if k.typ != "private" {
			return nil, invalidAccess("pkcs8 export requires a private key")
		}
		b, err := x509.MarshalPKCS8PrivateKey(k.priv)
		if err != nil {
			return nil, operationError("pkcs8: %v", err)
		}
		return b, nil
	case "jwk":
		pt := pointBytes(ci, k.pub)
		ops := make([]any, len(k.usages))
		for i, u := range k.usages {
			ops[i] = u
		}
		jwk := map[string]any{
			"kty":     "EC",
			"crv":     ci.name,
			"x":       b64(pt[1 : 1+ci.size]),
			"y":       b64(pt[1+ci.size:]),
			"ext":     k.extractable,
			"key_ops": ops,
		}
		if k.typ == "private" {
			d := make([]byte, ci.size)
			k.priv.D.FillBytes(d)
			jwk["d"] = b64(d)
		}
		return jwk, nil
	}
	return nil, notSupported("format %s is not supported for ECDSA", format)
}
