package webcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"

	"github.com/dop251/goja"
)

func (m *Module) encrypt(call goja.FunctionCall) (any, error) {
	return m.cryptOp(call, "encrypt")
}

func (m *Module) decrypt(call goja.FunctionCall) (any, error) {
	return m.cryptOp(call, "decrypt")
}

func (m *Module) cryptOp(call goja.FunctionCall, usage string) (any, error) {
	p, err := m.algorithm(call.Argument(0))
	if err != nil {
		return nil, err
	}
	k, err := m.keyFrom(call.Argument(1))
	if err != nil {
		return nil, err
	}
	if err := checkKey(k, p.name, usage); err != nil {
		return nil, err
	}
	data, err := m.host.Bytes(call.Argument(2))
	if err != nil {
		return nil, typeError("%s: data: %v", usage, err)
	}
	return m.crypt(p, k, data, usage == "encrypt")
}

// crypt runs one AES-GCM or AES-CBC operation. It is shared by
// encrypt/decrypt and by key wrapping.
func (m *Module) crypt(p params, k *key, data []byte, seal bool) ([]byte, error) {
	switch p.name {
	case algAESGCM:
		return m.gcm(p, k.secret, data, seal)
	case algAESCBC:
		return m.cbc(p, k.secret, data, seal)
	}
	return nil, notSupported("%s cannot encrypt", p.name)
}

func (m *Module) gcm(p params, secret, data []byte, seal bool) ([]byte, error) {
	iv, err := m.bytesParam(p, "iv")
	if err != nil {
		return nil, err
	}
	if len(iv) == 0 {
		return nil, operationError("AES-GCM: iv must not be empty")
	}
	var aad []byte
	if p.get("additionalData") != nil {
		if aad, err = m.bytesParam(p, "additionalData"); err != nil {
			return nil, err
		}
	}
	tagBits := 128
	if n, ok := p.int("tagLength"); ok {
		tagBits = n
	}
	switch tagBits {
	case 96, 104, 112, 120, 128:
	default:
		return nil, operationError("AES-GCM: tagLength %d is not supported", tagBits)
	}

	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, operationError("AES-GCM: %v", err)
	}
	var aead cipher.AEAD
	switch {
	case len(iv) == 12 && tagBits == 128:
		aead, err = cipher.NewGCM(block)
	case tagBits == 128:
		aead, err = cipher.NewGCMWithNonceSize(block, len(iv))
	case len(iv) == 12:
		aead, err = cipher.NewGCMWithTagSize(block, tagBits/8)
	default:
		return nil, notSupported("AES-GCM: a %d-bit tag needs a 96-bit iv", tagBits)
	}
	if err != nil {
		return nil, operationError("AES-GCM: %v", err)
	}

	if seal {
		return aead.Seal(nil, iv, data, aad), nil
	}
	out, err := aead.Open(nil, iv, data, aad)
	if err != nil {
		return nil, operationError("AES-GCM: decryption failed")
	}
	return out, nil
}

func (m *Module) cbc(p params, secret, data []byte, seal bool) ([]byte, error) {
	iv, err := m.bytesParam(p, "iv")
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize {
		return nil, operationError("AES-CBC: iv must be 16 bytes")
	}
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, operationError("AES-CBC: %v", err)
	}

	if seal {
		pad := aes.BlockSize - len(data)%aes.BlockSize
		buf := append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(pad)}, pad)...)
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(buf, buf)
		return buf, nil
	}

	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, operationError("AES-CBC: ciphertext is not a whole number of blocks")
	}
	buf := append([]byte(nil), data...)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(buf, buf)
	pad := int(buf[len(buf)-1])
	if pad == 0 || pad > aes.BlockSize {
		return nil, operationError("AES-CBC: bad padding")
	}
	for _, b := range buf[len(buf)-pad:] {
		if int(b) != pad {
			return nil, operationError("AES-CBC: bad padding")
		}
	}
	return buf[:len(buf)-pad], nil
}
