package crypto

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
)

// Wrap encrypts the key and the IV independently under pub using RSA-OAEP
// with SHA-256. OAEP is randomized, so wrapping the same material twice
// yields different ciphertexts.
func (c *Codec) Wrap(material *KeyMaterial, pub *rsa.PublicKey) (wrappedKey, wrappedIV []byte, err error) {
	if err := material.validate(); err != nil {
		return nil, nil, err
	}
	if pub == nil {
		return nil, nil, newCryptoError("wrap", ErrInvalidKeyHandle, "public key is nil")
	}

	wrappedKey, err = rsa.EncryptOAEP(sha256.New(), c.random, pub, material.Key, nil)
	if err != nil {
		return nil, nil, newCryptoError("wrap", ErrInvalidKeyHandle, err.Error())
	}
	wrappedIV, err = rsa.EncryptOAEP(sha256.New(), c.random, pub, material.IV, nil)
	if err != nil {
		return nil, nil, newCryptoError("wrap", ErrInvalidKeyHandle, err.Error())
	}
	return wrappedKey, wrappedIV, nil
}

// Unwrap recovers key material wrapped by Wrap. Any OAEP failure, including a
// private key that does not match the wrapping key, is reported as
// ErrKeyMismatch.
func (c *Codec) Unwrap(wrappedKey, wrappedIV []byte, priv *rsa.PrivateKey) (*KeyMaterial, error) {
	if priv == nil {
		return nil, newCryptoError("unwrap", ErrInvalidKeyHandle, "private key is nil")
	}

	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrappedKey, nil)
	if err != nil {
		return nil, newCryptoError("unwrap", ErrKeyMismatch, "key: "+err.Error())
	}
	iv, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrappedIV, nil)
	if err != nil {
		return nil, newCryptoError("unwrap", ErrKeyMismatch, "iv: "+err.Error())
	}

	material := &KeyMaterial{Key: key, IV: iv}
	if err := material.validate(); err != nil {
		material.Destroy()
		return nil, err
	}
	return material, nil
}

// ParsePublicKey decodes a KMS-issued public key handle. The KMS sends a
// base64 encoded PEM block; a bare PEM block is accepted as well.
func ParsePublicKey(encoded string) (*rsa.PublicKey, error) {
	block, err := decodePEMHandle(encoded)
	if err != nil {
		return nil, err
	}

	switch block.Type {
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, newCryptoError("parse public key", ErrInvalidKeyHandle, err.Error())
		}
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, newCryptoError("parse public key", ErrInvalidKeyHandle, fmt.Sprintf("unsupported key type %T", parsed))
		}
		return pub, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, newCryptoError("parse public key", ErrInvalidKeyHandle, err.Error())
		}
		return pub, nil
	default:
		return nil, newCryptoError("parse public key", ErrInvalidKeyHandle, "unexpected PEM type "+block.Type)
	}
}

// ParsePrivateKey decodes a KMS-issued private key handle in PKCS#1 or PKCS#8
// form, base64 encoded or bare PEM.
func ParsePrivateKey(encoded string) (*rsa.PrivateKey, error) {
	block, err := decodePEMHandle(encoded)
	if err != nil {
		return nil, err
	}

	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return priv, nil
	}
	parsed, pkcs8Err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if pkcs8Err != nil {
		return nil, newCryptoError("parse private key", ErrInvalidKeyHandle,
			fmt.Sprintf("%v (also tried PKCS8: %v)", err, pkcs8Err))
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, newCryptoError("parse private key", ErrInvalidKeyHandle, fmt.Sprintf("unsupported key type %T", parsed))
	}
	return rsaKey, nil
}

// EncodePublicKey renders pub the way the KMS transports it: base64 of a
// PKIX PEM block.
func EncodePublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", newCryptoError("encode public key", ErrInvalidKeyHandle, err.Error())
	}
	return base64.StdEncoding.EncodeToString(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// EncodePrivateKey renders priv as base64 of a PKCS#1 PEM block.
func EncodePrivateKey(priv *rsa.PrivateKey) string {
	der := x509.MarshalPKCS1PrivateKey(priv)
	return base64.StdEncoding.EncodeToString(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}))
}

func decodePEMHandle(encoded string) (*pem.Block, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, newCryptoError("decode key handle", ErrInvalidKeyHandle, "empty key handle")
	}

	raw := []byte(encoded)
	if !strings.HasPrefix(encoded, "-----BEGIN") {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, newCryptoError("decode key handle", ErrInvalidEncoding, err.Error())
		}
		raw = decoded
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, newCryptoError("decode key handle", ErrInvalidKeyHandle, "no PEM block found")
	}
	return block, nil
}
