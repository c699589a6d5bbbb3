package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// Encrypt encrypts plaintext with AES-256-CBC and PKCS#7 padding.
// The output is deterministic for a given key, IV and plaintext.
func (c *Codec) Encrypt(plaintext []byte, material *KeyMaterial) ([]byte, error) {
	if err := material.validate(); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(material.Key)
	if err != nil {
		return nil, newCryptoError("encrypt", ErrInvalidKeyMaterial, err.Error())
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, material.IV).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// Decrypt reverses Encrypt. A ciphertext whose length is not a positive
// multiple of the block size, or whose padding is malformed, yields a
// CryptoError rather than garbage plaintext.
func (c *Codec) Decrypt(ciphertext []byte, material *KeyMaterial) ([]byte, error) {
	if err := material.validate(); err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, newCryptoError("decrypt", ErrInvalidCiphertext,
			fmt.Sprintf("%d bytes is not a multiple of %d", len(ciphertext), aes.BlockSize))
	}
	block, err := aes.NewCipher(material.Key)
	if err != nil {
		return nil, newCryptoError("decrypt", ErrInvalidKeyMaterial, err.Error())
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, material.IV).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data), len(data)+n)
	copy(out, data)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, newCryptoError("decrypt", ErrInvalidPadding, "unaligned input")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, newCryptoError("decrypt", ErrInvalidPadding, "pad length out of range")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, newCryptoError("decrypt", ErrInvalidPadding, "inconsistent pad bytes")
		}
	}
	return data[:len(data)-n], nil
}
