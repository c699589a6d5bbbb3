package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
)

const (
	// KeySize is the AES-256 content key size in bytes.
	KeySize = 32 // 256 bits
	// IVSize is the CBC initialization vector size in bytes.
	IVSize = 16 // 128 bits
)

// KeyMaterial is the per-file symmetric key and IV generated for one Seal.
//
// It is owned by a single operation and must be destroyed once wrapping
// succeeds or the operation fails.
type KeyMaterial struct {
	Key []byte
	IV  []byte
}

// Destroy overwrites the key and IV in place.
func (m *KeyMaterial) Destroy() {
	if m == nil {
		return
	}
	for i := range m.Key {
		m.Key[i] = 0
	}
	for i := range m.IV {
		m.IV[i] = 0
	}
	m.Key = nil
	m.IV = nil
}

func (m *KeyMaterial) validate() error {
	if m == nil {
		return newCryptoError("validate", ErrInvalidKeyMaterial, "key material is nil")
	}
	if len(m.Key) != KeySize {
		return newCryptoError("validate", ErrInvalidKeyMaterial,
			fmt.Sprintf("expected %d byte key, got %d", KeySize, len(m.Key)))
	}
	if len(m.IV) != IVSize {
		return newCryptoError("validate", ErrInvalidKeyMaterial,
			fmt.Sprintf("expected %d byte IV, got %d", IVSize, len(m.IV)))
	}
	return nil
}

// GenerateKeyMaterial draws a fresh key and IV from the codec's random source.
// A short read is an error; there is no fallback source.
func (c *Codec) GenerateKeyMaterial() (*KeyMaterial, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(c.random, key); err != nil {
		return nil, newCryptoError("generate", ErrRandomSource, err.Error())
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(c.random, iv); err != nil {
		for i := range key {
			key[i] = 0
		}
		return nil, newCryptoError("generate", ErrRandomSource, err.Error())
	}
	return &KeyMaterial{Key: key, IV: iv}, nil
}

// Codec performs the content and key-wrapping transforms. It makes no network
// calls and holds no per-file state, so one Codec is safe for concurrent use.
type Codec struct {
	random io.Reader
}

// NewCodec returns a Codec backed by crypto/rand.
func NewCodec() *Codec {
	return &Codec{random: rand.Reader}
}

// NewCodecWithRandom returns a Codec reading randomness from r. Intended for
// tests that need to simulate an exhausted generator.
func NewCodecWithRandom(r io.Reader) *Codec {
	if r == nil {
		r = rand.Reader
	}
	return &Codec{random: r}
}
