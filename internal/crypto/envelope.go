package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
)

// Envelope is the unit exchanged with storage. WrappedKey and WrappedIV are
// only meaningful together: both are wrapped under the same public key.
type Envelope struct {
	FileName   string
	Ciphertext []byte
	WrappedKey []byte
	WrappedIV  []byte
}

// Validate checks that every field is present. The data server rejects
// envelopes with missing fields, so this is checked before any upload.
func (e *Envelope) Validate() error {
	if e == nil {
		return errors.New("envelope is nil")
	}
	var missing []string
	if e.FileName == "" {
		missing = append(missing, "file_name")
	}
	if len(e.Ciphertext) == 0 {
		missing = append(missing, "ciphertext")
	}
	if len(e.WrappedKey) == 0 {
		missing = append(missing, "wrapped_key")
	}
	if len(e.WrappedIV) == 0 {
		missing = append(missing, "wrapped_iv")
	}
	if len(missing) > 0 {
		return errors.New("envelope missing fields: " + strings.Join(missing, ", "))
	}
	return nil
}

// EncodeField renders a binary envelope field for the wire.
func EncodeField(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeField parses a wire-encoded envelope field.
func DecodeField(name, s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, newCryptoError("decode "+name, ErrInvalidEncoding, err.Error())
	}
	return b, nil
}
