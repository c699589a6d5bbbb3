package crypto

import (
	"errors"
	"fmt"
)

// Sentinel causes carried by CryptoError.
var (
	ErrRandomSource       = errors.New("secure random source unavailable")
	ErrInvalidKeyMaterial = errors.New("invalid key material")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext length")
	ErrInvalidPadding     = errors.New("invalid padding")
	ErrInvalidKeyHandle   = errors.New("invalid key handle")
	ErrKeyMismatch        = errors.New("wrapped key does not match private key")
	ErrInvalidEncoding    = errors.New("invalid transport encoding")
)

// CryptoError reports a local cryptographic failure. It is never the result of
// a network or authorization problem.
type CryptoError struct {
	Op     string
	Err    error
	Detail string
}

func newCryptoError(op string, err error, detail string) *CryptoError {
	return &CryptoError{Op: op, Err: err, Detail: detail}
}

// Error implements the error interface.
func (e *CryptoError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("crypto: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("crypto: %s: %v: %s", e.Op, e.Err, e.Detail)
}

// Unwrap returns the sentinel cause.
func (e *CryptoError) Unwrap() error {
	return e.Err
}

// IsCryptoError reports whether err is, or wraps, a CryptoError.
func IsCryptoError(err error) bool {
	var ce *CryptoError
	return errors.As(err, &ce)
}
