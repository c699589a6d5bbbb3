package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/kenneth/envelope-vault/internal/crypto"
	"github.com/kenneth/envelope-vault/internal/kms"
	"github.com/kenneth/envelope-vault/internal/storage"
)

// Kind classifies a workflow failure.
type Kind string

const (
	// KindCrypto is a local cipher, encoding or key handle failure.
	KindCrypto Kind = "crypto"
	// KindKeyRequestDenied means the KMS rejected the request.
	KindKeyRequestDenied Kind = "key_request_denied"
	// KindKeyServiceUnavailable means the KMS could not be reached or
	// answered with something other than a coded response.
	KindKeyServiceUnavailable Kind = "key_service_unavailable"
	// KindStorage is a connectivity or application failure from storage.
	KindStorage Kind = "storage"
	// KindNotFound means storage has no file under the requested name.
	KindNotFound Kind = "not_found"
	// KindDenied means storage refused access to the file.
	KindDenied Kind = "denied"
	// KindCorruptOrTampered means the envelope and the key handle do not
	// belong together, or the ciphertext was altered.
	KindCorruptOrTampered Kind = "corrupt_or_tampered"
	// KindInvalidName means the caller supplied no usable file name. Seal
	// and Open report it before any key material or remote call.
	KindInvalidName Kind = "invalid_name"
)

// Error is the only error type returned by Seal, Open and List. An empty
// file name is always KindInvalidName, which is never retryable.
type Error struct {
	Op       string
	Kind     Kind
	FileName string
	// Message is human readable. Remote rejections carry the peer's own
	// message verbatim.
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.FileName == "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Op, e.FileName, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether running the whole workflow again from scratch
// may succeed. Nothing is ever resent with stale key material.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindStorage, KindKeyServiceUnavailable:
		return true
	}
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Timeout reports whether the failure was caused by a deadline.
func (e *Error) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// KindOf returns the Kind of a vault error, or "" for any other error.
func KindOf(err error) Kind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return ""
}

// IsKind reports whether err is a vault error of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

func newError(op, fileName string, kind Kind, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Op: op, Kind: kind, FileName: fileName, Message: msg, Err: err}
}

// fromKMS converts a KMS client failure.
func fromKMS(op, fileName string, err error) *Error {
	var se *kms.StatusError
	if errors.As(err, &se) {
		return &Error{Op: op, Kind: KindKeyRequestDenied, FileName: fileName, Message: se.Message, Err: err}
	}
	return newError(op, fileName, KindKeyServiceUnavailable, err)
}

// fromUpload converts an upload failure. Every upload failure is a storage
// error; the caller retries with a fresh Seal.
func fromUpload(op, fileName string, err error) *Error {
	if se, ok := storage.AsStatusError(err); ok {
		return &Error{Op: op, Kind: KindStorage, FileName: fileName, Message: se.Message, Err: err}
	}
	return newError(op, fileName, KindStorage, err)
}

// fromDownload maps the storage service's code onto not_found, denied or
// storage. Undecodable envelope fields mean the stored record is damaged.
func fromDownload(op, fileName string, err error) *Error {
	if se, ok := storage.AsStatusError(err); ok {
		kind := KindNotFound
		switch {
		case se.Denied():
			kind = KindDenied
		case se.ServerFault():
			kind = KindStorage
		}
		return &Error{Op: op, Kind: kind, FileName: fileName, Message: se.Message, Err: err}
	}
	if crypto.IsCryptoError(err) {
		return newError(op, fileName, KindCorruptOrTampered, err)
	}
	return newError(op, fileName, KindStorage, err)
}

// fromList converts a listing failure.
func fromList(op string, err error) *Error {
	if se, ok := storage.AsStatusError(err); ok {
		return &Error{Op: op, Kind: KindStorage, Message: se.Message, Err: err}
	}
	return newError(op, "", KindStorage, err)
}
