// Package storage persists and retrieves opaque envelopes. The storage service
// only ever sees ciphertext and wrapped key material.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/kenneth/envelope-vault/internal/config"
	"github.com/kenneth/envelope-vault/internal/crypto"
)

// Application-level codes used by the storage service.
const (
	CodeSuccess  = 200
	CodeConflict = 409
)

// Backend is the storage contract the Seal and Open workflows depend on.
type Backend interface {
	// Upload persists env. Success means the service acknowledged the write
	// with its own success code.
	Upload(ctx context.Context, env *crypto.Envelope) error

	// Download fetches the envelope stored under fileName.
	Download(ctx context.Context, fileName string) (*crypto.Envelope, error)

	// List returns the names of all stored files.
	List(ctx context.Context) ([]string, error)

	// Name identifies the backend in logs and metrics.
	Name() string
}

// StatusError is an application-level failure reported by the storage
// service. Message is surfaced verbatim to the caller.
type StatusError struct {
	Operation string
	Code      int
	Message   string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("storage: %s rejected (code %d): %s", e.Operation, e.Code, e.Message)
}

// NotFound reports whether the service said the file does not exist.
func (e *StatusError) NotFound() bool {
	return e.Code == http.StatusNotFound
}

// Denied reports whether the service refused access to the file.
func (e *StatusError) Denied() bool {
	return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
}

// ServerFault reports whether the service failed internally.
func (e *StatusError) ServerFault() bool {
	return e.Code >= 500
}

// AsStatusError extracts a StatusError from err's chain.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Release frees connections held by b when the backend keeps any.
func Release(b Backend) {
	if c, ok := b.(interface{ Close() }); ok {
		c.Close()
	}
}

// New builds the backend selected by configuration.
func New(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	switch cfg.Backend {
	case config.StorageBackendHTTP, "":
		return NewHTTPBackend(cfg)
	case config.StorageBackendS3:
		return NewS3Backend(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("storage: unsupported backend %q", cfg.Backend)
	}
}
