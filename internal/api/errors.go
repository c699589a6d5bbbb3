package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kenneth/envelope-vault/internal/vault"
)

// Failure kinds the gateway reports in addition to vault.Kind values.
const (
	kindInvalidRequest = "invalid_request"
	kindUnauthorized   = "unauthorized"
	kindTooLarge       = "too_large"
	kindTimeout        = "timeout"
	kindInternal       = "internal"
)

// ErrorResponse is the JSON body of every failed gateway request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Kind    string `json:"kind"`
}

// APIError is a gateway failure with its HTTP status.
type APIError struct {
	Kind       string
	Message    string
	HTTPStatus int
}

func (e *APIError) Error() string {
	return e.Kind + ": " + e.Message
}

// WriteJSON writes the error as a JSON failure body.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	writeJSON(w, e.HTTPStatus, ErrorResponse{
		Success: false,
		Error:   e.Message,
		Kind:    e.Kind,
	})
}

var (
	errMissingSession = &APIError{
		Kind:       kindUnauthorized,
		Message:    "missing sid header",
		HTTPStatus: http.StatusUnauthorized,
	}
	errMissingFileName = &APIError{
		Kind:       kindInvalidRequest,
		Message:    "file name is required",
		HTTPStatus: http.StatusBadRequest,
	}
)

// TranslateError maps a workflow failure onto an HTTP status. Deadline
// failures are reported as gateway timeouts whatever their kind.
func TranslateError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &APIError{
			Kind:       kindTooLarge,
			Message:    "file exceeds the maximum upload size",
			HTTPStatus: http.StatusRequestEntityTooLarge,
		}
	}

	var ve *vault.Error
	if !errors.As(err, &ve) {
		return &APIError{Kind: kindInternal, Message: err.Error(), HTTPStatus: http.StatusInternalServerError}
	}

	if ve.Timeout() {
		return &APIError{Kind: kindTimeout, Message: ve.Message, HTTPStatus: http.StatusGatewayTimeout}
	}

	status := http.StatusInternalServerError
	switch ve.Kind {
	case vault.KindInvalidName:
		status = http.StatusBadRequest
	case vault.KindNotFound:
		status = http.StatusNotFound
	case vault.KindDenied, vault.KindKeyRequestDenied:
		status = http.StatusForbidden
	case vault.KindCorruptOrTampered, vault.KindCrypto:
		status = http.StatusUnprocessableEntity
	case vault.KindStorage, vault.KindKeyServiceUnavailable:
		status = http.StatusBadGateway
	}
	return &APIError{Kind: string(ve.Kind), Message: ve.Message, HTTPStatus: status}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
