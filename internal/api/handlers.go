// Package api exposes the vault workflows over a local HTTP gateway.
package api

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/envelope-vault/internal/vault"
)

// Handler serves the file routes and health probes.
type Handler struct {
	vault          *vault.Vault
	logger         *logrus.Logger
	maxUploadBytes int64
	ready          atomic.Bool
}

// SealResponse is returned by a successful upload.
type SealResponse struct {
	Success  bool   `json:"success"`
	FileName string `json:"fileName"`
}

// ListResponse is returned by a successful listing.
type ListResponse struct {
	Success bool     `json:"success"`
	Files   []string `json:"files"`
}

// NewHandler creates a gateway handler. maxUploadBytes <= 0 disables the
// upload size limit.
func NewHandler(v *vault.Vault, logger *logrus.Logger, maxUploadBytes int64) *Handler {
	h := &Handler{
		vault:          v,
		logger:         logger,
		maxUploadBytes: maxUploadBytes,
	}
	h.ready.Store(true)
	return h
}

// SetReady toggles the readiness probe. The daemon clears it while draining.
func (h *Handler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// RegisterRoutes registers all gateway routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")
	r.HandleFunc("/live", h.handleLive).Methods("GET")

	r.HandleFunc("/files", h.handleList).Methods("GET")
	r.HandleFunc("/files/{name}", h.handleSeal).Methods("POST")
	r.HandleFunc("/files/{name}", h.handleOpen).Methods("GET")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"backend": h.vault.Backend(),
	})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleSeal encrypts the raw request body and stores it under {name}.
func (h *Handler) handleSeal(w http.ResponseWriter, r *http.Request) {
	name := fileName(r)
	if name == "" {
		h.writeError(w, r, errMissingFileName)
		return
	}
	sid := sessionID(r)
	if sid == "" {
		h.writeError(w, r, errMissingSession)
		return
	}

	body := r.Body
	if h.maxUploadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	env, err := h.vault.Seal(r.Context(), name, data, sid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SealResponse{Success: true, FileName: env.FileName})
}

// handleOpen returns the decrypted contents of {name}.
func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	name := fileName(r)
	if name == "" {
		h.writeError(w, r, errMissingFileName)
		return
	}
	sid := sessionID(r)
	if sid == "" {
		h.writeError(w, r, errMissingSession)
		return
	}

	plaintext, err := h.vault.Open(r.Context(), name, sid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(plaintext)))
	if disposition := mime.FormatMediaType("attachment", map[string]string{"filename": name}); disposition != "" {
		w.Header().Set("Content-Disposition", disposition)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, bytes.NewReader(plaintext)); err != nil {
		h.logger.WithError(err).WithField("file_name", name).Warn("Failed to stream plaintext")
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	files, err := h.vault.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Success: true, Files: files})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := TranslateError(err)

	entry := h.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"route":  routeTemplate(r),
		"kind":   apiErr.Kind,
		"status": apiErr.HTTPStatus,
	})
	if name := fileName(r); name != "" {
		entry = entry.WithField("file_name", name)
	}
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		entry.WithError(err).Error("Request failed")
	} else {
		entry.WithError(err).Warn("Request rejected")
	}

	apiErr.WriteJSON(w)
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}
