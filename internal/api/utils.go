package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/kenneth/envelope-vault/internal/kms"
)

// sessionID returns the opaque session id the caller forwards to the KMS.
func sessionID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(kms.SessionHeader))
}

// fileName returns the {name} route variable.
func fileName(r *http.Request) string {
	return mux.Vars(r)["name"]
}
