package middleware

import (
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"
)

// MaxFileNameLength bounds the file names the gateway accepts.
const MaxFileNameLength = 255

// FileNameValidationMiddleware rejects /files/{name} requests whose name could
// not be stored as a single flat key: empty, too long, containing a path
// separator or a dot segment, or containing control characters. Other routes
// pass through. It runs before routing, so it parses the path directly.
func FileNameValidationMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawPath := r.URL.EscapedPath()
			if !strings.HasPrefix(rawPath, "/files/") {
				next.ServeHTTP(w, r)
				return
			}

			name, err := url.PathUnescape(strings.TrimPrefix(rawPath, "/files/"))
			if err == nil {
				err = ValidateFileName(name)
			}
			if err != nil {
				logger.WithFields(logrus.Fields{
					"path":   rawPath,
					"method": r.Method,
				}).WithError(err).Warn("Rejected invalid file name")
				writeJSONError(w, http.StatusBadRequest, err.Error(), "invalid_request")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

type fileNameError string

func (e fileNameError) Error() string { return string(e) }

// ValidateFileName reports why name is not an acceptable file name.
func ValidateFileName(name string) error {
	switch {
	case name == "":
		return fileNameError("file name is required")
	case len(name) > MaxFileNameLength:
		return fileNameError("file name is too long")
	case name == "." || name == "..":
		return fileNameError("file name must not be a dot segment")
	case strings.ContainsAny(name, `/\`):
		return fileNameError("file name must not contain path separators")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fileNameError("file name must not contain control characters")
		}
	}
	return nil
}
