package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/kenneth/envelope-vault/internal/middleware"

// Headers that never appear in span attributes unredacted.
var sensitiveHeaders = []string{
	"sid",
	"authorization",
	"cookie",
	"x-forwarded-for",
	"x-real-ip",
}

var safeHeaders = []string{
	"content-type",
	"content-length",
	"accept",
	"accept-encoding",
	"user-agent",
	"x-request-id",
}

// TracingMiddleware starts a server span per request, continuing any trace
// context the caller propagated. With redactSensitive set, file names are
// left out of span attributes.
func TracingMiddleware(redactSensitive bool) func(http.Handler) http.Handler {
	tracer := otel.Tracer(tracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			route := routeTemplate(r)
			ctx, span := tracer.Start(ctx, getSpanName(r.Method, route),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("http.route", route),
					attribute.String("url.path", redactedPath(r.URL.Path, redactSensitive)),
					attribute.String("server.address", r.Host),
					attribute.String("client.address", getRemoteAddr(r)),
				),
			)

			if name := mux.Vars(r)["name"]; name != "" && !redactSensitive {
				span.SetAttributes(attribute.String("vault.file_name", name))
			}
			addHeadersToSpan(span, r.Header)

			rw := &tracingResponseWriter{ResponseWriter: w}

			defer func() {
				status := rw.statusCode
				if status == 0 {
					status = http.StatusOK
				}
				span.SetAttributes(attribute.Int("http.response.status_code", status))
				if status >= 500 {
					span.SetStatus(codes.Error, http.StatusText(status))
				} else {
					span.SetStatus(codes.Ok, "")
				}
				span.End()
			}()

			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}

// routeTemplate returns the mux route template, or the raw path when the
// middleware runs outside the router.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func getSpanName(method, route string) string {
	switch {
	case method == http.MethodPost && route == "/files/{name}":
		return "Vault Seal"
	case method == http.MethodGet && route == "/files/{name}":
		return "Vault Open"
	case method == http.MethodGet && route == "/files":
		return "Vault List"
	}
	return "HTTP " + method + " " + route
}

func redactedPath(path string, redact bool) string {
	if redact && strings.HasPrefix(path, "/files/") {
		return "/files/[REDACTED]"
	}
	return path
}

func addHeadersToSpan(span trace.Span, headers http.Header) {
	for _, header := range safeHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}
	for _, header := range sensitiveHeaders {
		if headers.Get(header) != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, "[REDACTED]"))
		}
	}
}

type tracingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *tracingResponseWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *tracingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
