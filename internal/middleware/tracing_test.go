package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/envelope-vault/internal/metrics"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return recorder
}

func routedHandler(mw func(http.Handler) http.Handler, status int) http.Handler {
	router := mux.NewRouter()
	router.Use(mw)
	h := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("ok"))
	}
	router.HandleFunc("/files/{name}", h).Methods(http.MethodGet, http.MethodPost)
	router.HandleFunc("/files", h).Methods(http.MethodGet)
	return router
}

func attrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestTracingMiddleware_SpanPerRoute(t *testing.T) {
	recorder := withRecorder(t)
	handler := routedHandler(TracingMiddleware(false), http.StatusOK)

	req := httptest.NewRequest(http.MethodGet, "/files/report.pdf", nil)
	req.Header.Set("Sid", "12345678")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "Vault Open", span.Name())
	assert.Equal(t, trace.SpanKindServer, span.SpanKind())

	a := attrs(span)
	assert.Equal(t, "/files/{name}", a["http.route"].AsString())
	assert.Equal(t, "report.pdf", a["vault.file_name"].AsString())
	assert.Equal(t, "[REDACTED]", a["http.request.header.sid"].AsString())
	assert.Equal(t, int64(200), a["http.response.status_code"].AsInt64())
}

func TestTracingMiddleware_Redaction(t *testing.T) {
	recorder := withRecorder(t)
	handler := routedHandler(TracingMiddleware(true), http.StatusOK)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/files/secret-plan.docx", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "Vault Seal", spans[0].Name())

	a := attrs(spans[0])
	_, hasName := a["vault.file_name"]
	assert.False(t, hasName)
	assert.Equal(t, "/files/[REDACTED]", a["url.path"].AsString())
}

func TestTracingMiddleware_ServerErrorStatus(t *testing.T) {
	recorder := withRecorder(t)
	handler := routedHandler(TracingMiddleware(false), http.StatusBadGateway)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/files", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "Vault List", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestTracingMiddleware_ContinuesInboundTrace(t *testing.T) {
	recorder := withRecorder(t)
	handler := routedHandler(TracingMiddleware(false), http.StatusOK)

	req := httptest.NewRequest(http.MethodGet, "/files", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", spans[0].Parent().SpanID().String())
}

func TestGetSpanName(t *testing.T) {
	tests := []struct {
		method, route, expected string
	}{
		{http.MethodPost, "/files/{name}", "Vault Seal"},
		{http.MethodGet, "/files/{name}", "Vault Open"},
		{http.MethodGet, "/files", "Vault List"},
		{http.MethodGet, "/health", "HTTP GET /health"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, getSpanName(tt.method, tt.route))
	}
}

func TestMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	handler := routedHandler(MetricsMiddleware(m), http.StatusOK)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/files/a.txt", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/files/b.txt", nil))

	n, err := testutil.GatherAndCount(reg, "envelope_vault_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "file names must not become label values")
}
