package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/pbinitiative/zenflow/internal/config"
	otelint "github.com/pbinitiative/zenflow/internal/otel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStripEmptyQueryParams(t *testing.T) {
	// given
	var got string
	handler := StripEmptyQueryParams()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.RawQuery
	}))
	req := httptest.NewRequest(http.MethodGet, "/tasks?topic=&limit=%205%20&tag=a&tag=", nil)

	// when
	handler.ServeHTTP(httptest.NewRecorder(), req)

	// then
	assert.Equal(t, "limit=5&tag=a", got)
}

func TestCorsAllowsConfiguredOrigin(t *testing.T) {
	// given
	handler := Cors([]string{"https://ops.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	other := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	other.Header.Set("Origin", "https://elsewhere.example.com")

	// when
	allowed := httptest.NewRecorder()
	handler.ServeHTTP(allowed, req)
	rejected := httptest.NewRecorder()
	handler.ServeHTTP(rejected, other)

	// then
	assert.Equal(t, "https://ops.example.com", allowed.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rejected.Header().Get("Access-Control-Allow-Origin"))
}

func TestOpentelemetryNamesSpanAfterRoute(t *testing.T) {
	// given
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	conf := config.Config{Tracing: config.Tracing{Name: "zenflow", TransferHeaders: []string{"X-Tenant"}}}
	r := chi.NewRouter()
	r.Use(Opentelemetry(conf, nil))
	r.Get("/v1/process-instances/{instanceKey}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acme", r.Context().Value(otelint.TransferHeaderKey("X-Tenant")))
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/process-instances/42", nil)
	req.Header.Set("X-Tenant", "acme")

	// when
	r.ServeHTTP(httptest.NewRecorder(), req)

	// then
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /v1/process-instances/{instanceKey}", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), otelint.InstanceKeyKey.Int64(42))
	assert.Contains(t, spans[0].Attributes(), attribute.String("X-Tenant", "acme"))
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}
