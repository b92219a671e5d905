package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pbinitiative/zenflow/internal/config"
	otelint "github.com/pbinitiative/zenflow/internal/otel"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// statusWriter remembers the status code and the number of bytes written.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (w *statusWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.written += int64(n)
	return n, err
}

// Opentelemetry traces every request with otelhttp, names the span after the matched route and
// records the request metrics when requests is not nil.
func Opentelemetry(conf config.Config, requests *otelint.RequestMetrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r = r.WithContext(transferHeadersCtx(r.Context(), r, conf.Tracing.TransferHeaders))
			sw := &statusWriter{ResponseWriter: w}
			startTime := time.Now()

			next.ServeHTTP(sw, r)

			routePattern := r.URL.Path
			var instanceKey string
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					routePattern = p
				}
				instanceKey = rctx.URLParam("instanceKey")
			}
			span := trace.SpanFromContext(r.Context())
			span.SetName(r.Method + " " + routePattern)
			span.SetAttributes(transferHeaderAttributes(r, conf.Tracing.TransferHeaders)...)
			if key, err := strconv.ParseInt(instanceKey, 10, 64); err == nil {
				span.SetAttributes(otelint.InstanceKeyKey.Int64(key))
			}
			if sw.statusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(sw.statusCode))
			}
			if requests != nil {
				recordRequest(requests, routePattern, r, sw, startTime)
			}
		})
		return otelhttp.NewHandler(inner, "request", otelhttp.WithServerName(conf.Tracing.Name))
	}
}

func recordRequest(m *otelint.RequestMetrics, routePattern string, r *http.Request, sw *statusWriter, startTime time.Time) {
	ctx := r.Context()
	tags := metric.WithAttributes(
		attribute.String("path", routePattern),
		attribute.String("method", r.Method),
		attribute.Int("status", sw.statusCode),
	)
	m.RequestTotal.Add(ctx, 1)
	m.RequestUriTotal.Add(ctx, 1, tags)
	if r.ContentLength >= 0 {
		m.RequestBodySize.Add(ctx, float64(r.ContentLength), tags)
	}
	if sw.written > 0 {
		m.ResponseBodySize.Add(ctx, float64(sw.written), tags)
	}
	m.RequestDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), tags)
}

func transferHeadersCtx(ctx context.Context, r *http.Request, transferHeaders []string) context.Context {
	for _, header := range transferHeaders {
		ctx = context.WithValue(ctx, otelint.TransferHeaderKey(header), r.Header.Get(header))
	}
	return ctx
}

func transferHeaderAttributes(r *http.Request, transferHeaders []string) []attribute.KeyValue {
	attributes := make([]attribute.KeyValue, 0, len(transferHeaders))
	for _, header := range transferHeaders {
		attributes = append(attributes, attribute.String(header, r.Header.Get(header)))
	}
	return attributes
}
