package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTestTracer sets up a test tracer provider and returns the span recorder.
func setupTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prevTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t.Cleanup(func() {
		_ = tp.Shutdown(t.Context())
		otel.SetTracerProvider(prevTP)
	})

	return sr
}

func tracedRouter(handler gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(RequestID())
	router.Use(TracingWithConfig(TracingConfig{Enabled: true, ServiceName: "test-service"}))
	router.Use(SpanAttributes())
	router.Use(SpanErrorMarker())
	router.PUT("/api/v1/:entity/:id", handler)
	return router
}

func findSpan(t *testing.T, sr *tracetest.SpanRecorder, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, span := range sr.Ended() {
		if span.Name() == name {
			return span
		}
	}
	require.Failf(t, "span not found", "no span named %q", name)
	return nil
}

func attrValue(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracingWithConfig_Disabled(t *testing.T) {
	router := gin.New()
	router.Use(TracingWithConfig(TracingConfig{Enabled: false}))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTracing_SpanAttributes(t *testing.T) {
	sr := setupTestTracer(t)
	router := tracedRouter(func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	req := httptest.NewRequest(http.MethodPut, "/api/v1/products/abc", nil)
	req.Header.Set("X-Request-ID", "req-42")
	req.Header.Set(IdempotencyHeader, "till-1:7")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	span := findSpan(t, sr, "PUT /api/v1/:entity/:id")
	v, ok := attrValue(span, "request_id")
	require.True(t, ok)
	assert.Equal(t, "req-42", v.AsString())
	v, ok = attrValue(span, "entity")
	require.True(t, ok)
	assert.Equal(t, "products", v.AsString())
	v, ok = attrValue(span, "idempotency_key")
	require.True(t, ok)
	assert.Equal(t, "till-1:7", v.AsString())
	assert.NotEqual(t, codes.Error, span.Status().Code)
}

func TestSpanErrorMarker(t *testing.T) {
	tests := []struct {
		status      int
		description string
	}{
		{http.StatusNotFound, "Not Found"},
		{http.StatusConflict, "Conflict"},
		{http.StatusUnprocessableEntity, "Unprocessable Entity"},
		{http.StatusBadGateway, ""},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			sr := setupTestTracer(t)
			router := tracedRouter(func(c *gin.Context) {
				c.JSON(tt.status, gin.H{"success": false})
			})

			router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/api/v1/products/abc", nil))

			span := findSpan(t, sr, "PUT /api/v1/:entity/:id")
			assert.Equal(t, codes.Error, span.Status().Code)
			if tt.description != "" {
				assert.Equal(t, tt.description, span.Status().Description)
			}
			v, ok := attrValue(span, "error.type")
			require.True(t, ok)
			assert.Equal(t, strconv.Itoa(tt.status), v.AsString())
		})
	}
}

func TestSpanErrorMarker_WithNoSpan(t *testing.T) {
	router := gin.New()
	router.Use(SpanErrorMarker())
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusInternalServerError)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
