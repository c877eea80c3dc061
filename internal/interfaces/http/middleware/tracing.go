package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig holds configuration for the tracing middleware.
type TracingConfig struct {
	// ServiceName is the name of the service for trace identification.
	ServiceName string
	// Enabled controls whether tracing is active.
	Enabled bool
}

// DefaultTracingConfig returns default tracing configuration.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		ServiceName: "possync-central",
		Enabled:     true,
	}
}

// TracingWithConfig returns OpenTelemetry tracing middleware built on otelgin.
// SpanAttributes and SpanErrorMarker enrich the span it opens and must be
// placed after it.
func TracingWithConfig(cfg TracingConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	return otelgin.Middleware(cfg.ServiceName)
}

// SpanAttributes adds the request_id, entity and idempotency_key attributes
// to the request span
func SpanAttributes() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := trace.SpanFromContext(c.Request.Context())
		if span.IsRecording() {
			enrichSpan(c, span)
		}
		c.Next()
	}
}

func enrichSpan(c *gin.Context, span trace.Span) {
	if requestID := c.GetString("request_id"); requestID != "" {
		span.SetAttributes(attribute.String("request_id", requestID))
	}
	if entity := c.Param("entity"); entity != "" {
		span.SetAttributes(attribute.String("entity", entity))
	}
	if key := c.GetHeader(IdempotencyHeader); key != "" {
		span.SetAttributes(attribute.String("idempotency_key", key))
	}
}

// SpanErrorMarker marks spans of 4xx responses with error status; otelgin
// only does that for 5xx, after this handler returns. Both get the error.type
// attribute. It must be placed after the tracing middleware.
func SpanErrorMarker() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		span := trace.SpanFromContext(c.Request.Context())
		if !span.IsRecording() {
			return
		}

		statusCode := c.Writer.Status()
		if statusCode < http.StatusBadRequest {
			return
		}
		span.SetAttributes(
			attribute.Int("http.status_code", statusCode),
			attribute.String("error.type", strconv.Itoa(statusCode)),
		)
		if statusCode < http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(statusCode))
		}
	}
}
