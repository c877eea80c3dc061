package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/erp/possync/internal/domain/shared"
	"github.com/erp/possync/internal/interfaces/http/dto"
)

// IdempotencyHeader identifies a mutation across retries
const IdempotencyHeader = "Idempotency-Key"

// IdempotencyMetrics tracks idempotency-related statistics
type IdempotencyMetrics struct {
	// Processed is the number of keyed requests handled for the first time
	Processed atomic.Int64
	// Replayed is the number of keyed requests answered from the store
	Replayed atomic.Int64
	// Rejected is the number of keyed requests refused while the first was running
	Rejected atomic.Int64
}

// storedResponse is what the store keeps for a completed request
type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// recordingWriter copies the response body while it is written
type recordingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *recordingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency replays the stored response of a mutation whose
// Idempotency-Key was already seen. Keys are scoped by method and path, so
// the same key may be used by a PUT and by the POST that follows it.
// Responses with a 5xx status are not remembered.
func Idempotency(store shared.IdempotencyStore, cfg shared.IdempotencyConfig, logger *zap.Logger, metrics *IdempotencyMetrics) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = &IdempotencyMetrics{}
	}

	return func(c *gin.Context) {
		header := c.GetHeader(IdempotencyHeader)
		if !cfg.Enabled || store == nil || header == "" || c.Request.Method == http.MethodGet {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		key := c.Request.Method + " " + c.Request.URL.Path + " " + header

		if data, ok, err := store.Lookup(ctx, key); err != nil {
			logger.Warn("Idempotency lookup failed, processing anyway", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		} else if ok {
			var resp storedResponse
			if err := json.Unmarshal(data, &resp); err == nil {
				metrics.Replayed.Add(1)
				logger.Debug("Replaying stored response", zap.String("key", key), zap.Int("status", resp.Status))
				c.Header("Idempotent-Replayed", "true")
				c.Data(resp.Status, resp.ContentType, resp.Body)
				c.Abort()
				return
			}
		}

		reserved, err := store.Reserve(ctx, key, cfg.TTL)
		if err != nil {
			logger.Warn("Idempotency reservation failed, processing anyway", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}
		if !reserved {
			metrics.Rejected.Add(1)
			c.AbortWithStatusJSON(dto.GetHTTPStatus(dto.ErrCodeInProgress),
				dto.NewErrorResponse(dto.ErrCodeInProgress, "A request with this idempotency key is still being processed"))
			return
		}

		rec := &recordingWriter{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		status := rec.Status()
		if status >= http.StatusInternalServerError {
			if err := store.Release(ctx, key); err != nil {
				logger.Warn("Failed to release idempotency key", zap.String("key", key), zap.Error(err))
			}
			return
		}

		data, err := json.Marshal(storedResponse{
			Status:      status,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.body.Bytes(),
		})
		if err == nil {
			err = store.Save(ctx, key, data, cfg.TTL)
		}
		if err != nil {
			logger.Warn("Failed to store idempotent response", zap.String("key", key), zap.Error(err))
			return
		}
		metrics.Processed.Add(1)
	}
}
