package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("request_id"))
	})

	t.Run("generates request ID", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
		assert.Equal(t, w.Header().Get("X-Request-ID"), w.Body.String())
	})

	t.Run("uses provided request ID", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("X-Request-ID", "test-request-id")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, "test-request-id", w.Header().Get("X-Request-ID"))
		assert.Equal(t, "test-request-id", w.Body.String())
	})

	t.Run("replaces oversized request ID", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("X-Request-ID", strings.Repeat("x", MaxRequestIDLength+1))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.LessOrEqual(t, len(w.Body.String()), MaxRequestIDLength)
	})
}

func TestTimeout(t *testing.T) {
	t.Run("sets a deadline", func(t *testing.T) {
		router := gin.New()
		router.Use(Timeout(time.Second))
		var deadline time.Time
		var ok bool
		router.GET("/test", func(c *gin.Context) {
			deadline, ok = c.Request.Context().Deadline()
			c.Status(http.StatusOK)
		})

		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/test", nil))
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(time.Second), deadline, time.Second)
	})

	t.Run("zero disables the deadline", func(t *testing.T) {
		router := gin.New()
		router.Use(Timeout(0))
		var ctx context.Context
		router.GET("/test", func(c *gin.Context) {
			ctx = c.Request.Context()
			c.Status(http.StatusOK)
		})

		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/test", nil))
		_, ok := ctx.Deadline()
		assert.False(t, ok)
	})
}
