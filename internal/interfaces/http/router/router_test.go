package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/possync/internal/domain/shared"
	"github.com/erp/possync/internal/infrastructure/cache"
	"github.com/erp/possync/internal/infrastructure/config"
	"github.com/erp/possync/internal/infrastructure/persistence"
	"github.com/erp/possync/internal/interfaces/http/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type pingRegistrar struct{}

func (pingRegistrar) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
}

func TestNewRouter(t *testing.T) {
	r := NewRouter(gin.New())
	assert.Equal(t, "v1", r.apiVersion)
	assert.Empty(t, r.registrars)

	r = NewRouter(gin.New(), WithAPIVersion("v2"))
	assert.Equal(t, "v2", r.apiVersion)
}

func TestRouterSetup(t *testing.T) {
	engine := gin.New()
	var seen bool
	NewRouter(engine, WithAPIVersion("v2")).
		Register(pingRegistrar{}).
		Setup(func(c *gin.Context) { seen = true; c.Next() })

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v2/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
	assert.True(t, seen, "group middleware runs")
}

func newEngine(t *testing.T) *gin.Engine {
	t.Helper()
	return newEngineWith(t, Deps{})
}

func newEngineWith(t *testing.T, deps Deps) *gin.Engine {
	t.Helper()
	db, err := persistence.Open(persistence.DriverSQLite,
		config.SQLiteDSN(filepath.Join(t.TempDir(), "central.db"), time.Second), persistence.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := persistence.NewCentralRecordRepository(db.DB)
	require.NoError(t, repo.AutoMigrate(t.Context()))

	store := cache.NewInMemoryIdempotencyStore()
	t.Cleanup(func() { _ = store.Close() })

	deps.Store = repo
	deps.Stats = repo
	deps.Idempotency = store
	deps.IdemConfig = shared.DefaultIdempotencyConfig()
	deps.Tracing = middleware.TracingConfig{Enabled: false}
	return NewCentralEngine(deps)
}

func TestCentralEngine_Health(t *testing.T) {
	engine := newEngine(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-1")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))
}

func TestCentralEngine_UnknownRoute(t *testing.T) {
	w := httptest.NewRecorder()
	newEngine(t).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestCentralEngine_IdempotentCreate(t *testing.T) {
	engine := newEngine(t)
	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/products/",
			strings.NewReader(`{"code":"A1","name":"Tea"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(middleware.IdempotencyHeader, "till-1:42")
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w
	}

	first := post()
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := post()
	assert.Equal(t, http.StatusCreated, second.Code, "a retried create is not reported as a duplicate")
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"product":1`)
}

func TestCentralEngine_Swagger(t *testing.T) {
	get := func(engine *gin.Engine, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	t.Run("hidden unless enabled", func(t *testing.T) {
		w := get(newEngine(t), "/swagger/index.html")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "NOT_FOUND")
	})

	t.Run("serves the ui and the record api document", func(t *testing.T) {
		engine := newEngineWith(t, Deps{Swagger: middleware.SwaggerConfig{Enabled: true}})

		ui := get(engine, "/swagger/index.html")
		assert.Equal(t, http.StatusOK, ui.Code)
		assert.Contains(t, ui.Body.String(), "swagger")

		doc := get(engine, "/swagger/doc.json")
		require.Equal(t, http.StatusOK, doc.Code)
		var spec struct {
			BasePath string                     `json:"basePath"`
			Paths    map[string]json.RawMessage `json:"paths"`
		}
		require.NoError(t, json.Unmarshal(doc.Body.Bytes(), &spec))
		assert.Equal(t, "/api/v1", spec.BasePath)
		assert.Contains(t, spec.Paths, "/{entity}/")
		assert.Contains(t, spec.Paths, "/{entity}/{id}")
		assert.Contains(t, doc.Body.String(), "createRecord")
	})
}
