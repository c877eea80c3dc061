package handler

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

	"github.com/erp/possync/internal/infrastructure/config"
	"github.com/erp/possync/internal/infrastructure/persistence"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type testServer struct {
	t      *testing.T
	engine *gin.Engine
	repo   *persistence.CentralRecordRepository
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := persistence.Open(persistence.DriverSQLite,
		config.SQLiteDSN(filepath.Join(t.TempDir(), "central.db"), time.Second), persistence.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := persistence.NewCentralRecordRepository(db.DB)
	require.NoError(t, repo.AutoMigrate(t.Context()))

	engine := gin.New()
	api := engine.Group("/api/v1")
	h := NewResourceHandler(repo, DefaultResources())
	h.RegisterRoutes(api)
	NewSystemHandler(repo).RegisterRoutes(api)
	return &testServer{t: t, engine: engine, repo: repo}
}

func (s *testServer) do(method, path, body string) (int, envelope) {
	s.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var env envelope
	require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func fields(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

const gid1 = "6f1c2a8e-5b7d-4c39-9a0e-1d2f3b4c5d6e"
const gid2 = "0b9a8c7d-6e5f-4a3b-8c2d-1e0f9a8b7c6d"

func TestResourceHandler_CreateAndGet(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(http.MethodPost, "/api/v1/products/",
		`{"global_id":"`+gid1+`","code":" p-001 ","name":"Coffee","sale_price":"4.50"}`)
	require.Equal(t, http.StatusCreated, code)
	assert.True(t, env.Success)
	doc := fields(t, env.Data)
	assert.Equal(t, gid1, doc["global_id"])
	assert.Equal(t, true, doc["active"])
	assert.NotEmpty(t, doc["updated_at"])

	code, env = s.do(http.MethodGet, "/api/v1/products/"+gid1, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Coffee", fields(t, env.Data)["name"])

	rec, err := s.repo.FindByGlobalID(t.Context(), "product", gid1)
	require.NoError(t, err)
	assert.Equal(t, "P-001", rec.NaturalKey)
}

func TestResourceHandler_CreateGeneratesGlobalID(t *testing.T) {
	s := newTestServer(t)
	code, env := s.do(http.MethodPost, "/api/v1/customers/", `{"document":"123","name":"Ana"}`)
	require.Equal(t, http.StatusCreated, code)
	assert.NotEmpty(t, fields(t, env.Data)["global_id"])
}

func TestResourceHandler_Duplicates(t *testing.T) {
	s := newTestServer(t)
	code, _ := s.do(http.MethodPost, "/api/v1/products/", `{"global_id":"`+gid1+`","code":"A1","name":"One"}`)
	require.Equal(t, http.StatusCreated, code)

	code, env := s.do(http.MethodPost, "/api/v1/products/", `{"global_id":"`+gid1+`","code":"B1","name":"Again"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "DUPLICATE", env.Error.Code)

	code, env = s.do(http.MethodPost, "/api/v1/products/", `{"global_id":"`+gid2+`","code":"a1","name":"Clash"}`)
	assert.Equal(t, http.StatusConflict, code, "natural keys compare normalized")
	assert.Equal(t, "DUPLICATE", env.Error.Code)
}

func TestResourceHandler_Validation(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		path string
		body string
	}{
		{"missing required field", "/api/v1/products/", `{"code":"X"}`},
		{"not an object", "/api/v1/products/", `[1,2]`},
		{"wrong type", "/api/v1/products/", `{"code":"X","name":7}`},
		{"bad global id", "/api/v1/products/", `{"global_id":"nope","code":"X","name":"Y"}`},
		{"negative price", "/api/v1/products/", `{"code":"X","name":"Y","sale_price":"-1"}`},
		{"bad role", "/api/v1/users/", `{"username":"ana","role":"root"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := s.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusUnprocessableEntity, code)
			assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
		})
	}
}

func TestResourceHandler_UnknownCollectionAndRecord(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(http.MethodGet, "/api/v1/invoices/", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "UNKNOWN_ENTITY", env.Error.Code)

	code, env = s.do(http.MethodGet, "/api/v1/products/"+gid1, "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	code, _ = s.do(http.MethodPut, "/api/v1/products/"+gid1, `{"name":"x"}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestResourceHandler_PartialUpdate(t *testing.T) {
	s := newTestServer(t)
	code, _ := s.do(http.MethodPost, "/api/v1/products/",
		`{"global_id":"`+gid1+`","code":"A1","name":"Tea","stock":"5","sale_price":"2.00"}`)
	require.Equal(t, http.StatusCreated, code)

	code, env := s.do(http.MethodPut, "/api/v1/products/"+gid1, `{"stock":"9"}`)
	require.Equal(t, http.StatusOK, code)
	doc := fields(t, env.Data)
	assert.Equal(t, "9", doc["stock"])
	assert.Equal(t, "Tea", doc["name"], "absent fields keep their stored value")
	assert.Equal(t, "2.00", doc["sale_price"])

	code, _ = s.do(http.MethodPost, "/api/v1/products/", `{"global_id":"`+gid2+`","code":"B1","name":"Mate"}`)
	require.Equal(t, http.StatusCreated, code)
	code, env = s.do(http.MethodPut, "/api/v1/products/"+gid2, `{"code":"A1"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "DUPLICATE", env.Error.Code)
}

func TestResourceHandler_DeleteReleasesKey(t *testing.T) {
	s := newTestServer(t)
	code, _ := s.do(http.MethodPost, "/api/v1/products/", `{"global_id":"`+gid1+`","code":"A1","name":"Old"}`)
	require.Equal(t, http.StatusCreated, code)

	code, env := s.do(http.MethodDelete, "/api/v1/products/"+gid1, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, fields(t, env.Data)["active"])

	code, _ = s.do(http.MethodDelete, "/api/v1/products/"+gid1, "")
	assert.Equal(t, http.StatusNotFound, code, "deleting twice is not found")

	code, _ = s.do(http.MethodPost, "/api/v1/products/", `{"global_id":"`+gid2+`","code":"A1","name":"New"}`)
	assert.Equal(t, http.StatusCreated, code, "a deactivated record frees its natural key")

	code, env = s.do(http.MethodGet, "/api/v1/products/", "")
	require.Equal(t, http.StatusOK, code)
	var all []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &all))
	require.Len(t, all, 2, "deactivated records are listed so devices can pull deletions")
	assert.Equal(t, false, all[0]["active"])

	code, env = s.do(http.MethodGet, "/api/v1/products/?active_only=true", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &all))
	assert.Len(t, all, 1)

	code, env = s.do(http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, code)
	var stats struct {
		Records map[string]int64 `json:"records"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, int64(1), stats.Records["product"])
}

func TestResourceHandler_PasswordsAreNotStored(t *testing.T) {
	s := newTestServer(t)
	code, env := s.do(http.MethodPost, "/api/v1/users/",
		`{"global_id":"`+gid1+`","username":"Ana.B","password":"s3cret-pass","role":"cashier"}`)
	require.Equal(t, http.StatusCreated, code)
	assert.NotContains(t, fields(t, env.Data), "password")

	rec, err := s.repo.FindByGlobalID(t.Context(), "user", gid1)
	require.NoError(t, err)
	assert.NotContains(t, rec.Payload, "s3cret-pass")
	assert.Equal(t, "ana.b", rec.NaturalKey)
}
