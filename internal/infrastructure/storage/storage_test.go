package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/erp/possync/internal/infrastructure/config"
)

func TestSnapshotKey(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	assert.Equal(t, "snapshots/till-01/20260102T030405.000000006Z.db", SnapshotKey("till-01", at))
	assert.Equal(t, "snapshots/dev_ice/20260102T030405.000000006Z.db", SnapshotKey("dev/ice", at))
	assert.True(t, strings.HasPrefix(SnapshotKey("", at), "snapshots/device/"))
}

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, ProviderLocal, store.Name())

	key := "snapshots/till/1.db"
	loc, err := store.Put(ctx, key, strings.NewReader("sqlite"), 6)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc, store.Root()))

	ok, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := store.Open(ctx, key)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "sqlite", string(data))

	_, err = store.Put(ctx, "snapshots/till/2.db", strings.NewReader("x"), 1)
	require.NoError(t, err)
	_, err = store.Put(ctx, "other/3.db", strings.NewReader("y"), 1)
	require.NoError(t, err)

	objs, err := store.List(ctx, "snapshots/")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, key, objs[0].Key)
	assert.Equal(t, int64(6), objs[0].Size)

	require.NoError(t, store.Delete(ctx, key))
	require.NoError(t, store.Delete(ctx, key), "deleting twice is fine")
	ok, err = store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	t.Run("invalid keys", func(t *testing.T) {
		_, err := store.Put(ctx, "", strings.NewReader(""), 0)
		assert.ErrorIs(t, err, ErrEmptyKey)
		_, err = store.Put(ctx, "../escape.db", strings.NewReader(""), 0)
		assert.Error(t, err)
		_, err = store.Exists(ctx, "/abs.db")
		assert.Error(t, err)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := store.Put(cctx, "snapshots/cancelled.db", strings.NewReader("z"), 1)
		assert.ErrorIs(t, err, context.Canceled)
		ok, err := store.Exists(ctx, "snapshots/cancelled.db")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, &config.BackupConfig{Provider: ProviderLocal, Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderLocal, s.Name())

	_, err = New(ctx, &config.BackupConfig{Provider: "ftp"}, nil)
	assert.Error(t, err)

	_, err = New(ctx, &config.BackupConfig{Provider: ProviderS3}, nil)
	assert.Error(t, err)
}

func TestNewS3Store_Validation(t *testing.T) {
	ctx := context.Background()

	t.Run("nil config", func(t *testing.T) {
		_, err := NewS3Store(ctx, nil)
		assert.ErrorContains(t, err, "configuration is required")
	})

	t.Run("missing bucket", func(t *testing.T) {
		_, err := NewS3Store(ctx, &config.BackupConfig{AccessKey: "k", SecretKey: "s"})
		assert.ErrorContains(t, err, "bucket is required")
	})

	t.Run("missing credentials", func(t *testing.T) {
		_, err := NewS3Store(ctx, &config.BackupConfig{Bucket: "b"})
		assert.ErrorContains(t, err, "secret key are required")
	})

	t.Run("valid config", func(t *testing.T) {
		s, err := NewS3Store(ctx, &config.BackupConfig{
			Bucket: "pos-backups", AccessKey: "k", SecretKey: "s",
			Endpoint: "localhost:9000", UsePathStyle: true,
		}, WithLogger(zaptest.NewLogger(t)))
		require.NoError(t, err)
		assert.Equal(t, "pos-backups", s.Bucket())
		assert.Equal(t, ProviderS3, s.Name())

		url, err := s.DownloadURL(ctx, "snapshots/a.db", time.Minute)
		require.NoError(t, err)
		assert.Contains(t, url, "https://localhost:9000/pos-backups/snapshots/a.db")
		assert.Contains(t, url, "X-Amz-Signature")
	})
}

// fakeS3 answers the handful of path-style requests S3Store makes
type fakeS3 struct {
	mu           sync.Mutex
	objects      map[string][]byte
	bucketStatus int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.URL.Path == "/pos-backups" || r.URL.Path == "/pos-backups/" {
		w.WriteHeader(f.bucketStatus)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/pos-backups/")
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodHead:
		if _, ok := f.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func TestS3Store_PutExistsDelete(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{}, bucketStatus: http.StatusOK}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s, err := NewS3Store(ctx, &config.BackupConfig{
		Bucket: "pos-backups", AccessKey: "k", SecretKey: "s",
		Endpoint: srv.URL, UsePathStyle: true,
	})
	require.NoError(t, err)

	payload := []byte("SQLite format 3")
	loc, err := s.Put(ctx, "snapshots/till/1.db", bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, "s3://pos-backups/snapshots/till/1.db", loc)
	assert.Contains(t, string(fake.objects["snapshots/till/1.db"]), string(payload))

	ok, err := s.Exists(ctx, "snapshots/till/1.db")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(ctx, "snapshots/till/missing.db")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Delete(ctx, "snapshots/till/1.db"))
	assert.Empty(t, fake.objects)
}

func TestS3Store_EnsureBucket(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{}, bucketStatus: http.StatusOK}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s, err := NewS3Store(ctx, &config.BackupConfig{
		Bucket: "pos-backups", AccessKey: "k", SecretKey: "s",
		Endpoint: srv.URL, UsePathStyle: true,
	})
	require.NoError(t, err)
	assert.NoError(t, s.EnsureBucket(ctx), "an existing bucket is left alone")

	fake.mu.Lock()
	fake.bucketStatus = http.StatusForbidden
	fake.mu.Unlock()
	err = s.EnsureBucket(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to check bucket existence")
}
