// Package storage keeps database snapshots taken before a repair, either in a
// local directory or in an S3-compatible bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/erp/possync/internal/infrastructure/config"
)

// Supported providers
const (
	ProviderLocal = "local"
	ProviderS3    = "s3"
)

// ErrEmptyKey is returned when an operation is called without a key
var ErrEmptyKey = errors.New("storage key is required")

// Object describes a stored snapshot
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// BackupStore stores snapshot files by key
type BackupStore interface {
	// Put stores the content of r under key and returns where it ended up
	Put(ctx context.Context, key string, r io.Reader, size int64) (string, error)
	// Open returns a reader over a stored snapshot
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Exists reports whether key is stored
	Exists(ctx context.Context, key string) (bool, error)
	// List returns stored snapshots whose key starts with prefix, oldest first
	List(ctx context.Context, prefix string) ([]Object, error)
	// Delete removes a snapshot; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error
	// Name identifies the backend in logs
	Name() string
}

// New creates the backup store selected by cfg.Provider
func New(ctx context.Context, cfg *config.BackupConfig, logger *zap.Logger) (BackupStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Provider {
	case "", ProviderLocal:
		return NewLocalStore(cfg.Dir)
	case ProviderS3:
		s, err := NewS3Store(ctx, cfg, WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported backup provider %q", cfg.Provider)
	}
}

// SnapshotKey builds the key of a snapshot taken at t on device
func SnapshotKey(deviceID string, t time.Time) string {
	if deviceID == "" {
		deviceID = "device"
	}
	return path.Join("snapshots", sanitizeSegment(deviceID), t.UTC().Format("20060102T150405.000000000Z")+".db")
}

func sanitizeSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

func validateKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("invalid storage key %q", key)
	}
	return nil
}
