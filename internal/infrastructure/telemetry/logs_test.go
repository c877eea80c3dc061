package telemetry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingExporter struct {
	mu     sync.Mutex
	bodies []string
}

func (e *recordingExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.bodies = append(e.bodies, r.Body().AsString())
	}
	return nil
}

func (e *recordingExporter) Shutdown(context.Context) error   { return nil }
func (e *recordingExporter) ForceFlush(context.Context) error { return nil }

func TestLoggerProvider_Disabled(t *testing.T) {
	lp, err := NewLoggerProvider(context.Background(), LogsConfig{Enabled: false}, zap.NewNop())
	require.NoError(t, err)
	assert.False(t, lp.IsEnabled())

	log := zap.NewNop()
	assert.Same(t, log, lp.Bridge(log, "possync"))
	assert.NoError(t, lp.Shutdown(context.Background()))
}

func TestLoggerProvider_Bridge(t *testing.T) {
	exp := &recordingExporter{}
	lp := &LoggerProvider{
		provider: sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(exp))),
		logger:   zap.NewNop(),
	}

	core, local := observer.New(zapcore.InfoLevel)
	log := lp.Bridge(zap.New(core), "possync")

	log.Debug("below level")
	log.Info("entity synced", zap.String("entity", "product"))
	log.With(zap.String("run_id", "r1")).Warn("sync partial")

	assert.Equal(t, 2, local.Len(), "the original output still receives entries")
	exp.mu.Lock()
	assert.Equal(t, []string{"entity synced", "sync partial"}, exp.bodies)
	exp.mu.Unlock()
	require.NoError(t, lp.Shutdown(context.Background()))
}
