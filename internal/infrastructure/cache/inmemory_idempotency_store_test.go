package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/possync/internal/infrastructure/config"
)

func TestInMemoryIdempotencyStore_Reserve(t *testing.T) {
	store := NewInMemoryIdempotencyStore()
	defer store.Close()
	ctx := context.Background()

	t.Run("first reserve wins", func(t *testing.T) {
		ok, err := store.Reserve(ctx, "key-1", time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.Reserve(ctx, "key-1", time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("expired claim can be reserved again", func(t *testing.T) {
		ok, err := store.Reserve(ctx, "key-2", 10*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, ok)

		time.Sleep(20 * time.Millisecond)

		ok, err = store.Reserve(ctx, "key-2", time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("released key can be reserved again", func(t *testing.T) {
		ok, _ := store.Reserve(ctx, "key-3", time.Hour)
		require.True(t, ok)
		require.NoError(t, store.Release(ctx, "key-3"))

		ok, err := store.Reserve(ctx, "key-3", time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestInMemoryIdempotencyStore_SaveLookup(t *testing.T) {
	store := NewInMemoryIdempotencyStore()
	defer store.Close()
	ctx := context.Background()

	_, found, err := store.Lookup(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	ok, err := store.Reserve(ctx, "k", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err = store.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found, "in-flight claim has no response yet")

	resp := []byte(`{"status":201}`)
	require.NoError(t, store.Save(ctx, "k", resp, time.Hour))
	resp[0] = 'X' // stored copy must not alias the caller's buffer

	got, found, err := store.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"status":201}`, string(got))

	ok, err = store.Reserve(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "completed key stays claimed")
}

func TestInMemoryIdempotencyStore_ConcurrentReserve(t *testing.T) {
	store := NewInMemoryIdempotencyStore()
	defer store.Close()
	ctx := context.Background()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := store.Reserve(ctx, "same", time.Hour); ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestInMemoryIdempotencyStore_Cleanup(t *testing.T) {
	store := NewInMemoryIdempotencyStore()
	defer store.Close()
	ctx := context.Background()

	_, _ = store.Reserve(ctx, "short", time.Millisecond)
	_, _ = store.Reserve(ctx, "long", time.Hour)
	time.Sleep(5 * time.Millisecond)

	store.cleanup()
	assert.Equal(t, 1, store.Size())
}

func TestInMemoryIdempotencyStore_CloseTwice(t *testing.T) {
	store := NewInMemoryIdempotencyStore()
	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}

func TestIdempotencyStoreFactory(t *testing.T) {
	t.Run("redis disabled uses memory", func(t *testing.T) {
		f := NewIdempotencyStoreFactory(config.RedisConfig{Enabled: false})
		store, err := f.CreateStore()
		require.NoError(t, err)
		defer store.Close()
		_, ok := store.(*InMemoryIdempotencyStore)
		assert.True(t, ok)
	})

	t.Run("unreachable redis falls back", func(t *testing.T) {
		f := NewIdempotencyStoreFactory(config.RedisConfig{Enabled: true, Host: "127.0.0.1", Port: 1})
		store, err := f.CreateStore()
		require.NoError(t, err)
		defer store.Close()
		_, ok := store.(*InMemoryIdempotencyStore)
		assert.True(t, ok)
	})

	t.Run("unreachable redis without fallback fails", func(t *testing.T) {
		f := NewIdempotencyStoreFactory(config.RedisConfig{Enabled: true, Host: "127.0.0.1", Port: 1}, WithInMemoryFallback(false))
		_, err := f.CreateStore()
		assert.Error(t, err)
	})
}
