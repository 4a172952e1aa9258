package progress

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryCache_SetGetRemove tests the basic snapshot lifecycle.
func TestMemoryCache_SetGetRemove(t *testing.T) {
	cache := NewMemoryCache(0)
	ctx := context.Background()

	snap, err := cache.Get(ctx, "op_1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	err = cache.Set(ctx, Snapshot{
		OperationID: "op_1",
		Percent:     42.5,
		Message:     "epoch 8/20",
		Context:     map[string]interface{}{"train_loss": 0.31},
	})
	require.NoError(t, err)

	snap, err = cache.Get(ctx, "op_1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 42.5, snap.Percent)
	assert.Equal(t, "epoch 8/20", snap.Message)
	assert.False(t, snap.UpdatedAt.IsZero())

	// The returned snapshot is a copy.
	snap.Percent = 99
	again, err := cache.Get(ctx, "op_1")
	require.NoError(t, err)
	assert.Equal(t, 42.5, again.Percent)

	require.NoError(t, cache.Remove(ctx, "op_1"))
	snap, err = cache.Get(ctx, "op_1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

// TestMemoryCache_EvictsStalest tests capacity-bound eviction.
func TestMemoryCache_EvictsStalest(t *testing.T) {
	cache := NewMemoryCache(3)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		err := cache.Set(ctx, Snapshot{
			OperationID: fmt.Sprintf("op_%d", i),
			Percent:     float64(i),
			UpdatedAt:   base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	// A fourth insert evicts op_0, the stalest entry.
	err := cache.Set(ctx, Snapshot{OperationID: "op_3", Percent: 3})
	require.NoError(t, err)

	snap, err := cache.Get(ctx, "op_0")
	require.NoError(t, err)
	assert.Nil(t, snap)

	for _, id := range []string{"op_1", "op_2", "op_3"} {
		snap, err := cache.Get(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, snap, "expected %s to survive eviction", id)
	}
}

// TestMemoryCache_UpdateDoesNotEvict tests that rewriting an existing
// key at capacity does not evict anything.
func TestMemoryCache_UpdateDoesNotEvict(t *testing.T) {
	cache := NewMemoryCache(2)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, Snapshot{OperationID: "op_a", Percent: 1}))
	require.NoError(t, cache.Set(ctx, Snapshot{OperationID: "op_b", Percent: 1}))
	require.NoError(t, cache.Set(ctx, Snapshot{OperationID: "op_a", Percent: 2}))

	snapA, err := cache.Get(ctx, "op_a")
	require.NoError(t, err)
	require.NotNil(t, snapA)
	assert.Equal(t, float64(2), snapA.Percent)

	snapB, err := cache.Get(ctx, "op_b")
	require.NoError(t, err)
	assert.NotNil(t, snapB)
}

// TestRedisCache tests the Redis-backed cache against miniredis.
func TestRedisCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ctx := context.Background()
	cache, err := NewRedisCache(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	defer cache.Close()

	snap, err := cache.Get(ctx, "op_1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	err = cache.Set(ctx, Snapshot{
		OperationID: "op_1",
		Percent:     12.5,
		Message:     "bar 12500/100000",
		Context:     map[string]interface{}{"equity": 101250.0},
	})
	require.NoError(t, err)

	snap, err = cache.Get(ctx, "op_1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 12.5, snap.Percent)
	assert.Equal(t, "bar 12500/100000", snap.Message)
	assert.Equal(t, 101250.0, snap.Context["equity"])

	// Keys are namespaced and carry a TTL.
	assert.True(t, mr.Exists("ktrdr:progress:op_1"))
	assert.Greater(t, mr.TTL("ktrdr:progress:op_1"), time.Duration(0))

	require.NoError(t, cache.Remove(ctx, "op_1"))
	snap, err = cache.Get(ctx, "op_1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

// TestNewRedisCache_BadURL tests constructor failures.
func TestNewRedisCache_BadURL(t *testing.T) {
	_, err := NewRedisCache(context.Background(), "not-a-url")
	assert.Error(t, err)
}
