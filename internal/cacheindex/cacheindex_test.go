package cacheindex

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/kenchrcum/weathergw/internal/model"
)

func newTestIndex(t *testing.T) *RedisIndex {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisIndexFromClient(client)
}

func TestRedisIndex_GetMiss(t *testing.T) {
	idx := newTestIndex(t)
	_, err := idx.Get(context.Background(), "deadbeef")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisIndex_SetThenGet(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	entry := &model.CacheEntry{
		Status: model.StatusQueued,
		Host:   "worker-1",
		Share:  "default",
		Target: "/cache/default/weathergw/deadbeef.grib",
	}
	require.NoError(t, idx.Set(ctx, "deadbeef", entry))

	got, err := idx.Get(ctx, "deadbeef")
	require.NoError(t, err)
	require.Equal(t, entry.Status, got.Status)
	require.Equal(t, entry.Host, got.Host)
	require.Equal(t, entry.Target, got.Target)
}

func TestRedisIndex_Delete(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Set(ctx, "k", &model.CacheEntry{Status: model.StatusFailed}))
	require.NoError(t, idx.Delete(ctx, "k"))

	_, err := idx.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisIndex_DeleteAbsentIsNotError(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.Delete(context.Background(), "never-existed"))
}
