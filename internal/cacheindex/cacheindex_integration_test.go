//go:build integration

package cacheindex

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/kenchrcum/weathergw/internal/model"
)

// TestRedisIndex_Integration exercises the index against a real Redis
// server started in a disposable container.
func TestRedisIndex_Integration(t *testing.T) {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	opts, err := redis.ParseURL(connStr)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	idx := NewRedisIndexFromClient(client)

	entry := &model.CacheEntry{
		Status: model.StatusCompleted,
		Host:   "worker-1",
		Share:  "default",
		Target: "/cache/default/weathergw/cafebabe.grib",
		Size:   1024,
	}
	require.NoError(t, idx.Set(ctx, "cafebabe", entry))

	got, err := idx.Get(ctx, "cafebabe")
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, got.Status)
	require.EqualValues(t, 1024, got.Size)
}
