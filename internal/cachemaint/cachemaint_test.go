package cachemaint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/kenchrcum/weathergw/internal/cacheindex"
	"github.com/kenchrcum/weathergw/internal/model"
)

func newIndex(t *testing.T) cacheindex.Index {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return cacheindex.NewRedisIndexFromClient(client)
}

func TestMaintainer_PopulateBackfillsUnknownFiles(t *testing.T) {
	share := t.TempDir()
	dir := filepath.Join(share, "weathergw")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	fp := "0123456789abcdef0123456789abcdef"
	require.NoError(t, os.WriteFile(filepath.Join(dir, fp+".grib"), []byte("hello"), 0o644))

	idx := newIndex(t)
	m := &Maintainer{
		Shares:      []string{share},
		CacheFolder: "weathergw",
		Index:       idx,
		Log:         logrus.New(),
	}
	m.Run(context.Background())

	entry, err := idx.Get(context.Background(), fp)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, entry.Status)
	require.EqualValues(t, 5, entry.Size)
}

func TestMaintainer_CleanDeletesOrphansOnly(t *testing.T) {
	share := t.TempDir()
	dir := filepath.Join(share, "weathergw")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	known := "00000000000000000000000000000000"[:32]
	orphan := "11111111111111111111111111111111"[:32]
	require.NoError(t, os.WriteFile(filepath.Join(dir, known+".grib"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, orphan+".grib"), []byte("b"), 0o644))

	idx := newIndex(t)
	require.NoError(t, idx.Set(context.Background(), known, &model.CacheEntry{
		Status: model.StatusCompleted,
		Target: filepath.Join(dir, known+".grib"),
	}))

	old := time.Now().Add(-2 * time.Hour)
	m := &Maintainer{
		Shares:      []string{share},
		CacheFolder: "weathergw",
		Index:       idx,
		Log:         logrus.New(),
		Now:         func() time.Time { return old.Add(2 * time.Hour) },
	}
	require.NoError(t, os.Chtimes(filepath.Join(dir, orphan+".grib"), old, old))
	m.Run(context.Background())

	_, err := os.Stat(filepath.Join(dir, known+".grib"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, orphan+".grib"))
	require.True(t, os.IsNotExist(err))
}

func TestMaintainer_CleanSkipsRecentOrphan(t *testing.T) {
	share := t.TempDir()
	dir := filepath.Join(share, "weathergw")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	fresh := "22222222222222222222222222222222"[:32]
	require.NoError(t, os.WriteFile(filepath.Join(dir, fresh+".grib"), []byte("c"), 0o644))

	idx := newIndex(t)
	m := &Maintainer{
		Shares:      []string{share},
		CacheFolder: "weathergw",
		Index:       idx,
		Log:         logrus.New(),
	}
	// Populate will backfill this file into the index since it has no
	// entry yet; to test the grace period in isolation we only run clean.
	require.NoError(t, m.clean(context.Background(), dir, share, nil))

	_, err := os.Stat(filepath.Join(dir, fresh+".grib"))
	require.NoError(t, err, "a file modified within the grace period must not be removed")
}
