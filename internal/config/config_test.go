package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "nonexistent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, defaults(), cfg)
}

func TestLoadOverlaysYAMLOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weathergw.yaml")
	body := "CACHE_ROOT: /mnt/cache\nSHARES:\n  - share-a\n  - share-b\nDOWNLOAD_SERVERS:\n  - https://mirror.example\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/cache", cfg.CacheRoot)
	assert.Equal(t, []string{"share-a", "share-b"}, cfg.Shares)
	assert.Equal(t, []string{"https://mirror.example"}, cfg.DownloadServers)
	// Fields absent from the YAML keep their defaults.
	assert.Equal(t, defaults().Memcached, cfg.Memcached)
}

func TestLoadInvalidYAMLFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weathergw.yaml")
	require.NoError(t, os.WriteFile(path, []byte("CACHE_ROOT: [not closed\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestResolvePathHonorsEnvOverride(t *testing.T) {
	t.Setenv(EnvOverride, "/custom/weathergw.yaml")
	assert.Equal(t, "/custom/weathergw.yaml", ResolvePath())
}

func TestResolvePathFallsBackToDefault(t *testing.T) {
	t.Setenv(EnvOverride, "")
	assert.Equal(t, DefaultPath, ResolvePath())
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, ParseDuration("5s", time.Second))
	assert.Equal(t, time.Second, ParseDuration("", time.Second))
	assert.Equal(t, time.Second, ParseDuration("not-a-duration", time.Second))
}

func TestWatcherLoadsAndReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weathergw.yaml")
	require.NoError(t, os.WriteFile(path, []byte("CACHE_ROOT: /first\n"), 0o644))

	log := logrus.New()
	log.SetOutput(io.Discard)
	w, err := NewWatcher(path, log)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, "/first", w.Current().CacheRoot)

	require.NoError(t, os.WriteFile(path, []byte("CACHE_ROOT: /second\n"), 0o644))

	require.Eventually(t, func() bool {
		return w.Current().CacheRoot == "/second"
	}, 2*time.Second, 10*time.Millisecond)
}
