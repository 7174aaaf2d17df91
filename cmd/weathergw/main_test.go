package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequestFileSingle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "req.txt")
	body := "RETRIEVE,\nclass=ea,\ndate=2024-09-08,\ntime=00:00:00,\nparam=140212,\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	requests, err := loadRequestFile(path)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, "ea", requests[0]["class"])
	assert.Equal(t, "140212", requests[0]["param"])
}

func TestLoadRequestFileBatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "req.txt")
	body := "RETRIEVE,\nclass=ea,\ndate=2024-09-08,\nRETRIEVE,\ntime=12:00:00,\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	requests, err := loadRequestFile(path)
	require.NoError(t, err)
	require.Len(t, requests, 2)
	assert.Equal(t, "ea", requests[0]["class"])
	assert.Equal(t, "12:00:00", requests[1]["time"])
}

func TestLoadRequestFileEmptyFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "req.txt")
	require.NoError(t, os.WriteFile(path, []byte("\n\n"), 0o644))

	_, err := loadRequestFile(path)
	require.Error(t, err)
}
