package main

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentile(t *testing.T) {
	latencies := []time.Duration{
		100 * time.Millisecond,
		300 * time.Millisecond,
		200 * time.Millisecond,
		500 * time.Millisecond,
		400 * time.Millisecond,
	}
	assert.Equal(t, 300*time.Millisecond, percentile(latencies, 0.5))
	assert.Equal(t, 400*time.Millisecond, percentile(latencies, 0.99))
}

func TestPercentileEmpty(t *testing.T) {
	assert.Equal(t, time.Duration(0), percentile(nil, 0.5))
}

func TestPercentDelta(t *testing.T) {
	assert.InDelta(t, 50.0, percentDelta(100*time.Millisecond, 150*time.Millisecond), 0.01)
	assert.InDelta(t, -50.0, percentDelta(100*time.Millisecond, 50*time.Millisecond), 0.01)
	assert.Equal(t, 0.0, percentDelta(0, 50*time.Millisecond))
}

func TestMaxInt(t *testing.T) {
	assert.Equal(t, 5, maxInt(5, 3))
	assert.Equal(t, 5, maxInt(3, 5))
}

func TestSplitNonEmpty(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitNonEmpty("a,b,c", ","))
	assert.Equal(t, []string{"a", "c"}, splitNonEmpty("a,,c", ","))
	assert.Empty(t, splitNonEmpty("", ","))
}

func TestWriteAndCheckRegression(t *testing.T) {
	dir := t.TempDir()
	baselinePath := filepath.Join(dir, "baseline.json")

	baseline := results{Requests: 100, Errors: 0, P50Latency: 100 * time.Millisecond, P99Latency: 200 * time.Millisecond, Throughput: 10}
	require.NoError(t, writeBaseline(baselinePath, baseline))

	_, err := os.Stat(baselinePath)
	require.NoError(t, err)

	noRegression := results{P50Latency: 105 * time.Millisecond, P99Latency: 205 * time.Millisecond}
	result, err := checkRegression(baselinePath, noRegression, 10.0)
	require.NoError(t, err)
	assert.False(t, result.Significant)

	withRegression := results{P50Latency: 200 * time.Millisecond, P99Latency: 400 * time.Millisecond}
	result, err = checkRegression(baselinePath, withRegression, 10.0)
	require.NoError(t, err)
	assert.True(t, result.Significant)
	assert.InDelta(t, 100.0, result.P50DeltaPct, 0.01)
}

func TestCheckRegressionMissingBaseline(t *testing.T) {
	_, err := checkRegression(filepath.Join(t.TempDir(), "missing.json"), results{}, 10.0)
	assert.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestSyntheticRequestWithinPlausibleBounds(t *testing.T) {
	req := syntheticRequest(rand.New(rand.NewSource(1)))
	assert.Equal(t, "ea", req["class"])
	assert.Equal(t, "00:00:00", req["time"])
	assert.Equal(t, "140212", req["param"])
	assert.Contains(t, req["date"], "2024-09-")
}
