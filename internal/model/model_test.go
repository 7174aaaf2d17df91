package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusValid(t *testing.T) {
	valid := []Status{StatusQueued, StatusRunning, StatusCompleted, StatusFailed}
	for _, s := range valid {
		assert.True(t, s.Valid(), "expected %q to be valid", s)
	}
	assert.False(t, Status("PENDING").Valid())
	assert.False(t, Status("").Valid())
}

func TestRequestTarget(t *testing.T) {
	r := Request{"class": "ea", "target": "/tmp/out.grib"}
	target, ok := r.Target()
	assert.True(t, ok)
	assert.Equal(t, "/tmp/out.grib", target)

	noTarget := Request{"class": "ea"}
	_, ok = noTarget.Target()
	assert.False(t, ok)

	wrongType := Request{"target": 42}
	_, ok = wrongType.Target()
	assert.False(t, ok)
}

func TestRequestWithoutTarget(t *testing.T) {
	r := Request{"class": "ea", "target": "/tmp/out.grib"}
	out := r.WithoutTarget()
	_, hasTarget := out["target"]
	assert.False(t, hasTarget)
	assert.Equal(t, "ea", out["class"])

	// The original is untouched.
	_, ok := r.Target()
	assert.True(t, ok)
}

func TestRequestMerge(t *testing.T) {
	base := Request{"class": "ea", "date": "2024-09-08"}
	next := Request{"date": "2024-09-09", "time": "00:00:00"}
	merged := base.Merge(next)

	assert.Equal(t, "ea", merged["class"])
	assert.Equal(t, "2024-09-09", merged["date"], "later keys win")
	assert.Equal(t, "00:00:00", merged["time"])

	// Merge does not mutate either input.
	assert.Equal(t, "2024-09-08", base["date"])
	_, ok := next["class"]
	assert.False(t, ok)
}

func TestCacheEntryTerminal(t *testing.T) {
	cases := []struct {
		status   Status
		terminal bool
	}{
		{StatusQueued, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusFailed, true},
	}
	for _, c := range cases {
		e := &CacheEntry{Status: c.status}
		assert.Equal(t, c.terminal, e.Terminal(), "status %s", c.status)
	}
}

func TestCacheEntryString(t *testing.T) {
	e := &CacheEntry{Status: StatusCompleted, Host: "worker-1", Target: "/tmp/out.grib", Size: 1024}
	s := e.String()
	assert.Contains(t, s, "COMPLETED")
	assert.Contains(t, s, "worker-1")
	assert.Contains(t, s, "/tmp/out.grib")
	assert.Contains(t, s, "1024")
}
