package debug

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetEnabledRoundTrips(t *testing.T) {
	SetEnabled(true)
	assert.True(t, Enabled())
	SetEnabled(false)
	assert.False(t, Enabled())
}

func TestInitFromEnvDebugTrue(t *testing.T) {
	t.Setenv("DEBUG", "true")
	t.Setenv("LOG_LEVEL", "")
	InitFromEnv()
	assert.True(t, Enabled())
}

func TestInitFromEnvLogLevelDebug(t *testing.T) {
	t.Setenv("DEBUG", "")
	t.Setenv("LOG_LEVEL", "debug")
	InitFromEnv()
	assert.True(t, Enabled())
}

func TestInitFromEnvDisabledByDefault(t *testing.T) {
	t.Setenv("DEBUG", "")
	t.Setenv("LOG_LEVEL", "")
	InitFromEnv()
	assert.False(t, Enabled())
}

func TestInitFromLogLevelOnlyAppliesWithoutEnvOverride(t *testing.T) {
	t.Setenv("DEBUG", "")
	t.Setenv("LOG_LEVEL", "")
	InitFromLogLevel("debug")
	assert.True(t, Enabled())

	InitFromLogLevel("info")
	assert.False(t, Enabled())

	t.Setenv("DEBUG", "true")
	// In a real process InitFromEnv has already run at package init by the
	// time InitFromLogLevel is called; replay that step for the new value.
	InitFromEnv()
	InitFromLogLevel("info")
	assert.True(t, Enabled(), "an explicit DEBUG env var must not be overridden by InitFromLogLevel")
}
