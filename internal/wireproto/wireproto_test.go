package wireproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSentinel(t *testing.T) {
	cases := []struct {
		chunk   string
		wantStr string
		wantOK  bool
	}{
		{SentinelRewind, SentinelRewind, true},
		{SentinelEndRecord, SentinelEndRecord, true},
		{SentinelError, SentinelError, true},
		{"data", "data", true},
		{"", "", false},
		{"RWNDx", "", false},
	}
	for _, c := range cases {
		gotStr, gotOK := IsSentinel([]byte(c.chunk))
		assert.Equal(t, c.wantOK, gotOK, "chunk %q", c.chunk)
		if c.wantOK {
			assert.Equal(t, c.wantStr, gotStr)
		}
	}
}

func TestSentinelsAreFixedLength(t *testing.T) {
	for _, s := range []string{SentinelRewind, SentinelEndRecord, SentinelError} {
		assert.Len(t, s, SentinelLen)
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	seen := map[string]bool{}
	for _, s := range []string{SentinelRewind, SentinelEndRecord, SentinelError} {
		assert.False(t, seen[s], "duplicate sentinel %q", s)
		seen[s] = true
	}
}

func TestUnknownFourByteChunkIsReservedButUnmatched(t *testing.T) {
	// Any exactly-4-byte chunk occupies the reserved control slot, even
	// when its content isn't one of the known tokens; the caller must
	// treat it as a protocol error rather than silently writing it as
	// data.
	s, ok := IsSentinel([]byte("grib"))
	assert.True(t, ok)
	assert.Equal(t, "grib", s)
	assert.NotContains(t, []string{SentinelRewind, SentinelEndRecord, SentinelError}, s)
}
