package fingerprint

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenchrcum/weathergw/internal/model"
)

func TestFingerprintIgnoresTarget(t *testing.T) {
	req := model.Request{"class": "ea", "date": "2024-09-08", "param": "140212"}

	base := Fingerprint(req)

	withTarget := req.Merge(model.Request{"target": "/tmp/out.grib"})
	assert.Equal(t, base, Fingerprint(withTarget))

	otherTarget := req.Merge(model.Request{"target": "/tmp/other.grib"})
	assert.Equal(t, base, Fingerprint(otherTarget))
}

func TestFingerprintDiffersOnNonTargetKey(t *testing.T) {
	a := model.Request{"class": "ea", "date": "2024-09-08"}
	b := model.Request{"class": "ea", "date": "2024-09-09"}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintStableAcrossKeyOrder(t *testing.T) {
	a := model.Request{"class": "ea", "date": "2024-09-08", "time": "00:00:00"}
	b := model.Request{"time": "00:00:00", "class": "ea", "date": "2024-09-08"}
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintIsDeterministic(t *testing.T) {
	req := model.Request{"class": "ea", "levelist": []any{"1", "2", "3"}, "number": float64(7)}
	first := Fingerprint(req)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Fingerprint(req))
	}
}

// TestFingerprintRandomizedStability checks a stability property across
// randomized requests: fingerprint(R) == fingerprint(R with any target).
func TestFingerprintRandomizedStability(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	classes := []string{"ea", "od", "rd"}
	dates := []string{"2024-09-01", "2024-09-02", "2024-09-03"}
	targets := []string{"/tmp/a.grib", "/tmp/b.grib", "", "/var/cache/x"}

	for i := 0; i < 200; i++ {
		r1 := model.Request{
			"class": classes[rnd.Intn(len(classes))],
			"date":  dates[rnd.Intn(len(dates))],
			"param": "140212",
		}
		r2 := r1.WithoutTarget().Merge(model.Request{"target": targets[rnd.Intn(len(targets))]})
		r1 = r1.Merge(model.Request{"target": targets[rnd.Intn(len(targets))]})

		require.Equal(t, Fingerprint(r1.WithoutTarget()), Fingerprint(r2))
	}
}

func TestFingerprintHandlesNestedAndSpecialValues(t *testing.T) {
	req := model.Request{
		"levelist": []any{"1", "2"},
		"note":     "has \"quotes\"\nand\ttabs",
		"flag":     true,
		"missing":  nil,
		"count":    float64(3),
	}
	out := Fingerprint(req)
	require.Len(t, out, 32)

	// Changing any nested element changes the digest.
	other := model.Request{
		"levelist": []any{"1", "3"},
		"note":     "has \"quotes\"\nand\ttabs",
		"flag":     true,
		"missing":  nil,
		"count":    float64(3),
	}
	assert.NotEqual(t, out, Fingerprint(other))
}

func TestEncodeStringIsPureASCII(t *testing.T) {
	out := encodeString("météo ☃ \U0001F600")
	for i := 0; i < len(out); i++ {
		require.Less(t, out[i], byte(0x80), "byte %d of %q is not ASCII", i, out)
	}
	assert.Equal(t, `"m\u00e9t\u00e9o \u2603 \ud83d\ude00"`, out)
}

func TestFingerprintOutputShape(t *testing.T) {
	req := model.Request{"class": "ea"}
	out := Fingerprint(req)
	assert.Len(t, out, 32)
	for _, r := range out {
		isHex := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
		assert.True(t, isHex, "expected lowercase hex digit, got %q", r)
	}
}
