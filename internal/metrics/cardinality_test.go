package metrics

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSanitizePathLabel(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/", "/"},
		{"/3fa85f64-5717-4562-b3fc-2c963f66afa6", "/*"},
		{"/3fa85f64-5717-4562-b3fc-2c963f66afa6/log", "/*"},
		{"/uid?query=param", "/*"},
		{"/?type=pipe", "/"},
		{"", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			result := sanitizePathLabel(tt.path)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestRecordHTTPRequest_Cardinality(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHTTPRequest("GET", "/aaaa-aaaa", http.StatusOK, time.Millisecond, 100)
	m.RecordHTTPRequest("GET", "/bbbb-bbbb", http.StatusOK, time.Millisecond, 100)
	m.RecordHTTPRequest("GET", "/", http.StatusNoContent, time.Millisecond, 0)

	count := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/*", "OK"))
	assert.Equal(t, 2.0, count)
}

func TestRecordExtraction_LabelsByMode(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordExtraction("file", time.Millisecond, "")
	m.RecordExtraction("file", time.Millisecond, "")
	m.RecordExtraction("pipe", time.Millisecond, "exit")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.extractionsTotal.WithLabelValues("file")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.extractionsTotal.WithLabelValues("pipe")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.extractionErrors.WithLabelValues("exit")))
}

func TestRecordCoalesce_LabelsByStatusAndReason(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordCoalesceHit("queued")
	m.RecordCoalesceHit("queued")
	m.RecordCoalesceMiss("retry_failed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.coalesceHits.WithLabelValues("queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.coalesceMisses.WithLabelValues("retry_failed")))
}
