// Package audit records the lifecycle of cache entries for operational
// traceability: submissions, coalescing hits, completions, failures, and
// cleanup sweeps. The sink implementations in sink.go are domain-agnostic
// — they never cared what an AuditEvent's fields meant.
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/kenchrcum/weathergw/internal/config"
)

// EventType represents the kind of retrieval-lifecycle event being recorded.
type EventType string

const (
	// EventSubmit is logged when a worker accepts a new request (fresh
	// QUEUED entry, or a retried FAILED one).
	EventSubmit EventType = "submit"
	// EventCoalesceHit is logged when a request is served by an existing
	// in-flight or completed entry instead of starting a new extraction.
	EventCoalesceHit EventType = "coalesce_hit"
	// EventComplete is logged when an entry transitions to COMPLETED.
	EventComplete EventType = "complete"
	// EventFail is logged when an entry transitions to FAILED.
	EventFail EventType = "fail"
	// EventCleanup is logged by the cache maintainer's orphan removal.
	EventCleanup EventType = "cleanup"
)

// Event represents a single audit log event.
type Event struct {
	Timestamp   time.Time              `json:"timestamp"`
	EventType   EventType              `json:"event_type"`
	Operation   string                 `json:"operation"`
	Fingerprint string                 `json:"fingerprint,omitempty"`
	Host        string                 `json:"host,omitempty"`
	Share       string                 `json:"share,omitempty"`
	Target      string                 `json:"target,omitempty"`
	ClientIP    string                 `json:"client_ip,omitempty"`
	UserAgent   string                 `json:"user_agent,omitempty"`
	RequestID   string                 `json:"request_id,omitempty"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	Duration    time.Duration          `json:"duration_ms"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// AuditEvent is the name the sinks in sink.go use for Event; kept as an
// alias so sink.go needs no changes.
type AuditEvent = Event

// Logger is the interface for audit logging.
type Logger interface {
	Log(event *Event) error

	// LogSubmit logs a fresh or retried submission.
	LogSubmit(fingerprint, host, share, target string, metadata map[string]interface{})
	// LogCoalesceHit logs a request served by an in-flight or completed entry.
	LogCoalesceHit(fingerprint, host, target string, status string)
	// LogComplete logs a successful transition to COMPLETED.
	LogComplete(fingerprint, host, target string, duration time.Duration)
	// LogFail logs a transition to FAILED.
	LogFail(fingerprint, host, target string, err error, duration time.Duration)
	// LogCleanup logs an orphan file removed by the cache maintainer.
	LogCleanup(share, target string, err error)

	// GetEvents returns all audit events (for testing/querying).
	GetEvents() []*Event

	// Close closes the logger and its underlying writer.
	Close() error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu         sync.Mutex
	events     []*Event
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *Event) error
}

// NewLogger creates a new audit logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates a new audit logger with redaction keys.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &StdoutSink{}
	}
	if maxEvents <= 0 {
		maxEvents = 1000
	}

	return &auditLogger{
		events:     make([]*Event, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// NewLoggerFromConfig creates a new audit logger from configuration.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	if !cfg.Enabled {
		return NewLoggerWithRedaction(cfg.MaxEvents, &discardWriter{}, nil), nil
	}

	var writer EventWriter
	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &StdoutSink{}
	default:
		return nil, fmt.Errorf("audit: unknown sink type: %s", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval != "" {
		interval := config.ParseDuration(cfg.Sink.FlushInterval, 5*time.Second)
		backoff := config.ParseDuration(cfg.Sink.RetryBackoff, time.Second)
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, interval, cfg.Sink.RetryCount, backoff)
	}

	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactMetadataKeys), nil
}

// Log logs an audit event.
func (l *auditLogger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return nil
}

// Close closes the logger and its underlying writer.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	needsRedaction := false
	for _, k := range l.redactKeys {
		if _, ok := metadata[k]; ok {
			needsRedaction = true
			break
		}
	}
	if !needsRedaction {
		return metadata
	}

	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	for _, key := range l.redactKeys {
		if _, ok := clone[key]; ok {
			clone[key] = "[REDACTED]"
		}
	}
	return clone
}

func (l *auditLogger) LogSubmit(fingerprint, host, share, target string, metadata map[string]interface{}) {
	l.Log(&Event{
		Timestamp:   time.Now(),
		EventType:   EventSubmit,
		Operation:   "submit",
		Fingerprint: fingerprint,
		Host:        host,
		Share:       share,
		Target:      target,
		Success:     true,
		Metadata:    l.redactMetadata(metadata),
	})
}

func (l *auditLogger) LogCoalesceHit(fingerprint, host, target string, status string) {
	l.Log(&Event{
		Timestamp:   time.Now(),
		EventType:   EventCoalesceHit,
		Operation:   "coalesce_hit",
		Fingerprint: fingerprint,
		Host:        host,
		Target:      target,
		Success:     true,
		Metadata:    map[string]interface{}{"status": status},
	})
}

func (l *auditLogger) LogComplete(fingerprint, host, target string, duration time.Duration) {
	l.Log(&Event{
		Timestamp:   time.Now(),
		EventType:   EventComplete,
		Operation:   "complete",
		Fingerprint: fingerprint,
		Host:        host,
		Target:      target,
		Success:     true,
		Duration:    duration,
	})
}

func (l *auditLogger) LogFail(fingerprint, host, target string, err error, duration time.Duration) {
	event := &Event{
		Timestamp:   time.Now(),
		EventType:   EventFail,
		Operation:   "fail",
		Fingerprint: fingerprint,
		Host:        host,
		Target:      target,
		Success:     false,
		Duration:    duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) LogCleanup(share, target string, err error) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventCleanup,
		Operation: "cleanup",
		Share:     share,
		Target:    target,
		Success:   err == nil,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// GetEvents returns all audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*Event, len(l.events))
	copy(events, l.events)
	return events
}

// discardWriter is used when auditing is disabled by configuration but a
// Logger value is still needed so callers don't have to nil-check it.
type discardWriter struct{}

func (w *discardWriter) WriteEvent(event *Event) error { return nil }
