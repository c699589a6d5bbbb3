package audit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeSeal represents an encrypt-and-upload workflow.
	EventTypeSeal EventType = "seal"
	// EventTypeOpen represents a download-and-decrypt workflow.
	EventTypeOpen EventType = "open"
	// EventTypeList represents a file listing.
	EventTypeList EventType = "list"
)

// AuditEvent is a single audit record. It never carries key material,
// plaintext or session ids.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	FileName  string                 `json:"file_name,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Backend   string                 `json:"backend,omitempty"`
	Bytes     int64                  `json:"bytes,omitempty"`
	Success   bool                   `json:"success"`
	ErrorKind string                 `json:"error_kind,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log records an audit event.
	Log(event *AuditEvent) error

	// LogWorkflow records the outcome of a seal, open or list workflow.
	LogWorkflow(ctx context.Context, eventType EventType, fileName, backend string, bytes int64, err error, duration time.Duration)

	// Events returns a copy of the buffered events, oldest first.
	Events() []*AuditEvent
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// KindClassifier maps an error to a short category name recorded as
// ErrorKind.
type KindClassifier func(err error) string

type requestIDKey struct{}

// WithRequestID attaches a request id that LogWorkflow copies into events.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
	classify  KindClassifier
}

// NewLogger creates an audit logger that keeps the last maxEvents events in
// memory and forwards each one to writer.
func NewLogger(maxEvents int, writer EventWriter, classify KindClassifier) Logger {
	if maxEvents <= 0 {
		maxEvents = 1
	}
	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
		classify:  classify,
	}
}

func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var writeErr error
	if l.writer != nil {
		writeErr = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	return writeErr
}

func (l *auditLogger) LogWorkflow(ctx context.Context, eventType EventType, fileName, backend string, bytes int64, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		FileName:  fileName,
		RequestID: RequestIDFromContext(ctx),
		Backend:   backend,
		Bytes:     bytes,
		Success:   err == nil,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
		if l.classify != nil {
			event.ErrorKind = l.classify(err)
		}
	}
	_ = l.Log(event)
}

func (l *auditLogger) Events() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// LogrusWriter emits audit events as structured log entries.
type LogrusWriter struct {
	logger *logrus.Logger
}

// NewLogrusWriter returns a writer that logs through logger.
func NewLogrusWriter(logger *logrus.Logger) *LogrusWriter {
	return &LogrusWriter{logger: logger}
}

// WriteEvent implements EventWriter.
func (w *LogrusWriter) WriteEvent(event *AuditEvent) error {
	fields := logrus.Fields{
		"audit":       true,
		"event_type":  event.EventType,
		"success":     event.Success,
		"duration_ms": event.Duration.Milliseconds(),
	}
	if event.FileName != "" {
		fields["file_name"] = event.FileName
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.Backend != "" {
		fields["backend"] = event.Backend
	}
	if event.Bytes > 0 {
		fields["bytes"] = event.Bytes
	}
	if event.ErrorKind != "" {
		fields["error_kind"] = event.ErrorKind
	}
	for k, v := range event.Metadata {
		fields[k] = v
	}

	entry := w.logger.WithFields(fields)
	if event.Success {
		entry.Info("audit")
	} else {
		entry.WithField("error", event.Error).Warn("audit")
	}
	return nil
}
