package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/xarlytos/unisunis-sub000/pkg/observability"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log records an audit event
	Log(ctx context.Context, event *AuditEvent) error

	// Close closes the logger and flushes any buffered logs
	Close() error
}

// NewEvent builds an event stamped with a fresh id, the current time and the
// request id carried by ctx
func NewEvent(ctx context.Context, eventType EventType, status EventStatus, actorID string) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		ActorID:   actorID,
		RequestID: observability.GetRequestID(ctx),
		Metadata:  make(map[string]interface{}),
	}
}

// NoOpLogger discards every event
type NoOpLogger struct{}

// NewNoOpLogger returns a logger that does nothing
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// Log implements Logger
func (l *NoOpLogger) Log(ctx context.Context, event *AuditEvent) error {
	return nil
}

// Close implements Logger
func (l *NoOpLogger) Close() error {
	return nil
}

// StructuredLogger writes audit events to the structured application log
type StructuredLogger struct {
	logger *observability.Logger
}

// NewStructuredLogger creates an audit logger backed by logger
func NewStructuredLogger(logger *observability.Logger) *StructuredLogger {
	return &StructuredLogger{logger: logger}
}

// Log emits one info line per event; denied and failed events go out at warn
func (l *StructuredLogger) Log(ctx context.Context, event *AuditEvent) error {
	log := l.logger.WithFields(map[string]interface{}{
		"audit_id":   event.ID,
		"event_type": string(event.EventType),
		"status":     string(event.Status),
		"actor_id":   event.ActorID,
		"subject_id": event.SubjectID,
		"target_id":  event.TargetID,
	})
	if event.RequestID != "" {
		log = log.WithField("request_id", event.RequestID)
	}
	if event.ErrorMessage != "" {
		log = log.WithField("error", event.ErrorMessage)
	}

	if event.Status == EventStatusSuccess {
		log.Info(event.Message)
	} else {
		log.Warn(event.Message)
	}
	return nil
}

// Close implements Logger
func (l *StructuredLogger) Close() error {
	return nil
}
