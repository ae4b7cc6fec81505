package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Grant events
	EventTypeGrantView  EventType = "permission.grant_view"
	EventTypeRevokeView EventType = "permission.revoke_view"
	EventTypeSetGrants  EventType = "permission.set_grants"

	// Hierarchy events
	EventTypeAssignManager EventType = "hierarchy.assign_manager"
	EventTypeRemoveManager EventType = "hierarchy.remove_manager"

	// Agent lifecycle events
	EventTypeAgentCreate     EventType = "agent.create"
	EventTypeAgentDeactivate EventType = "agent.deactivate"
	EventTypeAgentReactivate EventType = "agent.reactivate"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// AuditEvent represents a single audit log entry.
// ActorID requested the change, SubjectID is the agent whose visibility
// changes (grantee or subordinate) and TargetID the other side of the edge
// (granter or manager).
type AuditEvent struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	ActorID   string `json:"actor_id,omitempty"`
	SubjectID string `json:"subject_id,omitempty"`
	TargetID  string `json:"target_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *AuditEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// SearchFilter represents filters for searching audit logs
type SearchFilter struct {
	// Time range
	StartTime *time.Time
	EndTime   *time.Time

	ActorID    string
	SubjectID  string
	EventTypes []EventType
	Status     *EventStatus

	// Pagination
	Limit  int
	Offset int
}
