// Package audit records every change to who can see whose contacts.
//
// # Event Types
//
// Grants: grant_view, revoke_view, set_grants
// Hierarchy: assign_manager, remove_manager
// Agents: create, deactivate, reactivate
//
// Rejected admin requests are recorded with EventStatusDenied under the
// event type of the attempted operation.
//
// # Usage Example
//
//	event := audit.NewEvent(ctx, audit.EventTypeGrantView, audit.EventStatusSuccess, "admin-1")
//	event.SubjectID = "alice"
//	event.TargetID = "bob"
//	logger.Log(ctx, event)
//
// Search audit logs:
//
//	events, err := dbLogger.Search(ctx, audit.SearchFilter{
//		SubjectID:  "alice",
//		EventTypes: []audit.EventType{audit.EventTypeGrantView},
//		Limit:      50,
//	})
package audit
