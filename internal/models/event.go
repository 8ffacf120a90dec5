package models

// Worker event types delivered through the job queue. The names match the
// notifications marketplaces send, so they appear verbatim in the
// notifications audit table.
const (
	EventAssignmentAccepted     = "AssignmentAccepted"
	EventAssignmentAbandoned    = "AssignmentAbandoned"
	EventAssignmentReturned     = "AssignmentReturned"
	EventAssignmentReassigned   = "AssignmentReassigned"
	EventAssignmentSubmitted    = "AssignmentSubmitted"
	EventBotAssignmentSubmitted = "BotAssignmentSubmitted"
	EventBotAssignmentRejected  = "BotAssignmentRejected"
	EventNotificationMissing    = "NotificationMissing"

	// EventTracking is purely informational instrumentation; it is never
	// recorded in the notifications table.
	EventTracking = "TrackingEvent"

	// EventRunBot asks a worker to drive one bot session through the
	// experiment. Enqueued at low priority by the bot recruiter.
	EventRunBot = "RunBot"

	// EventAssignQualifications carries a deferred qualification grant; the
	// payload lives in Details.
	EventAssignQualifications = "AssignQualifications"
)

// KnownEventType reports whether the worker pool has a handler for the
// given event type.
func KnownEventType(name string) bool {
	switch name {
	case EventAssignmentAccepted, EventAssignmentAbandoned, EventAssignmentReturned,
		EventAssignmentReassigned, EventAssignmentSubmitted, EventBotAssignmentSubmitted,
		EventBotAssignmentRejected, EventNotificationMissing, EventTracking,
		EventRunBot, EventAssignQualifications:
		return true
	}
	return false
}

// Event is the payload carried by one queued job.
type Event struct {
	Type          string `json:"event_type"`
	AssignmentID  string `json:"assignment_id,omitempty"`
	ParticipantID int64  `json:"participant_id,omitempty"`
	Details       string `json:"details,omitempty"`
}
