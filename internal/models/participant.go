package models

import (
	"time"
)

// Participant statuses persisted in Postgres. The state machine in
// internal/worker is the only writer once a participant exists.
const (
	StatusWorking             = "working"
	StatusOverrecruited       = "overrecruited"
	StatusSubmitted           = "submitted"
	StatusAbandoned           = "abandoned"
	StatusReturned            = "returned"
	StatusReplaced            = "replaced"
	StatusMissingNotification = "missing_notification"
	StatusBadData             = "bad_data"
	StatusDidNotAttend        = "did_not_attend"
	StatusApproved            = "approved"
	StatusRejected            = "rejected"
)

// IsTerminal reports whether a status can never change again. Terminal rows
// are kept forever for audit and payment history.
func IsTerminal(status string) bool {
	switch status {
	case StatusApproved, StatusRejected, StatusBadData, StatusDidNotAttend,
		StatusAbandoned, StatusReturned, StatusReplaced, StatusMissingNotification:
		return true
	}
	return false
}

// Participant is one recruited human (or bot) session.
type Participant struct {
	ID           int64          `json:"id"`
	WorkerID     string         `json:"worker_id"`
	AssignmentID string         `json:"assignment_id"`
	HitID        string         `json:"hit_id"`
	RecruiterID  string         `json:"recruiter_id"`
	Mode         string         `json:"mode"`
	Status       string         `json:"status"`
	CreationTime time.Time      `json:"creation_time"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	BasePay      float64        `json:"base_pay"`
	Bonus        float64        `json:"bonus"`
	EntryInfo    map[string]any `json:"entry_information,omitempty"`
}

// Notification is an append-only audit record of a processed queue event.
type Notification struct {
	ID           int64     `json:"id"`
	AssignmentID string    `json:"assignment_id"`
	EventType    string    `json:"event_type"`
	Details      string    `json:"details,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Recruitment is one ledger row per unit of recruitment capacity granted by
// the multi-recruiter allocator. Rows are written once and never updated.
type Recruitment struct {
	ID          int64     `json:"id"`
	RecruiterID string    `json:"recruiter_id"`
	CreatedAt   time.Time `json:"created_at"`
}
