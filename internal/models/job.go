package models

import "time"

// Send job statuses. Completed, failed and cancelled are terminal; a job
// never transitions out of a terminal state.
const (
	JobStatusScheduled = "scheduled"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// EmailSendJob is the durable, triggerable record of one scheduled send.
type EmailSendJob struct {
	ID             string     `json:"id"`
	MessageID      string     `json:"message_id"`
	CampaignID     string     `json:"campaign_id"`
	OrganizationID string     `json:"organization_id"`
	Status         string     `json:"status"`
	ScheduledTime  time.Time  `json:"scheduled_time"`
	ActualSendTime *time.Time `json:"actual_send_time,omitempty"`
	AttemptCount   int        `json:"attempt_count"`
	LastError      string     `json:"last_error,omitempty"`
	TriggerHandle  string     `json:"trigger_handle,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsTerminalJobStatus reports whether a job status admits no further
// transitions.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}
