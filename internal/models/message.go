package models

import "time"

// Message send statuses.
const (
	SendStatusPending   = "pending"
	SendStatusScheduled = "scheduled"
	SendStatusSending   = "sending"
	SendStatusSent      = "sent"
	SendStatusPaused    = "paused"
	SendStatusCancelled = "cancelled"
	SendStatusFailed    = "failed"
)

// Message is one generated email belonging to a campaign.
//
// IsSent is set exactly once, at the moment the provider accepts the
// message, and is never unset. IsSent = true implies SendStatus = sent.
type Message struct {
	ID             string     `json:"id"`
	CampaignID     string     `json:"campaign_id"`
	OrganizationID string     `json:"organization_id"`
	RecipientID    string     `json:"recipient_id"`
	RecipientEmail string     `json:"recipient_email"`
	RecipientName  string     `json:"recipient_name,omitempty"`
	Subject        string     `json:"subject"`
	HTMLBody       string     `json:"html_body"`
	TextBody       string     `json:"text_body"`
	SendStatus     string     `json:"send_status"`
	IsSent         bool       `json:"is_sent"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	TrackingID     string     `json:"tracking_id,omitempty"`
	Priority       int        `json:"priority"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// InFlight reports whether the message still counts against campaign
// completion (not yet in a resting state).
func InFlight(sendStatus string) bool {
	switch sendStatus {
	case SendStatusPending, SendStatusScheduled, SendStatusSending:
		return true
	}
	return false
}
