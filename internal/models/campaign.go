package models

import "time"

// Campaign statuses. Completed and CompletedWithFailures are terminal;
// the completion checker never moves a campaign out of them.
const (
	CampaignStatusDraft                 = "draft"
	CampaignStatusScheduled             = "scheduled"
	CampaignStatusPaused                = "paused"
	CampaignStatusCompleted             = "completed"
	CampaignStatusCompletedWithFailures = "completed_with_failures"
	CampaignStatusCancelled             = "cancelled"
)

// Campaign represents an outreach email campaign (a batch of generated
// messages that share an organization and a schedule).
type Campaign struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsTerminalCampaignStatus reports whether no further status transition is
// expected for a campaign.
func IsTerminalCampaignStatus(status string) bool {
	switch status {
	case CampaignStatusCompleted, CampaignStatusCompletedWithFailures, CampaignStatusCancelled:
		return true
	}
	return false
}

// MessageCounts holds per-status message counts for one campaign.
type MessageCounts map[string]int

// Total returns the sum over all statuses.
func (c MessageCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// CampaignListFilter for filtering campaigns
type CampaignListFilter struct {
	OrganizationID string
	Status         string
	Limit          int
	Offset         int
}
