package models

import "time"

// Identity kinds, in fallback order.
const (
	IdentityKindStaff        = "staff"
	IdentityKindPrimaryStaff = "primary_staff"
	IdentityKindUser         = "user"
)

// SenderIdentity is the staff member or fallback user whose name, address
// and credential are used for a given send.
type SenderIdentity struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Kind           string    `json:"kind"`
	DisplayName    string    `json:"display_name"`
	Email          string    `json:"email"`
	IsPrimary      bool      `json:"is_primary"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ProviderCredential is an OAuth credential owned by a sender identity.
// Refreshed in place when expired; shared read-only by concurrent sends.
type ProviderCredential struct {
	ID           string    `json:"id"`
	IdentityID   string    `json:"identity_id"`
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Expired reports whether the access token needs a refresh before use.
func (c *ProviderCredential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}
