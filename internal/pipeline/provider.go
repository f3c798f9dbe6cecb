package pipeline

import (
	"context"

	"github.com/givance/outreach/internal/models"
)

// DeliveryError represents a delivery error with type information
type DeliveryError struct {
	Temporary bool
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// Delivery is the fully composed message handed to a provider. All tracking
// injection and identity resolution is complete by the time it is built.
type Delivery struct {
	FromName   string
	FromEmail  string
	ToName     string
	ToEmail    string
	Subject    string
	HTMLBody   string
	TextBody   string
	Credential *models.ProviderCredential
}

// Provider is the abstract send capability. Deliver returns the provider's
// message id on acceptance; failures carry transient/permanent
// classification via DeliveryError.
type Provider interface {
	Deliver(ctx context.Context, d *Delivery) (string, error)
}
