// Package identity decides which sender identity owns a given send and
// keeps that identity's OAuth credential usable.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/givance/outreach/internal/models"
)

var (
	// ErrNoIdentityAvailable means no credentialed identity exists anywhere
	// in the fallback chain for a recipient.
	ErrNoIdentityAvailable = errors.New("no credentialed sender identity available")

	// ErrCredentialExpired means the owning identity's credential is expired
	// and the refresh exchange failed.
	ErrCredentialExpired = errors.New("credential expired")
)

// Store is the subset of the identity repository the resolver needs.
type Store interface {
	GetAssigned(recipientID string) (*models.SenderIdentity, error)
	GetPrimary(orgID, kind string) (*models.SenderIdentity, error)
	GetCredential(identityID string) (*models.ProviderCredential, error)
	SaveCredential(cred *models.ProviderCredential) error
}

// Refresher exchanges a refresh token for a fresh access token.
type Refresher interface {
	Refresh(ctx context.Context, cred *models.ProviderCredential) (*Token, error)
}

// Token is the result of a refresh exchange.
type Token struct {
	AccessToken  string
	RefreshToken string // empty when the provider did not rotate it
	ExpiresAt    time.Time
}

// Resolved pairs an identity with its ready-to-use credential.
type Resolved struct {
	Identity   *models.SenderIdentity
	Credential *models.ProviderCredential
}

// Resolver walks the fallback chain (assigned staff, then the organization's
// primary staff, then the fallback user) and returns the first identity that
// carries a usable credential.
type Resolver struct {
	store     Store
	refresher Refresher
	now       func() time.Time
	logger    *slog.Logger
}

// NewResolver creates a resolver. A nil clock uses time.Now.
func NewResolver(store Store, refresher Refresher, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:     store,
		refresher: refresher,
		now:       time.Now,
		logger:    logger.With("component", "identity_resolver"),
	}
}

// strategy produces a candidate identity for a recipient, or nil when the
// strategy does not apply.
type strategy struct {
	name string
	find func(recipientID, orgID string) (*models.SenderIdentity, error)
}

func (r *Resolver) strategies() []strategy {
	return []strategy{
		{"assigned_staff", func(recipientID, _ string) (*models.SenderIdentity, error) {
			return r.store.GetAssigned(recipientID)
		}},
		{"primary_staff", func(_, orgID string) (*models.SenderIdentity, error) {
			return r.store.GetPrimary(orgID, models.IdentityKindPrimaryStaff)
		}},
		{"fallback_user", func(_, orgID string) (*models.SenderIdentity, error) {
			return r.store.GetPrimary(orgID, models.IdentityKindUser)
		}},
	}
}

// Resolve returns the identity and credential to use for a recipient,
// refreshing the credential first if it has expired. Refresh failure is
// reported as ErrCredentialExpired; an empty chain as ErrNoIdentityAvailable.
func (r *Resolver) Resolve(ctx context.Context, recipientID, orgID string) (*Resolved, error) {
	for _, strat := range r.strategies() {
		ident, err := strat.find(recipientID, orgID)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", strat.name, err)
		}
		if ident == nil {
			continue
		}

		cred, err := r.store.GetCredential(ident.ID)
		if err != nil {
			return nil, fmt.Errorf("loading credential for %s: %w", ident.ID, err)
		}
		if cred == nil {
			r.logger.Debug("identity has no credential, trying next strategy",
				"strategy", strat.name, "identity_id", ident.ID)
			continue
		}

		if cred.Expired(r.now()) {
			if err := r.refresh(ctx, cred); err != nil {
				return nil, err
			}
		}

		r.logger.Debug("identity resolved", "strategy", strat.name, "identity_id", ident.ID)
		return &Resolved{Identity: ident, Credential: cred}, nil
	}

	return nil, ErrNoIdentityAvailable
}

// CanResolve reports whether any strategy yields a credentialed identity for
// the recipient, without touching the token endpoint. Used by scheduling
// validation.
func (r *Resolver) CanResolve(recipientID, orgID string) (bool, error) {
	for _, strat := range r.strategies() {
		ident, err := strat.find(recipientID, orgID)
		if err != nil {
			return false, err
		}
		if ident == nil {
			continue
		}
		cred, err := r.store.GetCredential(ident.ID)
		if err != nil {
			return false, err
		}
		if cred != nil {
			return true, nil
		}
	}
	return false, nil
}

// refresh exchanges the stored refresh token and persists the new tokens.
// Concurrent sends with the same identity may race here; last writer wins,
// which is safe because refresh tokens remain valid for a grace window.
func (r *Resolver) refresh(ctx context.Context, cred *models.ProviderCredential) error {
	tok, err := r.refresher.Refresh(ctx, cred)
	if err != nil {
		return fmt.Errorf("%w: refresh for identity %s failed: %v", ErrCredentialExpired, cred.IdentityID, err)
	}

	cred.AccessToken = tok.AccessToken
	cred.ExpiresAt = tok.ExpiresAt
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}

	if err := r.store.SaveCredential(cred); err != nil {
		return fmt.Errorf("persisting refreshed credential: %w", err)
	}

	r.logger.Info("credential refreshed", "identity_id", cred.IdentityID, "expires_at", cred.ExpiresAt)
	return nil
}
