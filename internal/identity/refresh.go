package identity

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/givance/outreach/internal/models"
)

// OAuthRefresher exchanges refresh tokens against a provider's token
// endpoint using the standard OAuth2 refresh grant.
type OAuthRefresher struct {
	clientID     string
	clientSecret string
	tokenURL     string
	timeout      time.Duration
}

// NewOAuthRefresher creates a refresher for one provider's token endpoint.
func NewOAuthRefresher(clientID, clientSecret, tokenURL string, timeout time.Duration) *OAuthRefresher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OAuthRefresher{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		timeout:      timeout,
	}
}

// Refresh performs the token exchange with a bounded timeout.
func (r *OAuthRefresher) Refresh(ctx context.Context, cred *models.ProviderCredential) (*Token, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	conf := &oauth2.Config{
		ClientID:     r.clientID,
		ClientSecret: r.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: r.tokenURL,
		},
	}

	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}
