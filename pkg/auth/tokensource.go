package auth

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"github.com/d-kuro/lmsclient/pkg/token"
)

// AuthStatus represents the current authentication status.
type AuthStatus struct {
	Authenticated   bool          `json:"authenticated"`
	TokenType       string        `json:"tokenType,omitempty"`
	ExpiresAt       time.Time     `json:"expiresAt,omitempty"`
	ExpiresIn       time.Duration `json:"expiresIn,omitempty"`
	IsExpired       bool          `json:"isExpired,omitempty"`
	HasRefreshToken bool          `json:"hasRefreshToken,omitempty"`
	LastRefresh     time.Time     `json:"lastRefresh,omitempty"`
	StoragePath     string        `json:"storagePath,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// Status reports the state of the stored credential pair.
func (c *Coordinator) Status(ctx context.Context) (*AuthStatus, error) {
	tok, err := c.creds.LoadToken(ctx)
	if err != nil {
		return &AuthStatus{
			Authenticated: false,
			StoragePath:   c.creds.GetStoragePath(),
			Error:         err.Error(),
		}, nil
	}

	now := c.now()
	status := &AuthStatus{
		Authenticated:   token.IsValid(tok.AccessToken, now),
		TokenType:       tok.TokenType,
		HasRefreshToken: token.IsValid(tok.RefreshToken, now),
		StoragePath:     c.creds.GetStoragePath(),
	}

	if !tok.Expiry.IsZero() {
		status.ExpiresAt = tok.Expiry
		status.ExpiresIn = tok.Expiry.Sub(now)
		status.IsExpired = !now.Before(tok.Expiry)
	}
	if last, err := c.creds.LastRefresh(ctx); err == nil {
		status.LastRefresh = last
	}

	return status, nil
}

// TokenSource adapts the coordinator to oauth2.TokenSource. The stored
// access token is returned while valid; otherwise a refresh runs.
func (c *Coordinator) TokenSource(ctx context.Context) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &coordinatorTokenSource{ctx: ctx, c: c})
}

type coordinatorTokenSource struct {
	ctx context.Context
	c   *Coordinator
}

func (s *coordinatorTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.c.creds.LoadToken(s.ctx)
	if err == nil && token.IsValid(tok.AccessToken, s.c.now()) {
		return tok, nil
	}
	return s.c.Refresh(s.ctx)
}
