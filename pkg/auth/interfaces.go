// Package auth keeps the credential pair of a signed-in user fresh: it
// persists the pair, talks to the token endpoints and coordinates refreshes
// so that at most one refresh call is in flight.
package auth

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/d-kuro/lmsclient/pkg/types"
)

// RefreshAPI is the remote call behind a refresh. APIClient implements it.
type RefreshAPI interface {
	Refresh(ctx context.Context, refresh string) (*types.RefreshResponse, error)
}

// TokenProvider is what request pipelines need from the coordinator.
type TokenProvider interface {
	// Refresh obtains a fresh access token, joining a refresh already in flight.
	Refresh(ctx context.Context) (*oauth2.Token, error)
}

var _ TokenProvider = (*Coordinator)(nil)
