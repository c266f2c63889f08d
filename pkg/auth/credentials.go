package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/d-kuro/lmsclient/pkg/constants"
	"github.com/d-kuro/lmsclient/pkg/storage"
	"github.com/d-kuro/lmsclient/pkg/token"
)

// CredentialStore persists the credential pair and the last refresh instant
// in a storage.Store under the keys the browser front end uses.
type CredentialStore struct {
	store storage.Store
}

// NewCredentialStore creates a credential store over store.
func NewCredentialStore(store storage.Store) *CredentialStore {
	return &CredentialStore{store: store}
}

// LoadToken returns the stored pair as an oauth2.Token. Expiry is taken from
// the access token payload when it has one. ErrNoCredentials is returned when
// neither token is stored.
func (s *CredentialStore) LoadToken(ctx context.Context) (*oauth2.Token, error) {
	access, err := s.get(ctx, constants.KeyAccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := s.get(ctx, constants.KeyRefreshToken)
	if err != nil {
		return nil, err
	}
	if access == "" && refresh == "" {
		return nil, ErrNoCredentials
	}

	tok := &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
	}
	if exp, ok, err := token.Expiry(access); err == nil && ok {
		tok.Expiry = exp
	}
	return tok, nil
}

// AccessToken returns the stored access token, or "" when there is none.
func (s *CredentialStore) AccessToken(ctx context.Context) (string, error) {
	return s.get(ctx, constants.KeyAccessToken)
}

// StoreToken persists the access token, and the refresh token when set.
func (s *CredentialStore) StoreToken(ctx context.Context, tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return ErrEmptyAccessToken
	}
	if err := s.store.SetItem(ctx, constants.KeyAccessToken, tok.AccessToken); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	if tok.RefreshToken != "" {
		if err := s.store.SetItem(ctx, constants.KeyRefreshToken, tok.RefreshToken); err != nil {
			return fmt.Errorf("store refresh token: %w", err)
		}
	}
	return nil
}

// ClearToken removes both tokens and the last refresh instant.
func (s *CredentialStore) ClearToken(ctx context.Context) error {
	var errs []error
	for _, key := range []string{constants.KeyAccessToken, constants.KeyRefreshToken, constants.KeyLastTokenRefresh} {
		if err := s.store.RemoveItem(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// LastRefresh returns the instant of the last refresh attempt, or the zero time.
func (s *CredentialStore) LastRefresh(ctx context.Context) (time.Time, error) {
	v, err := s.get(ctx, constants.KeyLastTokenRefresh)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}

// SetLastRefresh records t as the last refresh instant in epoch milliseconds.
func (s *CredentialStore) SetLastRefresh(ctx context.Context, t time.Time) error {
	return s.store.SetItem(ctx, constants.KeyLastTokenRefresh, strconv.FormatInt(t.UnixMilli(), 10))
}

// GetStoragePath describes where credentials live.
func (s *CredentialStore) GetStoragePath() string {
	if d, ok := s.store.(storage.Describer); ok {
		return d.GetStoragePath()
	}
	return ""
}

func (s *CredentialStore) get(ctx context.Context, key string) (string, error) {
	v, err := s.store.GetItem(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load %s: %w", key, err)
	}
	return v, nil
}
