// Package lmsclient is a Go client for the course platform API. It keeps the
// signed-in user's credential pair fresh, caches read responses in a
// key-value store and recovers from expired access tokens transparently.
//
// Example usage:
//
//	client, err := lmsclient.NewClient(lmsclient.WithBaseURL("https://lms.example.com/api"))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if err := client.Login(ctx, "ada", "secret"); err != nil {
//		log.Fatal(err)
//	}
//	client.StartTokenWatcher(ctx)
//	defer client.StopTokenWatcher()
//
//	var courses []Course
//	if err := client.Get(ctx, "/courses/", nil, &courses); err != nil {
//		log.Fatal(err)
//	}
package lmsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/d-kuro/lmsclient/pkg/auth"
	"github.com/d-kuro/lmsclient/pkg/cache"
	"github.com/d-kuro/lmsclient/pkg/constants"
	"github.com/d-kuro/lmsclient/pkg/metrics"
	"github.com/d-kuro/lmsclient/pkg/profile"
	"github.com/d-kuro/lmsclient/pkg/storage"
	"github.com/d-kuro/lmsclient/pkg/transport"
	"github.com/d-kuro/lmsclient/pkg/types"
)

// contentKeyPattern matches cache keys of course material.
var contentKeyPattern = regexp.MustCompile(`/(courses|modules|lessons|contents?)(/|_)`)

// Client provides authenticated access to the course platform API.
type Client struct {
	config     *Config
	store      storage.Store
	cache      *cache.Cache
	creds      *auth.CredentialStore
	api        *auth.APIClient
	coord      *auth.Coordinator
	watcher    *auth.Watcher
	httpClient *http.Client
	profile    *profile.Store
}

// NewClient creates a new client with the provided configuration options.
// If no options are provided, default configuration will be used.
func NewClient(opts ...ConfigOption) (*Client, error) {
	config := NewConfig(opts...)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	store := config.Store
	if store == nil {
		fs, err := storage.NewFileSystemStore("", config.StorageQuota)
		if err != nil {
			return nil, fmt.Errorf("failed to open default storage: %w", err)
		}
		store = fs
	}

	m := metrics.New(config.Metrics)
	log := config.Logger.WithField("component", constants.LibraryName)

	baseClient := newBaseClient(config)
	creds := auth.NewCredentialStore(store)
	api := auth.NewAPIClient(config.BaseURL, baseClient)
	coord := auth.NewCoordinator(creds, api,
		auth.WithMinRefreshInterval(config.MinRefreshInterval),
		auth.WithClock(config.Clock),
		auth.WithLogger(log),
		auth.WithMetrics(m),
	)

	tOpts := []transport.Option{
		transport.WithClock(config.Clock),
		transport.WithLogger(log),
		transport.WithMetrics(m),
	}
	var respCache *cache.Cache
	if config.CacheEnabled {
		respCache = cache.New(store,
			cache.WithClock(config.Clock),
			cache.WithLogger(log),
			cache.WithMetrics(m),
		)
		tOpts = append(tOpts, transport.WithCache(respCache, config.CachePolicy))
	}

	httpClient := &http.Client{
		Timeout:   config.Timeout,
		Transport: transport.New(baseClient.Transport, creds, coord, tOpts...),
	}

	profileStore := profile.NewStore(httpClient, config.BaseURL, store, profile.Config{
		MemoryTTL:  config.ProfileMemoryTTL,
		PersistTTL: config.ProfilePersistTTL,
		Now:        config.Clock,
		Logger:     log,
	})

	return &Client{
		config:     config,
		store:      store,
		cache:      respCache,
		creds:      creds,
		api:        api,
		coord:      coord,
		watcher:    auth.NewWatcher(coord, config.RefreshCheckInterval, config.RefreshLeadTime),
		httpClient: httpClient,
		profile:    profileStore,
	}, nil
}

// Login signs in and stores the returned credential pair. Profile snapshots
// of a previous user are dropped.
func (c *Client) Login(ctx context.Context, username, password string) error {
	pair, err := c.api.SignIn(ctx, username, password)
	if err != nil {
		return &auth.AuthError{Op: "sign_in", Message: "sign-in failed", Err: err}
	}

	if err := c.profile.Clear(ctx); err != nil {
		c.config.Logger.WithError(err).Warn("failed to clear previous profile")
	}
	if err := c.coord.Logout(ctx); err != nil {
		return err
	}
	if err := c.creds.StoreToken(ctx, pairToken(pair)); err != nil {
		return &auth.AuthError{Op: "store_token", Message: "failed to store credentials", Err: err}
	}

	c.config.Logger.WithField("user", username).Info("signed in")
	return nil
}

// Logout removes the credential pair, the profile snapshots and the response cache.
func (c *Client) Logout(ctx context.Context) error {
	return errors.Join(
		c.coord.Logout(ctx),
		c.profile.Clear(ctx),
		c.ClearCache(ctx),
	)
}

// Ready validates the stored credential pair at startup, refreshing the
// access token when only the refresh token is still usable.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	return c.coord.Ready(ctx)
}

// IsAuthenticated checks if a valid access token is stored.
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	return c.coord.IsAuthenticated(ctx)
}

// GetAuthStatus returns the current authentication status.
func (c *Client) GetAuthStatus(ctx context.Context) (*auth.AuthStatus, error) {
	return c.coord.Status(ctx)
}

// RefreshToken forces the reactive refresh path.
func (c *Client) RefreshToken(ctx context.Context) error {
	_, err := c.coord.Refresh(ctx)
	return err
}

// StartTokenWatcher starts refreshing the access token shortly before it expires.
func (c *Client) StartTokenWatcher(ctx context.Context) {
	c.watcher.Start(ctx)
}

// StopTokenWatcher stops the token watcher.
func (c *Client) StopTokenWatcher() {
	c.watcher.Stop()
}

// HTTPClient returns the intercepting client for callers that need raw responses.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Profile returns the profile store.
func (c *Client) Profile() *profile.Store {
	return c.profile
}

// Do sends req through the intercepting client.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}

// Get fetches path with query and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.url(path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return c.doJSON(ctx, http.MethodGet, u, nil, out)
}

// Post sends in as JSON and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	return c.doJSON(ctx, http.MethodPost, c.url(path), in, out)
}

// Put sends in as JSON and decodes the response into out.
func (c *Client) Put(ctx context.Context, path string, in, out any) error {
	return c.doJSON(ctx, http.MethodPut, c.url(path), in, out)
}

// Patch sends in as JSON and decodes the response into out.
func (c *Client) Patch(ctx context.Context, path string, in, out any) error {
	return c.doJSON(ctx, http.MethodPatch, c.url(path), in, out)
}

// Delete deletes path.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.doJSON(ctx, http.MethodDelete, c.url(path), nil, nil)
}

// InvalidateContentCache drops cached course material after it was edited.
func (c *Client) InvalidateContentCache(ctx context.Context) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.RemoveMatching(ctx, contentKeyPattern.MatchString)
}

// ClearCache drops every cached response.
func (c *Client) ClearCache(ctx context.Context) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Clear(ctx)
}

// GetConfig returns the client configuration.
func (c *Client) GetConfig() *Config {
	return c.config
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.config.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) doJSON(ctx context.Context, method, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		if len(data) > constants.MaxAPIRequestSize {
			return fmt.Errorf("request payload too large: %d bytes (max: %d)", len(data), constants.MaxAPIRequestSize)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", constants.ContentTypeJSON)
	if in != nil {
		req.Header.Set("Content-Type", constants.ContentTypeJSON)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.NewAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, constants.MaxAPIResponseSize)).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
