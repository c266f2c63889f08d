package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/d-kuro/lmsclient/pkg/constants"
	"github.com/d-kuro/lmsclient/pkg/types"
)

// APIClient calls the token endpoints of the course platform API. Its HTTP
// client must not be the intercepting one, so a rejected refresh never
// triggers another refresh.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAPIClient creates an auth API client. A nil httpClient uses a client
// with the default timeout.
func NewAPIClient(baseURL string, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: constants.DefaultHTTPTimeout}
	}
	return &APIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// SignIn exchanges credentials for a token pair.
func (c *APIClient) SignIn(ctx context.Context, username, password string) (*types.TokenPair, error) {
	var pair types.TokenPair
	if err := c.callAPI(ctx, constants.SignInPath, types.SignInRequest{Username: username, Password: password}, &pair); err != nil {
		return nil, err
	}
	if pair.Access == "" {
		return nil, ErrEmptyAccessToken
	}
	return &pair, nil
}

// Refresh exchanges a refresh token for a new access token.
func (c *APIClient) Refresh(ctx context.Context, refresh string) (*types.RefreshResponse, error) {
	var resp types.RefreshResponse
	if err := c.callAPI(ctx, constants.TokenRefreshPath, types.RefreshRequest{Refresh: refresh}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// callAPI POSTs reqData as JSON to path and decodes the response into out.
func (c *APIClient) callAPI(ctx context.Context, path string, reqData, out any) error {
	reqBytes, err := json.Marshal(reqData)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	if len(reqBytes) > constants.MaxAPIRequestSize {
		return fmt.Errorf("request payload too large: %d bytes (max: %d)", len(reqBytes), constants.MaxAPIRequestSize)
	}

	ctx, cancel := context.WithTimeout(ctx, constants.APIRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", constants.ContentTypeJSON)
	req.Header.Set("Content-Length", strconv.Itoa(len(reqBytes)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("request timeout after %v: %w", constants.APIRequestTimeout, err)
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	limitedReader := io.LimitReader(resp.Body, constants.MaxAPIResponseSize)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(limitedReader, 4096))
		return &RejectedError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(limitedReader).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
