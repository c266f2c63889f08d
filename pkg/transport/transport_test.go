package transport_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/d-kuro/lmsclient/internal/apitest"
	"github.com/d-kuro/lmsclient/pkg/auth"
	"github.com/d-kuro/lmsclient/pkg/cache"
	"github.com/d-kuro/lmsclient/pkg/constants"
	"github.com/d-kuro/lmsclient/pkg/storage"
	"github.com/d-kuro/lmsclient/pkg/transport"
)

type env struct {
	t      *testing.T
	srv    *apitest.Server
	creds  *auth.CredentialStore
	client *http.Client
}

func newEnv(t *testing.T) *env {
	t.Helper()
	srv := apitest.NewServer()
	t.Cleanup(srv.Close)

	store := storage.NewMemoryStore(0)
	creds := auth.NewCredentialStore(store)
	coord := auth.NewCoordinator(creds, auth.NewAPIClient(srv.BaseURL(), nil))
	rt := transport.New(nil, creds, coord, transport.WithCache(cache.New(store), nil))

	return &env{
		t:      t,
		srv:    srv,
		creds:  creds,
		client: &http.Client{Transport: rt},
	}
}

func (e *env) seed(access string) {
	e.t.Helper()
	require.NoError(e.t, e.creds.StoreToken(context.Background(), &oauth2.Token{
		AccessToken:  access,
		RefreshToken: e.srv.MintRefresh(time.Hour),
	}))
}

func (e *env) do(ctx context.Context, method, path string, body io.Reader) *http.Response {
	e.t.Helper()
	req, err := http.NewRequestWithContext(ctx, method, e.srv.BaseURL()+path, body)
	require.NoError(e.t, err)
	resp, err := e.client.Do(req)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestTransportAttachesValidToken(t *testing.T) {
	e := newEnv(t)
	e.seed(e.srv.MintAccess(time.Hour))

	resp := e.do(context.Background(), http.MethodGet, "/courses/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/courses/", decode(t, resp)["path"])
	assert.Zero(t, e.srv.RefreshCalls())
}

func TestTransportRefreshesOn401(t *testing.T) {
	tests := []struct {
		name   string
		access func(*apitest.Server) string
	}{
		{name: "expired access token is not sent", access: func(s *apitest.Server) string { return s.MintAccess(-time.Minute) }},
		{name: "placeholder access token is not sent", access: func(*apitest.Server) string { return "undefined" }},
		{name: "server-revoked access token", access: func(s *apitest.Server) string {
			tok := s.MintAccess(time.Hour)
			s.RevokeAccess()
			return tok
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.seed(tt.access(e.srv))

			resp := e.do(context.Background(), http.MethodGet, "/lessons/7/", nil)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, 1, e.srv.RefreshCalls())
			assert.Equal(t, 1, e.srv.Hits(http.MethodGet, "/lessons/7/"))
		})
	}
}

func TestTransportConcurrent401sShareOneRefresh(t *testing.T) {
	e := newEnv(t)
	e.seed(e.srv.MintAccess(time.Hour))
	e.srv.RevokeAccess()

	release := e.srv.HoldRefresh()
	t.Cleanup(release)

	const n = 5
	var wg sync.WaitGroup
	statuses := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequestWithContext(transport.WithoutCache(context.Background()), http.MethodGet, e.srv.BaseURL()+"/courses/", nil)
			if err != nil {
				return
			}
			resp, err := e.client.Do(req)
			if err != nil {
				return
			}
			statuses[i] = resp.StatusCode
			_ = resp.Body.Close()
		}(i)
	}

	require.Eventually(t, func() bool { return e.srv.RefreshCalls() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	assert.Equal(t, 1, e.srv.RefreshCalls())
	for i, status := range statuses {
		assert.Equal(t, http.StatusOK, status, "request %d", i)
	}
	assert.Equal(t, n, e.srv.Hits(http.MethodGet, "/courses/"))

	refreshed, err := e.creds.AccessToken(context.Background())
	require.NoError(t, err)
	bearers := e.srv.Bearers(http.MethodGet, "/courses/")
	require.Len(t, bearers, n)
	for i, b := range bearers {
		assert.Equal(t, refreshed, b, "retry %d", i)
	}
}

func TestTransportRefreshFailureReturnsOriginal401(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seed(e.srv.MintAccess(-time.Minute))
	e.srv.RejectRefreshes(1)

	resp := e.do(ctx, http.MethodGet, "/courses/", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, decode(t, resp)["detail"], "credentials were not provided")
	assert.Equal(t, 1, e.srv.RefreshCalls())

	_, err := e.creds.LoadToken(ctx)
	assert.ErrorIs(t, err, auth.ErrNoCredentials)
}

func TestTransportRetriesOnlyOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seed(e.srv.MintAccess(time.Hour))
	require.NoError(t, e.creds.SetLastRefresh(ctx, time.Now()))
	e.srv.RevokeAccess()

	resp := e.do(ctx, http.MethodGet, "/courses/", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "throttled refresh reuses the rejected token and the retry is final")
	assert.Zero(t, e.srv.RefreshCalls())
}

func TestTransportNonReplayableBodyNotRetried(t *testing.T) {
	e := newEnv(t)
	e.seed(e.srv.MintAccess(-time.Minute))

	resp := e.do(context.Background(), http.MethodPost, "/courses/", io.NopCloser(strings.NewReader(`{"title":"Go"}`)))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, e.srv.RefreshCalls())
}

func TestTransportReplaysBody(t *testing.T) {
	e := newEnv(t)
	e.seed(e.srv.MintAccess(-time.Minute))

	resp := e.do(context.Background(), http.MethodPost, "/courses/", strings.NewReader(`{"title":"Go"}`))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 1, e.srv.RefreshCalls())
}

func TestTransportPassesOtherStatuses(t *testing.T) {
	e := newEnv(t)
	e.seed(e.srv.MintAccess(time.Hour))

	resp := e.do(context.Background(), http.MethodGet, "/courses/missing/", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Zero(t, e.srv.RefreshCalls())
}

func TestTransportCache(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		ctx      func(context.Context) context.Context
		wantHits int
	}{
		{name: "cacheable list", path: "/courses/?page=2", wantHits: 1},
		{name: "single lesson bypasses", path: "/lessons/5/", wantHits: 2},
		{name: "forms bypass", path: "/forms/3/", wantHits: 2},
		{name: "caller opt-out", path: "/courses/", ctx: transport.WithoutCache, wantHits: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.seed(e.srv.MintAccess(time.Hour))

			ctx := context.Background()
			if tt.ctx != nil {
				ctx = tt.ctx(ctx)
			}

			first := e.do(ctx, http.MethodGet, tt.path, nil)
			require.Equal(t, http.StatusOK, first.StatusCode)
			firstBody := decode(t, first)

			second := e.do(ctx, http.MethodGet, tt.path, nil)
			require.Equal(t, http.StatusOK, second.StatusCode)
			secondBody := decode(t, second)

			p := strings.SplitN(tt.path, "?", 2)[0]
			assert.Equal(t, tt.wantHits, e.srv.Hits(http.MethodGet, p))
			if tt.wantHits == 1 {
				assert.Equal(t, "HIT", second.Header.Get(constants.HeaderCache))
				assert.Equal(t, firstBody, secondBody)
			}
		})
	}
}

func TestTransportWriteInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seed(e.srv.MintAccess(time.Hour))

	e.do(ctx, http.MethodGet, "/courses/", nil)
	e.do(ctx, http.MethodGet, "/courses/4/", nil)
	e.do(ctx, http.MethodGet, "/courses/", nil)
	require.Equal(t, 1, e.srv.Hits(http.MethodGet, "/courses/"))

	resp := e.do(ctx, http.MethodPatch, "/courses/4/", strings.NewReader(`{"title":"New"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	e.do(ctx, http.MethodGet, "/courses/", nil)
	e.do(ctx, http.MethodGet, "/courses/4/", nil)
	assert.Equal(t, 2, e.srv.Hits(http.MethodGet, "/courses/"))
	assert.Equal(t, 2, e.srv.Hits(http.MethodGet, "/courses/4/"))
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type staticTokens string

func (s staticTokens) AccessToken(context.Context) (string, error) { return string(s), nil }

func TestTransportRequestID(t *testing.T) {
	var got []string
	base := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		got = append(got, r.Header.Get(constants.HeaderRequestID))
		assert.Empty(t, r.Header.Get(constants.HeaderAuthorization))
		return &http.Response{StatusCode: http.StatusNoContent, Body: http.NoBody, Request: r}, nil
	})
	rt := transport.New(base, staticTokens(""), nil)

	req, err := http.NewRequest(http.MethodDelete, "http://example.invalid/api/courses/1/", nil)
	require.NoError(t, err)
	_, err = rt.RoundTrip(req)
	require.NoError(t, err)

	req.Header.Set(constants.HeaderRequestID, "caller-id")
	_, err = rt.RoundTrip(req)
	require.NoError(t, err)

	require.Len(t, got, 2)
	_, err = uuid.Parse(got[0])
	assert.NoError(t, err)
	assert.Equal(t, "caller-id", got[1])
	assert.Empty(t, req.Header.Get(constants.HeaderAuthorization), "caller's request is not mutated")
}
