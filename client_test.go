package lmsclient

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d-kuro/lmsclient/internal/apitest"
	"github.com/d-kuro/lmsclient/pkg/auth"
	"github.com/d-kuro/lmsclient/pkg/storage"
)

func newTestClient(t *testing.T, opts ...ConfigOption) (*Client, *apitest.Server, *storage.MemoryStore) {
	t.Helper()
	srv := apitest.NewServer(apitest.WithUser("ada", "secret"))
	t.Cleanup(srv.Close)

	logger, _ := test.NewNullLogger()
	store := storage.NewMemoryStore(0)
	opts = append([]ConfigOption{
		WithBaseURL(srv.BaseURL()),
		WithStore(store),
		WithLogger(logger),
	}, opts...)

	client, err := NewClient(opts...)
	require.NoError(t, err)
	return client, srv, store
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name        string
		options     []ConfigOption
		expectError bool
	}{
		{
			name:    "memory store",
			options: []ConfigOption{WithStore(storage.NewMemoryStore(0))},
		},
		{
			name:    "cache disabled",
			options: []ConfigOption{WithStore(storage.NewMemoryStore(0)), WithCache(false)},
		},
		{
			name:        "invalid base URL",
			options:     []ConfigOption{WithBaseURL("not a url")},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.options...)
			if tt.expectError {
				var cfgErr *ConfigError
				assert.ErrorAs(t, err, &cfgErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, client.GetConfig())
			assert.NotNil(t, client.HTTPClient())
			assert.NotNil(t, client.Profile())
		})
	}
}

func TestNewClientDefaultStore(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	client, err := NewClient()
	require.NoError(t, err)

	status, err := client.GetAuthStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Authenticated)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".lmsclient"), status.StoragePath)
}

func TestClientLoginLogout(t *testing.T) {
	ctx := context.Background()
	client, srv, _ := newTestClient(t)

	err := client.Login(ctx, "ada", "wrong")
	assert.True(t, auth.IsAuthRejection(err))
	assert.False(t, client.IsAuthenticated(ctx))

	require.NoError(t, client.Login(ctx, "ada", "secret"))
	assert.True(t, client.IsAuthenticated(ctx))

	status, err := client.GetAuthStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Authenticated)
	assert.True(t, status.HasRefreshToken)

	var course map[string]any
	require.NoError(t, client.Get(ctx, "/courses/1/", nil, &course))

	p, err := client.Profile().Fetch(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "Ada", p.FirstName)

	require.NoError(t, client.Logout(ctx))
	assert.False(t, client.IsAuthenticated(ctx))
	_, ok := client.Profile().Current()
	assert.False(t, ok)

	err = client.Get(ctx, "/courses/1/", nil, &course)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr, "cache was cleared, so the request reaches the server")
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, 2, srv.SignInCalls())
}

func TestClientJSONHelpers(t *testing.T) {
	ctx := context.Background()
	client, srv, _ := newTestClient(t)
	require.NoError(t, client.Login(ctx, "ada", "secret"))

	var got map[string]any
	require.NoError(t, client.Get(ctx, "courses/", url.Values{"page": {"2"}}, &got))
	assert.Equal(t, "page=2", got["query"])

	require.NoError(t, client.Post(ctx, "/courses/", map[string]string{"title": "Go"}, &got))
	assert.Equal(t, http.MethodPost, got["method"])

	require.NoError(t, client.Put(ctx, "/courses/1/", map[string]string{"title": "Go"}, &got))
	require.NoError(t, client.Patch(ctx, "/courses/1/", map[string]string{"title": "Go"}, nil))
	require.NoError(t, client.Delete(ctx, "/courses/1/"))
	assert.Equal(t, 1, srv.Hits(http.MethodDelete, "/courses/1/"))

	err := client.Get(ctx, "/courses/missing/", nil, &got)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "Not found.", apiErr.Detail)
}

func TestClientInvalidateContentCache(t *testing.T) {
	ctx := context.Background()
	client, srv, store := newTestClient(t)
	require.NoError(t, client.Login(ctx, "ada", "secret"))

	var got map[string]any
	for _, p := range []string{"/courses/", "/modules/3/lessons/", "/news/"} {
		require.NoError(t, client.Get(ctx, p, nil, &got))
	}
	keys, err := store.Keys(ctx, "api_cache_")
	require.NoError(t, err)
	require.Len(t, keys, 3)

	require.NoError(t, client.InvalidateContentCache(ctx))

	keys, err = store.Keys(ctx, "api_cache_")
	require.NoError(t, err)
	assert.Equal(t, []string{"api_cache_/api/news/_"}, keys)

	require.NoError(t, client.Get(ctx, "/courses/", nil, &got))
	assert.Equal(t, 2, srv.Hits(http.MethodGet, "/courses/"))

	require.NoError(t, client.ClearCache(ctx))
	keys, err = store.Keys(ctx, "api_cache_")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestClientRecoversFromExpiredToken(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	client, srv, _ := newTestClient(t, WithMetrics(reg), WithCache(false))
	require.NoError(t, client.Login(ctx, "ada", "secret"))

	srv.RevokeAccess()

	var got map[string]any
	require.NoError(t, client.Get(ctx, "/courses/", nil, &got))
	assert.Equal(t, 1, srv.RefreshCalls())

	assert.Equal(t, 1.0, counterValue(t, reg, "lmsclient_request_retries_total"))

	n, err := testutil.GatherAndCount(reg, "lmsclient_token_refreshes_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

func TestClientReady(t *testing.T) {
	ctx := context.Background()
	client, srv, store := newTestClient(t)

	ok, err := client.Ready(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetItem(ctx, "access_token", srv.MintAccess(-time.Minute)))
	require.NoError(t, store.SetItem(ctx, "refresh_token", srv.MintRefresh(time.Hour)))

	ok, err = client.Ready(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, client.IsAuthenticated(ctx))
	assert.Equal(t, 1, srv.RefreshCalls())
}

func TestClientTokenWatcher(t *testing.T) {
	ctx := context.Background()
	client, srv, store := newTestClient(t, WithRefreshTiming(10*time.Millisecond, time.Minute))

	require.NoError(t, store.SetItem(ctx, "access_token", srv.MintAccess(30*time.Second)))
	require.NoError(t, store.SetItem(ctx, "refresh_token", srv.MintRefresh(time.Hour)))

	client.StartTokenWatcher(ctx)
	t.Cleanup(client.StopTokenWatcher)

	require.Eventually(t, func() bool { return srv.RefreshCalls() == 1 }, time.Second, 5*time.Millisecond)
}

func TestClientDoesNotLogTokens(t *testing.T) {
	ctx := context.Background()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	client, srv, store := newTestClient(t, WithLogger(logger), WithCache(false))
	require.NoError(t, client.Login(ctx, "ada", "secret"))
	srv.RevokeAccess()

	var got map[string]any
	require.NoError(t, client.Get(ctx, "/courses/", nil, &got))

	access, err := store.GetItem(ctx, "access_token")
	require.NoError(t, err)
	refresh, err := store.GetItem(ctx, "refresh_token")
	require.NoError(t, err)

	require.NotEmpty(t, hook.AllEntries())
	for _, entry := range hook.AllEntries() {
		assert.NotContains(t, entry.Message, access)
		for _, v := range entry.Data {
			s, ok := v.(string)
			if !ok {
				continue
			}
			assert.NotContains(t, s, access)
			assert.NotContains(t, s, refresh)
		}
	}
}
