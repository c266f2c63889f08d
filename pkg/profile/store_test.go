package profile_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/d-kuro/lmsclient/internal/apitest"
	"github.com/d-kuro/lmsclient/pkg/auth"
	"github.com/d-kuro/lmsclient/pkg/constants"
	"github.com/d-kuro/lmsclient/pkg/profile"
	"github.com/d-kuro/lmsclient/pkg/storage"
	"github.com/d-kuro/lmsclient/pkg/transport"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	srv    *apitest.Server
	kv     *storage.MemoryStore
	creds  *auth.CredentialStore
	client *http.Client
	clock  *clock
	store  *profile.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	srv := apitest.NewServer()
	t.Cleanup(srv.Close)

	kv := storage.NewMemoryStore(0)
	creds := auth.NewCredentialStore(kv)
	require.NoError(t, creds.StoreToken(context.Background(), &oauth2.Token{
		AccessToken:  srv.MintAccess(time.Hour),
		RefreshToken: srv.MintRefresh(time.Hour),
	}))
	coord := auth.NewCoordinator(creds, auth.NewAPIClient(srv.BaseURL(), nil))
	client := &http.Client{Transport: transport.New(nil, creds, coord)}

	e := &env{
		srv:    srv,
		kv:     kv,
		creds:  creds,
		client: client,
		clock:  &clock{now: time.Now()},
	}
	e.store = e.newStore()
	return e
}

func (e *env) newStore() *profile.Store {
	return profile.NewStore(e.client, e.srv.BaseURL(), e.kv, profile.Config{Now: e.clock.Now})
}

func TestFetchUsesSnapshots(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	p, err := e.store.Fetch(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", p.Email)
	assert.Equal(t, 1, e.srv.ProfileGets())

	_, err = e.store.Fetch(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, e.srv.ProfileGets(), "memory snapshot")

	e.clock.Advance(6 * time.Minute)
	_, err = e.store.Fetch(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, e.srv.ProfileGets(), "persisted snapshot still fresh")

	fresh := e.newStore()
	_, err = fresh.Fetch(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, e.srv.ProfileGets(), "persisted snapshot survives restart")

	e.clock.Advance(25 * time.Minute)
	_, err = fresh.Fetch(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, e.srv.ProfileGets(), "both snapshots stale")
}

func TestFetchForceAndDebounce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.store.Fetch(ctx, true)
	require.NoError(t, err)
	_, err = e.store.Fetch(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, e.srv.ProfileGets(), "forced fetch inside debounce window")

	e.clock.Advance(2 * time.Second)
	_, err = e.store.Fetch(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, e.srv.ProfileGets())
}

func TestFetchCoalesces(t *testing.T) {
	e := newEnv(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.store.Fetch(context.Background(), false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, e.srv.ProfileGets())
}

func TestFetchFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	want, err := e.store.Fetch(ctx, false)
	require.NoError(t, err)

	e.srv.Close()
	e.clock.Advance(time.Hour)

	got, err := e.store.Fetch(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, want, got, "last known profile on network failure")

	got, err = e.store.Fetch(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, want, got, "retry guard serves last known profile")
}

func TestFetchFailureWithoutSnapshot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.srv.Close()

	_, err := e.store.Fetch(ctx, false)
	require.Error(t, err)

	_, err = e.store.Fetch(ctx, false)
	assert.ErrorIs(t, err, profile.ErrRetryTooSoon)

	e.clock.Advance(31 * time.Second)
	_, err = e.store.Fetch(ctx, false)
	require.Error(t, err)
	assert.NotErrorIs(t, err, profile.ErrRetryTooSoon)
}

func TestFetchRecoversFromRevokedToken(t *testing.T) {
	e := newEnv(t)
	e.srv.RevokeAccess()

	p, err := e.store.Fetch(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "Lovelace", p.LastName)
	assert.Equal(t, 1, e.srv.RefreshCalls())
}

func TestFetchSignInRequired(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.store.Fetch(ctx, false)
	require.NoError(t, err)

	events, cancel := e.store.Subscribe()
	defer cancel()

	e.srv.RevokeAccess()
	e.srv.RejectRefreshes(1)
	e.clock.Advance(time.Hour)

	_, err = e.store.Fetch(ctx, false)
	assert.ErrorIs(t, err, profile.ErrSignInRequired)

	_, ok := e.store.Current()
	assert.False(t, ok)
	_, err = e.kv.GetItem(ctx, constants.KeyProfileData)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = e.creds.LoadToken(ctx)
	assert.ErrorIs(t, err, auth.ErrNoCredentials)

	ev := <-events
	assert.True(t, ev.Cleared)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	events, cancel := e.store.Subscribe()
	defer cancel()

	tests := []struct {
		name    string
		update  func() error
		wantErr bool
	}{
		{name: "valid email", update: func() error {
			_, err := e.store.UpdateEmail(ctx, "ada@lovelace.dev")
			return err
		}},
		{name: "invalid email", wantErr: true, update: func() error {
			_, err := e.store.UpdateEmail(ctx, "not-an-email")
			return err
		}},
		{name: "data uri avatar", update: func() error {
			_, err := e.store.UpdateAvatar(ctx, "data:image/png;base64,iVBORw0KGgo=")
			return err
		}},
		{name: "garbage avatar", wantErr: true, update: func() error {
			_, err := e.store.UpdateAvatar(ctx, "%%%")
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.update()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			ev := <-events
			require.NotNil(t, ev.Profile)
		})
	}

	got := e.srv.Profile()
	assert.Equal(t, "ada@lovelace.dev", got.Email)
	assert.Equal(t, "data:image/png;base64,iVBORw0KGgo=", got.AvatarBase64)

	cur, ok := e.store.Current()
	require.True(t, ok)
	assert.Equal(t, got, *cur)
	assert.Zero(t, e.srv.ProfileGets())
}

func TestSubscribeCancel(t *testing.T) {
	e := newEnv(t)
	events, cancel := e.store.Subscribe()
	cancel()
	cancel()

	_, open := <-events
	assert.False(t, open)

	require.NoError(t, e.store.Clear(context.Background()))
}
