package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/d-kuro/lmsclient/pkg/constants"
	"github.com/d-kuro/lmsclient/pkg/metrics"
	"github.com/d-kuro/lmsclient/pkg/token"
	"github.com/d-kuro/lmsclient/pkg/types"
)

// Coordinator serializes token refreshes. While a refresh call is in flight
// every other caller waits on it and receives the same outcome.
type Coordinator struct {
	creds       *CredentialStore
	api         RefreshAPI
	minInterval time.Duration
	now         func() time.Time
	log         logrus.FieldLogger
	metrics     *metrics.Metrics

	mu       sync.Mutex
	inflight *flight

	// generation changes whenever the pair is cleared.
	generation uint64
}

// flight is one refresh call. done is closed after tok and err are set.
type flight struct {
	done chan struct{}
	tok  *oauth2.Token
	err  error
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithMinRefreshInterval sets the throttle window between refresh attempts.
func WithMinRefreshInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.minInterval = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) CoordinatorOption {
	return func(c *Coordinator) { c.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// NewCoordinator creates a refresh coordinator.
func NewCoordinator(creds *CredentialStore, api RefreshAPI, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		creds:       creds,
		api:         api,
		minInterval: constants.MinRefreshInterval,
		now:         time.Now,
		log:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Credentials returns the underlying credential store.
func (c *Coordinator) Credentials() *CredentialStore {
	return c.creds
}

// Refresh obtains a usable access token after the server rejected the current one.
//
// A refresh already in flight is joined. An absent or invalid refresh token
// purges the pair and yields ErrRefreshTokenInvalid. Within the throttle
// window a still-valid access token is returned without a network call.
func (c *Coordinator) Refresh(ctx context.Context) (*oauth2.Token, error) {
	c.mu.Lock()
	if f := c.inflight; f != nil {
		c.mu.Unlock()
		c.metrics.Refresh(metrics.OutcomeJoined)
		return f.wait(ctx)
	}

	tok, err := c.creds.LoadToken(ctx)
	if err != nil && !errors.Is(err, ErrNoCredentials) {
		c.mu.Unlock()
		return nil, &AuthError{Op: "refresh_token", Message: "failed to load stored token", Err: err}
	}
	if tok == nil || !token.IsValid(tok.RefreshToken, c.now()) {
		c.mu.Unlock()
		return nil, c.rejectRefreshToken(ctx)
	}

	if c.throttled(ctx) && token.IsValid(tok.AccessToken, c.now()) {
		c.mu.Unlock()
		c.log.Debug("token refreshed recently, reusing current access token")
		c.metrics.Refresh(metrics.OutcomeReused)
		return tok, nil
	}

	f := c.start(ctx, tok.RefreshToken)
	c.mu.Unlock()
	return f.wait(ctx)
}

// RefreshIfExpiring refreshes ahead of expiry when the access token expires
// within lead. It reports whether a refresh ran.
func (c *Coordinator) RefreshIfExpiring(ctx context.Context, lead time.Duration) (bool, error) {
	c.mu.Lock()
	if f := c.inflight; f != nil {
		c.mu.Unlock()
		_, err := f.wait(ctx)
		return true, err
	}

	tok, err := c.creds.LoadToken(ctx)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, ErrNoCredentials) {
			return false, nil
		}
		return false, &AuthError{Op: "refresh_token", Message: "failed to load stored token", Err: err}
	}
	if tok.AccessToken == "" {
		c.mu.Unlock()
		return false, nil
	}

	exp, ok, err := token.Expiry(tok.AccessToken)
	if err != nil {
		c.mu.Unlock()
		c.log.WithError(err).Debug("cannot decode access token expiry, skipping proactive refresh")
		return false, nil
	}
	if !ok || exp.Sub(c.now()) >= lead || c.throttled(ctx) {
		c.mu.Unlock()
		return false, nil
	}

	if !token.IsValid(tok.RefreshToken, c.now()) {
		c.mu.Unlock()
		return false, c.rejectRefreshToken(ctx)
	}

	c.log.WithField("expires_in", exp.Sub(c.now()).Round(time.Second)).Info("access token expiring soon, refreshing")
	f := c.start(ctx, tok.RefreshToken)
	c.mu.Unlock()
	_, err = f.wait(ctx)
	return true, err
}

// Ready checks the stored pair at startup. It refreshes when only the
// refresh token is usable and purges the pair when neither is.
func (c *Coordinator) Ready(ctx context.Context) (bool, error) {
	tok, err := c.creds.LoadToken(ctx)
	if err != nil && !errors.Is(err, ErrNoCredentials) {
		return false, &AuthError{Op: "ready", Message: "failed to load stored token", Err: err}
	}
	if tok == nil || tok.AccessToken == "" || tok.RefreshToken == "" {
		if err := c.clear(ctx); err != nil {
			return false, &AuthError{Op: "ready", Message: "failed to clear stored token", Err: err}
		}
		return false, nil
	}
	if token.IsValid(tok.AccessToken, c.now()) {
		return true, nil
	}
	if _, err := c.Refresh(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Logout removes the credential pair and the last refresh instant. A refresh
// in flight completes for its waiters but its result is not stored.
func (c *Coordinator) Logout(ctx context.Context) error {
	if err := c.clear(ctx); err != nil {
		return &AuthError{Op: "logout", Message: "failed to clear stored token", Err: err}
	}
	c.log.Info("credentials cleared")
	return nil
}

// IsAuthenticated reports whether a valid access token is stored.
func (c *Coordinator) IsAuthenticated(ctx context.Context) bool {
	access, err := c.creds.AccessToken(ctx)
	return err == nil && token.IsValid(access, c.now())
}

// start launches a flight. The caller must hold c.mu.
func (c *Coordinator) start(ctx context.Context, refresh string) *flight {
	f := &flight{done: make(chan struct{})}
	c.inflight = f
	gen := c.generation

	if err := c.creds.SetLastRefresh(ctx, c.now()); err != nil {
		c.log.WithError(err).Warn("failed to record refresh attempt")
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.TokenRefreshTimeout)
		defer cancel()

		resp, err := c.api.Refresh(ctx, refresh)

		c.mu.Lock()
		tok, err := c.finish(ctx, gen, refresh, resp, err)
		f.tok, f.err = tok, err
		c.inflight = nil
		c.mu.Unlock()
		close(f.done)
	}()

	return f
}

// finish applies the outcome of a refresh call. The caller must hold c.mu,
// so a concurrent Logout either precedes the check or follows the store.
func (c *Coordinator) finish(ctx context.Context, gen uint64, refresh string, resp *types.RefreshResponse, err error) (*oauth2.Token, error) {
	log := c.log.WithField("refresh_token", token.Redact(refresh))

	if gen != c.generation {
		c.metrics.Refresh(metrics.OutcomeDiscarded)
		log.Info("credentials cleared during refresh, discarding result")
		return nil, &AuthError{Op: "refresh_token", Message: "credentials cleared during refresh", Err: ErrRefreshTokenInvalid}
	}

	if err == nil && resp.Access == "" {
		err = ErrEmptyAccessToken
	}
	if err != nil {
		outcome := metrics.OutcomeError
		if IsAuthRejection(err) {
			outcome = metrics.OutcomeRejected
		}
		c.metrics.Refresh(outcome)
		log.WithError(err).WithField("outcome", outcome).Warn("token refresh failed, clearing credentials")
		c.clearLocked(ctx)
		return nil, &AuthError{Op: "refresh_token", Message: "failed to refresh token", Err: err}
	}

	tok := &oauth2.Token{
		AccessToken:  resp.Access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
	}
	if resp.Refresh != "" {
		tok.RefreshToken = resp.Refresh
	}
	if exp, ok, err := token.Expiry(resp.Access); err == nil && ok {
		tok.Expiry = exp
	}

	if err := c.creds.StoreToken(ctx, tok); err != nil {
		c.metrics.Refresh(metrics.OutcomeError)
		log.WithError(err).Warn("failed to store refreshed token, clearing credentials")
		c.clearLocked(ctx)
		return nil, &AuthError{Op: "store_token", Message: "failed to store refreshed token", Err: err}
	}
	if err := c.creds.SetLastRefresh(ctx, c.now()); err != nil {
		log.WithError(err).Warn("failed to record refresh instant")
	}

	c.metrics.Refresh(metrics.OutcomeSuccess)
	log.WithFields(logrus.Fields{
		"outcome":      metrics.OutcomeSuccess,
		"access_token": token.Redact(tok.AccessToken),
		"rotated":      resp.Refresh != "",
	}).Info("token refreshed")
	return tok, nil
}

func (c *Coordinator) throttled(ctx context.Context) bool {
	last, err := c.creds.LastRefresh(ctx)
	if err != nil || last.IsZero() {
		return false
	}
	return c.now().Sub(last) < c.minInterval
}

func (c *Coordinator) rejectRefreshToken(ctx context.Context) error {
	c.metrics.Refresh(metrics.OutcomeNoToken)
	c.log.Warn("refresh token missing or invalid, clearing credentials")
	c.purge(ctx)
	return ErrRefreshTokenInvalid
}

// clear removes the pair and invalidates any refresh still in flight.
func (c *Coordinator) clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	return c.creds.ClearToken(ctx)
}

func (c *Coordinator) clearLocked(ctx context.Context) {
	c.generation++
	if err := c.creds.ClearToken(ctx); err != nil {
		c.log.WithError(err).Error("failed to clear credentials")
	}
}

func (c *Coordinator) purge(ctx context.Context) {
	if err := c.clear(ctx); err != nil {
		c.log.WithError(err).Error("failed to clear credentials")
	}
}

func (f *flight) wait(ctx context.Context) (*oauth2.Token, error) {
	select {
	case <-f.done:
		return f.tok, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
