// Package profile keeps the signed-in user's profile in memory and in the
// key-value store, fetching it from the API only when both snapshots are stale.
package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/d-kuro/lmsclient/pkg/constants"
	"github.com/d-kuro/lmsclient/pkg/storage"
	"github.com/d-kuro/lmsclient/pkg/transport"
	"github.com/d-kuro/lmsclient/pkg/types"
)

var (
	// ErrSignInRequired is returned when the API refused the credentials even after a refresh.
	ErrSignInRequired = errors.New("sign-in required")

	// ErrRetryTooSoon is returned when a fetch failed recently and no snapshot is available.
	ErrRetryTooSoon = errors.New("profile fetch failed recently, retry later")
)

// Event is broadcast to subscribers when the profile changes.
type Event struct {
	Profile *types.Profile
	Cleared bool
}

// Config holds the Store timings. Zero values use the defaults.
type Config struct {
	MemoryTTL     time.Duration
	PersistTTL    time.Duration
	RetryInterval time.Duration
	Debounce      time.Duration
	Now           func() time.Time
	Logger        logrus.FieldLogger
}

// Store is the profile store. Requests go through client, whose transport
// is expected to attach credentials and recover from a single 401.
type Store struct {
	client   *http.Client
	baseURL  string
	kv       storage.Store
	cfg      Config
	validate *validator.Validate
	group    singleflight.Group

	mu          sync.Mutex
	current     *types.Profile
	fetchedAt   time.Time
	lastNetwork time.Time
	lastFailure time.Time

	subsMu sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// NewStore creates a profile store.
func NewStore(client *http.Client, baseURL string, kv storage.Store, cfg Config) *Store {
	if cfg.MemoryTTL <= 0 {
		cfg.MemoryTTL = constants.ProfileMemoryTTL
	}
	if cfg.PersistTTL <= 0 {
		cfg.PersistTTL = constants.ProfilePersistTTL
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = constants.ProfileMinRetryInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = constants.ProfileDebounceWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	return &Store{
		client:   client,
		baseURL:  strings.TrimRight(baseURL, "/"),
		kv:       kv,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		subs:     map[int]chan Event{},
	}
}

// Fetch returns the profile, preferring fresh snapshots over the network.
// force skips both snapshots but not the retry guard or the debounce window.
func (s *Store) Fetch(ctx context.Context, force bool) (*types.Profile, error) {
	now := s.cfg.Now()

	s.mu.Lock()
	if !force && s.current != nil && now.Sub(s.fetchedAt) < s.cfg.MemoryTTL {
		p := *s.current
		s.mu.Unlock()
		return &p, nil
	}
	s.mu.Unlock()

	if !force {
		if p, at, ok := s.loadPersisted(ctx); ok && now.Sub(at) < s.cfg.PersistTTL {
			s.mu.Lock()
			s.current, s.fetchedAt = p, at
			s.mu.Unlock()
			cp := *p
			return &cp, nil
		}
	}

	s.mu.Lock()
	if !s.lastFailure.IsZero() && now.Sub(s.lastFailure) < s.cfg.RetryInterval {
		s.mu.Unlock()
		if p, ok := s.lastKnown(ctx); ok {
			return p, nil
		}
		return nil, ErrRetryTooSoon
	}
	if s.current != nil && !s.lastNetwork.IsZero() && now.Sub(s.lastNetwork) < s.cfg.Debounce {
		p := *s.current
		s.mu.Unlock()
		return &p, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do("profile", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.APIRequestTimeout)
		defer cancel()
		return s.fetchRemote(ctx)
	})
	if err != nil {
		return nil, err
	}
	p := *v.(*types.Profile)
	return &p, nil
}

// Current returns the in-memory snapshot without any I/O.
func (s *Store) Current() (*types.Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, false
	}
	p := *s.current
	return &p, true
}

// UpdateEmail changes the profile email.
func (s *Store) UpdateEmail(ctx context.Context, email string) (*types.Profile, error) {
	return s.Update(ctx, types.ProfileUpdate{Email: &email})
}

// UpdateAvatar replaces the profile picture with base64-encoded image data.
func (s *Store) UpdateAvatar(ctx context.Context, avatarBase64 string) (*types.Profile, error) {
	return s.Update(ctx, types.ProfileUpdate{AvatarBase64: &avatarBase64})
}

// Update sends a partial profile update and refreshes both snapshots with the result.
func (s *Store) Update(ctx context.Context, update types.ProfileUpdate) (*types.Profile, error) {
	if err := s.validate.Struct(update); err != nil {
		return nil, fmt.Errorf("invalid profile update: %w", err)
	}

	body, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal profile update: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, s.baseURL+constants.ProfilePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", constants.ContentTypeJSON)

	p, err := s.do(req)
	if err != nil {
		return nil, err
	}
	s.cfg.Logger.Info("profile updated")
	return p, nil
}

// Subscribe returns a channel of profile events and a function that ends
// the subscription. Slow subscribers only see the latest event.
func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 1)

	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
			close(ch)
		})
	}
}

// Clear drops both snapshots and the fetch bookkeeping.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.current = nil
	s.fetchedAt, s.lastNetwork, s.lastFailure = time.Time{}, time.Time{}, time.Time{}
	s.mu.Unlock()

	err := errors.Join(
		s.kv.RemoveItem(ctx, constants.KeyProfileData),
		s.kv.RemoveItem(ctx, constants.KeyProfileLastFetch),
	)
	s.broadcast(Event{Cleared: true})
	return err
}

func (s *Store) fetchRemote(ctx context.Context) (*types.Profile, error) {
	req, err := http.NewRequestWithContext(transport.WithoutCache(ctx), http.MethodGet, s.baseURL+constants.ProfilePath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	p, err := s.do(req)
	if err == nil || errors.Is(err, ErrSignInRequired) {
		return p, err
	}

	s.mu.Lock()
	s.lastFailure = s.cfg.Now()
	s.mu.Unlock()

	if last, ok := s.lastKnown(ctx); ok {
		s.cfg.Logger.WithError(err).Warn("profile fetch failed, using last known profile")
		return last, nil
	}
	return nil, err
}

// do runs req and applies a successful profile response to both snapshots.
func (s *Store) do(req *http.Request) (*types.Profile, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		s.cfg.Logger.Warn("profile request unauthorized after refresh, clearing profile")
		if err := s.Clear(req.Context()); err != nil {
			s.cfg.Logger.WithError(err).Warn("failed to clear profile")
		}
		return nil, ErrSignInRequired
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, types.NewAPIError(resp)
	}

	var p types.Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}

	s.apply(req.Context(), &p)
	cp := p
	return &cp, nil
}

func (s *Store) apply(ctx context.Context, p *types.Profile) {
	now := s.cfg.Now()

	s.mu.Lock()
	s.current = p
	s.fetchedAt, s.lastNetwork, s.lastFailure = now, now, time.Time{}
	s.mu.Unlock()

	if data, err := json.Marshal(p); err == nil {
		if err := s.kv.SetItem(ctx, constants.KeyProfileData, string(data)); err != nil {
			s.cfg.Logger.WithError(err).Warn("failed to persist profile")
		} else if err := s.kv.SetItem(ctx, constants.KeyProfileLastFetch, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
			s.cfg.Logger.WithError(err).Warn("failed to persist profile fetch time")
		}
	}

	cp := *p
	s.broadcast(Event{Profile: &cp})
}

func (s *Store) loadPersisted(ctx context.Context) (*types.Profile, time.Time, bool) {
	data, err := s.kv.GetItem(ctx, constants.KeyProfileData)
	if err != nil {
		return nil, time.Time{}, false
	}
	var p types.Profile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		s.cfg.Logger.WithError(err).Debug("dropping unreadable persisted profile")
		return nil, time.Time{}, false
	}

	var at time.Time
	if v, err := s.kv.GetItem(ctx, constants.KeyProfileLastFetch); err == nil {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			at = time.UnixMilli(ms)
		}
	}
	return &p, at, true
}

func (s *Store) lastKnown(ctx context.Context) (*types.Profile, bool) {
	if p, ok := s.Current(); ok {
		return p, true
	}
	p, _, ok := s.loadPersisted(ctx)
	return p, ok
}

func (s *Store) broadcast(ev Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
