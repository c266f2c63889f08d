// Package apitest runs an in-process fake of the course platform API for tests.
package apitest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/d-kuro/lmsclient/pkg/types"
)

// BasePath is where the API is mounted.
const BasePath = "/api"

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Server is a fake API. Zero-value knobs mean normal behavior.
type Server struct {
	*httptest.Server

	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration

	mu         sync.Mutex
	users      map[string]string
	profile    types.Profile
	generation int64
	hits       map[string]int
	bearers    map[string][]string
	gate       chan struct{}
	rejectNext int
	rotate     bool

	refreshCalls atomic.Int64
	signInCalls  atomic.Int64
	profileGets  atomic.Int64
}

// Option configures a Server.
type Option func(*Server)

// WithAccessTTL sets the lifetime of issued access tokens.
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) { s.accessTTL = d }
}

// WithRefreshTTL sets the lifetime of issued refresh tokens.
func WithRefreshTTL(d time.Duration) Option {
	return func(s *Server) { s.refreshTTL = d }
}

// WithUser registers a sign-in account.
func WithUser(username, password string) Option {
	return func(s *Server) { s.users[username] = password }
}

// WithRotation makes refreshes return a new refresh token.
func WithRotation() Option {
	return func(s *Server) { s.rotate = true }
}

// NewServer starts a fake API. Call Close when done.
func NewServer(opts ...Option) *Server {
	s := &Server{
		secret:     []byte("apitest-" + uuid.NewString()),
		accessTTL:  15 * time.Minute,
		refreshTTL: 24 * time.Hour,
		users:      map[string]string{},
		hits:       map[string]int{},
		bearers:    map[string][]string{},
		profile: types.Profile{
			FirstName: "Ada",
			LastName:  "Lovelace",
			Email:     "ada@example.com",
			Group:     "CS-101",
			Role:      "student",
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	root := chi.NewRouter()
	api := chi.NewRouter()
	api.Post("/token/", s.signIn)
	api.Post("/token/refresh/", s.refresh)
	api.Group(func(r chi.Router) {
		r.Use(s.requireAccess)
		r.Get("/profile/", s.getProfile)
		r.Patch("/profile/", s.patchProfile)
		r.HandleFunc("/*", s.resource)
	})
	root.Mount(BasePath, api)

	s.Server = httptest.NewServer(root)
	return s
}

// BaseURL returns the API base URL.
func (s *Server) BaseURL() string {
	return s.URL + BasePath
}

// MintAccess issues an access token that expires after ttl (negative for an expired one).
func (s *Server) MintAccess(ttl time.Duration) string {
	return s.mint(tokenTypeAccess, ttl)
}

// MintRefresh issues a refresh token that expires after ttl.
func (s *Server) MintRefresh(ttl time.Duration) string {
	return s.mint(tokenTypeRefresh, ttl)
}

// RevokeAccess makes every access token issued so far answer 401.
func (s *Server) RevokeAccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
}

// HoldRefresh blocks refresh calls until the returned function is called.
func (s *Server) HoldRefresh() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.gate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

// RejectRefreshes makes the next n refresh calls answer 401.
func (s *Server) RejectRefreshes(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectNext = n
}

// RefreshCalls returns the number of refresh calls received.
func (s *Server) RefreshCalls() int { return int(s.refreshCalls.Load()) }

// SignInCalls returns the number of sign-in calls received.
func (s *Server) SignInCalls() int { return int(s.signInCalls.Load()) }

// ProfileGets returns the number of profile fetches received.
func (s *Server) ProfileGets() int { return int(s.profileGets.Load()) }

// Hits returns how many authorized requests reached method path (path relative to the base URL).
func (s *Server) Hits(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" "+path]
}

// Bearers returns the access tokens of the authorized requests to method path, in arrival order.
func (s *Server) Bearers(method, path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bearers[method+" "+path]...)
}

// Profile returns the server-side profile.
func (s *Server) Profile() types.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

func (s *Server) mint(typ string, ttl time.Duration) string {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()

	now := time.Now()
	claims := jwt.MapClaims{
		"token_type": typ,
		"jti":        uuid.NewString(),
		"iat":        now.Unix(),
		"exp":        now.Add(ttl).Unix(),
		"gen":        gen,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		panic(err)
	}
	return signed
}

func (s *Server) parse(raw, typ string) (jwt.MapClaims, bool) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || claims["token_type"] != typ {
		return nil, false
	}
	return claims, true
}

func (s *Server) signIn(w http.ResponseWriter, r *http.Request) {
	s.signInCalls.Add(1)

	var in types.SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	password, ok := s.users[in.Username]
	s.mu.Unlock()
	if !ok || password != in.Password {
		writeError(w, http.StatusUnauthorized, "No active account found with the given credentials")
		return
	}

	writeJSON(w, http.StatusOK, types.TokenPair{
		Access:  s.MintAccess(s.accessTTL),
		Refresh: s.MintRefresh(s.refreshTTL),
	})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	s.mu.Lock()
	gate := s.gate
	reject := s.rejectNext > 0
	if reject {
		s.rejectNext--
	}
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	var in types.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Refresh == "" {
		writeError(w, http.StatusBadRequest, "refresh field is required")
		return
	}
	if _, ok := s.parse(in.Refresh, tokenTypeRefresh); !ok || reject {
		writeError(w, http.StatusUnauthorized, "Token is invalid or expired")
		return
	}

	out := types.RefreshResponse{Access: s.MintAccess(s.accessTTL)}
	if s.rotate {
		out.Refresh = s.MintRefresh(s.refreshTTL)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) requireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
			return
		}
		claims, ok := s.parse(raw, tokenTypeAccess)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Given token not valid for any token type")
			return
		}

		gen, _ := claims["gen"].(float64)
		s.mu.Lock()
		revoked := int64(gen) < s.generation
		if !revoked {
			key := r.Method + " " + strings.TrimPrefix(r.URL.Path, BasePath)
			s.hits[key]++
			s.bearers[key] = append(s.bearers[key], raw)
		}
		s.mu.Unlock()
		if revoked {
			writeError(w, http.StatusUnauthorized, "Token has been revoked")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) getProfile(w http.ResponseWriter, _ *http.Request) {
	s.profileGets.Add(1)
	writeJSON(w, http.StatusOK, s.Profile())
}

func (s *Server) patchProfile(w http.ResponseWriter, r *http.Request) {
	var in types.ProfileUpdate
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	for dst, src := range map[*string]*string{
		&s.profile.Email:        in.Email,
		&s.profile.AvatarBase64: in.AvatarBase64,
		&s.profile.FirstName:    in.FirstName,
		&s.profile.LastName:     in.LastName,
		&s.profile.MiddleName:   in.MiddleName,
	} {
		if src != nil {
			*dst = *src
		}
	}
	p := s.profile
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, p)
}

// resource answers any other authorized request with a description of it.
func (s *Server) resource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, BasePath)
	s.mu.Lock()
	n := s.hits[r.Method+" "+path]
	s.mu.Unlock()

	status := http.StatusOK
	switch r.Method {
	case http.MethodPost:
		status = http.StatusCreated
	case http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if strings.Contains(path, "/missing") {
		writeError(w, http.StatusNotFound, "Not found.")
		return
	}

	writeJSON(w, status, map[string]any{
		"method": r.Method,
		"path":   path,
		"query":  r.URL.RawQuery,
		"hits":   n,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, types.ErrorResponse{Detail: detail})
}
