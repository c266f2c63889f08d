package auth

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoCredentials is returned when no credential pair is stored.
	ErrNoCredentials = errors.New("no credentials stored")

	// ErrRefreshTokenInvalid is returned when the stored refresh token is
	// absent or unusable. The credential pair has been purged.
	ErrRefreshTokenInvalid = errors.New("refresh token missing or invalid")

	// ErrEmptyAccessToken is returned when a refresh response carries no access token.
	ErrEmptyAccessToken = errors.New("refresh response has no access token")
)

// AuthError represents an authentication error.
type AuthError struct {
	Op      string // The operation that failed
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("auth %s: %s", e.Op, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// RejectedError is returned when the auth API answers with a non-2xx status.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("auth API rejected request: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("auth API rejected request: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// IsAuthRejection reports whether the server refused the credentials themselves.
func (e *RejectedError) IsAuthRejection() bool {
	return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnauthorized
}

// IsAuthRejection reports whether err wraps a RejectedError for refused credentials.
func IsAuthRejection(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected) && rejected.IsAuthRejection()
}
