// Package token decodes bearer credentials and checks their structural and expiry validity.
// Signatures are never verified here: that is the remote API's job.
package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/d-kuro/lmsclient/pkg/constants"
)

// ErrMalformed is returned when a token cannot be decoded.
var ErrMalformed = errors.New("malformed token")

var parser = jwt.NewParser(jwt.WithPaddingAllowed())

// IsValid reports whether tok is a structurally sound three-part token whose
// expiry, when present, lies strictly after now.
func IsValid(tok string, now time.Time) bool {
	exp, ok, err := Expiry(tok)
	if err != nil {
		return false
	}
	if !ok {
		return true
	}
	return now.Before(exp)
}

// Expiry decodes the payload of tok and returns its exp claim.
// The boolean is false when the payload carries no exp claim.
func Expiry(tok string) (time.Time, bool, error) {
	claims, err := Decode(tok)
	if err != nil {
		return time.Time{}, false, err
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: exp claim: %v", ErrMalformed, err)
	}
	if exp == nil {
		return time.Time{}, false, nil
	}
	return exp.Time, true, nil
}

// Decode returns the unverified payload claims of tok. Only the middle
// segment is inspected; the header and signature may hold anything.
func Decode(tok string) (jwt.MapClaims, error) {
	if tok == "" || slices.Contains(constants.InvalidTokenLiterals, tok) {
		return nil, fmt.Errorf("%w: empty", ErrMalformed)
	}
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments", ErrMalformed)
	}

	payload, err := decodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}

	var claims jwt.MapClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	if claims == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformed)
	}
	return claims, nil
}

// decodeSegment accepts the URL-safe alphabet and falls back to the
// standard one, padded or not.
func decodeSegment(seg string) ([]byte, error) {
	if b, err := parser.DecodeSegment(seg); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(seg, "=")); err == nil {
		return b, nil
	}
	return nil, errors.New("invalid base64")
}

// Redact shortens tok to a prefix that is safe to log.
func Redact(tok string) string {
	if len(tok) <= constants.TokenDisplayLength {
		return tok
	}
	return tok[:constants.TokenDisplayLength] + "..."
}
