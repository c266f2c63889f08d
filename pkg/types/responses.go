package types

// TokenPair is the response of a successful sign-in.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// RefreshResponse is the response of POST /token/refresh/.
// Refresh is set only when the server rotates the refresh token.
type RefreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// Profile is the signed-in user's profile as returned by GET /profile/.
type Profile struct {
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	MiddleName   string `json:"middle_name"`
	Email        string `json:"email"`
	Group        string `json:"group"`
	AvatarBase64 string `json:"avatar_base64"`
	Role         string `json:"role"`
}

// FullName joins the non-empty name parts in display order.
func (p *Profile) FullName() string {
	name := ""
	for _, part := range []string{p.LastName, p.FirstName, p.MiddleName} {
		if part == "" {
			continue
		}
		if name != "" {
			name += " "
		}
		name += part
	}
	return name
}

// ErrorResponse is the error body the API returns on rejected requests.
type ErrorResponse struct {
	Detail string `json:"detail,omitempty"`
	Code   string `json:"code,omitempty"`
}
