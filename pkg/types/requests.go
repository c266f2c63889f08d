// Package types provides the wire structures of the course platform API.
package types

// SignInRequest is the body of POST /token/.
type SignInRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RefreshRequest is the body of POST /token/refresh/.
type RefreshRequest struct {
	Refresh string `json:"refresh"`
}

// ProfileUpdate is the body of PATCH /profile/. Only set fields are sent.
type ProfileUpdate struct {
	Email        *string `json:"email,omitempty" validate:"omitempty,email"`
	AvatarBase64 *string `json:"avatar_base64,omitempty" validate:"omitempty,datauri|base64"`
	FirstName    *string `json:"first_name,omitempty" validate:"omitempty,max=150"`
	LastName     *string `json:"last_name,omitempty" validate:"omitempty,max=150"`
	MiddleName   *string `json:"middle_name,omitempty" validate:"omitempty,max=150"`
}
