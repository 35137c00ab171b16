package model

import (
	"time"
)

// UserRole is the closed set of account roles.
type UserRole string

const (
	UserRoleStandard      UserRole = "user"
	UserRoleAdministrator UserRole = "admin"
)

// ParseUserRole validates a wire role value.
func ParseUserRole(s string) (UserRole, error) {
	switch UserRole(s) {
	case UserRoleStandard, UserRoleAdministrator:
		return UserRole(s), nil
	default:
		return "", ErrInvalidArgument
	}
}

func (r UserRole) rank() int {
	switch r {
	case UserRoleAdministrator:
		return 2
	case UserRoleStandard:
		return 1
	default:
		return 0
	}
}

// Dominates reports whether r grants at least the privileges of required.
func (r UserRole) Dominates(required UserRole) bool {
	return r.rank() > 0 && r.rank() >= required.rank()
}

// User is an account. PasswordHash never leaves the server.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// UserSummary is the owner projection attached to admin conversation listings.
type UserSummary struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// Summary returns the owner projection of u.
func (u *User) Summary() *UserSummary {
	return &UserSummary{ID: u.ID, Email: u.Email, Username: u.Username}
}

// CredentialsRequest is the body of signup and login.
type CredentialsRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// AuthResponse is returned by signup and login.
type AuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      *User     `json:"user"`
}

// UpdateRoleRequest is the body of PUT /api/admin/users/{id}.
type UpdateRoleRequest struct {
	Role string `json:"role"`
}
