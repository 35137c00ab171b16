// Package identity issues and verifies bearer credentials and gates roles.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/patientbuddy/chat-platform/internal/model"
)

// Principal is the verified caller of a request.
type Principal struct {
	UserID string
	Role   model.UserRole
}

// Claims represents JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	Role model.UserRole `json:"role"`
}

// Authenticator signs and verifies HS256 credentials with a shared secret.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthenticator creates an authenticator. ttl bounds every issued credential.
func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue signs a credential for userID with role.
func (a *Authenticator) Issue(userID string, role model.UserRole) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("issue token: %w", model.ErrInvalidArgument)
	}
	if _, err := model.ParseUserRole(string(role)); err != nil {
		return "", time.Time{}, fmt.Errorf("issue token: role %q: %w", role, err)
	}

	now := a.now()
	exp := now.Add(a.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		Role: role,
	})

	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Authenticate verifies credential and returns its principal.
// Every failure is reported as model.ErrUnauthenticated.
func (a *Authenticator) Authenticate(credential string) (Principal, error) {
	if credential == "" {
		return Principal{}, model.ErrUnauthenticated
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !token.Valid {
		return Principal{}, errors.Join(model.ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return Principal{}, model.ErrUnauthenticated
	}
	role, err := model.ParseUserRole(string(claims.Role))
	if err != nil {
		return Principal{}, model.ErrUnauthenticated
	}

	return Principal{UserID: claims.Subject, Role: role}, nil
}

// Authorize fails with model.ErrForbidden unless role dominates required.
func Authorize(role, required model.UserRole) error {
	if !role.Dominates(required) {
		return model.ErrForbidden
	}
	return nil
}
