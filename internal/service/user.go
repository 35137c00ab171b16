package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/patientbuddy/chat-platform/internal/identity"
	"github.com/patientbuddy/chat-platform/internal/model"
	"github.com/patientbuddy/chat-platform/internal/store"
	"github.com/patientbuddy/chat-platform/pkg/logger"
)

// ErrInvalidCredentials is returned by Login for an unknown email or a wrong password.
var ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", model.ErrInvalidArgument)

const maxUsernameAttempts = 100

// UserService manages accounts and issues credentials.
type UserService struct {
	users  store.UserStore
	auth   *identity.Authenticator
	logger *logger.Logger
	cost   int
}

// NewUserService creates a user service.
func NewUserService(users store.UserStore, auth *identity.Authenticator, log *logger.Logger) *UserService {
	return &UserService{users: users, auth: auth, logger: log, cost: bcrypt.DefaultCost}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// usernameBase derives a handle from the email local part.
func usernameBase(email string) string {
	local, _, _ := strings.Cut(email, "@")
	var b strings.Builder
	for _, r := range local {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}

// Signup creates a standard account and returns a credential for it.
func (s *UserService) Signup(ctx context.Context, req *model.CredentialsRequest) (*model.AuthResponse, error) {
	user, err := s.create(ctx, normalizeEmail(req.Email), req.Password, model.UserRoleStandard)
	if err != nil {
		return nil, err
	}
	s.logger.Info("user signed up", zap.String("user_id", user.ID))
	return s.issue(user)
}

func (s *UserService) create(ctx context.Context, email, password string, role model.UserRole) (*model.User, error) {
	if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
		return nil, fmt.Errorf("email already registered: %w", model.ErrConflict)
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	base := usernameBase(email)
	for attempt := 0; attempt < maxUsernameAttempts; attempt++ {
		username := base
		if attempt > 0 {
			username = fmt.Sprintf("%s%d", base, attempt+1)
		}

		user, err := s.users.CreateUser(ctx, &model.User{
			ID:           uuid.Must(uuid.NewV7()).String(),
			Email:        email,
			Username:     username,
			PasswordHash: string(hash),
			Role:         role,
		})
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, model.ErrConflict) {
			return nil, err
		}
		// the email may have been taken concurrently
		if _, lookupErr := s.users.GetUserByEmail(ctx, email); lookupErr == nil {
			return nil, fmt.Errorf("email already registered: %w", model.ErrConflict)
		}
	}
	return nil, fmt.Errorf("no free username for %s: %w", base, model.ErrConflict)
}

// Login verifies a password and returns a fresh credential.
func (s *UserService) Login(ctx context.Context, req *model.CredentialsRequest) (*model.AuthResponse, error) {
	user, err := s.users.GetUserByEmail(ctx, normalizeEmail(req.Email))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.issue(user)
}

func (s *UserService) issue(user *model.User) (*model.AuthResponse, error) {
	token, exp, err := s.auth.Issue(user.ID, user.Role)
	if err != nil {
		return nil, err
	}
	return &model.AuthResponse{Token: token, ExpiresAt: exp, User: user}, nil
}

// Get returns a user by id.
func (s *UserService) Get(ctx context.Context, id string) (*model.User, error) {
	return s.users.GetUserByID(ctx, id)
}

// CurrentRole resolves the stored role of userID. Admin routes use it so a
// demotion takes effect before the caller's credential expires.
func (s *UserService) CurrentRole(ctx context.Context, userID string) (model.UserRole, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return "", model.ErrUnauthenticated
		}
		return "", err
	}
	return user.Role, nil
}

// List returns all users, newest first.
func (s *UserService) List(ctx context.Context) ([]model.User, error) {
	return s.users.ListUsers(ctx)
}

// SetRole changes a user's role.
func (s *UserService) SetRole(ctx context.Context, targetID, role string) (*model.User, error) {
	parsed, err := model.ParseUserRole(role)
	if err != nil {
		return nil, fmt.Errorf("role %q: %w", role, err)
	}

	user, err := s.users.SetUserRole(ctx, targetID, parsed)
	if err != nil {
		return nil, err
	}
	s.logger.Info("user role changed", zap.String("user_id", targetID), zap.String("role", string(parsed)))
	return user, nil
}

// EnsureAdmin provisions an administrator out of band. An existing account
// with that email is promoted instead.
func (s *UserService) EnsureAdmin(ctx context.Context, email, password string) (*model.User, bool, error) {
	email = normalizeEmail(email)

	existing, err := s.users.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		if existing.Role == model.UserRoleAdministrator {
			return existing, false, nil
		}
		user, err := s.users.SetUserRole(ctx, existing.ID, model.UserRoleAdministrator)
		return user, false, err
	case !errors.Is(err, model.ErrNotFound):
		return nil, false, err
	}

	user, err := s.create(ctx, email, password, model.UserRoleAdministrator)
	if err != nil {
		return nil, false, err
	}
	return user, true, nil
}
