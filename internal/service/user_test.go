package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/patientbuddy/chat-platform/internal/identity"
	"github.com/patientbuddy/chat-platform/internal/model"
	"github.com/patientbuddy/chat-platform/internal/store"
	"github.com/patientbuddy/chat-platform/pkg/logger"
)

func newUserService(t *testing.T) (*UserService, *identity.Authenticator) {
	t.Helper()
	auth := identity.NewAuthenticator("test-secret", time.Hour)
	svc := NewUserService(store.NewMemory(), auth, logger.Nop())
	svc.cost = bcrypt.MinCost
	return svc, auth
}

func TestUserService_SignupIsAlwaysStandard(t *testing.T) {
	svc, auth := newUserService(t)

	resp, err := svc.Signup(context.Background(), &model.CredentialsRequest{Email: " Alice@Example.com ", Password: "password1"})
	require.NoError(t, err)
	assert.Equal(t, model.UserRoleStandard, resp.User.Role)
	assert.Equal(t, "alice@example.com", resp.User.Email)
	assert.Equal(t, "alice", resp.User.Username)
	assert.NotEqual(t, "password1", resp.User.PasswordHash)

	p, err := auth.Authenticate(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.User.ID, p.UserID)
	assert.Equal(t, model.UserRoleStandard, p.Role)
}

func TestUserService_SignupConflictsAndUsernameSuffix(t *testing.T) {
	svc, _ := newUserService(t)
	ctx := context.Background()

	_, err := svc.Signup(ctx, &model.CredentialsRequest{Email: "sam@one.com", Password: "password1"})
	require.NoError(t, err)

	second, err := svc.Signup(ctx, &model.CredentialsRequest{Email: "sam@two.com", Password: "password1"})
	require.NoError(t, err)
	assert.Equal(t, "sam2", second.User.Username)

	_, err = svc.Signup(ctx, &model.CredentialsRequest{Email: "SAM@one.com", Password: "password1"})
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestUserService_Login(t *testing.T) {
	svc, _ := newUserService(t)
	ctx := context.Background()

	_, err := svc.Signup(ctx, &model.CredentialsRequest{Email: "a@example.com", Password: "password1"})
	require.NoError(t, err)

	resp, err := svc.Login(ctx, &model.CredentialsRequest{Email: "A@example.com", Password: "password1"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Token)

	_, err = svc.Login(ctx, &model.CredentialsRequest{Email: "a@example.com", Password: "wrong-pass"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = svc.Login(ctx, &model.CredentialsRequest{Email: "nobody@example.com", Password: "password1"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestUserService_SetRole(t *testing.T) {
	svc, _ := newUserService(t)
	ctx := context.Background()

	resp, err := svc.Signup(ctx, &model.CredentialsRequest{Email: "a@example.com", Password: "password1"})
	require.NoError(t, err)
	id := resp.User.ID

	_, err = svc.SetRole(ctx, id, "superuser")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = svc.SetRole(ctx, "missing", "admin")
	assert.ErrorIs(t, err, model.ErrNotFound)

	updated, err := svc.SetRole(ctx, id, "admin")
	require.NoError(t, err)
	assert.Equal(t, model.UserRoleAdministrator, updated.Role)

	role, err := svc.CurrentRole(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.UserRoleAdministrator, role)

	_, err = svc.CurrentRole(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrUnauthenticated)

	users, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, model.UserRoleAdministrator, users[0].Role)
}

func TestUserService_EnsureAdmin(t *testing.T) {
	svc, _ := newUserService(t)
	ctx := context.Background()

	admin, created, err := svc.EnsureAdmin(ctx, "root@example.com", "password1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.UserRoleAdministrator, admin.Role)

	again, created, err := svc.EnsureAdmin(ctx, "root@example.com", "ignored-pass")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, admin.ID, again.ID)

	user, err := svc.Signup(ctx, &model.CredentialsRequest{Email: "bob@example.com", Password: "password1"})
	require.NoError(t, err)
	promoted, created, err := svc.EnsureAdmin(ctx, "bob@example.com", "whatever1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, user.User.ID, promoted.ID)
	assert.Equal(t, model.UserRoleAdministrator, promoted.Role)
}

func TestConversationService_OwnerScoping(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_, err := st.CreateEmpty(ctx, "A", "T1")
	require.NoError(t, err)
	svc := NewConversationService(st, logger.Nop())

	conv, err := svc.Get(ctx, "A", "T1")
	require.NoError(t, err)
	assert.Equal(t, "T1", conv.ThreadID)

	_, err = svc.Get(ctx, "B", "T1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = svc.Get(ctx, "A", "bad/id")
	assert.ErrorIs(t, err, model.ErrNotFound)

	list, err := svc.List(ctx, "B")
	require.NoError(t, err)
	assert.Empty(t, list)

	all, err := svc.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
