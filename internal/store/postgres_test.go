package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patientbuddy/chat-platform/internal/model"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newRepoWithMock(t *testing.T) (*Postgres, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	p := NewPostgres(db)
	p.now = func() time.Time { return fixedNow }
	return p, mock, db
}

const (
	qFindConversation = `(?s)^SELECT\s+thread_id,\s*user_id,\s*created_at,\s*updated_at\s+FROM\s+conversations\s+WHERE\s+thread_id\s*=\s*\$1\s+AND\s+user_id\s*=\s*\$2\s*$`
	qMessages         = `(?s)^SELECT\s+id,\s*turn_id,\s*role,\s*content,\s*created_at\s+FROM\s+messages\s+WHERE\s+thread_id\s*=\s*\$1\s+ORDER\s+BY\s+seq\s*$`
	qLockConversation = `(?s)^SELECT\s+user_id\s+FROM\s+conversations\s+WHERE\s+thread_id\s*=\s*\$1\s+FOR\s+UPDATE\s*$`
	qInsertMessage    = `(?s)^INSERT\s+INTO\s+messages\s*\(id,\s*thread_id,\s*turn_id,\s*role,\s*content,\s*created_at\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$4,\s*\$5,\s*\$6\)\s*ON\s+CONFLICT\s*\(id\)\s*DO\s+NOTHING\s*$`
	qTouch            = `(?s)^UPDATE\s+conversations\s+SET\s+updated_at\s*=\s*\$2\s+WHERE\s+thread_id\s*=\s*\$1\s*$`
	qInsertConv       = `(?s)^INSERT\s+INTO\s+conversations\s*\(thread_id,\s*user_id,\s*created_at,\s*updated_at\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$3\)\s*$`
)

func conversationRow(threadID, userID string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"thread_id", "user_id", "created_at", "updated_at"}).
		AddRow(threadID, userID, fixedNow, fixedNow)
}

func TestPostgres_FindByOwnerAndThread_Found(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(qFindConversation).WithArgs("T1", "A").WillReturnRows(conversationRow("T1", "A"))
	mock.ExpectQuery(qMessages).WithArgs("T1").WillReturnRows(
		sqlmock.NewRows([]string{"id", "turn_id", "role", "content", "created_at"}).
			AddRow("m1", "t1", "user", "hello", fixedNow).
			AddRow("m2", "t1", "assistant", "Hi!", fixedNow))

	conv, err := repo.FindByOwnerAndThread(context.Background(), "A", "T1")
	require.NoError(t, err)
	assert.Equal(t, "T1", conv.ThreadID)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, model.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "Hi!", conv.Messages[1].Content)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FindByOwnerAndThread_NotOwned(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(qFindConversation).WithArgs("T1", "B").WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByOwnerAndThread(context.Background(), "B", "T1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPostgres_FindByOwnerAndThread_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(qFindConversation).WithArgs("T1", "A").WillReturnError(errors.New("db down"))

	_, err := repo.FindByOwnerAndThread(context.Background(), "A", "T1")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrStorage)
	assert.Regexp(t, regexp.MustCompile(`db error: .*db down`), err.Error())
}

func TestPostgres_CreateEmpty(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(qInsertConv).WithArgs("T1", "A", fixedNow).WillReturnResult(sqlmock.NewResult(0, 1))

	conv, err := repo.CreateEmpty(context.Background(), "A", "T1")
	require.NoError(t, err)
	assert.Equal(t, "A", conv.UserID)
	assert.Empty(t, conv.Messages)
	assert.Equal(t, fixedNow, conv.CreatedAt)
}

func TestPostgres_CreateEmpty_Duplicate(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(qInsertConv).WithArgs("T1", "A", fixedNow).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})

	_, err := repo.CreateEmpty(context.Background(), "A", "T1")
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestPostgres_CreateEmpty_RejectsEmptyIDs(t *testing.T) {
	repo, _, db := newRepoWithMock(t)
	defer db.Close()

	_, err := repo.CreateEmpty(context.Background(), "", "T1")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestPostgres_AppendMessages_Commits(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	conv := &model.Conversation{ThreadID: "T1", UserID: "A"}
	msgs := []model.Message{
		{ID: "m1", TurnID: "t1", Role: model.RoleUser, Content: "hello", CreatedAt: fixedNow},
		{ID: "m2", TurnID: "t1", Role: model.RoleAssistant, Content: "Hi!", CreatedAt: fixedNow},
	}

	mock.ExpectBegin()
	mock.ExpectQuery(qLockConversation).WithArgs("T1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("A"))
	mock.ExpectExec(qInsertMessage).WithArgs("m1", "T1", "t1", "user", "hello", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(qInsertMessage).WithArgs("m2", "T1", "t1", "assistant", "Hi!", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(qTouch).WithArgs("T1", fixedNow).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(qFindConversation).WithArgs("T1", "A").WillReturnRows(conversationRow("T1", "A"))
	mock.ExpectQuery(qMessages).WithArgs("T1").WillReturnRows(
		sqlmock.NewRows([]string{"id", "turn_id", "role", "content", "created_at"}).
			AddRow("m1", "t1", "user", "hello", fixedNow).
			AddRow("m2", "t1", "assistant", "Hi!", fixedNow))

	got, err := repo.AppendMessages(context.Background(), conv, msgs)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AppendMessages_RollsBackOnInsertError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	conv := &model.Conversation{ThreadID: "T1", UserID: "A"}
	msgs := []model.Message{
		{ID: "m1", TurnID: "t1", Role: model.RoleUser, Content: "hello", CreatedAt: fixedNow},
		{ID: "m2", TurnID: "t1", Role: model.RoleAssistant, Content: "Hi!", CreatedAt: fixedNow},
	}

	mock.ExpectBegin()
	mock.ExpectQuery(qLockConversation).WithArgs("T1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("A"))
	mock.ExpectExec(qInsertMessage).WithArgs("m1", "T1", "t1", "user", "hello", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(qInsertMessage).WithArgs("m2", "T1", "t1", "assistant", "Hi!", fixedNow).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := repo.AppendMessages(context.Background(), conv, msgs)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrStorage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AppendMessages_WrongOwner(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(qLockConversation).WithArgs("T1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("A"))
	mock.ExpectRollback()

	_, err := repo.AppendMessages(context.Background(),
		&model.Conversation{ThreadID: "T1", UserID: "B"},
		[]model.Message{{ID: "m1", Role: model.RoleUser, Content: "x"}})
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AppendMessages_InvalidRole(t *testing.T) {
	repo, _, db := newRepoWithMock(t)
	defer db.Close()

	_, err := repo.AppendMessages(context.Background(),
		&model.Conversation{ThreadID: "T1", UserID: "A"},
		[]model.Message{{ID: "m1", Role: "system", Content: "x"}})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestPostgres_ListByOwner(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^SELECT\s+c\.thread_id.*FROM\s+conversations\s+c\s+WHERE\s+c\.user_id\s*=\s*\$1\s+ORDER\s+BY\s+c\.created_at\s+DESC`
	mock.ExpectQuery(q).WithArgs("A").WillReturnRows(
		sqlmock.NewRows([]string{"thread_id", "created_at", "updated_at", "count", "first"}).
			AddRow("T2", fixedNow, fixedNow, 0, "").
			AddRow("T1", fixedNow.Add(-time.Hour), fixedNow, 2, "hello"))

	got, err := repo.ListByOwner(context.Background(), "A")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "T2", got[0].ThreadID)
	assert.Equal(t, 2, got[1].MessageCount)
	assert.Equal(t, "hello", got[1].Preview)
}

func TestPostgres_ListAll_AttachesOwnerAndMessages(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)^SELECT\s+c\.thread_id,\s*c\.user_id.*JOIN\s+users\s+u`).WillReturnRows(
		sqlmock.NewRows([]string{"thread_id", "user_id", "created_at", "updated_at", "email", "username"}).
			AddRow("T1", "A", fixedNow, fixedNow, "a@example.com", "a").
			AddRow("T2", "B", fixedNow, fixedNow, "b@example.com", "b"))
	mock.ExpectQuery(`(?s)^SELECT\s+thread_id,\s*id,\s*turn_id.*ORDER\s+BY\s+thread_id,\s*seq`).WillReturnRows(
		sqlmock.NewRows([]string{"thread_id", "id", "turn_id", "role", "content", "created_at"}).
			AddRow("T1", "m1", "t1", "user", "hello", fixedNow).
			AddRow("T1", "m2", "t1", "assistant", "Hi!", fixedNow))

	got, err := repo.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a@example.com", got[0].Owner.Email)
	assert.Len(t, got[0].Messages, 2)
	assert.Empty(t, got[1].Messages)
}

func TestPostgres_CreateUser_Duplicate(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)^INSERT\s+INTO\s+users`).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})

	_, err := repo.CreateUser(context.Background(), &model.User{ID: "u1", Email: "a@example.com", Username: "a", Role: model.UserRoleStandard})
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestPostgres_GetUserByEmail(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)^SELECT\s+id,\s*email.*FROM\s+users\s+WHERE\s+email\s*=\s*\$1\s*$`).
		WithArgs("a@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "username", "password_hash", "role", "created_at", "updated_at"}).
			AddRow("u1", "a@example.com", "a", "hash", "admin", fixedNow, fixedNow))

	u, err := repo.GetUserByEmail(context.Background(), "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, model.UserRoleAdministrator, u.Role)
	assert.Equal(t, "hash", u.PasswordHash)
}

func TestPostgres_SetUserRole_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)^UPDATE\s+users\s+SET\s+role`).
		WithArgs("ghost", "admin", fixedNow).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.SetUserRole(context.Background(), "ghost", model.UserRoleAdministrator)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPostgres_Migrate_UsesGoose(t *testing.T) {
	repo, _, db := newRepoWithMock(t)
	defer db.Close()

	orig := gooseUpContext
	defer func() { gooseUpContext = orig }()

	called := false
	gooseUpContext = func(ctx context.Context, got *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		called = true
		assert.Same(t, db, got)
		assert.Equal(t, ".", dir)
		return nil
	}
	require.NoError(t, repo.Migrate(context.Background()))
	assert.True(t, called)

	gooseUpContext = func(ctx context.Context, got *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}
	err := repo.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration error")
}
