package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/patientbuddy/chat-platform/internal/model"
	"github.com/patientbuddy/chat-platform/internal/store/migrations"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Postgres is the durable Store.
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

// OpenPostgres opens and pings dsn with the pgx driver.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return NewPostgres(db), nil
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Migrate applies the embedded migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migration dialect: %w", err)
	}
	if err := gooseUpContext(ctx, p.db, "."); err != nil {
		return fmt.Errorf("migration error: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func dbError(err error) error {
	return fmt.Errorf("db error: %w: %w", model.ErrStorage, err)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// withTx runs fn in a transaction, committing only when fn succeeds.
func (p *Postgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return dbError(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return dbError(err)
	}
	return nil
}

// FindByOwnerAndThread loads a conversation owned by userID.
func (p *Postgres) FindByOwnerAndThread(ctx context.Context, userID, threadID string) (*model.Conversation, error) {
	query :=
		`SELECT thread_id, user_id, created_at, updated_at FROM conversations
		 WHERE thread_id = $1 AND user_id = $2`

	conv := &model.Conversation{}
	err := p.db.QueryRowContext(ctx, query, threadID, userID).
		Scan(&conv.ThreadID, &conv.UserID, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, dbError(err)
	}

	msgs, err := p.messages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	conv.Messages = msgs
	return conv, nil
}

func (p *Postgres) messages(ctx context.Context, threadID string) ([]model.Message, error) {
	query :=
		`SELECT id, turn_id, role, content, created_at FROM messages
		 WHERE thread_id = $1
		 ORDER BY seq`

	rows, err := p.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, dbError(err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.TurnID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, dbError(err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err)
	}
	return msgs, nil
}

// ListByOwner lists the owner's conversation summaries, newest first.
func (p *Postgres) ListByOwner(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	query :=
		`SELECT c.thread_id, c.created_at, c.updated_at,
		        (SELECT COUNT(*) FROM messages m WHERE m.thread_id = c.thread_id),
		        COALESCE((SELECT f.content FROM messages f
		                  WHERE f.thread_id = c.thread_id AND f.role = 'user'
		                  ORDER BY f.seq LIMIT 1), '')
		 FROM conversations c
		 WHERE c.user_id = $1
		 ORDER BY c.created_at DESC, c.thread_id DESC`

	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, dbError(err)
	}
	defer rows.Close()

	out := []model.ConversationSummary{}
	for rows.Next() {
		var s model.ConversationSummary
		var first string
		if err := rows.Scan(&s.ThreadID, &s.CreatedAt, &s.UpdatedAt, &s.MessageCount, &first); err != nil {
			return nil, dbError(err)
		}
		s.Preview = model.Preview(first)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err)
	}
	return out, nil
}

// ListAll lists every conversation with its owner and messages, newest first.
func (p *Postgres) ListAll(ctx context.Context) ([]model.Conversation, error) {
	query :=
		`SELECT c.thread_id, c.user_id, c.created_at, c.updated_at, u.email, u.username
		 FROM conversations c
		 JOIN users u ON u.id = c.user_id
		 ORDER BY c.created_at DESC, c.thread_id DESC`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, dbError(err)
	}
	defer rows.Close()

	convs := []model.Conversation{}
	index := make(map[string]int)
	for rows.Next() {
		c := model.Conversation{Owner: &model.UserSummary{}, Messages: []model.Message{}}
		if err := rows.Scan(&c.ThreadID, &c.UserID, &c.CreatedAt, &c.UpdatedAt, &c.Owner.Email, &c.Owner.Username); err != nil {
			return nil, dbError(err)
		}
		c.Owner.ID = c.UserID
		index[c.ThreadID] = len(convs)
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err)
	}

	msgQuery :=
		`SELECT thread_id, id, turn_id, role, content, created_at FROM messages
		 ORDER BY thread_id, seq`

	msgRows, err := p.db.QueryContext(ctx, msgQuery)
	if err != nil {
		return nil, dbError(err)
	}
	defer msgRows.Close()

	for msgRows.Next() {
		var threadID string
		var m model.Message
		if err := msgRows.Scan(&threadID, &m.ID, &m.TurnID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, dbError(err)
		}
		if i, ok := index[threadID]; ok {
			convs[i].Messages = append(convs[i].Messages, m)
		}
	}
	if err := msgRows.Err(); err != nil {
		return nil, dbError(err)
	}
	return convs, nil
}

// CreateEmpty inserts a conversation with no messages.
func (p *Postgres) CreateEmpty(ctx context.Context, userID, threadID string) (*model.Conversation, error) {
	if userID == "" || threadID == "" {
		return nil, model.ErrInvalidArgument
	}

	query :=
		`INSERT INTO conversations (thread_id, user_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $3)`

	now := p.now().UTC()
	if _, err := p.db.ExecContext(ctx, query, threadID, userID, now); err != nil {
		switch pgCode(err) {
		case pgUniqueViolation:
			return nil, fmt.Errorf("thread %s: %w", threadID, model.ErrConflict)
		case pgForeignKeyViolation:
			return nil, fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
		}
		return nil, dbError(err)
	}

	return &model.Conversation{
		ThreadID:  threadID,
		UserID:    userID,
		Messages:  []model.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// AppendMessages appends the batch in one transaction holding the conversation row lock.
func (p *Postgres) AppendMessages(ctx context.Context, conv *model.Conversation, messages []model.Message) (*model.Conversation, error) {
	if conv == nil {
		return nil, model.ErrInvalidArgument
	}
	for _, msg := range messages {
		if msg.ID == "" || !msg.Role.Valid() {
			return nil, fmt.Errorf("append message: %w", model.ErrInvalidArgument)
		}
	}

	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRowContext(ctx,
			`SELECT user_id FROM conversations WHERE thread_id = $1 FOR UPDATE`,
			conv.ThreadID).Scan(&owner)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return model.ErrNotFound
			}
			return dbError(err)
		}
		if owner != conv.UserID {
			return model.ErrNotFound
		}

		for _, msg := range messages {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO messages (id, thread_id, turn_id, role, content, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (id) DO NOTHING`,
				msg.ID, conv.ThreadID, msg.TurnID, string(msg.Role), msg.Content, msg.CreatedAt.UTC())
			if err != nil {
				return dbError(err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = $2 WHERE thread_id = $1`,
			conv.ThreadID, p.now().UTC()); err != nil {
			return dbError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return p.FindByOwnerAndThread(ctx, conv.UserID, conv.ThreadID)
}

const userColumns = `id, email, username, password_hash, role, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*model.User, error) {
	u := &model.User{}
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return u, nil
}

// CreateUser inserts a user.
func (p *Postgres) CreateUser(ctx context.Context, u *model.User) (*model.User, error) {
	query :=
		`INSERT INTO users (` + userColumns + `)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 RETURNING ` + userColumns

	now := p.now().UTC()
	created, err := scanUser(p.db.QueryRowContext(ctx, query,
		u.ID, u.Email, u.Username, u.PasswordHash, string(u.Role), now))
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return nil, fmt.Errorf("user %s: %w", u.Email, model.ErrConflict)
		}
		return nil, dbError(err)
	}
	return created, nil
}

// GetUserByEmail finds a user by normalized email.
func (p *Postgres) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return p.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

// GetUserByID finds a user by id.
func (p *Postgres) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	return p.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (p *Postgres) getUser(ctx context.Context, query string, arg string) (*model.User, error) {
	u, err := scanUser(p.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, dbError(err)
	}
	return u, nil
}

// ListUsers lists users, newest first.
func (p *Postgres) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, dbError(err)
	}
	defer rows.Close()

	out := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, dbError(err)
		}
		out = append(out, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err)
	}
	return out, nil
}

// SetUserRole updates a user's role.
func (p *Postgres) SetUserRole(ctx context.Context, id string, role model.UserRole) (*model.User, error) {
	query :=
		`UPDATE users SET role = $2, updated_at = $3
		 WHERE id = $1
		 RETURNING ` + userColumns

	u, err := scanUser(p.db.QueryRowContext(ctx, query, id, string(role), p.now().UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, dbError(err)
	}
	return u, nil
}

var _ Store = (*Postgres)(nil)
