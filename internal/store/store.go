// Package store owns durability for conversations and the user directory.
package store

import (
	"context"
	"fmt"

	"github.com/patientbuddy/chat-platform/internal/model"
)

// ConversationStore maps (owner, thread id) to an append-only message log.
type ConversationStore interface {
	// FindByOwnerAndThread returns the conversation only when userID owns it;
	// otherwise model.ErrNotFound.
	FindByOwnerAndThread(ctx context.Context, userID, threadID string) (*model.Conversation, error)

	// ListByOwner returns the owner's conversation summaries, most recent first.
	ListByOwner(ctx context.Context, userID string) ([]model.ConversationSummary, error)

	// ListAll returns every conversation with its owner attached, most recent first.
	ListAll(ctx context.Context) ([]model.Conversation, error)

	// CreateEmpty creates a conversation; model.ErrConflict if threadID exists for any owner.
	CreateEmpty(ctx context.Context, userID, threadID string) (*model.Conversation, error)

	// AppendMessages appends the batch atomically. Messages whose id is already
	// stored are skipped, so replays are idempotent.
	AppendMessages(ctx context.Context, conv *model.Conversation, messages []model.Message) (*model.Conversation, error)
}

// UserStore is the user directory.
type UserStore interface {
	// CreateUser inserts u; model.ErrConflict on a duplicate email or username.
	CreateUser(ctx context.Context, u *model.User) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	// ListUsers returns all users, newest first.
	ListUsers(ctx context.Context) ([]model.User, error)
	SetUserRole(ctx context.Context, id string, role model.UserRole) (*model.User, error)
}

// Store is the full durable backend.
type Store interface {
	ConversationStore
	UserStore
	Ping(ctx context.Context) error
	Close() error
}

// Open returns the Store selected by driver ("postgres" or "memory").
// Postgres schemas are migrated when migrate is set.
func Open(ctx context.Context, driver, dsn string, migrate bool) (Store, error) {
	switch driver {
	case "memory":
		return NewMemory(), nil
	case "postgres":
		pg, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, err
			}
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
