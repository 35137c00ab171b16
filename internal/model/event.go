package model

import (
	"time"
)

// TurnStatus is the terminal state of a chat turn as reported to the client.
type TurnStatus string

const (
	// TurnCommitted means both messages of the turn are durable.
	TurnCommitted TurnStatus = "committed"
	// TurnPending means the durable write failed and the turn is queued for reconciliation.
	TurnPending TurnStatus = "pending"
	// TurnUnsaved means the durable write failed and nothing will replay it.
	TurnUnsaved TurnStatus = "unsaved"
	// TurnFailed means the assistant turn did not complete; nothing was persisted.
	TurnFailed TurnStatus = "failed"
)

// TurnEventType represents the type of turn event.
type TurnEventType string

const (
	TurnEventCommitted  TurnEventType = "committed"
	TurnEventFailed     TurnEventType = "failed"
	TurnEventUnsaved    TurnEventType = "unsaved"
	TurnEventReconciled TurnEventType = "reconciled"
)

// TurnEvent is published for operator visibility once a turn reaches a terminal state.
type TurnEvent struct {
	ID        string        `json:"id"`
	ThreadID  string        `json:"threadId"`
	UserID    string        `json:"userId"`
	TurnID    string        `json:"turnId"`
	Type      TurnEventType `json:"type"`
	Reason    string        `json:"reason,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

// UnsavedTurn is a fully streamed turn whose durable append failed.
type UnsavedTurn struct {
	ThreadID string    `json:"threadId"`
	UserID   string    `json:"userId"`
	TurnID   string    `json:"turnId"`
	Messages []Message `json:"messages"`
	FailedAt time.Time `json:"failedAt"`
}
