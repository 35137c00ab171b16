package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/patientbuddy/chat-platform/internal/model"
	"github.com/patientbuddy/chat-platform/pkg/logger"
)

const (
	// StreamName is the name of the chat turn stream.
	StreamName = "CHAT_TURNS"

	// SubjectPrefix is the prefix for all chat subjects.
	SubjectPrefix = "chat"

	// ReconcilerDurable names the durable consumer replaying unsaved turns.
	ReconcilerDurable = "turn-reconciler"
)

// TurnOutbox publishes turns that could not be stored and turn lifecycle events.
type TurnOutbox struct {
	client     *Client
	logger     *logger.Logger
	maxDeliver int
	nakDelay   time.Duration
}

// NewTurnOutbox creates an outbox over an established connection.
func NewTurnOutbox(client *Client, log *logger.Logger) *TurnOutbox {
	return &TurnOutbox{
		client:     client,
		logger:     log,
		maxDeliver: 20,
		nakDelay:   10 * time.Second,
	}
}

// UnsavedSubject returns the subject an unsaved turn is queued on.
func UnsavedSubject(threadID string) string {
	return fmt.Sprintf("%s.turn.unsaved.%s", SubjectPrefix, threadID)
}

// EventSubject returns the subject for a turn event.
func EventSubject(eventType model.TurnEventType, threadID string) string {
	return fmt.Sprintf("%s.turn.event.%s.%s", SubjectPrefix, eventType, threadID)
}

// UnsavedFilter matches every queued unsaved turn.
func UnsavedFilter() string {
	return fmt.Sprintf("%s.turn.unsaved.>", SubjectPrefix)
}

// EnsureStream creates or updates the chat turn stream.
func (o *TurnOutbox) EnsureStream(ctx context.Context) error {
	_, err := o.client.JetStream().CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  10 * time.Minute,
		Description: "Chat turns awaiting durable storage and turn lifecycle events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// PublishUnsavedTurn queues a turn for the reconciler. The turn id is the
// JetStream message id, so republishing the same turn is deduplicated.
func (o *TurnOutbox) PublishUnsavedTurn(ctx context.Context, turn *model.UnsavedTurn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}

	_, err = o.client.JetStream().Publish(ctx, UnsavedSubject(turn.ThreadID), data, jetstream.WithMsgID(turn.TurnID))
	if err != nil {
		return fmt.Errorf("failed to publish turn: %w", err)
	}
	return nil
}

// PublishTurnEvent publishes a turn lifecycle event.
func (o *TurnOutbox) PublishTurnEvent(ctx context.Context, event *model.TurnEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := o.client.JetStream().Publish(ctx, EventSubject(event.Type, event.ThreadID), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Ping reports whether the outbox can reach the server.
func (o *TurnOutbox) Ping(ctx context.Context) error {
	return o.client.Ping(ctx)
}

// TurnHandler stores one unsaved turn. Returning an error wrapping
// model.ErrInvalidArgument drops the turn; any other error redelivers it.
type TurnHandler func(ctx context.Context, turn *model.UnsavedTurn) error

type disposition int

const (
	dispositionAck disposition = iota
	dispositionNak
	dispositionTerm
)

func dispose(err error) disposition {
	switch {
	case err == nil:
		return dispositionAck
	case errors.Is(err, model.ErrInvalidArgument):
		return dispositionTerm
	default:
		return dispositionNak
	}
}

func decodeTurn(data []byte) (*model.UnsavedTurn, error) {
	var turn model.UnsavedTurn
	if err := json.Unmarshal(data, &turn); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidArgument, err)
	}
	if turn.ThreadID == "" || turn.UserID == "" || len(turn.Messages) == 0 {
		return nil, fmt.Errorf("%w: incomplete turn", model.ErrInvalidArgument)
	}
	return &turn, nil
}

// ConsumeUnsavedTurns runs the durable reconciler consumer until ctx is done.
func (o *TurnOutbox) ConsumeUnsavedTurns(ctx context.Context, handle TurnHandler) error {
	consumer, err := o.client.JetStream().CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       ReconcilerDurable,
		FilterSubject: UnsavedFilter(),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       time.Minute,
		MaxDeliver:    o.maxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		o.handle(ctx, msg, handle)
	})
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}
	defer cc.Stop()

	<-ctx.Done()
	return nil
}

func (o *TurnOutbox) handle(ctx context.Context, msg jetstream.Msg, handle TurnHandler) {
	log := o.logger.With(zap.String("subject", msg.Subject()))
	if meta, err := msg.Metadata(); err == nil {
		log = log.With(zap.Uint64("delivered", meta.NumDelivered))
	}

	turn, err := decodeTurn(msg.Data())
	if err == nil {
		log = log.With(zap.String("thread_id", turn.ThreadID), zap.String("turn_id", turn.TurnID))
		err = handle(ctx, turn)
	}

	switch dispose(err) {
	case dispositionAck:
		if ackErr := msg.Ack(); ackErr != nil {
			log.Warn("ack failed", zap.Error(ackErr))
		}
	case dispositionTerm:
		log.Error("dropping unsaved turn", zap.Error(err))
		_ = msg.Term()
	default:
		log.Warn("unsaved turn redelivery scheduled", zap.Error(err))
		_ = msg.NakWithDelay(o.nakDelay)
	}
}
