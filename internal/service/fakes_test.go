package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/patientbuddy/chat-platform/internal/gateway"
	"github.com/patientbuddy/chat-platform/internal/model"
	"github.com/patientbuddy/chat-platform/internal/store"
)

type fakeGateway struct {
	mu        sync.Mutex
	threads   int
	createErr error
	submitErr error
	fragments []string
	streamErr error
	gate      chan struct{}
	turns     []gateway.Turn
	streams   []*fakeStream
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) CreateThread(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return "", g.createErr
	}
	g.threads++
	return fmt.Sprintf("thread_%d", g.threads), nil
}

func (g *fakeGateway) SubmitAndStream(ctx context.Context, turn gateway.Turn) (gateway.Stream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.turns = append(g.turns, turn)
	if g.submitErr != nil {
		return nil, g.submitErr
	}
	s := &fakeStream{
		frags: append([]string(nil), g.fragments...),
		err:   g.streamErr,
		gate:  g.gate,
	}
	g.streams = append(g.streams, s)
	return s, nil
}

func (g *fakeGateway) submitted() []gateway.Turn {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.Turn(nil), g.turns...)
}

type fakeStream struct {
	mu     sync.Mutex
	frags  []string
	err    error
	gate   chan struct{}
	closed bool
}

func (s *fakeStream) Next(ctx context.Context) (string, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", model.ErrUpstreamStream, ctx.Err())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frags) > 0 {
		f := s.frags[0]
		s.frags = s.frags[1:]
		return f, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

type recordingSink struct {
	mu        sync.Mutex
	threadID  string
	begun     bool
	writes    []string
	failAfter int
	onBegin   func()
}

func (s *recordingSink) Begin(threadID string) error {
	s.mu.Lock()
	s.threadID = threadID
	s.begun = true
	hook := s.onBegin
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (s *recordingSink) Write(fragment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.writes) >= s.failAfter {
		return errors.New("broken pipe")
	}
	s.writes = append(s.writes, fragment)
	return nil
}

type fakeOutbox struct {
	mu         sync.Mutex
	unsaved    []*model.UnsavedTurn
	events     []*model.TurnEvent
	publishErr error
}

func (o *fakeOutbox) PublishUnsavedTurn(ctx context.Context, turn *model.UnsavedTurn) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.publishErr != nil {
		return o.publishErr
	}
	o.unsaved = append(o.unsaved, turn)
	return nil
}

func (o *fakeOutbox) PublishTurnEvent(ctx context.Context, event *model.TurnEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
	return nil
}

func (o *fakeOutbox) eventTypes() []model.TurnEventType {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []model.TurnEventType
	for _, e := range o.events {
		out = append(out, e.Type)
	}
	return out
}

// flakyStore fails AppendMessages the given number of times; -1 fails forever.
type flakyStore struct {
	*store.Memory
	mu       sync.Mutex
	failures int
	calls    int
}

var errDiskFull = fmt.Errorf("%w: disk full", model.ErrStorage)

func (f *flakyStore) AppendMessages(ctx context.Context, conv *model.Conversation, msgs []model.Message) (*model.Conversation, error) {
	f.mu.Lock()
	f.calls++
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		f.mu.Unlock()
		return nil, errDiskFull
	}
	f.mu.Unlock()
	return f.Memory.AppendMessages(ctx, conv, msgs)
}
