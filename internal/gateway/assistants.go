package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/sashabaranov/go-openai"
)

var errNoOutput = errors.New("run completed without assistant output")

// AssistantsAPI is the subset of the OpenAI client used by Assistants.
// *openai.Client satisfies it.
type AssistantsAPI interface {
	CreateThread(ctx context.Context, request openai.ThreadRequest) (openai.Thread, error)
	CreateMessage(ctx context.Context, threadID string, request openai.MessageRequest) (openai.Message, error)
	CancelRun(ctx context.Context, threadID string, runID string) (openai.Run, error)
}

// RunStreamer creates a run and returns its server-sent event stream.
type RunStreamer interface {
	StreamRun(ctx context.Context, threadID string, request openai.RunRequest) (ssestream.Decoder, error)
}

// Assistants drives a hosted assistant: remote threads hold the history and
// each turn is a streamed run whose message deltas are relayed as fragments.
type Assistants struct {
	api         AssistantsAPI
	runs        RunStreamer
	assistantID string
}

// NewAssistants creates the hosted-assistant gateway.
func NewAssistants(api AssistantsAPI, runs RunStreamer, assistantID string) *Assistants {
	return &Assistants{api: api, runs: runs, assistantID: assistantID}
}

// Name returns the backend name.
func (a *Assistants) Name() string { return "assistants" }

// CreateThread creates a remote thread.
func (a *Assistants) CreateThread(ctx context.Context) (string, error) {
	thread, err := a.api.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", classify(false, err)
	}
	return thread.ID, nil
}

// SubmitAndStream posts the user message, starts a streamed run and blocks
// until the first fragment arrives or the run fails. History is held remotely
// and ignored here. Reads stay bound to ctx for the life of the stream.
func (a *Assistants) SubmitAndStream(ctx context.Context, turn Turn) (Stream, error) {
	_, err := a.api.CreateMessage(ctx, turn.ThreadID, openai.MessageRequest{
		Role:    string(openai.ThreadMessageRoleUser),
		Content: turn.Message,
	})
	if err != nil {
		return nil, classify(false, err)
	}

	events, err := a.runs.StreamRun(ctx, turn.ThreadID, openai.RunRequest{AssistantID: a.assistantID})
	if err != nil {
		return nil, classify(false, err)
	}
	if events == nil {
		return nil, classify(false, errors.New("run stream has no body"))
	}

	s := &runStream{api: a.api, threadID: turn.ThreadID, events: events}
	frag, err := s.advance()
	if errors.Is(err, io.EOF) {
		err = errNoOutput
	}
	if err != nil {
		s.Close()
		return nil, classify(false, err)
	}
	s.peeked = frag
	return s, nil
}

// runEvent is the part of a thread.run.* payload the stream tracks.
type runEvent struct {
	ID        string           `json:"id"`
	Status    openai.RunStatus `json:"status"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

type messageDelta struct {
	Delta struct {
		Content []struct {
			Type string `json:"type"`
			Text *struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"delta"`
}

func (d *messageDelta) text() string {
	var b strings.Builder
	for _, c := range d.Delta.Content {
		if c.Text != nil {
			b.WriteString(c.Text.Value)
		}
	}
	return b.String()
}

type runStream struct {
	api      AssistantsAPI
	threadID string
	events   ssestream.Decoder

	runID  string
	status openai.RunStatus
	peeked string
	done   bool
	closed bool
}

func runActive(status openai.RunStatus) bool {
	switch status {
	case openai.RunStatusQueued, openai.RunStatusInProgress, openai.RunStatusCancelling:
		return true
	default:
		return false
	}
}

func (s *runStream) Next(ctx context.Context) (string, error) {
	if s.closed {
		return "", io.EOF
	}
	if s.peeked != "" {
		frag := s.peeked
		s.peeked = ""
		return frag, nil
	}
	if s.done {
		return "", io.EOF
	}
	if err := ctx.Err(); err != nil {
		return "", classify(true, err)
	}

	frag, err := s.advance()
	if errors.Is(err, io.EOF) {
		s.done = true
		return "", io.EOF
	}
	if err != nil {
		return "", classify(true, err)
	}
	return frag, nil
}

// advance reads events until the next non-empty text delta. It returns io.EOF
// once the run completed and the stream ended.
func (s *runStream) advance() (string, error) {
	for s.events.Next() {
		ev := s.events.Event()
		switch {
		case ev.Type == "thread.message.delta":
			var delta messageDelta
			if err := json.Unmarshal(ev.Data, &delta); err != nil {
				return "", fmt.Errorf("decode message delta: %w", err)
			}
			if text := delta.text(); text != "" {
				return text, nil
			}

		case strings.HasPrefix(ev.Type, "thread.run.") && !strings.HasPrefix(ev.Type, "thread.run.step."):
			var run runEvent
			if err := json.Unmarshal(ev.Data, &run); err != nil {
				return "", fmt.Errorf("decode %s: %w", ev.Type, err)
			}
			s.runID, s.status = run.ID, run.Status
			if !runActive(run.Status) && run.Status != openai.RunStatusCompleted {
				if run.LastError != nil {
					return "", fmt.Errorf("run %s ended with status %s: %s", run.ID, run.Status, run.LastError.Message)
				}
				return "", fmt.Errorf("run %s ended with status %s", run.ID, run.Status)
			}

		case ev.Type == "error":
			var apiErr openai.APIError
			if err := json.Unmarshal(ev.Data, &apiErr); err != nil || apiErr.Message == "" {
				return "", errors.New("assistant stream reported an error")
			}
			return "", &apiErr

		case ev.Type == "done":
			return "", io.EOF
		}
	}

	if err := s.events.Err(); err != nil {
		return "", err
	}
	if s.status == openai.RunStatusCompleted {
		return "", io.EOF
	}
	return "", errors.New("event stream ended before the run finished")
}

// Close releases the event stream and cancels the remote run when it is
// still active.
func (s *runStream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	_ = s.events.Close()
	if s.runID == "" || !runActive(s.status) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = s.api.CancelRun(ctx, s.threadID, s.runID)
}

var _ Gateway = (*Assistants)(nil)
