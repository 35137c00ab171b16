package gateway

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/patientbuddy/chat-platform/internal/llm"
	"github.com/patientbuddy/chat-platform/pkg/metrics"
)

const defaultFragmentBuffer = 32

var errStreamClosed = errors.New("stream closed")

// Completion drives a streaming chat-completion provider. Threads are local:
// the conversation history is replayed to the provider on every turn.
type Completion struct {
	client llm.Client
	model  string
	system string
	buffer int
}

// CompletionOption configures a Completion gateway.
type CompletionOption func(*Completion)

// WithSystemPrompt sets the system prompt sent with every turn.
func WithSystemPrompt(prompt string) CompletionOption {
	return func(c *Completion) { c.system = prompt }
}

// WithFragmentBuffer sets how many fragments may queue ahead of the consumer.
func WithFragmentBuffer(n int) CompletionOption {
	return func(c *Completion) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// NewCompletion creates a gateway over client using model (provider default when empty).
func NewCompletion(client llm.Client, model string, opts ...CompletionOption) *Completion {
	c := &Completion{client: client, model: model, buffer: defaultFragmentBuffer}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider name.
func (c *Completion) Name() string { return c.client.Name() }

// CreateThread mints a local thread identifier.
func (c *Completion) CreateThread(ctx context.Context) (string, error) {
	return "thread_" + strings.ReplaceAll(uuid.NewString(), "-", ""), nil
}

// SubmitAndStream starts the completion and blocks until the provider either
// produces its first fragment, finishes, or fails.
func (c *Completion) SubmitAndStream(ctx context.Context, turn Turn) (Stream, error) {
	req := &llm.CompletionRequest{
		Model:    c.model,
		System:   c.system,
		Messages: llm.Transcript(turn.History, turn.Message),
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &chanStream{
		items:  make(chan item, c.buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(s.done)
		defer close(s.items)

		resp, err := c.client.CompleteStream(runCtx, req, func(token string, _ int) error {
			select {
			case s.items <- item{frag: token}:
				return nil
			case <-s.stop:
				return errStreamClosed
			case <-runCtx.Done():
				return runCtx.Err()
			}
		})
		if resp != nil {
			metrics.RecordTokens(c.client.Name(), resp.TokensIn, resp.TokensOut)
		}
		if err != nil && !errors.Is(err, errStreamClosed) {
			select {
			case s.items <- item{err: err}:
			case <-s.stop:
			}
		}
	}()

	select {
	case it, ok := <-s.items:
		switch {
		case !ok:
			s.eof = true
		case it.err != nil:
			s.Close()
			return nil, classify(false, it.err)
		default:
			s.peeked = &it
		}
	case <-ctx.Done():
		s.Close()
		return nil, classify(false, ctx.Err())
	}
	return s, nil
}

type item struct {
	frag string
	err  error
}

// chanStream is fed by a producer goroutine through a bounded channel.
type chanStream struct {
	items   chan item
	stop    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
	once    sync.Once
	peeked  *item
	eof     bool
	started bool
}

func (s *chanStream) Next(ctx context.Context) (string, error) {
	if s.peeked != nil {
		it := *s.peeked
		s.peeked = nil
		return s.deliver(it)
	}
	if s.eof {
		return "", io.EOF
	}

	select {
	case it, ok := <-s.items:
		if !ok {
			s.eof = true
			return "", io.EOF
		}
		return s.deliver(it)
	case <-ctx.Done():
		return "", classify(s.started, ctx.Err())
	}
}

func (s *chanStream) deliver(it item) (string, error) {
	if it.err != nil {
		return "", classify(s.started, it.err)
	}
	s.started = true
	return it.frag, nil
}

// Close stops the producer and waits for it to exit.
func (s *chanStream) Close() {
	s.once.Do(func() {
		close(s.stop)
		s.cancel()
	})
	<-s.done
}

var _ Gateway = (*Completion)(nil)
