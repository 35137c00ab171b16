// Package gateway adapts the external assistant service to an ordered,
// cancellable stream of output fragments.
package gateway

import (
	"context"
	"fmt"

	"github.com/patientbuddy/chat-platform/internal/model"
)

// Turn is one user message submitted to an assistant thread.
type Turn struct {
	ThreadID string
	Message  string
	// History is the stored conversation before this turn, oldest first.
	History []model.Message
}

// Stream is a finite, non-restartable sequence of fragments.
type Stream interface {
	// Next returns the next fragment, io.EOF when the run completed normally,
	// or an error wrapping model.ErrUpstreamUnavailable / model.ErrUpstreamStream.
	Next(ctx context.Context) (string, error)
	// Close releases the transport. Safe to call more than once.
	Close()
}

// Gateway is the assistant service adapter.
type Gateway interface {
	Name() string
	CreateThread(ctx context.Context) (string, error)
	SubmitAndStream(ctx context.Context, turn Turn) (Stream, error)
}

// classify maps a transport error to the upstream taxonomy. Errors before the
// first fragment mean the service was unreachable; after it, the stream dropped.
func classify(started bool, err error) error {
	if started {
		return fmt.Errorf("%w: %w", model.ErrUpstreamStream, err)
	}
	return fmt.Errorf("%w: %w", model.ErrUpstreamUnavailable, err)
}
