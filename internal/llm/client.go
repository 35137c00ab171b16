// Package llm streams chat completions from the OpenAI and Anthropic APIs.
package llm

import (
	"context"
	"fmt"

	"github.com/patientbuddy/chat-platform/internal/model"
)

// Provider names a completion API.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

const defaultMaxTokens = 4096

// ChatMessage is one prior message in provider-neutral form. Role is
// "user" or "assistant"; system instructions travel in CompletionRequest.System.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Transcript converts stored thread history plus the new user message into
// the provider-neutral message list, oldest first.
func Transcript(history []model.Message, next string) []ChatMessage {
	out := make([]ChatMessage, 0, len(history)+1)
	for _, m := range history {
		out = append(out, ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return append(out, ChatMessage{Role: string(model.RoleUser), Content: next})
}

// CompletionRequest is a single streamed completion. Zero MaxTokens uses the
// package default; an empty Model uses the provider default.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

func (r *CompletionRequest) tokenBudget() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return defaultMaxTokens
}

func (r *CompletionRequest) modelOr(fallback string) string {
	if r.Model != "" {
		return r.Model
	}
	return fallback
}

// CompletionResponse summarizes a finished stream.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// StreamCallback receives each text fragment with its zero-based position.
type StreamCallback func(token string, index int) error

// Client streams completions from one provider.
type Client interface {
	// CompleteStream calls back once per fragment in emission order. A
	// callback error aborts the stream and is returned unchanged.
	CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error)

	Name() string
}

// NewClient builds the client for provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey)
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}
