package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/sashabaranov/go-openai"
)

// HTTPRunStreamer creates runs with stream=true against the Assistants API.
// go-openai only exposes the blocking run endpoints, so the request is built
// from the same client configuration and the body is decoded as SSE.
type HTTPRunStreamer struct {
	apiKey string
	cfg    openai.ClientConfig
}

// NewHTTPRunStreamer uses cfg for the base URL, organization, assistants
// version and HTTP client.
func NewHTTPRunStreamer(apiKey string, cfg openai.ClientConfig) *HTTPRunStreamer {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &HTTPRunStreamer{apiKey: apiKey, cfg: cfg}
}

type streamedRunRequest struct {
	openai.RunRequest
	Stream bool `json:"stream"`
}

// StreamRun posts the run and returns the open event stream. Non-2xx replies
// come back as *openai.APIError.
func (h *HTTPRunStreamer) StreamRun(ctx context.Context, threadID string, request openai.RunRequest) (ssestream.Decoder, error) {
	body, err := json.Marshal(streamedRunRequest{RunRequest: request, Stream: true})
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(h.cfg.BaseURL, "/") + "/threads/" + url.PathEscape(threadID) + "/runs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+h.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if h.cfg.AssistantVersion != "" {
		req.Header.Set("OpenAI-Beta", "assistants="+h.cfg.AssistantVersion)
	}
	if h.cfg.OrgID != "" {
		req.Header.Set("OpenAI-Organization", h.cfg.OrgID)
	}

	resp, err := h.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		apiErr := &openai.APIError{Message: fmt.Sprintf("run request failed: %s", resp.Status)}
		var errResp openai.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != nil {
			apiErr = errResp.Error
		}
		apiErr.HTTPStatus = resp.Status
		apiErr.HTTPStatusCode = resp.StatusCode
		return nil, apiErr
	}
	return ssestream.NewDecoder(resp), nil
}

var _ RunStreamer = (*HTTPRunStreamer)(nil)
