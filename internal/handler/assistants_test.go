package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patientbuddy/chat-platform/internal/gateway"
	"github.com/patientbuddy/chat-platform/internal/model"
)

// newAssistantsServer fakes the hosted Assistants API. Every run streams
// runEvents.
func newAssistantsServer(t *testing.T, runEvents string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/threads":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"id":"thread_remote1","object":"thread","created_at":1700000000,"metadata":{}}`)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages"):
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"id":"msg_user","object":"thread.message","thread_id":"thread_remote1","role":"user","content":[]}`)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/runs"):
			w.Header().Set("Content-Type", "text/event-stream")
			io.WriteString(w, runEvents)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/cancel"):
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"id":"run_1","object":"thread.run","status":"cancelling"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newAssistantsEnv(t *testing.T, runEvents string) *testEnv {
	t.Helper()
	api := newAssistantsServer(t, runEvents)

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = api.URL + "/v1"
	gw := gateway.NewAssistants(openai.NewClientWithConfig(cfg), gateway.NewHTTPRunStreamer("test-key", cfg), "asst_1")
	return newTestEnvWithGateway(t, gw)
}

func runSSE(typ, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", typ, data)
}

func TestChat_AssistantRunFailureIsBadGateway(t *testing.T) {
	env := newAssistantsEnv(t,
		runSSE("thread.run.created", `{"id":"run_1","object":"thread.run","status":"queued"}`)+
			runSSE("thread.run.failed", `{"id":"run_1","object":"thread.run","status":"failed","last_error":{"code":"server_error","message":"boom"}}`))
	token, userID := env.signup(t, "alice@example.com")

	resp := env.do(t, http.MethodPost, "/api/chat", token, map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(HeaderThreadID))
	assert.Contains(t, readBody(t, resp), "assistant service unavailable")

	// Only the empty conversation exists; the turn left no messages.
	conv, err := env.store.FindByOwnerAndThread(context.Background(), userID, "thread_remote1")
	require.NoError(t, err)
	assert.Empty(t, conv.Messages)
}

func TestChat_AssistantRunStreamsAndCommits(t *testing.T) {
	delta := func(text string) string {
		return runSSE("thread.message.delta",
			`{"id":"msg_1","object":"thread.message.delta","delta":{"content":[{"index":0,"type":"text","text":{"value":"`+text+`"}}]}}`)
	}
	env := newAssistantsEnv(t,
		runSSE("thread.run.created", `{"id":"run_1","object":"thread.run","status":"queued"}`)+
			delta("Hel")+delta("lo")+
			runSSE("thread.run.completed", `{"id":"run_1","object":"thread.run","status":"completed"}`)+
			"event: done\ndata: [DONE]\n\n")
	token, userID := env.signup(t, "alice@example.com")

	resp := env.do(t, http.MethodPost, "/api/chat", token, map[string]string{"message": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "thread_remote1", resp.Header.Get(HeaderThreadID))
	assert.Equal(t, "Hello", readBody(t, resp))
	assert.Equal(t, string(model.TurnCommitted), resp.Trailer.Get(HeaderTurnStatus))

	conv, err := env.store.FindByOwnerAndThread(context.Background(), userID, "thread_remote1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "Hello", conv.Messages[1].Content)
}
