package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/patientbuddy/chat-platform/internal/middleware"
	"github.com/patientbuddy/chat-platform/internal/model"
	"github.com/patientbuddy/chat-platform/internal/service"
	"github.com/patientbuddy/chat-platform/pkg/logger"
)

const (
	// HeaderThreadID carries the resolved thread so the client can continue it.
	HeaderThreadID = "X-Thread-Id"
	// HeaderTurnStatus is sent as a trailer once the turn is final.
	HeaderTurnStatus = "X-Turn-Status"

	// JSON escaping can inflate a message up to six times.
	maxChatBodyBytes = 6*model.MaxMessageBytes + 1024
)

// ChatHandler handles POST /api/chat.
type ChatHandler struct {
	chat   *service.ChatService
	logger *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(chat *service.ChatService, log *logger.Logger) *ChatHandler {
	return &ChatHandler{chat: chat, logger: log}
}

// turnSink is a service.FragmentSink that also knows how to end the response.
type turnSink interface {
	service.FragmentSink
	started() bool
	finish(status model.TurnStatus, err error)
}

// Chat handles POST /api/chat. The reply streams as plain text unless the
// client asks for text/event-stream.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req model.ChatRequest
	if err := decodeJSON(w, r, maxChatBodyBytes, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}

	sink := newTurnSink(w, r)
	result, err := h.chat.Send(ctx, userID, &req, sink)
	if !sink.started() {
		if err == nil {
			err = errors.New("turn finished without a response")
		}
		respondError(w, h.logger, err)
		return
	}

	status := model.TurnFailed
	if result != nil && err == nil {
		status = result.Status
	}
	if err != nil {
		h.logger.Warn("chat stream ended with error",
			zap.String("correlation_id", middleware.GetCorrelationID(ctx)),
			zap.Error(err),
		)
	}
	sink.finish(status, err)
}

func newTurnSink(w http.ResponseWriter, r *http.Request) turnSink {
	rc := http.NewResponseController(w)
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return &sseSink{w: w, rc: rc}
	}
	return &textSink{w: w, rc: rc}
}

// flush pushes buffered bytes to the client. Writers that cannot flush are
// tolerated; they still deliver the body at the end.
func flush(rc *http.ResponseController) error {
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func beginStream(w http.ResponseWriter, contentType, threadID string) {
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	h.Set(HeaderThreadID, threadID)
	h.Set("Trailer", HeaderTurnStatus)
	w.WriteHeader(http.StatusOK)
}

// textSink writes fragments as a raw text body.
type textSink struct {
	w     http.ResponseWriter
	rc    *http.ResponseController
	begun bool
}

func (s *textSink) Begin(threadID string) error {
	s.begun = true
	beginStream(s.w, "text/plain; charset=utf-8", threadID)
	return flush(s.rc)
}

func (s *textSink) Write(fragment string) error {
	if _, err := io.WriteString(s.w, fragment); err != nil {
		return err
	}
	return flush(s.rc)
}

func (s *textSink) started() bool { return s.begun }

func (s *textSink) finish(status model.TurnStatus, _ error) {
	s.w.Header().Set(HeaderTurnStatus, string(status))
}

// sseSink writes token, done and error events.
type sseSink struct {
	w        http.ResponseWriter
	rc       *http.ResponseController
	begun    bool
	threadID string
	index    int
}

func (s *sseSink) Begin(threadID string) error {
	s.begun = true
	s.threadID = threadID
	s.w.Header().Set("Connection", "keep-alive")
	beginStream(s.w, "text/event-stream", threadID)
	return flush(s.rc)
}

func (s *sseSink) Write(fragment string) error {
	err := s.send("token", &model.TokenEvent{Token: fragment, Index: s.index})
	s.index++
	return err
}

func (s *sseSink) started() bool { return s.begun }

func (s *sseSink) finish(status model.TurnStatus, err error) {
	if err != nil {
		_, msg := statusFor(err)
		s.send("error", &model.ErrorEvent{Code: "stream_error", Message: msg})
	}
	s.send("done", &model.DoneEvent{ThreadID: s.threadID, Status: status})
	s.w.Header().Set(HeaderTurnStatus, string(status))
}

func (s *sseSink) send(event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	return flush(s.rc)
}
