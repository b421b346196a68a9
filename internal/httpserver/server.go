package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/careops/voicedesk/internal/chat"
	"github.com/careops/voicedesk/internal/handoff"
	"github.com/careops/voicedesk/internal/middleware"
	"github.com/careops/voicedesk/internal/session"
)

// Chatter streams one assistant reply for a conversation turn.
type Chatter interface {
	Stream(ctx context.Context, history []chat.Message, text string) (<-chan string, <-chan chat.Message)
}

// SessionFactory builds a fresh call session per start request.
type SessionFactory func() *session.Session

// conversation is one text-chat thread with its hand-off scheduler attached.
type conversation struct {
	mu        sync.Mutex
	messages  []chat.Message
	scheduler *handoff.Scheduler
}

// AppendMessage satisfies handoff.Sink so scheduled follow-ups land in the
// thread like any other message.
func (c *conversation) AppendMessage(m chat.Message) {
	c.mu.Lock()
	c.messages = append(c.messages, m)
	c.mu.Unlock()
}

func (c *conversation) snapshot() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Server bundles the operator HTTP API and its dependencies.
type Server struct {
	Router http.Handler

	newSession SessionFactory
	chatter    Chatter

	mu            sync.Mutex
	sessions      map[string]*session.Session
	conversations map[string]*conversation
}

// New constructs the HTTP server with routes. apiToken guards every route
// except the health check; empty disables auth.
func New(apiToken string, factory SessionFactory, chatter Chatter) *Server {
	s := &Server{
		newSession:    factory,
		chatter:       chatter,
		sessions:      make(map[string]*session.Session),
		conversations: make(map[string]*conversation),
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Logger())
	e.Use(echomw.Recover())
	e.Use(middleware.TokenAuth(func() string { return apiToken }))

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e.POST("/call/start", s.handleCallStart)
	e.POST("/call/:id/end", s.handleCallEnd)
	e.POST("/call/:id/mute", s.handleCallMute)
	e.GET("/call/:id/state", s.handleCallState)
	e.GET("/call/:id/transcript", s.handleCallTranscript)

	e.POST("/chat", s.handleChat)
	e.GET("/chat/:id", s.handleChatGet)

	s.Router = e
	return s
}

func (s *Server) lookupSession(id string) *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Server) conversationFor(id string) *conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		c = &conversation{}
		c.scheduler = handoff.New(c)
		s.conversations[id] = c
	}
	return c
}

type startRequest struct {
	Prompt string `json:"prompt"`
}

type callStatus struct {
	ID             string `json:"id"`
	State          string `json:"state"`
	Ready          bool   `json:"ready"`
	Muted          bool   `json:"muted"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
	Error          string `json:"error,omitempty"`
}

func status(sess *session.Session, err error) callStatus {
	st := callStatus{
		ID:             sess.ID,
		State:          sess.State().String(),
		Ready:          sess.Ready(),
		Muted:          sess.Muted(),
		ElapsedSeconds: int(sess.Elapsed() / time.Second),
	}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}

func (s *Server) handleCallStart(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return c.String(http.StatusBadRequest, "invalid request body")
	}
	if req.Prompt == "" {
		return c.String(http.StatusBadRequest, "prompt is required")
	}

	sess := s.newSession()
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	if err := sess.Start(c.Request().Context(), req.Prompt); err != nil {
		log.Printf("[%s] start failed: %v", sess.ID, err)
		return c.JSON(http.StatusBadGateway, status(sess, err))
	}
	return c.JSON(http.StatusOK, status(sess, nil))
}

func (s *Server) handleCallEnd(c echo.Context) error {
	sess := s.lookupSession(c.Param("id"))
	if sess == nil {
		return c.String(http.StatusNotFound, "unknown call")
	}
	_ = sess.End()
	return c.JSON(http.StatusOK, status(sess, nil))
}

func (s *Server) handleCallMute(c echo.Context) error {
	sess := s.lookupSession(c.Param("id"))
	if sess == nil {
		return c.String(http.StatusNotFound, "unknown call")
	}
	muted, err := sess.ToggleMute()
	if err != nil {
		if errors.Is(err, session.ErrNotReady) || errors.Is(err, session.ErrSessionEnded) {
			return c.String(http.StatusConflict, err.Error())
		}
		return c.String(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]bool{"muted": muted})
}

func (s *Server) handleCallState(c echo.Context) error {
	sess := s.lookupSession(c.Param("id"))
	if sess == nil {
		return c.String(http.StatusNotFound, "unknown call")
	}
	return c.JSON(http.StatusOK, status(sess, nil))
}

func (s *Server) handleCallTranscript(c echo.Context) error {
	sess := s.lookupSession(c.Param("id"))
	if sess == nil {
		return c.String(http.StatusNotFound, "unknown call")
	}
	t := sess.Transcript()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":       sess.ID,
		"chunks":   t.Chunks(),
		"captions": t.Captions(),
		"turns":    t.Turns(),
		"text":     t.Text(),
	})
}

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

// handleChat relays the assistant reply as a server-sent event stream, one
// data: line per delta, terminated by data: [DONE]. The finalized messages
// are appended to the conversation afterwards and the assistant's finished
// text is offered to the hand-off scheduler.
func (s *Server) handleChat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return c.String(http.StatusBadRequest, "invalid request body")
	}
	if req.Text == "" {
		return c.String(http.StatusBadRequest, "text is required")
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	conv := s.conversationFor(req.ConversationID)

	userMsg := chat.Message{
		ID:        uuid.NewString(),
		Role:      chat.RoleUser,
		Content:   req.Text,
		Timestamp: time.Now(),
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("X-Conversation-ID", req.ConversationID)
	resp.WriteHeader(http.StatusOK)

	deltas, final := s.chatter.Stream(c.Request().Context(), conv.snapshot(), req.Text)
	for d := range deltas {
		// A delta may span lines; each line needs its own data: prefix.
		for _, line := range strings.Split(d, "\n") {
			fmt.Fprintf(resp, "data: %s\n", line)
		}
		fmt.Fprint(resp, "\n")
		resp.Flush()
	}
	assistantMsg := <-final
	fmt.Fprint(resp, "data: [DONE]\n\n")
	resp.Flush()

	conv.AppendMessage(userMsg)
	conv.AppendMessage(assistantMsg)
	conv.scheduler.Schedule(assistantMsg.Content)
	return nil
}

func (s *Server) handleChatGet(c echo.Context) error {
	id := c.Param("id")
	s.mu.Lock()
	conv := s.conversations[id]
	s.mu.Unlock()
	if conv == nil {
		return c.String(http.StatusNotFound, "unknown conversation")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":       id,
		"messages": conv.snapshot(),
	})
}

// Close ends every live session and stops pending hand-off timers.
func (s *Server) Close() {
	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	convs := make([]*conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		convs = append(convs, conv)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.End()
	}
	for _, conv := range convs {
		conv.scheduler.Close()
	}
}
