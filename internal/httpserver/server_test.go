package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/careops/voicedesk/internal/chat"
	"github.com/careops/voicedesk/internal/credential"
	"github.com/careops/voicedesk/internal/events"
	"github.com/careops/voicedesk/internal/session"
)

type stubCreds struct{ err error }

func (s stubCreds) RequestCredential(ctx context.Context, prompt string) (credential.Credential, error) {
	if s.err != nil {
		return credential.Credential{}, s.err
	}
	return credential.Credential{Value: "ek", IssuedFor: prompt}, nil
}

type stubConn struct{ muted bool }

func (s *stubConn) SendEvent(payload []byte) error { return nil }
func (s *stubConn) SetMuted(muted bool)            { s.muted = muted }
func (s *stubConn) Close() error                   { return nil }

type stubChatter struct {
	deltas []string
	reply  string
}

func (s stubChatter) Stream(ctx context.Context, history []chat.Message, text string) (<-chan string, <-chan chat.Message) {
	deltas := make(chan string, len(s.deltas))
	final := make(chan chat.Message, 1)
	for _, d := range s.deltas {
		deltas <- d
	}
	close(deltas)
	final <- chat.Message{Role: chat.RoleAssistant, Content: s.reply, Timestamp: time.Now()}
	close(final)
	return deltas, final
}

// testServer wires a Server whose sessions connect through fakes. The
// returned callback map lets tests drive remote events per call ID.
func testServer(t *testing.T, startErr error) (*Server, map[string]func(events.Event)) {
	t.Helper()
	callbacks := make(map[string]func(events.Event))
	factory := func() *session.Session {
		negotiate := func(ctx context.Context, cred credential.Credential, callID string, cb func(events.Event)) (session.Conn, error) {
			if startErr != nil {
				return nil, startErr
			}
			callbacks[callID] = cb
			return &stubConn{}, nil
		}
		return session.New(stubCreds{}, negotiate, nil)
	}
	return New("", factory, stubChatter{deltas: []string{"Hel", "lo"}, reply: "Hello"}), callbacks
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	return w
}

func TestServer_Healthz(t *testing.T) {
	srv, _ := testServer(t, nil)
	if w := do(t, srv, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestServer_AuthGuardsRoutes(t *testing.T) {
	srv := New("secret", nil, nil)

	if w := do(t, srv, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/call/abc/state", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	r := httptest.NewRequest(http.MethodGet, "/call/abc/state", nil)
	r.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with valid token, got %d", w.Code)
	}
}

func TestServer_CallLifecycle(t *testing.T) {
	srv, callbacks := testServer(t, nil)

	w := do(t, srv, http.MethodPost, "/call/start", `{"prompt":"front desk"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	var st callStatus
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("start: bad body: %v", err)
	}
	if st.State != "connected" {
		t.Fatalf("expected connected, got %q", st.State)
	}

	// Mute is rejected until the session announces readiness.
	if w := do(t, srv, http.MethodPost, "/call/"+st.ID+"/mute", ""); w.Code != http.StatusConflict {
		t.Fatalf("mute before ready: expected 409, got %d", w.Code)
	}

	cb := callbacks[st.ID]
	if cb == nil {
		t.Fatalf("no event callback captured for %s", st.ID)
	}
	cb(events.SessionCreated{})
	cb(events.TranscriptDelta{Delta: "Good "})
	cb(events.TranscriptDelta{Delta: "morning"})

	w = do(t, srv, http.MethodPost, "/call/"+st.ID+"/mute", "")
	if w.Code != http.StatusOK {
		t.Fatalf("mute: expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"muted":true`) {
		t.Fatalf("expected muted true, got %s", w.Body.String())
	}

	w = do(t, srv, http.MethodGet, "/call/"+st.ID+"/transcript", "")
	if w.Code != http.StatusOK {
		t.Fatalf("transcript: expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"text":"Good morning"`) {
		t.Fatalf("unexpected transcript body: %s", w.Body.String())
	}

	if w := do(t, srv, http.MethodPost, "/call/"+st.ID+"/end", ""); w.Code != http.StatusOK {
		t.Fatalf("end: expected 200, got %d", w.Code)
	}
	// Idempotent end.
	if w := do(t, srv, http.MethodPost, "/call/"+st.ID+"/end", ""); w.Code != http.StatusOK {
		t.Fatalf("second end: expected 200, got %d", w.Code)
	}
	w = do(t, srv, http.MethodGet, "/call/"+st.ID+"/state", "")
	if !strings.Contains(w.Body.String(), `"state":"ended"`) {
		t.Fatalf("expected ended, got %s", w.Body.String())
	}
}

func TestServer_CallStartFailure(t *testing.T) {
	srv, _ := testServer(t, errors.New("media access denied"))
	w := do(t, srv, http.MethodPost, "/call/start", `{"prompt":"front desk"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"state":"ended"`) {
		t.Fatalf("expected aborted session, got %s", w.Body.String())
	}
}

func TestServer_CallStartRequiresPrompt(t *testing.T) {
	srv, _ := testServer(t, nil)
	if w := do(t, srv, http.MethodPost, "/call/start", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestServer_UnknownCall(t *testing.T) {
	srv, _ := testServer(t, nil)
	for _, path := range []string{"/call/nope/state", "/call/nope/transcript"} {
		if w := do(t, srv, http.MethodGet, path, ""); w.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, w.Code)
		}
	}
	if w := do(t, srv, http.MethodPost, "/call/nope/end", ""); w.Code != http.StatusNotFound {
		t.Fatalf("end: expected 404, got %d", w.Code)
	}
}

func TestServer_ChatStreamsAndStores(t *testing.T) {
	srv, _ := testServer(t, nil)

	w := do(t, srv, http.MethodPost, "/chat", `{"text":"hi there"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("chat: expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"data: Hel\n\n", "data: lo\n\n", "data: [DONE]\n\n"} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in %q", want, body)
		}
	}
	convID := w.Header().Get("X-Conversation-ID")
	if convID == "" {
		t.Fatalf("expected a conversation id header")
	}

	w = do(t, srv, http.MethodGet, "/chat/"+convID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("chat get: expected 200, got %d", w.Code)
	}
	var got struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("chat get: bad body: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got.Messages))
	}
	if got.Messages[0].Role != chat.RoleUser || got.Messages[1].Role != chat.RoleAssistant {
		t.Fatalf("unexpected roles: %+v", got.Messages)
	}
}

func TestServer_ChatSchedulesHandoffFromAssistantReply(t *testing.T) {
	srv := New("", nil, stubChatter{reply: "Looping in @lab and @dispatch now."})
	defer srv.Close()

	// The user text mentions no tags; only the assistant's finished text
	// drives hand-off scheduling.
	w := do(t, srv, http.MethodPost, "/chat", `{"conversation_id":"c1","text":"who handles the samples?"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("chat: expected 200, got %d", w.Code)
	}

	srv.mu.Lock()
	conv := srv.conversations["c1"]
	srv.mu.Unlock()
	if conv == nil {
		t.Fatalf("conversation not stored")
	}
	if got := conv.scheduler.Pending(); got != 2 {
		t.Fatalf("expected 2 pending follow-ups, got %d", got)
	}
}

func TestServer_ChatUserTagsDoNotSchedule(t *testing.T) {
	srv := New("", nil, stubChatter{reply: "I'll check on that."})
	defer srv.Close()

	w := do(t, srv, http.MethodPost, "/chat", `{"conversation_id":"c2","text":"routing @lab results to @dispatch"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("chat: expected 200, got %d", w.Code)
	}

	srv.mu.Lock()
	conv := srv.conversations["c2"]
	srv.mu.Unlock()
	if conv == nil {
		t.Fatalf("conversation not stored")
	}
	if got := conv.scheduler.Pending(); got != 0 {
		t.Fatalf("expected no follow-ups from user text alone, got %d", got)
	}
}

func TestServer_ChatMultilineDeltaFraming(t *testing.T) {
	srv := New("", nil, stubChatter{deltas: []string{"first\nsecond"}, reply: "first\nsecond"})
	defer srv.Close()

	w := do(t, srv, http.MethodPost, "/chat", `{"text":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("chat: expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "data: first\ndata: second\n\n") {
		t.Fatalf("expected one data: line per delta line, got %q", w.Body.String())
	}
}

func TestServer_ChatUnknownConversation(t *testing.T) {
	srv, _ := testServer(t, nil)
	if w := do(t, srv, http.MethodGet, "/chat/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
