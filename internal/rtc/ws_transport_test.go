package rtc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/careops/voicedesk/internal/credential"
	"github.com/careops/voicedesk/internal/events"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func TestDialWS_ForwardsEventsInOrderAndDropsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer ek_ws" {
			t.Errorf("unexpected authorization %q", got)
		}
		if got := r.URL.Query().Get("model"); got != "rt-voice-1" {
			t.Errorf("unexpected model %q", got)
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		frames := []string{
			`{"type":"session.created"}`,
			`garbage`,
			`{"type":"response.audio_transcript.delta","delta":"one "}`,
			`{"type":"response.audio_transcript.delta","delta":"two"}`,
		}
		for _, f := range frames {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		// Hold the socket open long enough for the client to read everything.
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	received := make(chan events.Event, 8)
	tr, err := DialWS(context.Background(), srv.URL, "rt-voice-1", credential.Credential{Value: "ek_ws"}, "call-ws", func(ev events.Event) {
		received <- ev
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer tr.Close()

	want := []events.Event{
		events.SessionCreated{},
		events.TranscriptDelta{Delta: "one "},
		events.TranscriptDelta{Delta: "two"},
	}
	for i, w := range want {
		select {
		case got := <-received:
			if got != w {
				t.Fatalf("event %d: got %#v want %#v", i, got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestDialWS_SendEventReachesServer(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		got <- string(data)
	}))
	defer srv.Close()

	tr, err := DialWS(context.Background(), srv.URL, "rt-voice-1", credential.Credential{Value: "ek"}, "call-ws", func(events.Event) {})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer tr.Close()

	payload, _ := events.ResponseCreate()
	if err := tr.SendEvent(payload); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case data := <-got:
		if !strings.Contains(data, "response.create") {
			t.Fatalf("unexpected payload %q", data)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for payload")
	}
}

func TestDialWS_ModelIsQueryEscaped(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.URL.Query().Get("model")
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	tr, err := DialWS(context.Background(), srv.URL, "rt voice+1", credential.Credential{Value: "ek"}, "call-ws", func(events.Event) {})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer tr.Close()

	select {
	case model := <-got:
		if model != "rt voice+1" {
			t.Fatalf("model did not round-trip, got %q", model)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for handshake")
	}
}

func TestDialWS_RefusedHandshakeIsNegotiationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := DialWS(context.Background(), srv.URL, "rt-voice-1", credential.Credential{Value: "ek"}, "call-ws", func(events.Event) {})
	if err == nil {
		t.Fatalf("expected handshake error")
	}
	nerr, ok := err.(*NegotiationError)
	if !ok {
		t.Fatalf("expected *NegotiationError, got %T", err)
	}
	if nerr.Step != StepEventChannel {
		t.Fatalf("expected step %q, got %q", StepEventChannel, nerr.Step)
	}
}
