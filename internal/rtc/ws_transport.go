package rtc

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/careops/voicedesk/internal/credential"
	"github.com/careops/voicedesk/internal/events"
)

// WSTransport carries the realtime event stream over a WebSocket for
// environments without a media path. Semantics match the data channel:
// inbound frames are decoded in arrival order and malformed frames are
// dropped. There is no local audio track, so SetMuted is a no-op.
type WSTransport struct {
	callID    string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// DialWS connects to the realtime endpoint's WebSocket flavor using the
// short-lived credential and starts forwarding decoded events.
func DialWS(ctx context.Context, realtimeURL, model string, cred credential.Credential, callID string, onEvent RemoteEventFunc) (*WSTransport, error) {
	wsURL := strings.Replace(realtimeURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = fmt.Sprintf("%s?model=%s", wsURL, url.QueryEscape(model))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	headers := http.Header{"Authorization": {"Bearer " + cred.Value}}
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("status=%d: %w", resp.StatusCode, err)
		}
		return nil, &NegotiationError{Step: StepEventChannel, Err: err}
	}
	log.Printf("[%s] realtime websocket connected", callID)

	t := &WSTransport{callID: callID, conn: conn}
	go t.readLoop(onEvent)
	return t, nil
}

func (t *WSTransport) readLoop(onEvent RemoteEventFunc) {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		ev, derr := events.Decode(data)
		if derr != nil {
			continue
		}
		onEvent(ev)
	}
}

// SendEvent writes one encoded event frame.
func (t *WSTransport) SendEvent(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

// SetMuted is a no-op: the WebSocket transport carries no local audio.
func (t *WSTransport) SetMuted(bool) {}

// Close shuts the socket down. Idempotent.
func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = t.conn.Close()
		log.Printf("[%s] realtime websocket closed", t.callID)
	})
	return nil
}
