package rtc

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/careops/voicedesk/internal/credential"
	"github.com/careops/voicedesk/internal/events"
)

// Negotiation steps, in order. Each is a possible failure point reported by
// NegotiationError; a failure aborts the whole attempt and the caller must
// restart from the credential broker.
const (
	StepMediaAccess   = "media-access"
	StepPeerTransport = "peer-transport"
	StepAttachTrack   = "attach-track"
	StepEventChannel  = "event-channel"
	StepOfferExchange = "offer-exchange"
)

// NegotiationError identifies which step of media negotiation failed.
type NegotiationError struct {
	Step string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed at %s: %v", e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// RemoteEventFunc receives decoded event-channel events in arrival order.
type RemoteEventFunc func(ev events.Event)

// Negotiator establishes the media + event connection against the remote
// realtime endpoint. Negotiate is not idempotent; one fresh Connection per
// call attempt.
type Negotiator struct {
	HTTPClient  *http.Client
	RealtimeURL string // e.g. https://host/v1/realtime
	Model       string
	Mic         Microphone
	// AudioSink receives decoded remote audio; nil disables local playback.
	AudioSink io.WriteCloser
}

func NewNegotiator(realtimeURL, model string, mic Microphone) *Negotiator {
	return &Negotiator{
		HTTPClient:  &http.Client{Timeout: 20 * time.Second},
		RealtimeURL: realtimeURL,
		Model:       model,
		Mic:         mic,
	}
}

// Connection is one negotiated media/event transport. Close releases owned
// resources exactly once, in order: event channel, local media, sender
// tracks, peer transport, audio sink.
type Connection struct {
	callID    string
	pc        *webrtc.PeerConnection
	dc        *webrtc.DataChannel
	mic       Microphone
	writer    *OpusPacedWriter
	sink      io.Closer
	closeOnce sync.Once
}

// SendEvent writes one encoded event frame to the event channel.
func (c *Connection) SendEvent(payload []byte) error {
	return c.dc.SendText(string(payload))
}

// SetMuted flips local audio capture without renegotiation.
func (c *Connection) SetMuted(muted bool) {
	c.writer.SetMuted(muted)
}

// Close tears the connection down. Idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		_ = c.dc.Close()
		_ = c.mic.Stop()
		c.writer.Close()
		for _, sender := range c.pc.GetSenders() {
			_ = sender.Stop()
		}
		_ = c.pc.Close()
		if c.sink != nil {
			_ = c.sink.Close()
		}
		log.Printf("[%s] connection closed", c.callID)
	})
	return nil
}

// Negotiate performs the ordered negotiation steps: acquire microphone,
// create the peer transport, attach the local track, open the event channel,
// and run the SDP offer/answer exchange bearer-authenticated with cred.
func (n *Negotiator) Negotiate(ctx context.Context, cred credential.Credential, callID string, onEvent RemoteEventFunc) (*Connection, error) {
	frames, err := n.Mic.Start()
	if err != nil {
		return nil, &NegotiationError{Step: StepMediaAccess, Err: err}
	}

	pc, err := n.newPeerConnection()
	if err != nil {
		_ = n.Mic.Stop()
		return nil, &NegotiationError{Step: StepPeerTransport, Err: err}
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[%s] PeerConnection state: %s", callID, state.String())
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[%s] Remote audio track received: codec=%s", callID, remote.Codec().MimeType)
		if n.AudioSink != nil {
			go PlayRemoteTrack(callID, remote, n.AudioSink)
		}
	})

	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"mic-audio", "operator",
	)
	if err != nil {
		n.abandon(pc, nil)
		return nil, &NegotiationError{Step: StepAttachTrack, Err: err}
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		n.abandon(pc, nil)
		return nil, &NegotiationError{Step: StepAttachTrack, Err: err}
	}
	writer, err := NewOpusPacedWriter(outTrack)
	if err != nil {
		n.abandon(pc, nil)
		return nil, &NegotiationError{Step: StepAttachTrack, Err: err}
	}
	go func() {
		for f := range frames {
			writer.WritePCM(f)
		}
	}()

	dc, err := pc.CreateDataChannel("oai-events", nil)
	if err != nil {
		n.abandon(pc, writer)
		return nil, &NegotiationError{Step: StepEventChannel, Err: err}
	}
	dc.OnOpen(func() { log.Printf("[%s] event channel open", callID) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		ev, derr := events.Decode(msg.Data)
		if derr != nil {
			// Malformed or unknown frames are dropped, never fatal.
			return
		}
		onEvent(ev)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		n.abandon(pc, writer)
		return nil, &NegotiationError{Step: StepOfferExchange, Err: err}
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		n.abandon(pc, writer)
		return nil, &NegotiationError{Step: StepOfferExchange, Err: err}
	}
	<-gatherComplete
	local := pc.LocalDescription()
	if local == nil {
		n.abandon(pc, writer)
		return nil, &NegotiationError{Step: StepOfferExchange, Err: fmt.Errorf("no local description")}
	}

	answer, err := n.exchangeSDP(ctx, cred, local.SDP)
	if err != nil {
		n.abandon(pc, writer)
		return nil, &NegotiationError{Step: StepOfferExchange, Err: err}
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		n.abandon(pc, writer)
		return nil, &NegotiationError{Step: StepOfferExchange, Err: err}
	}

	return &Connection{
		callID: callID,
		pc:     pc,
		dc:     dc,
		mic:    n.Mic,
		writer: writer,
		sink:   n.AudioSink,
	}, nil
}

func (n *Negotiator) newPeerConnection() (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
}

func (n *Negotiator) abandon(pc *webrtc.PeerConnection, writer *OpusPacedWriter) {
	if writer != nil {
		writer.Close()
	}
	_ = pc.Close()
	_ = n.Mic.Stop()
}

// exchangeSDP posts the local offer to the realtime endpoint and returns the
// remote answer SDP.
func (n *Negotiator) exchangeSDP(ctx context.Context, cred credential.Credential, offerSDP string) (string, error) {
	endpoint := fmt.Sprintf("%s?model=%s", n.RealtimeURL, url.QueryEscape(n.Model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offerSDP))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Authorization", "Bearer "+cred.Value)

	resp, err := n.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("realtime endpoint: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	answer := string(body)
	if strings.TrimSpace(answer) == "" {
		return "", fmt.Errorf("realtime endpoint: empty answer")
	}
	return answer, nil
}
