package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/careops/voicedesk/internal/credential"
	"github.com/careops/voicedesk/internal/dispatch"
	"github.com/careops/voicedesk/internal/events"
)

// State is the call session lifecycle position. Transitions only move
// forward; Ended is terminal.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateNegotiating
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrSessionActive rejects Start on a session that already left Idle.
	ErrSessionActive = errors.New("session: already active")
	// ErrSessionEnded rejects operations on a terminal session.
	ErrSessionEnded = errors.New("session: ended")
	// ErrNotReady rejects mute toggles before the session is ready.
	ErrNotReady = errors.New("session: not ready")
)

// CredentialSource mints short-lived credentials for one call attempt.
type CredentialSource interface {
	RequestCredential(ctx context.Context, prompt string) (credential.Credential, error)
}

// Conn is the negotiated transport the session talks through.
type Conn interface {
	SendEvent(payload []byte) error
	SetMuted(muted bool)
	Close() error
}

// NegotiateFunc establishes a Conn for one call attempt. onEvent receives
// decoded remote events in arrival order.
type NegotiateFunc func(ctx context.Context, cred credential.Credential, callID string, onEvent func(events.Event)) (Conn, error)

// Dispatcher runs one remote function call end to end.
type Dispatcher interface {
	Dispatch(ctx context.Context, name, argumentsJSON, callID string, sink dispatch.Sink, ch dispatch.Channel) error
}

// Session is one voice call against the realtime endpoint. A Session is
// single-use: Start once, End once, then discard.
type Session struct {
	ID string

	creds      CredentialSource
	negotiate  NegotiateFunc
	dispatcher Dispatcher

	mu         sync.Mutex
	state      State
	ready      bool
	muted      bool
	conn       Conn
	readyTimer *time.Timer
	tickStop   chan struct{}

	elapsedSec int64

	// readyDelay is how long after Connected the session self-declares ready
	// when no session.created event arrives first.
	readyDelay time.Duration

	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc

	transcript *Transcript
}

// New builds an Idle session. negotiate and creds are required; dispatcher
// may be nil, in which case function-call events are logged and dropped.
func New(creds CredentialSource, negotiate NegotiateFunc, dispatcher Dispatcher) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:             uuid.NewString(),
		creds:          creds,
		negotiate:      negotiate,
		dispatcher:     dispatcher,
		readyDelay:     time.Second,
		dispatchCtx:    ctx,
		dispatchCancel: cancel,
		transcript:     NewTranscript(),
	}
}

// Start runs the call setup sequence: request a credential, negotiate media,
// then go Connected. Any failure aborts the session to Ended. Only an Idle
// session may start.
func (s *Session) Start(ctx context.Context, prompt string) error {
	s.mu.Lock()
	switch s.state {
	case StateEnded:
		s.mu.Unlock()
		return ErrSessionEnded
	case StateIdle:
	default:
		s.mu.Unlock()
		return ErrSessionActive
	}
	s.state = StateRequesting
	s.mu.Unlock()
	log.Printf("[%s] requesting credential", s.ID)

	cred, err := s.creds.RequestCredential(ctx, prompt)
	if err != nil {
		s.abort()
		return fmt.Errorf("session: credential: %w", err)
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	s.state = StateNegotiating
	s.mu.Unlock()
	log.Printf("[%s] negotiating media", s.ID)

	conn, err := s.negotiate(ctx, cred, s.ID, s.handleEvent)
	if err != nil {
		s.abort()
		return fmt.Errorf("session: negotiate: %w", err)
	}

	s.mu.Lock()
	if s.state == StateEnded {
		// End won the race during negotiation; release the fresh transport.
		s.mu.Unlock()
		_ = conn.Close()
		return ErrSessionEnded
	}
	s.state = StateConnected
	s.conn = conn
	s.readyTimer = time.AfterFunc(s.readyDelay, s.markReady)
	s.tickStop = make(chan struct{})
	go s.countElapsed(s.tickStop)
	s.mu.Unlock()
	log.Printf("[%s] connected", s.ID)
	return nil
}

func (s *Session) abort() {
	s.mu.Lock()
	if s.state != StateEnded {
		s.state = StateEnded
		log.Printf("[%s] aborted", s.ID)
	}
	s.mu.Unlock()
	s.dispatchCancel()
}

// markReady flips the session ready after the post-connect grace period when
// the remote endpoint never announced itself.
func (s *Session) markReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnected && !s.ready {
		s.ready = true
		log.Printf("[%s] ready (timer)", s.ID)
	}
}

func (s *Session) countElapsed(stop <-chan struct{}) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			atomic.AddInt64(&s.elapsedSec, 1)
		case <-stop:
			return
		}
	}
}

// End tears the session down. Idempotent; safe to call from any state and
// concurrently with Start.
func (s *Session) End() error {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return nil
	}
	s.state = StateEnded
	conn := s.conn
	s.conn = nil
	if s.readyTimer != nil {
		s.readyTimer.Stop()
	}
	if s.tickStop != nil {
		close(s.tickStop)
		s.tickStop = nil
	}
	s.mu.Unlock()

	s.dispatchCancel()
	if conn != nil {
		_ = conn.Close()
	}
	log.Printf("[%s] ended after %ds", s.ID, atomic.LoadInt64(&s.elapsedSec))
	return nil
}

// ToggleMute flips local capture and returns the new muted state. Only a
// connected, ready session may toggle.
func (s *Session) ToggleMute() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return false, ErrSessionEnded
	}
	if s.state != StateConnected || !s.ready {
		return false, ErrNotReady
	}
	s.muted = !s.muted
	s.conn.SetMuted(s.muted)
	log.Printf("[%s] muted=%v", s.ID, s.muted)
	return s.muted, nil
}

// State reports the current lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the session accepts voice interaction.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Muted reports whether local capture is muted.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// Elapsed reports how long the session has been connected.
func (s *Session) Elapsed() time.Duration {
	return time.Duration(atomic.LoadInt64(&s.elapsedSec)) * time.Second
}

// Transcript exposes the session's append-only transcript.
func (s *Session) Transcript() *Transcript { return s.transcript }

// resultSink routes streamed function-call chunks into the transcript.
type resultSink struct{ t *Transcript }

func (r resultSink) AppendFunctionResult(text string) {
	r.t.Append(text, SourceFunctionResult)
}

// handleEvent consumes decoded remote events in arrival order. Events that
// arrive after End are discarded.
func (s *Session) handleEvent(ev events.Event) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}

	switch e := ev.(type) {
	case events.SessionCreated:
		if !s.ready {
			s.ready = true
			if s.readyTimer != nil {
				s.readyTimer.Stop()
			}
			log.Printf("[%s] ready (session.created)", s.ID)
		}
		s.mu.Unlock()

	case events.TranscriptDelta:
		// Append before releasing the lock so an End racing in cannot
		// observe a chunk landing after the session went terminal.
		s.transcript.Append(e.Delta, SourceRemoteAudio)
		s.mu.Unlock()

	case events.TranscriptDone:
		// The full text is already in the buffer delta by delta.
		s.transcript.MarkTurn()
		s.mu.Unlock()

	case events.InputTranscription:
		s.transcript.AppendCaption(e.Transcript)
		s.mu.Unlock()

	case events.RemoteError:
		s.transcript.Append(e.Message, SourceError)
		s.mu.Unlock()
		log.Printf("[%s] remote error: %s", s.ID, e.Message)

	case events.FunctionCallDone:
		conn := s.conn
		dsp := s.dispatcher
		ctx := s.dispatchCtx
		s.mu.Unlock()
		if dsp == nil || conn == nil {
			log.Printf("[%s] dropping function call %s: no dispatcher", s.ID, e.Name)
			return
		}
		go func() {
			if err := dsp.Dispatch(ctx, e.Name, e.Arguments, e.CallID, resultSink{s.transcript}, conn); err != nil {
				log.Printf("[%s] function call %s failed: %v", s.ID, e.Name, err)
			}
		}()

	default:
		s.mu.Unlock()
	}
}
