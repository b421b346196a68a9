package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire tags for inbound realtime events consumed by this layer. Anything else
// is dropped at the channel boundary.
const (
	tagSessionCreated     = "session.created"
	tagTranscriptDelta    = "response.audio_transcript.delta"
	tagTranscriptDone     = "response.audio_transcript.done"
	tagFunctionCallDone   = "response.function_call_arguments.done"
	tagInputTranscription = "conversation.item.input_audio_transcription.completed"
	tagError              = "error"
)

var (
	// ErrMalformed signals a frame that is not a JSON object with a type field.
	ErrMalformed = errors.New("events: malformed frame")
	// ErrUnknownType signals a well-formed frame whose type this layer does not consume.
	ErrUnknownType = errors.New("events: unknown event type")
)

// Event is one decoded realtime event. Exactly one concrete variant exists per
// consumed wire tag; callers switch on the concrete type.
type Event interface{ isEvent() }

// SessionCreated confirms the remote endpoint is ready to accept audio.
type SessionCreated struct{}

// TranscriptDelta carries one incremental fragment of the assistant's audio transcript.
type TranscriptDelta struct {
	Delta string
}

// TranscriptDone marks the end of one assistant transcript turn.
type TranscriptDone struct {
	Transcript string
}

// InputTranscription carries the finalized transcription of the caller's own audio.
type InputTranscription struct {
	Transcript string
}

// FunctionCallDone signals that the remote endpoint finished emitting arguments
// for a function call and expects a result event referencing the same CallID.
type FunctionCallDone struct {
	Name      string
	Arguments string
	CallID    string
}

// RemoteError is an error event reported by the remote endpoint.
type RemoteError struct {
	Message string
}

func (SessionCreated) isEvent()     {}
func (TranscriptDelta) isEvent()    {}
func (TranscriptDone) isEvent()     {}
func (InputTranscription) isEvent() {}
func (FunctionCallDone) isEvent()   {}
func (RemoteError) isEvent()        {}

type envelope struct {
	Type string `json:"type"`
}

type deltaFrame struct {
	Delta string `json:"delta"`
}

type transcriptFrame struct {
	Transcript string `json:"transcript"`
}

type functionCallFrame struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	CallID    string `json:"call_id"`
}

type errorFrame struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Decode parses one event-channel frame into its typed variant.
// Malformed JSON yields ErrMalformed; a tag outside the consumed set yields
// ErrUnknownType. Both are intended to be dropped by the caller, not surfaced.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, ErrMalformed
	}
	switch env.Type {
	case tagSessionCreated:
		return SessionCreated{}, nil
	case tagTranscriptDelta:
		var f deltaFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return TranscriptDelta{Delta: f.Delta}, nil
	case tagTranscriptDone:
		var f transcriptFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return TranscriptDone{Transcript: f.Transcript}, nil
	case tagInputTranscription:
		var f transcriptFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return InputTranscription{Transcript: f.Transcript}, nil
	case tagFunctionCallDone:
		var f functionCallFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return FunctionCallDone{Name: f.Name, Arguments: f.Arguments, CallID: f.CallID}, nil
	case tagError:
		var f errorFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return RemoteError{Message: f.Error.Message}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// FunctionCallOutput encodes the conversation.item.create event that returns a
// function result to the remote endpoint under the originating call id.
func FunctionCallOutput(callID, output string) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
}

// ResponseCreate encodes the event asking the remote endpoint to resume generation.
func ResponseCreate() ([]byte, error) {
	return json.Marshal(map[string]string{"type": "response.create"})
}
