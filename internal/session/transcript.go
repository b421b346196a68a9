package session

import (
	"strings"
	"sync"
	"time"
)

// Source identifies who produced a transcript chunk.
type Source string

const (
	SourceRemoteAudio    Source = "remote-audio"
	SourceFunctionResult Source = "function-result"
	SourceError          Source = "error"
)

// TranscriptChunk is one appended fragment. Chunks are never mutated; the
// transcript is their concatenation in arrival order.
type TranscriptChunk struct {
	Text   string    `json:"text"`
	Source Source    `json:"source"`
	At     time.Time `json:"at"`
}

// Transcript is the append-only chunk buffer for one call. All writers
// (remote events, function results, timers) go through the lock; ordering is
// arrival order at Append.
type Transcript struct {
	mu       sync.Mutex
	chunks   []TranscriptChunk
	captions []string
	turns    int
}

func NewTranscript() *Transcript { return &Transcript{} }

// Append records one chunk. Empty text is ignored.
func (t *Transcript) Append(text string, source Source) {
	if text == "" {
		return
	}
	t.mu.Lock()
	t.chunks = append(t.chunks, TranscriptChunk{Text: text, Source: source, At: time.Now()})
	t.mu.Unlock()
}

// AppendCaption records a finalized transcription of the caller's own audio.
// Captions are kept apart from the assistant transcript chunks.
func (t *Transcript) AppendCaption(text string) {
	if text == "" {
		return
	}
	t.mu.Lock()
	t.captions = append(t.captions, text)
	t.mu.Unlock()
}

// MarkTurn records an assistant turn boundary. The done event's full text is
// not appended; its deltas are already in the buffer.
func (t *Transcript) MarkTurn() {
	t.mu.Lock()
	t.turns++
	t.mu.Unlock()
}

// Chunks returns a copy of the appended chunks in arrival order.
func (t *Transcript) Chunks() []TranscriptChunk {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TranscriptChunk, len(t.chunks))
	copy(out, t.chunks)
	return out
}

// Captions returns a copy of the caller-side transcriptions.
func (t *Transcript) Captions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.captions))
	copy(out, t.captions)
	return out
}

// Turns reports how many assistant turns have completed.
func (t *Transcript) Turns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.turns
}

// Text returns the concatenation of all chunks in arrival order.
func (t *Transcript) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var b strings.Builder
	for _, c := range t.chunks {
		b.WriteString(c.Text)
	}
	return b.String()
}
