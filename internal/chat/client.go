package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FallbackApology finalizes a chat turn when both the streaming and the
// non-streaming request fail. A failed turn still yields a readable message.
const FallbackApology = "Sorry - I couldn't generate a response just now. Please try again."

// Message is one chat turn. Content grows in place while a stream is in
// flight and is immutable once the message has been finalized.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	AgentTag  string    `json:"agent_tag,omitempty"`
}

// Client talks to the chat-completion endpoint. Streaming is the primary
// path; a single non-streaming fallback covers mid-stream read failures.
type Client struct {
	HTTPClient *http.Client
	Endpoint   string
}

// NewClient builds a chat client. The HTTP client carries no global timeout
// because streamed responses are open-ended; callers bound requests via ctx.
func NewClient(endpoint string) *Client {
	return &Client{
		HTTPClient: &http.Client{},
		Endpoint:   endpoint,
	}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

type streamFrame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type completionResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
}

// Stream sends one chat turn. Content deltas arrive on the first channel in
// arrival order; the second channel yields exactly one finalized Message after
// the delta channel closes. The sequence is finite and not restartable.
// Abandoning the channels does not abort the underlying request.
func (c *Client) Stream(ctx context.Context, history []Message, text string) (<-chan string, <-chan Message) {
	deltas := make(chan string, 16)
	final := make(chan Message, 1)
	msg := Message{ID: uuid.NewString(), Role: RoleAssistant, Timestamp: time.Now()}

	go func() {
		defer close(final)
		content := c.run(ctx, history, text, deltas)
		close(deltas)
		msg.Content = content
		final <- msg
	}()
	return deltas, final
}

func (c *Client) run(ctx context.Context, history []Message, text string, deltas chan<- string) string {
	wire := make([]wireMessage, 0, len(history)+1)
	for _, m := range history {
		wire = append(wire, wireMessage{Role: m.Role, Content: m.Content})
	}
	wire = append(wire, wireMessage{Role: RoleUser, Content: text})

	var b strings.Builder
	emit := func(d string) bool {
		b.WriteString(d)
		select {
		case deltas <- d:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if err := c.streamOnce(ctx, wire, emit); err == nil {
		return b.String()
	} else if ctx.Err() != nil {
		// Caller went away; no point in a fallback that would fail the same way.
		return b.String()
	} else {
		log.Printf("chat stream failed, falling back to non-streaming: %v", err)
	}

	content, err := c.complete(ctx, wire)
	if err != nil {
		log.Printf("chat fallback failed: %v", err)
		emit(FallbackApology)
		return b.String()
	}
	// Deltas already applied stay in place; the fallback content follows them.
	emit(content)
	return b.String()
}

// streamOnce reads the data:-framed response, emitting each delta in arrival
// order. Frames that do not match the expected shape are skipped, not fatal.
func (c *Client) streamOnce(ctx context.Context, wire []wireMessage, emit func(string) bool) error {
	body, _ := json.Marshal(chatRequest{Messages: wire, Stream: true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chat endpoint: status=%d body=%s", resp.StatusCode, string(b))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			return nil
		}
		var f streamFrame
		if err := json.Unmarshal([]byte(payload), &f); err != nil {
			continue
		}
		if len(f.Choices) == 0 {
			continue
		}
		if d := f.Choices[0].Delta.Content; d != "" {
			if !emit(d) {
				return nil
			}
		}
	}
	// An EOF without [DONE] but also without a read error counts as complete;
	// a stream with zero deltas finalizes an empty message.
	return sc.Err()
}

// complete performs the non-streaming request and returns its full content.
func (c *Client) complete(ctx context.Context, wire []wireMessage) (string, error) {
	body, _ := json.Marshal(chatRequest{Messages: wire})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("chat endpoint: status=%d body=%s", resp.StatusCode, string(b))
	}
	var cr completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", err
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("chat endpoint: empty choices")
	}
	return cr.Choices[0].Message.Content, nil
}
