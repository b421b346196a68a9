package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/careops/voicedesk/internal/events"
)

// ErrUnknownFunction marks a function-call name outside the supported set.
// The caller logs it and drops the call; no error event goes back over the
// channel.
var ErrUnknownFunction = errors.New("dispatch: unknown function name")

// Channel sends encoded events back over the realtime event channel.
type Channel interface {
	SendEvent(payload []byte) error
}

// Sink receives streamed partial results as they arrive from the search
// endpoint, for transcript display.
type Sink interface {
	AppendFunctionResult(text string)
}

// Dispatcher routes function-call events from the voice data channel to the
// external search endpoints and returns their results to the remote endpoint.
// The supported name set is fixed and closed.
type Dispatcher struct {
	HTTPClient        *http.Client
	WebSearchURL      string
	DocumentSearchURL string
}

func New(webSearchURL, documentSearchURL string) *Dispatcher {
	return &Dispatcher{
		HTTPClient:        &http.Client{Timeout: 60 * time.Second},
		WebSearchURL:      webSearchURL,
		DocumentSearchURL: documentSearchURL,
	}
}

type searchRequest struct {
	Query string `json:"query"`
}

type searchFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Content string `json:"content,omitempty"`
}

type functionArguments struct {
	Query string `json:"query"`
}

// Dispatch runs one function call end to end: it streams partial results into
// the sink, then sends a function_call_output event referencing the same
// callID followed by a response.create event so the remote endpoint resumes
// generating. Exactly one outstanding call per callID is the caller's
// responsibility.
func (d *Dispatcher) Dispatch(ctx context.Context, name, argumentsJSON, callID string, sink Sink, ch Channel) error {
	var endpoint string
	switch name {
	case "web_search":
		endpoint = d.WebSearchURL
	case "document_search":
		endpoint = d.DocumentSearchURL
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}

	var args functionArguments
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return fmt.Errorf("dispatch: bad arguments for %s: %w", name, err)
	}

	full, err := d.streamSearch(ctx, endpoint, args.Query, sink)
	if err != nil {
		return fmt.Errorf("dispatch: %s failed: %w", name, err)
	}

	out, err := events.FunctionCallOutput(callID, full)
	if err != nil {
		return fmt.Errorf("dispatch: encode result: %w", err)
	}
	if err := ch.SendEvent(out); err != nil {
		return fmt.Errorf("dispatch: send result: %w", err)
	}
	resume, err := events.ResponseCreate()
	if err != nil {
		return fmt.Errorf("dispatch: encode resume: %w", err)
	}
	if err := ch.SendEvent(resume); err != nil {
		return fmt.Errorf("dispatch: send resume: %w", err)
	}
	return nil
}

// streamSearch consumes the data:-framed search response, forwarding content
// chunks to the sink as they arrive and returning the full concatenation.
func (d *Dispatcher) streamSearch(ctx context.Context, endpoint, query string, sink Sink) (string, error) {
	body, _ := json.Marshal(searchRequest{Query: query})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("search endpoint: status=%d body=%s", resp.StatusCode, string(b))
	}

	var full strings.Builder
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var f searchFrame
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f); err != nil {
			continue
		}
		switch f.Type {
		case "content":
			if f.Content != "" {
				full.WriteString(f.Content)
				if sink != nil {
					sink.AppendFunctionResult(f.Content)
				}
			}
		case "complete":
			return full.String(), nil
		case "status":
			// progress only, nothing to surface
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return full.String(), nil
}
