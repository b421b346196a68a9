package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Credential is a short-lived session secret. It is consumed immediately by
// media negotiation and never persisted; expiry is handled upstream.
type Credential struct {
	Value     string
	IssuedFor string
}

// Error reports a failed credential request. Status is zero when the failure
// happened before an HTTP response was received.
type Error struct {
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("credential request failed: status=%d", e.Status)
	}
	return fmt.Sprintf("credential request failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Broker obtains session credentials from the external token service.
// No retry: a failure aborts the call attempt and the caller decides what next.
type Broker struct {
	HTTPClient *http.Client
	TokenURL   string
}

func NewBroker(tokenURL string) *Broker {
	return &Broker{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		TokenURL:   tokenURL,
	}
}

type tokenRequest struct {
	Prompt string `json:"prompt"`
}

type tokenResponse struct {
	ClientSecret struct {
		Value string `json:"value"`
	} `json:"client_secret"`
}

// RequestCredential exchanges a behavior prompt for a short-lived credential.
func (b *Broker) RequestCredential(ctx context.Context, prompt string) (Credential, error) {
	if strings.TrimSpace(prompt) == "" {
		return Credential{}, errors.New("credential: prompt must not be empty")
	}

	body, _ := json.Marshal(tokenRequest{Prompt: prompt})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.TokenURL, bytes.NewReader(body))
	if err != nil {
		return Credential{}, &Error{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return Credential{}, &Error{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return Credential{}, &Error{Status: resp.StatusCode, Err: fmt.Errorf("token endpoint: %s", strings.TrimSpace(string(b)))}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Credential{}, &Error{Err: err}
	}
	if tr.ClientSecret.Value == "" {
		return Credential{}, &Error{Err: errors.New("token endpoint: empty client secret")}
	}
	return Credential{Value: tr.ClientSecret.Value, IssuedFor: prompt}, nil
}
