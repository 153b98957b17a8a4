package app

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

	"github.com/MrWong99/livebridge/internal/auth"
	"github.com/MrWong99/livebridge/internal/session"
)

const (
	defaultChatTimeout = 60 * time.Second

	// maxErrorBody bounds how much of a failed response is kept for the error.
	maxErrorBody = 4 << 10
)

var (
	// ErrEmptyMessage is returned by [ChatClient.Send] for a blank message.
	ErrEmptyMessage = errors.New("app: chat message is empty")

	// ErrNoReply is returned when the service answers without a candidate
	// text part.
	ErrNoReply = errors.New("app: chat response has no reply text")
)

// ChatClient sends single-turn text prompts to the generateContent endpoint
// of the credentials in use.
type ChatClient struct {
	creds      auth.Credentials
	model      string
	httpClient *http.Client
}

// ChatOption configures a [ChatClient].
type ChatOption func(*ChatClient)

// WithChatModel sets the model. Empty keeps the model the credentials pick.
func WithChatModel(model string) ChatOption {
	return func(c *ChatClient) { c.model = model }
}

// WithChatHTTPClient replaces the HTTP client.
func WithChatHTTPClient(hc *http.Client) ChatOption {
	return func(c *ChatClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewChatClient returns a client that authenticates with creds.
func NewChatClient(creds auth.Credentials, opts ...ChatOption) *ChatClient {
	c := &ChatClient{
		creds:      creds,
		httpClient: &http.Client{Timeout: defaultChatTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// Send posts message and returns the text of the first candidate.
func (c *ChatClient) Send(ctx context.Context, message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", ErrEmptyMessage
	}
	if !auth.IsAuthenticated(c.creds) {
		return "", session.ErrMissingCredentials
	}

	body, err := json.Marshal(generateRequest{Contents: []content{{Parts: []part{{Text: message}}}}})
	if err != nil {
		return "", fmt.Errorf("app: chat: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.creds.RequestURL(c.model), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("app: chat: build request: %w", err)
	}
	for k, v := range c.creds.AuthHeaders() {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("app: chat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("app: chat: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("app: chat: decode response: %w", err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", ErrNoReply
	}
	return out.Candidates[0].Content.Parts[0].Text, nil
}
