// Package gemini implements the s2s transport for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Outbound messages use snake_case field names; the server replies
// in camelCase. Audio is transmitted as base64-encoded PCM chunks.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/livebridge/pkg/audio"
	"github.com/MrWong99/livebridge/pkg/provider/s2s"
)

// Compile-time assertions that Provider and conn satisfy the s2s interfaces.
var _ s2s.Dialer = (*Provider)(nil)
var _ s2s.Conn = (*conn)(nil)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "gemini-2.5-flash-native-audio-dialog"

	defaultBaseURL    = "wss://generativelanguage.googleapis.com/ws"
	defaultAPIVersion = "v1alpha"

	// Inline audio replies can be large; the coder/websocket default of 32 KiB
	// is too small.
	readLimit = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used when a SessionConfig leaves Model empty.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimSuffix(url, "/") }
}

// WithAPIVersion selects the API version segment of the endpoint path.
func WithAPIVersion(v string) Option {
	return func(p *Provider) { p.apiVersion = v }
}

// WithHTTPHeader adds headers to the WebSocket handshake request, e.g. an
// Authorization bearer token.
func WithHTTPHeader(h http.Header) Option {
	return func(p *Provider) { p.header = h.Clone() }
}

// WithHTTPClient sets the client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider dials Gemini Live connections. It holds no per-connection state and
// is safe for concurrent use.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	apiVersion string
	header     http.Header
	httpClient *http.Client
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      DefaultModel,
		baseURL:    defaultBaseURL,
		apiVersion: defaultAPIVersion,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Model returns the default model of p.
func (p *Provider) Model() string { return p.model }

// URL returns the endpoint URL including the query-escaped API key.
func (p *Provider) URL() string {
	return fmt.Sprintf(
		"%s/google.ai.generativelanguage.%s.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiVersion, url.QueryEscape(p.apiKey),
	)
}

// Voices lists the prebuilt voices the service accepts.
func Voices() []string {
	return []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"}
}

// Dial opens a new WebSocket connection. No message is sent; the caller must
// follow up with SendSetup.
func (p *Provider) Dial(ctx context.Context) (s2s.Conn, error) {
	ws, _, err := websocket.Dial(ctx, p.URL(), &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: p.header,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w: %w", s2s.ErrConnect, err)
	}
	ws.SetReadLimit(readLimit)
	return &conn{ws: ws, model: p.model}, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model            string           `json:"model"`
	GenerationConfig generationConfig `json:"generation_config"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"response_modalities"`
	SpeechConfig       *speechConfig `json:"speech_config,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voice_config"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuilt_voice_config"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voice_name"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtime_input"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"media_chunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ModelPath returns model with the "models/" resource prefix, adding it only
// when missing.
func ModelPath(model string) string {
	if strings.HasPrefix(model, "models/") {
		return model
	}
	return "models/" + model
}

// buildSetup converts cfg to its wire representation.
func buildSetup(defaultModel string, cfg s2s.SessionConfig) setupMessage {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	modalities := make([]string, len(cfg.Modalities))
	for i, m := range cfg.Modalities {
		modalities[i] = string(m)
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: ModelPath(model),
			GenerationConfig: generationConfig{
				ResponseModalities: modalities,
			},
		},
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	return msg
}

// parseServerMessage converts one inbound text frame to events, in the order
// setupComplete, error, model turn parts, turnComplete. A message with none
// of the known fields yields a single EventUnknown.
func parseServerMessage(data []byte) ([]s2s.ServerEvent, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("gemini: decode message: %w: %w", s2s.ErrProtocol, err)
	}

	var events []s2s.ServerEvent
	if msg.SetupComplete != nil {
		events = append(events, s2s.ServerEvent{Kind: s2s.EventSetupComplete})
	}
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		if msg.Error.Status != "" {
			text = msg.Error.Status + ": " + text
		}
		events = append(events, s2s.ServerEvent{Kind: s2s.EventError, Text: text})
	}
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.Text != "" {
					events = append(events, s2s.ServerEvent{Kind: s2s.EventText, Text: p.Text})
				}
				if p.InlineData != nil && p.InlineData.Data != "" {
					pcm, err := audio.FromTextSafe(p.InlineData.Data)
					if err != nil {
						return nil, fmt.Errorf("gemini: decode inline data: %w: %w", s2s.ErrProtocol, err)
					}
					events = append(events, s2s.ServerEvent{Kind: s2s.EventAudio, Audio: pcm})
				}
			}
		}
		if sc.TurnComplete {
			events = append(events, s2s.ServerEvent{Kind: s2s.EventTurnComplete})
		}
	}
	if len(events) == 0 {
		events = append(events, s2s.ServerEvent{Kind: s2s.EventUnknown})
	}
	return events, nil
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws    *websocket.Conn
	model string

	mu     sync.Mutex
	closed bool
}

// SendSetup sends the BidiGenerateContent setup message.
func (c *conn) SendSetup(ctx context.Context, cfg s2s.SessionConfig) error {
	return c.writeJSON(ctx, buildSetup(c.model, cfg))
}

// SendAudio sends chunk as a single realtime_input message.
func (c *conn) SendAudio(ctx context.Context, chunk audio.Chunk) error {
	mime := chunk.MIMEType
	if mime == "" {
		mime = audio.PCMMIMEType
	}
	return c.writeJSON(ctx, realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{MIMEType: mime, Data: chunk.Text()}},
		},
	})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(ctx context.Context, v any) error {
	if c.isClosed() {
		return s2s.ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("gemini: write: %w: %w", s2s.ErrSend, err)
	}
	return nil
}

// Receive reads one message. Binary frames carry no events.
func (c *conn) Receive(ctx context.Context) ([]s2s.ServerEvent, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &s2s.CloseError{Code: int(ce.Code), Reason: ce.Reason}
		}
		if c.isClosed() {
			return nil, s2s.ErrClosed
		}
		return nil, fmt.Errorf("gemini: read: %w", err)
	}
	if typ != websocket.MessageText {
		return nil, nil
	}
	return parseServerMessage(data)
}

// Ping sends a WebSocket ping and waits for the pong or ctx.
func (c *conn) Ping(ctx context.Context) error {
	if c.isClosed() {
		return s2s.ErrClosed
	}
	if err := c.ws.Ping(ctx); err != nil {
		return fmt.Errorf("gemini: ping: %w", err)
	}
	return nil
}

// Close terminates the connection. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// The peer may already be gone; a failed close handshake is not an error
	// the caller can act on.
	_ = c.ws.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
