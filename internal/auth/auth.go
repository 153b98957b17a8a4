// Package auth resolves the credentials used to open live sessions.
//
// Credentials come from the process environment, optionally seeded from a
// .env file, and may be overridden by an explicit API key from the YAML
// configuration. Two schemes are supported: a plain API key passed as the
// "key" query parameter, and an OAuth access token sent as a bearer header.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Type is the authentication scheme.
type Type string

const (
	TypeAPIKey Type = "apikey"
	TypeOAuth  Type = "oauth"
)

// ErrInvalidType is returned by [Load] when GEMINI_AUTH_TYPE names an
// unsupported scheme.
var ErrInvalidType = errors.New("auth: invalid auth type")

// Credentials is the read side of the credential store. Sessions only ever
// read the key string and the headers; they never mutate credentials.
type Credentials interface {
	// IsAuthenticated reports whether the active scheme has its secret.
	IsAuthenticated() bool

	// APIKey returns the API key, or "" when the OAuth scheme is active.
	APIKey() string

	// AuthHeaders returns the headers to attach to the WebSocket handshake.
	AuthHeaders() http.Header

	// Model returns the model remembered alongside the credentials, if any.
	Model() string

	// RequestURL returns the generateContent endpoint for model, carrying
	// the key query parameter under the API key scheme. An empty model
	// selects [Manager.ModelPath].
	RequestURL(model string) string
}

// RESTBaseURL is the root of the request/response API.
const RESTBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Fallback text models per scheme.
const (
	DefaultAPIKeyModel = "gemma-3-27b-it"
	DefaultOAuthModel  = "gemini-2.0-flash-exp"
)

// env mirrors the environment variables read by [Load].
type env struct {
	AuthType    string `env:"GEMINI_AUTH_TYPE, default=apikey"`
	APIKey      string `env:"GEMINI_API_KEY"`
	AccessToken string `env:"GEMINI_ACCESS_TOKEN"`
	Model       string `env:"GEMINI_MODEL"`
}

// Manager holds the resolved credentials. It implements [Credentials] and is
// safe for concurrent use.
type Manager struct {
	mu          sync.RWMutex
	typ         Type
	apiKey      string
	accessToken string
	model       string
}

var _ Credentials = (*Manager)(nil)

// Option configures [Load].
type Option func(*loadOptions)

type loadOptions struct {
	dotenv   []string
	lookuper envconfig.Lookuper
	apiKey   string
}

// WithDotEnv seeds the lookup with the given .env files. Files that do not
// exist are skipped. Variables already present in the environment win.
func WithDotEnv(paths ...string) Option {
	return func(o *loadOptions) { o.dotenv = append(o.dotenv, paths...) }
}

// WithLookuper replaces the process environment as the variable source.
func WithLookuper(l envconfig.Lookuper) Option {
	return func(o *loadOptions) { o.lookuper = l }
}

// WithAPIKey forces the API key scheme with key. An empty key is ignored.
func WithAPIKey(key string) Option {
	return func(o *loadOptions) { o.apiKey = key }
}

// Load resolves credentials from the environment.
func Load(ctx context.Context, opts ...Option) (*Manager, error) {
	o := loadOptions{lookuper: envconfig.OsLookuper()}
	for _, opt := range opts {
		opt(&o)
	}

	lookuper := o.lookuper
	for _, path := range o.dotenv {
		vars, err := godotenv.Read(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("auth: read %q: %w", path, err)
		}
		lookuper = envconfig.MultiLookuper(lookuper, envconfig.MapLookuper(vars))
	}

	var e env
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &e, Lookuper: lookuper}); err != nil {
		return nil, fmt.Errorf("auth: process env: %w", err)
	}

	typ := Type(strings.ToLower(strings.TrimSpace(e.AuthType)))
	if typ != TypeAPIKey && typ != TypeOAuth {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, e.AuthType)
	}

	m := &Manager{
		typ:         typ,
		apiKey:      strings.TrimSpace(e.APIKey),
		accessToken: strings.TrimSpace(e.AccessToken),
		model:       strings.TrimSpace(e.Model),
	}
	if o.apiKey != "" {
		m.SetAPIKey(o.apiKey)
	}
	return m, nil
}

// Type returns the active scheme.
func (m *Manager) Type() Type {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.typ
}

// IsAuthenticated implements [Credentials].
func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.typ {
	case TypeOAuth:
		return m.accessToken != ""
	case TypeAPIKey:
		return m.apiKey != ""
	}
	return false
}

// APIKey implements [Credentials].
func (m *Manager) APIKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.typ != TypeAPIKey {
		return ""
	}
	return m.apiKey
}

// AuthHeaders implements [Credentials]. The API key scheme carries its secret
// in the URL, so it returns an empty header set.
func (m *Manager) AuthHeaders() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := make(http.Header)
	if m.typ == TypeOAuth && m.accessToken != "" {
		h.Set("Authorization", "Bearer "+m.accessToken)
	}
	return h
}

// Model implements [Credentials].
func (m *Manager) Model() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.model
}

// ModelPath returns the text model for the active scheme: the remembered
// model or [DefaultAPIKeyModel] for API keys, [DefaultOAuthModel] for OAuth.
func (m *Manager) ModelPath() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.modelPathLocked()
}

func (m *Manager) modelPathLocked() string {
	if m.typ == TypeOAuth {
		return DefaultOAuthModel
	}
	if m.model != "" {
		return m.model
	}
	return DefaultAPIKeyModel
}

// RequestURL implements [Credentials].
func (m *Manager) RequestURL(model string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if model == "" {
		model = m.modelPathLocked()
	}
	u := RESTBaseURL + "/models/" + strings.TrimPrefix(model, "models/") + ":generateContent"
	if m.typ == TypeOAuth {
		return u
	}
	return u + "?key=" + url.QueryEscape(m.apiKey)
}

// SetAPIKey switches to the API key scheme with key.
func (m *Manager) SetAPIKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typ = TypeAPIKey
	m.apiKey = strings.TrimSpace(key)
	m.accessToken = ""
}

// SetAccessToken switches to the OAuth scheme with token.
func (m *Manager) SetAccessToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typ = TypeOAuth
	m.accessToken = strings.TrimSpace(token)
	m.apiKey = ""
}

// Clear drops every secret and the remembered model.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKey = ""
	m.accessToken = ""
	m.model = ""
}

// IsAuthenticated reports whether creds is non-nil and authenticated.
func IsAuthenticated(creds Credentials) bool {
	return creds != nil && creds.IsAuthenticated()
}
