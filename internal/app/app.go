// Package app wires the live session subsystems into a running application.
//
// The App struct owns the full lifecycle: New assembles the session manager,
// event hub and HTTP surface, Run serves until the context is cancelled, and
// Shutdown tears everything down.
//
// For testing, inject doubles via functional options (WithHub, WithMetrics)
// and register mock factories in the [config.Registry] passed to New.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livebridge/internal/auth"
	"github.com/MrWong99/livebridge/internal/config"
	"github.com/MrWong99/livebridge/internal/health"
	"github.com/MrWong99/livebridge/internal/observe"
)

const readHeaderTimeout = 10 * time.Second

// App owns the session manager, event hub and HTTP server.
type App struct {
	cfg   *config.Config
	creds *auth.Manager

	hub        *Hub
	sessions   *SessionManager
	metrics    *observe.Metrics
	transcript *Transcript
	chat       *ChatClient
	chatOpts   []ChatOption

	// metricsHandler is mounted on /metrics when set.
	metricsHandler http.Handler

	srv *http.Server

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithHub injects the event hub instead of creating one.
func WithHub(h *Hub) Option {
	return func(a *App) { a.hub = h }
}

// WithMetrics sets the instruments sessions and HTTP requests record to.
// Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithChatOptions configures the client behind POST /api/chat.
func WithChatOptions(opts ...ChatOption) Option {
	return func(a *App) { a.chatOpts = append(a.chatOpts, opts...) }
}

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. reg must carry factories for the sources, sinks and
// live provider named by [Presets] and cfg.Live.Provider.
func New(cfg *config.Config, reg *config.Registry, creds *auth.Manager, opts ...Option) (*App, error) {
	if cfg == nil || reg == nil || creds == nil {
		return nil, errors.New("app: config, registry and credentials are required")
	}
	a := &App{cfg: cfg, creds: creds}
	for _, o := range opts {
		o(a)
	}
	if a.hub == nil {
		a.hub = NewHub(0)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.transcript = NewTranscript(0)
	a.hub.Observe(a.transcript.Record)
	a.chat = NewChatClient(creds, a.chatOpts...)

	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:      cfg,
		Registry:    reg,
		Credentials: creds,
		Hub:         a.hub,
		Metrics:     a.metrics,
	})
	a.srv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a, nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Hub returns the event hub.
func (a *App) Hub() *Hub { return a.hub }

// Transcript returns the transcript recorded from the event hub.
func (a *App) Transcript() *Transcript { return a.transcript }

// Handler builds the HTTP handler behind the instrumentation middleware. It
// serves the session, chat and transcript API, the event stream, health
// checks and the optional metrics endpoint.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	NewAPI(a.sessions, a.hub, a.chat, a.transcript).Register(mux)
	health.New(health.Credentials(a.creds)).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return observe.Middleware(a.metrics)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled, then returns ctx.Err(). A listener
// failure is returned immediately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			slog.Info("serving https", "addr", a.srv.Addr)
			err = a.srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("serving http", "addr", a.srv.Addr)
			err = a.srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops every session, ends the event streams and drains the HTTP
// server. It respects the context deadline. Calling it again is a no-op.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", len(a.sessions.List()))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := a.sessions.Shutdown(gctx); err != nil {
				return fmt.Errorf("app: sessions: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			// Event streams are long-lived; end them so the server can drain.
			a.hub.Close()
			if err := a.srv.Shutdown(gctx); err != nil {
				return fmt.Errorf("app: http: %w", err)
			}
			return nil
		})
		err = g.Wait()
	})
	return err
}
