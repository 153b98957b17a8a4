package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livebridge/internal/auth"
	"github.com/MrWong99/livebridge/internal/config"
	"github.com/MrWong99/livebridge/internal/observe"
	"github.com/MrWong99/livebridge/internal/resilience"
	"github.com/MrWong99/livebridge/internal/session"
	"github.com/MrWong99/livebridge/pkg/audio"
	"github.com/MrWong99/livebridge/pkg/provider/s2s"
	"github.com/MrWong99/livebridge/pkg/provider/s2s/gemini"
)

// Kind names a session preset.
type Kind string

const (
	// KindMedia transcribes an already playing media stream.
	KindMedia Kind = "media"

	// KindTalk holds a spoken conversation through the microphone and
	// speaker.
	KindTalk Kind = "talk"
)

// ErrUnknownKind is returned for a kind without a [Preset].
var ErrUnknownKind = errors.New("app: unknown session kind")

// Preset describes how a session kind is assembled.
type Preset struct {
	// Source and Sink are registry names. An empty Sink means the session
	// has no playback.
	Source string
	Sink   string

	Modalities []s2s.Modality

	// Voice is the default prebuilt voice; config.Live.Voice overrides it.
	// Empty means no speech config is sent.
	Voice string

	// Speaker labels transcript events.
	Speaker string
}

// Presets lists the built-in session kinds.
var Presets = map[Kind]Preset{
	KindMedia: {
		Source:     "media",
		Modalities: []s2s.Modality{s2s.ModalityText},
		Speaker:    "Transcript",
	},
	KindTalk: {
		Source:     "microphone",
		Sink:       "speaker",
		Modalities: []s2s.Modality{s2s.ModalityAudio},
		Voice:      "Aoede",
		Speaker:    "Gemini",
	},
}

// SelectModel picks the model for a session: an explicitly configured model
// wins, then a remembered credential model if it is an audio model, then
// [gemini.DefaultModel].
func SelectModel(configured, remembered string) string {
	if configured != "" {
		return configured
	}
	if strings.Contains(remembered, "audio") {
		return remembered
	}
	return gemini.DefaultModel
}

// SessionInfo describes an active session.
type SessionInfo struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	State         string    `json:"state"`
	Model         string    `json:"model"`
	StartedAt     time.Time `json:"started_at"`
	SetupAcked    bool      `json:"setup_acknowledged"`
	FramesSent    int64     `json:"frames_sent"`
	FramesDropped int64     `json:"frames_dropped"`
}

type managed struct {
	sess      *session.Session
	model     string
	startedAt time.Time
}

func (m *managed) info() SessionInfo {
	return SessionInfo{
		ID:            m.sess.ID(),
		Kind:          Kind(m.sess.Kind()),
		State:         m.sess.State().String(),
		Model:         m.model,
		StartedAt:     m.startedAt,
		SetupAcked:    m.sess.SetupAcknowledged(),
		FramesSent:    m.sess.FramesSent(),
		FramesDropped: m.sess.FramesDropped(),
	}
}

// SessionManager runs at most one session per [Kind]. All exported methods
// are safe for concurrent use.
type SessionManager struct {
	mu     sync.Mutex
	active map[Kind]*managed

	cfg     *config.Config
	reg     *config.Registry
	creds   auth.Credentials
	hub     *Hub
	metrics *observe.Metrics

	// breaker outlives sessions so consecutive failed connects are counted
	// across start attempts.
	breaker *resilience.Breaker
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config      *config.Config
	Registry    *config.Registry
	Credentials auth.Credentials
	Hub         *Hub
	Metrics     *observe.Metrics
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub(0)
	}
	return &SessionManager{
		active:  make(map[Kind]*managed),
		cfg:     cfg.Config,
		reg:     cfg.Registry,
		creds:   cfg.Credentials,
		hub:     hub,
		metrics: cfg.Metrics,
		breaker: resilience.NewBreaker(resilience.Config{
			Name:        "live-connect",
			MaxFailures: cfg.Config.Live.MaxConnectFailures,
			Cooldown:    cfg.Config.Live.ConnectCooldown,
		}),
	}
}

// Start starts a session of the given kind. Starting a kind that is already
// active or still connecting reports its info and no error. On failure the
// returned error is a [*session.StartError] or wraps [ErrUnknownKind].
//
// The kind is reserved before the connect begins and sm.mu is released for
// the connect itself, so other kinds, [SessionManager.List] and a
// [SessionManager.Stop] of the connecting kind never wait on the network.
func (sm *SessionManager) Start(ctx context.Context, kind Kind) (SessionInfo, error) {
	preset, ok := Presets[kind]
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	sm.mu.Lock()
	m, fresh, err := sm.prepare(ctx, kind, preset)
	sm.mu.Unlock()
	if err != nil {
		return SessionInfo{}, err
	}
	if !fresh {
		slog.Info("session already active", "kind", kind, "session_id", m.sess.ID())
		return m.info(), nil
	}

	if err := m.sess.Start(ctx); err != nil {
		sm.mu.Lock()
		if sm.active[kind] == m {
			delete(sm.active, kind)
		}
		sm.mu.Unlock()
		if errors.Is(err, session.ErrNotIdle) {
			// Stopped between reservation and connect.
			return SessionInfo{}, &session.StartError{Reason: session.ReasonStopped, Err: session.ErrStopped}
		}
		return SessionInfo{}, err
	}
	sm.hub.Publish(Event{Type: EventSessionStart, Kind: kind, SessionID: m.sess.ID()})
	return m.info(), nil
}

// prepare returns the live session of kind, or builds an IDLE one, reserves
// kind for it and reports fresh. Callers hold sm.mu.
func (sm *SessionManager) prepare(ctx context.Context, kind Kind, preset Preset) (m *managed, fresh bool, err error) {
	if cur := sm.live(kind); cur != nil {
		return cur, false, nil
	}

	if !auth.IsAuthenticated(sm.creds) {
		return nil, false, sm.startFailure(ctx, session.ReasonMissingCredentials, session.ErrMissingCredentials)
	}

	live := sm.cfg.Live
	live.APIKey = sm.creds.APIKey()
	dialer, err := sm.reg.CreateLive(live)
	if err != nil {
		return nil, false, sm.startFailure(ctx, session.ReasonConnectFailure, err)
	}

	src, err := sm.reg.CreateSource(preset.Source, sm.cfg.Capture)
	if err != nil {
		reason := session.ReasonCaptureFailure
		if errors.Is(err, audio.ErrNoAudioSource) {
			reason = session.ReasonNoAudioSource
		}
		return nil, false, sm.startFailure(ctx, reason, err)
	}

	var sink audio.Sink
	if preset.Sink != "" {
		if sink, err = sm.reg.CreateSink(preset.Sink, sm.cfg.Playback); err != nil {
			slog.Warn("playback unavailable, continuing without audio output", "kind", kind, "err", err)
			sink = nil
		}
	}

	voice := preset.Voice
	if voice != "" && sm.cfg.Live.Voice != "" {
		voice = sm.cfg.Live.Voice
	}
	model := SelectModel(sm.cfg.Live.Model, sm.creds.Model())

	var id string
	sess := session.New(session.Config{
		Kind:   string(kind),
		Dialer: resilience.GuardDialer(dialer, sm.breaker),
		Setup: s2s.SessionConfig{
			Model:      model,
			Modalities: preset.Modalities,
			Voice:      voice,
		},
		Source:            src,
		Sink:              sink,
		Credentials:       sm.creds,
		FrameSize:         sm.cfg.Capture.FrameSize,
		QueueSize:         sm.cfg.Capture.QueueSize,
		KeepaliveInterval: sm.cfg.Live.KeepaliveInterval,
		EndGrace:          sm.cfg.Capture.Media.EndGrace,
		Metrics:           sm.metrics,
		Callbacks: session.Callbacks{
			OnText: func(text string) {
				sm.hub.Publish(Event{Type: EventTranscript, Kind: kind, SessionID: id, Speaker: preset.Speaker, Text: text})
			},
			OnTurnComplete: func() {
				sm.hub.Publish(Event{Type: EventTurnComplete, Kind: kind, SessionID: id, Speaker: preset.Speaker, Final: true})
			},
			OnError: func(msg string) {
				sm.hub.Publish(Event{Type: EventServerError, Kind: kind, SessionID: id, Text: msg})
			},
			OnClose: func(cause error) {
				sm.hub.Publish(Event{Type: EventSessionClose, Kind: kind, SessionID: id, Cause: session.CauseName(cause)})
			},
		},
	})
	id = sess.ID()

	m = &managed{sess: sess, model: model, startedAt: time.Now().UTC()}
	sm.active[kind] = m
	return m, true, nil
}

// startFailure records a failure that happened before a session existed.
func (sm *SessionManager) startFailure(ctx context.Context, reason session.Reason, err error) error {
	if sm.metrics != nil {
		sm.metrics.RecordStartFailure(ctx, string(reason))
	}
	slog.Warn("session start failed", "reason", reason, "err", err)
	return &session.StartError{Reason: reason, Err: err}
}

// live returns the managed session for kind if it has not closed. Closed
// sessions are forgotten lazily. Callers hold sm.mu.
func (sm *SessionManager) live(kind Kind) *managed {
	m, ok := sm.active[kind]
	if !ok {
		return nil
	}
	select {
	case <-m.sess.Done():
		delete(sm.active, kind)
		return nil
	default:
		return m
	}
}

// Stop stops the session of the given kind. It reports whether a session was
// running. Stopping an inactive kind is not an error.
func (sm *SessionManager) Stop(kind Kind) (bool, error) {
	if _, ok := Presets[kind]; !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	sm.mu.Lock()
	m := sm.live(kind)
	delete(sm.active, kind)
	sm.mu.Unlock()

	if m == nil {
		return false, nil
	}
	m.sess.Stop()
	return true, nil
}

// Session returns the active session of the given kind.
func (sm *SessionManager) Session(kind Kind) (*session.Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	m := sm.live(kind)
	if m == nil {
		return nil, false
	}
	return m.sess, true
}

// List returns the active sessions sorted by kind.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	infos := make([]SessionInfo, 0, len(sm.active))
	for kind := range sm.active {
		if m := sm.live(kind); m != nil {
			infos = append(infos, m.info())
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Kind < infos[j].Kind })
	return infos
}

// Shutdown stops every active session concurrently and waits for them to
// close or for ctx to expire.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	sessions := make([]*session.Session, 0, len(sm.active))
	for kind, m := range sm.active {
		sessions = append(sessions, m.sess)
		delete(sm.active, kind)
	}
	sm.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			s.Stop()
			select {
			case <-s.Done():
				return nil
			case <-ctx.Done():
				return fmt.Errorf("app: session %s: %w", s.ID(), ctx.Err())
			}
		})
	}
	return g.Wait()
}
