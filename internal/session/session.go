// Package session implements one live audio streaming session: capture is
// framed, encoded and streamed to a live service over a duplex connection
// while server events are dispatched back to text callbacks and a playback
// sink.
//
// A [Session] is single-use. [Session.Start] drives it from IDLE to ACTIVE;
// [Session.Stop], a socket error or a remote close drive it to CLOSED.
// Sessions share no state, so several can run side by side.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/livebridge/internal/auth"
	"github.com/MrWong99/livebridge/internal/observe"
	"github.com/MrWong99/livebridge/pkg/audio"
	"github.com/MrWong99/livebridge/pkg/provider/s2s"
)

const (
	defaultQueueSize         = 64
	defaultKeepaliveInterval = 20 * time.Second
	pingTimeout              = 5 * time.Second
)

// Callbacks receive dispatched server events. Every field is optional. All
// callbacks except OnClose are invoked from the session's receive goroutine,
// in arrival order, and must not block for long.
type Callbacks struct {
	// OnText receives each TEXT event.
	OnText func(text string)

	// OnTurnComplete is called when the service marks a turn complete.
	OnTurnComplete func()

	// OnError receives server-reported errors. They do not end the session.
	OnError func(message string)

	// OnClose is called exactly once when the session reaches CLOSED, with
	// the cause: [ErrStopped], a [*StartError], an [*s2s.CloseError] or a
	// socket error.
	OnClose func(cause error)
}

// Config wires a session to its collaborators.
type Config struct {
	// Kind labels logs and metrics, e.g. "media" or "talk".
	Kind string

	// Dialer opens the connection to the live service. Required.
	Dialer s2s.Dialer

	// Setup is sent as the single setup message. Model and at least one
	// modality are required.
	Setup s2s.SessionConfig

	// Source produces capture audio. Required.
	Source audio.Source

	// Sink plays AUDIO events. Nil discards them.
	Sink audio.Sink

	// Credentials, when set, must be authenticated before anything is
	// dialled.
	Credentials auth.Credentials

	// FrameSize is the number of samples per transmitted frame.
	// Default: [audio.FrameSize].
	FrameSize int

	// QueueSize bounds the frames waiting for transmission. Default: 64.
	QueueSize int

	// KeepaliveInterval is the ping period. Zero means 20s; negative
	// disables keepalive.
	KeepaliveInterval time.Duration

	// EndGrace is how long the session stays open after an [audio.Finite]
	// source ends before it closes with [ErrSourceEnded]. Negative keeps
	// it open.
	EndGrace time.Duration

	Callbacks Callbacks

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Session is one streaming session. All exported methods are safe for
// concurrent use.
type Session struct {
	id      string
	cfg     Config
	metrics *observe.Metrics
	log     *slog.Logger

	mu        sync.Mutex
	state     State
	conn      s2s.Conn
	cause     error
	startedAt time.Time
	cancel    context.CancelFunc
	abort     context.CancelFunc

	wired    atomic.Bool
	setupAck atomic.Bool
	sent     atomic.Int64
	dropped  atomic.Int64

	acc      *audio.Accumulator
	outbound chan audio.Frame
	dropOnce sync.Once

	teardownOnce sync.Once
	done         chan struct{}
}

// New returns an IDLE session.
func New(cfg Config) *Session {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	if cfg.Setup.InputSampleRate == 0 {
		cfg.Setup.InputSampleRate = audio.InputSampleRate
	}
	if cfg.Setup.OutputSampleRate == 0 {
		cfg.Setup.OutputSampleRate = audio.OutputSampleRate
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}

	s := &Session{
		id:       uuid.NewString(),
		cfg:      cfg,
		metrics:  m,
		outbound: make(chan audio.Frame, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	s.log = slog.Default().With("session_id", s.id, "kind", cfg.Kind)
	s.acc = audio.NewAccumulator(cfg.FrameSize, s.enqueue)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Kind returns the configured kind label.
func (s *Session) Kind() string { return s.cfg.Kind }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the close cause once the session is CLOSED, nil before.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		return nil
	}
	return s.cause
}

// Done is closed when the session reaches CLOSED.
func (s *Session) Done() <-chan struct{} { return s.done }

// SetupAcknowledged reports whether the service has confirmed the setup
// message.
func (s *Session) SetupAcknowledged() bool { return s.setupAck.Load() }

// FramesSent returns the number of frames transmitted successfully.
func (s *Session) FramesSent() int64 { return s.sent.Load() }

// FramesDropped returns the number of frames discarded on a full queue.
func (s *Session) FramesDropped() int64 { return s.dropped.Load() }

// Start connects, sends the setup message and starts capture. It returns
// nil once the session is ACTIVE and audio is flowing. On failure the
// session is torn down and a [*StartError] is returned; there is no retry.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: state is %s", ErrNotIdle, state)
	}
	s.state = StateConnecting
	runCtx, cancel := context.WithCancel(context.Background())
	ctx, abort := context.WithCancel(ctx)
	defer abort()
	s.cancel = cancel
	s.abort = abort
	s.mu.Unlock()

	ctx, span := observe.StartSessionSpan(ctx, "session.start", s.id, s.cfg.Kind)
	defer span.End()
	log := observe.Logger(ctx)

	fail := func(reason Reason, err error) error {
		if st := s.State(); st == StateClosing || st == StateClosed {
			// Stop landed while this step was in flight.
			reason, err = ReasonStopped, ErrStopped
		}
		se := &StartError{Reason: reason, Err: err}
		span.RecordError(se)
		span.SetStatus(codes.Error, string(reason))
		s.metrics.RecordStartFailure(ctx, string(reason))
		log.Warn("session start failed", "reason", reason, "err", err)
		s.teardown(se)
		return se
	}

	if s.cfg.Credentials != nil && !s.cfg.Credentials.IsAuthenticated() {
		return fail(ReasonMissingCredentials, ErrMissingCredentials)
	}
	if err := s.cfg.Setup.Validate(); err != nil {
		return fail(ReasonConnectFailure, err)
	}

	dialStart := time.Now()
	conn, err := s.cfg.Dialer.Dial(ctx)
	if err != nil {
		return fail(ReasonConnectFailure, err)
	}
	if !s.advance(StateConnecting, StateHandshaking, conn) {
		conn.Close()
		return fail(ReasonStopped, ErrStopped)
	}

	if err := conn.SendSetup(ctx, s.cfg.Setup); err != nil {
		return fail(ReasonConnectFailure, err)
	}
	s.metrics.ConnectDuration.Record(ctx, time.Since(dialStart).Seconds(),
		metric.WithAttributes(attribute.String("kind", s.cfg.Kind)))

	// The service does not acknowledge setup before audio is accepted, so
	// steady state is entered as soon as setup is on the wire.
	if !s.advance(StateHandshaking, StateActive, nil) {
		return fail(ReasonStopped, ErrStopped)
	}

	go s.receiveLoop(runCtx, conn)
	go s.sendLoop(runCtx, conn)
	if s.cfg.KeepaliveInterval > 0 {
		go s.keepalive(runCtx, conn)
	}

	s.wired.Store(true)
	if err := s.cfg.Source.Start(s.deliver); err != nil {
		return fail(reasonFor(err), err)
	}
	if s.State() != StateActive {
		// Stopped while the device was being acquired; teardown may have
		// released the source before it started.
		s.releaseSource()
		return fail(ReasonStopped, ErrStopped)
	}

	if f, ok := s.cfg.Source.(audio.Finite); ok && s.cfg.EndGrace >= 0 {
		go s.closeAfterEnd(runCtx, f.Ended())
	}

	log.Info("session active", "model", s.cfg.Setup.Model, "modalities", s.cfg.Setup.Modalities)
	return nil
}

// closeAfterEnd tears the session down EndGrace after ended is closed.
func (s *Session) closeAfterEnd(ctx context.Context, ended <-chan struct{}) {
	select {
	case <-ctx.Done():
		return
	case <-ended:
	}
	s.log.Info("capture source ended", "grace", s.cfg.EndGrace)

	t := time.NewTimer(s.cfg.EndGrace)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
		s.teardown(ErrSourceEnded)
	}
}

// Stop tears the session down. It is safe to call from any state and more
// than once. A session stopped while IDLE goes straight to CLOSED.
func (s *Session) Stop() {
	s.teardown(ErrStopped)
}

// advance moves from one state to the next if no teardown has intervened.
// Entering ACTIVE counts the session as active under the same lock teardown
// reads the previous state with.
func (s *Session) advance(from, to State, conn s2s.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	if conn != nil {
		s.conn = conn
	}
	if to == StateActive {
		s.startedAt = time.Now()
		s.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	return true
}

// teardown runs once. The capture device is released before the socket is
// closed and the sink last, so no frame is produced for a dead socket.
func (s *Session) teardown(cause error) {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		if prev == StateIdle {
			s.state = StateClosed
			s.cause = cause
			s.mu.Unlock()
			close(s.done)
			s.notifyClose(cause)
			return
		}
		s.state = StateClosing
		s.cause = cause
		conn, cancel, abort, startedAt := s.conn, s.cancel, s.abort, s.startedAt
		s.mu.Unlock()

		s.wired.Store(false)
		if abort != nil {
			abort()
		}
		if cancel != nil {
			cancel()
		}
		s.releaseSource()
		if conn != nil {
			if err := conn.Close(); err != nil {
				s.log.Debug("close connection", "err", err)
			}
		}
		if s.cfg.Sink != nil {
			if err := s.cfg.Sink.Close(); err != nil {
				s.log.Warn("close playback sink", "err", err)
			}
		}

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		ctx := context.Background()
		if prev == StateActive {
			s.metrics.ActiveSessions.Add(ctx, -1)
		}
		if !startedAt.IsZero() {
			s.metrics.RecordSessionEnd(ctx, s.cfg.Kind, CauseName(cause), time.Since(startedAt).Seconds())
		}
		s.log.Info("session closed",
			"cause", CauseName(cause),
			"err", cause,
			"frames_sent", s.sent.Load(),
			"frames_dropped", s.dropped.Load(),
		)
		close(s.done)
		s.notifyClose(cause)
	})
}

func (s *Session) releaseSource() {
	if err := s.cfg.Source.Stop(); err != nil {
		s.log.Warn("release capture source", "err", err)
	}
}

func (s *Session) notifyClose(cause error) {
	if s.cfg.Callbacks.OnClose != nil {
		s.cfg.Callbacks.OnClose(cause)
	}
}

// ── Outbound ──────────────────────────────────────────────────────────────────

// deliver is the capture callback. It runs on the source's goroutine.
func (s *Session) deliver(samples []float32) {
	if !s.wired.Load() {
		return
	}
	s.acc.Push(samples)
}

// enqueue hands a completed frame to the sender without blocking capture.
func (s *Session) enqueue(f audio.Frame) {
	select {
	case s.outbound <- f:
	default:
		s.dropped.Add(1)
		s.metrics.FramesDropped.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("kind", s.cfg.Kind)))
		s.dropOnce.Do(func() {
			s.log.Warn("outbound queue full, dropping frames", "queue_size", cap(s.outbound))
		})
	}
}

func (s *Session) sendLoop(ctx context.Context, conn s2s.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.outbound:
			err := conn.SendAudio(ctx, audio.EncodeFrame(f))
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.metrics.SendFailures.Add(ctx, 1,
					metric.WithAttributes(attribute.String("kind", s.cfg.Kind)))
				s.log.Warn("send audio frame", "err", err)
				continue
			}
			s.sent.Add(1)
			s.metrics.FramesSent.Add(ctx, 1,
				metric.WithAttributes(attribute.String("kind", s.cfg.Kind)))
		}
	}
}

func (s *Session) keepalive(ctx context.Context, conn s2s.Conn) {
	t := time.NewTicker(s.cfg.KeepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				s.teardown(fmt.Errorf("session: keepalive: %w", err))
				return
			}
		}
	}
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func (s *Session) receiveLoop(ctx context.Context, conn s2s.Conn) {
	for {
		events, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, s2s.ErrProtocol) {
				s.metrics.ProtocolErrors.Add(ctx, 1)
				s.log.Warn("dropping unparseable message", "err", err)
				continue
			}
			var ce *s2s.CloseError
			if errors.As(err, &ce) {
				s.teardown(ce)
			} else {
				s.teardown(fmt.Errorf("session: receive: %w", err))
			}
			return
		}
		for _, ev := range events {
			if ctx.Err() != nil {
				return
			}
			s.dispatch(ctx, ev)
		}
	}
}

func (s *Session) dispatch(ctx context.Context, ev s2s.ServerEvent) {
	s.metrics.RecordInboundEvent(ctx, ev.Kind.String())
	cb := s.cfg.Callbacks

	switch ev.Kind {
	case s2s.EventText:
		if cb.OnText != nil {
			cb.OnText(ev.Text)
		}
	case s2s.EventAudio:
		if s.cfg.Sink == nil {
			return
		}
		if err := s.cfg.Sink.Play(ev.Audio); err != nil {
			s.log.Warn("play audio", "bytes", len(ev.Audio), "err", err)
		}
	case s2s.EventTurnComplete:
		if cb.OnTurnComplete != nil {
			cb.OnTurnComplete()
		}
	case s2s.EventSetupComplete:
		s.setupAck.Store(true)
		s.log.Info("setup acknowledged")
	case s2s.EventError:
		s.log.Warn("server reported error", "message", ev.Text)
		if cb.OnError != nil {
			cb.OnError(ev.Text)
		}
	default:
		s.log.Debug("ignoring unrecognised server message")
	}
}
