// Package s2s defines the transport contract between a streaming session and
// a bidirectional live speech service.
//
// A [Dialer] opens a [Conn]. The caller sends exactly one setup message with
// [Conn.SendSetup] before any audio, then streams encoded frames with
// [Conn.SendAudio] while a single goroutine reads [ServerEvent] values with
// [Conn.Receive]. Each inbound message may carry zero or more events; their
// order within and across messages is preserved.
//
// All implementations must allow SendAudio, Receive, Ping and Close to be
// called concurrently from different goroutines.
package s2s

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/livebridge/pkg/audio"
)

var (
	// ErrConnect is wrapped by [Dialer.Dial] when the socket cannot be opened.
	ErrConnect = errors.New("s2s: connect failed")

	// ErrProtocol is wrapped by [Conn.Receive] when an inbound message cannot
	// be parsed. The connection remains usable.
	ErrProtocol = errors.New("s2s: protocol error")

	// ErrSend is wrapped by [Conn.SendAudio] and [Conn.SendSetup] on write
	// failure.
	ErrSend = errors.New("s2s: send failed")

	// ErrRemoteClosed matches every [*CloseError].
	ErrRemoteClosed = errors.New("s2s: remote closed")

	// ErrClosed is returned by operations on a Conn after Close.
	ErrClosed = errors.New("s2s: connection closed")
)

// Modality is a response modality requested in the setup message.
type Modality string

const (
	ModalityText  Modality = "TEXT"
	ModalityAudio Modality = "AUDIO"
)

// SessionConfig is sent once per connection as the setup message.
type SessionConfig struct {
	// Model is the model identifier, with or without the "models/" prefix.
	Model string

	// Modalities lists the requested response modalities. At least one is
	// required.
	Modalities []Modality

	// Voice is the prebuilt voice name. Empty omits the speech config.
	Voice string

	// InputSampleRate is the rate of outbound audio, in Hz.
	InputSampleRate int

	// OutputSampleRate is the rate of inbound audio, in Hz.
	OutputSampleRate int
}

// Validate reports whether cfg can be sent as a setup message.
func (cfg SessionConfig) Validate() error {
	var errs []error
	if cfg.Model == "" {
		errs = append(errs, errors.New("s2s: model is required"))
	}
	if len(cfg.Modalities) == 0 {
		errs = append(errs, errors.New("s2s: at least one response modality is required"))
	}
	for _, m := range cfg.Modalities {
		if m != ModalityText && m != ModalityAudio {
			errs = append(errs, fmt.Errorf("s2s: unknown modality %q", m))
		}
	}
	return errors.Join(errs...)
}

// EventKind classifies a [ServerEvent].
type EventKind int

const (
	EventUnknown EventKind = iota
	EventText
	EventAudio
	EventTurnComplete
	EventSetupComplete
	EventError
)

// String returns the upper-case event name.
func (k EventKind) String() string {
	switch k {
	case EventText:
		return "TEXT"
	case EventAudio:
		return "AUDIO"
	case EventTurnComplete:
		return "TURN_COMPLETE"
	case EventSetupComplete:
		return "SETUP_COMPLETE"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ServerEvent is one parsed unit of an inbound message.
type ServerEvent struct {
	Kind EventKind

	// Text is set for EventText and carries the message for EventError.
	Text string

	// Audio holds decoded PCM16LE bytes for EventAudio.
	Audio []byte
}

// CloseError describes a connection closed by the remote peer.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("s2s: remote closed (code %d)", e.Code)
	}
	return fmt.Sprintf("s2s: remote closed (code %d): %s", e.Code, e.Reason)
}

// Is makes errors.Is(err, ErrRemoteClosed) true for every CloseError.
func (e *CloseError) Is(target error) bool { return target == ErrRemoteClosed }

// Conn is an open bidirectional connection to a live service.
type Conn interface {
	// SendSetup transmits the setup message. It must be the first message.
	SendSetup(ctx context.Context, cfg SessionConfig) error

	// SendAudio transmits one encoded chunk as a single realtime-input message.
	SendAudio(ctx context.Context, chunk audio.Chunk) error

	// Receive blocks until the next inbound message and returns the events it
	// carries. Messages without events (binary frames) yield a nil slice. A
	// parse failure returns an error wrapping [ErrProtocol]; any other error
	// means the connection is gone.
	Receive(ctx context.Context) ([]ServerEvent, error)

	// Ping sends a keepalive ping and waits for the pong.
	Ping(ctx context.Context) error

	// Close closes the connection with a normal closure. It is idempotent.
	Close() error
}

// Dialer opens connections to a live service.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the [Dialer] interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }
