package session

import (
	"errors"
	"fmt"

	"github.com/MrWong99/livebridge/pkg/audio"
	"github.com/MrWong99/livebridge/pkg/provider/s2s"
)

// State is a position in the session lifecycle. Transitions only move
// forward: IDLE → CONNECTING → HANDSHAKING → ACTIVE → CLOSING → CLOSED, and
// any state may jump to CLOSING (or straight to CLOSED from IDLE).
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateActive
	StateClosing
	StateClosed
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrNotIdle is returned by [Session.Start] on a session that has
	// already been started or stopped.
	ErrNotIdle = errors.New("session: not idle")

	// ErrStopped is the close cause of a session ended by [Session.Stop].
	ErrStopped = errors.New("session: stopped")

	// ErrSourceEnded is the close cause of a session whose finite capture
	// source ran out.
	ErrSourceEnded = errors.New("session: capture source ended")

	// ErrMissingCredentials is wrapped by a [StartError] when no usable
	// credentials are configured.
	ErrMissingCredentials = errors.New("session: missing credentials")
)

// Reason classifies a failed start.
type Reason string

const (
	ReasonPermissionDenied   Reason = "PermissionDenied"
	ReasonNoAudioSource      Reason = "NoAudioSource"
	ReasonConnectFailure     Reason = "ConnectFailure"
	ReasonMissingCredentials Reason = "MissingCredentials"
	ReasonCaptureFailure     Reason = "CaptureFailure"
	ReasonStopped            Reason = "Stopped"
)

// Message returns the text shown to the user for r.
func (r Reason) Message() string {
	switch r {
	case ReasonPermissionDenied:
		return "Microphone blocked. Allow audio capture and try again."
	case ReasonNoAudioSource:
		return "No audio tracks found"
	case ReasonConnectFailure:
		return "WebSocket connection failed. Check your API key and network."
	case ReasonMissingCredentials:
		return "Missing API Key"
	case ReasonCaptureFailure:
		return "Capture failed"
	case ReasonStopped:
		return "Session was stopped before it started"
	default:
		return "Unknown error"
	}
}

// StartError is returned by [Session.Start] when the session could not reach
// steady state. By the time it is returned the session is CLOSED and every
// resource it acquired has been released.
type StartError struct {
	Reason Reason
	Err    error
}

func (e *StartError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session: start failed: %s", e.Reason)
	}
	return fmt.Sprintf("session: start failed: %s: %v", e.Reason, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// reasonFor maps a capture failure onto a [Reason].
func reasonFor(err error) Reason {
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return ReasonPermissionDenied
	case errors.Is(err, audio.ErrNoAudioSource):
		return ReasonNoAudioSource
	default:
		return ReasonCaptureFailure
	}
}

// CauseName returns a short label for a close cause, used as a metric
// attribute and in API responses.
func CauseName(err error) string {
	var se *StartError
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrStopped):
		return "stopped"
	case errors.Is(err, ErrSourceEnded):
		return "source_ended"
	case errors.As(err, &se):
		return "start_failed"
	case errors.Is(err, s2s.ErrRemoteClosed):
		return "remote_closed"
	default:
		return "socket_error"
	}
}
