// Package mock provides in-memory mock implementations of the [audio.Source]
// and [audio.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := &mock.Source{}
//	sink := &mock.Sink{}
//	// ... hand both to a session, then simulate the device:
//	src.Deliver(make([]float32, 4096))
package mock

import (
	"errors"
	"sync"

	"github.com/MrWong99/livebridge/pkg/audio"
)

var (
	_ audio.Source = (*Source)(nil)
	_ audio.Finite = (*Source)(nil)
	_ audio.Sink   = (*Sink)(nil)
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source].
// Set the exported fields before use; inspect the counters after.
type Source struct {
	mu sync.Mutex

	// StartErr is returned by Start. When non-nil the source does not become
	// active.
	StartErr error

	// StopErr is returned by Stop.
	StopErr error

	// OnStart, if set, is called at the beginning of every Start call,
	// before the source becomes active.
	OnStart func()

	// OnStop, if set, is called at the beginning of every Stop call. Tests use
	// it to observe what else has happened at release time.
	OnStop func()

	// End is returned by Ended. Close it to simulate a source running out.
	End chan struct{}

	// StartCalls records how many times Start was called.
	StartCalls int

	// StopCalls records how many times Stop was called.
	StopCalls int

	deliver func([]float32)
	active  bool
	started chan struct{}
	once    sync.Once
}

func (s *Source) startedCh() chan struct{} {
	s.once.Do(func() { s.started = make(chan struct{}) })
	return s.started
}

// Start implements [audio.Source].
func (s *Source) Start(deliver func([]float32)) error {
	s.mu.Lock()
	hook := s.OnStart
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCalls++
	if s.StartErr != nil {
		return s.StartErr
	}
	s.deliver = deliver
	s.active = true
	ch := s.startedCh()
	select {
	case <-ch:
	default:
		close(ch)
	}
	return nil
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	hook := s.OnStop
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCalls++
	s.active = false
	s.deliver = nil
	return s.StopErr
}

// Ended implements [audio.Finite].
func (s *Source) Ended() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.End
}

// Started is closed after the first successful Start.
func (s *Source) Started() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedCh()
}

// Deliver hands samples to the registered callback as the device would. It
// reports whether the source was active.
func (s *Source) Deliver(samples []float32) bool {
	s.mu.Lock()
	deliver, active := s.deliver, s.active
	s.mu.Unlock()
	if !active || deliver == nil {
		return false
	}
	deliver(samples)
	return true
}

// Active reports whether the source is between a successful Start and Stop.
func (s *Source) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Stops returns StopCalls. Thread-safe.
func (s *Source) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StopCalls
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// ErrSinkClosed is returned by [Sink.Play] after Close.
var ErrSinkClosed = errors.New("mock: sink closed")

// Sink is a mock implementation of [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// PlayErr is returned by Play while the sink is open.
	PlayErr error

	// Played records every buffer passed to Play, in order.
	Played [][]byte

	// CloseCalls records how many times Close was called.
	CloseCalls int

	closed bool
}

// Play implements [audio.Sink].
func (s *Sink) Play(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.Played = append(s.Played, append([]byte(nil), pcm...))
	return s.PlayErr
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	s.closed = true
	return nil
}

// Buffers returns a copy of Played. Thread-safe.
func (s *Sink) Buffers() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.Played...)
}

// Closes returns CloseCalls. Thread-safe.
func (s *Sink) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCalls
}
