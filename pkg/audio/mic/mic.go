// Package mic captures the default input device with PortAudio.
//
// The device is opened at 16 kHz mono. Devices that refuse that rate are
// reopened at their default rate and converted with an
// [audio.FormatConverter].
package mic

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/livebridge/pkg/audio"
)

// DefaultFramesPerBuffer is the device callback size used when none is set.
const DefaultFramesPerBuffer = 512

// Stream is an open capture stream.
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// Opener acquires capture streams. [PortAudio] is the production
// implementation.
type Opener interface {
	// Init prepares the host API. Every successful Init is paired with one
	// Terminate.
	Init() error
	Terminate() error

	// DefaultRate returns the native rate of the default input device.
	DefaultRate() (float64, error)

	// Open opens the default input device, mono, at rate. cb receives each
	// buffer; the slice is reused after cb returns.
	Open(rate float64, framesPerBuffer int, cb func(in []float32)) (Stream, error)
}

// PortAudio opens devices through github.com/gordonklaus/portaudio.
type PortAudio struct{}

func (PortAudio) Init() error      { return portaudio.Initialize() }
func (PortAudio) Terminate() error { return portaudio.Terminate() }

func (PortAudio) DefaultRate() (float64, error) {
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return 0, err
	}
	if dev.MaxInputChannels < 1 {
		return 0, fmt.Errorf("%w: %q has no input channels", audio.ErrNoAudioSource, dev.Name)
	}
	return dev.DefaultSampleRate, nil
}

func (PortAudio) Open(rate float64, framesPerBuffer int, cb func(in []float32)) (Stream, error) {
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, err
	}
	p := portaudio.LowLatencyParameters(dev, nil)
	p.Input.Channels = 1
	p.SampleRate = rate
	p.FramesPerBuffer = framesPerBuffer
	return portaudio.OpenStream(p, cb)
}

// Option configures a [Source].
type Option func(*Source)

// WithOpener replaces the PortAudio opener.
func WithOpener(o Opener) Option {
	return func(s *Source) { s.opener = o }
}

// WithFramesPerBuffer sets the device callback size.
func WithFramesPerBuffer(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.framesPerBuffer = n
		}
	}
}

// Source implements [audio.Source] for the default microphone.
type Source struct {
	opener          Opener
	framesPerBuffer int

	mu     sync.Mutex
	stream Stream
}

var _ audio.Source = (*Source)(nil)

// New returns a microphone source.
func New(opts ...Option) *Source {
	s := &Source{
		opener:          PortAudio{},
		framesPerBuffer: DefaultFramesPerBuffer,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start implements [audio.Source].
func (s *Source) Start(deliver func(samples []float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		return fmt.Errorf("%w: mic: already started", audio.ErrCaptureFailed)
	}

	if err := s.opener.Init(); err != nil {
		return classify("init", err)
	}
	stream, err := s.open(deliver)
	if err != nil {
		s.opener.Terminate()
		return err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		s.opener.Terminate()
		return classify("start", err)
	}
	s.stream = stream
	return nil
}

// open tries the pipeline rate first and falls back to the device rate.
func (s *Source) open(deliver func([]float32)) (Stream, error) {
	stream, err := s.opener.Open(audio.InputSampleRate, s.framesPerBuffer, func(in []float32) {
		deliver(append([]float32(nil), in...))
	})
	if err == nil {
		return stream, nil
	}
	if !errors.Is(err, portaudio.InvalidSampleRate) {
		return nil, classify("open", err)
	}

	rate, rerr := s.opener.DefaultRate()
	if rerr != nil {
		return nil, classify("default rate", rerr)
	}
	slog.Info("mic: device rejected pipeline rate, converting",
		"want", audio.InputSampleRate,
		"device", rate,
	)
	conv := audio.NewFormatConverter(audio.Format{SampleRate: int(rate), Channels: 1})
	stream, err = s.opener.Open(rate, s.framesPerBuffer, func(in []float32) {
		out := conv.Convert(in)
		if len(out) == 0 {
			return
		}
		if len(in) > 0 && &out[0] == &in[0] {
			out = append([]float32(nil), out...)
		}
		deliver(out)
	})
	if err != nil {
		return nil, classify("open", err)
	}
	return stream, nil
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	if stream == nil {
		return nil
	}
	return errors.Join(stream.Stop(), stream.Close(), s.opener.Terminate())
}

// classify maps a host error onto the capture sentinels.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, audio.ErrNoAudioSource),
		errors.Is(err, audio.ErrPermissionDenied),
		errors.Is(err, audio.ErrCaptureFailed):
		return err
	case errors.Is(err, portaudio.InvalidDevice):
		return fmt.Errorf("%w: mic: %s: %w", audio.ErrNoAudioSource, op, err)
	case errors.Is(err, portaudio.DeviceUnavailable),
		strings.Contains(strings.ToLower(err.Error()), "permission"):
		return fmt.Errorf("%w: mic: %s: %w", audio.ErrPermissionDenied, op, err)
	}
	return fmt.Errorf("%w: mic: %s: %w", audio.ErrCaptureFailed, op, err)
}
