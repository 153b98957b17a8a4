// Package media taps an audio stream that is already available, a local
// file or an http(s) URL, and delivers it as 16 kHz mono samples.
//
// WAV, MP3 and FLAC are decoded with beep. The stream is mixed down to mono,
// resampled with [beep.Resample] and delivered in real time in 128-sample
// render quanta, the same granularity an audio worklet would produce.
package media

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/flac"
	"github.com/gopxl/beep/mp3"
	"github.com/gopxl/beep/wav"

	"github.com/MrWong99/livebridge/pkg/audio"
)

// Quantum is the number of samples in each delivered batch.
const Quantum = 128

const resampleQuality = 4

// Option configures a [Source].
type Option func(*Source)

// WithHTTPClient sets the client used for http(s) locations.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) { s.client = c }
}

// WithRealtime controls pacing. When false, batches are delivered as fast as
// the decoder produces them. Default: true.
func WithRealtime(realtime bool) Option {
	return func(s *Source) { s.realtime = realtime }
}

// WithOnEnd registers fn to be called from the delivery goroutine when the
// stream is exhausted. It is not called after [Source.Stop].
func WithOnEnd(fn func()) Option {
	return func(s *Source) { s.onEnd = fn }
}

// Source implements [audio.Source] for a media location.
type Source struct {
	location string
	client   *http.Client
	realtime bool
	onEnd    func()

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	ended  chan struct{}
	closer io.Closer
}

var (
	_ audio.Source = (*Source)(nil)
	_ audio.Finite = (*Source)(nil)
)

// New returns a source for location, which is a file path or an http(s) URL.
func New(location string, opts ...Option) *Source {
	s := &Source{
		location: strings.TrimSpace(location),
		client:   http.DefaultClient,
		realtime: true,
		ended:    make(chan struct{}),
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
	if s.cancel != nil {
		return fmt.Errorf("%w: media: already started", audio.ErrCaptureFailed)
	}

	rc, err := s.open()
	if err != nil {
		return err
	}
	streamer, format, err := decode(rc)
	if err != nil {
		rc.Close()
		return err
	}
	if format.NumChannels <= 0 || format.SampleRate <= 0 {
		streamer.Close()
		return fmt.Errorf("%w: media: %q has no audio channels", audio.ErrNoAudioSource, s.location)
	}

	var st beep.Streamer = streamer
	if format.SampleRate != audio.InputSampleRate {
		st = beep.Resample(resampleQuality, format.SampleRate, audio.InputSampleRate, st)
	}

	slog.Info("media: tapping stream",
		"location", s.location,
		"format", audio.Format{SampleRate: int(format.SampleRate), Channels: format.NumChannels}.String(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.closer = streamer
	s.ended = make(chan struct{})
	go s.run(ctx, st, deliver, s.done, s.ended)
	return nil
}

// Ended implements [audio.Finite] for the most recent Start.
func (s *Source) Ended() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Stop implements [audio.Source]. It returns once the delivery goroutine
// has exited.
func (s *Source) Stop() error {
	s.mu.Lock()
	cancel, done, closer := s.cancel, s.done, s.closer
	s.cancel, s.done, s.closer = nil, nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	if err := closer.Close(); err != nil {
		return fmt.Errorf("media: close stream: %w", err)
	}
	return nil
}

func (s *Source) run(ctx context.Context, st beep.Streamer, deliver func([]float32), done, ended chan struct{}) {
	defer close(done)

	buf := make([][2]float64, Quantum)

	var tick <-chan time.Time
	if s.realtime {
		t := time.NewTicker(time.Duration(Quantum) * time.Second / audio.InputSampleRate)
		defer t.Stop()
		tick = t.C
	}

	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return
		}

		n, ok := st.Stream(buf)
		if n > 0 {
			// deliver may retain the batch, so each one gets fresh storage.
			deliver(audio.StereoToMono(buf[:n], make([]float32, 0, n)))
		}
		if !ok {
			if err := errOf(st); err != nil {
				slog.Warn("media: decode error", "location", s.location, "err", err)
			}
			slog.Info("media: stream ended", "location", s.location)
			if ctx.Err() == nil {
				close(ended)
				if s.onEnd != nil {
					s.onEnd()
				}
			}
			return
		}
	}
}

func errOf(st beep.Streamer) error {
	if e, ok := st.(interface{ Err() error }); ok {
		return e.Err()
	}
	return nil
}

// open resolves the location to a byte stream.
func (s *Source) open() (io.ReadCloser, error) {
	if s.location == "" {
		return nil, fmt.Errorf("%w: media: no location", audio.ErrNoAudioSource)
	}

	if u, err := url.Parse(s.location); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		resp, err := s.client.Get(s.location)
		if err != nil {
			return nil, fmt.Errorf("%w: media: fetch %q: %w", audio.ErrCaptureFailed, s.location, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: media: fetch %q: status %d", audio.ErrNoAudioSource, s.location, resp.StatusCode)
		}
		return resp.Body, nil
	}

	f, err := os.Open(s.location)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: media: %q does not exist", audio.ErrNoAudioSource, s.location)
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%w: media: %w", audio.ErrPermissionDenied, err)
	case err != nil:
		return nil, fmt.Errorf("%w: media: %w", audio.ErrCaptureFailed, err)
	}
	return f, nil
}

// readCloser pairs a buffered reader with the closer of the stream beneath it.
type readCloser struct {
	io.Reader
	io.Closer
}

// decode sniffs the container from its magic bytes and decodes it. Anything
// that is neither RIFF/WAVE nor FLAC is handed to the MP3 decoder.
func decode(rc io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error) {
	br := bufio.NewReader(rc)
	magic, err := br.Peek(12)
	if err != nil && len(magic) == 0 {
		return nil, beep.Format{}, fmt.Errorf("%w: media: empty stream", audio.ErrNoAudioSource)
	}
	r := readCloser{Reader: br, Closer: rc}

	var (
		st     beep.StreamSeekCloser
		format beep.Format
		kind   string
	)
	switch {
	case len(magic) >= 12 && bytes.Equal(magic[:4], []byte("RIFF")) && bytes.Equal(magic[8:12], []byte("WAVE")):
		kind = "wav"
		st, format, err = wav.Decode(r)
	case bytes.HasPrefix(magic, []byte("fLaC")):
		kind = "flac"
		st, format, err = flac.Decode(r)
	default:
		kind = "mp3"
		st, format, err = mp3.Decode(r)
	}
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("%w: media: decode %s: %w", audio.ErrNoAudioSource, kind, err)
	}
	return &closeBoth{StreamSeekCloser: st, underlying: rc}, format, nil
}

// closeBoth closes the decoder and then the underlying stream. Not every beep
// decoder closes the reader it was given.
type closeBoth struct {
	beep.StreamSeekCloser
	underlying io.Closer
	once       sync.Once
}

func (c *closeBoth) Close() error {
	var err error
	c.once.Do(func() {
		err = c.StreamSeekCloser.Close()
		if uerr := c.underlying.Close(); uerr != nil && !errors.Is(uerr, fs.ErrClosed) {
			err = errors.Join(err, uerr)
		}
	})
	return err
}
